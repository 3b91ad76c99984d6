package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"debts/internal/core"
	"debts/internal/storage"
)

// timeLayout is fixed width so that TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// New returns Queries running on db.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Queries implements storage.Tx over a *sql.DB or a *sql.Tx.
type Queries struct {
	db DBTX
}

// WithTx returns Queries bound to tx.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

var _ storage.Tx = (*Queries)(nil)

const obligationColumns = `id, owner_id, debtor_name, amount_cents, description, contact_ref,
	is_paid, paid_at, group_id, template_id, instance_index, created_at, updated_at`

const getObligation = `SELECT ` + obligationColumns + `
FROM obligations WHERE owner_id = ? AND id = ?`

func (q *Queries) GetObligation(ctx context.Context, ownerID, id string) (core.Obligation, error) {
	o, err := scanObligation(q.db.QueryRowContext(ctx, getObligation, ownerID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Obligation{}, core.NewNotFoundError("obligation", id)
	}
	if err != nil {
		return core.Obligation{}, fmt.Errorf("get obligation: %w", mapError(err))
	}
	return o, nil
}

const listObligations = `SELECT ` + obligationColumns + `
FROM obligations
WHERE owner_id = ?
  AND (? IS NULL OR group_id = ?)
  AND (? = 0 OR group_id IS NULL)
  AND (? IS NULL OR is_paid = ?)
  AND (? = '' OR debtor_name = ?)
  AND (? = '' OR template_id = ?)
ORDER BY created_at, id`

func (q *Queries) ListObligations(ctx context.Context, ownerID string, f storage.ObligationFilter) ([]core.Obligation, error) {
	group := nullString(f.GroupID)
	var paid sql.NullBool
	if f.Paid != nil {
		paid = sql.NullBool{Bool: *f.Paid, Valid: true}
	}
	rows, err := q.db.QueryContext(ctx, listObligations,
		ownerID,
		group, group,
		f.Ungrouped,
		paid, paid,
		f.DebtorName, f.DebtorName,
		f.TemplateID, f.TemplateID,
	)
	if err != nil {
		return nil, fmt.Errorf("list obligations: %w", mapError(err))
	}
	defer rows.Close()

	out := []core.Obligation{}
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan obligation: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list obligations: %w", mapError(err))
	}
	return out, nil
}

const insertObligation = `INSERT INTO obligations (` + obligationColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertObligation(ctx context.Context, o core.Obligation) error {
	tmplID, idx := recurrenceColumns(o.Recurrence)
	_, err := q.db.ExecContext(ctx, insertObligation,
		o.ID, o.OwnerID, o.DebtorName, o.Amount.Cents, o.Description, o.ContactRef,
		o.IsPaid, formatTimePtr(o.PaidAt), nullString(o.GroupID), tmplID, idx,
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert obligation: %w", mapError(err))
	}
	return nil
}

const updateObligation = `UPDATE obligations
SET debtor_name = ?, amount_cents = ?, description = ?, contact_ref = ?,
    is_paid = ?, paid_at = ?, group_id = ?, template_id = ?, instance_index = ?, updated_at = ?
WHERE owner_id = ? AND id = ?`

func (q *Queries) UpdateObligation(ctx context.Context, o core.Obligation) error {
	tmplID, idx := recurrenceColumns(o.Recurrence)
	res, err := q.db.ExecContext(ctx, updateObligation,
		o.DebtorName, o.Amount.Cents, o.Description, o.ContactRef,
		o.IsPaid, formatTimePtr(o.PaidAt), nullString(o.GroupID), tmplID, idx, formatTime(o.UpdatedAt),
		o.OwnerID, o.ID,
	)
	if err != nil {
		return fmt.Errorf("update obligation: %w", mapError(err))
	}
	return expectRow(res, "obligation", o.ID)
}

const deleteObligation = `DELETE FROM obligations WHERE owner_id = ? AND id = ?`

func (q *Queries) DeleteObligation(ctx context.Context, ownerID, id string) error {
	res, err := q.db.ExecContext(ctx, deleteObligation, ownerID, id)
	if err != nil {
		return fmt.Errorf("delete obligation: %w", mapError(err))
	}
	return expectRow(res, "obligation", id)
}

const ledgerColumns = `id, owner_id, name, description, total_cents, paid_cents, is_completed,
	member_ids, template_id, instance_index, created_at, updated_at`

const getLedger = `SELECT ` + ledgerColumns + ` FROM ledgers WHERE owner_id = ? AND id = ?`

func (q *Queries) GetLedger(ctx context.Context, ownerID, id string) (core.Ledger, error) {
	l, err := scanLedger(q.db.QueryRowContext(ctx, getLedger, ownerID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Ledger{}, core.NewNotFoundError("ledger", id)
	}
	if err != nil {
		return core.Ledger{}, fmt.Errorf("get ledger: %w", mapError(err))
	}
	return l, nil
}

const listLedgers = `SELECT ` + ledgerColumns + ` FROM ledgers WHERE owner_id = ? ORDER BY created_at, id`

func (q *Queries) ListLedgers(ctx context.Context, ownerID string) ([]core.Ledger, error) {
	rows, err := q.db.QueryContext(ctx, listLedgers, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list ledgers: %w", mapError(err))
	}
	defer rows.Close()

	out := []core.Ledger{}
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ledgers: %w", mapError(err))
	}
	return out, nil
}

const insertLedger = `INSERT INTO ledgers (` + ledgerColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertLedger(ctx context.Context, l core.Ledger) error {
	members, err := encodeIDs(l.MemberIDs)
	if err != nil {
		return err
	}
	tmplID, idx := recurrenceColumns(l.Recurrence)
	_, err = q.db.ExecContext(ctx, insertLedger,
		l.ID, l.OwnerID, l.Name, l.Description, l.TotalAmount.Cents, l.PaidAmount.Cents, l.IsCompleted,
		members, tmplID, idx, formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert ledger: %w", mapError(err))
	}
	return nil
}

const updateLedger = `UPDATE ledgers
SET name = ?, description = ?, total_cents = ?, paid_cents = ?, is_completed = ?,
    member_ids = ?, updated_at = ?
WHERE owner_id = ? AND id = ?`

func (q *Queries) UpdateLedger(ctx context.Context, l core.Ledger) error {
	members, err := encodeIDs(l.MemberIDs)
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, updateLedger,
		l.Name, l.Description, l.TotalAmount.Cents, l.PaidAmount.Cents, l.IsCompleted,
		members, formatTime(l.UpdatedAt),
		l.OwnerID, l.ID,
	)
	if err != nil {
		return fmt.Errorf("update ledger: %w", mapError(err))
	}
	return expectRow(res, "ledger", l.ID)
}

const deleteLedger = `DELETE FROM ledgers WHERE owner_id = ? AND id = ?`

func (q *Queries) DeleteLedger(ctx context.Context, ownerID, id string) error {
	res, err := q.db.ExecContext(ctx, deleteLedger, ownerID, id)
	if err != nil {
		return fmt.Errorf("delete ledger: %w", mapError(err))
	}
	return expectRow(res, "ledger", id)
}

const templateColumns = `id, owner_id, subject_kind, fields, frequency, start_date, end_date,
	day_of_month, day_of_week, is_active, last_generated_at, next_occurrence_date,
	generated_instance_ids, created_at, updated_at`

const getTemplate = `SELECT ` + templateColumns + ` FROM templates WHERE owner_id = ? AND id = ?`

func (q *Queries) GetTemplate(ctx context.Context, ownerID, id string) (core.Template, error) {
	t, err := scanTemplate(q.db.QueryRowContext(ctx, getTemplate, ownerID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Template{}, core.NewNotFoundError("template", id)
	}
	if err != nil {
		return core.Template{}, fmt.Errorf("get template: %w", mapError(err))
	}
	return t, nil
}

const listTemplates = `SELECT ` + templateColumns + ` FROM templates WHERE owner_id = ? ORDER BY created_at, id`

func (q *Queries) ListTemplates(ctx context.Context, ownerID string) ([]core.Template, error) {
	return q.queryTemplates(ctx, "list templates", listTemplates, ownerID)
}

const listDueTemplates = `SELECT ` + templateColumns + `
FROM templates
WHERE is_active = 1 AND next_occurrence_date <= ?
ORDER BY created_at, id`

func (q *Queries) ListDueTemplates(ctx context.Context, now time.Time) ([]core.Template, error) {
	return q.queryTemplates(ctx, "list due templates", listDueTemplates, core.DateOf(now).String())
}

func (q *Queries) queryTemplates(ctx context.Context, op, query string, args ...interface{}) ([]core.Template, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapError(err))
	}
	defer rows.Close()

	out := []core.Template{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapError(err))
	}
	return out, nil
}

const insertTemplate = `INSERT INTO templates (` + templateColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertTemplate(ctx context.Context, t core.Template) error {
	fields, ids, err := encodeTemplate(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, insertTemplate,
		t.ID, t.OwnerID, string(t.SubjectKind), fields, string(t.Frequency), t.StartDate.String(),
		formatDatePtr(t.EndDate), nullInt(t.DayOfMonth), nullWeekday(t.DayOfWeek), t.IsActive,
		formatTimePtr(t.LastGeneratedDate), t.NextOccurrenceDate.String(), ids,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert template: %w", mapError(err))
	}
	return nil
}

const updateTemplate = `UPDATE templates
SET fields = ?, end_date = ?, is_active = ?, last_generated_at = ?, next_occurrence_date = ?,
    generated_instance_ids = ?, updated_at = ?
WHERE owner_id = ? AND id = ? AND next_occurrence_date = ?`

const templateExists = `SELECT COUNT(1) FROM templates WHERE owner_id = ? AND id = ?`

func (q *Queries) UpdateTemplate(ctx context.Context, t core.Template, expectedNext core.Date) error {
	fields, ids, err := encodeTemplate(t)
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, updateTemplate,
		fields, formatDatePtr(t.EndDate), t.IsActive, formatTimePtr(t.LastGeneratedDate),
		t.NextOccurrenceDate.String(), ids, formatTime(t.UpdatedAt),
		t.OwnerID, t.ID, expectedNext.String(),
	)
	if err != nil {
		return fmt.Errorf("update template: %w", mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if n == 1 {
		return nil
	}
	var count int
	if err := q.db.QueryRowContext(ctx, templateExists, t.OwnerID, t.ID).Scan(&count); err != nil {
		return fmt.Errorf("check template: %w", mapError(err))
	}
	if count == 0 {
		return core.NewNotFoundError("template", t.ID)
	}
	return core.ErrConflict
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanObligation(s scanner) (core.Obligation, error) {
	var (
		o                   core.Obligation
		paidAt, groupID     sql.NullString
		templateID          sql.NullString
		instanceIndex       sql.NullInt64
		createdAt, updateAt string
	)
	err := s.Scan(&o.ID, &o.OwnerID, &o.DebtorName, &o.Amount.Cents, &o.Description, &o.ContactRef,
		&o.IsPaid, &paidAt, &groupID, &templateID, &instanceIndex, &createdAt, &updateAt)
	if err != nil {
		return core.Obligation{}, err
	}
	if o.PaidAt, err = parseTimePtr(paidAt); err != nil {
		return core.Obligation{}, err
	}
	if groupID.Valid {
		o.GroupID = &groupID.String
	}
	o.Recurrence = recurrenceFrom(templateID, instanceIndex)
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.Obligation{}, err
	}
	if o.UpdatedAt, err = parseTime(updateAt); err != nil {
		return core.Obligation{}, err
	}
	return o, nil
}

func scanLedger(s scanner) (core.Ledger, error) {
	var (
		l                   core.Ledger
		members             string
		templateID          sql.NullString
		instanceIndex       sql.NullInt64
		createdAt, updateAt string
	)
	err := s.Scan(&l.ID, &l.OwnerID, &l.Name, &l.Description, &l.TotalAmount.Cents, &l.PaidAmount.Cents,
		&l.IsCompleted, &members, &templateID, &instanceIndex, &createdAt, &updateAt)
	if err != nil {
		return core.Ledger{}, err
	}
	if err := json.Unmarshal([]byte(members), &l.MemberIDs); err != nil {
		return core.Ledger{}, fmt.Errorf("decode member ids: %w", err)
	}
	if l.MemberIDs == nil {
		l.MemberIDs = []string{}
	}
	l.Recurrence = recurrenceFrom(templateID, instanceIndex)
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.Ledger{}, err
	}
	if l.UpdatedAt, err = parseTime(updateAt); err != nil {
		return core.Ledger{}, err
	}
	return l, nil
}

func scanTemplate(s scanner) (core.Template, error) {
	var (
		t                     core.Template
		subject, frequency    string
		fields, ids           string
		startDate, nextDate   string
		endDate, lastGen      sql.NullString
		dayOfMonth, dayOfWeek sql.NullInt64
		createdAt, updateAt   string
	)
	err := s.Scan(&t.ID, &t.OwnerID, &subject, &fields, &frequency, &startDate, &endDate,
		&dayOfMonth, &dayOfWeek, &t.IsActive, &lastGen, &nextDate, &ids, &createdAt, &updateAt)
	if err != nil {
		return core.Template{}, err
	}
	t.SubjectKind = core.SubjectKind(subject)
	t.Frequency = core.Frequency(frequency)
	if err := json.Unmarshal([]byte(fields), &t.Fields); err != nil {
		return core.Template{}, fmt.Errorf("decode template fields: %w", err)
	}
	if err := json.Unmarshal([]byte(ids), &t.GeneratedInstanceIDs); err != nil {
		return core.Template{}, fmt.Errorf("decode generated ids: %w", err)
	}
	if t.GeneratedInstanceIDs == nil {
		t.GeneratedInstanceIDs = []string{}
	}
	if t.StartDate, err = core.ParseDate(startDate); err != nil {
		return core.Template{}, err
	}
	if t.NextOccurrenceDate, err = core.ParseDate(nextDate); err != nil {
		return core.Template{}, err
	}
	if endDate.Valid {
		d, err := core.ParseDate(endDate.String)
		if err != nil {
			return core.Template{}, err
		}
		t.EndDate = &d
	}
	if dayOfMonth.Valid {
		d := int(dayOfMonth.Int64)
		t.DayOfMonth = &d
	}
	if dayOfWeek.Valid {
		d := time.Weekday(dayOfWeek.Int64)
		t.DayOfWeek = &d
	}
	if t.LastGeneratedDate, err = parseTimePtr(lastGen); err != nil {
		return core.Template{}, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.Template{}, err
	}
	if t.UpdatedAt, err = parseTime(updateAt); err != nil {
		return core.Template{}, err
	}
	return t, nil
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return core.NewNotFoundError(kind, id)
	}
	return nil
}

func encodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode ids: %w", err)
	}
	return string(b), nil
}

func encodeTemplate(t core.Template) (string, string, error) {
	fields, err := json.Marshal(t.Fields)
	if err != nil {
		return "", "", fmt.Errorf("encode template fields: %w", err)
	}
	ids, err := encodeIDs(t.GeneratedInstanceIDs)
	if err != nil {
		return "", "", err
	}
	return string(fields), ids, nil
}

func recurrenceColumns(r *core.RecurrenceRef) (sql.NullString, sql.NullInt64) {
	if r == nil {
		return sql.NullString{}, sql.NullInt64{}
	}
	return sql.NullString{String: r.TemplateID, Valid: true}, sql.NullInt64{Int64: int64(r.InstanceIndex), Valid: true}
}

func recurrenceFrom(templateID sql.NullString, idx sql.NullInt64) *core.RecurrenceRef {
	if !templateID.Valid {
		return nil
	}
	return &core.RecurrenceRef{TemplateID: templateID.String, InstanceIndex: int(idx.Int64)}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullWeekday(d *time.Weekday) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*d), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatDatePtr(d *core.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
