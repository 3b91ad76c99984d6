package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"debts/internal/core"
	"debts/internal/storage"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

// New returns Queries running on db.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns Queries bound to tx.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

var _ storage.Tx = (*Queries)(nil)

const obligationColumns = `id, owner_id, debtor_name, amount_cents, description, contact_ref,
	is_paid, paid_at, group_id, template_id, instance_index, created_at, updated_at`

func (q *Queries) GetObligation(ctx context.Context, ownerID, id string) (core.Obligation, error) {
	query := `SELECT ` + obligationColumns + ` FROM obligations WHERE owner_id = $1 AND id = $2`
	o, err := scanObligation(q.db.QueryRow(ctx, query, ownerID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Obligation{}, core.NewNotFoundError("obligation", id)
	}
	if err != nil {
		return core.Obligation{}, fmt.Errorf("get obligation: %w", mapError(err))
	}
	return o, nil
}

func (q *Queries) ListObligations(ctx context.Context, ownerID string, f storage.ObligationFilter) ([]core.Obligation, error) {
	query := `
        SELECT ` + obligationColumns + `
        FROM obligations
        WHERE owner_id = $1
          AND ($2::text IS NULL OR group_id = $2)
          AND (NOT $3::bool OR group_id IS NULL)
          AND ($4::bool IS NULL OR is_paid = $4)
          AND ($5::text = '' OR debtor_name = $5)
          AND ($6::text = '' OR template_id = $6)
        ORDER BY created_at, id
    `
	rows, err := q.db.Query(ctx, query, ownerID, f.GroupID, f.Ungrouped, f.Paid, f.DebtorName, f.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("list obligations: %w", mapError(err))
	}
	defer rows.Close()

	out := []core.Obligation{}
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan obligation: %w", mapError(err))
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list obligations: %w", mapError(err))
	}
	return out, nil
}

func (q *Queries) InsertObligation(ctx context.Context, o core.Obligation) error {
	query := `INSERT INTO obligations (` + obligationColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	tmplID, idx := recurrenceColumns(o.Recurrence)
	_, err := q.db.Exec(ctx, query,
		o.ID, o.OwnerID, o.DebtorName, o.Amount.Cents, o.Description, o.ContactRef,
		o.IsPaid, o.PaidAt, o.GroupID, tmplID, idx, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert obligation: %w", mapError(err))
	}
	return nil
}

func (q *Queries) UpdateObligation(ctx context.Context, o core.Obligation) error {
	query := `
        UPDATE obligations
        SET debtor_name = $3, amount_cents = $4, description = $5, contact_ref = $6,
            is_paid = $7, paid_at = $8, group_id = $9, template_id = $10, instance_index = $11,
            updated_at = $12
        WHERE owner_id = $1 AND id = $2
    `
	tmplID, idx := recurrenceColumns(o.Recurrence)
	tag, err := q.db.Exec(ctx, query,
		o.OwnerID, o.ID,
		o.DebtorName, o.Amount.Cents, o.Description, o.ContactRef,
		o.IsPaid, o.PaidAt, o.GroupID, tmplID, idx, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update obligation: %w", mapError(err))
	}
	return expectRow(tag, "obligation", o.ID)
}

func (q *Queries) DeleteObligation(ctx context.Context, ownerID, id string) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM obligations WHERE owner_id = $1 AND id = $2`, ownerID, id)
	if err != nil {
		return fmt.Errorf("delete obligation: %w", mapError(err))
	}
	return expectRow(tag, "obligation", id)
}

const ledgerColumns = `id, owner_id, name, description, total_cents, paid_cents, is_completed,
	member_ids, template_id, instance_index, created_at, updated_at`

func (q *Queries) GetLedger(ctx context.Context, ownerID, id string) (core.Ledger, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledgers WHERE owner_id = $1 AND id = $2`
	l, err := scanLedger(q.db.QueryRow(ctx, query, ownerID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Ledger{}, core.NewNotFoundError("ledger", id)
	}
	if err != nil {
		return core.Ledger{}, fmt.Errorf("get ledger: %w", mapError(err))
	}
	return l, nil
}

func (q *Queries) ListLedgers(ctx context.Context, ownerID string) ([]core.Ledger, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledgers WHERE owner_id = $1 ORDER BY created_at, id`
	rows, err := q.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list ledgers: %w", mapError(err))
	}
	defer rows.Close()

	out := []core.Ledger{}
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger: %w", mapError(err))
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ledgers: %w", mapError(err))
	}
	return out, nil
}

func (q *Queries) InsertLedger(ctx context.Context, l core.Ledger) error {
	query := `INSERT INTO ledgers (` + ledgerColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	members, err := encodeIDs(l.MemberIDs)
	if err != nil {
		return err
	}
	tmplID, idx := recurrenceColumns(l.Recurrence)
	_, err = q.db.Exec(ctx, query,
		l.ID, l.OwnerID, l.Name, l.Description, l.TotalAmount.Cents, l.PaidAmount.Cents, l.IsCompleted,
		members, tmplID, idx, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger: %w", mapError(err))
	}
	return nil
}

func (q *Queries) UpdateLedger(ctx context.Context, l core.Ledger) error {
	query := `
        UPDATE ledgers
        SET name = $3, description = $4, total_cents = $5, paid_cents = $6, is_completed = $7,
            member_ids = $8, updated_at = $9
        WHERE owner_id = $1 AND id = $2
    `
	members, err := encodeIDs(l.MemberIDs)
	if err != nil {
		return err
	}
	tag, err := q.db.Exec(ctx, query,
		l.OwnerID, l.ID,
		l.Name, l.Description, l.TotalAmount.Cents, l.PaidAmount.Cents, l.IsCompleted,
		members, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update ledger: %w", mapError(err))
	}
	return expectRow(tag, "ledger", l.ID)
}

func (q *Queries) DeleteLedger(ctx context.Context, ownerID, id string) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM ledgers WHERE owner_id = $1 AND id = $2`, ownerID, id)
	if err != nil {
		return fmt.Errorf("delete ledger: %w", mapError(err))
	}
	return expectRow(tag, "ledger", id)
}

const templateColumns = `id, owner_id, subject_kind, fields, frequency, start_date, end_date,
	day_of_month, day_of_week, is_active, last_generated_at, next_occurrence_date,
	generated_instance_ids, created_at, updated_at`

func (q *Queries) GetTemplate(ctx context.Context, ownerID, id string) (core.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE owner_id = $1 AND id = $2`
	t, err := scanTemplate(q.db.QueryRow(ctx, query, ownerID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Template{}, core.NewNotFoundError("template", id)
	}
	if err != nil {
		return core.Template{}, fmt.Errorf("get template: %w", mapError(err))
	}
	return t, nil
}

func (q *Queries) ListTemplates(ctx context.Context, ownerID string) ([]core.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE owner_id = $1 ORDER BY created_at, id`
	return q.queryTemplates(ctx, "list templates", query, ownerID)
}

func (q *Queries) ListDueTemplates(ctx context.Context, now time.Time) ([]core.Template, error) {
	query := `
        SELECT ` + templateColumns + `
        FROM templates
        WHERE is_active AND next_occurrence_date <= $1
        ORDER BY created_at, id
    `
	return q.queryTemplates(ctx, "list due templates", query, core.DateOf(now).Time)
}

func (q *Queries) queryTemplates(ctx context.Context, op, query string, args ...any) ([]core.Template, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapError(err))
	}
	defer rows.Close()

	out := []core.Template{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", mapError(err))
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapError(err))
	}
	return out, nil
}

func (q *Queries) InsertTemplate(ctx context.Context, t core.Template) error {
	query := `INSERT INTO templates (` + templateColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	fields, ids, err := encodeTemplate(t)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, query,
		t.ID, t.OwnerID, string(t.SubjectKind), fields, string(t.Frequency), t.StartDate.Time,
		datePtr(t.EndDate), t.DayOfMonth, weekdayPtr(t.DayOfWeek), t.IsActive,
		t.LastGeneratedDate, t.NextOccurrenceDate.Time, ids, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert template: %w", mapError(err))
	}
	return nil
}

func (q *Queries) UpdateTemplate(ctx context.Context, t core.Template, expectedNext core.Date) error {
	query := `
        UPDATE templates
        SET fields = $4, end_date = $5, is_active = $6, last_generated_at = $7,
            next_occurrence_date = $8, generated_instance_ids = $9, updated_at = $10
        WHERE owner_id = $1 AND id = $2 AND next_occurrence_date = $3
    `
	fields, ids, err := encodeTemplate(t)
	if err != nil {
		return err
	}
	tag, err := q.db.Exec(ctx, query,
		t.OwnerID, t.ID, expectedNext.Time,
		fields, datePtr(t.EndDate), t.IsActive, t.LastGeneratedDate,
		t.NextOccurrenceDate.Time, ids, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update template: %w", mapError(err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	err = q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM templates WHERE owner_id = $1 AND id = $2)`, t.OwnerID, t.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check template: %w", mapError(err))
	}
	if !exists {
		return core.NewNotFoundError("template", t.ID)
	}
	return core.ErrConflict
}

func scanObligation(row pgx.Row) (core.Obligation, error) {
	var (
		o             core.Obligation
		templateID    *string
		instanceIndex *int
	)
	err := row.Scan(&o.ID, &o.OwnerID, &o.DebtorName, &o.Amount.Cents, &o.Description, &o.ContactRef,
		&o.IsPaid, &o.PaidAt, &o.GroupID, &templateID, &instanceIndex, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return core.Obligation{}, err
	}
	o.Recurrence = recurrenceFrom(templateID, instanceIndex)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	if o.PaidAt != nil {
		p := o.PaidAt.UTC()
		o.PaidAt = &p
	}
	return o, nil
}

func scanLedger(row pgx.Row) (core.Ledger, error) {
	var (
		l             core.Ledger
		members       []byte
		templateID    *string
		instanceIndex *int
	)
	err := row.Scan(&l.ID, &l.OwnerID, &l.Name, &l.Description, &l.TotalAmount.Cents, &l.PaidAmount.Cents,
		&l.IsCompleted, &members, &templateID, &instanceIndex, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return core.Ledger{}, err
	}
	if err := json.Unmarshal(members, &l.MemberIDs); err != nil {
		return core.Ledger{}, fmt.Errorf("decode member ids: %w", err)
	}
	if l.MemberIDs == nil {
		l.MemberIDs = []string{}
	}
	l.Recurrence = recurrenceFrom(templateID, instanceIndex)
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return l, nil
}

func scanTemplate(row pgx.Row) (core.Template, error) {
	var (
		t                   core.Template
		subject, frequency  string
		fields, ids         []byte
		startDate, nextDate time.Time
		endDate, lastGen    *time.Time
		dayOfWeek           *int
	)
	err := row.Scan(&t.ID, &t.OwnerID, &subject, &fields, &frequency, &startDate, &endDate,
		&t.DayOfMonth, &dayOfWeek, &t.IsActive, &lastGen, &nextDate, &ids, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return core.Template{}, err
	}
	t.SubjectKind = core.SubjectKind(subject)
	t.Frequency = core.Frequency(frequency)
	if err := json.Unmarshal(fields, &t.Fields); err != nil {
		return core.Template{}, fmt.Errorf("decode template fields: %w", err)
	}
	if err := json.Unmarshal(ids, &t.GeneratedInstanceIDs); err != nil {
		return core.Template{}, fmt.Errorf("decode generated ids: %w", err)
	}
	if t.GeneratedInstanceIDs == nil {
		t.GeneratedInstanceIDs = []string{}
	}
	t.StartDate = core.DateOf(startDate)
	t.NextOccurrenceDate = core.DateOf(nextDate)
	if endDate != nil {
		d := core.DateOf(*endDate)
		t.EndDate = &d
	}
	if dayOfWeek != nil {
		d := time.Weekday(*dayOfWeek)
		t.DayOfWeek = &d
	}
	if lastGen != nil {
		l := lastGen.UTC()
		t.LastGeneratedDate = &l
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func expectRow(tag pgconn.CommandTag, kind, id string) error {
	if tag.RowsAffected() == 0 {
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

func recurrenceColumns(r *core.RecurrenceRef) (*string, *int) {
	if r == nil {
		return nil, nil
	}
	id, idx := r.TemplateID, r.InstanceIndex
	return &id, &idx
}

func recurrenceFrom(templateID *string, idx *int) *core.RecurrenceRef {
	if templateID == nil {
		return nil
	}
	ref := &core.RecurrenceRef{TemplateID: *templateID}
	if idx != nil {
		ref.InstanceIndex = *idx
	}
	return ref
}

func datePtr(d *core.Date) *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time
	return &t
}

func weekdayPtr(d *time.Weekday) *int {
	if d == nil {
		return nil
	}
	v := int(*d)
	return &v
}
