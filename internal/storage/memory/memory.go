// Package memory is an in-process storage.Store used by tests and local runs.
//
// Transactions are serialized by a single mutex and work on a copy of the
// state that replaces the live state only on commit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"debts/internal/core"
	"debts/internal/storage"
)

type state struct {
	obligations map[string]core.Obligation
	ledgers     map[string]core.Ledger
	templates   map[string]core.Template
}

func newState() *state {
	return &state{
		obligations: map[string]core.Obligation{},
		ledgers:     map[string]core.Ledger{},
		templates:   map[string]core.Template{},
	}
}

func (s *state) clone() *state {
	out := &state{
		obligations: make(map[string]core.Obligation, len(s.obligations)),
		ledgers:     make(map[string]core.Ledger, len(s.ledgers)),
		templates:   make(map[string]core.Template, len(s.templates)),
	}
	for k, v := range s.obligations {
		out.obligations[k] = cloneObligation(v)
	}
	for k, v := range s.ledgers {
		out.ledgers[k] = cloneLedger(v)
	}
	for k, v := range s.templates {
		out.templates[k] = cloneTemplate(v)
	}
	return out
}

type Store struct {
	mu sync.RWMutex
	st *state
}

var _ storage.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{st: newState()}
}

// InTx runs fn against a private copy of the state and publishes the copy
// when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&view{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) read() *view {
	return &view{st: s.st}
}

func (s *Store) GetObligation(ctx context.Context, ownerID, id string) (core.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetObligation(ctx, ownerID, id)
}

func (s *Store) ListObligations(ctx context.Context, ownerID string, f storage.ObligationFilter) ([]core.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListObligations(ctx, ownerID, f)
}

func (s *Store) GetLedger(ctx context.Context, ownerID, id string) (core.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetLedger(ctx, ownerID, id)
}

func (s *Store) ListLedgers(ctx context.Context, ownerID string) ([]core.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListLedgers(ctx, ownerID)
}

func (s *Store) GetTemplate(ctx context.Context, ownerID, id string) (core.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetTemplate(ctx, ownerID, id)
}

func (s *Store) ListTemplates(ctx context.Context, ownerID string) ([]core.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListTemplates(ctx, ownerID)
}

func (s *Store) ListDueTemplates(ctx context.Context, now time.Time) ([]core.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListDueTemplates(ctx, now)
}

// view implements storage.Tx over one state snapshot.
type view struct {
	st *state
}

func (v *view) GetObligation(_ context.Context, ownerID, id string) (core.Obligation, error) {
	o, ok := v.st.obligations[id]
	if !ok || o.OwnerID != ownerID {
		return core.Obligation{}, core.NewNotFoundError("obligation", id)
	}
	return cloneObligation(o), nil
}

func (v *view) ListObligations(_ context.Context, ownerID string, f storage.ObligationFilter) ([]core.Obligation, error) {
	out := []core.Obligation{}
	for _, o := range v.st.obligations {
		if o.OwnerID != ownerID || !matches(o, f) {
			continue
		}
		out = append(out, cloneObligation(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func matches(o core.Obligation, f storage.ObligationFilter) bool {
	if f.GroupID != nil && (o.GroupID == nil || *o.GroupID != *f.GroupID) {
		return false
	}
	if f.Ungrouped && o.GroupID != nil {
		return false
	}
	if f.Paid != nil && o.IsPaid != *f.Paid {
		return false
	}
	if f.DebtorName != "" && o.DebtorName != f.DebtorName {
		return false
	}
	if f.TemplateID != "" && (o.Recurrence == nil || o.Recurrence.TemplateID != f.TemplateID) {
		return false
	}
	return true
}

func (v *view) GetLedger(_ context.Context, ownerID, id string) (core.Ledger, error) {
	l, ok := v.st.ledgers[id]
	if !ok || l.OwnerID != ownerID {
		return core.Ledger{}, core.NewNotFoundError("ledger", id)
	}
	return cloneLedger(l), nil
}

func (v *view) ListLedgers(_ context.Context, ownerID string) ([]core.Ledger, error) {
	out := []core.Ledger{}
	for _, l := range v.st.ledgers {
		if l.OwnerID == ownerID {
			out = append(out, cloneLedger(l))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *view) GetTemplate(_ context.Context, ownerID, id string) (core.Template, error) {
	t, ok := v.st.templates[id]
	if !ok || t.OwnerID != ownerID {
		return core.Template{}, core.NewNotFoundError("template", id)
	}
	return cloneTemplate(t), nil
}

func (v *view) ListTemplates(_ context.Context, ownerID string) ([]core.Template, error) {
	out := []core.Template{}
	for _, t := range v.st.templates {
		if t.OwnerID == ownerID {
			out = append(out, cloneTemplate(t))
		}
	}
	sortTemplates(out)
	return out, nil
}

func (v *view) ListDueTemplates(_ context.Context, now time.Time) ([]core.Template, error) {
	out := []core.Template{}
	for _, t := range v.st.templates {
		if t.IsActive && t.NextOccurrenceDate.DueBy(now) {
			out = append(out, cloneTemplate(t))
		}
	}
	sortTemplates(out)
	return out, nil
}

func sortTemplates(ts []core.Template) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

func (v *view) InsertObligation(_ context.Context, o core.Obligation) error {
	if _, ok := v.st.obligations[o.ID]; ok {
		return core.ErrConflict
	}
	v.st.obligations[o.ID] = cloneObligation(o)
	return nil
}

func (v *view) UpdateObligation(_ context.Context, o core.Obligation) error {
	cur, ok := v.st.obligations[o.ID]
	if !ok || cur.OwnerID != o.OwnerID {
		return core.NewNotFoundError("obligation", o.ID)
	}
	v.st.obligations[o.ID] = cloneObligation(o)
	return nil
}

func (v *view) DeleteObligation(_ context.Context, ownerID, id string) error {
	cur, ok := v.st.obligations[id]
	if !ok || cur.OwnerID != ownerID {
		return core.NewNotFoundError("obligation", id)
	}
	delete(v.st.obligations, id)
	return nil
}

func (v *view) InsertLedger(_ context.Context, l core.Ledger) error {
	if _, ok := v.st.ledgers[l.ID]; ok {
		return core.ErrConflict
	}
	v.st.ledgers[l.ID] = cloneLedger(l)
	return nil
}

func (v *view) UpdateLedger(_ context.Context, l core.Ledger) error {
	cur, ok := v.st.ledgers[l.ID]
	if !ok || cur.OwnerID != l.OwnerID {
		return core.NewNotFoundError("ledger", l.ID)
	}
	v.st.ledgers[l.ID] = cloneLedger(l)
	return nil
}

func (v *view) DeleteLedger(_ context.Context, ownerID, id string) error {
	cur, ok := v.st.ledgers[id]
	if !ok || cur.OwnerID != ownerID {
		return core.NewNotFoundError("ledger", id)
	}
	delete(v.st.ledgers, id)
	return nil
}

func (v *view) InsertTemplate(_ context.Context, t core.Template) error {
	if _, ok := v.st.templates[t.ID]; ok {
		return core.ErrConflict
	}
	v.st.templates[t.ID] = cloneTemplate(t)
	return nil
}

func (v *view) UpdateTemplate(_ context.Context, t core.Template, expectedNext core.Date) error {
	cur, ok := v.st.templates[t.ID]
	if !ok || cur.OwnerID != t.OwnerID {
		return core.NewNotFoundError("template", t.ID)
	}
	if !cur.NextOccurrenceDate.Equal(expectedNext.Time) {
		return core.ErrConflict
	}
	v.st.templates[t.ID] = cloneTemplate(t)
	return nil
}

func cloneObligation(o core.Obligation) core.Obligation {
	if o.PaidAt != nil {
		p := *o.PaidAt
		o.PaidAt = &p
	}
	if o.GroupID != nil {
		g := *o.GroupID
		o.GroupID = &g
	}
	if o.Recurrence != nil {
		r := *o.Recurrence
		o.Recurrence = &r
	}
	return o
}

func cloneLedger(l core.Ledger) core.Ledger {
	l.MemberIDs = append([]string{}, l.MemberIDs...)
	if l.Recurrence != nil {
		r := *l.Recurrence
		l.Recurrence = &r
	}
	return l
}

func cloneTemplate(t core.Template) core.Template {
	t.GeneratedInstanceIDs = append([]string{}, t.GeneratedInstanceIDs...)
	t.Fields.Members = append([]core.MemberDefinition(nil), t.Fields.Members...)
	if t.Fields.GroupID != nil {
		g := *t.Fields.GroupID
		t.Fields.GroupID = &g
	}
	if t.EndDate != nil {
		e := *t.EndDate
		t.EndDate = &e
	}
	if t.DayOfMonth != nil {
		d := *t.DayOfMonth
		t.DayOfMonth = &d
	}
	if t.DayOfWeek != nil {
		d := *t.DayOfWeek
		t.DayOfWeek = &d
	}
	if t.LastGeneratedDate != nil {
		l := *t.LastGeneratedDate
		t.LastGeneratedDate = &l
	}
	return t
}
