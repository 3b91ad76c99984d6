package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"debts/internal/amqp"
	"debts/internal/core"
	"debts/internal/storage"
	"debts/internal/storage/memory"
)

const owner = "user-1"

func day(y int, m time.Month, d int) core.Date {
	return core.NewDate(y, m, d)
}

func euros(e int64) core.Money {
	return core.Money{Cents: e * 100}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func sequentialIDs(prefix string) func() string {
	var n int64
	return func() string {
		return fmt.Sprintf("%s-%03d", prefix, atomic.AddInt64(&n, 1))
	}
}

type recordingPublisher struct {
	mu        sync.Mutex
	events    []*amqp.Event
	reminders []*amqp.ReminderMessage
	err       error
}

func (p *recordingPublisher) PublishEvent(_ context.Context, e *amqp.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) PublishReminder(_ context.Context, m *amqp.ReminderMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.reminders = append(p.reminders, m)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	store       storage.Store
	clock       *clock
	pub         *recordingPublisher
	opts        Options
	obligations *ObligationService
	ledgers     *LedgerService
	templates   *TemplateService
	processor   *RecurringProcessor
}

func newFixture(t *testing.T, store storage.Store) *fixture {
	t.Helper()
	if store == nil {
		store = memory.New()
	}
	c := &clock{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}
	opts := Options{
		Events: pub,
		Now:    c.Now,
		NewID:  sequentialIDs("id"),
	}
	return &fixture{
		store:       store,
		clock:       c,
		pub:         pub,
		opts:        opts,
		obligations: NewObligationService(store, opts),
		ledgers:     NewLedgerService(store, opts),
		templates:   NewTemplateService(store, opts),
		processor:   NewRecurringProcessor(store, opts, 4),
	}
}

func (f *fixture) ledger(t *testing.T, name string) *core.Ledger {
	t.Helper()
	l, err := f.ledgers.Create(context.Background(), owner, NewLedger{Name: name})
	if err != nil {
		t.Fatalf("create ledger: %v", err)
	}
	return l
}

func (f *fixture) obligation(t *testing.T, debtor string, amount core.Money, group *string) *core.Obligation {
	t.Helper()
	o, err := f.obligations.Create(context.Background(), owner, NewObligation{
		DebtorName: debtor,
		Amount:     amount,
		GroupID:    group,
	})
	if err != nil {
		t.Fatalf("create obligation: %v", err)
	}
	return o
}

// checkAggregate asserts the stored ledger equals a recompute from its members.
func checkAggregate(t *testing.T, s storage.Store, ledgerID string) core.Ledger {
	t.Helper()
	ctx := context.Background()
	l, err := s.GetLedger(ctx, owner, ledgerID)
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	members, err := s.ListObligations(ctx, owner, storage.ObligationFilter{GroupID: &ledgerID})
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	agg, err := core.ComputeAggregate(members)
	if err != nil {
		t.Fatalf("recompute ledger %s: %v", ledgerID, err)
	}
	if !agg.Matches(l) {
		t.Fatalf("ledger %s drifted: stored total=%d paid=%d completed=%v members=%v, recomputed %+v",
			ledgerID, l.TotalAmount.Cents, l.PaidAmount.Cents, l.IsCompleted, l.MemberIDs, agg)
	}
	return l
}

var errUnavailable = errors.New("store unavailable")

// flakyStore injects failures into transactions.
type flakyStore struct {
	storage.Store
	failLists        atomic.Int32
	failInserts      atomic.Int32
	conflictUpdates  atomic.Int32
	insertFailsFor   string
	transactionCount atomic.Int32
}

func (s *flakyStore) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.transactionCount.Add(1)
	return s.Store.InTx(ctx, func(tx storage.Tx) error {
		return fn(&flakyTx{Tx: tx, s: s})
	})
}

type flakyTx struct {
	storage.Tx
	s *flakyStore
}

func (t *flakyTx) ListObligations(ctx context.Context, ownerID string, f storage.ObligationFilter) ([]core.Obligation, error) {
	if t.s.failLists.Add(-1) >= 0 {
		return nil, errUnavailable
	}
	return t.Tx.ListObligations(ctx, ownerID, f)
}

func (t *flakyTx) InsertObligation(ctx context.Context, o core.Obligation) error {
	if t.s.insertFailsFor != "" && o.Recurrence != nil && o.Recurrence.TemplateID == t.s.insertFailsFor {
		return errUnavailable
	}
	if t.s.failInserts.Add(-1) >= 0 {
		return errUnavailable
	}
	return t.Tx.InsertObligation(ctx, o)
}

func (t *flakyTx) UpdateTemplate(ctx context.Context, tpl core.Template, expectedNext core.Date) error {
	if t.s.conflictUpdates.Add(-1) >= 0 {
		return core.ErrConflict
	}
	return t.Tx.UpdateTemplate(ctx, tpl, expectedNext)
}
