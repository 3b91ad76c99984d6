package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"debts/internal/amqp"
	"debts/internal/core"
	"debts/internal/storage"
)

// NewLedger is the input for LedgerService.Create.
type NewLedger struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ReconcileReport summarizes a ReconcileAll sweep.
type ReconcileReport struct {
	Checked  int      `json:"checked"`
	Repaired []string `json:"repaired"`
}

// LedgerService owns ledger lifecycle and aggregate reconciliation.
type LedgerService struct {
	store storage.Store
	opts  Options
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(store storage.Store, opts Options) *LedgerService {
	return &LedgerService{store: store, opts: opts.withDefaults()}
}

// reconcileGroup recomputes a ledger's aggregate from its members inside tx.
// A missing ledger is nothing to do and yields (nil, false, nil). Any read
// error aborts before anything is written.
func reconcileGroup(ctx context.Context, tx storage.Tx, ownerID, groupID string, now time.Time) (*core.Ledger, bool, error) {
	l, err := tx.GetLedger(ctx, ownerID, groupID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read ledger: %w", err)
	}

	members, err := tx.ListObligations(ctx, ownerID, storage.ObligationFilter{GroupID: &groupID})
	if err != nil {
		return nil, false, fmt.Errorf("read ledger members: %w", err)
	}

	agg, err := core.ComputeAggregate(members)
	if err != nil {
		return nil, false, err
	}
	if agg.Matches(l) {
		return &l, false, nil
	}
	agg.Apply(&l)
	l.UpdatedAt = now
	if err := tx.UpdateLedger(ctx, l); err != nil {
		return nil, false, fmt.Errorf("write ledger aggregate: %w", err)
	}
	return &l, true, nil
}

// reconcileGroups reconciles each distinct non-nil group once.
func reconcileGroups(ctx context.Context, tx storage.Tx, ownerID string, now time.Time, groups ...*string) error {
	seen := map[string]bool{}
	for _, g := range groups {
		if g == nil || seen[*g] {
			continue
		}
		seen[*g] = true
		if _, _, err := reconcileGroup(ctx, tx, ownerID, *g, now); err != nil {
			return fmt.Errorf("reconcile ledger %s: %w", *g, err)
		}
	}
	return nil
}

// Create validates and stores a new ledger with an empty aggregate.
func (s *LedgerService) Create(ctx context.Context, ownerID string, in NewLedger) (*core.Ledger, error) {
	now := s.opts.Now()
	l := core.Ledger{
		ID:          s.opts.NewID(),
		OwnerID:     ownerID,
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		MemberIDs:   []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}

	err := withRetry(ctx, s.opts, "create_ledger", func() error {
		return s.store.InTx(ctx, func(tx storage.Tx) error {
			return tx.InsertLedger(ctx, l)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create ledger: %w", err)
	}

	slog.InfoContext(ctx, "Ledger created", "ledger_id", l.ID, "owner_id", ownerID)
	s.opts.publish(ctx, amqp.NewEvent(amqp.EventLedgerCreated, ownerID, l.ID, l.ID))
	return &l, nil
}

// Get returns a ledger by ID.
func (s *LedgerService) Get(ctx context.Context, ownerID, id string) (*core.Ledger, error) {
	l, err := s.store.GetLedger(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// List returns all ledgers of an owner.
func (s *LedgerService) List(ctx context.Context, ownerID string) ([]core.Ledger, error) {
	return s.store.ListLedgers(ctx, ownerID)
}

// Members returns the obligations currently in the ledger.
func (s *LedgerService) Members(ctx context.Context, ownerID, id string) ([]core.Obligation, error) {
	if _, err := s.store.GetLedger(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return s.store.ListObligations(ctx, ownerID, storage.ObligationFilter{GroupID: &id})
}

// Reconcile recomputes the ledger aggregate from scratch. A missing ledger is
// not an error and returns nil. Failures abandon the whole pass, which is then
// retried from the start.
func (s *LedgerService) Reconcile(ctx context.Context, ownerID, id string) (*core.Ledger, error) {
	l, _, err := s.reconcile(ctx, ownerID, id)
	return l, err
}

func (s *LedgerService) reconcile(ctx context.Context, ownerID, id string) (*core.Ledger, bool, error) {
	var (
		out     *core.Ledger
		changed bool
	)
	err := withRetryIf(ctx, s.opts, "reconcile", isTransient, func() error {
		return s.store.InTx(ctx, func(tx storage.Tx) error {
			var err error
			out, changed, err = reconcileGroup(ctx, tx, ownerID, id, s.opts.Now())
			return err
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("reconcile ledger %s: %w", id, err)
	}
	if out == nil {
		return nil, false, nil
	}

	s.opts.Metrics.Reconciled(changed)
	if changed {
		slog.InfoContext(ctx, "Ledger aggregate repaired",
			"ledger_id", id,
			"total_cents", out.TotalAmount.Cents,
			"paid_cents", out.PaidAmount.Cents,
			"is_completed", out.IsCompleted)
		s.opts.publish(ctx, amqp.NewEvent(amqp.EventLedgerReconciled, ownerID, id, id))
	}
	return out, changed, nil
}

// ReconcileAll reconciles every ledger of the owner and reports which ones
// had drifted.
func (s *LedgerService) ReconcileAll(ctx context.Context, ownerID string) (ReconcileReport, error) {
	report := ReconcileReport{Repaired: []string{}}
	ledgers, err := s.store.ListLedgers(ctx, ownerID)
	if err != nil {
		return report, fmt.Errorf("list ledgers: %w", err)
	}

	for _, l := range ledgers {
		_, changed, err := s.reconcile(ctx, ownerID, l.ID)
		if err != nil {
			return report, err
		}
		report.Checked++
		if changed {
			report.Repaired = append(report.Repaired, l.ID)
		}
	}

	slog.InfoContext(ctx, "Ledger reconciliation sweep complete",
		"owner_id", ownerID,
		"checked", report.Checked,
		"repaired", len(report.Repaired))
	return report, nil
}

// Delete removes the ledger. With keepMembers the members are detached and
// otherwise untouched; without it they are deleted. No reconciliation follows
// since the ledger row is gone.
func (s *LedgerService) Delete(ctx context.Context, ownerID, id string, keepMembers bool) error {
	var memberIDs []string
	err := withRetry(ctx, s.opts, "delete_ledger", func() error {
		memberIDs = nil
		return s.store.InTx(ctx, func(tx storage.Tx) error {
			if _, err := tx.GetLedger(ctx, ownerID, id); err != nil {
				return err
			}
			members, err := tx.ListObligations(ctx, ownerID, storage.ObligationFilter{GroupID: &id})
			if err != nil {
				return fmt.Errorf("read ledger members: %w", err)
			}
			now := s.opts.Now()
			for _, m := range members {
				memberIDs = append(memberIDs, m.ID)
				if keepMembers {
					m.GroupID = nil
					m.UpdatedAt = now
					if err := tx.UpdateObligation(ctx, m); err != nil {
						return fmt.Errorf("detach obligation %s: %w", m.ID, err)
					}
					continue
				}
				if err := tx.DeleteObligation(ctx, ownerID, m.ID); err != nil {
					return fmt.Errorf("delete obligation %s: %w", m.ID, err)
				}
			}
			return tx.DeleteLedger(ctx, ownerID, id)
		})
	})
	if err != nil {
		return fmt.Errorf("delete ledger: %w", err)
	}

	slog.InfoContext(ctx, "Ledger deleted",
		"ledger_id", id,
		"keep_members", keepMembers,
		"members", len(memberIDs))

	events := []*amqp.Event{amqp.NewEvent(amqp.EventLedgerDeleted, ownerID, id, id)}
	memberEvent := amqp.EventObligationDeleted
	if keepMembers {
		memberEvent = amqp.EventObligationMoved
	}
	for _, mid := range memberIDs {
		events = append(events, amqp.NewEvent(memberEvent, ownerID, mid, id))
	}
	s.opts.publish(ctx, events...)
	return nil
}
