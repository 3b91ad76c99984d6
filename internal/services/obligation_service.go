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

// NewObligation is the input for ObligationService.Create.
type NewObligation struct {
	DebtorName  string     `json:"debtor_name"`
	Amount      core.Money `json:"amount"`
	Description string     `json:"description,omitempty"`
	ContactRef  string     `json:"contact_ref,omitempty"`
	GroupID     *string    `json:"group_id,omitempty"`
}

// ObligationPatch lists the editable fields. Nil fields are left alone.
type ObligationPatch struct {
	DebtorName  *string     `json:"debtor_name,omitempty"`
	Amount      *core.Money `json:"amount,omitempty"`
	Description *string     `json:"description,omitempty"`
	ContactRef  *string     `json:"contact_ref,omitempty"`
}

// ObligationService mutates obligations and keeps the ledgers they belong to
// consistent. Every mutation commits together with its reconciliations.
type ObligationService struct {
	store storage.Store
	opts  Options
}

// NewObligationService creates a new ObligationService.
func NewObligationService(store storage.Store, opts Options) *ObligationService {
	return &ObligationService{store: store, opts: opts.withDefaults()}
}

func (s *ObligationService) build(ownerID string, in NewObligation, now time.Time) (core.Obligation, error) {
	o := core.Obligation{
		ID:          s.opts.NewID(),
		OwnerID:     ownerID,
		DebtorName:  strings.TrimSpace(in.DebtorName),
		Amount:      in.Amount,
		Description: strings.TrimSpace(in.Description),
		ContactRef:  strings.TrimSpace(in.ContactRef),
		GroupID:     in.GroupID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return o, o.Validate()
}

// requireLedger fails with NotFound when groupID is set but not owned.
func requireLedger(ctx context.Context, tx storage.Tx, ownerID string, groupID *string) error {
	if groupID == nil {
		return nil
	}
	_, err := tx.GetLedger(ctx, ownerID, *groupID)
	return err
}

// Create validates and stores one obligation, reconciling the ledger of its group.
func (s *ObligationService) Create(ctx context.Context, ownerID string, in NewObligation) (*core.Obligation, error) {
	out, err := s.CreateBatch(ctx, ownerID, in.GroupID, []NewObligation{in})
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

// CreateBatch creates all obligations or none. A non-nil groupID overrides the
// group of every item.
func (s *ObligationService) CreateBatch(ctx context.Context, ownerID string, groupID *string, items []NewObligation) ([]core.Obligation, error) {
	if len(items) == 0 {
		return nil, core.NewValidationError("obligations", errors.New("at least one obligation is required"))
	}

	now := s.opts.Now()
	created := make([]core.Obligation, 0, len(items))
	groups := make([]*string, 0, len(items))
	for i, in := range items {
		if groupID != nil {
			in.GroupID = groupID
		}
		o, err := s.build(ownerID, in, now)
		if err != nil {
			return nil, fmt.Errorf("obligation %d: %w", i, err)
		}
		created = append(created, o)
		groups = append(groups, o.GroupID)
	}

	err := withRetry(ctx, s.opts, "create_obligation", func() error {
		return s.store.InTx(ctx, func(tx storage.Tx) error {
			for _, g := range groups {
				if err := requireLedger(ctx, tx, ownerID, g); err != nil {
					return err
				}
			}
			for _, o := range created {
				if err := tx.InsertObligation(ctx, o); err != nil {
					return fmt.Errorf("insert obligation: %w", err)
				}
			}
			return reconcileGroups(ctx, tx, ownerID, now, groups...)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create obligations: %w", err)
	}

	slog.InfoContext(ctx, "Obligations created", "owner_id", ownerID, "count", len(created))
	events := make([]*amqp.Event, 0, len(created))
	for _, o := range created {
		events = append(events, amqp.NewEvent(amqp.EventObligationCreated, ownerID, o.ID, deref(o.GroupID)))
	}
	s.opts.publish(ctx, events...)
	return created, nil
}

// Get returns an obligation by ID.
func (s *ObligationService) Get(ctx context.Context, ownerID, id string) (*core.Obligation, error) {
	o, err := s.store.GetObligation(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// List returns the obligations of an owner that match f.
func (s *ObligationService) List(ctx context.Context, ownerID string, f storage.ObligationFilter) ([]core.Obligation, error) {
	return s.store.ListObligations(ctx, ownerID, f)
}

// mutate loads the obligation, applies change and writes it back, then
// reconciles the old and new group in the same transaction.
func (s *ObligationService) mutate(ctx context.Context, op, ownerID, id string, change func(o *core.Obligation, now time.Time) error) (*core.Obligation, *string, error) {
	var (
		out      core.Obligation
		oldGroup *string
	)
	err := withRetry(ctx, s.opts, op, func() error {
		return s.store.InTx(ctx, func(tx storage.Tx) error {
			o, err := tx.GetObligation(ctx, ownerID, id)
			if err != nil {
				return err
			}
			oldGroup = o.GroupID
			now := s.opts.Now()
			if err := change(&o, now); err != nil {
				return err
			}
			if err := o.Validate(); err != nil {
				return err
			}
			if !core.SameGroup(oldGroup, o.GroupID) {
				if err := requireLedger(ctx, tx, ownerID, o.GroupID); err != nil {
					return err
				}
			}
			o.UpdatedAt = now
			if err := tx.UpdateObligation(ctx, o); err != nil {
				return fmt.Errorf("update obligation: %w", err)
			}
			if err := reconcileGroups(ctx, tx, ownerID, now, oldGroup, o.GroupID); err != nil {
				return err
			}
			out = o
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return &out, oldGroup, nil
}

// SetPaid marks the obligation paid or unpaid.
func (s *ObligationService) SetPaid(ctx context.Context, ownerID, id string, paid bool) (*core.Obligation, error) {
	o, _, err := s.mutate(ctx, "set_paid", ownerID, id, func(o *core.Obligation, now time.Time) error {
		o.IsPaid = paid
		if paid {
			if o.PaidAt == nil {
				o.PaidAt = &now
			}
		} else {
			o.PaidAt = nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("set paid: %w", err)
	}

	slog.InfoContext(ctx, "Obligation payment state changed", "obligation_id", id, "is_paid", paid)
	eventType := amqp.EventObligationUnpaid
	if paid {
		eventType = amqp.EventObligationPaid
	}
	s.opts.publish(ctx, amqp.NewEvent(eventType, ownerID, id, deref(o.GroupID)))
	return o, nil
}

// Update applies p to an obligation and reconciles the ledger of its group.
func (s *ObligationService) Update(ctx context.Context, ownerID, id string, p ObligationPatch) (*core.Obligation, error) {
	o, _, err := s.mutate(ctx, "update_obligation", ownerID, id, func(o *core.Obligation, _ time.Time) error {
		if p.DebtorName != nil {
			o.DebtorName = strings.TrimSpace(*p.DebtorName)
		}
		if p.Amount != nil {
			o.Amount = *p.Amount
		}
		if p.Description != nil {
			o.Description = strings.TrimSpace(*p.Description)
		}
		if p.ContactRef != nil {
			o.ContactRef = strings.TrimSpace(*p.ContactRef)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update obligation: %w", err)
	}

	s.opts.publish(ctx, amqp.NewEvent(amqp.EventObligationUpdated, ownerID, id, deref(o.GroupID)))
	return o, nil
}

// ReassignGroup moves the obligation to newGroupID, or out of any group when
// it is nil. Both ledgers are reconciled.
func (s *ObligationService) ReassignGroup(ctx context.Context, ownerID, id string, newGroupID *string) (*core.Obligation, error) {
	o, oldGroup, err := s.mutate(ctx, "reassign_group", ownerID, id, func(o *core.Obligation, _ time.Time) error {
		o.GroupID = newGroupID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reassign obligation: %w", err)
	}

	slog.InfoContext(ctx, "Obligation moved",
		"obligation_id", id,
		"from_group", deref(oldGroup),
		"to_group", deref(newGroupID))
	s.opts.publish(ctx, amqp.NewEvent(amqp.EventObligationMoved, ownerID, id, deref(o.GroupID)))
	return o, nil
}

// Delete removes an obligation and reconciles the ledger of its group.
func (s *ObligationService) Delete(ctx context.Context, ownerID, id string) error {
	var group *string
	err := withRetry(ctx, s.opts, "delete_obligation", func() error {
		return s.store.InTx(ctx, func(tx storage.Tx) error {
			o, err := tx.GetObligation(ctx, ownerID, id)
			if err != nil {
				return err
			}
			group = o.GroupID
			if err := tx.DeleteObligation(ctx, ownerID, id); err != nil {
				return fmt.Errorf("delete obligation: %w", err)
			}
			return reconcileGroups(ctx, tx, ownerID, s.opts.Now(), group)
		})
	})
	if err != nil {
		return fmt.Errorf("delete obligation: %w", err)
	}

	slog.InfoContext(ctx, "Obligation deleted", "obligation_id", id, "group_id", deref(group))
	s.opts.publish(ctx, amqp.NewEvent(amqp.EventObligationDeleted, ownerID, id, deref(group)))
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
