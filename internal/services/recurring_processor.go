package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"debts/internal/amqp"
	"debts/internal/core"
	"debts/internal/storage"
)

const defaultSchedulerConcurrency = 4

// ProcessResult counts what one pass over the due templates did.
type ProcessResult struct {
	Checked     int `json:"checked"`
	Generated   int `json:"generated"`
	Deactivated int `json:"deactivated"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeGenerated
	outcomeDeactivated
	outcomeGeneratedAndDeactivated
)

// RecurringProcessor materializes instances from due templates.
type RecurringProcessor struct {
	store       storage.Store
	opts        Options
	concurrency int
}

// NewRecurringProcessor creates a processor that handles up to concurrency
// templates at once.
func NewRecurringProcessor(store storage.Store, opts Options, concurrency int) *RecurringProcessor {
	if concurrency <= 0 {
		concurrency = defaultSchedulerConcurrency
	}
	return &RecurringProcessor{store: store, opts: opts.withDefaults(), concurrency: concurrency}
}

// ProcessDue generates at most one instance per due template. A template that
// fails keeps its schedule and is retried on the next pass; it never stops the
// others. Running ProcessDue twice for the same now generates nothing new.
func (p *RecurringProcessor) ProcessDue(ctx context.Context, now time.Time) (ProcessResult, error) {
	var res ProcessResult
	if p.store == nil {
		return res, fmt.Errorf("processor not properly initialized")
	}

	start := time.Now()
	defer func() { p.opts.Metrics.ObserveTick(time.Since(start)) }()

	due, err := p.store.ListDueTemplates(ctx, now)
	if err != nil {
		return res, fmt.Errorf("failed to list due templates: %w", err)
	}

	slog.InfoContext(ctx, "Processing recurring templates",
		"due", len(due),
		"processing_date", now.Format(time.DateOnly))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(p.concurrency)
	for _, t := range due {
		g.Go(func() error {
			oc, err := p.processTemplate(ctx, t.OwnerID, t.ID, now)

			mu.Lock()
			defer mu.Unlock()
			res.Checked++
			if err != nil {
				res.Failed++
				p.opts.Metrics.GenerationFailed()
				slog.ErrorContext(ctx, "Failed to process recurring template",
					"template_id", t.ID,
					"owner_id", t.OwnerID,
					"error", err)
				return nil
			}
			switch oc {
			case outcomeGenerated:
				res.Generated++
			case outcomeDeactivated:
				res.Deactivated++
			case outcomeGeneratedAndDeactivated:
				res.Generated++
				res.Deactivated++
			default:
				res.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.InfoContext(ctx, "Recurring template processing complete",
		"checked", res.Checked,
		"generated", res.Generated,
		"deactivated", res.Deactivated,
		"skipped", res.Skipped,
		"failed", res.Failed)

	return res, ctx.Err()
}

// processTemplate runs one generation step in a single transaction. The
// template row is re-read inside the transaction and its advance is the last
// write, guarded by compare-and-set on the next occurrence that was read.
func (p *RecurringProcessor) processTemplate(ctx context.Context, ownerID, id string, now time.Time) (outcome, error) {
	var (
		oc     outcome
		events []*amqp.Event
		kind   core.SubjectKind
	)
	err := withRetry(ctx, p.opts, "process_template", func() error {
		oc, events = outcomeSkipped, nil
		return p.store.InTx(ctx, func(tx storage.Tx) error {
			t, err := tx.GetTemplate(ctx, ownerID, id)
			if errors.Is(err, core.ErrNotFound) {
				slog.InfoContext(ctx, "Template removed before processing", "template_id", id)
				return nil
			}
			if err != nil {
				return fmt.Errorf("read template: %w", err)
			}
			kind = t.SubjectKind
			state := t.StateAt(now)
			if state != core.StateDue {
				return nil
			}

			expected := t.NextOccurrenceDate
			t.UpdatedAt = now

			if t.EndsBy(now) {
				if _, err := stepState(ctx, id, state, core.StateInactive); err != nil {
					return err
				}
				t.IsActive = false
				if err := tx.UpdateTemplate(ctx, t, expected); err != nil {
					return err
				}
				oc = outcomeDeactivated
				events = append(events, amqp.NewEvent(amqp.EventTemplateDeactivate, ownerID, id, ""))
				return nil
			}

			if state, err = stepState(ctx, id, state, core.StateGenerating); err != nil {
				return err
			}
			instanceID, generated, err := p.generate(ctx, tx, t, now)
			if err != nil {
				return err
			}
			events = append(events, generated...)

			next, err := NextOccurrenceAnchored(t.Frequency, expected, t.AnchorDay())
			if err != nil {
				return err
			}
			t.GeneratedInstanceIDs = append(t.GeneratedInstanceIDs, instanceID)
			t.LastGeneratedDate = &now
			t.NextOccurrenceDate = next
			if state, err = stepState(ctx, id, state, core.StateAdvanced); err != nil {
				return err
			}
			oc = outcomeGenerated
			final := core.StateActive
			if t.EndsBy(next.Time) {
				final = core.StateInactive
				t.IsActive = false
				oc = outcomeGeneratedAndDeactivated
				events = append(events, amqp.NewEvent(amqp.EventTemplateDeactivate, ownerID, id, ""))
			}

			if _, err := stepState(ctx, id, state, final); err != nil {
				return err
			}
			if err := tx.UpdateTemplate(ctx, t, expected); err != nil {
				return err
			}
			events = append(events, amqp.NewEvent(amqp.EventTemplateGenerated, ownerID, id, instanceGroup(t, instanceID)))
			return nil
		})
	})
	if err != nil {
		return outcomeSkipped, err
	}

	switch oc {
	case outcomeGenerated, outcomeGeneratedAndDeactivated:
		p.opts.Metrics.InstanceGenerated(string(kind))
		slog.InfoContext(ctx, "Generated instance from recurring template",
			"template_id", id,
			"subject_kind", kind)
	}
	switch oc {
	case outcomeDeactivated:
		p.opts.Metrics.TemplateDeactivated("end_date_passed")
		slog.InfoContext(ctx, "Recurring template reached its end date", "template_id", id)
	case outcomeGeneratedAndDeactivated:
		p.opts.Metrics.TemplateDeactivated("last_instance")
		slog.InfoContext(ctx, "Recurring template generated its last instance", "template_id", id)
	}
	p.opts.publish(ctx, events...)
	return oc, nil
}

// stepState moves a template from one lifecycle state to the next, refusing
// moves the state machine does not allow.
func stepState(ctx context.Context, id string, from, to core.TemplateState) (core.TemplateState, error) {
	if !core.CanTransition(from, to) {
		return from, fmt.Errorf("template %s: %s -> %s: %w", id, from, to, core.ErrInvalidTransition)
	}
	slog.DebugContext(ctx, "Template state changed", "template_id", id, "from", from, "to", to)
	return to, nil
}

// generate writes the instance for t and reconciles the ledger it lands in.
// It returns the id recorded on the template.
func (p *RecurringProcessor) generate(ctx context.Context, tx storage.Tx, t core.Template, now time.Time) (string, []*amqp.Event, error) {
	ref := &core.RecurrenceRef{TemplateID: t.ID, InstanceIndex: len(t.GeneratedInstanceIDs)}
	f := t.Fields

	switch t.SubjectKind {
	case core.SubjectSingleObligation:
		groupID := f.GroupID
		if groupID != nil {
			if _, err := tx.GetLedger(ctx, t.OwnerID, *groupID); errors.Is(err, core.ErrNotFound) {
				slog.WarnContext(ctx, "Template ledger no longer exists, generating ungrouped obligation",
					"template_id", t.ID,
					"group_id", *groupID)
				groupID = nil
			} else if err != nil {
				return "", nil, fmt.Errorf("read template ledger: %w", err)
			}
		}
		o := core.Obligation{
			ID:          p.opts.NewID(),
			OwnerID:     t.OwnerID,
			DebtorName:  f.DebtorName,
			Amount:      f.Amount,
			Description: f.Description,
			ContactRef:  f.ContactRef,
			GroupID:     groupID,
			Recurrence:  ref,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertObligation(ctx, o); err != nil {
			return "", nil, fmt.Errorf("insert obligation: %w", err)
		}
		if err := reconcileGroups(ctx, tx, t.OwnerID, now, groupID); err != nil {
			return "", nil, err
		}
		return o.ID, []*amqp.Event{amqp.NewEvent(amqp.EventObligationCreated, t.OwnerID, o.ID, deref(groupID))}, nil

	case core.SubjectGroup:
		l := core.Ledger{
			ID:          p.opts.NewID(),
			OwnerID:     t.OwnerID,
			Name:        f.Name,
			Description: f.Description,
			MemberIDs:   []string{},
			Recurrence:  ref,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertLedger(ctx, l); err != nil {
			return "", nil, fmt.Errorf("insert ledger: %w", err)
		}
		events := []*amqp.Event{amqp.NewEvent(amqp.EventLedgerCreated, t.OwnerID, l.ID, l.ID)}
		for _, m := range f.Members {
			o := core.Obligation{
				ID:          p.opts.NewID(),
				OwnerID:     t.OwnerID,
				DebtorName:  m.DebtorName,
				Amount:      m.Amount,
				Description: m.Description,
				ContactRef:  m.ContactRef,
				GroupID:     &l.ID,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.InsertObligation(ctx, o); err != nil {
				return "", nil, fmt.Errorf("insert ledger member: %w", err)
			}
			events = append(events, amqp.NewEvent(amqp.EventObligationCreated, t.OwnerID, o.ID, l.ID))
		}
		if _, _, err := reconcileGroup(ctx, tx, t.OwnerID, l.ID, now); err != nil {
			return "", nil, err
		}
		return l.ID, events, nil

	default:
		return "", nil, core.NewValidationError("subject_kind", core.ErrInvalidSubject)
	}
}

func instanceGroup(t core.Template, instanceID string) string {
	if t.SubjectKind == core.SubjectGroup {
		return instanceID
	}
	return deref(t.Fields.GroupID)
}
