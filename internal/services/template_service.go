package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"debts/internal/amqp"
	"debts/internal/core"
	"debts/internal/storage"
)

// NewTemplate is the input for TemplateService.Create.
type NewTemplate struct {
	SubjectKind core.SubjectKind    `json:"subject_kind"`
	Fields      core.TemplateFields `json:"fields"`
	Frequency   core.Frequency      `json:"frequency"`
	StartDate   core.Date           `json:"start_date"`
	EndDate     *core.Date          `json:"end_date,omitempty"`
	DayOfMonth  *int                `json:"day_of_month,omitempty"`
	DayOfWeek   *time.Weekday       `json:"day_of_week,omitempty"`
}

// TemplateService manages recurring templates. Materialization is the
// RecurringProcessor's job.
type TemplateService struct {
	store storage.Store
	opts  Options
}

// NewTemplateService creates a new TemplateService.
func NewTemplateService(store storage.Store, opts Options) *TemplateService {
	return &TemplateService{store: store, opts: opts.withDefaults()}
}

// Create validates the template and schedules its first occurrence one period
// after the start date. A template whose end date falls on or before that
// first occurrence is stored inactive.
func (s *TemplateService) Create(ctx context.Context, ownerID string, in NewTemplate) (*core.Template, error) {
	now := s.opts.Now()
	f := in.Fields
	f.Name = strings.TrimSpace(f.Name)
	f.DebtorName = strings.TrimSpace(f.DebtorName)
	f.Description = strings.TrimSpace(f.Description)
	f.ContactRef = strings.TrimSpace(f.ContactRef)
	if in.SubjectKind == core.SubjectGroup {
		f.GroupID = nil
	} else {
		f.Members = nil
	}

	t := core.Template{
		ID:                   s.opts.NewID(),
		OwnerID:              ownerID,
		SubjectKind:          in.SubjectKind,
		Fields:               f,
		Frequency:            in.Frequency,
		StartDate:            core.DateOf(in.StartDate.Time),
		EndDate:              in.EndDate,
		DayOfMonth:           in.DayOfMonth,
		DayOfWeek:            in.DayOfWeek,
		IsActive:             true,
		GeneratedInstanceIDs: []string{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	next, err := FirstOccurrence(t)
	if err != nil {
		return nil, err
	}
	t.NextOccurrenceDate = next
	if t.EndsBy(next.Time) {
		t.IsActive = false
	}

	err = withRetry(ctx, s.opts, "create_template", func() error {
		return s.store.InTx(ctx, func(tx storage.Tx) error {
			if err := requireLedger(ctx, tx, ownerID, t.Fields.GroupID); err != nil {
				return err
			}
			return tx.InsertTemplate(ctx, t)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}

	slog.InfoContext(ctx, "Recurring template created",
		"template_id", t.ID,
		"subject_kind", t.SubjectKind,
		"frequency", t.Frequency,
		"next_occurrence", t.NextOccurrenceDate.String(),
		"is_active", t.IsActive)
	s.opts.publish(ctx, amqp.NewEvent(amqp.EventTemplateCreated, ownerID, t.ID, deref(t.Fields.GroupID)))
	return &t, nil
}

// Get returns a template by ID.
func (s *TemplateService) Get(ctx context.Context, ownerID, id string) (*core.Template, error) {
	t, err := s.store.GetTemplate(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns all templates of an owner.
func (s *TemplateService) List(ctx context.Context, ownerID string) ([]core.Template, error) {
	return s.store.ListTemplates(ctx, ownerID)
}

// Cancel deactivates the template. Instances already generated stay. A
// generation racing with the cancel either commits first, and the cancel then
// applies to the advanced row, or loses the compare-and-set.
func (s *TemplateService) Cancel(ctx context.Context, ownerID, id string) (*core.Template, error) {
	var out core.Template
	err := withRetry(ctx, s.opts, "cancel_template", func() error {
		return s.store.InTx(ctx, func(tx storage.Tx) error {
			t, err := tx.GetTemplate(ctx, ownerID, id)
			if err != nil {
				return err
			}
			out = t
			if !t.IsActive {
				return nil
			}
			t.IsActive = false
			t.UpdatedAt = s.opts.Now()
			if err := tx.UpdateTemplate(ctx, t, t.NextOccurrenceDate); err != nil {
				return err
			}
			out = t
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("cancel template: %w", err)
	}

	slog.InfoContext(ctx, "Recurring template cancelled", "template_id", id)
	s.opts.publish(ctx, amqp.NewEvent(amqp.EventTemplateCancelled, ownerID, id, ""))
	return &out, nil
}
