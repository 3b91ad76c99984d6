package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"debts/internal/amqp"
	"debts/internal/core"
	"debts/internal/storage"
)

const maxReminderNoteLength = 500

var (
	ErrAlreadyPaid       = errors.New("obligation already paid")
	ErrRemindersDisabled = errors.New("reminders are not configured")
)

// ReminderService queues payment reminders for unpaid obligations. Delivery
// happens in the reminder worker.
type ReminderService struct {
	store     storage.Reader
	publisher ReminderPublisher
	opts      Options
}

// NewReminderService creates a new ReminderService.
func NewReminderService(store storage.Reader, publisher ReminderPublisher, opts Options) *ReminderService {
	return &ReminderService{store: store, publisher: publisher, opts: opts.withDefaults()}
}

// Remind publishes a reminder for the obligation. Paid obligations are
// rejected.
func (s *ReminderService) Remind(ctx context.Context, ownerID, id, note string) (*amqp.ReminderMessage, error) {
	if s.publisher == nil {
		return nil, ErrRemindersDisabled
	}
	note = strings.TrimSpace(note)
	if len(note) > maxReminderNoteLength {
		return nil, core.NewValidationError("note", fmt.Errorf("note too long (max %d characters)", maxReminderNoteLength))
	}

	o, err := s.store.GetObligation(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if o.IsPaid {
		return nil, core.NewValidationError("obligation", ErrAlreadyPaid)
	}

	msg := &amqp.ReminderMessage{
		OwnerID:      ownerID,
		ObligationID: o.ID,
		DebtorName:   o.DebtorName,
		ContactRef:   o.ContactRef,
		AmountCents:  o.Amount.Cents,
		Description:  o.Description,
		Note:         note,
		RequestedAt:  s.opts.Now(),
	}
	if err := s.publisher.PublishReminder(ctx, msg); err != nil {
		return nil, fmt.Errorf("publish reminder: %w", err)
	}

	slog.InfoContext(ctx, "Reminder queued",
		"obligation_id", o.ID,
		"debtor", o.DebtorName,
		"amount_cents", o.Amount.Cents)
	return msg, nil
}
