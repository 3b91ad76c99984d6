// Package notify delivers payment reminders to debtors.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"debts/internal/core"
)

// Reminder is what a debtor is told.
type Reminder struct {
	OwnerID      string
	ObligationID string
	DebtorName   string
	ContactRef   string
	Amount       core.Money
	Description  string
	Note         string
	RequestedAt  time.Time
}

// Notifier sends a reminder through some channel.
type Notifier interface {
	Notify(ctx context.Context, r Reminder) error
}

// ErrNoContact is returned by notifiers that need a contact reference.
var ErrNoContact = errors.New("debtor has no contact reference")

// LogNotifier writes reminders to the log. It is the default channel when no
// delivery integration is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that writes reminders to logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the reminder.
func (n *LogNotifier) Notify(ctx context.Context, r Reminder) error {
	n.logger.InfoContext(ctx, "Payment reminder",
		"owner_id", r.OwnerID,
		"obligation_id", r.ObligationID,
		"debtor", r.DebtorName,
		"contact", r.ContactRef,
		"amount", r.Amount.String(),
		"note", r.Note,
		"requested_at", r.RequestedAt.Format(time.RFC3339))
	return nil
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, r Reminder) error

// Notify calls f(ctx, r).
func (f NotifierFunc) Notify(ctx context.Context, r Reminder) error {
	return f(ctx, r)
}

// Multi sends to every notifier and joins their errors.
type Multi []Notifier

// Notify delivers r to every notifier, continuing past failures.
func (m Multi) Notify(ctx context.Context, r Reminder) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
