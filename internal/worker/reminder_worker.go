// Package worker holds the AMQP message handlers run by cmd/reminder-worker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"debts/internal/amqp"
	"debts/internal/core"
	"debts/internal/notify"
	"debts/internal/storage"
)

// ReminderWorker turns queued reminder messages into notifications.
type ReminderWorker struct {
	store    storage.Reader
	notifier notify.Notifier
}

// NewReminderWorker creates a new ReminderWorker.
func NewReminderWorker(store storage.Reader, notifier notify.Notifier) *ReminderWorker {
	return &ReminderWorker{store: store, notifier: notifier}
}

// HandleReminder delivers one reminder. The obligation is re-read so a debt
// that was paid or deleted after the reminder was queued is dropped, and the
// amount sent is the current one. Returning an error requeues the message.
func (w *ReminderWorker) HandleReminder(ctx context.Context, msg *amqp.ReminderMessage) error {
	slog.InfoContext(ctx, "Processing reminder message",
		"obligation_id", msg.ObligationID,
		"owner_id", msg.OwnerID)

	o, err := w.store.GetObligation(ctx, msg.OwnerID, msg.ObligationID)
	if errors.Is(err, core.ErrNotFound) {
		slog.WarnContext(ctx, "Obligation no longer exists, dropping reminder",
			"obligation_id", msg.ObligationID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get obligation: %w", err)
	}
	if o.IsPaid {
		slog.InfoContext(ctx, "Obligation paid since reminder was queued, skipping",
			"obligation_id", o.ID)
		return nil
	}

	r := notify.Reminder{
		OwnerID:      o.OwnerID,
		ObligationID: o.ID,
		DebtorName:   o.DebtorName,
		ContactRef:   o.ContactRef,
		Amount:       o.Amount,
		Description:  o.Description,
		Note:         msg.Note,
		RequestedAt:  msg.RequestedAt,
	}
	if err := w.notifier.Notify(ctx, r); err != nil {
		return fmt.Errorf("notify debtor: %w", err)
	}

	slog.InfoContext(ctx, "Reminder delivered",
		"obligation_id", o.ID,
		"debtor", o.DebtorName)
	return nil
}
