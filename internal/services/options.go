package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"debts/internal/amqp"
	"debts/internal/core"
	"debts/internal/metrics"
)

const (
	defaultConflictRetries = 3
	retryBackoff           = 20 * time.Millisecond
)

// EventPublisher is implemented by *amqp.Client.
type EventPublisher interface {
	PublishEvent(ctx context.Context, e *amqp.Event) error
}

// ReminderPublisher is implemented by *amqp.Client.
type ReminderPublisher interface {
	PublishReminder(ctx context.Context, m *amqp.ReminderMessage) error
}

// Options carries the collaborators shared by every service. Zero values are
// usable: no events, no metrics, wall clock and random UUIDs.
type Options struct {
	Events          EventPublisher
	Metrics         *metrics.Metrics
	ConflictRetries int
	Now             func() time.Time
	NewID           func() string
}

func (o Options) withDefaults() Options {
	if o.ConflictRetries <= 0 {
		o.ConflictRetries = defaultConflictRetries
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// withRetry reruns fn while it fails with core.ErrConflict, backing off
// linearly between attempts. Any other result is returned as is.
func withRetry(ctx context.Context, o Options, op string, fn func() error) error {
	return withRetryIf(ctx, o, op, isConflict, fn)
}

func withRetryIf(ctx context.Context, o Options, op string, retryable func(error) bool, fn func() error) error {
	var err error
	for attempt := 1; attempt <= o.ConflictRetries; attempt++ {
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
		if isConflict(err) {
			o.Metrics.Conflict(op)
		}
		slog.DebugContext(ctx, "Retrying transaction", "operation", op, "attempt", attempt, "error", err)
		if attempt == o.ConflictRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	return fmt.Errorf("%s: gave up after %d attempts: %w", op, o.ConflictRetries, err)
}

func isConflict(err error) bool {
	return errors.Is(err, core.ErrConflict)
}

// isTransient treats every store failure as retryable except caller errors
// and cancellation. Used by read-then-write passes that are safe to rerun.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, core.ErrValidation),
		errors.Is(err, core.ErrNotFound),
		errors.Is(err, core.ErrInvalidTransition),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// publish sends events after commit. Failures are logged and dropped.
func (o Options) publish(ctx context.Context, events ...*amqp.Event) {
	if o.Events == nil {
		return
	}
	for _, e := range events {
		if err := o.Events.PublishEvent(ctx, e); err != nil {
			slog.WarnContext(ctx, "Failed to publish event",
				"type", e.Type,
				"entity_id", e.EntityID,
				"error", err)
		}
	}
}
