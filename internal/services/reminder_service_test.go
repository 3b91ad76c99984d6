package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"debts/internal/core"
)

func TestRemind(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	svc := NewReminderService(f.store, f.pub, f.opts)
	o := f.obligation(t, "Anna", core.Money{Cents: 1250}, nil)

	msg, err := svc.Remind(ctx, owner, o.ID, "  see you friday ")
	if err != nil {
		t.Fatal(err)
	}
	if msg.AmountCents != 1250 || msg.DebtorName != "Anna" || msg.Note != "see you friday" {
		t.Errorf("message = %+v", msg)
	}
	if len(f.pub.reminders) != 1 {
		t.Fatalf("published %d reminders, want 1", len(f.pub.reminders))
	}

	tests := []struct {
		name string
		prep func() (string, string)
		want error
	}{
		{"paid obligation", func() (string, string) {
			if _, err := f.obligations.SetPaid(ctx, owner, o.ID, true); err != nil {
				t.Fatal(err)
			}
			return o.ID, ""
		}, ErrAlreadyPaid},
		{"unknown obligation", func() (string, string) { return "missing", "" }, core.ErrNotFound},
		{"note too long", func() (string, string) { return o.ID, strings.Repeat("x", 501) }, core.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, note := tt.prep()
			if _, err := svc.Remind(ctx, owner, id, note); !errors.Is(err, tt.want) {
				t.Errorf("Remind() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRemindWithoutPublisher(t *testing.T) {
	f := newFixture(t, nil)
	svc := NewReminderService(f.store, nil, f.opts)
	if _, err := svc.Remind(context.Background(), owner, "any", ""); !errors.Is(err, ErrRemindersDisabled) {
		t.Fatalf("expected ErrRemindersDisabled, got %v", err)
	}
}
