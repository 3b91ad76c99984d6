package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"debts/internal/core"
)

func TestCreateTemplateValidation(t *testing.T) {
	before := day(2023, 12, 31)
	badDay := 32
	badWeekday := time.Weekday(7)
	missing := "missing"

	tests := []struct {
		name   string
		mutate func(in *NewTemplate)
		want   error
	}{
		{"unknown frequency", func(in *NewTemplate) { in.Frequency = "hourly" }, core.ErrInvalidFrequency},
		{"unknown subject", func(in *NewTemplate) { in.SubjectKind = "expense" }, core.ErrInvalidSubject},
		{"end before start", func(in *NewTemplate) { in.EndDate = &before }, core.ErrEndBeforeStart},
		{"day of month out of range", func(in *NewTemplate) { in.DayOfMonth = &badDay }, core.ErrInvalidDay},
		{"day of week out of range", func(in *NewTemplate) { in.DayOfWeek = &badWeekday }, core.ErrInvalidDay},
		{"empty debtor", func(in *NewTemplate) { in.Fields.DebtorName = "" }, core.ErrEmptyDebtor},
		{"negative amount", func(in *NewTemplate) { in.Fields.Amount = core.Money{Cents: -100} }, core.ErrInvalidAmount},
		{"group without name", func(in *NewTemplate) { in.SubjectKind = core.SubjectGroup }, core.ErrEmptyName},
		{"group member without debtor", func(in *NewTemplate) {
			in.SubjectKind = core.SubjectGroup
			in.Fields.Name = "Rent"
			in.Fields.Members = []core.MemberDefinition{{Amount: euros(1)}}
		}, core.ErrEmptyDebtor},
		{"unknown ledger", func(in *NewTemplate) { in.Fields.GroupID = &missing }, core.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			in := monthlyDebt(day(2024, 1, 1), 100)
			tt.mutate(&in)
			if _, err := f.templates.Create(context.Background(), owner, in); !errors.Is(err, tt.want) {
				t.Fatalf("Create() error = %v, want %v", err, tt.want)
			}
			if list, _ := f.templates.List(context.Background(), owner); len(list) != 0 {
				t.Errorf("rejected template stored: %v", list)
			}
		})
	}
}

func TestCreateTemplateSchedule(t *testing.T) {
	wednesday := time.Wednesday
	fifth := 5
	twentieth := 20
	tests := []struct {
		name   string
		in     NewTemplate
		next   core.Date
		active bool
	}{
		{"monthly", monthlyDebt(day(2024, 1, 15), 100), day(2024, 2, 15), true},
		{"weekly aligned to weekday", func() NewTemplate {
			in := monthlyDebt(day(2024, 1, 15), 100)
			in.Frequency = core.Weekly
			in.DayOfWeek = &wednesday
			return in
		}(), day(2024, 1, 17), true},
		{"monthly on fixed day", func() NewTemplate {
			in := monthlyDebt(day(2024, 1, 20), 100)
			in.DayOfMonth = &fifth
			return in
		}(), day(2024, 2, 5), true},
		{"monthly on a later day of the start month", func() NewTemplate {
			in := monthlyDebt(day(2024, 1, 5), 100)
			in.DayOfMonth = &twentieth
			return in
		}(), day(2024, 1, 20), true},
		{"ends on first occurrence", func() NewTemplate {
			in := monthlyDebt(day(2024, 1, 15), 100)
			end := day(2024, 2, 15)
			in.EndDate = &end
			return in
		}(), day(2024, 2, 15), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			got, err := f.templates.Create(context.Background(), owner, tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if !got.NextOccurrenceDate.Equal(tt.next.Time) {
				t.Errorf("next occurrence = %s, want %s", got.NextOccurrenceDate, tt.next)
			}
			if got.IsActive != tt.active {
				t.Errorf("IsActive = %v, want %v", got.IsActive, tt.active)
			}
		})
	}
}

func TestCancelTemplate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tpl := f.template(t, monthlyDebt(day(2024, 1, 15), 100))
	if _, err := f.processor.ProcessDue(ctx, at(2024, 2, 16)); err != nil {
		t.Fatal(err)
	}

	cancelled, err := f.templates.Cancel(ctx, owner, tpl.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.IsActive {
		t.Fatal("cancelled template still active")
	}
	if _, err := f.templates.Cancel(ctx, owner, tpl.ID); err != nil {
		t.Errorf("second cancel should succeed: %v", err)
	}

	res, err := f.processor.ProcessDue(ctx, at(2024, 5, 1))
	if err != nil {
		t.Fatal(err)
	}
	if res.Checked != 0 {
		t.Errorf("cancelled template processed: %+v", res)
	}
	if n := len(f.instances(t, tpl.ID)); n != 1 {
		t.Errorf("cancel should keep earlier instances, got %d", n)
	}

	if _, err := f.templates.Cancel(ctx, "someone-else", tpl.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("other owner cancel = %v, want ErrNotFound", err)
	}
}
