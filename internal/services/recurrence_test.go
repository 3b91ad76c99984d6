package services

import (
	"debts/internal/core"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNextOccurrence(t *testing.T) {
	tests := []struct {
		name string
		freq core.Frequency
		ref  core.Date
		want core.Date
	}{
		{"daily", core.Daily, core.NewDate(2024, 2, 28), core.NewDate(2024, 2, 29)},
		{"daily year end", core.Daily, core.NewDate(2024, 12, 31), core.NewDate(2025, 1, 1)},
		{"weekly", core.Weekly, core.NewDate(2024, 1, 1), core.NewDate(2024, 1, 8)},
		{"biweekly", core.Biweekly, core.NewDate(2024, 1, 1), core.NewDate(2024, 1, 15)},
		{"monthly", core.Monthly, core.NewDate(2024, 1, 15), core.NewDate(2024, 2, 15)},
		{"monthly clamps leap", core.Monthly, core.NewDate(2024, 1, 31), core.NewDate(2024, 2, 29)},
		{"monthly clamps non-leap", core.Monthly, core.NewDate(2023, 1, 31), core.NewDate(2023, 2, 28)},
		{"monthly clamps 30-day month", core.Monthly, core.NewDate(2024, 3, 31), core.NewDate(2024, 4, 30)},
		{"monthly december", core.Monthly, core.NewDate(2024, 12, 15), core.NewDate(2025, 1, 15)},
		{"quarterly", core.Quarterly, core.NewDate(2024, 1, 15), core.NewDate(2024, 4, 15)},
		{"quarterly clamps", core.Quarterly, core.NewDate(2024, 11, 30), core.NewDate(2025, 2, 28)},
		{"yearly", core.Yearly, core.NewDate(2023, 6, 1), core.NewDate(2024, 6, 1)},
		{"yearly leap day", core.Yearly, core.NewDate(2024, 2, 29), core.NewDate(2025, 2, 28)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextOccurrence(tt.freq, tt.ref)
			if err != nil {
				t.Fatalf("NextOccurrence() error = %v", err)
			}
			if !got.Equal(tt.want.Time) {
				t.Errorf("NextOccurrence() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNextOccurrence_UnknownFrequency(t *testing.T) {
	_, err := NextOccurrence("hourly", core.NewDate(2024, 1, 1))
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNextOccurrenceAnchored_NoDrift(t *testing.T) {
	ref := core.NewDate(2024, 1, 31)
	want := []core.Date{
		core.NewDate(2024, 2, 29),
		core.NewDate(2024, 3, 31),
		core.NewDate(2024, 4, 30),
		core.NewDate(2024, 5, 31),
	}
	for i, w := range want {
		next, err := NextOccurrenceAnchored(core.Monthly, ref, 31)
		if err != nil {
			t.Fatal(err)
		}
		if !next.Equal(w.Time) {
			t.Fatalf("step %d: got %s, want %s", i, next, w)
		}
		ref = next
	}
}

func TestNextOccurrence_StrictlyIncreasing(t *testing.T) {
	freqs := []core.Frequency{core.Daily, core.Weekly, core.Biweekly, core.Monthly, core.Quarterly, core.Yearly}
	for _, f := range freqs {
		ref := core.NewDate(2023, 1, 1)
		for day := 0; day < 400; day++ {
			next, err := NextOccurrenceAnchored(f, ref, 31)
			if err != nil {
				t.Fatal(err)
			}
			if !next.After(ref.Time) {
				t.Fatalf("%s: next %s not after %s", f, next, ref)
			}
			if err := next.Validate(); err != nil {
				t.Fatalf("%s: invalid date %s: %v", f, next, err)
			}
			if next.Hour() != 0 || next.Location() != time.UTC {
				t.Fatalf("%s: next %v is not a UTC date", f, next.Time)
			}
			ref = core.Date{Time: ref.AddDate(0, 0, 1)}
		}
	}
}

func TestFirstOccurrence(t *testing.T) {
	friday := time.Friday
	anchor := 31
	twentieth := 20
	tests := []struct {
		name string
		tmpl core.Template
		want core.Date
	}{
		{
			name: "monthly from start date",
			tmpl: core.Template{Frequency: core.Monthly, StartDate: core.NewDate(2024, 1, 15)},
			want: core.NewDate(2024, 2, 15),
		},
		{
			name: "monthly anchor later in the start month",
			tmpl: core.Template{Frequency: core.Monthly, StartDate: core.NewDate(2024, 1, 10), DayOfMonth: &anchor},
			want: core.NewDate(2024, 1, 31),
		},
		{
			name: "monthly day 20 from the 5th",
			tmpl: core.Template{Frequency: core.Monthly, StartDate: core.NewDate(2024, 1, 5), DayOfMonth: &twentieth},
			want: core.NewDate(2024, 1, 20),
		},
		{
			name: "anchor clamps inside a short start month",
			tmpl: core.Template{Frequency: core.Monthly, StartDate: core.NewDate(2024, 2, 10), DayOfMonth: &anchor},
			want: core.NewDate(2024, 2, 29),
		},
		{
			name: "anchor already passed clamps to start, next period",
			tmpl: core.Template{Frequency: core.Monthly, StartDate: core.NewDate(2024, 2, 29), DayOfMonth: &anchor},
			want: core.NewDate(2024, 3, 31),
		},
		{
			name: "quarterly day 20 from the 5th",
			tmpl: core.Template{Frequency: core.Quarterly, StartDate: core.NewDate(2024, 1, 5), DayOfMonth: &twentieth},
			want: core.NewDate(2024, 1, 20),
		},
		{
			name: "anchor before start day waits a period",
			tmpl: core.Template{Frequency: core.Monthly, StartDate: core.NewDate(2024, 1, 25), DayOfMonth: &twentieth},
			want: core.NewDate(2024, 2, 20),
		},
		{
			name: "weekly aligned to weekday",
			// 2024-01-01 is a Monday
			tmpl: core.Template{Frequency: core.Weekly, StartDate: core.NewDate(2024, 1, 1), DayOfWeek: &friday},
			want: core.NewDate(2024, 1, 5),
		},
		{
			name: "weekly already on weekday",
			tmpl: core.Template{Frequency: core.Weekly, StartDate: core.NewDate(2024, 1, 5), DayOfWeek: &friday},
			want: core.NewDate(2024, 1, 12),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FirstOccurrence(tt.tmpl)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tt.want.Time) {
				t.Errorf("FirstOccurrence() = %s, want %s", got, tt.want)
			}
		})
	}
}

type fortnightAdvancer struct{}

func (fortnightAdvancer) Next(ref core.Date, _ int) core.Date {
	return core.Date{Time: ref.AddDate(0, 0, 15)}
}

func TestRegisterAdvancer(t *testing.T) {
	const custom core.Frequency = "semi-monthly-test"
	RegisterAdvancer(custom, fortnightAdvancer{})
	defer unregisterAdvancer(custom)

	got, err := NextOccurrence(custom, core.NewDate(2024, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(core.NewDate(2024, 1, 16).Time) {
		t.Fatalf("got %s", got)
	}
}

func TestRegisterAdvancerConcurrentLookup(t *testing.T) {
	var wg sync.WaitGroup
	for i := range 8 {
		freq := core.Frequency(fmt.Sprintf("custom-%d", i))
		defer unregisterAdvancer(freq)
		wg.Add(2)
		go func() {
			defer wg.Done()
			RegisterAdvancer(freq, fortnightAdvancer{})
		}()
		go func() {
			defer wg.Done()
			for range 100 {
				if _, err := NextOccurrence(core.Monthly, core.NewDate(2024, 1, 31)); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for i := range 8 {
		if _, err := AdvancerFor(core.Frequency(fmt.Sprintf("custom-%d", i))); err != nil {
			t.Errorf("custom-%d: %v", i, err)
		}
	}
}
