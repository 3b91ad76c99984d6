// Package services provides business logic and orchestration services.
//
// This file implements the Strategy Pattern for recurrence arithmetic.
// Each frequency has an Advancer that steps a schedule one period forward
// from a reference occurrence.

package services

import (
	"debts/internal/core"
	"sync"
	"time"
)

// Advancer is the strategy interface for stepping a schedule forward.
type Advancer interface {
	// Next returns the occurrence one period after ref, which is always later
	// than ref. anchorDay is the preferred day of month for month-based
	// schedules and is ignored otherwise.
	Next(ref core.Date, anchorDay int) core.Date
}

// DayAdvancer steps by a fixed number of days.
type DayAdvancer struct {
	Days int
}

// Next adds a.Days days to ref.
func (a DayAdvancer) Next(ref core.Date, _ int) core.Date {
	return core.Date{Time: ref.AddDate(0, 0, a.Days)}
}

// MonthAdvancer steps by whole calendar months, clamping to the last day of
// the target month.
type MonthAdvancer struct {
	Months int
}

// Next moves ref forward a.Months months, clamping anchorDay to the target month.
func (a MonthAdvancer) Next(ref core.Date, anchorDay int) core.Date {
	if anchorDay < 1 {
		anchorDay = ref.Day()
	}
	return addMonthsClamped(ref, a.Months, anchorDay)
}

// addMonthsClamped lands on min(day, lastDay(target month)). time.AddDate
// normalizes overflow (Jan 31 + 1 month = Mar 2), which is never wanted here.
func addMonthsClamped(ref core.Date, months, day int) core.Date {
	firstOfTarget := time.Date(ref.Year(), ref.Month()+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	last := daysIn(firstOfTarget.Year(), firstOfTarget.Month())
	if day > last {
		day = last
	}
	return core.NewDate(firstOfTarget.Year(), firstOfTarget.Month(), day)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// advancers maps frequencies to their corresponding strategies. Guarded by
// advancersMu.
var (
	advancersMu sync.RWMutex
	advancers   = map[core.Frequency]Advancer{
		core.Daily:     DayAdvancer{Days: 1},
		core.Weekly:    DayAdvancer{Days: 7},
		core.Biweekly:  DayAdvancer{Days: 14},
		core.Monthly:   MonthAdvancer{Months: 1},
		core.Quarterly: MonthAdvancer{Months: 3},
		core.Yearly:    MonthAdvancer{Months: 12},
	}
)

// AdvancerFor returns the strategy for a frequency.
func AdvancerFor(freq core.Frequency) (Advancer, error) {
	advancersMu.RLock()
	a, ok := advancers[freq]
	advancersMu.RUnlock()
	if !ok {
		return nil, core.NewValidationError("frequency", core.ErrInvalidFrequency)
	}
	return a, nil
}

// RegisterAdvancer registers a strategy for an additional frequency. It is
// safe to call while schedules are being computed.
func RegisterAdvancer(freq core.Frequency, a Advancer) {
	advancersMu.Lock()
	defer advancersMu.Unlock()
	advancers[freq] = a
}

func unregisterAdvancer(freq core.Frequency) {
	advancersMu.Lock()
	defer advancersMu.Unlock()
	delete(advancers, freq)
}

// NextOccurrence returns the next occurrence strictly after ref. Month-based
// frequencies keep ref's day of month, clamped to the target month.
func NextOccurrence(freq core.Frequency, ref core.Date) (core.Date, error) {
	return NextOccurrenceAnchored(freq, ref, ref.Day())
}

// NextOccurrenceAnchored is NextOccurrence with an explicit day of month for
// month-based frequencies, so a series started on the 31st returns to the 31st
// after a short month.
func NextOccurrenceAnchored(freq core.Frequency, ref core.Date, anchorDay int) (core.Date, error) {
	a, err := AdvancerFor(freq)
	if err != nil {
		return core.Date{}, err
	}
	return a.Next(core.DateOf(ref.Time), anchorDay), nil
}

// FirstOccurrence computes a new template's first scheduled date: one period
// after the start date. A weekday or a later day of month that still falls
// in the start's own period is used instead, so 2024-01-05 with day 20 starts
// on 2024-01-20.
func FirstOccurrence(t core.Template) (core.Date, error) {
	start := core.DateOf(t.StartDate.Time)
	if t.DayOfWeek != nil && (t.Frequency == core.Weekly || t.Frequency == core.Biweekly) {
		shift := (int(*t.DayOfWeek) - int(start.Weekday()) + 7) % 7
		if shift > 0 {
			return core.Date{Time: start.AddDate(0, 0, shift)}, nil
		}
	}
	anchor := t.AnchorDay()
	if t.Frequency.MonthBased() && anchor > start.Day() {
		if same := addMonthsClamped(start, 0, anchor); same.After(start.Time) {
			return same, nil
		}
	}
	return NextOccurrenceAnchored(t.Frequency, start, anchor)
}
