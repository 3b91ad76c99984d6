package core

import "time"

// TemplateState is the lifecycle position of a recurring template.
//
//	Active -> Due -> Generating -> Advanced -> Active
//	any    -> Inactive (cancel, end date reached, template gone)
//
// Only Active, Due and Inactive are derived from persisted fields. Generating
// and Advanced exist inside one processor transaction.
type TemplateState string

const (
	StateActive     TemplateState = "active"
	StateDue        TemplateState = "due"
	StateGenerating TemplateState = "generating"
	StateAdvanced   TemplateState = "advanced"
	StateInactive   TemplateState = "inactive"
)

// StateAt derives the template state at instant now.
func (t Template) StateAt(now time.Time) TemplateState {
	if !t.IsActive {
		return StateInactive
	}
	if t.NextOccurrenceDate.DueBy(now) {
		return StateDue
	}
	return StateActive
}

// CanTransition reports whether the processor may move from one state to the next.
func CanTransition(from, to TemplateState) bool {
	switch from {
	case StateActive:
		return to == StateDue || to == StateInactive
	case StateDue:
		return to == StateGenerating || to == StateInactive || to == StateActive
	case StateGenerating:
		return to == StateAdvanced || to == StateDue || to == StateInactive
	case StateAdvanced:
		return to == StateActive || to == StateInactive
	default:
		return false
	}
}
