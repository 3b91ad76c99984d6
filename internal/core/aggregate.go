package core

// Aggregate is the derived state of a ledger.
type Aggregate struct {
	TotalAmount Money
	PaidAmount  Money
	IsCompleted bool
	MemberIDs   []string
}

// ComputeAggregate recomputes a ledger aggregate from its members. An empty
// group is never completed. A total that does not fit in int64 is a
// ValidationError on the amount.
func ComputeAggregate(members []Obligation) (Aggregate, error) {
	agg := Aggregate{IsCompleted: len(members) > 0}
	ids := make([]string, 0, len(members))
	var err error
	for _, m := range members {
		ids = append(ids, m.ID)
		if agg.TotalAmount, err = agg.TotalAmount.Add(m.Amount); err != nil {
			return Aggregate{}, NewValidationError("amount", err)
		}
		if m.IsPaid {
			if agg.PaidAmount, err = agg.PaidAmount.Add(m.Amount); err != nil {
				return Aggregate{}, NewValidationError("amount", err)
			}
		} else {
			agg.IsCompleted = false
		}
	}
	agg.MemberIDs = NormalizeIDs(ids)
	return agg, nil
}

// Apply writes the aggregate onto the ledger.
func (a Aggregate) Apply(l *Ledger) {
	l.TotalAmount = a.TotalAmount
	l.PaidAmount = a.PaidAmount
	l.IsCompleted = a.IsCompleted
	l.MemberIDs = a.MemberIDs
}

// Matches reports whether the ledger already carries this aggregate.
func (a Aggregate) Matches(l Ledger) bool {
	if l.TotalAmount != a.TotalAmount || l.PaidAmount != a.PaidAmount || l.IsCompleted != a.IsCompleted {
		return false
	}
	if len(l.MemberIDs) != len(a.MemberIDs) {
		return false
	}
	for i := range a.MemberIDs {
		if l.MemberIDs[i] != a.MemberIDs[i] {
			return false
		}
	}
	return true
}
