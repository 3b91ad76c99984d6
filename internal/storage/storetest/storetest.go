// Package storetest holds behaviour checks every storage.Store backend must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"debts/internal/core"
	"debts/internal/storage"
)

// Factory returns an empty store. Cleanup is the factory's concern.
type Factory func(t *testing.T) storage.Store

var base = time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)

// Run exercises the storage.Store contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("ObligationRoundTrip", func(t *testing.T) { testObligationRoundTrip(t, newStore(t)) })
	t.Run("OwnerScoping", func(t *testing.T) { testOwnerScoping(t, newStore(t)) })
	t.Run("ListFilters", func(t *testing.T) { testListFilters(t, newStore(t)) })
	t.Run("LedgerRoundTrip", func(t *testing.T) { testLedgerRoundTrip(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("TemplateCompareAndSet", func(t *testing.T) { testTemplateCAS(t, newStore(t)) })
	t.Run("DueTemplates", func(t *testing.T) { testDueTemplates(t, newStore(t)) })
}

func mustTx(t *testing.T, s storage.Store, fn func(tx storage.Tx) error) {
	t.Helper()
	if err := s.InTx(context.Background(), fn); err != nil {
		t.Fatalf("InTx: %v", err)
	}
}

func obligation(id, owner string, cents int64, group *string) core.Obligation {
	return core.Obligation{
		ID:         id,
		OwnerID:    owner,
		DebtorName: "Debtor " + id,
		Amount:     core.Money{Cents: cents},
		CreatedAt:  base,
		UpdatedAt:  base,
		GroupID:    group,
	}
}

func testObligationRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	paidAt := base.Add(time.Hour)
	o := obligation("o1", "u1", 1234, nil)
	o.Description = "dinner"
	o.ContactRef = "tel:123"
	o.Recurrence = &core.RecurrenceRef{TemplateID: "t1", InstanceIndex: 2}

	mustTx(t, s, func(tx storage.Tx) error { return tx.InsertObligation(ctx, o) })

	got, err := s.GetObligation(ctx, "u1", "o1")
	if err != nil {
		t.Fatalf("GetObligation: %v", err)
	}
	if got.Amount.Cents != 1234 || got.Description != "dinner" || got.ContactRef != "tel:123" {
		t.Fatalf("unexpected obligation %+v", got)
	}
	if got.Recurrence == nil || got.Recurrence.TemplateID != "t1" || got.Recurrence.InstanceIndex != 2 {
		t.Fatalf("unexpected recurrence %+v", got.Recurrence)
	}
	if !got.CreatedAt.Equal(base) {
		t.Fatalf("CreatedAt = %v, want %v", got.CreatedAt, base)
	}

	got.IsPaid = true
	got.PaidAt = &paidAt
	mustTx(t, s, func(tx storage.Tx) error { return tx.UpdateObligation(ctx, got) })

	got, err = s.GetObligation(ctx, "u1", "o1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsPaid || got.PaidAt == nil || !got.PaidAt.Equal(paidAt) {
		t.Fatalf("paid state not persisted: %+v", got)
	}

	mustTx(t, s, func(tx storage.Tx) error { return tx.DeleteObligation(ctx, "u1", "o1") })
	if _, err := s.GetObligation(ctx, "u1", "o1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}

	err = s.InTx(ctx, func(tx storage.Tx) error { return tx.DeleteObligation(ctx, "u1", "o1") })
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found deleting twice, got %v", err)
	}
}

func testOwnerScoping(t *testing.T, s storage.Store) {
	ctx := context.Background()
	mustTx(t, s, func(tx storage.Tx) error { return tx.InsertObligation(ctx, obligation("o1", "alice", 100, nil)) })

	if _, err := s.GetObligation(ctx, "bob", "o1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected other owner to get not found, got %v", err)
	}
	list, err := s.ListObligations(ctx, "bob", storage.ObligationFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list for other owner, got %d", len(list))
	}
	err = s.InTx(ctx, func(tx storage.Tx) error {
		o := obligation("o1", "bob", 1, nil)
		return tx.UpdateObligation(ctx, o)
	})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found updating foreign row, got %v", err)
	}
}

func testListFilters(t *testing.T, s storage.Store) {
	ctx := context.Background()
	g := "g1"
	mustTx(t, s, func(tx storage.Tx) error {
		if err := tx.InsertLedger(ctx, core.Ledger{ID: g, OwnerID: "u1", Name: "Trip", CreatedAt: base, UpdatedAt: base}); err != nil {
			return err
		}
		a := obligation("a", "u1", 100, &g)
		b := obligation("b", "u1", 200, &g)
		b.IsPaid = true
		b.PaidAt = &base
		c := obligation("c", "u1", 300, nil)
		c.CreatedAt = base.Add(time.Minute)
		c.Recurrence = &core.RecurrenceRef{TemplateID: "t9"}
		for _, o := range []core.Obligation{a, b, c} {
			if err := tx.InsertObligation(ctx, o); err != nil {
				return err
			}
		}
		return nil
	})

	paid := true
	tests := []struct {
		name string
		f    storage.ObligationFilter
		want []string
	}{
		{"all", storage.ObligationFilter{}, []string{"a", "b", "c"}},
		{"group", storage.ObligationFilter{GroupID: &g}, []string{"a", "b"}},
		{"ungrouped", storage.ObligationFilter{Ungrouped: true}, []string{"c"}},
		{"paid", storage.ObligationFilter{Paid: &paid}, []string{"b"}},
		{"debtor", storage.ObligationFilter{DebtorName: "Debtor a"}, []string{"a"}},
		{"template", storage.ObligationFilter{TemplateID: "t9"}, []string{"c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListObligations(ctx, "u1", tt.f)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d obligations, want %v", len(got), tt.want)
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Fatalf("position %d: got %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func testLedgerRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	l := core.Ledger{
		ID: "g1", OwnerID: "u1", Name: "Rent", Description: "flat",
		Recurrence: &core.RecurrenceRef{TemplateID: "t1", InstanceIndex: 0},
		CreatedAt:  base, UpdatedAt: base,
	}
	mustTx(t, s, func(tx storage.Tx) error { return tx.InsertLedger(ctx, l) })

	got, err := s.GetLedger(ctx, "u1", "g1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Rent" || got.IsCompleted || len(got.MemberIDs) != 0 {
		t.Fatalf("unexpected ledger %+v", got)
	}
	if got.Recurrence == nil || got.Recurrence.TemplateID != "t1" {
		t.Fatalf("recurrence not persisted: %+v", got.Recurrence)
	}

	got.TotalAmount = core.Money{Cents: 500}
	got.PaidAmount = core.Money{Cents: 500}
	got.IsCompleted = true
	got.MemberIDs = []string{"a", "b"}
	mustTx(t, s, func(tx storage.Tx) error { return tx.UpdateLedger(ctx, got) })

	got, err = s.GetLedger(ctx, "u1", "g1")
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalAmount.Cents != 500 || !got.IsCompleted || len(got.MemberIDs) != 2 {
		t.Fatalf("aggregate not persisted: %+v", got)
	}

	list, err := s.ListLedgers(ctx, "u1")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListLedgers = %v, %v", list, err)
	}

	mustTx(t, s, func(tx storage.Tx) error { return tx.DeleteLedger(ctx, "u1", "g1") })
	if _, err := s.GetLedger(ctx, "u1", "g1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testRollback(t *testing.T, s storage.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertObligation(ctx, obligation("o1", "u1", 1, nil)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.GetObligation(ctx, "u1", "o1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("rolled back insert is visible: %v", err)
	}
}

func template(id, owner string, next core.Date) core.Template {
	day := 15
	return core.Template{
		ID:          id,
		OwnerID:     owner,
		SubjectKind: core.SubjectSingleObligation,
		Fields: core.TemplateFields{
			DebtorName: "Bob",
			Amount:     core.Money{Cents: 1000},
		},
		Frequency:            core.Monthly,
		StartDate:            core.NewDate(2024, 1, 15),
		DayOfMonth:           &day,
		IsActive:             true,
		NextOccurrenceDate:   next,
		GeneratedInstanceIDs: []string{},
		CreatedAt:            base,
		UpdatedAt:            base,
	}
}

func testTemplateCAS(t *testing.T, s storage.Store) {
	ctx := context.Background()
	next := core.NewDate(2024, 2, 15)
	tmpl := template("t1", "u1", next)
	mustTx(t, s, func(tx storage.Tx) error { return tx.InsertTemplate(ctx, tmpl) })

	got, err := s.GetTemplate(ctx, "u1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DayOfMonth == nil || *got.DayOfMonth != 15 || got.Fields.DebtorName != "Bob" {
		t.Fatalf("unexpected template %+v", got)
	}
	if !got.NextOccurrenceDate.Equal(next.Time) {
		t.Fatalf("NextOccurrenceDate = %s, want %s", got.NextOccurrenceDate, next)
	}

	advanced := got
	advanced.NextOccurrenceDate = core.NewDate(2024, 3, 15)
	advanced.GeneratedInstanceIDs = []string{"o1"}
	last := time.Date(2024, 2, 16, 0, 0, 0, 0, time.UTC)
	advanced.LastGeneratedDate = &last
	mustTx(t, s, func(tx storage.Tx) error { return tx.UpdateTemplate(ctx, advanced, next) })

	// A second writer that read the old next occurrence loses.
	stale := got
	stale.NextOccurrenceDate = core.NewDate(2024, 3, 15)
	stale.GeneratedInstanceIDs = []string{"o2"}
	err = s.InTx(ctx, func(tx storage.Tx) error { return tx.UpdateTemplate(ctx, stale, next) })
	if !errors.Is(err, core.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	got, err = s.GetTemplate(ctx, "u1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.GeneratedInstanceIDs) != 1 || got.GeneratedInstanceIDs[0] != "o1" {
		t.Fatalf("lost update: %v", got.GeneratedInstanceIDs)
	}
	if got.LastGeneratedDate == nil || !got.LastGeneratedDate.Equal(last) {
		t.Fatalf("LastGeneratedDate = %v", got.LastGeneratedDate)
	}
}

func testDueTemplates(t *testing.T, s storage.Store) {
	ctx := context.Background()
	mustTx(t, s, func(tx storage.Tx) error {
		due := template("due", "u1", core.NewDate(2024, 2, 15))
		other := template("other-owner", "u2", core.NewDate(2024, 2, 16))
		future := template("future", "u1", core.NewDate(2024, 3, 15))
		inactive := template("inactive", "u1", core.NewDate(2024, 1, 15))
		inactive.IsActive = false
		for _, tmpl := range []core.Template{due, other, future, inactive} {
			if err := tx.InsertTemplate(ctx, tmpl); err != nil {
				return err
			}
		}
		return nil
	})

	now := time.Date(2024, 2, 16, 8, 0, 0, 0, time.UTC)
	got, err := s.ListDueTemplates(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, tmpl := range got {
		ids[tmpl.ID] = true
	}
	if len(got) != 2 || !ids["due"] || !ids["other-owner"] {
		t.Fatalf("unexpected due templates %v", ids)
	}

	mine, err := s.ListTemplates(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 3 {
		t.Fatalf("ListTemplates returned %d templates, want 3", len(mine))
	}
}
