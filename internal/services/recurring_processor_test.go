package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"debts/internal/core"
	"debts/internal/storage"
	"debts/internal/storage/memory"
	"debts/internal/storage/sqlite"
)

func at(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 6, 0, 0, 0, time.UTC)
}

func monthlyDebt(start core.Date, cents int64) NewTemplate {
	return NewTemplate{
		SubjectKind: core.SubjectSingleObligation,
		Fields:      core.TemplateFields{DebtorName: "Anna", Amount: core.Money{Cents: cents}},
		Frequency:   core.Monthly,
		StartDate:   start,
	}
}

func (f *fixture) template(t *testing.T, in NewTemplate) *core.Template {
	t.Helper()
	tpl, err := f.templates.Create(context.Background(), owner, in)
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	return tpl
}

func (f *fixture) instances(t *testing.T, templateID string) []core.Obligation {
	t.Helper()
	out, err := f.store.ListObligations(context.Background(), owner, storage.ObligationFilter{TemplateID: templateID})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func (f *fixture) reload(t *testing.T, id string) core.Template {
	t.Helper()
	tpl, err := f.store.GetTemplate(context.Background(), owner, id)
	if err != nil {
		t.Fatal(err)
	}
	return tpl
}

func newSQLiteStore(t *testing.T) storage.Store {
	t.Helper()
	repo, err := sqlite.NewRepository(filepath.Join(t.TempDir(), "debts.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func backends() map[string]func(t *testing.T) storage.Store {
	return map[string]func(t *testing.T) storage.Store{
		"memory": func(*testing.T) storage.Store { return memory.New() },
		"sqlite": newSQLiteStore,
	}
}

func TestMonthlyTemplateFirstRun(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, open(t))
			ctx := context.Background()
			tpl := f.template(t, monthlyDebt(day(2024, 1, 15), 5000))
			if !tpl.NextOccurrenceDate.Equal(day(2024, 2, 15).Time) {
				t.Fatalf("first occurrence = %s, want 2024-02-15", tpl.NextOccurrenceDate)
			}

			res, err := f.processor.ProcessDue(ctx, at(2024, 2, 16))
			if err != nil {
				t.Fatal(err)
			}
			if res.Generated != 1 || res.Failed != 0 {
				t.Fatalf("result = %+v, want one generated", res)
			}

			got := f.instances(t, tpl.ID)
			if len(got) != 1 {
				t.Fatalf("instances = %d, want 1", len(got))
			}
			o := got[0]
			if o.Amount.Cents != 5000 || o.IsPaid || o.Recurrence.InstanceIndex != 0 {
				t.Errorf("instance = %+v", o)
			}

			after := f.reload(t, tpl.ID)
			if !after.NextOccurrenceDate.Equal(day(2024, 3, 15).Time) {
				t.Errorf("next occurrence = %s, want 2024-03-15", after.NextOccurrenceDate)
			}
			if len(after.GeneratedInstanceIDs) != 1 || after.GeneratedInstanceIDs[0] != o.ID {
				t.Errorf("GeneratedInstanceIDs = %v, want [%s]", after.GeneratedInstanceIDs, o.ID)
			}
			if after.LastGeneratedDate == nil || !after.LastGeneratedDate.Equal(at(2024, 2, 16)) {
				t.Errorf("LastGeneratedDate = %v", after.LastGeneratedDate)
			}

			again, err := f.processor.ProcessDue(ctx, at(2024, 2, 16))
			if err != nil {
				t.Fatal(err)
			}
			if again.Generated != 0 || len(f.instances(t, tpl.ID)) != 1 {
				t.Errorf("second run generated again: %+v", again)
			}
		})
	}
}

func TestConcurrentTicksGenerateOnce(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, open(t))
			ctx := context.Background()
			tpl := f.template(t, monthlyDebt(day(2024, 1, 15), 1000))
			g := f.ledger(t, "Group")
			grouped := monthlyDebt(day(2024, 1, 10), 700)
			grouped.Fields.GroupID = &g.ID
			gtpl := f.template(t, grouped)

			var (
				wg    sync.WaitGroup
				mu    sync.Mutex
				total int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := f.processor.ProcessDue(ctx, at(2024, 2, 20))
					if err != nil {
						t.Error(err)
						return
					}
					mu.Lock()
					total += res.Generated
					mu.Unlock()
				}()
			}
			wg.Wait()

			if total != 2 {
				t.Errorf("generated %d instances across ticks, want 2", total)
			}
			if n := len(f.instances(t, tpl.ID)); n != 1 {
				t.Errorf("template %s has %d instances, want 1", tpl.ID, n)
			}
			if n := len(f.instances(t, gtpl.ID)); n != 1 {
				t.Errorf("template %s has %d instances, want 1", gtpl.ID, n)
			}
			l := checkAggregate(t, f.store, g.ID)
			if l.TotalAmount.Cents != 700 {
				t.Errorf("ledger total = %d, want 700", l.TotalAmount.Cents)
			}
		})
	}
}

func TestEndDatePassedDeactivatesWithoutGenerating(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	end := day(2024, 1, 1)
	tpl := core.Template{
		ID:                   "tpl-ended",
		OwnerID:              owner,
		SubjectKind:          core.SubjectGroup,
		Fields:               core.TemplateFields{Name: "Monthly dinner"},
		Frequency:            core.Monthly,
		StartDate:            day(2023, 12, 5),
		EndDate:              &end,
		IsActive:             true,
		NextOccurrenceDate:   day(2024, 1, 5),
		GeneratedInstanceIDs: []string{},
	}
	if err := f.store.InTx(ctx, func(tx storage.Tx) error { return tx.InsertTemplate(ctx, tpl) }); err != nil {
		t.Fatal(err)
	}

	res, err := f.processor.ProcessDue(ctx, at(2024, 2, 1))
	if err != nil {
		t.Fatal(err)
	}
	if res.Deactivated != 1 || res.Generated != 0 {
		t.Errorf("result = %+v, want one deactivation and nothing generated", res)
	}
	after := f.reload(t, tpl.ID)
	if after.IsActive || len(after.GeneratedInstanceIDs) != 0 {
		t.Errorf("template after = %+v", after)
	}
	if ledgers, _ := f.store.ListLedgers(ctx, owner); len(ledgers) != 0 {
		t.Errorf("ledgers generated past end date: %v", ledgers)
	}
}

func TestLastInstanceBeforeEndDate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := monthlyDebt(day(2024, 1, 10), 100)
	end := day(2024, 3, 10)
	in.EndDate = &end
	tpl := f.template(t, in)

	res, err := f.processor.ProcessDue(ctx, at(2024, 2, 10))
	if err != nil {
		t.Fatal(err)
	}
	if res.Generated != 1 || res.Deactivated != 1 {
		t.Errorf("result = %+v, want generated and deactivated", res)
	}
	after := f.reload(t, tpl.ID)
	if after.IsActive {
		t.Error("template should be inactive once its next occurrence reaches the end date")
	}
	if res, _ := f.processor.ProcessDue(ctx, at(2024, 3, 11)); res.Checked != 0 {
		t.Errorf("inactive template was picked up: %+v", res)
	}
}

func TestGroupTemplateGeneratesLedger(t *testing.T) {
	tests := []struct {
		name    string
		members []core.MemberDefinition
		total   int64
	}{
		{"two members", []core.MemberDefinition{
			{DebtorName: "Anna", Amount: euros(30)},
			{DebtorName: "Bruno", Amount: euros(70)},
		}, 10000},
		{"no members", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()
			tpl := f.template(t, NewTemplate{
				SubjectKind: core.SubjectGroup,
				Fields:      core.TemplateFields{Name: "Rent", Members: tt.members},
				Frequency:   core.Monthly,
				StartDate:   day(2024, 1, 1),
			})

			if _, err := f.processor.ProcessDue(ctx, at(2024, 2, 1)); err != nil {
				t.Fatal(err)
			}
			after := f.reload(t, tpl.ID)
			if len(after.GeneratedInstanceIDs) != 1 {
				t.Fatalf("GeneratedInstanceIDs = %v", after.GeneratedInstanceIDs)
			}
			l := checkAggregate(t, f.store, after.GeneratedInstanceIDs[0])
			if l.Name != "Rent" || l.Recurrence == nil || l.Recurrence.TemplateID != tpl.ID {
				t.Errorf("ledger = %+v", l)
			}
			if l.TotalAmount.Cents != tt.total || l.PaidAmount.Cents != 0 || l.IsCompleted {
				t.Errorf("aggregate = total %d paid %d completed %v", l.TotalAmount.Cents, l.PaidAmount.Cents, l.IsCompleted)
			}
			if len(l.MemberIDs) != len(tt.members) {
				t.Errorf("MemberIDs = %v, want %d", l.MemberIDs, len(tt.members))
			}
		})
	}
}

func TestCatchUpIsOnePeriodPerTick(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tpl := f.template(t, monthlyDebt(day(2023, 12, 15), 100))
	now := at(2024, 6, 1)

	for tick := 1; tick <= 6; tick++ {
		if _, err := f.processor.ProcessDue(ctx, now); err != nil {
			t.Fatal(err)
		}
	}

	got := f.instances(t, tpl.ID)
	if len(got) != 5 {
		t.Fatalf("instances = %d, want 5 (Jan to May)", len(got))
	}
	for i, o := range got {
		if o.Recurrence.InstanceIndex != i {
			t.Errorf("instance %d has index %d", i, o.Recurrence.InstanceIndex)
		}
	}
	if next := f.reload(t, tpl.ID).NextOccurrenceDate; !next.Equal(day(2024, 6, 15).Time) {
		t.Errorf("next occurrence = %s, want 2024-06-15", next)
	}
}

func TestMonthEndAnchorSurvivesShortMonth(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tpl := f.template(t, monthlyDebt(day(2024, 1, 31), 100))
	if !tpl.NextOccurrenceDate.Equal(day(2024, 2, 29).Time) {
		t.Fatalf("first occurrence = %s, want 2024-02-29", tpl.NextOccurrenceDate)
	}
	if _, err := f.processor.ProcessDue(ctx, at(2024, 3, 1)); err != nil {
		t.Fatal(err)
	}
	if next := f.reload(t, tpl.ID).NextOccurrenceDate; !next.Equal(day(2024, 3, 31).Time) {
		t.Errorf("next occurrence = %s, want 2024-03-31", next)
	}
}

func TestConflictIsRetriedWithoutDuplicates(t *testing.T) {
	flaky := &flakyStore{Store: memory.New()}
	f := newFixture(t, flaky)
	ctx := context.Background()
	tpl := f.template(t, monthlyDebt(day(2024, 1, 15), 100))

	flaky.conflictUpdates.Store(1)
	res, err := f.processor.ProcessDue(ctx, at(2024, 2, 16))
	if err != nil {
		t.Fatal(err)
	}
	if res.Generated != 1 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	if n := len(f.instances(t, tpl.ID)); n != 1 {
		t.Errorf("instances = %d, want 1", n)
	}
}

func TestFailedTemplateDoesNotStopOthers(t *testing.T) {
	flaky := &flakyStore{Store: memory.New()}
	f := newFixture(t, flaky)
	ctx := context.Background()
	g := f.ledger(t, "Shared")
	in := monthlyDebt(day(2024, 1, 15), 100)
	in.Fields.GroupID = &g.ID
	broken := f.template(t, in)
	healthy := f.template(t, monthlyDebt(day(2024, 1, 15), 200))

	flaky.insertFailsFor = broken.ID
	res, err := f.processor.ProcessDue(ctx, at(2024, 2, 16))
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || res.Generated != 1 {
		t.Errorf("result = %+v, want one failed and one generated", res)
	}

	b := f.reload(t, broken.ID)
	if !b.NextOccurrenceDate.Equal(day(2024, 2, 15).Time) || len(b.GeneratedInstanceIDs) != 0 {
		t.Errorf("failed template advanced: %+v", b)
	}
	if n := len(f.instances(t, healthy.ID)); n != 1 {
		t.Errorf("healthy template instances = %d, want 1", n)
	}
	if l := checkAggregate(t, f.store, g.ID); len(l.MemberIDs) != 0 {
		t.Errorf("failed generation leaked into ledger: %+v", l)
	}

	flaky.insertFailsFor = ""
	if res, _ := f.processor.ProcessDue(ctx, at(2024, 2, 16)); res.Generated != 1 {
		t.Errorf("retry on next tick = %+v, want one generated", res)
	}
	if l := checkAggregate(t, f.store, g.ID); l.TotalAmount.Cents != 100 {
		t.Errorf("ledger total = %d, want 100", l.TotalAmount.Cents)
	}
}

func TestDeletedTemplateLedgerGeneratesUngrouped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	g := f.ledger(t, "Gone")
	in := monthlyDebt(day(2024, 1, 15), 100)
	in.Fields.GroupID = &g.ID
	tpl := f.template(t, in)
	if err := f.ledgers.Delete(ctx, owner, g.ID, false); err != nil {
		t.Fatal(err)
	}

	if res, err := f.processor.ProcessDue(ctx, at(2024, 2, 16)); err != nil || res.Generated != 1 {
		t.Fatalf("ProcessDue = %+v, %v", res, err)
	}
	got := f.instances(t, tpl.ID)
	if len(got) != 1 || got[0].GroupID != nil {
		t.Errorf("instance = %+v, want one ungrouped obligation", got)
	}
}

// vanishingStore lists a due template that no longer exists.
type vanishingStore struct {
	storage.Store
	ghost core.Template
}

func (s *vanishingStore) ListDueTemplates(ctx context.Context, now time.Time) ([]core.Template, error) {
	due, err := s.Store.ListDueTemplates(ctx, now)
	return append(due, s.ghost), err
}

func TestVanishedTemplateIsSkipped(t *testing.T) {
	store := &vanishingStore{Store: memory.New(), ghost: core.Template{ID: "ghost", OwnerID: owner}}
	f := newFixture(t, store)
	res, err := f.processor.ProcessDue(context.Background(), at(2024, 2, 16))
	if err != nil {
		t.Fatal(err)
	}
	if res.Checked != 1 || res.Skipped != 1 || res.Failed != 0 {
		t.Errorf("result = %+v, want one skipped", res)
	}
}

func TestProcessDuePublishesEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.template(t, monthlyDebt(day(2024, 1, 15), 100))
	before := len(f.pub.types())
	if _, err := f.processor.ProcessDue(context.Background(), at(2024, 2, 16)); err != nil {
		t.Fatal(err)
	}
	got := f.pub.types()[before:]
	want := []string{"obligation.created", "template.generated"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestStepState(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		from, to core.TemplateState
		wantErr  bool
	}{
		{"due to generating", core.StateDue, core.StateGenerating, false},
		{"generating to advanced", core.StateGenerating, core.StateAdvanced, false},
		{"advanced to active", core.StateAdvanced, core.StateActive, false},
		{"advanced to inactive", core.StateAdvanced, core.StateInactive, false},
		{"due to inactive", core.StateDue, core.StateInactive, false},
		{"active skips generating", core.StateActive, core.StateGenerating, true},
		{"due skips advanced", core.StateDue, core.StateAdvanced, true},
		{"inactive is terminal", core.StateInactive, core.StateDue, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := stepState(ctx, "tmpl-1", tt.from, tt.to)
			if tt.wantErr {
				if !errors.Is(err, core.ErrInvalidTransition) {
					t.Fatalf("stepState() error = %v, want ErrInvalidTransition", err)
				}
				if got != tt.from {
					t.Errorf("stepState() = %s, want unchanged %s", got, tt.from)
				}
				if isTransient(err) {
					t.Error("invalid transition must not be retried")
				}
				return
			}
			if err != nil {
				t.Fatalf("stepState() error = %v", err)
			}
			if got != tt.to {
				t.Errorf("stepState() = %s, want %s", got, tt.to)
			}
		})
	}
}
