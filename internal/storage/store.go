// Package storage defines the persistence contract shared by the sqlite,
// postgres and memory backends.
//
// Every mutation runs inside InTx. A transaction either commits as a whole or
// leaves no trace, so a mutation and the reconciliation of the ledgers it
// touches are always observed together.
package storage

import (
	"context"
	"time"

	"debts/internal/core"
)

// ObligationFilter narrows ListObligations. Zero values match everything.
type ObligationFilter struct {
	GroupID    *string
	Ungrouped  bool
	Paid       *bool
	DebtorName string
	TemplateID string
}

// Reader holds point reads and predicate queries. All reads are owner scoped
// except ListDueTemplates, which the scheduler runs across owners.
type Reader interface {
	GetObligation(ctx context.Context, ownerID, id string) (core.Obligation, error)
	ListObligations(ctx context.Context, ownerID string, f ObligationFilter) ([]core.Obligation, error)

	GetLedger(ctx context.Context, ownerID, id string) (core.Ledger, error)
	ListLedgers(ctx context.Context, ownerID string) ([]core.Ledger, error)

	GetTemplate(ctx context.Context, ownerID, id string) (core.Template, error)
	ListTemplates(ctx context.Context, ownerID string) ([]core.Template, error)
	// ListDueTemplates returns active templates whose next occurrence is on or
	// before now, for every owner.
	ListDueTemplates(ctx context.Context, now time.Time) ([]core.Template, error)
}

// Writer holds the mutations. Update and delete of a missing row return a
// core.NotFoundError.
type Writer interface {
	InsertObligation(ctx context.Context, o core.Obligation) error
	UpdateObligation(ctx context.Context, o core.Obligation) error
	DeleteObligation(ctx context.Context, ownerID, id string) error

	InsertLedger(ctx context.Context, l core.Ledger) error
	UpdateLedger(ctx context.Context, l core.Ledger) error
	DeleteLedger(ctx context.Context, ownerID, id string) error

	InsertTemplate(ctx context.Context, t core.Template) error
	// UpdateTemplate is a compare-and-set on NextOccurrenceDate: the row is
	// written only if its stored next occurrence equals expectedNext.
	// A miss returns core.ErrConflict.
	UpdateTemplate(ctx context.Context, t core.Template, expectedNext core.Date) error
}

// Tx is the view of the store inside a transaction.
type Tx interface {
	Reader
	Writer
}

// Store is a transactional obligation store.
type Store interface {
	Reader
	// InTx runs fn in a transaction. The transaction commits when fn returns
	// nil and rolls back otherwise. Serialization failures surface as
	// core.ErrConflict. fn must not use the Store's own Reader methods.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}
