package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"debts/internal/core"
	"debts/internal/storage"
	"debts/internal/storage/storetest"
)

// Set DEBTS_TEST_DATABASE_URL to a disposable database to run these tests.
func testDatabaseURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("DEBTS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("DEBTS_TEST_DATABASE_URL not set")
	}
	return url
}

func TestRepositoryContract(t *testing.T) {
	url := testDatabaseURL(t)
	storetest.Run(t, func(t *testing.T) storage.Store {
		ctx := context.Background()
		repo, err := NewRepository(ctx, url, PoolConfig{MaxConns: 4})
		if err != nil {
			t.Fatalf("NewRepository: %v", err)
		}
		if _, err := repo.pool.Exec(ctx, `TRUNCATE obligations, ledgers, templates`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() { repo.Close() })
		return repo
	})
}

func TestMapError(t *testing.T) {
	tests := []struct {
		code     string
		conflict bool
	}{
		{"40001", true},
		{"40P01", true},
		{"23505", false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := mapError(&pgconn.PgError{Code: tt.code})
			if got := errors.Is(err, core.ErrConflict); got != tt.conflict {
				t.Errorf("errors.Is(ErrConflict) = %v, want %v", got, tt.conflict)
			}
		})
	}
}
