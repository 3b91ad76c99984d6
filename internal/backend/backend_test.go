package backend

import (
	"context"
	"path/filepath"
	"testing"

	"debts/internal/config"
	"debts/internal/storage/memory"
	"debts/internal/storage/sqlite"
)

func TestFromAppConfig(t *testing.T) {
	if _, err := FromAppConfig(nil); err == nil {
		t.Error("nil config should fail")
	}
	if _, err := FromAppConfig(&config.Config{DataBackend: "sheets"}); err == nil {
		t.Error("unknown backend should fail")
	}

	got, err := FromAppConfig(&config.Config{
		DataBackend:       "postgres",
		DatabaseURL:       "postgres://localhost/debts",
		PGMaxConns:        7,
		AMQPReminderQueue: "reminders",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != PostgresBackend || got.PGMaxConns != 7 || got.AMQPReminderQueue != "reminders" {
		t.Errorf("FromAppConfig() = %+v", got)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"memory", Config{Type: MemoryBackend}, false},
		{"sqlite with path", Config{Type: SQLiteBackend, SQLiteDBPath: "x.db"}, false},
		{"sqlite without path", Config{Type: SQLiteBackend}, true},
		{"postgres without url", Config{Type: PostgresBackend}, true},
		{"unknown", Config{Type: "sheets"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateStore(t *testing.T) {
	f := NewFactory(nil)
	ctx := context.Background()

	mem, err := f.CreateStore(ctx, Config{Type: MemoryBackend})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := mem.Store.(*memory.Store); !ok {
		t.Errorf("memory backend returned %T", mem.Store)
	}

	lite, err := f.CreateStore(ctx, Config{Type: SQLiteBackend, SQLiteDBPath: filepath.Join(t.TempDir(), "debts.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer lite.Cleanup()
	if _, ok := lite.Store.(*sqlite.Repository); !ok {
		t.Errorf("sqlite backend returned %T", lite.Store)
	}
	if err := lite.Store.Ping(ctx); err != nil {
		t.Errorf("Ping() = %v", err)
	}
}

func TestCreateAMQPClientDisabled(t *testing.T) {
	client, err := NewFactory(nil).CreateAMQPClient(Config{Type: MemoryBackend})
	if err != nil || client != nil {
		t.Fatalf("CreateAMQPClient() = %v, %v; want nil, nil", client, err)
	}
}
