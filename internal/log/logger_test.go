package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewHandlerFormats(t *testing.T) {
	for _, format := range []string{FormatText, FormatJSON, FormatTint, ""} {
		var buf bytes.Buffer
		h, err := NewHandler(&buf, slog.LevelInfo, format)
		if err != nil {
			t.Fatalf("NewHandler(%q): %v", format, err)
		}
		slog.New(h).Info("ledger reconciled", FieldLedgerID, "g1")
		if !strings.Contains(buf.String(), "g1") {
			t.Errorf("format %q did not write the record: %q", format, buf.String())
		}
	}

	if _, err := NewHandler(&bytes.Buffer{}, slog.LevelInfo, "xml"); err == nil {
		t.Error("NewHandler should reject unknown formats")
	}
}

func TestLoggerAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: slog.LevelDebug, Format: FormatJSON, Component: ComponentScheduler, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	logger.WithComponent(ComponentLedger).InfoContext(context.Background(), "done", FieldOwnerID, "u1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid JSON log line %q: %v", buf.String(), err)
	}
	if rec[FieldComponent] != ComponentLedger || rec[FieldOwnerID] != "u1" {
		t.Errorf("record = %v", rec)
	}
}

func TestMiddlewareCarriesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Config{Format: FormatJSON, Component: ComponentHTTP, Writer: &buf})

	h := Middleware(logger)(RequestIDMiddleware(func(r *http.Request) string {
		return r.Header.Get("X-Request-ID")
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		LogError(r.Context(), "boom", errors.New("disk full"), ComponentStorage, OpCreate, nil)
	})))

	req := httptest.NewRequest(http.MethodPost, "/obligations", nil)
	req.Header.Set("X-Request-ID", "req-42")
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, want := range []string{`"request_id":"req-42"`, `"error":"disk full"`, `"component":"storage"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q missing %s", out, want)
		}
	}
}
