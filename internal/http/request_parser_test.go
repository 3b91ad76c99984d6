package http

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"valid", `{"name":"Trip"}`, ""},
		{"empty", "   ", "request body is empty"},
		{"syntax", `{"name":`, "malformed JSON"},
		{"wrong type", `{"name":5}`, `field "name" has the wrong type`},
		{"unknown field", `{"title":"Trip"}`, `unknown field "title"`},
		{"two values", `{"name":"a"}{"name":"b"}`, "single JSON value"},
		{"too large", `{"name":"` + strings.Repeat("x", maxBodyBytes) + `"}`, "too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/ledgers", strings.NewReader(tt.body))
			var p payload
			err := decodeJSON(req, &p)
			if tt.wantErr == "" {
				if err != nil || p.Name != "Trip" {
					t.Fatalf("decodeJSON() = %v, %+v", err, p)
				}
				return
			}
			var reqErr *requestError
			if !errors.As(err, &reqErr) {
				t.Fatalf("decodeJSON() = %v, want a request error", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("decodeJSON() = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseObligationFilter(t *testing.T) {
	tests := []struct {
		query   string
		wantErr bool
	}{
		{query: "", wantErr: false},
		{query: "paid=false&debtor=Anna", wantErr: false},
		{query: "group_id=g1", wantErr: false},
		{query: "ungrouped=true", wantErr: false},
		{query: "paid=yes", wantErr: true},
		{query: "ungrouped=1&group_id=g1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			q, _ := url.ParseQuery(tt.query)
			_, err := parseObligationFilter(q)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseObligationFilter(%q) error = %v, wantErr %v", tt.query, err, tt.wantErr)
			}
		})
	}

	q, _ := url.ParseQuery("paid=false&group_id=%20g1%20&debtor=Anna&template_id=t1")
	f, err := parseObligationFilter(q)
	if err != nil {
		t.Fatal(err)
	}
	if f.Paid == nil || *f.Paid || f.GroupID == nil || *f.GroupID != "g1" || f.DebtorName != "Anna" || f.TemplateID != "t1" {
		t.Errorf("filter = %+v", f)
	}
}

func TestSanitizeInput(t *testing.T) {
	tests := map[string]string{
		"  Anna  ":        "Anna",
		"An\x00na":        "Anna",
		"line\nbreak":     "line\nbreak",
		"tab\tseparated ": "tab\tseparated",
	}
	for in, want := range tests {
		if got := sanitizeInput(in); got != want {
			t.Errorf("sanitizeInput(%q) = %q, want %q", in, got, want)
		}
	}
}
