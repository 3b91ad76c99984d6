// This file implements utilities for parsing and validating HTTP request
// data: JSON bodies, path parameters and list filters.

package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"debts/internal/storage"
)

const maxBodyBytes = 1 << 20

// requestError is a malformed request. It always maps to 400.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// readBody reads at most maxBodyBytes of the request body.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, badRequest("cannot read request body")
	}
	if len(body) > maxBodyBytes {
		return nil, badRequest("request body too large (max %d bytes)", maxBodyBytes)
	}
	return body, nil
}

// decodeJSON decodes exactly one JSON value into dst. Unknown fields are
// rejected so typos do not silently drop data.
func decodeJSON(r *http.Request, dst any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	// Restore the body for anything downstream that wants it again.
	r.Body = io.NopCloser(bytes.NewReader(body))

	if len(bytes.TrimSpace(body)) == 0 {
		return badRequest("request body is empty")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syntaxErr):
			return badRequest("malformed JSON at offset %d", syntaxErr.Offset)
		case errors.As(err, &typeErr):
			return badRequest("field %q has the wrong type", typeErr.Field)
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			return badRequest("unknown field %s", strings.TrimPrefix(err.Error(), "json: unknown field "))
		default:
			return badRequest("invalid request body: %v", err)
		}
	}
	if dec.More() {
		return badRequest("request body must contain a single JSON value")
	}
	return nil
}

// pathID returns a chi URL parameter, sanitized.
func pathID(r *http.Request, name string) (string, error) {
	id := sanitizeInput(chi.URLParam(r, name))
	if id == "" {
		return "", badRequest("%s is required", name)
	}
	return id, nil
}

// parseBoolParam parses an optional boolean query parameter.
func parseBoolParam(q url.Values, key string) (*bool, error) {
	v := strings.TrimSpace(q.Get(key))
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, badRequest("%s must be true or false", key)
	}
	return &b, nil
}

// parseObligationFilter reads the list filters of GET /obligations.
func parseObligationFilter(q url.Values) (storage.ObligationFilter, error) {
	var f storage.ObligationFilter

	paid, err := parseBoolParam(q, "paid")
	if err != nil {
		return f, err
	}
	f.Paid = paid

	ungrouped, err := parseBoolParam(q, "ungrouped")
	if err != nil {
		return f, err
	}
	if ungrouped != nil {
		f.Ungrouped = *ungrouped
	}

	if group := sanitizeInput(q.Get("group_id")); group != "" {
		if f.Ungrouped {
			return f, badRequest("group_id and ungrouped are mutually exclusive")
		}
		f.GroupID = &group
	}
	f.DebtorName = sanitizeInput(q.Get("debtor"))
	f.TemplateID = sanitizeInput(q.Get("template_id"))
	return f, nil
}
