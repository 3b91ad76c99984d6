package http

import (
	"errors"
	"net/http"
	"strings"

	applog "debts/internal/log"
)

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}

// respond writes v as JSON with the given status.
func respond(w http.ResponseWriter, status int, v any) {
	NewResponse().Status(status).JSON(v).Write(w)
}

// respondError maps err to a response. Server-side failures are logged with
// their cause; client errors are logged by the access log only.
func respondError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		BadRequestError(reqErr.msg).Write(w)
		return
	}

	resp := FromError(err)
	if resp.StatusCode() >= http.StatusInternalServerError {
		applog.LogError(r.Context(), "Request failed", err, applog.ComponentHTTP, op,
			applog.NewFields().
				WithErrorType(errorType(err)).
				WithOwner(ownerFromContext(r.Context())))
	}
	resp.Write(w)
}
