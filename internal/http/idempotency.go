package http

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"debts/internal/cache"
	applog "debts/internal/log"
)

const (
	IdempotencyHeader       = "Idempotency-Key"
	idempotentReplayHeader  = "Idempotent-Replayed"
	maxIdempotencyKeyLength = 255
)

// recordingWriter passes the response through and keeps a copy.
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rw *recordingWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// idempotent replays the recorded response of a POST that repeats an
// Idempotency-Key with the same body. Requests without the header pass
// through untouched.
func idempotent(store *cache.IdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(IdempotencyHeader)
			if store == nil || r.Method != http.MethodPost || header == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(header) > maxIdempotencyKeyLength {
				BadRequestError(IdempotencyHeader + " too long (max " + strconv.Itoa(maxIdempotencyKeyLength) + " characters)").Write(w)
				return
			}

			body, err := readBody(r)
			if err != nil {
				respondError(w, r, applog.OpCreate, err)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			key := cache.Key(ownerFromContext(r.Context()), r.Method, r.URL.Path, header)
			fingerprint := cache.Fingerprint(body)

			recorded, state := store.Claim(key, fingerprint)
			switch state {
			case cache.IdempotencyReplay:
				if recorded.ContentType != "" {
					w.Header().Set("Content-Type", recorded.ContentType)
				}
				w.Header().Set(idempotentReplayHeader, "true")
				w.WriteHeader(recorded.Status)
				_, _ = w.Write(recorded.Body)
				return
			case cache.IdempotencyMismatch:
				UnprocessableEntityError(IdempotencyHeader + " was already used with a different request body").Write(w)
				return
			case cache.IdempotencyInFlight:
				ConflictError("a request with this " + IdempotencyHeader + " is still in progress").Write(w)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if p := recover(); p != nil {
					store.Release(key)
					panic(p)
				}
			}()
			next.ServeHTTP(rec, r)

			store.Complete(key, fingerprint, cache.Response{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			})
		})
	}
}
