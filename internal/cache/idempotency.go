package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"
)

// Response is a recorded HTTP response that can be replayed.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// IdempotencyState is the outcome of claiming an idempotency key.
type IdempotencyState int

const (
	// IdempotencyNew means the caller owns the key and must Complete or
	// Release it.
	IdempotencyNew IdempotencyState = iota
	// IdempotencyReplay means a response was recorded for the same request.
	IdempotencyReplay
	// IdempotencyMismatch means the key was used with a different payload.
	IdempotencyMismatch
	// IdempotencyInFlight means another request holding the key has not
	// finished yet.
	IdempotencyInFlight
)

type idempotencyEntry struct {
	fingerprint string
	response    *Response
}

// IdempotencyStore remembers the responses of mutating requests per owner
// and Idempotency-Key header.
type IdempotencyStore struct {
	entries *LRUCache[*idempotencyEntry]
}

// NewIdempotencyStore keeps at most maxEntries responses for ttl.
func NewIdempotencyStore(maxEntries int, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{entries: NewLRUCache[*idempotencyEntry](maxEntries, ttl)}
}

// WithClock replaces the time source. Used by tests.
func (s *IdempotencyStore) WithClock(now func() time.Time) *IdempotencyStore {
	s.entries.WithClock(now)
	return s
}

// Key scopes an Idempotency-Key header to its owner and route.
func Key(owner, method, route, header string) string {
	return owner + "\x00" + method + "\x00" + route + "\x00" + header
}

// Fingerprint hashes a request body.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Claim reserves key for a request with the given fingerprint. On
// IdempotencyReplay the recorded response is returned.
func (s *IdempotencyStore) Claim(key, fingerprint string) (*Response, IdempotencyState) {
	entry, stored := s.entries.SetIfAbsent(key, &idempotencyEntry{fingerprint: fingerprint})
	switch {
	case stored:
		return nil, IdempotencyNew
	case entry.fingerprint != fingerprint:
		return nil, IdempotencyMismatch
	case entry.response == nil:
		return nil, IdempotencyInFlight
	default:
		return entry.response, IdempotencyReplay
	}
}

// Complete records the response of a claimed key. Server errors release the
// key instead so the client can retry.
func (s *IdempotencyStore) Complete(key, fingerprint string, resp Response) {
	if resp.Status >= http.StatusInternalServerError {
		s.Release(key)
		return
	}
	s.entries.Set(key, &idempotencyEntry{fingerprint: fingerprint, response: &resp})
}

// Release forgets a claimed key.
func (s *IdempotencyStore) Release(key string) {
	s.entries.Delete(key)
}

// CleanExpired implements Cleaner.
func (s *IdempotencyStore) CleanExpired() int {
	return s.entries.CleanExpired()
}

// Size returns the number of remembered keys.
func (s *IdempotencyStore) Size() int {
	return s.entries.Size()
}
