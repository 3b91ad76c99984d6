package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	applog "debts/internal/log"
)

// OwnerHeader names the owner when authentication is disabled.
const OwnerHeader = "X-Owner-ID"

type contextKey string

const ownerContextKey = contextKey("ownerID")

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrMissingToken = errors.New("authorization token required")
)

// TokenManager issues and validates HS256 bearer tokens. The owner id is the
// subject claim.
type TokenManager struct {
	secretKey     []byte
	tokenDuration time.Duration
	now           func() time.Time
}

// NewTokenManager creates a manager for the given shared secret.
func NewTokenManager(secretKey string, tokenDuration time.Duration) *TokenManager {
	return &TokenManager{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
		now:           time.Now,
	}
}

// Generate creates a token for ownerID.
func (m *TokenManager) Generate(ownerID string) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("owner id is required")
	}
	now := m.now()
	claims := jwt.RegisteredClaims{
		Subject:   ownerID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate parses a token and returns its owner id.
func (m *TokenManager) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&jwt.RegisteredClaims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.secretKey, nil
		},
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// AuthMiddleware resolves the owner of every request. With a nil manager
// the owner is taken from the X-Owner-ID header, for local development.
func AuthMiddleware(m *TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner, err := resolveOwner(m, r)
			if err != nil {
				applog.FromContext(r.Context()).WithComponent(applog.ComponentAuth).
					WarnContext(r.Context(), "Request rejected",
						applog.FieldError, err.Error(),
						applog.FieldErrorType, applog.ErrorTypeAuth,
						applog.FieldPath, r.URL.Path)
				UnauthorizedError(err.Error()).Write(w)
				return
			}

			recordOwner(r.Context(), owner)
			logger := applog.FromContext(r.Context()).With(applog.FieldOwnerID, owner)
			ctx := context.WithValue(r.Context(), ownerContextKey, owner)
			ctx = applog.NewContext(ctx, logger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolveOwner(m *TokenManager, r *http.Request) (string, error) {
	if m == nil {
		owner := sanitizeInput(r.Header.Get(OwnerHeader))
		if owner == "" {
			return "", fmt.Errorf("%s header required", OwnerHeader)
		}
		return owner, nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrMissingToken
	}
	tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found || tokenString == "" {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	return m.Validate(tokenString)
}

// ownerFromContext returns the authenticated owner, or "" outside the
// authenticated routes.
func ownerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerContextKey).(string)
	return owner
}
