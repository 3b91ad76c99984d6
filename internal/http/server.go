package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"debts/internal/cache"
	applog "debts/internal/log"
	"debts/internal/metrics"
	"debts/internal/middleware/ratelimit"
	"debts/internal/middleware/security"
	"debts/internal/services"
)

const (
	defaultRequestTimeout = 30 * time.Second
	idempotencyMaxEntries = 10000
	cacheCleanupInterval  = 10 * time.Minute
)

// Services are the operations exposed over HTTP.
type Services struct {
	Obligations *services.ObligationService
	Ledgers     *services.LedgerService
	Templates   *services.TemplateService
	Reminders   *services.ReminderService
}

// Pinger reports store health for /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the server's collaborators and limits. Zero values disable
// the optional features.
type Config struct {
	Addr string
	// Tokens validates bearer tokens. Nil falls back to the X-Owner-ID header.
	Tokens         *TokenManager
	IdempotencyTTL time.Duration
	CORSOrigins    []string
	// RateLimit is requests per minute per owner. Zero disables limiting.
	RateLimit      int
	RequestTimeout time.Duration
	Logger         *applog.Logger
	Metrics        *metrics.Metrics
	Store          Pinger
}

type Server struct {
	http.Server

	svc          Services
	cfg          Config
	idempotency  *cache.IdempotencyStore
	cacheManager *cache.Manager
	limiter      *ratelimit.Limiter
	shutdownOnce sync.Once
}

// NewServer configures routes and returns a ready-to-run server.
func NewServer(svc Services, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = applog.FromContext(context.Background())
	}

	s := &Server{svc: svc, cfg: cfg}

	if cfg.IdempotencyTTL > 0 {
		s.idempotency = cache.NewIdempotencyStore(idempotencyMaxEntries, cfg.IdempotencyTTL)
		s.cacheManager = cache.NewManager(cfg.Logger.Logger)
		s.cacheManager.Register("idempotency", s.idempotency)
		s.cacheManager.StartCleanup(cacheCleanupInterval)
	}
	if cfg.RateLimit > 0 {
		s.limiter = ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: cfg.RateLimit})
	}

	s.Server = http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(applog.Middleware(s.cfg.Logger))
	r.Use(applog.RequestIDMiddleware(func(r *http.Request) string {
		return middleware.GetReqID(r.Context())
	}))
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)
	r.Use(security.Headers(security.DefaultHeadersConfig()))
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", IdempotencyHeader, OwnerHeader},
			ExposedHeaders: []string{"Retry-After", idempotentReplayHeader},
			MaxAge:         300,
		}))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		NotFoundError("route not found").Write(w)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		MethodNotAllowedError().Write(w)
	})

	r.Get("/healthz", handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		r.Use(AuthMiddleware(s.cfg.Tokens))
		if s.limiter != nil {
			r.Use(s.limiter.Middleware(func(r *http.Request) string {
				return ownerFromContext(r.Context())
			}, func(w http.ResponseWriter, r *http.Request) {
				ErrorResponse(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded, try again later").Write(w)
			}))
		}
		r.Use(idempotent(s.idempotency))

		r.Route("/obligations", func(r chi.Router) {
			r.Get("/", s.handleListObligations)
			r.Post("/", s.handleCreateObligation)
			r.Post("/batch", s.handleCreateObligationBatch)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetObligation)
				r.Patch("/", s.handleUpdateObligation)
				r.Delete("/", s.handleDeleteObligation)
				r.Put("/paid", s.handleSetPaid)
				r.Put("/group", s.handleReassignGroup)
				r.Post("/remind", s.handleRemind)
			})
		})

		r.Route("/ledgers", func(r chi.Router) {
			r.Get("/", s.handleListLedgers)
			r.Post("/", s.handleCreateLedger)
			r.Post("/reconcile", s.handleReconcileAll)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetLedger)
				r.Delete("/", s.handleDeleteLedger)
				r.Get("/members", s.handleLedgerMembers)
				r.Post("/reconcile", s.handleReconcileLedger)
			})
		})

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", s.handleListTemplates)
			r.Post("/", s.handleCreateTemplate)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTemplate)
				r.Delete("/", s.handleCancelTemplate)
				r.Post("/cancel", s.handleCancelTemplate)
			})
		})
	})

	return r
}

// instrument records metrics and the access log for every request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		// The owner is only known after auth ran further down the chain.
		var owner string
		r = r.WithContext(context.WithValue(r.Context(), ownerSinkKey, &owner))

		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := routePattern(r)
			elapsed := time.Since(start)
			s.cfg.Metrics.ObserveHTTP(r.Method, route, status, elapsed)
			applog.LogHTTPEnd(r.Context(), r, route, status, elapsed.Milliseconds(), owner)
		}()

		next.ServeHTTP(ww, r)
	})
}

type ownerSink struct{}

var ownerSinkKey = ownerSink{}

// recordOwner hands the authenticated owner back to instrument.
func recordOwner(ctx context.Context, owner string) {
	if sink, ok := ctx.Value(ownerSinkKey).(*string); ok {
		*sink = owner
	}
}

// routePattern returns the matched chi pattern, or "unmatched" so unknown
// paths do not blow up metric cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// Shutdown stops background routines and then the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if s.cacheManager != nil {
			s.cacheManager.Stop()
		}
		if s.limiter != nil {
			s.limiter.Stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Store.Ping(ctx); err != nil {
			applog.FromContext(r.Context()).WithComponent(applog.ComponentStorage).
				WarnContext(r.Context(), "Readiness check failed", applog.FieldError, err.Error())
			ErrorResponse(http.StatusServiceUnavailable, "unavailable", "store unavailable").Write(w)
			return
		}
	}
	respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
