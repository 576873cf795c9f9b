package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HailBahafi/KeyGuard-sub002/internal/audit"
	"github.com/HailBahafi/KeyGuard-sub002/internal/handler"
	"github.com/HailBahafi/KeyGuard-sub002/internal/middleware"
	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
	"github.com/HailBahafi/KeyGuard-sub002/internal/pkg/response"
	"github.com/HailBahafi/KeyGuard-sub002/internal/signature"
)

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SignatureChecker verifies signed envelopes, with and without recording the
// nonce.
type SignatureChecker interface {
	Verify(ctx context.Context, env *signature.Envelope, body []byte) (*models.Device, error)
	Check(ctx context.Context, env *signature.Envelope, body []byte) (*models.Device, error)
}

// RouterConfig holds everything the HTTP surface needs.
type RouterConfig struct {
	Logger        *slog.Logger
	CORSOrigins   []string
	MaxBodyBytes  int64
	ExposeReasons bool
	AdminToken    string

	Verifier   SignatureChecker
	Enrollment handler.EnrollmentService
	Forwarder  handler.Forwarder
	Audit      audit.Recorder

	// Limiter is optional; nil disables rate limiting.
	Limiter   middleware.Limiter
	RateLimit middleware.RateLimitConfig

	// Ready maps component names to readiness checks.
	Ready map[string]Pinger
}

// NewRouter assembles the gateway routes.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(cfg.Ready))
	r.Handle("/metrics", promhttp.Handler())

	enroll := handler.NewEnrollmentHandler(cfg.Enrollment, logger)
	admin := handler.NewAdminHandler(cfg.Enrollment, logger)
	verify := handler.NewVerifyHandler(cfg.Verifier, handler.VerifyConfig{
		MaxBodyBytes:  cfg.MaxBodyBytes,
		ExposeReasons: cfg.ExposeReasons,
		Logger:        logger,
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(30 * time.Second))

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			response.OK(w, map[string]string{
				"name":    "KeyGuard Gateway",
				"version": "1.0.0",
			})
		})
		r.Mount("/devices", enroll.Routes())
		r.Method(http.MethodPost, "/verify", verify)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminToken(cfg.AdminToken))
			r.Mount("/admin", admin.Routes())
		})
	})

	// Streamed completions can outlive any fixed request timeout; the
	// forwarder enforces its own limits.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Signature(cfg.Verifier, middleware.SignatureConfig{
			MaxBodyBytes: cfg.MaxBodyBytes,
			Audit:        cfg.Audit,
			Logger:       logger,
		}))
		if cfg.Limiter != nil {
			r.Use(middleware.RateLimit(cfg.Limiter, cfg.RateLimit, logger))
		}
		r.Handle("/proxy/{provider}/*", handler.NewProxyHandler(cfg.Forwarder))
	})

	return r
}

// healthHandler succeeds whenever the process is serving.
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	response.Raw(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyHandler reports 503 naming the first dependency that fails to answer.
func readyHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok"}
		for name, p := range checks {
			if err := p.Ping(ctx); err != nil {
				response.Raw(w, http.StatusServiceUnavailable, map[string]string{
					"status":    "error",
					"component": name,
				})
				return
			}
			status[name] = "connected"
		}
		response.Raw(w, http.StatusOK, status)
	}
}
