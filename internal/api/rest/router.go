package rest

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tutorgate/platform-trust-core/internal/infrastructure/telemetry"
	"github.com/tutorgate/platform-trust-core/internal/service/csrf"
	"github.com/tutorgate/platform-trust-core/internal/service/ratelimit"
)

// RouterConfig bundles the router's cross-cutting dependencies.
type RouterConfig struct {
	Logger     *zap.Logger
	Auth       *AuthMiddleware
	CSRF       *csrf.Service
	Limiter    *ratelimit.Service
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// NewRouter assembles the HTTP surface. The outer chain runs on every
// request; per-group limiter rules wrap individual route sets.
func NewRouter(h *Handlers, cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	apiLimit := RuleRateLimit(cfg.Limiter, ratelimit.RuleAPI, cfg.Logger)
	contactLimit := RuleRateLimit(cfg.Limiter, ratelimit.RuleContact, cfg.Logger)
	enrollLimit := RuleRateLimit(cfg.Limiter, ratelimit.RuleEnrollment, cfg.Logger)

	// Unauthenticated infrastructure endpoints.
	mux.HandleFunc("GET /healthz", h.Health)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	// Security surface.
	mux.Handle("GET /api/security/csrf-token", apiLimit(http.HandlerFunc(h.CSRFToken)))
	mux.Handle("GET /api/security/dashboard", apiLimit(http.HandlerFunc(h.Dashboard)))
	mux.Handle("GET /api/security/audit-report", apiLimit(http.HandlerFunc(h.AuditReport)))
	mux.Handle("POST /api/security/alerts/{id}/ack", apiLimit(http.HandlerFunc(h.AcknowledgeAlert)))
	mux.Handle("GET /api/security/keys", apiLimit(http.HandlerFunc(h.EncryptionKeys)))
	mux.Handle("POST /api/security/keys/{id}/revoke", apiLimit(http.HandlerFunc(h.RevokeEncryptionKey)))

	// Public form intake, each under its own submission budget.
	mux.Handle("POST /api/forms/contact", contactLimit(http.HandlerFunc(h.ContactForm)))
	mux.Handle("POST /api/forms/enroll", enrollLimit(http.HandlerFunc(h.EnrollmentForm)))

	chain := NewMiddlewareChain(
		RecoveryMiddleware(cfg.Logger),
		RequestIDMiddleware(),
		SecurityHeadersMiddleware(),
		MetricsMiddleware(cfg.Registerer),
		TracingMiddleware(telemetry.Tracer("api.rest")),
		NewSmoothingLimiter(50, 100).Middleware(),
		cfg.Auth.Middleware(),
		CSRFMiddleware(cfg.CSRF, cfg.Logger),
	)
	return chain.Then(mux)
}
