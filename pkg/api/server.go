package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/tally/pkg/audit"
	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/costs"
	"github.com/platinummonkey/tally/pkg/ledger"
	"github.com/platinummonkey/tally/pkg/middleware"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/orgs"
)

// CheckoutStarter opens a payment-processor checkout session for a credit
// package. The full payment client lives outside this service; handlers only
// need the redirect URL back.
type CheckoutStarter interface {
	StartCheckout(ctx context.Context, userID string, pkg billing.CreditPackage, successURL, cancelURL string) (checkoutURL string, err error)
}

// Config carries the server's collaborators and settings.
type Config struct {
	Ledger        *ledger.Service
	Costs         *costs.Resolver
	Reconciler    *billing.Reconciler
	Checkout      CheckoutStarter
	Orgs          *orgs.Store
	Audit         *audit.Logger
	Sessions      middleware.SessionProvider
	RateLimiter   *middleware.DistributedRateLimiter
	Health        *observability.HealthChecker
	Logger        *observability.Logger
	WebhookSecret string

	// SignatureTolerance bounds how stale a webhook signature timestamp may
	// be. Zero means billing.DefaultSignatureTolerance.
	SignatureTolerance time.Duration

	// HistoryPreview is how many recent transactions GET /api/credits
	// inlines alongside the balance.
	HistoryPreview int
}

// Server is the credit API server.
type Server struct {
	router           *mux.Router
	ledger           *ledger.Service
	costs            *costs.Resolver
	reconciler       *billing.Reconciler
	checkout         CheckoutStarter
	orgs             *orgs.Store
	audit            *audit.Logger
	logger           *observability.Logger
	webhookSecret    string
	webhookTolerance time.Duration
	previewLimit     int
}

// NewServer creates the API server and wires its routes.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	previewLimit := cfg.HistoryPreview
	if previewLimit <= 0 {
		previewLimit = 10
	}
	tolerance := cfg.SignatureTolerance
	if tolerance <= 0 {
		tolerance = billing.DefaultSignatureTolerance
	}

	s := &Server{
		router:           mux.NewRouter(),
		ledger:           cfg.Ledger,
		costs:            cfg.Costs,
		reconciler:       cfg.Reconciler,
		checkout:         cfg.Checkout,
		orgs:             cfg.Orgs,
		audit:            cfg.Audit,
		logger:           logger,
		webhookSecret:    cfg.WebhookSecret,
		webhookTolerance: tolerance,
		previewLimit:     previewLimit,
	}
	s.setupRoutes(cfg)
	return s
}

// setupRoutes configures middleware chains and routes.
func (s *Server) setupRoutes(cfg Config) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(middleware.Recovery(s.logger))

	// Health probes and metrics bypass auth.
	if cfg.Health != nil {
		s.router.HandleFunc("/health/live", cfg.Health.Liveness).Methods("GET")
		s.router.HandleFunc("/health/ready", cfg.Health.Readiness).Methods("GET")
	}
	s.router.Handle("/metrics", observability.Handler()).Methods("GET")

	// The webhook authenticates with a payload signature, not a session.
	if s.reconciler != nil {
		s.router.HandleFunc("/api/stripe/webhook", s.handleWebhook).Methods("POST")
	}

	authed := s.router.PathPrefix("/api").Subrouter()
	authed.Use(middleware.Auth(cfg.Sessions))
	if cfg.RateLimiter != nil {
		authed.Use(middleware.RateLimit(cfg.RateLimiter, s.logger))
	}
	authed.Use(middleware.Metering(s.costs, s.ledger))

	authed.HandleFunc("/credits", s.getCredits).Methods("GET")
	authed.HandleFunc("/credits/history", s.getHistory).Methods("GET")
	authed.HandleFunc("/credits/usage", s.getUsageStats).Methods("GET")
	authed.HandleFunc("/credits/purchase", s.startPurchase).Methods("POST")
	if s.orgs != nil {
		authed.HandleFunc("/organizations/owned", s.getOwnedOrganizations).Methods("GET")
	}
	if s.audit != nil {
		authed.HandleFunc("/admin/credits/grant", s.grantCredits).Methods("POST")
	}
}

// Router exposes the configured handler for serving and tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// NewHTTPServer binds the router to an address with sane timeouts.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
