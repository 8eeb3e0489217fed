// Package httpapi is the hub's HTTP surface: the gorilla/mux router, the
// middleware chain, and the JSON handlers over the domain services.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/luna-platform/hub/internal/config"
	"github.com/luna-platform/hub/internal/energy"
	"github.com/luna-platform/hub/internal/events"
	"github.com/luna-platform/hub/internal/monitoring"
	"github.com/luna-platform/hub/internal/narrative"
	"github.com/luna-platform/hub/internal/orchestrator"
	"github.com/luna-platform/hub/internal/ratelimit"
	"github.com/luna-platform/hub/internal/stream"
	"github.com/luna-platform/hub/internal/token"
)

// Server aggregates the services behind the HTTP surface.
type Server struct {
	cfg      *config.Config
	tokens   *token.Service
	ledger   *energy.Ledger
	analyzer *narrative.Analyzer
	orch     *orchestrator.Orchestrator
	limiter  *ratelimit.Limiter
	eventsS  events.Store
	stream   *stream.Hub
	probes   *monitoring.Probes
	logger   *slog.Logger
}

// New wires the server. stream and probes may be nil in tests.
func New(cfg *config.Config, tokens *token.Service, ledger *energy.Ledger, analyzer *narrative.Analyzer, orch *orchestrator.Orchestrator, limiter *ratelimit.Limiter, eventStore events.Store, streamHub *stream.Hub, probes *monitoring.Probes) *Server {
	return &Server{
		cfg:      cfg,
		tokens:   tokens,
		ledger:   ledger,
		analyzer: analyzer,
		orch:     orch,
		limiter:  limiter,
		eventsS:  eventStore,
		stream:   streamHub,
		probes:   probes,
		logger:   slog.Default().With("component", "httpapi"),
	}
}

// Router builds the full route table with the middleware chain applied.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestIDs)
	r.Use(s.ddosFilter)
	r.Use(s.guardian)

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleRoot).Methods(http.MethodGet)

	if s.probes != nil {
		mon := r.PathPrefix("/monitoring").Subrouter()
		mon.Handle("/health", s.probes.Health()).Methods(http.MethodGet)
		mon.Handle("/ready", s.probes.Ready()).Methods(http.MethodGet)
		mon.Handle("/metrics", s.probes.Metrics()).Methods(http.MethodGet)
	}

	// Auth surface. Login and register carry their own abuse scopes.
	auth := r.PathPrefix("/auth").Subrouter()
	auth.Handle("/register", s.rateLimit(ratelimit.ScopeAuthRegister)(http.HandlerFunc(s.handleRegister))).Methods(http.MethodPost)
	auth.Handle("/login", s.rateLimit(ratelimit.ScopeAuthLogin)(http.HandlerFunc(s.handleLogin))).Methods(http.MethodPost)
	auth.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)

	authed := auth.NewRoute().Subrouter()
	authed.Use(s.authenticate)
	authed.HandleFunc("/secure-session", s.handleSecureSession).Methods(http.MethodPost)
	authed.HandleFunc("/logout-secure", s.handleLogoutSecure).Methods(http.MethodPost)
	authed.HandleFunc("/me", s.handleMe).Methods(http.MethodGet)
	authed.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	authed.HandleFunc("/sessions/{id}", s.handleRevokeSession).Methods(http.MethodDelete)
	authed.HandleFunc("/logout-all", s.handleLogoutAll).Methods(http.MethodPost)
	authed.HandleFunc("/luna/delegate-specialist", s.handleDelegate).Methods(http.MethodPost)
	authed.HandleFunc("/luna/validate-specialist", s.handleValidateSpecialist).Methods(http.MethodPost)

	// Energy surface: every route is authenticated and metered.
	luna := r.PathPrefix("/luna").Subrouter()
	luna.Use(s.authenticate)
	luna.Use(s.rateLimit(ratelimit.ScopeAPIEnergy))
	luna.HandleFunc("/energy/balance/{user}", s.handleBalance).Methods(http.MethodGet)
	luna.HandleFunc("/energy/can-perform", s.handleCanPerform).Methods(http.MethodPost)
	luna.HandleFunc("/energy/consume", s.handleConsume).Methods(http.MethodPost)
	luna.HandleFunc("/energy/refund", s.handleRefund).Methods(http.MethodPost)
	luna.HandleFunc("/energy/refund-eligibility/{user}/{event}", s.handleRefundEligibility).Methods(http.MethodGet)
	luna.HandleFunc("/orchestrate", s.handleOrchestrate).Methods(http.MethodPost)

	billing := r.PathPrefix("/billing").Subrouter()
	billing.Use(s.authenticate)
	billing.Use(s.rateLimit(ratelimit.ScopeAPIGeneral))
	billing.HandleFunc("/create-intent", s.handleCreateIntent).Methods(http.MethodPost)
	billing.HandleFunc("/confirm-payment", s.handleConfirmPayment).Methods(http.MethodPost)
	billing.HandleFunc("/history/{user}", s.handleBillingHistory).Methods(http.MethodGet)

	narrativeR := r.PathPrefix("/narrative").Subrouter()
	narrativeR.Use(s.authenticate)
	narrativeR.Use(s.rateLimit(ratelimit.ScopeAPIGeneral))
	narrativeR.HandleFunc("/events", s.handleAppendEvent).Methods(http.MethodPost)
	narrativeR.HandleFunc("/context/{user}", s.handleContext).Methods(http.MethodGet)

	if s.stream != nil {
		streamR := r.PathPrefix("/events").Subrouter()
		streamR.Use(s.authenticate)
		streamR.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	}

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.authenticate)
	admin.HandleFunc("/rate-limits/reset", s.handleRateLimitReset).Methods(http.MethodPost)

	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "luna-hub",
		"status":  "ok",
	})
}

// handleStream upgrades to a websocket and subscribes the caller to their
// own event feed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	s.stream.ServeWS(w, r, claims.Subject)
}
