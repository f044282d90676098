// Package server exposes the rewards platform HTTP API.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"rezrewards/auth"
	"rezrewards/catalog"
	"rezrewards/enrollment"
	"rezrewards/impact"
	"rezrewards/ledger"
	"rezrewards/observability"
)

// Config wires the API server's dependencies.
type Config struct {
	DB          *gorm.DB
	Ledger      *ledger.Engine
	Enrollments *enrollment.Service
	Catalog     *catalog.Service
	Impact      *impact.Aggregator
	Verifier    *auth.Verifier
	Logger      *slog.Logger

	// VerifyRatePerMinute throttles the verification endpoints per caller.
	// Zero disables throttling.
	VerifyRatePerMinute float64
	VerifyRateBurst     int
}

// Server is the HTTP front end.
type Server struct {
	cfg           Config
	log           *slog.Logger
	verifyLimiter *rateLimiter
	router        http.Handler
}

// New constructs the server and its router.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:           cfg,
		log:           log,
		verifyLimiter: newRateLimiter(cfg.VerifyRatePerMinute, cfg.VerifyRateBurst),
	}
	s.router = s.buildRouter()
	return s
}

// Router returns the HTTP handler for the API.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.cfg.Verifier.Middleware)
		api.Use(recordHTTPMetrics)
		api.Use(func(next http.Handler) http.Handler {
			return withIdempotency(s.cfg.DB, next)
		})

		api.Route("/sponsors", func(r chi.Router) {
			r.Get("/", s.handleListSponsors)
			r.Get("/{sponsorID}", s.handleGetSponsor)

			r.Group(func(admin chi.Router) {
				admin.Use(auth.RequireRole(auth.RoleAdmin))
				admin.Post("/", s.handleCreateSponsor)
				admin.Post("/{sponsorID}/activate", s.handleSponsorActive(true))
				admin.Post("/{sponsorID}/deactivate", s.handleSponsorActive(false))
				admin.Post("/{sponsorID}/fund", s.handleFund)
				admin.Post("/{sponsorID}/allocate", s.handleAllocate)
				admin.Post("/{sponsorID}/refund", s.handleRefund)
			})

			r.Group(func(finance chi.Router) {
				finance.Use(auth.RequireRole(auth.RoleAdmin, auth.RolePartner))
				finance.Get("/{sponsorID}/balance", s.handleSponsorBalance)
				finance.Get("/{sponsorID}/ledger", s.handleSponsorLedger)
				finance.Get("/{sponsorID}/events/{eventID}/budget", s.handleEventBudget)
			})
		})

		api.Route("/events", func(r chi.Router) {
			r.Get("/", s.handleListEvents)
			r.Get("/{eventID}", s.handleGetEvent)
			r.With(auth.RequireRole(auth.RoleAdmin, auth.RolePartner)).Post("/", s.handleCreateEvent)
			r.With(auth.RequireRole(auth.RoleAdmin)).Post("/{eventID}/approve", s.handleApproveEvent)
			r.With(auth.RequireRole(auth.RoleAdmin)).Post("/{eventID}/reject", s.handleRejectEvent)
			r.With(auth.RequireRole(auth.RoleAdmin, auth.RoleStaff)).Get("/{eventID}/participants", s.handleParticipants)

			// Participant self-service.
			r.Post("/{eventID}/register", s.handleRegister)
			r.Post("/{eventID}/cancel", s.handleCancel)
			r.Post("/{eventID}/checkin/qr", s.handleGenerateQR)
			r.Post("/{eventID}/checkin/otp", s.handleGenerateOTP)

			// Verification endpoints are throttled per caller.
			r.Group(func(verify chi.Router) {
				verify.Use(s.verifyLimiter.middleware)
				verify.With(auth.RequireRole(auth.RoleStaff, auth.RoleAdmin)).Post("/{eventID}/verify/otp", s.handleVerifyOTP)
				verify.Post("/{eventID}/verify/geo", s.handleVerifyGeo)
			})

			// Staff operations.
			r.Group(func(staff chi.Router) {
				staff.Use(auth.RequireRole(auth.RoleStaff, auth.RoleAdmin))
				staff.Post("/{eventID}/checkin", s.handleManualCheckIn)
				staff.Post("/{eventID}/complete", s.handleComplete)
				staff.Post("/{eventID}/bulk-complete", s.handleBulkComplete)
				staff.Post("/{eventID}/no-show", s.handleNoShow)
			})
		})

		api.With(s.verifyLimiter.middleware, auth.RequireRole(auth.RoleStaff, auth.RoleAdmin)).
			Post("/verify/qr", s.handleVerifyQR)

		api.Route("/me", func(r chi.Router) {
			r.Get("/enrollments", s.handleMyEnrollments)
			r.Get("/impact", s.handleMyImpact)
		})
		api.Get("/leaderboard", s.handleLeaderboard)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// recordHTTPMetrics observes request outcomes against the matched route
// pattern rather than the raw path, keeping label cardinality bounded.
func recordHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		observability.HTTPMetrics().Observe(route, r.Method, ww.Status(), time.Since(start))
	})
}
