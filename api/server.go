/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. hlog:       zerolog logger on the request context + access log
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Request duration by route pattern
  5. CORS:       Cross-origin requests for the admin console

ROUTE GROUPS:
  /api/vendors/*        Vendor directory, progress and projections
  /api/wallets/*        Balances, transactions, payout requests
  /api/orders, /api/activity, /api/fees/*   Calculator inputs
  /api/requests/*       Approval queue
  /api/incentives/*, /api/draws/*, /api/rental-payouts/*
  /api/admin/*          Configuration, adjustments, jobs
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. The platform gateway authenticates callers
  and must not expose /api/admin to vendors.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/ledgerd/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/warp/incentive-ledger/metrics"
)

type RouterOptions struct {
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics // nil = no /metrics and no request histogram
	CORSOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.RequestIDHandler("request_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/vendors", func(r chi.Router) {
			r.Get("/", h.ListVendors)
			r.Post("/", h.CreateVendor)
			r.Get("/{id}", h.GetVendor)
			r.Get("/{id}/progress", h.GetTierProgress)
			r.Get("/{id}/rental-projection", h.GetRentalProjection)
		})

		r.Route("/wallets", func(r chi.Router) {
			r.Get("/{id}", h.GetWallet)
			r.Get("/{id}/transactions", h.ListTransactions)
			r.Get("/{id}/verify", h.VerifyWallet)
			r.Post("/{id}/withdrawals", h.SubmitWithdrawal)
			r.Post("/{id}/instant-payouts", h.SubmitInstantPayout)
			r.Post("/{id}/redemptions", h.SubmitRedemption)
		})

		// Calculator inputs
		r.Post("/orders", h.SettleOrder)
		r.Post("/activity", h.RecordActivity)
		r.Get("/fees/quote", h.QuoteFee)

		// Request approval routes
		r.Route("/requests", func(r chi.Router) {
			r.Get("/", h.ListRequests)
			r.Post("/bulk-decide", h.BulkDecide)
			r.Get("/{id}", h.GetRequest)
			r.Post("/{id}/approve", h.ApproveRequest)
			r.Post("/{id}/reject", h.RejectRequest)
			r.Post("/{id}/decide", h.DecideRequest)
		})

		r.Route("/incentives", func(r chi.Router) {
			r.Get("/", h.ListIncentives)
			r.Post("/{id}/pay", h.PayIncentive)
		})
		r.Get("/draws/{kind}/{period}", h.GetDraw)
		r.Route("/rental-payouts", func(r chi.Router) {
			r.Get("/", h.ListRentalPayouts)
			r.Post("/{id}/mark-paid", h.MarkRentalPaid)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/slabs", h.ListSlabSets)
			r.Get("/slabs/{name}", h.GetSlabSet)
			r.Put("/slabs/{name}", h.PutSlabSet)
			r.Get("/settings", h.GetSettings)
			r.Put("/settings", h.PutSettings)
			r.Get("/fee-rules/{ownerID}", h.GetFeeRule)
			r.Put("/fee-rules/{ownerID}", h.PutFeeRule)
			r.Post("/program", h.ApplyProgram)
			r.Post("/adjustments/{ownerID}", h.CreateAdjustment)
			r.Get("/jobs", h.ListJobs)
			r.Get("/jobs/runs", h.ListJobRuns)
			r.Post("/jobs/{job}", h.RunJob)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/{id}/run", h.RunScenario)
		})
	})

	return r
}
