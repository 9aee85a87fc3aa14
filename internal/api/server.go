// Package api serves the upload endpoint and the analytics read models over
// HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/sells-group/txn-pipeline/internal/config"
	"github.com/sells-group/txn-pipeline/internal/model"
	"github.com/sells-group/txn-pipeline/internal/monitoring"
	"github.com/sells-group/txn-pipeline/internal/pipeline"
	"github.com/sells-group/txn-pipeline/internal/quality"
	"github.com/sells-group/txn-pipeline/internal/store"
)

// Runner processes one upload.
type Runner interface {
	Run(ctx context.Context, in pipeline.Input) (*model.BatchResult, error)
}

// Deps are the collaborators a Server needs. Metrics and Gatherer may be nil.
type Deps struct {
	Store    store.Store
	Runner   Runner
	Metrics  *monitoring.Metrics
	Gatherer prometheus.Gatherer
}

// Server holds the HTTP handlers.
type Server struct {
	store    store.Store
	runner   Runner
	ledger   *quality.Ledger
	metrics  *monitoring.Metrics
	gatherer prometheus.Gatherer
	cfg      config.ServerConfig
	limiter  *rate.Limiter
}

// New creates a Server.
func New(deps Deps, cfg config.ServerConfig) *Server {
	s := &Server{
		store:    deps.Store,
		runner:   deps.Runner,
		ledger:   quality.NewLedger(deps.Store),
		metrics:  deps.Metrics,
		gatherer: deps.Gatherer,
		cfg:      cfg,
	}
	if cfg.RateLimitRPS > 0 {
		burst := max(cfg.RateLimitBurst, 1)
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.With(s.rateLimit).Post("/upload", s.handleUpload)

	r.Route("/batches", func(r chi.Router) {
		r.Get("/", s.handleListBatches)
		r.Get("/{batchID}", s.handleGetBatch)
	})

	r.Route("/analytics", func(r chi.Router) {
		r.Get("/kpis", s.handleKPIs)
		r.Get("/dataset-stats", s.handleDatasetStats)
		r.Get("/daily-revenue", s.handleDailyRevenue)
		r.Get("/top-customers", s.handleTopCustomers)
		r.Get("/daily-sales", s.handleDailySales)
		r.Get("/customer-summaries", s.handleCustomerSummaries)
		r.Get("/features/stats", s.handleFeatureStats)
		r.Get("/data-quality", s.handleLatestQuality)
		r.Get("/data-quality/aggregate", s.handleAggregateQuality)
	})

	return r
}

// HTTPServer builds an http.Server listening on port.
func (s *Server) HTTPServer(port int) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
