// Package api serves the directory over HTTP under /api/v1.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/bizsync"
	"github.com/sells-group/bizdir/internal/config"
	"github.com/sells-group/bizdir/internal/model"
	"github.com/sells-group/bizdir/internal/monitoring"
	"github.com/sells-group/bizdir/internal/query"
	"github.com/sells-group/bizdir/internal/ratelimit"
	"github.com/sells-group/bizdir/internal/store"
)

// MaxBodyBytes caps request bodies.
const MaxBodyBytes = 10 << 10

// Syncer runs the sync orchestrator on demand.
type Syncer interface {
	Run(ctx context.Context, trigger model.SyncTrigger, opts bizsync.RunOpts) (model.SyncRun, error)
}

// Gateway is the state the API layer owns: users and request logs.
type Gateway interface {
	store.Users
	store.APILogs
	store.Audit
	Ping(ctx context.Context) error
}

// Deps are the collaborators of a Server. Quota, Sync and Metrics are
// optional.
type Deps struct {
	Query   *query.Engine
	Gateway Gateway
	Quota   *ratelimit.Quota
	Sync    Syncer
	Metrics *monitoring.Metrics
	Server  config.ServerConfig
}

// Server holds the HTTP handlers.
type Server struct {
	query   *query.Engine
	gateway Gateway
	quota   *ratelimit.Quota
	syncer  Syncer
	metrics *monitoring.Metrics
	origins []string
	started time.Time
	log     *zap.Logger
}

// New creates a server.
func New(d Deps) *Server {
	return &Server{
		query:   d.Query,
		gateway: d.Gateway,
		quota:   d.Quota,
		syncer:  d.Sync,
		metrics: d.Metrics,
		origins: d.Server.CORSOrigins,
		started: time.Now(),
		log:     zap.L().With(zap.String("component", "api")),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(s.corsOptions()))
	r.Use(s.instrument)

	r.Get("/health", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.accessLog)
		r.Use(s.authenticate)
		r.Use(s.enforceQuota)

		r.Get("/businesses/search", s.listHandler("name", s.query.SearchByName))
		r.Get("/businesses/category", s.listHandler("type", s.query.ByCategory))
		r.Get("/businesses/city", s.listHandler("name", s.query.ByCity))
		r.Get("/businesses/nearby", s.nearby)
		r.Get("/businesses/{id}", s.getBusiness)
		r.Get("/stats", s.stats)
		r.Get("/export", s.export)
		r.With(limitBody(MaxBodyBytes), requireAdmin).Post("/sync", s.sync)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

func (s *Server) corsOptions() cors.Options {
	opts := cors.Options{
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Requested-With"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-RateLimit-Policy", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           86400,
	}
	if len(s.origins) > 0 {
		opts.AllowedOrigins = s.origins
	} else {
		opts.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:9002", "http://localhost:5000"}
	}
	return opts
}
