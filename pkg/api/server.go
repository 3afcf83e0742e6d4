package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/forgehealth/pkg/augur"
	"github.com/platinummonkey/forgehealth/pkg/dashboard"
	"github.com/platinummonkey/forgehealth/pkg/figure"
	"github.com/platinummonkey/forgehealth/pkg/httputil"
	"github.com/platinummonkey/forgehealth/pkg/observability"
	"github.com/platinummonkey/forgehealth/pkg/tasks"
)

// maxBodyBytes bounds request bodies; only prepare takes one
const maxBodyBytes = 1 << 20

// Dashboard is what the handlers need from dashboard.Service
type Dashboard interface {
	Prepare(ctx context.Context, repos []int64) ([]tasks.Task, error)
	Task(id string) (tasks.Task, bool)
	Render(ctx context.Context, id string, req dashboard.RenderRequest) (*figure.Figure, error)
	Status(ctx context.Context, query string, repos []int64) (dashboard.QueryStatus, error)
	Invalidate(ctx context.Context, query string, repos []int64) (int, error)
	Snapshot(ctx context.Context, query string, repo int64) ([]byte, string, error)
}

// RepoStore looks up repositories in Augur
type RepoStore interface {
	SearchRepos(ctx context.Context, term string, limit int) ([]augur.Repo, error)
	GetRepo(ctx context.Context, id int64) (*augur.Repo, error)
	ListGroupRepos(ctx context.Context, groupID int64) ([]augur.Repo, error)
}

// Config wires a Server
type Config struct {
	Dashboard   Dashboard
	Repos       RepoStore
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	CORSOrigins []string
	// RateLimiter throttles prepare and cache invalidation; nil disables it
	RateLimiter *httputil.RateLimiter
}

// Server is the forgehealth HTTP API
type Server struct {
	router  *mux.Router
	handler http.Handler
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	s := &Server{router: mux.NewRouter()}

	NewRepoHandlers(cfg.Repos).RegisterRoutes(s.router)
	NewQueryHandlers(cfg.Dashboard, cfg.RateLimiter).RegisterRoutes(s.router)
	NewVisualizationHandlers(cfg.Dashboard).RegisterRoutes(s.router)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFoundError(w, "no such endpoint: "+r.URL.Path)
	})

	// route aware middleware runs after mux has matched
	if cfg.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(cfg.Metrics))
	}
	s.router.Use(nameSpan)

	middlewares := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware(cfg.Logger),
		httputil.RecoveryMiddleware,
		httputil.LoggingMiddleware,
		httputil.CORSMiddleware(cfg.CORSOrigins),
		httputil.MaxBytesMiddleware(maxBodyBytes),
	}
	traced := otelhttp.NewHandler(s.router, "forgehealth-api")
	s.handler = httputil.Chain(middlewares...)(traced)
	return s
}

// nameSpan renames the otelhttp server span after the matched route template
func nameSpan(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				trace.SpanFromContext(r.Context()).SetName(r.Method + " " + tpl)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router exposes the route table
func (s *Server) Router() *mux.Router {
	return s.router
}
