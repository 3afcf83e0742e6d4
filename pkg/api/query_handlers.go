package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/forgehealth/pkg/feather"
	"github.com/platinummonkey/forgehealth/pkg/httputil"
	"github.com/platinummonkey/forgehealth/pkg/observability"
	"github.com/platinummonkey/forgehealth/pkg/queries"
	"github.com/platinummonkey/forgehealth/pkg/tasks"
)

// QueryHandlers exposes the task queue and the result cache
type QueryHandlers struct {
	dashboard Dashboard
	limiter   *httputil.RateLimiter
}

// NewQueryHandlers creates query handlers. limiter throttles the routes that
// start or drop work and may be nil.
func NewQueryHandlers(d Dashboard, limiter *httputil.RateLimiter) *QueryHandlers {
	return &QueryHandlers{dashboard: d, limiter: limiter}
}

// PrepareRequest is the body of POST /api/v1/prepare
type PrepareRequest struct {
	Repos []int64 `json:"repos"`
}

// PrepareResponse lists the tasks a prepare started
type PrepareResponse struct {
	Tasks []tasks.Task `json:"tasks"`
	// Error is set when some queries could not be submitted
	Error string `json:"error,omitempty"`
}

// InvalidateResponse reports a cache drop
type InvalidateResponse struct {
	Query       string `json:"query"`
	Invalidated int    `json:"invalidated"`
}

// RegisterRoutes registers query and task routes
func (h *QueryHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/queries", h.listQueries).Methods("GET")
	r.Handle("/api/v1/prepare", h.limited(h.prepare)).Methods("POST")
	r.HandleFunc("/api/v1/tasks/{id}", h.getTask).Methods("GET")
	r.HandleFunc("/api/v1/queries/{name}/status", h.queryStatus).Methods("GET")
	r.Handle("/api/v1/queries/{name}/cache", h.limited(h.invalidate)).Methods("DELETE")
	r.HandleFunc("/api/v1/snapshots/{query}/{repo}", h.snapshot).Methods("GET")
}

func (h *QueryHandlers) limited(fn http.HandlerFunc) http.Handler {
	if h.limiter == nil {
		return fn
	}
	return h.limiter.Middleware(fn)
}

// listQueries handles GET /api/v1/queries
func (h *QueryHandlers) listQueries(w http.ResponseWriter, r *http.Request) {
	_ = httputil.WriteSuccess(w, map[string][]string{"queries": queries.Names()})
}

// prepare handles POST /api/v1/prepare
// Starts every query for the repos and returns without waiting
func (h *QueryHandlers) prepare(w http.ResponseWriter, r *http.Request) {
	var req PrepareRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.Repos) == 0 {
		httputil.WriteBadRequest(w, "repos is required")
		return
	}
	for _, id := range req.Repos {
		if id <= 0 {
			httputil.WriteBadRequest(w, "repo ids must be positive")
			return
		}
	}

	started, err := h.dashboard.Prepare(r.Context(), req.Repos)
	if err != nil && len(started) == 0 {
		writeServiceError(w, err)
		return
	}
	resp := PrepareResponse{Tasks: started}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).
			WithField("started", len(started)).
			Warn("Some queries were not submitted")
		resp.Error = err.Error()
	}
	if resp.Tasks == nil {
		resp.Tasks = []tasks.Task{}
	}
	_ = httputil.WriteAccepted(w, resp)
}

// getTask handles GET /api/v1/tasks/{id}
func (h *QueryHandlers) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	t, ok := h.dashboard.Task(id)
	if !ok {
		httputil.WriteNotFoundError(w, "task not found: "+id)
		return
	}
	_ = httputil.WriteSuccess(w, t)
}

// queryStatus handles GET /api/v1/queries/{name}/status?repos=1,2
func (h *QueryHandlers) queryStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	repos, err := httputil.ParseQueryIDs(r, "repos")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	st, err := h.dashboard.Status(r.Context(), name, repos)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, st)
}

// invalidate handles DELETE /api/v1/queries/{name}/cache
// Without repos every cached result of the query is dropped
func (h *QueryHandlers) invalidate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	repos, err := httputil.ParseQueryIDs(r, "repos")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	n, err := h.dashboard.Invalidate(r.Context(), name, repos)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, InvalidateResponse{Query: name, Invalidated: n})
}

// snapshot handles GET /api/v1/snapshots/{query}/{repo}
// Returns the raw Arrow IPC file; X-Snapshot-Source says whether it came from the cache or the archive
func (h *QueryHandlers) snapshot(w http.ResponseWriter, r *http.Request) {
	repo, ok := httputil.ParsePathInt64OrError(w, r, "repo")
	if !ok {
		return
	}
	blob, source, err := h.dashboard.Snapshot(r.Context(), mux.Vars(r)["query"], repo)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("X-Snapshot-Source", source)
	_ = httputil.WriteBytes(w, http.StatusOK, feather.ContentType, blob)
}
