package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/forgehealth/pkg/dashboard"
	"github.com/platinummonkey/forgehealth/pkg/httputil"
	"github.com/platinummonkey/forgehealth/pkg/timeseries"
	"github.com/platinummonkey/forgehealth/pkg/viz"
)

// retryAfter is suggested to clients polling a pending chart
const retryAfter = 5 * time.Second

// VisualizationHandlers renders dashboard charts
type VisualizationHandlers struct {
	dashboard Dashboard
}

// NewVisualizationHandlers creates visualization handlers
func NewVisualizationHandlers(d Dashboard) *VisualizationHandlers {
	return &VisualizationHandlers{dashboard: d}
}

// CatalogResponse is the body of GET /api/v1/visualizations
type CatalogResponse struct {
	Pages          []string             `json:"pages"`
	Visualizations []*viz.Visualization `json:"visualizations"`
}

// PendingResponse is returned with 202 while a chart's data is computed
type PendingResponse struct {
	Status        string `json:"status"`
	Visualization string `json:"visualization"`
}

// RegisterRoutes registers visualization routes
func (h *VisualizationHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/visualizations", h.catalog).Methods("GET")
	r.HandleFunc("/api/v1/pages/{page}", h.page).Methods("GET")
	r.HandleFunc("/api/v1/visualizations/{id}", h.render).Methods("GET")
}

// catalog handles GET /api/v1/visualizations
func (h *VisualizationHandlers) catalog(w http.ResponseWriter, r *http.Request) {
	_ = httputil.WriteSuccess(w, CatalogResponse{Pages: viz.Pages(), Visualizations: viz.All()})
}

// page handles GET /api/v1/pages/{page}
func (h *VisualizationHandlers) page(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["page"]
	charts := viz.ByPage(name)
	if len(charts) == 0 {
		httputil.WriteNotFoundError(w, "page not found: "+name)
		return
	}
	_ = httputil.WriteSuccess(w, CatalogResponse{Pages: []string{name}, Visualizations: charts})
}

// render handles GET /api/v1/visualizations/{id}
// Query params:
//   - repos: required, comma separated or repeated
//   - interval: D, W, M or Y where the chart supports it
//   - top_k, action, exclude: contributor charts
//   - start, end: YYYY-MM-DD, both inclusive
//   - wait: how long to block for data, "30s" or "30"
func (h *VisualizationHandlers) render(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, err := parseRenderRequest(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	fig, err := h.dashboard.Render(r.Context(), id, req)
	if err != nil {
		if errors.Is(err, dashboard.ErrNotReady) {
			httputil.SetRetryAfter(w, retryAfter)
			_ = httputil.WriteAccepted(w, PendingResponse{Status: "pending", Visualization: id})
			return
		}
		writeServiceError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, fig)
}

func parseRenderRequest(r *http.Request) (dashboard.RenderRequest, error) {
	var req dashboard.RenderRequest
	badParam := func(err error) (dashboard.RenderRequest, error) {
		return req, errors.Join(viz.ErrInvalidParam, err)
	}

	repos, err := httputil.ParseQueryIDs(r, "repos")
	if err != nil {
		return badParam(err)
	}
	req.Repos = repos

	if raw := r.URL.Query().Get("interval"); raw != "" {
		if req.Interval, err = timeseries.ParseInterval(raw); err != nil {
			return req, err
		}
	}
	if req.TopK, err = httputil.ParseQueryInt(r, "top_k", 0); err != nil {
		return badParam(err)
	}
	req.Action = httputil.ParseQueryString(r, "action", "")
	req.Exclude = httputil.ParseQueryList(r, "exclude")

	start, err := httputil.ParseQueryDate(r, "start")
	if err != nil {
		return badParam(err)
	}
	if !start.IsZero() {
		req.Start = &start
	}
	end, err := httputil.ParseQueryDate(r, "end")
	if err != nil {
		return badParam(err)
	}
	if !end.IsZero() {
		end = end.Add(24*time.Hour - time.Nanosecond)
		req.End = &end
	}

	if req.Wait, err = httputil.ParseQueryDuration(r, "wait", 0); err != nil {
		return badParam(err)
	}
	return req, nil
}
