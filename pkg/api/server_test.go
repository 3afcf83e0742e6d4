package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/forgehealth/pkg/augur"
	"github.com/platinummonkey/forgehealth/pkg/dashboard"
	"github.com/platinummonkey/forgehealth/pkg/feather"
	"github.com/platinummonkey/forgehealth/pkg/figure"
	"github.com/platinummonkey/forgehealth/pkg/httputil"
	"github.com/platinummonkey/forgehealth/pkg/observability"
	"github.com/platinummonkey/forgehealth/pkg/queries"
	"github.com/platinummonkey/forgehealth/pkg/tasks"
	"github.com/platinummonkey/forgehealth/pkg/viz"
)

type fakeDashboard struct {
	prepared   []int64
	renderID   string
	renderReq  dashboard.RenderRequest
	renderErr  error
	prepareErr error
	// prepareNone makes Prepare start nothing
	prepareNone bool
	invalidate  func(query string, repos []int64) (int, error)
}

func (f *fakeDashboard) Prepare(_ context.Context, repos []int64) ([]tasks.Task, error) {
	f.prepared = repos
	if f.prepareNone {
		return nil, f.prepareErr
	}
	return []tasks.Task{{ID: "t1", Query: "releases", Repos: repos, State: tasks.StateQueued}}, f.prepareErr
}

func (f *fakeDashboard) Task(id string) (tasks.Task, bool) {
	if id != "t1" {
		return tasks.Task{}, false
	}
	return tasks.Task{ID: "t1", Query: "releases", State: tasks.StateRunning}, true
}

func (f *fakeDashboard) Render(_ context.Context, id string, req dashboard.RenderRequest) (*figure.Figure, error) {
	f.renderID = id
	f.renderReq = req
	if f.renderErr != nil {
		return nil, f.renderErr
	}
	return figure.New(figure.Bar("Releases", []string{"2024-01-01"}, []float64{3})).Title("Releases"), nil
}

func (f *fakeDashboard) Status(_ context.Context, query string, repos []int64) (dashboard.QueryStatus, error) {
	if _, ok := queries.Lookup(query); !ok {
		return dashboard.QueryStatus{}, tasks.ErrUnknownQuery
	}
	if len(repos) == 0 {
		return dashboard.QueryStatus{}, tasks.ErrNoRepos
	}
	return dashboard.QueryStatus{Query: query, Ready: false, Missing: repos[:1]}, nil
}

func (f *fakeDashboard) Invalidate(_ context.Context, query string, repos []int64) (int, error) {
	return f.invalidate(query, repos)
}

func (f *fakeDashboard) Snapshot(_ context.Context, query string, repo int64) ([]byte, string, error) {
	if query == "releases" && repo == 1 {
		return []byte("ARROW1"), "archive", nil
	}
	return nil, "", dashboard.ErrSnapshotNotFound
}

type fakeRepos struct {
	term  string
	limit int
}

func (f *fakeRepos) SearchRepos(_ context.Context, term string, limit int) ([]augur.Repo, error) {
	f.term, f.limit = term, limit
	return []augur.Repo{{ID: 1, Name: "augur"}}, nil
}

func (f *fakeRepos) GetRepo(_ context.Context, id int64) (*augur.Repo, error) {
	if id != 1 {
		return nil, augur.ErrRepoNotFound
	}
	return &augur.Repo{ID: 1, Name: "augur"}, nil
}

func (f *fakeRepos) ListGroupRepos(_ context.Context, groupID int64) ([]augur.Repo, error) {
	if groupID == 9 {
		return nil, augur.ErrIncompleteEnvironment
	}
	return []augur.Repo{{ID: 1, GroupID: groupID}, {ID: 2, GroupID: groupID}}, nil
}

func newTestServer(t *testing.T) (*Server, *fakeDashboard, *fakeRepos) {
	t.Helper()
	d := &fakeDashboard{}
	repos := &fakeRepos{}
	s := NewServer(Config{
		Dashboard:   d,
		Repos:       repos,
		CORSOrigins: []string{"https://dash.example.org"},
	})
	return s, d, repos
}

func do(s http.Handler, method, target string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest), rec.Body.String())
}

func TestRoutesRegistered(t *testing.T) {
	s, _, _ := newTestServer(t)

	routes := map[string]bool{}
	for _, path := range []string{
		"/api/v1/repos", "/api/v1/repos/{id}", "/api/v1/groups/{id}/repos",
		"/api/v1/queries", "/api/v1/prepare", "/api/v1/tasks/{id}",
		"/api/v1/queries/{name}/status", "/api/v1/queries/{name}/cache",
		"/api/v1/snapshots/{query}/{repo}",
		"/api/v1/visualizations", "/api/v1/pages/{page}", "/api/v1/visualizations/{id}",
	} {
		routes[path] = false
	}
	require.NoError(t, s.Router().Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		tpl, err := route.GetPathTemplate()
		if err == nil {
			if _, ok := routes[tpl]; ok {
				routes[tpl] = true
			}
		}
		return nil
	}))
	for path, found := range routes {
		assert.True(t, found, path)
	}
}

func TestSearchRepos(t *testing.T) {
	s, _, repos := newTestServer(t)

	rec := do(s, "GET", "/api/v1/repos?search=aug", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []augur.Repo
	decode(t, rec, &got)
	assert.Len(t, got, 1)
	assert.Equal(t, "aug", repos.term)
	assert.Equal(t, defaultSearchLimit, repos.limit)

	rec = do(s, "GET", "/api/v1/repos?limit=500", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(s, "GET", "/api/v1/repos?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRepo(t *testing.T) {
	s, _, _ := newTestServer(t)

	assert.Equal(t, http.StatusOK, do(s, "GET", "/api/v1/repos/1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(s, "GET", "/api/v1/repos/2", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(s, "GET", "/api/v1/repos/abc", "").Code)
}

func TestListGroupRepos(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(s, "GET", "/api/v1/groups/4/repos", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []augur.Repo
	decode(t, rec, &got)
	assert.Len(t, got, 2)

	assert.Equal(t, http.StatusServiceUnavailable, do(s, "GET", "/api/v1/groups/9/repos", "").Code)
}

func TestListQueries(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(s, "GET", "/api/v1/queries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string][]string
	decode(t, rec, &got)
	assert.Equal(t, queries.Names(), got["queries"])
}

func TestPrepare(t *testing.T) {
	s, d, _ := newTestServer(t)

	rec := do(s, "POST", "/api/v1/prepare", `{"repos":[1,2]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var got PrepareResponse
	decode(t, rec, &got)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, "t1", got.Tasks[0].ID)
	assert.Equal(t, []int64{1, 2}, d.prepared)

	assert.Equal(t, http.StatusBadRequest, do(s, "POST", "/api/v1/prepare", `{"repos":[]}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, "POST", "/api/v1/prepare", `{"repos":[-1]}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, "POST", "/api/v1/prepare", `{"repo":[1]}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, "POST", "/api/v1/prepare", `not json`).Code)
}

func TestPreparePartialFailure(t *testing.T) {
	s, d, _ := newTestServer(t)
	d.prepareErr = errors.New("submit forks: redis down")

	rec := do(s, "POST", "/api/v1/prepare", `{"repos":[1]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var got PrepareResponse
	decode(t, rec, &got)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, "t1", got.Tasks[0].ID)
	assert.Contains(t, got.Error, "redis down")

	d.prepareNone = true
	rec = do(s, "POST", "/api/v1/prepare", `{"repos":[1]}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetTask(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(s, "GET", "/api/v1/tasks/t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got tasks.Task
	decode(t, rec, &got)
	assert.Equal(t, tasks.StateRunning, got.State)

	assert.Equal(t, http.StatusNotFound, do(s, "GET", "/api/v1/tasks/nope", "").Code)
}

func TestQueryStatus(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(s, "GET", "/api/v1/queries/releases/status?repos=2,1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got dashboard.QueryStatus
	decode(t, rec, &got)
	assert.False(t, got.Ready)
	assert.Equal(t, []int64{1}, got.Missing)

	assert.Equal(t, http.StatusNotFound, do(s, "GET", "/api/v1/queries/stars/status?repos=1", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(s, "GET", "/api/v1/queries/releases/status", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(s, "GET", "/api/v1/queries/releases/status?repos=x", "").Code)
}

func TestInvalidate(t *testing.T) {
	s, d, _ := newTestServer(t)
	var gotRepos []int64
	d.invalidate = func(query string, repos []int64) (int, error) {
		if query != "releases" {
			return 0, tasks.ErrUnknownQuery
		}
		gotRepos = repos
		if len(repos) == 0 {
			return 7, nil
		}
		return len(repos), nil
	}

	rec := do(s, "DELETE", "/api/v1/queries/releases/cache?repos=1&repos=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got InvalidateResponse
	decode(t, rec, &got)
	assert.Equal(t, InvalidateResponse{Query: "releases", Invalidated: 2}, got)
	assert.Equal(t, []int64{1, 2}, gotRepos)

	rec = do(s, "DELETE", "/api/v1/queries/releases/cache", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &got)
	assert.Equal(t, 7, got.Invalidated)
	assert.Empty(t, gotRepos)

	assert.Equal(t, http.StatusNotFound, do(s, "DELETE", "/api/v1/queries/stars/cache", "").Code)
}

func TestSnapshot(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(s, "GET", "/api/v1/snapshots/releases/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, feather.ContentType, rec.Header().Get("Content-Type"))
	assert.Equal(t, "archive", rec.Header().Get("X-Snapshot-Source"))
	assert.Equal(t, "ARROW1", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, do(s, "GET", "/api/v1/snapshots/releases/2", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(s, "GET", "/api/v1/snapshots/releases/x", "").Code)
}

func TestCatalogAndPages(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(s, "GET", "/api/v1/visualizations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Pages          []string `json:"pages"`
		Visualizations []struct {
			ID   string `json:"id"`
			Page string `json:"page"`
		} `json:"visualizations"`
	}
	decode(t, rec, &got)
	assert.Equal(t, viz.Pages(), got.Pages)
	assert.Len(t, got.Visualizations, len(viz.All()))

	rec = do(s, "GET", "/api/v1/pages/overview", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &got)
	require.NotEmpty(t, got.Visualizations)
	for _, v := range got.Visualizations {
		assert.Equal(t, viz.PageOverview, v.Page)
	}

	assert.Equal(t, http.StatusNotFound, do(s, "GET", "/api/v1/pages/nope", "").Code)
}

func TestRenderVisualization(t *testing.T) {
	s, d, _ := newTestServer(t)

	rec := do(s, "GET", "/api/v1/visualizations/contributor_importance?repos=3,1&interval=w&top_k=5"+
		"&action=PR%20Opened&exclude=bot,ci&start=2024-01-01&end=2024-01-31&wait=2s", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var fig figure.Figure
	decode(t, rec, &fig)
	require.Len(t, fig.Data, 1)
	assert.Equal(t, "Releases", fig.Data[0].Name)

	assert.Equal(t, "contributor_importance", d.renderID)
	req := d.renderReq
	assert.Equal(t, []int64{1, 3}, req.Repos)
	assert.Equal(t, "W", string(req.Interval))
	assert.Equal(t, 5, req.TopK)
	assert.Equal(t, "PR Opened", req.Action)
	assert.Equal(t, []string{"bot", "ci"}, req.Exclude)
	assert.Equal(t, 2*time.Second, req.Wait)
	require.NotNil(t, req.Start)
	require.NotNil(t, req.End)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *req.Start)
	assert.True(t, req.End.After(time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)))
	assert.True(t, req.End.Before(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)))
}

func TestRenderPending(t *testing.T) {
	s, d, _ := newTestServer(t)
	d.renderErr = errors.Join(errors.New("issues_over_time"), dashboard.ErrNotReady)

	rec := do(s, "GET", "/api/v1/visualizations/issues_over_time?repos=1", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	var got PendingResponse
	decode(t, rec, &got)
	assert.Equal(t, "pending", got.Status)
	assert.Equal(t, "issues_over_time", got.Visualization)
}

func TestRenderErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		want   int
	}{
		{"bad interval", "/api/v1/visualizations/contributors?repos=1&interval=Q", nil, http.StatusBadRequest},
		{"bad repos", "/api/v1/visualizations/contributors?repos=a", nil, http.StatusBadRequest},
		{"bad top_k", "/api/v1/visualizations/contributors?repos=1&top_k=x", nil, http.StatusBadRequest},
		{"bad date", "/api/v1/visualizations/contributors?repos=1&start=01/02/2024", nil, http.StatusBadRequest},
		{"bad wait", "/api/v1/visualizations/contributors?repos=1&wait=soon", nil, http.StatusBadRequest},
		{"rejected", "/api/v1/visualizations/contributors", viz.ErrInvalidParam, http.StatusBadRequest},
		{"unknown", "/api/v1/visualizations/stars?repos=1", viz.ErrUnknownVisualization, http.StatusNotFound},
		{"failure", "/api/v1/visualizations/contributors?repos=1", errors.New("redis down"), http.StatusInternalServerError},
		{"task failed", "/api/v1/visualizations/contributors?repos=1", fmt.Errorf("contributors: %w: incomplete environment", dashboard.ErrTaskFailed), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, d, _ := newTestServer(t)
			d.renderErr = tt.err
			rec := do(s, "GET", tt.target, "")
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())

			var body httputil.ErrorResponse
			decode(t, rec, &body)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestUnknownEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(s, "GET", "/api/v2/nothing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no such endpoint")
}

func TestMiddlewareHeaders(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/queries", nil)
	req.Header.Set("Origin", "https://dash.example.org")
	req.Header.Set(httputil.RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get(httputil.RequestIDHeader))
	assert.Equal(t, "https://dash.example.org", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("OPTIONS", "/api/v1/prepare", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get(httputil.RequestIDHeader))
}

func TestHTTPMetricsUseRouteTemplate(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	s := NewServer(Config{Dashboard: &fakeDashboard{}, Repos: &fakeRepos{}, Metrics: metrics})

	do(s, "GET", "/api/v1/repos/1", "")
	do(s, "GET", "/api/v1/repos/2", "")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/repos/{id}", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/repos/{id}", "404")))
}

func TestPrepareRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := NewServer(Config{
		Dashboard:   &fakeDashboard{},
		Repos:       &fakeRepos{},
		RateLimiter: httputil.NewRateLimiter(client, 1, time.Minute, ""),
	})

	assert.Equal(t, http.StatusAccepted, do(s, "POST", "/api/v1/prepare", `{"repos":[1]}`).Code)
	rec := do(s, "POST", "/api/v1/prepare", `{"repos":[1]}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// reads are never limited
	assert.Equal(t, http.StatusOK, do(s, "GET", "/api/v1/queries", "").Code)
}
