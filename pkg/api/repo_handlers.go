package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/forgehealth/pkg/httputil"
)

const (
	defaultSearchLimit = 25
	maxSearchLimit     = 100
)

// RepoHandlers serves repository lookups for the search bar
type RepoHandlers struct {
	repos RepoStore
}

// NewRepoHandlers creates repo handlers
func NewRepoHandlers(repos RepoStore) *RepoHandlers {
	return &RepoHandlers{repos: repos}
}

// RegisterRoutes registers repository routes
func (h *RepoHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/repos", h.searchRepos).Methods("GET")
	r.HandleFunc("/api/v1/repos/{id}", h.getRepo).Methods("GET")
	r.HandleFunc("/api/v1/groups/{id}/repos", h.listGroupRepos).Methods("GET")
}

// searchRepos handles GET /api/v1/repos
// Query params:
//   - search: substring of the repo name or git url
//   - limit: 1-100, default 25
func (h *RepoHandlers) searchRepos(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", defaultSearchLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if limit <= 0 || limit > maxSearchLimit {
		httputil.WriteBadRequest(w, "limit must be between 1 and 100")
		return
	}

	repos, err := h.repos.SearchRepos(r.Context(), httputil.ParseQueryString(r, "search", ""), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, repos)
}

// getRepo handles GET /api/v1/repos/{id}
func (h *RepoHandlers) getRepo(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	repo, err := h.repos.GetRepo(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, repo)
}

// listGroupRepos handles GET /api/v1/groups/{id}/repos
func (h *RepoHandlers) listGroupRepos(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	repos, err := h.repos.ListGroupRepos(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, repos)
}
