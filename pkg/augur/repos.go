package augur

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// ErrRepoNotFound is returned for repository or group ids Augur doesn't know
var ErrRepoNotFound = errors.New("repository not found")

// DefaultViews are the materialized views the contributor and response queries read
var DefaultViews = []string{"explorer_contributor_actions", "explorer_pr_response"}

// Repo is a repository tracked by Augur
type Repo struct {
	ID        int64  `json:"repo_id"`
	Name      string `json:"repo_name"`
	Git       string `json:"repo_git"`
	GroupID   int64  `json:"repo_group_id"`
	GroupName string `json:"rg_name"`
}

const repoColumns = `r.repo_id, r.repo_name, r.repo_git, r.repo_group_id, COALESCE(g.rg_name, '')`

const searchReposSQL = `
SELECT ` + repoColumns + `
FROM augur_data.repo r
LEFT JOIN augur_data.repo_groups g ON g.repo_group_id = r.repo_group_id
WHERE r.repo_name ILIKE $1 OR r.repo_git ILIKE $1
ORDER BY r.repo_name, r.repo_id
LIMIT $2`

const getRepoSQL = `
SELECT ` + repoColumns + `
FROM augur_data.repo r
LEFT JOIN augur_data.repo_groups g ON g.repo_group_id = r.repo_group_id
WHERE r.repo_id = $1`

const groupReposSQL = `
SELECT ` + repoColumns + `
FROM augur_data.repo r
JOIN augur_data.repo_groups g ON g.repo_group_id = r.repo_group_id
WHERE r.repo_group_id = $1
ORDER BY r.repo_name, r.repo_id`

const reposByIDSQL = `
SELECT ` + repoColumns + `
FROM augur_data.repo r
LEFT JOIN augur_data.repo_groups g ON g.repo_group_id = r.repo_group_id
WHERE r.repo_id = ANY($1)
ORDER BY r.repo_id`

// escapeLike escapes LIKE wildcards so user input matches literally
func escapeLike(term string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term)
}

func scanRepos(rows *sql.Rows) ([]Repo, error) {
	defer rows.Close()
	repos := make([]Repo, 0)
	for rows.Next() {
		var r Repo
		if err := rows.Scan(&r.ID, &r.Name, &r.Git, &r.GroupID, &r.GroupName); err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// SearchRepos matches term case-insensitively against repo names and git URLs
func (m *Manager) SearchRepos(ctx context.Context, term string, limit int) ([]Repo, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	pattern := "%" + escapeLike(strings.TrimSpace(term)) + "%"
	ctx, cancel := m.WithQueryTimeout(ctx)
	defer cancel()

	rows, err := m.Reader().QueryContext(ctx, searchReposSQL, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search repos: %w", err)
	}
	return scanRepos(rows)
}

// GetRepo looks up one repository
func (m *Manager) GetRepo(ctx context.Context, id int64) (*Repo, error) {
	ctx, cancel := m.WithQueryTimeout(ctx)
	defer cancel()

	var r Repo
	err := m.Reader().QueryRowContext(ctx, getRepoSQL, id).
		Scan(&r.ID, &r.Name, &r.Git, &r.GroupID, &r.GroupName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRepoNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get repo %d: %w", id, err)
	}
	return &r, nil
}

// GetRepos looks up several repositories, failing if any id is unknown
func (m *Manager) GetRepos(ctx context.Context, ids []int64) ([]Repo, error) {
	if len(ids) == 0 {
		return []Repo{}, nil
	}
	ctx, cancel := m.WithQueryTimeout(ctx)
	defer cancel()

	rows, err := m.Reader().QueryContext(ctx, reposByIDSQL, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get repos: %w", err)
	}
	repos, err := scanRepos(rows)
	if err != nil {
		return nil, err
	}

	found := make(map[int64]struct{}, len(repos))
	for _, r := range repos {
		found[r.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			return nil, fmt.Errorf("%w: %d", ErrRepoNotFound, id)
		}
	}
	return repos, nil
}

// ListGroupRepos returns the repositories of a repo group. An unknown or empty
// group is ErrRepoNotFound.
func (m *Manager) ListGroupRepos(ctx context.Context, groupID int64) ([]Repo, error) {
	ctx, cancel := m.WithQueryTimeout(ctx)
	defer cancel()

	rows, err := m.Reader().QueryContext(ctx, groupReposSQL, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group %d repos: %w", groupID, err)
	}
	repos, err := scanRepos(rows)
	if err != nil {
		return nil, err
	}
	if len(repos) == 0 {
		return nil, fmt.Errorf("%w: group %d", ErrRepoNotFound, groupID)
	}
	return repos, nil
}

// RefreshViews refreshes Augur materialized views on the primary, in order.
// CONCURRENTLY keeps readers unblocked while the view rebuilds.
func (m *Manager) RefreshViews(ctx context.Context, views ...string) error {
	if len(views) == 0 {
		views = DefaultViews
	}
	for _, view := range views {
		start := time.Now()
		stmt := "REFRESH MATERIALIZED VIEW CONCURRENTLY " + pq.QuoteIdentifier("augur_data") + "." + pq.QuoteIdentifier(view)
		if _, err := m.primary.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("refresh view %s: %w", view, err)
		}
		m.logger.WithField("view", view).WithField("duration_ms", time.Since(start).Milliseconds()).Info("refreshed materialized view")
	}
	return nil
}
