//go:build integration

package augur

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const fixtureSchema = `
CREATE SCHEMA augur_data;
CREATE TABLE augur_data.repo_groups (repo_group_id BIGINT PRIMARY KEY, rg_name TEXT NOT NULL);
CREATE TABLE augur_data.repo (
	repo_id BIGINT PRIMARY KEY,
	repo_group_id BIGINT REFERENCES augur_data.repo_groups,
	repo_git TEXT NOT NULL,
	repo_name TEXT NOT NULL
);
CREATE TABLE augur_data.actions (repo_id BIGINT, cntrb_id TEXT);
CREATE MATERIALIZED VIEW augur_data.explorer_contributor_actions AS
	SELECT repo_id, cntrb_id FROM augur_data.actions;
CREATE UNIQUE INDEX ON augur_data.explorer_contributor_actions (repo_id, cntrb_id);
INSERT INTO augur_data.repo_groups VALUES (1, 'chaoss');
INSERT INTO augur_data.repo VALUES
	(10, 1, 'https://github.com/chaoss/augur', 'augur'),
	(11, 1, 'https://github.com/chaoss/grimoirelab', 'grimoirelab');
`

func setupAugur(t *testing.T) *Manager {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("augur"),
		postgres.WithUsername("augur"),
		postgres.WithPassword("augur"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	m, err := NewManager(ConnectionConfig{PrimaryURL: connStr, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	_, err = m.Primary().ExecContext(ctx, fixtureSchema)
	require.NoError(t, err)
	return m
}

func TestAugurIntegration(t *testing.T) {
	m := setupAugur(t)
	ctx := context.Background()

	repos, err := m.SearchRepos(ctx, "GRIMOIRE", 10)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, int64(11), repos[0].ID)
	assert.Equal(t, "chaoss", repos[0].GroupName)

	group, err := m.ListGroupRepos(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, group, 2)

	_, err = m.GetRepo(ctx, 999)
	assert.ErrorIs(t, err, ErrRepoNotFound)

	require.NoError(t, m.RefreshViews(ctx, "explorer_contributor_actions"))
	require.NoError(t, m.HealthCheck(ctx))
}
