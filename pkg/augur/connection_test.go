package augur

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPingMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	return db, mock
}

func TestParseReplicaURLs(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty string", input: "", expected: nil},
		{name: "single URL", input: "postgres://localhost:5432/augur", expected: []string{"postgres://localhost:5432/augur"}},
		{
			name:     "whitespace and empty entries",
			input:    " postgres://r1/augur ,,postgres://r2/augur, ",
			expected: []string{"postgres://r1/augur", "postgres://r2/augur"},
		},
		{name: "only commas", input: " , , ", expected: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseReplicaURLs(tt.input))
		})
	}
}

func TestNewManager_IncompleteEnvironment(t *testing.T) {
	_, err := NewManager(ConnectionConfig{PrimaryURL: "  "})
	assert.ErrorIs(t, err, ErrIncompleteEnvironment)
}

func TestManager_ReaderRoundRobin(t *testing.T) {
	primary, _ := newPingMock(t)
	r1, _ := newPingMock(t)
	r2, _ := newPingMock(t)

	t.Run("primary when no replicas", func(t *testing.T) {
		m := NewManagerFromDB(primary)
		assert.Same(t, primary, m.Reader())
		assert.Same(t, primary, m.Primary())
	})

	t.Run("alternates replicas", func(t *testing.T) {
		m := NewManagerFromDB(primary, r1, r2)
		first := m.Reader()
		second := m.Reader()
		third := m.Reader()
		assert.NotSame(t, first, second)
		assert.Same(t, first, third)
		assert.NotSame(t, primary, first)
	})
}

func TestManager_HealthCheck(t *testing.T) {
	t.Run("primary down", func(t *testing.T) {
		primary, mock := newPingMock(t)
		mock.ExpectPing().WillReturnError(errors.New("refused"))

		err := NewManagerFromDB(primary).HealthCheck(context.Background())
		assert.ErrorContains(t, err, "primary unhealthy")
	})

	t.Run("one replica down is fine", func(t *testing.T) {
		primary, pm := newPingMock(t)
		r1, m1 := newPingMock(t)
		r2, m2 := newPingMock(t)
		pm.ExpectPing()
		m1.ExpectPing().WillReturnError(errors.New("refused"))
		m2.ExpectPing()

		assert.NoError(t, NewManagerFromDB(primary, r1, r2).HealthCheck(context.Background()))
	})

	t.Run("all replicas down", func(t *testing.T) {
		primary, pm := newPingMock(t)
		r1, m1 := newPingMock(t)
		pm.ExpectPing()
		m1.ExpectPing().WillReturnError(errors.New("refused"))

		err := NewManagerFromDB(primary, r1).HealthCheck(context.Background())
		assert.ErrorContains(t, err, "all replicas unhealthy: replica-0")
	})
}

func TestManager_RemoveUnhealthyReplicas(t *testing.T) {
	primary, _ := newPingMock(t)
	r1, m1 := newPingMock(t)
	r2, m2 := newPingMock(t)
	m1.ExpectPing().WillReturnError(errors.New("gone"))
	m1.ExpectClose()
	m2.ExpectPing()

	m := NewManagerFromDB(primary, r1, r2)
	assert.Equal(t, 1, m.RemoveUnhealthyReplicas(context.Background()))
	assert.Same(t, r2, m.Reader())
	assert.Len(t, m.Stats().Replicas, 1)
	assert.NoError(t, m1.ExpectationsWereMet())
}

func TestManager_Close(t *testing.T) {
	primary, pm := newPingMock(t)
	r1, m1 := newPingMock(t)
	pm.ExpectClose()
	m1.ExpectClose().WillReturnError(errors.New("busy"))

	err := NewManagerFromDB(primary, r1).Close()
	assert.ErrorContains(t, err, "replica-0 close error: busy")
	assert.NoError(t, pm.ExpectationsWereMet())
}

func TestManager_WithQueryTimeout(t *testing.T) {
	m := NewManagerFromDB(nil)

	ctx, cancel := m.WithQueryTimeout(context.Background())
	_, ok := ctx.Deadline()
	cancel()
	assert.False(t, ok, "no bound by default")

	m.config.QueryTimeout = time.Minute
	ctx, cancel = m.WithQueryTimeout(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
}

func TestSearchReposHonorsQueryTimeout(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := NewManagerFromDB(db)
	m.config.QueryTimeout = 20 * time.Millisecond
	mock.ExpectQuery(`FROM augur_data.repo r`).
		WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows(repoRowColumns))

	start := time.Now()
	_, err = m.SearchRepos(context.Background(), "augur", 10)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}
