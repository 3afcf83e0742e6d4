package augur

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/forgehealth/pkg/observability"
)

// ErrIncompleteEnvironment means no Augur connection URL was configured.
// Background tasks treat it as permanent and do not retry.
var ErrIncompleteEnvironment = errors.New("incomplete environment: augur database URL is not set")

// DB is the query surface shared by *sql.DB and the replica selector. The
// queries package runs against it so tests can hand in sqlmock.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
	Logger      *observability.Logger

	// QueryTimeout bounds each read query; zero means no bound
	QueryTimeout time.Duration
}

// Manager owns the Augur primary connection and any read replicas. Analytics
// queries are read-only, so they go to Reader().
type Manager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32
	mu       sync.RWMutex
	config   ConnectionConfig
	logger   *observability.Logger
}

// NewManager opens and pings the primary and any replicas. Replicas that
// can't be reached are skipped with a warning.
func NewManager(config ConnectionConfig) (*Manager, error) {
	if strings.TrimSpace(config.PrimaryURL) == "" {
		return nil, ErrIncompleteEnvironment
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxConns == 0 {
		config.MaxConns = 20
	}
	if config.Logger == nil {
		config.Logger = observability.NopLogger()
	}

	m := &Manager{
		config: config,
		logger: config.Logger.WithField("component", "augur"),
	}

	primary, err := m.open(config.PrimaryURL, config.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to augur primary: %w", err)
	}
	m.primary = primary

	for i, replicaURL := range config.ReplicaURLs {
		replica, err := m.open(replicaURL, m.replicaMaxConns())
		if err != nil {
			m.logger.WithField("replica", i).WithError(err).Warn("skipping unreachable replica")
			continue
		}
		m.replicas = append(m.replicas, replica)
	}

	m.logger.WithField("replicas", len(m.replicas)).Info("augur connection manager initialized")
	return m, nil
}

// NewManagerFromDB wraps an existing connection, used with sqlmock in tests
func NewManagerFromDB(primary *sql.DB, replicas ...*sql.DB) *Manager {
	return &Manager{
		primary:  primary,
		replicas: replicas,
		logger:   observability.NopLogger(),
	}
}

func (m *Manager) replicaMaxConns() int {
	n := m.config.MaxConns / 2
	if n < 2 {
		n = 2
	}
	return n
}

func (m *Manager) open(url string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(m.config.MinConns)
	db.SetConnMaxLifetime(m.config.MaxLifetime)
	db.SetConnMaxIdleTime(m.config.MaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), m.config.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// Primary returns the primary connection
func (m *Manager) Primary() *sql.DB {
	return m.primary
}

// WithQueryTimeout derives the context a read query runs under
func (m *Manager) WithQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.config.QueryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.config.QueryTimeout)
}

// Reader returns a replica by round robin, or the primary when there are none
func (m *Manager) Reader() *sql.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.replicas) == 0 {
		return m.primary
	}
	index := atomic.AddUint32(&m.current, 1)
	return m.replicas[int(index%uint32(len(m.replicas)))]
}

// HealthCheck pings the primary and replicas. Losing every replica is
// reported even though reads fall back to the primary.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}

	m.mu.RLock()
	replicas := append([]*sql.DB(nil), m.replicas...)
	m.mu.RUnlock()

	var unhealthy []string
	for i, replica := range replicas {
		if err := replica.PingContext(ctx); err != nil {
			unhealthy = append(unhealthy, fmt.Sprintf("replica-%d", i))
		}
	}
	if len(unhealthy) > 0 && len(unhealthy) == len(replicas) {
		return fmt.Errorf("all replicas unhealthy: %s", strings.Join(unhealthy, ", "))
	}
	return nil
}

// ConnectionStats holds statistics for all database connections
type ConnectionStats struct {
	Primary  sql.DBStats
	Replicas []sql.DBStats
}

// Stats returns connection pool statistics for primary and replicas
func (m *Manager) Stats() ConnectionStats {
	stats := ConnectionStats{Primary: m.primary.Stats()}

	m.mu.RLock()
	defer m.mu.RUnlock()
	stats.Replicas = make([]sql.DBStats, len(m.replicas))
	for i, replica := range m.replicas {
		stats.Replicas[i] = replica.Stats()
	}
	return stats
}

// RemoveUnhealthyReplicas closes and drops replicas that fail a ping
func (m *Manager) RemoveUnhealthyReplicas(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	healthy := make([]*sql.DB, 0, len(m.replicas))
	removed := 0
	for _, replica := range m.replicas {
		if err := replica.PingContext(ctx); err != nil {
			replica.Close()
			removed++
			continue
		}
		healthy = append(healthy, replica)
	}
	m.replicas = healthy
	return removed
}

// StartHealthCheckRoutine prunes dead replicas and publishes pool stats every interval
func (m *Manager) StartHealthCheckRoutine(ctx context.Context, interval time.Duration, metrics *observability.Metrics) {
	if interval == 0 {
		interval = 30 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer observability.RecoverPanic(m.logger, "augur health check")

		for {
			select {
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				removed := m.RemoveUnhealthyReplicas(checkCtx)
				cancel()
				if removed > 0 {
					m.logger.WithField("removed", removed).Warn("removed unhealthy replicas")
				}
				metrics.RecordDBStats(m.primary.Stats())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error
	if err := m.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary close error: %w", err))
	}

	m.mu.Lock()
	replicas := m.replicas
	m.replicas = nil
	m.mu.Unlock()

	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d close error: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// ParseReplicaURLs parses a comma-separated list of replica URLs
func ParseReplicaURLs(replicaURLsStr string) []string {
	if replicaURLsStr == "" {
		return nil
	}

	urls := strings.Split(replicaURLsStr, ",")
	result := make([]string, 0, len(urls))
	for _, url := range urls {
		if trimmed := strings.TrimSpace(url); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
