package dashboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/forgehealth/pkg/archive"
	"github.com/platinummonkey/forgehealth/pkg/cache"
	"github.com/platinummonkey/forgehealth/pkg/figure"
	"github.com/platinummonkey/forgehealth/pkg/observability"
	"github.com/platinummonkey/forgehealth/pkg/queries"
	"github.com/platinummonkey/forgehealth/pkg/tasks"
	"github.com/platinummonkey/forgehealth/pkg/viz"
)

var (
	// ErrNotReady means the data was still being computed when the wait budget ran out
	ErrNotReady = cache.ErrNotReady
	// ErrSnapshotNotFound means neither the cache nor the archive holds the blob
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrTaskFailed means a query a chart needs failed for good, so waiting is pointless
	ErrTaskFailed = errors.New("query task failed")
)

const (
	// DefaultRenderWait bounds a render when the config leaves it unset
	DefaultRenderWait = 60 * time.Second
	// DefaultTaskPoll is how often a render checks on the tasks it waits for
	DefaultTaskPoll = time.Second
)

// Queue is the part of tasks.Queue the dashboard drives
type Queue interface {
	Submit(ctx context.Context, query string, repos []int64) (tasks.Task, error)
	SubmitAll(ctx context.Context, repos []int64) ([]tasks.Task, error)
	Status(id string) (tasks.Task, bool)
}

// Cache is the read side of the result cache
type Cache interface {
	queries.Source
	GetMany(ctx context.Context, query string, repos []int64) ([][]byte, []int64, error)
	Missing(ctx context.Context, query string, repos []int64) ([]int64, error)
	Invalidate(ctx context.Context, query string, repos []int64) error
	InvalidateQuery(ctx context.Context, query string) (int, error)
}

// Archive serves snapshots the cache has expired
type Archive interface {
	Get(ctx context.Context, query string, repo int64) ([]byte, error)
}

// Config tunes a Service
type Config struct {
	// RenderWait is the default and the upper bound of a render's wait
	RenderWait time.Duration
	// TaskPoll is how often Render checks whether a task it waits for failed
	TaskPoll time.Duration
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// Service ties the task queue, the cache and the charts together
type Service struct {
	queue   Queue
	cache   Cache
	archive Archive
	wait    time.Duration
	poll    time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewService builds a Service. archive may be nil.
func NewService(queue Queue, c Cache, a Archive, cfg Config) *Service {
	if cfg.RenderWait <= 0 {
		cfg.RenderWait = DefaultRenderWait
	}
	if cfg.TaskPoll <= 0 {
		cfg.TaskPoll = DefaultTaskPoll
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	return &Service{
		queue:   queue,
		cache:   c,
		archive: a,
		wait:    cfg.RenderWait,
		poll:    cfg.TaskPoll,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// RenderRequest are the chart controls plus how long to block for data
type RenderRequest struct {
	viz.Params
	// Wait is capped at the service's RenderWait; zero uses it
	Wait time.Duration
}

// QueryStatus reports whether a query is cached for every repo
type QueryStatus struct {
	Query   string  `json:"query"`
	Ready   bool    `json:"ready"`
	Missing []int64 `json:"missing"`
}

// Prepare starts every query for repos, as the dashboard does when a repo set is searched
func (s *Service) Prepare(ctx context.Context, repos []int64) ([]tasks.Task, error) {
	return s.queue.SubmitAll(ctx, repos)
}

// Task returns a task snapshot
func (s *Service) Task(id string) (tasks.Task, bool) {
	return s.queue.Status(id)
}

// Render makes sure the chart's queries are computed, waits for them and builds the figure
func (s *Service) Render(ctx context.Context, id string, req RenderRequest) (*figure.Figure, error) {
	v, err := viz.Lookup(id)
	if err != nil {
		return nil, err
	}
	params, err := v.Validate(req.Params)
	if err != nil {
		return nil, err
	}

	started := make([]tasks.Task, len(v.Queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range v.Queries {
		g.Go(func() error {
			t, err := s.queue.Submit(gctx, q, params.Repos)
			if err != nil {
				return fmt.Errorf("submit %s: %w", q, err)
			}
			started[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	wait := req.Wait
	if wait <= 0 || wait > s.wait {
		wait = s.wait
	}
	failCtx, fail := context.WithCancelCause(ctx)
	defer fail(nil)
	waitCtx, cancel := context.WithTimeout(failCtx, wait)
	defer cancel()
	go s.watchTasks(waitCtx, started, fail)

	start := time.Now()
	fig, err := v.Build(waitCtx, s.cache, params)
	if err != nil {
		if cause := context.Cause(failCtx); errors.Is(cause, ErrTaskFailed) {
			return nil, fmt.Errorf("%s: %w", id, cause)
		}
		if errors.Is(err, cache.ErrNotReady) {
			if s.metrics != nil {
				s.metrics.RenderPendingTotal.WithLabelValues(id).Inc()
			}
			s.logger.WithField("visualization", id).
				WithField("wait", wait.String()).
				Debug("Visualization data not ready")
			return nil, fmt.Errorf("%s: %w", id, ErrNotReady)
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RenderDuration.WithLabelValues(id).Observe(time.Since(start).Seconds())
	}
	return fig, nil
}

// watchTasks cancels a render as soon as one of the tasks it waits for fails
func (s *Service) watchTasks(ctx context.Context, started []tasks.Task, fail context.CancelCauseFunc) {
	var ids []string
	for _, t := range started {
		if t.ID != "" && t.State != tasks.StateSkipped {
			ids = append(ids, t.ID)
		}
	}
	if len(ids) == 0 {
		return
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		for _, id := range ids {
			if t, ok := s.queue.Status(id); ok && t.State == tasks.StateFailed {
				fail(fmt.Errorf("%w: %s: %s", ErrTaskFailed, t.Query, t.Error))
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Status reports which repos still lack a cached result for query
func (s *Service) Status(ctx context.Context, query string, repos []int64) (QueryStatus, error) {
	if _, ok := queries.Lookup(query); !ok {
		return QueryStatus{}, fmt.Errorf("%w: %s", tasks.ErrUnknownQuery, query)
	}
	if len(repos) == 0 {
		return QueryStatus{}, tasks.ErrNoRepos
	}
	missing, err := s.cache.Missing(ctx, query, repos)
	if err != nil {
		return QueryStatus{}, err
	}
	if missing == nil {
		missing = []int64{}
	}
	return QueryStatus{Query: query, Ready: len(missing) == 0, Missing: missing}, nil
}

// Invalidate drops cached results of query for repos, or for every repo when
// repos is empty, and returns how many entries it targeted.
func (s *Service) Invalidate(ctx context.Context, query string, repos []int64) (int, error) {
	if _, ok := queries.Lookup(query); !ok {
		return 0, fmt.Errorf("%w: %s", tasks.ErrUnknownQuery, query)
	}
	if len(repos) == 0 {
		return s.cache.InvalidateQuery(ctx, query)
	}
	if err := s.cache.Invalidate(ctx, query, repos); err != nil {
		return 0, err
	}
	return len(repos), nil
}

// Snapshot returns the raw Arrow file of one query and repo and where it came from
func (s *Service) Snapshot(ctx context.Context, query string, repo int64) ([]byte, string, error) {
	if _, ok := queries.Lookup(query); !ok {
		return nil, "", fmt.Errorf("%w: %s", tasks.ErrUnknownQuery, query)
	}

	blobs, missing, err := s.cache.GetMany(ctx, query, []int64{repo})
	switch {
	case err != nil:
		s.logger.WithQuery(query, []int64{repo}).WithError(err).Warn("Cache read failed, trying archive")
	case len(missing) == 0:
		return blobs[0], "cache", nil
	}

	if s.archive == nil {
		return nil, "", fmt.Errorf("%w: %s/%d", ErrSnapshotNotFound, query, repo)
	}
	blob, err := s.archive.Get(ctx, query, repo)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) || errors.Is(err, archive.ErrDisabled) {
			return nil, "", fmt.Errorf("%w: %s/%d", ErrSnapshotNotFound, query, repo)
		}
		return nil, "", err
	}
	return blob, "archive", nil
}
