package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/forgehealth/pkg/async"
	"github.com/platinummonkey/forgehealth/pkg/augur"
	"github.com/platinummonkey/forgehealth/pkg/observability"
	"github.com/platinummonkey/forgehealth/pkg/queries"
)

// archiveTimeout bounds the background upload of one task's snapshots
const archiveTimeout = 2 * time.Minute

var (
	// ErrUnknownQuery is returned when no query is registered under a name
	ErrUnknownQuery = errors.New("unknown query")
	// ErrNoRepos is returned when a task names no repos
	ErrNoRepos = errors.New("no repos given")
)

// Store is the cache side of the queue
type Store interface {
	Missing(ctx context.Context, query string, repos []int64) ([]int64, error)
	MarkPending(ctx context.Context, query string, repos []int64) ([]int64, error)
	ClearPending(ctx context.Context, query string, repos []int64) error
	SetMany(ctx context.Context, query string, repos []int64, blobs [][]byte) error
}

// Archiver receives a copy of every blob written. Failures must not be returned.
type Archiver interface {
	PutMany(ctx context.Context, query string, blobs map[int64][]byte) (failed int)
}

// Config configures a Queue
type Config struct {
	Workers   int
	QueueSize int
	// Timeout bounds one task including its retries
	Timeout time.Duration
	Retry   RetryConfig
	// FinishedTasks bounds how many finished tasks Status still reports
	FinishedTasks int

	// Runners overrides the registered queries
	Runners []queries.Runner

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Queue runs query tasks on a worker pool and writes their results to the cache
type Queue struct {
	cfg     Config
	db      *augur.Manager
	store   Store
	archive Archiver
	retry   *RetryPolicy
	pool    *async.WorkerPool
	logger  *observability.Logger

	runners map[string]queries.Runner
	names   []string
	group   singleflight.Group

	mu       sync.Mutex
	active   map[string]*Task
	finished *lru.Cache[string, Task]
}

// NewQueue starts the worker pool. db may be nil, in which case every task
// fails with augur.ErrIncompleteEnvironment. archive may be nil.
func NewQueue(ctx context.Context, cfg Config, db *augur.Manager, store Store, archive Archiver) (*Queue, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.FinishedTasks <= 0 {
		cfg.FinishedTasks = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.Runners == nil {
		cfg.Runners = queries.All()
	}

	finished, err := lru.New[string, Task](cfg.FinishedTasks)
	if err != nil {
		return nil, fmt.Errorf("create finished task cache: %w", err)
	}

	q := &Queue{
		cfg:      cfg,
		db:       db,
		store:    store,
		archive:  archive,
		retry:    NewRetryPolicy(cfg.Retry),
		logger:   cfg.Logger.WithField("component", "tasks"),
		runners:  make(map[string]queries.Runner, len(cfg.Runners)),
		active:   make(map[string]*Task),
		finished: finished,
	}
	for _, r := range cfg.Runners {
		q.runners[r.Name()] = r
		q.names = append(q.names, r.Name())
	}
	sort.Strings(q.names)

	q.pool = async.NewWorkerPool(ctx, async.PoolConfig{
		Name:      "query-tasks",
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Timeout:   cfg.Timeout,
		Logger:    cfg.Logger,
	})
	return q, nil
}

// Queries lists the query names this queue runs
func (q *Queue) Queries() []string {
	return append([]string(nil), q.names...)
}

// Submit enqueues query over the repos that are neither cached nor pending
// elsewhere. When none remain the returned task is already skipped.
// Identical concurrent submissions share one task.
func (q *Queue) Submit(ctx context.Context, query string, repos []int64) (Task, error) {
	runner, ok := q.runners[query]
	if !ok {
		q.countSubmit(query, "rejected")
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownQuery, query)
	}
	repos = normalizeRepos(repos)
	if len(repos) == 0 {
		q.countSubmit(query, "rejected")
		return Task{}, ErrNoRepos
	}

	v, err, _ := q.group.Do(flightKey(query, repos), func() (interface{}, error) {
		return q.submit(ctx, runner, repos)
	})
	if err != nil {
		return Task{}, err
	}
	return v.(Task), nil
}

func (q *Queue) submit(ctx context.Context, runner queries.Runner, repos []int64) (Task, error) {
	query := runner.Name()
	missing, err := q.store.Missing(ctx, query, repos)
	if err != nil {
		return Task{}, fmt.Errorf("check cache for %s: %w", query, err)
	}
	claimed, err := q.store.MarkPending(ctx, query, missing)
	if err != nil {
		return Task{}, fmt.Errorf("mark %s pending: %w", query, err)
	}

	now := time.Now()
	t := &Task{
		ID:        uuid.New().String(),
		Query:     query,
		Repos:     claimed,
		State:     StateQueued,
		CreatedAt: now,
	}

	if len(claimed) == 0 {
		t.State = StateSkipped
		t.FinishedAt = now
		q.finished.Add(t.ID, *t)
		q.countSubmit(query, "skipped")
		return *t, nil
	}

	q.mu.Lock()
	q.active[t.ID] = t
	snapshot := t.clone()
	q.mu.Unlock()

	if q.cfg.Metrics != nil {
		q.cfg.Metrics.TasksInFlight.Inc()
	}
	err = q.pool.Submit(ctx, func(poolCtx context.Context) error {
		return q.execute(poolCtx, runner, t.ID)
	})
	if err != nil {
		if q.cfg.Metrics != nil {
			q.cfg.Metrics.TasksInFlight.Dec()
		}
		q.finish(t.ID, StateFailed, err)
		q.clearPending(query, claimed)
		q.countSubmit(query, "rejected")
		return Task{}, fmt.Errorf("enqueue %s: %w", query, err)
	}

	q.countSubmit(query, "queued")
	q.logger.WithQuery(query, claimed).WithField("task_id", t.ID).Debug("Task queued")
	return snapshot, nil
}

// SubmitAll submits every query for repos
func (q *Queue) SubmitAll(ctx context.Context, repos []int64) ([]Task, error) {
	out := make([]Task, 0, len(q.names))
	var errs []error
	for _, name := range q.names {
		t, err := q.Submit(ctx, name, repos)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, t)
	}
	return out, errors.Join(errs...)
}

// Status returns a snapshot of a queued, running or recently finished task
func (q *Queue) Status(id string) (Task, bool) {
	q.mu.Lock()
	t, ok := q.active[id]
	if ok {
		snapshot := t.clone()
		q.mu.Unlock()
		return snapshot, true
	}
	q.mu.Unlock()
	return q.finished.Get(id)
}

// Pending reports how many tasks are queued or running
func (q *Queue) Pending() int {
	return q.pool.Pending()
}

// Close stops accepting tasks and waits up to timeout for running ones
func (q *Queue) Close(timeout time.Duration) error {
	return q.pool.Shutdown(timeout)
}

func (q *Queue) execute(ctx context.Context, runner queries.Runner, id string) error {
	q.mu.Lock()
	t := q.active[id]
	query, repos := t.Query, t.Repos
	q.mu.Unlock()

	log := q.logger.WithQuery(query, repos).WithField("task_id", id)
	ctx = observability.WithLogger(ctx, log)
	start := time.Now()

	err := q.runWithRetries(ctx, runner, id, repos, log)

	// Release claims before publishing the terminal state
	q.clearPending(query, repos)
	if q.cfg.Metrics != nil {
		q.cfg.Metrics.TaskDuration.WithLabelValues(query).Observe(time.Since(start).Seconds())
		q.cfg.Metrics.TasksInFlight.Dec()
	}

	if err != nil {
		q.finish(id, StateFailed, err)
		return err
	}
	q.finish(id, StateSucceeded, nil)
	return nil
}

func (q *Queue) runWithRetries(ctx context.Context, runner queries.Runner, id string, repos []int64, log *observability.Logger) error {
	for retries := 0; ; retries++ {
		q.update(id, func(t *Task) {
			t.State = StateRunning
			t.Attempts = retries + 1
			if t.StartedAt.IsZero() {
				t.StartedAt = time.Now()
			}
		})

		err := q.attempt(ctx, runner, repos, retries+1)
		if err == nil {
			log.WithField("attempts", retries+1).Info("Task succeeded")
			return nil
		}
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", err, ctx.Err())
			log.WithError(err).Error("Task cancelled")
			return err
		}
		if !q.retry.ShouldRetry(retries, err) {
			if errors.Is(err, augur.ErrIncompleteEnvironment) {
				log.Error("Incomplete environment, not retrying")
			} else {
				log.WithError(err).WithField("attempts", retries+1).Error("Task failed")
			}
			return err
		}

		delay := q.retry.NextRetryDelay(retries + 1)
		q.update(id, func(t *Task) {
			t.State = StateRetrying
			t.Error = err.Error()
		})
		if q.cfg.Metrics != nil {
			q.cfg.Metrics.TaskRetriesTotal.WithLabelValues(runner.Name()).Inc()
		}
		log.WithError(err).WithField("delay", delay.String()).Warn("Task attempt failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			err = fmt.Errorf("%w: %w", err, ctx.Err())
			log.WithError(err).Error("Task cancelled while waiting to retry")
			return err
		case <-timer.C:
		}
	}
}

func (q *Queue) attempt(ctx context.Context, runner queries.Runner, repos []int64, attempt int) error {
	query := runner.Name()
	ctx, span := observability.Tracer().Start(ctx, "tasks.attempt",
		trace.WithAttributes(
			attribute.String("query", query),
			attribute.Int("repos", len(repos)),
			attribute.Int("attempt", attempt),
		),
	)
	defer span.End()
	ctx = observability.WithLogger(ctx, observability.UpdateLoggerWithTraceContext(ctx, observability.GetLogger(ctx)))

	err := q.runOnce(ctx, runner, repos)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "attempt failed")
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (q *Queue) runOnce(ctx context.Context, runner queries.Runner, repos []int64) error {
	if q.db == nil {
		return augur.ErrIncompleteEnvironment
	}

	qctx, cancel := q.db.WithQueryTimeout(ctx)
	results, err := runner.Run(qctx, q.db.Reader(), repos)
	cancel()
	if err != nil {
		return err
	}

	blobs := make([][]byte, len(repos))
	for i, repo := range repos {
		blob, ok := results[repo]
		if !ok {
			return fmt.Errorf("%s: no result for repo %d", runner.Name(), repo)
		}
		blobs[i] = blob
	}
	if err := q.store.SetMany(ctx, runner.Name(), repos, blobs); err != nil {
		return fmt.Errorf("store %s: %w", runner.Name(), err)
	}

	if q.archive != nil {
		name := runner.Name()
		log := observability.GetLogger(ctx)
		// the worker's context ends with the task; uploads outlive it
		async.SafeGo(context.WithoutCancel(ctx), log, archiveTimeout, "archive "+name, func(ctx context.Context) error {
			if failed := q.archive.PutMany(ctx, name, results); failed > 0 {
				return fmt.Errorf("%d of %d snapshots not archived", failed, len(results))
			}
			return nil
		})
	}
	return nil
}

func (q *Queue) update(id string, fn func(*Task)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.active[id]; ok {
		fn(t)
	}
}

func (q *Queue) finish(id string, state State, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.active[id]
	if !ok {
		return
	}
	t.State = state
	t.FinishedAt = time.Now()
	if err != nil {
		t.Error = err.Error()
	} else {
		t.Error = ""
	}

	if q.cfg.Metrics != nil {
		q.cfg.Metrics.TasksFinishedTotal.WithLabelValues(t.Query, string(state)).Inc()
	}
	q.finished.Add(id, t.clone())
	delete(q.active, id)
}

// clearPending runs on its own context so cancelled tasks still release their markers
func (q *Queue) clearPending(query string, repos []int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.store.ClearPending(ctx, query, repos); err != nil {
		q.logger.WithQuery(query, repos).WithError(err).Warn("Failed to clear pending markers")
	}
}

func (q *Queue) countSubmit(query, outcome string) {
	if q.cfg.Metrics != nil {
		q.cfg.Metrics.TasksSubmittedTotal.WithLabelValues(query, outcome).Inc()
	}
}

func normalizeRepos(repos []int64) []int64 {
	seen := make(map[int64]struct{}, len(repos))
	out := make([]int64, 0, len(repos))
	for _, r := range repos {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func flightKey(query string, repos []int64) string {
	var b strings.Builder
	b.WriteString(query)
	for _, r := range repos {
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(r, 10))
	}
	return b.String()
}
