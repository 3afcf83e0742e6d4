package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/forgehealth/pkg/observability"
)

// ErrPoolClosed is returned when submitting to a pool that is shutting down
var ErrPoolClosed = errors.New("worker pool shut down")

// Task is a unit of work run by the pool. The context carries the per-task timeout.
type Task func(ctx context.Context) error

// SafeGo runs fn in a goroutine with a timeout and panic recovery. Errors are
// logged, never returned.
//
//	async.SafeGo(ctx, logger, 10*time.Second, "archive upload", func(ctx context.Context) error {
//	    return store.Put(ctx, query, repo, blob)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn Task) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()
		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			logger.WithField("task", taskName).WithError(err).Warn("background task failed")
		}
	}()
}

// PoolConfig configures a WorkerPool
type PoolConfig struct {
	Name      string
	Workers   int
	QueueSize int
	// Timeout bounds each task; zero means no per-task timeout
	Timeout time.Duration
	Logger  *observability.Logger
}

// WorkerPool runs submitted tasks on a fixed set of workers fed by a buffered queue
type WorkerPool struct {
	cfg    PoolConfig
	workCh chan Task
	doneCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	closed       bool
	shutdownOnce sync.Once
	shutdownErr  error

	running atomic.Int64
}

// NewWorkerPool creates and starts a worker pool.
//
//	pool := async.NewWorkerPool(ctx, async.PoolConfig{Name: "queries", Workers: 4, QueueSize: 64})
//	defer pool.Shutdown(30 * time.Second)
func NewWorkerPool(ctx context.Context, cfg PoolConfig) *WorkerPool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = cfg.Workers * 2
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	cfg.Logger = cfg.Logger.WithField("pool", cfg.Name)

	ctx, cancel := context.WithCancel(ctx)
	pool := &WorkerPool{
		cfg:    cfg,
		workCh: make(chan Task, cfg.QueueSize),
		doneCh: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < cfg.Workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.worker(id)
			}(i)
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit queues fn, blocking while the queue is full until ctx is done
func (p *WorkerPool) Submit(ctx context.Context, fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.workCh <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// Pending reports queued plus running tasks
func (p *WorkerPool) Pending() int {
	return len(p.workCh) + int(p.running.Load())
}

// Context is cancelled once the pool has shut down or timed out shutting down
func (p *WorkerPool) Context() context.Context {
	return p.ctx
}

// Shutdown stops accepting work and waits up to timeout for queued tasks to
// drain. On timeout running tasks see their context cancelled.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.workCh)
		p.mu.Unlock()

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			p.shutdownErr = fmt.Errorf("worker pool %s shutdown timed out after %v", p.cfg.Name, timeout)
		}
	})
	return p.shutdownErr
}

func (p *WorkerPool) worker(id int) {
	log := p.cfg.Logger.WithField("worker", id)
	for fn := range p.workCh {
		p.running.Add(1)
		p.run(log, fn)
		p.running.Add(-1)
	}
}

func (p *WorkerPool) run(log *observability.Logger, fn Task) {
	ctx, cancel := p.ctx, context.CancelFunc(func() {})
	if p.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(p.ctx, p.cfg.Timeout)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.WithError(observability.PanicError(r)).WithField("panic", fmt.Sprint(r)).Error("task panicked")
		}
	}()
	if err := fn(ctx); err != nil {
		log.WithError(err).Warn("task failed")
	}
}

// Batch runs fn over items on a temporary pool and returns every error
//
//	errs := async.Batch(ctx, groups, 4, "warm groups", time.Minute, warm)
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)

	pool := NewWorkerPool(ctx, PoolConfig{Name: taskName, Workers: workers, QueueSize: len(items) + 1, Timeout: timeout})
	for _, item := range items {
		item := item
		wg.Add(1)
		err := pool.Submit(ctx, func(ctx context.Context) error {
			defer wg.Done()
			if err := fn(ctx, item); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}

	wg.Wait()
	_ = pool.Shutdown(timeout)
	return errs
}
