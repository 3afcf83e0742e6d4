package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/forgehealth/pkg/async"
	"github.com/platinummonkey/forgehealth/pkg/augur"
	"github.com/platinummonkey/forgehealth/pkg/tasks"
)

// Augur is the database side of a warm pass
type Augur interface {
	RefreshViews(ctx context.Context, views ...string) error
	ListGroupRepos(ctx context.Context, groupID int64) ([]augur.Repo, error)
}

// Invalidator drops cached results
type Invalidator interface {
	Invalidate(ctx context.Context, query string, repos []int64) error
}

// Queue runs the queries
type Queue interface {
	Queries() []string
	SubmitAll(ctx context.Context, repos []int64) ([]tasks.Task, error)
	Status(id string) (tasks.Task, bool)
}

// Refresher recomputes every query for the configured repo groups
type Refresher struct {
	db      Augur
	cache   Invalidator
	queue   Queue
	log     *logrus.Logger
	workers int
	timeout time.Duration

	mu   sync.RWMutex
	file *File
}

// NewRefresher builds a Refresher over an already loaded groups file
func NewRefresher(db Augur, cache Invalidator, queue Queue, file *File, log *logrus.Logger) *Refresher {
	return &Refresher{
		db:      db,
		cache:   cache,
		queue:   queue,
		log:     log,
		workers: 4,
		timeout: 5 * time.Minute,
		file:    file,
	}
}

// File returns the groups currently in effect
func (r *Refresher) File() *File {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.file
}

// SetFile swaps the groups used by the next pass
func (r *Refresher) SetFile(f *File) {
	r.mu.Lock()
	r.file = f
	r.mu.Unlock()
}

// Warm refreshes the materialized views, then invalidates and resubmits every
// query for each group. A failed view refresh is logged and the pass goes on.
func (r *Refresher) Warm(ctx context.Context) ([]tasks.Task, error) {
	file := r.File()
	start := time.Now()

	if err := r.db.RefreshViews(ctx, file.Views...); err != nil {
		r.log.WithError(err).Warn("Materialized view refresh failed, warming with stale views")
	}

	var (
		mu      sync.Mutex
		started []tasks.Task
	)
	errs := async.Batch(ctx, file.Groups, r.workers, "warm groups", r.timeout, func(ctx context.Context, g Group) error {
		submitted, err := r.warmGroup(ctx, g)
		mu.Lock()
		started = append(started, submitted...)
		mu.Unlock()
		if err != nil {
			return fmt.Errorf("group %s: %w", g.Name, err)
		}
		return nil
	})

	sort.Slice(started, func(i, j int) bool { return started[i].ID < started[j].ID })
	r.log.WithFields(logrus.Fields{
		"groups":      len(file.Groups),
		"tasks":       len(started),
		"failed":      len(errs),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Warm pass submitted")
	return started, errors.Join(errs...)
}

func (r *Refresher) warmGroup(ctx context.Context, g Group) ([]tasks.Task, error) {
	repos := append([]int64(nil), g.Repos...)
	if g.GroupID != 0 {
		members, err := r.db.ListGroupRepos(ctx, g.GroupID)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			repos = append(repos, m.ID)
		}
	}

	for _, q := range r.queue.Queries() {
		if err := r.cache.Invalidate(ctx, q, repos); err != nil {
			return nil, fmt.Errorf("invalidate %s: %w", q, err)
		}
	}
	// SubmitAll returns the tasks it did start alongside any error
	submitted, err := r.queue.SubmitAll(ctx, repos)
	if err != nil {
		return submitted, err
	}
	r.log.WithFields(logrus.Fields{"group": g.Name, "repos": len(repos), "tasks": len(submitted)}).Debug("Group resubmitted")
	return submitted, nil
}

// Wait polls until every task is terminal and returns how many failed
func (r *Refresher) Wait(ctx context.Context, started []tasks.Task, poll time.Duration) (int, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		failed, done := 0, true
		for _, t := range started {
			cur, ok := r.queue.Status(t.ID)
			if !ok {
				continue
			}
			switch {
			case !cur.State.Terminal():
				done = false
			case cur.State == tasks.StateFailed:
				failed++
			}
		}
		if done {
			return failed, nil
		}

		select {
		case <-ctx.Done():
			return failed, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Watch reloads the groups file whenever it changes until ctx is done. The
// directory is watched so editors that replace the file are seen. A file that
// fails to parse leaves the previous groups in place.
func (r *Refresher) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			f, err := LoadFile(path)
			if err != nil {
				r.log.WithError(err).Error("Groups file reload failed, keeping previous groups")
				continue
			}
			r.SetFile(f)
			r.log.WithField("groups", len(f.Groups)).Info("Groups file reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.WithError(err).Warn("Watcher error")
		}
	}
}
