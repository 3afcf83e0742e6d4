package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/forgehealth/pkg/observability"
)

const keyPrefix = "forgehealth"

var (
	// ErrNotReady is returned by Await when the context ends before every repo is cached
	ErrNotReady = errors.New("results not ready")
	// ErrLengthMismatch means SetMany got a different number of blobs and repos
	ErrLengthMismatch = errors.New("repos and blobs differ in length")
)

// Config tunes both cache tiers
type Config struct {
	TTL          time.Duration
	PendingTTL   time.Duration
	PollInterval time.Duration

	L1Enabled bool
	L1Size    int
	L1TTL     time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Stats counts lookups per tier since the cache was created
type Stats struct {
	L1Hits    int64   `json:"l1_hits"`
	RedisHits int64   `json:"redis_hits"`
	Misses    int64   `json:"misses"`
	L1Items   int     `json:"l1_items"`
	HitRate   float64 `json:"hit_rate"`
}

// Cache stores encoded query results per (query, repo) in Redis, fronted by
// an optional in-process expirable LRU.
type Cache struct {
	client *redis.Client
	l1     *lru.LRU[string, []byte]
	cfg    Config
	logger *observability.Logger

	l1Hits    atomic.Int64
	redisHits atomic.Int64
	misses    atomic.Int64
}

// New wraps a connected Redis client
func New(client *redis.Client, cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 6 * time.Hour
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 15 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}

	c := &Cache{
		client: client,
		cfg:    cfg,
		logger: cfg.Logger.WithField("component", "cache"),
	}
	if cfg.L1Enabled {
		size := cfg.L1Size
		if size <= 0 {
			size = 512
		}
		ttl := cfg.L1TTL
		if ttl <= 0 || ttl > cfg.TTL {
			ttl = cfg.TTL
		}
		c.l1 = lru.NewLRU[string, []byte](size, nil, ttl)
	}
	return c
}

// Key is the Redis key holding one repo's result for query
func Key(query string, repo int64) string {
	return keyPrefix + ":" + query + ":" + strconv.FormatInt(repo, 10)
}

func pendingKey(query string, repo int64) string {
	return keyPrefix + ":pending:" + query + ":" + strconv.FormatInt(repo, 10)
}

// SetMany stores blobs[i] for repos[i] in one pipeline with the configured TTL
func (c *Cache) SetMany(ctx context.Context, query string, repos []int64, blobs [][]byte) error {
	if len(repos) != len(blobs) {
		return fmt.Errorf("%w: %d repos, %d blobs", ErrLengthMismatch, len(repos), len(blobs))
	}
	if len(repos) == 0 {
		return nil
	}

	var written int
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, repo := range repos {
			pipe.Set(ctx, Key(query, repo), blobs[i], c.cfg.TTL)
			written += len(blobs[i])
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", query, err)
	}

	if c.l1 != nil {
		for i, repo := range repos {
			c.l1.Add(Key(query, repo), blobs[i])
		}
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.CacheWritesBytes.WithLabelValues(query).Add(float64(written))
	}
	return nil
}

// GetMany returns one blob per repo, in order. The result is complete only
// when missing is empty; missing positions hold nil.
func (c *Cache) GetMany(ctx context.Context, query string, repos []int64) ([][]byte, []int64, error) {
	blobs := make([][]byte, len(repos))
	var (
		keys []string
		idx  []int
	)
	for i, repo := range repos {
		key := Key(query, repo)
		if c.l1 != nil {
			if blob, ok := c.l1.Get(key); ok {
				blobs[i] = blob
				c.recordHit("l1", query)
				continue
			}
		}
		keys = append(keys, key)
		idx = append(idx, i)
	}
	if len(keys) == 0 {
		return blobs, nil, nil
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("redis mget %s: %w", query, err)
	}

	var missing []int64
	for j, val := range vals {
		i := idx[j]
		s, ok := val.(string)
		if !ok {
			missing = append(missing, repos[i])
			c.recordMiss(query)
			continue
		}
		blobs[i] = []byte(s)
		c.recordHit("redis", query)
		if c.l1 != nil {
			c.l1.Add(keys[j], blobs[i])
		}
	}
	return blobs, missing, nil
}

// Missing lists the repos with no cached result for query
func (c *Cache) Missing(ctx context.Context, query string, repos []int64) ([]int64, error) {
	_, missing, err := c.GetMany(ctx, query, repos)
	return missing, err
}

// Await polls until every repo has a cached result or ctx ends
func (c *Cache) Await(ctx context.Context, query string, repos []int64) ([][]byte, error) {
	start := time.Now()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	missing := repos
	timeout := func() error {
		c.observeAwait(query, "timeout", start)
		return fmt.Errorf("%w: %s missing repos %v: %w", ErrNotReady, query, missing, ctx.Err())
	}

	for {
		if ctx.Err() != nil {
			return nil, timeout()
		}
		blobs, stillMissing, err := c.GetMany(ctx, query, repos)
		if err != nil {
			// the deadline can land while a poll is in flight
			if ctx.Err() != nil {
				return nil, timeout()
			}
			c.observeAwait(query, "error", start)
			return nil, err
		}
		if len(stillMissing) == 0 {
			c.observeAwait(query, "ready", start)
			return blobs, nil
		}
		missing = stillMissing

		select {
		case <-ctx.Done():
			return nil, timeout()
		case <-ticker.C:
		}
	}
}

// MarkPending claims the repos not already claimed by another worker and
// returns the ones this call claimed.
func (c *Cache) MarkPending(ctx context.Context, query string, repos []int64) ([]int64, error) {
	if len(repos) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.BoolCmd, len(repos))
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, repo := range repos {
			cmds[i] = pipe.SetNX(ctx, pendingKey(query, repo), time.Now().Unix(), c.cfg.PendingTTL)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis mark pending %s: %w", query, err)
	}

	claimed := make([]int64, 0, len(repos))
	for i, cmd := range cmds {
		if cmd.Val() {
			claimed = append(claimed, repos[i])
		}
	}
	return claimed, nil
}

// ClearPending releases pending markers
func (c *Cache) ClearPending(ctx context.Context, query string, repos []int64) error {
	if len(repos) == 0 {
		return nil
	}
	keys := make([]string, len(repos))
	for i, repo := range repos {
		keys[i] = pendingKey(query, repo)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis clear pending %s: %w", query, err)
	}
	return nil
}

// Invalidate drops the cached results of query for repos
func (c *Cache) Invalidate(ctx context.Context, query string, repos []int64) error {
	if len(repos) == 0 {
		return nil
	}
	keys := make([]string, len(repos))
	for i, repo := range repos {
		keys[i] = Key(query, repo)
		if c.l1 != nil {
			c.l1.Remove(keys[i])
		}
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis invalidate %s: %w", query, err)
	}
	return nil
}

// InvalidateQuery drops every cached result of query and returns how many keys went
func (c *Cache) InvalidateQuery(ctx context.Context, query string) (int, error) {
	prefix := keyPrefix + ":" + query + ":"
	if c.l1 != nil {
		for _, key := range c.l1.Keys() {
			if strings.HasPrefix(key, prefix) {
				c.l1.Remove(key)
			}
		}
	}

	var deleted int
	iter := c.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("failed to delete key %s: %w", iter.Val(), err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scan failed for query %s: %w", query, err)
	}

	c.logger.WithField("query", query).WithField("deleted", deleted).Info("Invalidated query cache")
	return deleted, nil
}

// Stats returns lookup counters
func (c *Cache) Stats() Stats {
	s := Stats{
		L1Hits:    c.l1Hits.Load(),
		RedisHits: c.redisHits.Load(),
		Misses:    c.misses.Load(),
	}
	if c.l1 != nil {
		s.L1Items = c.l1.Len()
	}
	if total := s.L1Hits + s.RedisHits + s.Misses; total > 0 {
		s.HitRate = float64(s.L1Hits+s.RedisHits) / float64(total)
	}
	return s
}

// Ping checks Redis connectivity
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Client returns the underlying Redis client for health checks
func (c *Cache) Client() *redis.Client {
	return c.client
}

// Close purges the L1 tier and closes the Redis connection
func (c *Cache) Close() error {
	if c.l1 != nil {
		c.l1.Purge()
	}
	return c.client.Close()
}

func (c *Cache) recordHit(layer, query string) {
	if layer == "l1" {
		c.l1Hits.Add(1)
	} else {
		c.redisHits.Add(1)
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.CacheHitsTotal.WithLabelValues(layer, query).Inc()
	}
}

func (c *Cache) recordMiss(query string) {
	c.misses.Add(1)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.CacheMissesTotal.WithLabelValues("redis", query).Inc()
	}
}

func (c *Cache) observeAwait(query, result string, start time.Time) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.CacheAwaitSeconds.WithLabelValues(query, result).Observe(time.Since(start).Seconds())
	}
}
