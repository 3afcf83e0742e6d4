package tasks

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/platinummonkey/forgehealth/pkg/augur"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxRetries        int           `json:"max_retries"`
	BaseDelay         time.Duration `json:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	// Jitter draws each delay uniformly from [0, computed delay]
	Jitter bool `json:"jitter"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        5,
		BaseDelay:         1 * time.Second,
		MaxDelay:          2 * time.Minute,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy implements exponential backoff retry logic
type RetryPolicy struct {
	config RetryConfig
	randN  func(n int64) int64
}

// NewRetryPolicy creates a new retry policy
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 1 * time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 2 * time.Minute
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = 2.0
	}

	return &RetryPolicy{
		config: config,
		randN:  rand.Int64N,
	}
}

// ShouldRetry reports whether a task that has failed retries+1 times gets another attempt
func (p *RetryPolicy) ShouldRetry(retries int, err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	return retries < p.config.MaxRetries
}

// NextRetryDelay calculates the delay before retry number retry (starting at 1)
func (p *RetryPolicy) NextRetryDelay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}

	// delay = base * multiplier^(retry-1), capped
	delay := float64(p.config.BaseDelay) * math.Pow(p.config.BackoffMultiplier, float64(retry-1))
	if delay > float64(p.config.MaxDelay) {
		delay = float64(p.config.MaxDelay)
	}

	d := time.Duration(delay)
	if p.config.Jitter && d > 0 {
		d = time.Duration(p.randN(int64(d) + 1))
	}
	return d
}

// IsPermanent reports errors no retry can fix
func IsPermanent(err error) bool {
	return errors.Is(err, augur.ErrIncompleteEnvironment) ||
		errors.Is(err, ErrNoRepos) ||
		errors.Is(err, ErrUnknownQuery) ||
		errors.Is(err, context.Canceled)
}
