// Package retry holds the jittered exponential backoff shared by the index
// operation tracker and the indexing task dispatcher.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net"
	"time"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
)

// Config tunes an ExponentialPolicy. Zero fields take defaults.
type Config struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ExponentialPolicy retries transient failures with jittered backoff.
type ExponentialPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialPolicy builds a policy, filling unset fields with defaults
// (3 attempts, 250ms base, 5s cap).
func NewExponentialPolicy(cfg Config) *ExponentialPolicy {
	p := &ExponentialPolicy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 3
	}
	if p.baseDelay <= 0 {
		p.baseDelay = 250 * time.Millisecond
	}
	if p.maxDelay <= 0 {
		p.maxDelay = 5 * time.Second
	}
	return p
}

// MaxAttempts returns the attempt budget.
func (p *ExponentialPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether err is worth another attempt. attempt counts
// the attempts already made.
func (p *ExponentialPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, corpus.ErrPermanent) || errors.Is(err, corpus.ErrInvalidInput) ||
		errors.Is(err, corpus.ErrNotFound) || errors.Is(err, corpus.ErrNotCaptured) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// Backoff returns the wait before attempt+1: half the capped exponential
// delay plus up to the same amount of jitter.
func (p *ExponentialPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

// Do runs fn until it succeeds, the policy gives up, or ctx ends. The last
// error is returned.
func (p *ExponentialPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !p.ShouldRetry(err, attempt+1) {
			return err
		}
		if werr := Sleep(ctx, p.Backoff(attempt)); werr != nil {
			return fmt.Errorf("%w (last error: %v)", werr, err)
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
