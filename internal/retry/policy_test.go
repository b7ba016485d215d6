package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
)

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(Config{MaxAttempts: 3})
	require.False(t, p.ShouldRetry(nil, 0))
	require.True(t, p.ShouldRetry(errors.New("boom"), 1))
	require.True(t, p.ShouldRetry(fmt.Errorf("upload: %w", corpus.ErrTransient), 2))
	require.False(t, p.ShouldRetry(errors.New("boom"), 3))
	require.False(t, p.ShouldRetry(fmt.Errorf("upload: %w", corpus.ErrPermanent), 0))
	require.False(t, p.ShouldRetry(context.Canceled, 0))
	require.False(t, p.ShouldRetry(fmt.Errorf("wrap: %w", context.DeadlineExceeded), 0))
}

func TestBackoffBounded(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	for attempt := 0; attempt < 10; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, time.Second)
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(Config{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		if calls < 3 {
			return corpus.ErrTransient
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(Config{MaxAttempts: 4, BaseDelay: time.Millisecond})
	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return corpus.ErrPermanent
	})
	require.ErrorIs(t, err, corpus.ErrPermanent)
	require.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(Config{MaxAttempts: 2, BaseDelay: time.Millisecond})
	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return corpus.ErrTransient
	})
	require.ErrorIs(t, err, corpus.ErrTransient)
	require.Equal(t, 2, calls)
}

func TestSleepHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
