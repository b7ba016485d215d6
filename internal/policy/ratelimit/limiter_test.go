package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitThrottlesPerHost(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		observed []string
	)
	l := New(Config{RPS: 10, Burst: 1}, func(host string, _ time.Duration) {
		mu.Lock()
		observed = append(observed, host)
		mu.Unlock()
	})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://example.com/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://example.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// Another host has its own bucket.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example/a"))
	require.Less(t, time.Since(start), 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, observed, "example.com")
}

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{}, nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://example.com"))
	}
}

func TestLimiterContextCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.001, Burst: 1}, nil)
	require.NoError(t, l.Wait(context.Background(), "https://example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://example.com"))
}
