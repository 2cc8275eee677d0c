package middleware

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/observability"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

// limiterContract checks the observable semantics both backends share
func limiterContract(t *testing.T, l Limiter, advance func(time.Duration)) {
	ctx := context.Background()
	window := 60 * time.Second

	prev := 5
	for i := 0; i < 5; i++ {
		limited, info := l.Check(ctx, "K", 5, window)
		require.False(t, limited, "call %d", i+1)
		assert.Less(t, info.Remaining, prev, "remaining must strictly decrease")
		assert.Equal(t, 5, info.Limit)
		assert.Equal(t, 60, info.Window)
		prev = info.Remaining
		advance(time.Millisecond)
	}
	assert.Equal(t, 0, prev)

	limited, info := l.Check(ctx, "K", 5, window)
	assert.True(t, limited)
	assert.Equal(t, 0, info.Remaining)

	// other keys are independent
	limited, _ = l.Check(ctx, "other", 5, window)
	assert.False(t, limited)

	// everything ages out after a full window
	advance(window + time.Second)
	limited, info = l.Check(ctx, "K", 5, window)
	assert.False(t, limited)
	assert.Equal(t, 4, info.Remaining)
}

func TestMemorySlidingWindow_Contract(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := NewMemorySlidingWindow()
	l.now = func() time.Time { return now }

	limiterContract(t, l, func(d time.Duration) { now = now.Add(d) })
}

func TestRedisSlidingWindow_Contract(t *testing.T) {
	_, client := newTestRedis(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := NewRedisSlidingWindow(client, nil, nil)
	l.now = func() time.Time { return now }

	limiterContract(t, l, func(d time.Duration) { now = now.Add(d) })
}

func TestRedisSlidingWindow_SetsExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisSlidingWindow(client, nil, nil)

	l.Check(context.Background(), "user:1", 10, time.Hour)
	assert.True(t, mr.Exists("rate_limit:user:1"))
	assert.Equal(t, time.Hour, mr.TTL("rate_limit:user:1"))
}

func TestRedisSlidingWindow_ResetTime(t *testing.T) {
	_, client := newTestRedis(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := NewRedisSlidingWindow(client, nil, nil)
	l.now = func() time.Time { return now }

	_, info := l.Check(context.Background(), "k", 10, time.Hour)
	assert.Equal(t, now.Add(time.Hour).Unix(), info.ResetTime)
}

func TestRedisSlidingWindow_FailsOpen(t *testing.T) {
	mr, client := newTestRedis(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	l := NewRedisSlidingWindow(client, nil, metrics)
	mr.Close()

	limited, info := l.Check(context.Background(), "k", 10, time.Hour)
	assert.False(t, limited)
	assert.Equal(t, 10, info.Remaining)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RateLimitErrorsTotal))
}

func TestMemorySlidingWindow_Concurrent(t *testing.T) {
	l := NewMemorySlidingWindow()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			limited, _ := l.Check(context.Background(), "K", 10, time.Minute)
			if !limited {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func TestMemorySlidingWindow_Cleanup(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := NewMemorySlidingWindow()
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		l.Check(context.Background(), fmt.Sprintf("k%d", i), 5, time.Minute)
	}
	assert.Equal(t, 0, l.Cleanup())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 3, l.Cleanup())
}

func TestNewLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, client := newTestRedis(t)
	assert.Equal(t, "redis", NewLimiter(ctx, client, nil, nil).Backend())

	mr, down := newTestRedis(t)
	mr.Close()
	assert.Equal(t, "memory", NewLimiter(ctx, down, nil, nil).Backend())

	assert.Equal(t, "memory", NewLimiter(ctx, nil, nil, nil).Backend())
}
