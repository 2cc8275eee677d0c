package middleware

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/bastion/pkg/observability"
)

// RateLimitInfo describes the caller's position in the current window
type RateLimitInfo struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetTime int64 `json:"reset_time"` // epoch seconds
	Window    int   `json:"window"`     // seconds
}

// Limiter is a sliding-window request counter. Check records the request
// and reports whether the count before it had already reached limit.
type Limiter interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) (bool, RateLimitInfo)
	Backend() string
}

func newInfo(limit, count int, now time.Time, window time.Duration) RateLimitInfo {
	remaining := limit - count - 1
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitInfo{
		Limit:     limit,
		Remaining: remaining,
		ResetTime: now.Add(window).Unix(),
		Window:    int(window / time.Second),
	}
}

// RedisSlidingWindow keeps one sorted set per key, scored by request time in
// milliseconds, shared by every replica
type RedisSlidingWindow struct {
	client  *redis.Client
	prefix  string
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewRedisSlidingWindow creates a Redis-backed limiter. metrics may be nil.
func NewRedisSlidingWindow(client *redis.Client, logger *observability.Logger, metrics *observability.Metrics) *RedisSlidingWindow {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &RedisSlidingWindow{
		client:  client,
		prefix:  "rate_limit:",
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

func (l *RedisSlidingWindow) Backend() string { return "redis" }

// Check prunes, counts, inserts and sets expiry in one MULTI/EXEC. Redis
// errors allow the request and report the full limit as remaining.
func (l *RedisSlidingWindow) Check(ctx context.Context, key string, limit int, window time.Duration) (bool, RateLimitInfo) {
	now := l.now()
	redisKey := l.prefix + key
	nowMs := now.UnixMilli()
	windowStart := nowMs - window.Milliseconds()
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()

	var card *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart, 10))
		card = pipe.ZCard(ctx, redisKey)
		pipe.ZAdd(ctx, redisKey, &redis.Z{Score: float64(nowMs), Member: member})
		pipe.Expire(ctx, redisKey, window)
		return nil
	})
	if err != nil {
		l.logger.WithError(err).WithField("key", key).Error("rate limit check failed, allowing request")
		if l.metrics != nil {
			l.metrics.RateLimitErrorsTotal.Inc()
		}
		return false, RateLimitInfo{
			Limit:     limit,
			Remaining: limit,
			ResetTime: now.Add(window).Unix(),
			Window:    int(window / time.Second),
		}
	}

	count := int(card.Val())
	return count >= limit, newInfo(limit, count, now, window)
}

// MemorySlidingWindow is the single-process fallback. It does not
// coordinate across replicas.
type MemorySlidingWindow struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	now     func() time.Time
}

type windowEntry struct {
	stamps []time.Time
	window time.Duration
}

// NewMemorySlidingWindow creates an in-process limiter
func NewMemorySlidingWindow() *MemorySlidingWindow {
	return &MemorySlidingWindow{
		entries: make(map[string]*windowEntry),
		now:     time.Now,
	}
}

func (l *MemorySlidingWindow) Backend() string { return "memory" }

// Check runs prune, count and insert under one lock
func (l *MemorySlidingWindow) Check(_ context.Context, key string, limit int, window time.Duration) (bool, RateLimitInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	start := now.Add(-window)

	e, ok := l.entries[key]
	if !ok {
		e = &windowEntry{}
		l.entries[key] = e
	}
	e.window = window

	kept := e.stamps[:0]
	for _, ts := range e.stamps {
		if ts.After(start) {
			kept = append(kept, ts)
		}
	}
	count := len(kept)
	e.stamps = append(kept, now)

	return count >= limit, newInfo(limit, count, now, window)
}

// Cleanup drops keys with no request inside their window
func (l *MemorySlidingWindow) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, e := range l.entries {
		if len(e.stamps) == 0 || !e.stamps[len(e.stamps)-1].After(now.Add(-e.window)) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// StartCleanup runs Cleanup every interval until ctx is done
func (l *MemorySlidingWindow) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// NewLimiter returns a Redis limiter when client answers PING, otherwise the
// in-memory fallback
func NewLimiter(ctx context.Context, client *redis.Client, logger *observability.Logger, metrics *observability.Metrics) Limiter {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if client != nil {
		err := client.Ping(ctx).Err()
		if err == nil {
			return NewRedisSlidingWindow(client, logger, metrics)
		}
		logger.WithError(err).Warn("redis unreachable at startup")
	}

	logger.Warn("rate limiting is running in degraded in-memory mode; limits are per replica and not shared")
	mem := NewMemorySlidingWindow()
	mem.StartCleanup(ctx, time.Minute)
	return mem
}
