package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// maxResponseSnippet bounds how much of a failed response body is kept
const maxResponseSnippet = 512

// DelivererConfig configures outbound delivery
type DelivererConfig struct {
	Timeout time.Duration
	// RetryDelays are the waits between attempts; a delivery makes
	// len(RetryDelays)+1 attempts.
	RetryDelays []time.Duration
	// OutboundRate is requests per second per integration. Zero disables
	// pacing.
	OutboundRate  float64
	OutboundBurst int
}

// DefaultDelivererConfig is three attempts, 1s then 5s apart, 30s timeout
func DefaultDelivererConfig() DelivererConfig {
	return DelivererConfig{
		Timeout:       30 * time.Second,
		RetryDelays:   []time.Duration{time.Second, 5 * time.Second},
		OutboundRate:  10,
		OutboundBurst: 20,
	}
}

// Result describes the outcome of one Deliver call
type Result struct {
	Attempts   int
	StatusCode int
	Duration   time.Duration
	Err        error
}

// OK reports whether the delivery succeeded
func (r Result) OK() bool {
	return r.Err == nil
}

// Deliverer POSTs envelopes with retries
type Deliverer struct {
	client *http.Client
	delays []time.Duration
	limit  rate.Limit
	burst  int

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter

	sleep func(ctx context.Context, d time.Duration) error
}

// NewDeliverer creates a deliverer. Outbound requests are traced through
// otelhttp.
func NewDeliverer(cfg DelivererConfig) *Deliverer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryDelays == nil {
		cfg.RetryDelays = DefaultDelivererConfig().RetryDelays
	}

	limit := rate.Inf
	if cfg.OutboundRate > 0 {
		limit = rate.Limit(cfg.OutboundRate)
	}
	burst := cfg.OutboundBurst
	if burst <= 0 {
		burst = 1
	}

	return &Deliverer{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		delays:   cfg.RetryDelays,
		limit:    limit,
		burst:    burst,
		limiters: make(map[int64]*rate.Limiter),
		sleep:    sleepContext,
	}
}

// MaxAttempts is the number of attempts per delivery
func (d *Deliverer) MaxAttempts() int {
	return len(d.delays) + 1
}

// Deliver serializes env once and POSTs the same bytes on every attempt.
// Any 2xx response is success. The returned Result always carries the
// attempt count; Err is set when every attempt failed.
func (d *Deliverer) Deliver(ctx context.Context, in Integration, env Envelope) Result {
	start := time.Now()

	body, err := json.Marshal(env)
	if err != nil {
		return Result{Err: fmt.Errorf("failed to marshal envelope: %w", err)}
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("User-Agent", UserAgent)
	headers.Set(HeaderEvent, string(env.Event))
	headers.Set(HeaderID, env.ID)
	headers.Set(HeaderTimestamp, env.Timestamp.Format(time.RFC3339))
	if in.Signed() {
		headers.Set(HeaderSignature, Sign(body, in.WebhookSecret))
	}

	limiter := d.limiter(in.ID)
	res := Result{}

	for attempt := 0; attempt < d.MaxAttempts(); attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, d.delays[attempt-1]); err != nil {
				res.Err = err
				break
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			res.Err = fmt.Errorf("outbound rate limit: %w", err)
			break
		}

		res.Attempts++
		res.StatusCode, res.Err = d.post(ctx, in.WebhookURL, body, headers)
		if res.Err == nil {
			break
		}
	}

	res.Duration = time.Since(start)
	return res
}

func (d *Deliverer) post(ctx context.Context, url string, body []byte, headers http.Header) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header = headers.Clone()

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSnippet))
	return resp.StatusCode, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
}

func (d *Deliverer) limiter(integrationID int64) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.limiters[integrationID]
	if !ok {
		l = rate.NewLimiter(d.limit, d.burst)
		d.limiters[integrationID] = l
	}
	return l
}

// Forget drops the pacing state of an integration
func (d *Deliverer) Forget(integrationID int64) {
	d.mu.Lock()
	delete(d.limiters, integrationID)
	d.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
