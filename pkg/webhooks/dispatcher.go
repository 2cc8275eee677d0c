package webhooks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/bastion/pkg/async"
	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/protection"
)

// Handler is an in-process subscriber. It receives its own copy of the
// unsanitized payload.
type Handler func(ctx context.Context, event Event, data map[string]interface{}, userID *int64) error

// Filter decides whether an integration receives an event
type Filter func(in Integration, event Event, userID *int64) bool

// SendAll is the default filter: every active integration receives every event
func SendAll(Integration, Event, *int64) bool {
	return true
}

// Dispatcher fans events out to integrations and in-process handlers.
// Deliveries run in the background and never fail the caller.
type Dispatcher struct {
	source      IntegrationSource
	protector   *protection.Protector
	deliverer   *Deliverer
	runner      *async.Runner
	deliveries  *DeliveryLogStore
	deadLetters DeadLetterQueue
	metrics     *observability.Metrics
	logger      *observability.Logger
	filter      Filter
	workers     int
	timeout     time.Duration
	now         func() time.Time

	mu       sync.RWMutex
	handlers map[Event][]Handler
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithFilter replaces SendAll
func WithFilter(f Filter) Option {
	return func(d *Dispatcher) { d.filter = f }
}

// WithDeadLetterQueue keeps deliveries that exhaust their attempts
func WithDeadLetterQueue(q DeadLetterQueue) Option {
	return func(d *Dispatcher) { d.deadLetters = q }
}

// WithMetrics records delivery outcomes
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDeliveryLog replaces the default 1000 entry delivery log
func WithDeliveryLog(s *DeliveryLogStore) Option {
	return func(d *Dispatcher) { d.deliveries = s }
}

// WithConcurrency bounds parallel deliveries per trigger
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// NewDispatcher creates a dispatcher. Background deliveries are tracked by
// runner so shutdown can wait for them.
func NewDispatcher(source IntegrationSource, protector *protection.Protector, deliverer *Deliverer, runner *async.Runner, logger *observability.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		source:     source,
		protector:  protector,
		deliverer:  deliverer,
		runner:     runner,
		deliveries: NewDeliveryLogStore(0),
		logger:     logger,
		filter:     SendAll,
		workers:    8,
		now:        time.Now,
		handlers:   make(map[Event][]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}

	// one delivery: every attempt may hit the client timeout, plus the waits
	d.timeout = time.Duration(deliverer.MaxAttempts()) * deliverer.client.Timeout
	for _, delay := range deliverer.delays {
		d.timeout += delay
	}
	return d
}

// RegisterHandler subscribes h to event
func (d *Dispatcher) RegisterHandler(event Event, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[event] = append(d.handlers[event], h)
}

// Deliveries returns the delivery log
func (d *Dispatcher) Deliveries() *DeliveryLogStore {
	return d.deliveries
}

type delivery struct {
	integration Integration
	envelope    Envelope
}

// Trigger hands the event to background fan-out and runs the registered
// handlers. The background task loads the active integrations, builds one
// sanitized envelope per integration that passes the filter and delivers
// them. Registered handlers run before Trigger returns; their errors are
// logged. The returned error only reports an unknown event.
func (d *Dispatcher) Trigger(ctx context.Context, event Event, data map[string]interface{}, userID *int64) error {
	if !event.Valid() {
		return fmt.Errorf("unknown webhook event %q", event)
	}

	payload := clonePayload(data)
	var uid *int64
	if userID != nil {
		id := *userID
		uid = &id
	}

	log := observability.FromContext(ctx, d.logger).WithField("event", string(event))

	d.runner.Go(context.WithoutCancel(ctx), d.timeout, "webhook fan-out", func(ctx context.Context) error {
		integrations, err := d.source.ActiveIntegrations(ctx)
		if err != nil {
			return fmt.Errorf("failed to load integrations for %s: %w", event, err)
		}
		d.dispatch(ctx, log, event, integrations, payload, uid)
		return nil
	})

	d.runHandlers(ctx, log, event, payload, uid)
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, log *observability.Logger, event Event, integrations []Integration, payload map[string]interface{}, uid *int64) {
	var batch []delivery
	for _, in := range integrations {
		if in.WebhookURL == "" || !d.filter(in, event, uid) {
			continue
		}
		category := in.Category.Normalize()
		batch = append(batch, delivery{
			integration: in,
			envelope:    NewEnvelope(event, d.protector.SanitizeForExternalAPI(payload, category), uid, category, d.now()),
		})
	}
	if len(batch) == 0 {
		return
	}

	log.WithField("integrations", len(batch)).Debug("dispatching webhook")
	d.runner.Go(context.WithoutCancel(ctx), d.batchTimeout(len(batch)), "webhook dispatch", func(ctx context.Context) error {
		errs := async.Batch(ctx, batch, d.workers, d.timeout, func(ctx context.Context, job delivery) error {
			_, err := d.deliver(ctx, job.integration, job.envelope, 0, true)
			return err
		})
		if len(errs) > 0 {
			return fmt.Errorf("%d of %d %s deliveries failed: %w", len(errs), len(batch), event, errors.Join(errs...))
		}
		return nil
	})
}

func (d *Dispatcher) batchTimeout(n int) time.Duration {
	rounds := (n + d.workers - 1) / d.workers
	return time.Duration(rounds) * d.timeout
}

func (d *Dispatcher) runHandlers(ctx context.Context, log *observability.Logger, event Event, payload map[string]interface{}, userID *int64) {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers[event]...)
	d.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", fmt.Sprint(r)).Error("webhook handler panicked")
				}
			}()
			if err := h(ctx, event, clonePayload(payload), userID); err != nil {
				log.WithError(err).Error("webhook handler failed")
			}
		}()
	}
}

// deliver sends env to in and records the outcome. replays counts previous
// dead-letter replays of the same envelope.
func (d *Dispatcher) deliver(ctx context.Context, in Integration, env Envelope, replays int, keep bool) (DeliveryLog, error) {
	res := d.deliverer.Deliver(ctx, in, env)

	entry := DeliveryLog{
		ID:            uuid.New().String(),
		IntegrationID: in.ID,
		EventID:       env.ID,
		Event:         env.Event,
		URL:           in.WebhookURL,
		StatusCode:    res.StatusCode,
		Attempts:      res.Attempts,
		Signed:        in.Signed(),
		Replayed:      replays > 0,
		CreatedAt:     d.now().UTC(),
		Duration:      res.Duration,
	}

	log := d.logger.WithFields(map[string]interface{}{
		"integration_id": in.ID,
		"event":          string(env.Event),
		"webhook_id":     env.ID,
		"attempts":       res.Attempts,
	})

	if res.OK() {
		entry.Status = DeliveryStatusSuccess
		log.Debug("webhook delivered")
	} else {
		entry.Status = DeliveryStatusFailed
		entry.ErrorMessage = res.Err.Error()
		if keep && d.deadLetter(ctx, log, in, env, res, replays) {
			entry.Status = DeliveryStatusDeadLettered
		}
		log.WithError(res.Err).Error("webhook delivery failed")
	}

	d.deliveries.Add(entry)
	if d.metrics != nil {
		d.metrics.WebhookDeliveriesTotal.WithLabelValues(string(entry.Status)).Inc()
		d.metrics.WebhookAttempts.Observe(float64(res.Attempts))
	}
	return entry, res.Err
}

func (d *Dispatcher) deadLetter(ctx context.Context, log *observability.Logger, in Integration, env Envelope, res Result, replays int) bool {
	if d.deadLetters == nil {
		return false
	}
	if replays >= maxReplays {
		log.WithField("replays", replays).Error("dropping dead letter after repeated replay failures")
		return false
	}

	// the delivery context may already be past its deadline
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterPushTimeout)
	defer cancel()

	err := d.deadLetters.Push(pushCtx, DeadLetter{
		IntegrationID: in.ID,
		Envelope:      env,
		Error:         res.Err.Error(),
		Attempts:      res.Attempts,
		Replays:       replays,
		FailedAt:      d.now().UTC(),
	})
	if err != nil {
		log.WithError(err).Error("failed to queue dead letter")
		return false
	}
	if d.metrics != nil {
		d.metrics.WebhookDeadLettered.Inc()
	}
	return true
}

// ReplayDeadLetters re-delivers up to max queued dead letters, oldest first.
// Letters for integrations that are no longer active are dropped; letters
// that fail again go back on the queue. It returns how many were delivered.
func (d *Dispatcher) ReplayDeadLetters(ctx context.Context, max int) (int, error) {
	if d.deadLetters == nil || max <= 0 {
		return 0, nil
	}

	queued, err := d.deadLetters.Len(ctx)
	if err != nil {
		return 0, err
	}
	if queued == 0 {
		return 0, nil
	}
	if int64(max) > queued {
		max = int(queued)
	}

	integrations, err := d.source.ActiveIntegrations(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load integrations: %w", err)
	}
	byID := make(map[int64]Integration, len(integrations))
	for _, in := range integrations {
		byID[in.ID] = in
	}

	delivered := 0
	for i := 0; i < max; i++ {
		dl, err := d.deadLetters.Pop(ctx)
		if err != nil {
			return delivered, err
		}
		if dl == nil {
			break
		}

		in, ok := byID[dl.IntegrationID]
		if !ok {
			d.logger.WithFields(map[string]interface{}{
				"integration_id": dl.IntegrationID,
				"webhook_id":     dl.Envelope.ID,
			}).Warn("dropping dead letter for inactive integration")
			continue
		}

		deliverCtx, cancel := context.WithTimeout(ctx, d.timeout)
		_, err = d.deliver(deliverCtx, in, dl.Envelope, dl.Replays+1, true)
		cancel()
		if err == nil {
			delivered++
		}
	}

	d.logger.WithFields(map[string]interface{}{
		"delivered": delivered,
		"processed": max,
	}).Info("dead letter replay finished")
	return delivered, nil
}

// SendTest synchronously delivers a test notification to one integration.
// Failed tests are not dead-lettered.
func (d *Dispatcher) SendTest(ctx context.Context, in Integration, userID *int64) DeliveryLog {
	category := in.Category.Normalize()
	data := map[string]interface{}{
		"test":    true,
		"message": "This is a test webhook from Bastion",
	}
	env := NewEnvelope(EventNotificationCreated, d.protector.SanitizeForExternalAPI(data, category), userID, category, d.now())

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	entry, _ := d.deliver(ctx, in, env, 0, false)
	return entry
}

// Forget drops per-integration delivery state
func (d *Dispatcher) Forget(integrationID int64) {
	d.deliverer.Forget(integrationID)
}

// Wait blocks until background deliveries finish or ctx is done
func (d *Dispatcher) Wait(ctx context.Context) error {
	return d.runner.Wait(ctx)
}

func clonePayload(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return clonePayload(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
