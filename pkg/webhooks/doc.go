// Package webhooks delivers domain events to external integrations.
//
// # Overview
//
// A Dispatcher loads the active integrations on every trigger, sanitizes
// the payload for each integration's category and delivers a signed JSON
// envelope. All of it runs in the background; the triggering request never
// waits on the integration lookup or a delivery.
//
// # Envelope
//
//	{
//	  "id": "5f0c...",
//	  "event": "usage.recorded",
//	  "data": {...},
//	  "user_id": 42,
//	  "timestamp": "2026-01-02T03:04:05Z",
//	  "integration_type": "financial"
//	}
//
// Requests carry X-Webhook-Event, X-Webhook-ID and X-Webhook-Timestamp.
// When the integration has a secret, X-Webhook-Signature holds
// "sha256=" followed by the hex HMAC-SHA256 of the exact body.
//
// # Usage
//
//	deliverer := webhooks.NewDeliverer(webhooks.DefaultDelivererConfig())
//	dispatcher := webhooks.NewDispatcher(store, protector, deliverer, runner, logger)
//	dispatcher.Trigger(ctx, webhooks.EventProjectCreated, data, &userID)
//
// Receivers verify with:
//
//	body, err := webhooks.VerifyRequest(r, secret)
//
// # Retries and dead letters
//
// A delivery makes three attempts, 1s then 5s apart; any 2xx is success.
// With a DeadLetterQueue configured, deliveries that exhaust their attempts
// are queued in Redis and ReplayDeadLetters re-delivers them on a schedule.
package webhooks
