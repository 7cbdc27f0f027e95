// Package notifier delivers PostCreated notifications to live subscribers
// (the fan-out broadcaster) and to an optional external webhook.
//
// Delivery is best-effort and decoupled from ingestion: Notify only enqueues,
// workers deliver with rate limiting and retry. A failed delivery never
// affects the persisted post. Sync is the unqueued variant used when the
// queue is disabled.
package notifier
