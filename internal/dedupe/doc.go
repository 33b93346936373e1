// Package dedupe suppresses duplicate deliveries of wire events.
//
// The transport delivers at-least-once and echoes published events back
// to the publisher, so every consumer needs an idempotency layer. Guard
// provides an atomic observe-and-mark keyed by (projectId, messageId)
// with TTL expiry and size-capped oldest-first eviction.
package dedupe
