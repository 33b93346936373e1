// Package transport abstracts the hosted pub/sub service the product
// runs on.
//
// The service itself is a black box with at-least-once delivery and
// echo-to-publisher semantics; this package narrows it to the
// operations the agent runtime needs: per-channel publish/subscribe and
// an ephemeral presence set. Every runtime owns its own Client; there
// is no package-level connection singleton, so tests and multi-tenant
// processes cannot contaminate each other.
//
// AblyClient is the production implementation, authenticated through
// the server's scoped token endpoint. MemoryNetwork reproduces the
// semantics that matter (echo to publisher, distinct connection ids per
// client, presence dying with its connection) inside one process for
// tests.
package transport
