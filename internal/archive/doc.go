// Package archive keeps a durable local record of chat traffic.
//
// The in-memory conversation window only holds the recent messages
// used for generation context; the archive retains everything the
// agent saw or produced across restarts, in a single SQLite file per
// agent. Writes are best-effort and idempotent per message id.
package archive
