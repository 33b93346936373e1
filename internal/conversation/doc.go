// Package conversation keeps the per-channel message window.
//
// # Store
//
// The Store is an ordered, bounded log of completed messages per
// channel, shared between the display path and LLM context building:
//
//	store := conversation.NewStore(20, logger)
//	store.Append(projectID, entry)
//	prompt := store.FormatForContext(projectID)
//
// Append is idempotent by message id: the transport delivers
// at-least-once, and replays must not duplicate visible entries.
//
// # Server history merge
//
// MergeFromServer folds authoritative history fetched over REST into
// the window after a reconnect. Local entries win on id collision,
// server-only entries are inserted, and the result is re-sorted by
// timestamp.
//
// # Failure posture
//
// The store is never load-bearing for routing correctness. A failed
// history load degrades generation quality, not behavior; an empty
// window is a valid default.
package conversation
