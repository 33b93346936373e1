// Package stream publishes generated replies as the canonical wire
// sequence: one typing event, zero or more time-batched chunk events,
// then exactly one terminal response or error event, all sharing a
// response id.
//
// # Chunk batching
//
// Generation backends may yield token-level deltas; publishing each one
// would flood the channel. A Session buffers increments and arms a
// single-shot flush timer (default 200ms) on the first increment after
// an idle period. When the timer fires, the buffer goes out as one
// chunk and the timer disarms; the next increment re-arms it. The timer
// state machine is Idle/Armed with an injected Clock, so tests drive it
// without sleeping.
//
// # Terminal exclusivity
//
// Finish and Fail race safely: whichever closes the session first
// publishes the terminal event, the other returns ErrSessionClosed.
// Finish flushes remaining buffered text before the response so no
// content is silently dropped; the response also carries the complete
// text redundantly. Fail discards the buffer and publishes a wrapped
// error message visible in-channel to all members.
//
// # Persistence
//
// Terminal events trigger a fire-and-forget persist callback on a
// separate goroutine; persistence never blocks or fails the publish
// path.
package stream
