// Package wire defines the event shapes exchanged over project channels.
//
// # Event envelope
//
// Every chat event travels as an Event with a Type tag:
//
//	message:  human or agent chat message
//	typing:   response placeholder announcement (empty text, ResponseID set)
//	chunk:    incremental slice of a streaming response
//	response: successful terminal event, carries the complete text
//	error:    failure terminal event, mutually exclusive with response
//	done:     legacy terminal marker
//
// All events sharing a ResponseID belong to exactly one generated reply,
// and emission order within one publisher is always typing, then zero or
// more chunks, then exactly one terminal event. The transport interleaves
// independent publishers arbitrarily, so consumers key per-reply state by
// (projectId, responseId) and never assume global ordering.
//
// # Validation
//
// Validate enforces the fields each variant requires, replacing the
// ad-hoc optional-field checks the desktop client performs at call sites.
//
// # Tasks and presence
//
// TaskEvent and PresenceData are the two non-chat payloads: task state
// transitions (published under the "task" channel event) and the
// ephemeral presence entry announcing a connection's identity.
package wire
