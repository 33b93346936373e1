// ABOUTME: Generation backend interface consumed by the agent runtime.
// ABOUTME: Backends stream text deltas over a channel; one Err delta terminates.

package llm

import "context"

// Delta is one increment of a streaming generation. A Delta with a
// non-nil Err is terminal; the channel closes after it.
type Delta struct {
	Text string
	Err  error
}

// Request carries everything a backend needs for one generation.
type Request struct {
	// Prompt is the message being answered (chat text or task prompt).
	Prompt string
	// SystemPrompt is the agent's configured instructions.
	SystemPrompt string
	// ConversationContext is the formatted channel window prepended to
	// the prompt for continuity. May be empty.
	ConversationContext string
}

// Provider generates streaming text. Implementations must close the
// returned channel when generation ends, send at most one Err delta,
// and honor ctx cancellation. After cancellation the channel may close
// without a terminal delta, so consumers check ctx.Err once the channel
// is drained.
type Provider interface {
	Generate(ctx context.Context, req Request) <-chan Delta
}
