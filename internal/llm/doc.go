// Package llm abstracts the text-generation backend behind a streaming
// Provider interface and ships the Anthropic Messages API
// implementation.
//
// Providers yield Delta values over a channel: text increments followed
// by channel close on success, or a single Err delta on failure. The
// Anthropic provider parses the SSE stream (content_block_delta /
// message_stop), prepends the conversation-context preamble the product
// has always used, bounds each call at 120 seconds, and converts the
// common HTTP failures (401, 429, 400) into messages an operator can
// act on.
package llm
