// ABOUTME: Anthropic Messages API backend streaming responses over SSE.
// ABOUTME: Maps HTTP status codes to operator-readable errors; bounds calls at 120s.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIURL  = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2024-10-22"

	// DefaultModel and DefaultMaxTokens apply when the config leaves
	// them unset.
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 8192

	// DefaultTimeout bounds one generation call end to end, including
	// the streaming read.
	DefaultTimeout = 120 * time.Second
)

// AnthropicOptions configures an Anthropic provider.
type AnthropicOptions struct {
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	// BaseURL overrides the API endpoint. Tests point it at a local
	// server.
	BaseURL string
}

// Anthropic streams completions from the Anthropic Messages API.
type Anthropic struct {
	apiKey    string
	model     string
	maxTokens int
	baseURL   string
	client    *http.Client
}

// NewAnthropic creates a provider. Zero option fields select defaults.
func NewAnthropic(opts AnthropicOptions) *Anthropic {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.BaseURL == "" {
		opts.BaseURL = anthropicAPIURL
	}
	return &Anthropic{
		apiKey:    opts.APIKey,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		baseURL:   opts.BaseURL,
		client:    &http.Client{Timeout: opts.Timeout},
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
}

// contextPreamble precedes the conversation window so the model answers
// the final message as a chat participant instead of narrating a plan.
const contextPreamble = "Below is the recent conversation history for context. " +
	"Respond ONLY to the final user message. " +
	"Be conversational and concise — reply directly to the user as a chat participant. " +
	"Do NOT narrate your thought process, planning steps, or internal reasoning. " +
	"Do NOT describe actions you would take (e.g. \"I should...\", \"Let me...\", \"I will...\"). " +
	"Just answer.\n\n"

// Generate implements Provider.
func (a *Anthropic) Generate(ctx context.Context, req Request) <-chan Delta {
	out := make(chan Delta)
	go func() {
		defer close(out)
		if err := a.stream(ctx, req, out); err != nil {
			// A consumer that stopped ranging must not strand this
			// goroutine; it cancels ctx when it walks away, and then
			// checks ctx.Err itself instead of waiting for this delta.
			select {
			case out <- Delta{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out
}

func (a *Anthropic) stream(ctx context.Context, req Request, out chan<- Delta) error {
	var prompt strings.Builder
	if req.ConversationContext != "" {
		prompt.WriteString(contextPreamble)
		prompt.WriteString(req.ConversationContext)
		prompt.WriteString("\n\n---\n\n")
	}
	prompt.WriteString(req.Prompt)

	body := anthropicRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Stream:    true,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt.String()}},
		System:    req.SystemPrompt,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("content-type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("calling Anthropic API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return a.statusError(resp)
	}

	return readSSE(ctx, resp.Body, out)
}

// statusError maps common failure codes to messages an operator can act
// on without reading raw HTTP bodies.
func (a *Anthropic) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("invalid Anthropic API key")
	case http.StatusTooManyRequests:
		return fmt.Errorf("Anthropic API rate limit exceeded, wait and retry")
	case http.StatusBadRequest:
		var parsed struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
			return fmt.Errorf("Anthropic API error: %s", parsed.Error.Message)
		}
	}
	return fmt.Errorf("Anthropic API returned %d: %s", resp.StatusCode, string(raw))
}

type sseEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// readSSE parses the event stream, forwarding content_block_delta text.
// Malformed data lines are skipped; an in-stream error event terminates
// generation.
func readSSE(ctx context.Context, r io.Reader, out chan<- Delta) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(line[len("data: "):])
		if data == "[DONE]" {
			return nil
		}

		var ev sseEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Text == "" {
				continue
			}
			select {
			case out <- Delta{Text: ev.Delta.Text}:
			case <-ctx.Done():
				return ctx.Err()
			}
		case "message_stop":
			return nil
		case "error":
			msg := ev.Error.Message
			if msg == "" {
				msg = "unknown Anthropic API error"
			}
			return fmt.Errorf("Anthropic stream error: %s", msg)
		}
		// message_start, content_block_start, content_block_stop and
		// ping events carry no text.
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}
