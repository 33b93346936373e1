// ABOUTME: ResponseSession drives the typing -> chunk* -> response|error wire protocol.
// ABOUTME: Batches generation increments into time-windowed chunks with a trailing flush.

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaibber/agent-sdk/internal/wire"
)

// DefaultFlushWindow bounds how often buffered increments are published
// as chunk events, independent of how granular the generator's deltas
// are.
const DefaultFlushWindow = 200 * time.Millisecond

// ErrSessionClosed is returned when writing to a session that has
// already published its terminal event.
var ErrSessionClosed = errors.New("response session closed")

// PublishFunc publishes one wire event on the session's channel.
type PublishFunc func(ctx context.Context, ev *wire.Event) error

// PersistFunc records a terminal event with the backend. Sessions call
// it on a separate goroutine; failures must be handled (logged) by the
// implementation and never block the publish path.
type PersistFunc func(responseID string, typ wire.EventType, text string)

// Config wires a Session to its channel and identity.
type Config struct {
	ProjectID string
	UserID    string
	AgentName string

	// Depth and Chain are the incoming event's values; the session
	// stamps Depth+1 and Chain+self on its terminal response.
	Depth int
	Chain []string

	FlushWindow time.Duration
	Publish     PublishFunc
	Persist     PersistFunc // optional
	Clock       Clock       // nil selects SystemClock
	Logger      *slog.Logger
}

// Session is the transient state of one generated reply. It owns a
// response id, the accumulated full text, the unflushed chunk buffer,
// and a single-shot flush timer that is re-armed after each fire, never
// overlapping: a debounce with trailing flush, not a fixed-interval
// poll.
//
// Exactly one of Finish or Fail publishes; whichever runs first wins
// and every later call is a no-op returning ErrSessionClosed.
type Session struct {
	cfg        Config
	responseID string
	depth      int
	chain      []string
	logger     *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	fullText strings.Builder
	buffer   strings.Builder
	timer    Timer
	closed   bool
}

// NewSession creates a session for a reply to an event carrying the
// given incoming depth and chain.
func NewSession(cfg Config) *Session {
	if cfg.FlushWindow <= 0 {
		cfg.FlushWindow = DefaultFlushWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	chain := make([]string, 0, len(cfg.Chain)+1)
	chain = append(chain, cfg.Chain...)
	chain = append(chain, strings.ToLower(cfg.AgentName))

	s := &Session{
		cfg:        cfg,
		responseID: uuid.New().String(),
		depth:      cfg.Depth + 1,
		chain:      chain,
		ctx:        context.Background(),
	}
	s.logger = logger.With("component", "stream", "response_id", s.responseID)
	return s
}

// ResponseID returns the id grouping this session's wire events.
func (s *Session) ResponseID() string { return s.responseID }

// Depth returns the depth the terminal response will carry.
func (s *Session) Depth() int { return s.depth }

// Chain returns the responding chain the terminal response will carry.
func (s *Session) Chain() []string {
	out := make([]string, len(s.chain))
	copy(out, s.chain)
	return out
}

// Announce publishes the typing event so every receiver can pre-create
// a placeholder keyed by the response id before any content arrives.
// The context also scopes later timer-driven chunk publishes.
func (s *Session) Announce(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.ctx = ctx
	s.mu.Unlock()

	return s.cfg.Publish(ctx, &wire.Event{
		From:         s.cfg.UserID,
		FromUsername: s.cfg.AgentName,
		ProjectID:    s.cfg.ProjectID,
		Text:         "",
		MessageID:    uuid.New().String(),
		Type:         wire.EventTyping,
		ResponseID:   s.responseID,
		AgentName:    s.cfg.AgentName,
	})
}

// Write appends a generation increment. If no flush timer is armed, one
// is armed for the flush window; increments arriving while it is armed
// ride along in the buffer.
func (s *Session) Write(text string) error {
	if text == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	s.fullText.WriteString(text)
	s.buffer.WriteString(text)

	if s.timer == nil {
		s.timer = s.cfg.Clock.AfterFunc(s.cfg.FlushWindow, s.onFlushTimer)
	}
	return nil
}

// onFlushTimer runs on the timer goroutine: publish whatever is
// buffered and disarm. The next Write arms a fresh timer.
func (s *Session) onFlushTimer() {
	s.mu.Lock()
	s.timer = nil
	if s.closed {
		s.mu.Unlock()
		return
	}
	text := s.buffer.String()
	s.buffer.Reset()
	ctx := s.ctx
	s.mu.Unlock()

	if text == "" {
		return
	}
	if err := s.publishChunk(ctx, text); err != nil {
		// The terminal response carries the full text redundantly, so a
		// dropped chunk costs latency, not content.
		s.logger.Warn("chunk publish failed", "error", err)
	}
}

// Finish flushes any remaining buffered text as a final chunk, then
// publishes the response event carrying the complete accumulated text,
// the session's depth, and its chain.
func (s *Session) Finish(ctx context.Context) error {
	text, full, err := s.close()
	if err != nil {
		return err
	}

	if text != "" {
		if err := s.publishChunk(ctx, text); err != nil {
			s.logger.Warn("final chunk publish failed", "error", err)
		}
	}

	ev := &wire.Event{
		From:            s.cfg.UserID,
		FromUsername:    s.cfg.AgentName,
		ProjectID:       s.cfg.ProjectID,
		Text:            full,
		MessageID:       s.responseID,
		Type:            wire.EventResponse,
		ResponseID:      s.responseID,
		AgentName:       s.cfg.AgentName,
		IsAgentMessage:  true,
		ResponseDepth:   s.depth,
		RespondingChain: s.Chain(),
	}
	if err := s.cfg.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publishing response: %w", err)
	}

	s.persistAsync(wire.EventResponse, full)
	return nil
}

// Fail publishes the error terminal event with a human-readable wrapped
// message. Buffered text is discarded; error and response are mutually
// exclusive terminal states.
func (s *Session) Fail(ctx context.Context, cause error) error {
	if _, _, err := s.close(); err != nil {
		return err
	}

	text := fmt.Sprintf("Agent error: %v", cause)
	ev := &wire.Event{
		From:         s.cfg.UserID,
		FromUsername: s.cfg.AgentName,
		ProjectID:    s.cfg.ProjectID,
		Text:         text,
		MessageID:    s.responseID,
		Type:         wire.EventError,
		ResponseID:   s.responseID,
		AgentName:    s.cfg.AgentName,
	}
	if err := s.cfg.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publishing error event: %w", err)
	}

	s.persistAsync(wire.EventError, text)
	return nil
}

// close marks the session terminal, cancels any pending timer, and
// returns the unflushed buffer and full text. Only the first caller
// gets a nil error.
func (s *Session) close() (buffered, full string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", "", ErrSessionClosed
	}
	s.closed = true

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	buffered = s.buffer.String()
	s.buffer.Reset()
	return buffered, s.fullText.String(), nil
}

func (s *Session) publishChunk(ctx context.Context, text string) error {
	return s.cfg.Publish(ctx, &wire.Event{
		From:         s.cfg.UserID,
		FromUsername: s.cfg.AgentName,
		ProjectID:    s.cfg.ProjectID,
		Text:         text,
		MessageID:    s.responseID,
		Type:         wire.EventChunk,
		ResponseID:   s.responseID,
		AgentName:    s.cfg.AgentName,
	})
}

func (s *Session) persistAsync(typ wire.EventType, text string) {
	if s.cfg.Persist == nil {
		return
	}
	go s.cfg.Persist(s.responseID, typ, text)
}
