// ABOUTME: Bounded per-channel conversation log used for display and LLM context.
// ABOUTME: Appends idempotently by message id and merges late-arriving server history.

package conversation

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jaibber/agent-sdk/internal/dedupe"
)

// DefaultWindow is the number of entries kept per channel.
const DefaultWindow = 20

// guardTTL bounds how long message ids are remembered for replay
// suppression. Redeliveries arrive within seconds; an hour is generous.
const (
	guardTTL     = time.Hour
	guardMaxSize = 4096
)

// Sender classifies who authored an entry.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// Entry is one message in a channel's conversation window. Entries are
// never mutated after append; only oldest-first eviction removes them.
type Entry struct {
	MessageID  string
	Sender     Sender
	SenderName string
	Text       string
	Timestamp  time.Time
}

// Store holds a bounded, ordered conversation log per channel. It is
// safe for use from the transport callback goroutine and the runtime
// concurrently. The store is context for generation, never a routing
// gate, so an empty window is always a safe state.
type Store struct {
	mu     sync.Mutex
	window int
	logs   map[string][]Entry
	guard  *dedupe.Guard
	logger *slog.Logger
}

// NewStore creates a Store keeping at most window entries per channel.
// window <= 0 selects DefaultWindow.
func NewStore(window int, logger *slog.Logger) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		window: window,
		logs:   make(map[string][]Entry),
		guard:  dedupe.NewGuard(guardTTL, guardMaxSize),
		logger: logger.With("component", "conversation"),
	}
}

// Append adds an entry to the tail of a channel's log, evicting from the
// head beyond the window. It reports whether the entry was recorded:
// a replayed message id is dropped and Append returns false, so callers
// can skip further processing of the duplicate delivery.
func (s *Store) Append(projectID string, e Entry) bool {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.MessageID != "" && s.guard.Observe(projectID, e.MessageID) {
		s.logger.Debug("dropping replayed message",
			"project_id", projectID,
			"message_id", e.MessageID)
		return false
	}

	log := append(s.logs[projectID], e)
	if len(log) > s.window {
		log = log[len(log)-s.window:]
	}
	s.logs[projectID] = log
	return true
}

// Entries returns a copy of a channel's window, oldest first.
func (s *Store) Entries(projectID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[projectID]
	out := make([]Entry, len(log))
	copy(out, log)
	return out
}

// FormatForContext renders a channel's window as the exact text
// prepended to LLM prompts: alternating "User:" and "Assistant (name):"
// lines, double-newline separated, oldest first. The form is stable and
// deterministic so the same window always produces the same context.
func (s *Store) FormatForContext(projectID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[projectID]
	lines := make([]string, 0, len(log))
	for _, e := range log {
		if e.Sender == SenderUser {
			lines = append(lines, fmt.Sprintf("User: %s", e.Text))
			continue
		}
		name := e.SenderName
		if name == "" {
			name = "Agent"
		}
		lines = append(lines, fmt.Sprintf("Assistant (%s): %s", name, e.Text))
	}
	return strings.Join(lines, "\n\n")
}

// MergeFromServer folds authoritative server history into a channel's
// log. Existing local entries win on id collision; server-only entries
// are inserted and the result re-sorted by timestamp, then trimmed to
// the window. This handles reconnect-after-offline without duplicating
// or reordering locally-seen messages.
func (s *Store) MergeFromServer(projectID string, serverEntries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[projectID]
	byID := make(map[string]struct{}, len(log))
	for _, e := range log {
		if e.MessageID != "" {
			byID[e.MessageID] = struct{}{}
		}
	}

	for _, e := range serverEntries {
		if e.MessageID != "" {
			if _, exists := byID[e.MessageID]; exists {
				continue
			}
			// Entries arriving via merge count as seen for future
			// live deliveries too.
			s.guard.Observe(projectID, e.MessageID)
			byID[e.MessageID] = struct{}{}
		}
		log = append(log, e)
	}

	sort.SliceStable(log, func(i, j int) bool {
		return log[i].Timestamp.Before(log[j].Timestamp)
	})

	if len(log) > s.window {
		log = log[len(log)-s.window:]
	}
	s.logs[projectID] = log
}

// Close releases the replay guard's background sweeper.
func (s *Store) Close() {
	s.guard.Close()
}
