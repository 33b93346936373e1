// ABOUTME: Wire event types exchanged over project channels on the pub/sub transport.
// ABOUTME: Defines the Event envelope, its type tags, and per-variant validation.

package wire

import (
	"errors"
	"fmt"
)

// EventType tags an Event with its variant. The values are the literal
// strings published on the transport and must stay in sync with every
// other client of the product.
type EventType string

const (
	// EventMessage is a human- or agent-authored chat message.
	EventMessage EventType = "message"
	// EventTyping announces that a response is being generated. It carries
	// an empty text body and the ResponseID receivers key placeholders by.
	EventTyping EventType = "typing"
	// EventChunk carries an incremental slice of a streaming response.
	EventChunk EventType = "chunk"
	// EventResponse is the successful terminal event of a generated reply.
	// It carries the complete accumulated text redundantly.
	EventResponse EventType = "response"
	// EventDone is a legacy terminal marker kept for older clients.
	EventDone EventType = "done"
	// EventError is the failure terminal event of a generated reply.
	EventError EventType = "error"

	// EventTaskCreated, EventTaskUpdated and EventTaskDeleted announce task
	// state changes. They are published on the "task" channel event, not the
	// "message" event, and never pass through routing.
	EventTaskCreated EventType = "task-created"
	EventTaskUpdated EventType = "task-updated"
	EventTaskDeleted EventType = "task-deleted"
)

// ErrInvalidEvent is returned by Validate when a required field for the
// event's variant is missing.
var ErrInvalidEvent = errors.New("invalid wire event")

// Event is the unit exchanged over a project channel. All variants share
// one envelope; Validate enforces the per-variant required fields.
//
// Field names match the JSON the desktop client and server expect.
type Event struct {
	From         string    `json:"from"`
	FromUsername string    `json:"fromUsername"`
	ProjectID    string    `json:"projectId"`
	Text         string    `json:"text"`
	MessageID    string    `json:"messageId"`
	Type         EventType `json:"type"`

	// ResponseID groups the typing/chunk/response (or error) events that
	// belong to one generated reply.
	ResponseID string `json:"responseId,omitempty"`

	AgentName string   `json:"agentName,omitempty"`
	Mentions  []string `json:"mentions,omitempty"`

	// IsAgentMessage marks agent-authored events. Receivers apply the
	// stricter agent-to-agent mention policy to these.
	IsAgentMessage bool `json:"isAgentMessage,omitempty"`

	// ResponseDepth counts agent-to-agent hops since the originating human
	// message. RespondingChain lists the lowercase agent names that have
	// already replied in this causal chain.
	ResponseDepth   int      `json:"responseDepth,omitempty"`
	RespondingChain []string `json:"respondingChain,omitempty"`

	// IsTaskNotification suppresses routing for announcement messages that
	// agents publish when picking up a task.
	IsTaskNotification bool `json:"isTaskNotification,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is file metadata carried on a message. The upload pipeline
// lives outside this module; only the descriptor travels on the wire.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	FileSize int64  `json:"fileSize"`
	BlobURL  string `json:"blobUrl"`
}

// Validate checks that the fields required by the event's variant are
// present. It does not inspect optional fields.
func (e *Event) Validate() error {
	if e.From == "" {
		return fmt.Errorf("%w: missing from", ErrInvalidEvent)
	}
	if e.ProjectID == "" {
		return fmt.Errorf("%w: missing projectId", ErrInvalidEvent)
	}
	if e.MessageID == "" {
		return fmt.Errorf("%w: missing messageId", ErrInvalidEvent)
	}

	switch e.Type {
	case EventMessage, EventDone:
		return nil
	case EventTyping, EventChunk, EventResponse, EventError:
		if e.ResponseID == "" {
			return fmt.Errorf("%w: %s event missing responseId", ErrInvalidEvent, e.Type)
		}
		if e.Type == EventChunk && e.Text == "" {
			return fmt.Errorf("%w: chunk event missing text", ErrInvalidEvent)
		}
		// Every agent-authored response carries its causal chain with at
		// least the author. Depth is not checked: zero is a legal value
		// and indistinguishable from absent in JSON.
		if e.Type == EventResponse && e.IsAgentMessage && len(e.RespondingChain) == 0 {
			return fmt.Errorf("%w: agent response missing respondingChain", ErrInvalidEvent)
		}
		return nil
	case EventTaskCreated, EventTaskUpdated, EventTaskDeleted:
		return nil
	case "":
		return fmt.Errorf("%w: missing type", ErrInvalidEvent)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
}

// IsTerminal reports whether the event ends a generated reply.
func (e *Event) IsTerminal() bool {
	return e.Type == EventResponse || e.Type == EventError || e.Type == EventDone
}

// IsTaskEvent reports whether the event announces a task state change.
func (e *Event) IsTaskEvent() bool {
	switch e.Type {
	case EventTaskCreated, EventTaskUpdated, EventTaskDeleted:
		return true
	}
	return false
}
