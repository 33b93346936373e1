// ABOUTME: Transport abstraction over the hosted pub/sub service.
// ABOUTME: Core components publish, subscribe, and track presence through these interfaces.

package transport

import "context"

// Message is one event delivered on a channel. Data is the raw JSON
// payload; ConnectionID identifies the publisher's physical connection,
// which is how consumers suppress their own echoes. Sender identity is
// not enough for that: an agent may legitimately receive history "from"
// itself over a fresh connection.
type Message struct {
	Name         string
	Data         []byte
	ConnectionID string
}

// PresenceAction is the membership transition a presence event reports.
type PresenceAction int

const (
	PresencePresent PresenceAction = iota
	PresenceEnter
	PresenceUpdate
	PresenceLeave
)

// Member is one entry in a channel's presence set.
type Member struct {
	ClientID     string
	ConnectionID string
	Action       PresenceAction
	Data         []byte
}

// UnsubscribeFunc detaches a subscription.
type UnsubscribeFunc func()

// Channel is one named pub/sub topic with an attached presence set.
type Channel interface {
	// Publish sends payload (JSON-encoded) under the given event name.
	Publish(ctx context.Context, event string, payload any) error
	// Subscribe registers a handler for events with the given name.
	// Handlers run on the transport's delivery goroutine and must not
	// block.
	Subscribe(ctx context.Context, event string, fn func(Message)) (UnsubscribeFunc, error)

	// EnterPresence announces this connection on the channel.
	EnterPresence(ctx context.Context, payload any) error
	// LeavePresence withdraws this connection's presence entry.
	LeavePresence(ctx context.Context) error
	// Presence returns the channel's current member list.
	Presence(ctx context.Context) ([]Member, error)
	// SubscribePresence registers a handler for membership changes.
	SubscribePresence(ctx context.Context, fn func(Member)) (UnsubscribeFunc, error)
}

// Client is one physical connection to the transport. Each runtime owns
// its own Client instance; nothing here is process-global.
type Client interface {
	// Connect establishes the connection, blocking until it is usable
	// or ctx expires.
	Connect(ctx context.Context) error
	// Close tears the connection down. Presence entries die with it.
	Close()
	// ConnectionID identifies this live connection. Valid after
	// Connect; used for self-echo suppression.
	ConnectionID() string
	// Channel returns the named channel, creating the local handle on
	// first use.
	Channel(name string) Channel
}
