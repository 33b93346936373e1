// ABOUTME: In-process transport with real pub/sub semantics for tests.
// ABOUTME: Echoes events to all connections (publisher included) like the hosted service.

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryNetwork simulates the hosted transport inside one process:
// channels are shared across clients, published events are echoed to
// every subscriber including the publisher, and presence entries die
// with their connection. Used by runtime and registry tests.
type MemoryNetwork struct {
	mu       sync.Mutex
	channels map[string]*memoryChannelState
	nextConn int
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{channels: make(map[string]*memoryChannelState)}
}

// Client creates a new connection for the given client id. Each call
// yields a distinct connection id, mirroring how the same account can
// hold several physical connections.
func (n *MemoryNetwork) Client(clientID string) *MemoryClient {
	n.mu.Lock()
	n.nextConn++
	connID := fmt.Sprintf("conn-%d", n.nextConn)
	n.mu.Unlock()

	return &MemoryClient{network: n, clientID: clientID, connID: connID}
}

func (n *MemoryNetwork) state(name string) *memoryChannelState {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.channels[name]
	if !ok {
		st = &memoryChannelState{
			subs:     make(map[int]*memorySub),
			presence: make(map[string]Member),
		}
		n.channels[name] = st
	}
	return st
}

type memoryChannelState struct {
	mu       sync.Mutex
	nextSub  int
	subs     map[int]*memorySub
	presSubs map[int]func(Member)
	presence map[string]Member // keyed by connection id
}

type memorySub struct {
	event string
	fn    func(Message)
}

// MemoryClient is one simulated connection.
type MemoryClient struct {
	network   *MemoryNetwork
	clientID  string
	connID    string
	mu        sync.Mutex
	connected bool
	closed    bool
}

func (c *MemoryClient) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	c.connected = true
	return nil
}

func (c *MemoryClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	// Presence entries are ephemeral: they die with the connection.
	c.network.mu.Lock()
	states := make([]*memoryChannelState, 0, len(c.network.channels))
	for _, st := range c.network.channels {
		states = append(states, st)
	}
	c.network.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		member, ok := st.presence[c.connID]
		if ok {
			delete(st.presence, c.connID)
		}
		watchers := presenceWatchers(st)
		st.mu.Unlock()

		if ok {
			member.Action = PresenceLeave
			for _, fn := range watchers {
				fn(member)
			}
		}
	}
}

func (c *MemoryClient) ConnectionID() string { return c.connID }

func (c *MemoryClient) Channel(name string) Channel {
	return &memoryChannel{client: c, state: c.network.state(name)}
}

type memoryChannel struct {
	client *MemoryClient
	state  *memoryChannelState
}

func (ch *memoryChannel) Publish(_ context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	msg := Message{Name: event, Data: data, ConnectionID: ch.client.connID}

	// Copy handlers under lock, deliver without it: handlers may
	// publish in response (an agent answering a message).
	ch.state.mu.Lock()
	handlers := make([]func(Message), 0, len(ch.state.subs))
	for _, sub := range ch.state.subs {
		if sub.event == event {
			handlers = append(handlers, sub.fn)
		}
	}
	ch.state.mu.Unlock()

	for _, fn := range handlers {
		fn(msg)
	}
	return nil
}

func (ch *memoryChannel) Subscribe(_ context.Context, event string, fn func(Message)) (UnsubscribeFunc, error) {
	ch.state.mu.Lock()
	ch.state.nextSub++
	id := ch.state.nextSub
	ch.state.subs[id] = &memorySub{event: event, fn: fn}
	ch.state.mu.Unlock()

	return func() {
		ch.state.mu.Lock()
		delete(ch.state.subs, id)
		ch.state.mu.Unlock()
	}, nil
}

func (ch *memoryChannel) EnterPresence(_ context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding presence payload: %w", err)
	}

	member := Member{
		ClientID:     ch.client.clientID,
		ConnectionID: ch.client.connID,
		Action:       PresenceEnter,
		Data:         data,
	}

	ch.state.mu.Lock()
	_, existed := ch.state.presence[ch.client.connID]
	if existed {
		member.Action = PresenceUpdate
	}
	ch.state.presence[ch.client.connID] = member
	watchers := presenceWatchers(ch.state)
	ch.state.mu.Unlock()

	for _, fn := range watchers {
		fn(member)
	}
	return nil
}

func (ch *memoryChannel) LeavePresence(_ context.Context) error {
	ch.state.mu.Lock()
	member, ok := ch.state.presence[ch.client.connID]
	if ok {
		delete(ch.state.presence, ch.client.connID)
	}
	watchers := presenceWatchers(ch.state)
	ch.state.mu.Unlock()

	if ok {
		member.Action = PresenceLeave
		for _, fn := range watchers {
			fn(member)
		}
	}
	return nil
}

func (ch *memoryChannel) Presence(_ context.Context) ([]Member, error) {
	ch.state.mu.Lock()
	defer ch.state.mu.Unlock()

	members := make([]Member, 0, len(ch.state.presence))
	for _, m := range ch.state.presence {
		m.Action = PresencePresent
		members = append(members, m)
	}
	return members, nil
}

func (ch *memoryChannel) SubscribePresence(_ context.Context, fn func(Member)) (UnsubscribeFunc, error) {
	ch.state.mu.Lock()
	if ch.state.presSubs == nil {
		ch.state.presSubs = make(map[int]func(Member))
	}
	ch.state.nextSub++
	id := ch.state.nextSub
	ch.state.presSubs[id] = fn
	ch.state.mu.Unlock()

	return func() {
		ch.state.mu.Lock()
		delete(ch.state.presSubs, id)
		ch.state.mu.Unlock()
	}, nil
}

// presenceWatchers copies the presence handlers. Caller holds st.mu.
func presenceWatchers(st *memoryChannelState) []func(Member) {
	out := make([]func(Member), 0, len(st.presSubs))
	for _, fn := range st.presSubs {
		out = append(out, fn)
	}
	return out
}
