// ABOUTME: Ably Realtime implementation of the transport interfaces.
// ABOUTME: Token-auth via the server's scoped token requests; channel and presence adapters.

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ably/ably-go/ably"
)

// TokenSource fetches a scoped transport token request from the server.
// The raw payload is handed to the transport as issued.
type TokenSource func(ctx context.Context) (json.RawMessage, error)

// AblyClient is the production transport: one Ably Realtime connection
// authenticated through the server's token endpoint.
type AblyClient struct {
	realtime *ably.Realtime
	logger   *slog.Logger
}

// NewAblyClient builds a client for the given identity. The connection
// is not established until Connect.
func NewAblyClient(clientID string, tokens TokenSource, logger *slog.Logger) (*AblyClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport")

	realtime, err := ably.NewRealtime(
		ably.WithClientID(clientID),
		ably.WithAutoConnect(false),
		ably.WithAuthCallback(func(ctx context.Context, _ ably.TokenParams) (ably.Tokener, error) {
			raw, err := tokens(ctx)
			if err != nil {
				return nil, fmt.Errorf("fetching transport token: %w", err)
			}
			var req ably.TokenRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return nil, fmt.Errorf("decoding transport token: %w", err)
			}
			return &req, nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating realtime client: %w", err)
	}

	return &AblyClient{realtime: realtime, logger: logger}, nil
}

// Connect starts the connection and blocks until it is established or
// definitively failed. Later reconnects are the transport client's own
// policy; this layer only reports the initial outcome.
func (c *AblyClient) Connect(ctx context.Context) error {
	result := make(chan error, 1)

	offConnected := c.realtime.Connection.Once(ably.ConnectionEventConnected, func(ably.ConnectionStateChange) {
		result <- nil
	})
	offFailed := c.realtime.Connection.Once(ably.ConnectionEventFailed, func(change ably.ConnectionStateChange) {
		result <- fmt.Errorf("transport connection failed: %v", change.Reason)
	})
	defer offConnected()
	defer offFailed()

	c.realtime.Connect()

	select {
	case err := <-result:
		if err == nil {
			c.logger.Info("transport connected", "connection_id", c.realtime.Connection.ID())
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the connection down.
func (c *AblyClient) Close() {
	c.realtime.Close()
}

// ConnectionID returns the live connection's id.
func (c *AblyClient) ConnectionID() string {
	return c.realtime.Connection.ID()
}

// Channel returns an adapter for the named channel.
func (c *AblyClient) Channel(name string) Channel {
	return &ablyChannel{ch: c.realtime.Channels.Get(name), logger: c.logger}
}

type ablyChannel struct {
	ch     *ably.RealtimeChannel
	logger *slog.Logger
}

func (a *ablyChannel) Publish(ctx context.Context, event string, payload any) error {
	return a.ch.Publish(ctx, event, payload)
}

func (a *ablyChannel) Subscribe(ctx context.Context, event string, fn func(Message)) (UnsubscribeFunc, error) {
	unsub, err := a.ch.Subscribe(ctx, event, func(msg *ably.Message) {
		data, err := rawData(msg.Data)
		if err != nil {
			a.logger.Warn("dropping undecodable message",
				"channel", a.ch.Name, "error", err)
			return
		}
		fn(Message{
			Name:         msg.Name,
			Data:         data,
			ConnectionID: msg.ConnectionID,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", a.ch.Name, err)
	}
	return UnsubscribeFunc(unsub), nil
}

func (a *ablyChannel) EnterPresence(ctx context.Context, payload any) error {
	return a.ch.Presence.Enter(ctx, payload)
}

func (a *ablyChannel) LeavePresence(ctx context.Context) error {
	return a.ch.Presence.Leave(ctx, nil)
}

func (a *ablyChannel) Presence(ctx context.Context) ([]Member, error) {
	msgs, err := a.ch.Presence.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying presence on %s: %w", a.ch.Name, err)
	}
	members := make([]Member, 0, len(msgs))
	for _, m := range msgs {
		members = append(members, presenceMember(m))
	}
	return members, nil
}

func (a *ablyChannel) SubscribePresence(ctx context.Context, fn func(Member)) (UnsubscribeFunc, error) {
	unsub, err := a.ch.Presence.SubscribeAll(ctx, func(msg *ably.PresenceMessage) {
		fn(presenceMember(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to presence on %s: %w", a.ch.Name, err)
	}
	return UnsubscribeFunc(unsub), nil
}

func presenceMember(msg *ably.PresenceMessage) Member {
	data, err := rawData(msg.Data)
	if err != nil {
		data = nil
	}
	return Member{
		ClientID:     msg.ClientID,
		ConnectionID: msg.ConnectionID,
		Action:       presenceAction(msg.Action),
		Data:         data,
	}
}

func presenceAction(a ably.PresenceAction) PresenceAction {
	switch a {
	case ably.PresenceActionEnter:
		return PresenceEnter
	case ably.PresenceActionUpdate:
		return PresenceUpdate
	case ably.PresenceActionLeave:
		return PresenceLeave
	default:
		return PresencePresent
	}
}

// rawData normalizes the transport's decoded payload back to JSON
// bytes. Ably hands JSON messages back as maps, strings, or raw bytes
// depending on the publisher's encoding.
func rawData(data any) ([]byte, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}
