// ABOUTME: Tests for the in-memory transport used by runtime tests.
// ABOUTME: Verifies echo-to-publisher, connection identity, and presence lifecycle.

package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRecorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *memRecorder) handle(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *memRecorder) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func TestPublish_EchoesToAllIncludingPublisher(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()

	a := net.Client("user-a")
	b := net.Client("user-b")
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))

	var recA, recB memRecorder
	_, err := a.Channel("proj").Subscribe(ctx, "message", recA.handle)
	require.NoError(t, err)
	_, err = b.Channel("proj").Subscribe(ctx, "message", recB.handle)
	require.NoError(t, err)

	require.NoError(t, a.Channel("proj").Publish(ctx, "message", map[string]string{"text": "hi"}))

	// Both connections receive it; the publisher's copy carries the
	// publisher's connection id, which is what echo suppression keys on.
	require.Len(t, recA.all(), 1)
	require.Len(t, recB.all(), 1)
	assert.Equal(t, a.ConnectionID(), recA.all()[0].ConnectionID)
	assert.Equal(t, a.ConnectionID(), recB.all()[0].ConnectionID)
	assert.NotEqual(t, a.ConnectionID(), b.ConnectionID())
}

func TestSubscribe_FiltersByEventName(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	c := net.Client("user-a")
	require.NoError(t, c.Connect(ctx))

	var messages, tasks memRecorder
	_, err := c.Channel("proj").Subscribe(ctx, "message", messages.handle)
	require.NoError(t, err)
	_, err = c.Channel("proj").Subscribe(ctx, "task", tasks.handle)
	require.NoError(t, err)

	require.NoError(t, c.Channel("proj").Publish(ctx, "task", map[string]string{"id": "t1"}))

	assert.Empty(t, messages.all())
	assert.Len(t, tasks.all(), 1)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	c := net.Client("user-a")
	require.NoError(t, c.Connect(ctx))

	var rec memRecorder
	unsub, err := c.Channel("proj").Subscribe(ctx, "message", rec.handle)
	require.NoError(t, err)

	unsub()
	require.NoError(t, c.Channel("proj").Publish(ctx, "message", map[string]string{}))
	assert.Empty(t, rec.all())
}

func TestPresence_EnterGetLeave(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	a := net.Client("user-a")
	require.NoError(t, a.Connect(ctx))
	ch := a.Channel("proj")

	require.NoError(t, ch.EnterPresence(ctx, map[string]any{"isAgent": true}))

	members, err := ch.Presence(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "user-a", members[0].ClientID)

	var data map[string]any
	require.NoError(t, json.Unmarshal(members[0].Data, &data))
	assert.Equal(t, true, data["isAgent"])

	require.NoError(t, ch.LeavePresence(ctx))
	members, err = ch.Presence(ctx)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestPresence_NotifiesWatchers(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	a := net.Client("user-a")
	b := net.Client("user-b")
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))

	var mu sync.Mutex
	var actions []PresenceAction
	_, err := a.Channel("proj").SubscribePresence(ctx, func(m Member) {
		mu.Lock()
		actions = append(actions, m.Action)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, b.Channel("proj").EnterPresence(ctx, map[string]any{}))
	require.NoError(t, b.Channel("proj").LeavePresence(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []PresenceAction{PresenceEnter, PresenceLeave}, actions)
}

func TestClose_DropsPresenceEverywhere(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	a := net.Client("user-a")
	watcher := net.Client("user-w")
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, watcher.Connect(ctx))

	require.NoError(t, a.Channel("proj").EnterPresence(ctx, map[string]any{}))

	var mu sync.Mutex
	var leaves int
	_, err := watcher.Channel("proj").SubscribePresence(ctx, func(m Member) {
		if m.Action == PresenceLeave {
			mu.Lock()
			leaves++
			mu.Unlock()
		}
	})
	require.NoError(t, err)

	a.Close()

	members, err := watcher.Channel("proj").Presence(ctx)
	require.NoError(t, err)
	assert.Empty(t, members)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, leaves)
}
