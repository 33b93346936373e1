// ABOUTME: Tracks which remote agents are online on each project channel.
// ABOUTME: Resyncs from a fresh presence query on every membership change.

package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/jaibber/agent-sdk/internal/transport"
	"github.com/jaibber/agent-sdk/internal/wire"
)

// RemoteAgent is one agent some other connection announced on a
// channel.
type RemoteAgent struct {
	Name         string
	Instructions string
	UserID       string
	MachineName  string
}

// Snapshot is the registry's view of one channel after a resync.
type Snapshot struct {
	Agents []RemoteAgent
	Online int
}

// Listener receives a fresh snapshot whenever a channel's membership
// changes. Called from the transport's delivery goroutine.
type Listener func(channel string, snap Snapshot)

// Registry maintains per-channel membership for one runtime. Presence
// events only say that something changed; the authoritative state is
// always re-read with a full presence query, so a missed event heals on
// the next one.
type Registry struct {
	self   wire.PresenceData
	connID string
	logger *slog.Logger

	mu        sync.Mutex
	channels  map[string]*channelState
	listeners []Listener
}

type channelState struct {
	channel transport.Channel
	unsub   transport.UnsubscribeFunc
	snap    Snapshot
}

// NewRegistry creates a registry announcing self on every channel it
// enters. connID is this runtime's live connection id, used to exclude
// our own entry from snapshots.
func NewRegistry(self wire.PresenceData, connID string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		self:     self,
		connID:   connID,
		logger:   logger.With("component", "presence"),
		channels: make(map[string]*channelState),
	}
}

// OnChange registers a listener for membership changes on any entered
// channel. Must be called before Enter.
func (r *Registry) OnChange(fn Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Enter announces self on the channel, starts watching membership, and
// performs the initial sync. Presence is best-effort: a failed enter is
// logged, not fatal, because the agent can still route and respond
// without an accurate roster.
func (r *Registry) Enter(ctx context.Context, name string, ch transport.Channel) {
	unsub, err := ch.SubscribePresence(ctx, func(m transport.Member) {
		r.resync(ctx, name)
	})
	if err != nil {
		r.logger.Warn("presence watch failed", "channel", name, "error", err)
	}

	if err := ch.EnterPresence(ctx, r.self); err != nil {
		r.logger.Warn("presence enter failed", "channel", name, "error", err)
	}

	r.mu.Lock()
	r.channels[name] = &channelState{channel: ch, unsub: unsub}
	r.mu.Unlock()

	r.resync(ctx, name)
}

// Leave withdraws from the channel and stops watching it. Best-effort
// like Enter; the transport drops the entry anyway when the connection
// closes.
func (r *Registry) Leave(ctx context.Context, name string) {
	r.mu.Lock()
	st, ok := r.channels[name]
	if ok {
		delete(r.channels, name)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if st.unsub != nil {
		st.unsub()
	}
	if err := st.channel.LeavePresence(ctx); err != nil {
		r.logger.Warn("presence leave failed", "channel", name, "error", err)
	}
}

// Agents returns the remote agents last seen on the channel.
func (r *Registry) Agents(name string) []RemoteAgent {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.channels[name]
	if !ok {
		return nil
	}
	out := make([]RemoteAgent, len(st.snap.Agents))
	copy(out, st.snap.Agents)
	return out
}

// Online returns the number of connections present on the channel,
// excluding this runtime's own.
func (r *Registry) Online(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.channels[name]
	if !ok {
		return 0
	}
	return st.snap.Online
}

// resync rebuilds the channel's snapshot from a full presence query and
// notifies listeners. Events are treated only as change signals.
func (r *Registry) resync(ctx context.Context, name string) {
	r.mu.Lock()
	st, ok := r.channels[name]
	r.mu.Unlock()
	if !ok {
		return
	}

	members, err := st.channel.Presence(ctx)
	if err != nil {
		r.logger.Warn("presence query failed", "channel", name, "error", err)
		return
	}

	snap := r.buildSnapshot(members)

	r.mu.Lock()
	st.snap = snap
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	r.logger.Debug("presence synced",
		"channel", name, "online", snap.Online, "agents", len(snap.Agents))

	for _, fn := range listeners {
		fn(name, snap)
	}
}

func (r *Registry) buildSnapshot(members []transport.Member) Snapshot {
	var snap Snapshot
	for _, m := range members {
		if m.ConnectionID == r.connID {
			continue
		}
		snap.Online++

		var data wire.PresenceData
		if err := json.Unmarshal(m.Data, &data); err != nil {
			r.logger.Warn("undecodable presence entry", "client_id", m.ClientID, "error", err)
			continue
		}

		// A member may announce the same agent both as its top-level
		// identity and in its hosted-agents list; each name counts once
		// per member.
		seen := make(map[string]struct{})
		add := func(name, instructions string) {
			if name == "" {
				return
			}
			key := strings.ToLower(name)
			if _, dup := seen[key]; dup {
				return
			}
			seen[key] = struct{}{}
			snap.Agents = append(snap.Agents, RemoteAgent{
				Name:         name,
				Instructions: instructions,
				UserID:       data.UserID,
				MachineName:  data.MachineName,
			})
		}

		if data.IsAgent {
			add(data.AgentName, data.AgentInstructions)
		}
		// A desktop client can host several agents under one entry.
		for _, a := range data.Agents {
			add(a.AgentName, a.AgentInstructions)
		}
	}

	sort.Slice(snap.Agents, func(i, j int) bool {
		return snap.Agents[i].Name < snap.Agents[j].Name
	})
	return snap
}
