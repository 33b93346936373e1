// ABOUTME: Runtime composes the SDK: auth, projects, transport, routing, streaming.
// ABOUTME: One Runtime hosts one agent identity across its project channels.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jaibber/agent-sdk/internal/archive"
	"github.com/jaibber/agent-sdk/internal/conversation"
	"github.com/jaibber/agent-sdk/internal/llm"
	"github.com/jaibber/agent-sdk/internal/presence"
	"github.com/jaibber/agent-sdk/internal/restapi"
	"github.com/jaibber/agent-sdk/internal/routing"
	"github.com/jaibber/agent-sdk/internal/stream"
	"github.com/jaibber/agent-sdk/internal/transport"
	"github.com/jaibber/agent-sdk/internal/wire"
)

// DefaultGenerationTimeout bounds one end-to-end generation, matching
// the LLM client's own request timeout.
const DefaultGenerationTimeout = 120 * time.Second

// reloginLead is how long before token expiry the runtime re-logs in.
const reloginLead = time.Minute

// API is the slice of the server client the runtime depends on.
// *restapi.Client satisfies it; tests substitute a fake.
type API interface {
	Login(ctx context.Context, username, password string) error
	UserID() string
	Username() string
	TokenExpiry() time.Time
	ListProjects(ctx context.Context) ([]restapi.Project, error)
	FetchMessages(ctx context.Context, projectID string, limit int) ([]restapi.ServerMessage, error)
	PersistMessage(ctx context.Context, projectID string, msg restapi.PersistMessage) error
	UpdateTaskStatus(ctx context.Context, taskID, status string) error
}

// Options configures a Runtime.
type Options struct {
	Username string
	Password string

	AgentName    string
	Instructions string
	MachineName  string

	// Projects restricts the runtime to projects whose id or name
	// matches. Empty means every project the account can see.
	Projects []string

	MaxResponseDepth  int
	ContextWindow     int
	FlushWindow       time.Duration
	GenerationTimeout time.Duration

	Clock  stream.Clock // nil selects the system clock
	Logger *slog.Logger
}

// Runtime is one running agent: a logged-in identity listening on its
// project channels, routing messages, and streaming generated replies.
type Runtime struct {
	api       API
	transport transport.Client
	provider  llm.Provider
	archive   *archive.Archive // optional
	opts      Options

	router   *routing.Engine
	store    *conversation.Store
	registry *presence.Registry
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	projects map[string]*binding
	active   map[string]struct{} // message ids with an in-flight reply
	started  bool
}

// binding is one project channel the runtime is attached to.
type binding struct {
	project restapi.Project
	channel transport.Channel
	unsubs  []transport.UnsubscribeFunc
}

// New creates a Runtime. arc may be nil to disable the local archive.
func New(api API, tc transport.Client, provider llm.Provider, arc *archive.Archive, opts Options) (*Runtime, error) {
	if opts.AgentName == "" {
		return nil, errors.New("agent name is required")
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = DefaultGenerationTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent", "agent_name", opts.AgentName)

	return &Runtime{
		api:       api,
		transport: tc,
		provider:  provider,
		archive:   arc,
		opts:      opts,
		router:    routing.NewEngine(opts.AgentName, opts.MaxResponseDepth),
		store:     conversation.NewStore(opts.ContextWindow, logger),
		logger:    logger,
		projects:  make(map[string]*binding),
		active:    make(map[string]struct{}),
	}, nil
}

// Start logs in, discovers projects, connects the transport, and
// attaches to every matching project channel. It returns once the agent
// is live; message handling then runs on transport goroutines until
// Stop.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("runtime already started")
	}
	r.started = true
	r.mu.Unlock()

	// The caller may have logged in already, e.g. to learn the user id
	// the transport client is keyed by.
	if r.api.UserID() == "" {
		if err := r.api.Login(ctx, r.opts.Username, r.opts.Password); err != nil {
			return fmt.Errorf("logging in: %w", err)
		}
	}

	projects, err := r.api.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("listing projects: %w", err)
	}
	selected := r.selectProjects(projects)
	if len(selected) == 0 {
		return errors.New("no matching projects for this account")
	}

	if err := r.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connecting transport: %w", err)
	}

	r.registry = presence.NewRegistry(r.presenceData(), r.transport.ConnectionID(), r.logger)
	r.registry.OnChange(func(channel string, snap presence.Snapshot) {
		r.logger.Info("roster changed",
			"project_id", channel, "online", snap.Online, "agents", len(snap.Agents))
	})

	r.ctx, r.cancel = context.WithCancel(context.Background())

	for _, p := range selected {
		if err := r.attach(ctx, p); err != nil {
			return fmt.Errorf("attaching to project %s: %w", p.ID, err)
		}
	}

	r.wg.Add(1)
	go r.maintainAuth()

	r.logger.Info("agent started", "projects", len(selected))
	return nil
}

// Stop withdraws presence, detaches, and closes the transport. Safe to
// call once after a successful Start.
func (r *Runtime) Stop(ctx context.Context) {
	if r.cancel != nil {
		r.cancel()
	}

	r.mu.Lock()
	bindings := make([]*binding, 0, len(r.projects))
	for _, b := range r.projects {
		bindings = append(bindings, b)
	}
	r.projects = make(map[string]*binding)
	r.mu.Unlock()

	for _, b := range bindings {
		for _, unsub := range b.unsubs {
			unsub()
		}
		r.registry.Leave(ctx, b.project.ID)
	}

	r.wg.Wait()
	r.transport.Close()
	r.store.Close()
	r.logger.Info("agent stopped")
}

// Projects returns the ids of the channels the runtime is attached to.
func (r *Runtime) Projects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.projects))
	for id := range r.projects {
		ids = append(ids, id)
	}
	return ids
}

// Roster returns the remote agents currently present on a project.
func (r *Runtime) Roster(projectID string) []presence.RemoteAgent {
	return r.registry.Agents(projectID)
}

// selectProjects applies the project filter against ids and names,
// case-insensitively for names.
func (r *Runtime) selectProjects(projects []restapi.Project) []restapi.Project {
	if len(r.opts.Projects) == 0 {
		return projects
	}

	wanted := make(map[string]struct{}, len(r.opts.Projects))
	for _, p := range r.opts.Projects {
		wanted[strings.ToLower(p)] = struct{}{}
	}

	var out []restapi.Project
	for _, p := range projects {
		if _, ok := wanted[strings.ToLower(p.ID)]; ok {
			out = append(out, p)
			continue
		}
		if _, ok := wanted[strings.ToLower(p.Name)]; ok {
			out = append(out, p)
		}
	}
	return out
}

// attach loads history, enters presence, and subscribes the message and
// task handlers for one project.
func (r *Runtime) attach(ctx context.Context, p restapi.Project) error {
	ch := r.transport.Channel(p.ChannelName)
	b := &binding{project: p, channel: ch}

	r.loadHistory(ctx, p)
	r.registry.Enter(ctx, p.ID, ch)

	unsubMsg, err := ch.Subscribe(ctx, "message", func(m transport.Message) {
		r.handleMessage(b, m)
	})
	if err != nil {
		return err
	}
	b.unsubs = append(b.unsubs, unsubMsg)

	unsubTask, err := ch.Subscribe(ctx, "task", func(m transport.Message) {
		r.handleTask(b, m)
	})
	if err != nil {
		return err
	}
	b.unsubs = append(b.unsubs, unsubTask)

	r.mu.Lock()
	r.projects[p.ID] = b
	r.mu.Unlock()

	r.logger.Info("attached to project",
		"project_id", p.ID, "project_name", p.Name, "channel", p.ChannelName)
	return nil
}

// loadHistory seeds the conversation window from the server's recent
// messages. Failures are logged; an empty window is a safe start state.
func (r *Runtime) loadHistory(ctx context.Context, p restapi.Project) {
	limit := r.opts.ContextWindow
	if limit <= 0 {
		limit = conversation.DefaultWindow
	}

	msgs, err := r.api.FetchMessages(ctx, p.ID, limit)
	if err != nil {
		r.logger.Warn("history load failed", "project_id", p.ID, "error", err)
		return
	}

	entries := make([]conversation.Entry, 0, len(msgs))
	for _, m := range msgs {
		sender := conversation.SenderUser
		if m.SenderType == "agent" {
			sender = conversation.SenderAgent
		}
		entries = append(entries, conversation.Entry{
			MessageID:  m.ID,
			Sender:     sender,
			SenderName: m.SenderName,
			Text:       m.Text,
			Timestamp:  m.CreatedAt,
		})
	}
	r.store.MergeFromServer(p.ID, entries)
	r.logger.Debug("history loaded", "project_id", p.ID, "messages", len(entries))
}

// presenceData is the payload announced on every project channel.
func (r *Runtime) presenceData() wire.PresenceData {
	return wire.PresenceData{
		UserID:            r.api.UserID(),
		Username:          r.api.Username(),
		IsAgent:           true,
		AgentName:         r.opts.AgentName,
		AgentInstructions: r.opts.Instructions,
		MachineName:       r.opts.MachineName,
	}
}

// maintainAuth re-logs in shortly before the bearer token expires so
// persistence calls keep working across long sessions.
func (r *Runtime) maintainAuth() {
	defer r.wg.Done()

	for {
		expiry := r.api.TokenExpiry()
		if expiry.IsZero() {
			return
		}
		wait := time.Until(expiry) - reloginLead
		if wait < time.Second {
			wait = time.Second
		}

		select {
		case <-r.ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := r.api.Login(r.ctx, r.opts.Username, r.opts.Password); err != nil {
			r.logger.Error("token refresh failed", "error", err)
			return
		}
		r.logger.Info("token refreshed")
	}
}
