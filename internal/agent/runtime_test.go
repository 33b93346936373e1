// ABOUTME: End-to-end runtime tests over the in-memory transport.
// ABOUTME: Covers routing, streaming replies, dedupe, task flow, and persistence.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaibber/agent-sdk/internal/llm"
	"github.com/jaibber/agent-sdk/internal/restapi"
	"github.com/jaibber/agent-sdk/internal/transport"
	"github.com/jaibber/agent-sdk/internal/wire"
)

const waitFor = 2 * time.Second

type fakeAPI struct {
	mu        sync.Mutex
	userID    string
	username  string
	projects  []restapi.Project
	history   map[string][]restapi.ServerMessage
	persisted []restapi.PersistMessage
	statusLog map[string][]string
	claimErr  error
	logins    int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		userID:   "user-echo",
		username: "echo-bot",
		projects: []restapi.Project{
			{ID: "proj-1", Name: "Research", ChannelName: "chan-proj-1"},
		},
		history:   make(map[string][]restapi.ServerMessage),
		statusLog: make(map[string][]string),
	}
}

func (f *fakeAPI) Login(ctx context.Context, username, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	return nil
}

func (f *fakeAPI) UserID() string         { return f.userID }
func (f *fakeAPI) Username() string       { return f.username }
func (f *fakeAPI) TokenExpiry() time.Time { return time.Time{} }

func (f *fakeAPI) ListProjects(ctx context.Context) ([]restapi.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.projects, nil
}

func (f *fakeAPI) FetchMessages(ctx context.Context, projectID string, limit int) ([]restapi.ServerMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[projectID], nil
}

func (f *fakeAPI) PersistMessage(ctx context.Context, projectID string, msg restapi.PersistMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted = append(f.persisted, msg)
	return nil
}

func (f *fakeAPI) UpdateTaskStatus(ctx context.Context, taskID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status == string(wire.TaskWorking) && f.claimErr != nil {
		return f.claimErr
	}
	f.statusLog[taskID] = append(f.statusLog[taskID], status)
	return nil
}

func (f *fakeAPI) statuses(taskID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.statusLog[taskID]))
	copy(out, f.statusLog[taskID])
	return out
}

func (f *fakeAPI) persistedMessages() []restapi.PersistMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]restapi.PersistMessage, len(f.persisted))
	copy(out, f.persisted)
	return out
}

type scriptProvider struct {
	mu     sync.Mutex
	deltas []string
	err    error
	reqs   []llm.Request
}

func (p *scriptProvider) Generate(ctx context.Context, req llm.Request) <-chan llm.Delta {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	deltas, genErr := p.deltas, p.err
	p.mu.Unlock()

	out := make(chan llm.Delta, len(deltas)+1)
	for _, d := range deltas {
		out <- llm.Delta{Text: d}
	}
	if genErr != nil {
		out <- llm.Delta{Err: genErr}
	}
	close(out)
	return out
}

func (p *scriptProvider) requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Request, len(p.reqs))
	copy(out, p.reqs)
	return out
}

// collector gathers wire events seen by an independent observer
// connection on the project channel.
type collector struct {
	mu     sync.Mutex
	events []wire.Event
}

func (c *collector) handle(m transport.Message) {
	var ev wire.Event
	if json.Unmarshal(m.Data, &ev) != nil {
		return
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) ofType(typ wire.EventType) []wire.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wire.Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	runtime  *Runtime
	api      *fakeAPI
	provider *scriptProvider
	net      *transport.MemoryNetwork
	human    *transport.MemoryClient
	observed *collector
}

func newFixture(t *testing.T, provider *scriptProvider, mutate func(*Options)) *fixture {
	t.Helper()
	ctx := context.Background()

	api := newFakeAPI()
	net := transport.NewMemoryNetwork()

	opts := Options{
		Username:     "echo-bot",
		Password:     "secret",
		AgentName:    "Echo",
		Instructions: "Be concise.",
		// A long window keeps timer flushes out of the picture; every
		// chunk observed here is the trailing flush.
		FlushWindow: time.Hour,
	}
	if mutate != nil {
		mutate(&opts)
	}

	rt, err := New(api, net.Client(api.userID), provider, nil, opts)
	require.NoError(t, err)
	require.NoError(t, rt.Start(ctx))
	t.Cleanup(func() { rt.Stop(context.Background()) })

	human := net.Client("user-human")
	require.NoError(t, human.Connect(ctx))
	observer := net.Client("user-observer")
	require.NoError(t, observer.Connect(ctx))

	obs := &collector{}
	_, err = observer.Channel("chan-proj-1").Subscribe(ctx, "message", obs.handle)
	require.NoError(t, err)

	return &fixture{runtime: rt, api: api, provider: provider, net: net, human: human, observed: obs}
}

func (f *fixture) sendMessage(t *testing.T, ev wire.Event) {
	t.Helper()
	if ev.MessageID == "" {
		ev.MessageID = uuid.New().String()
	}
	if ev.From == "" {
		ev.From = "user-human"
		ev.FromUsername = "human"
	}
	ev.ProjectID = "proj-1"
	if ev.Type == "" {
		ev.Type = wire.EventMessage
	}
	require.NoError(t, f.human.Channel("chan-proj-1").Publish(context.Background(), "message", &ev))
}

func TestRuntime_RespondsToBroadcast(t *testing.T) {
	provider := &scriptProvider{deltas: []string{"Hello ", "there."}}
	f := newFixture(t, provider, nil)

	f.sendMessage(t, wire.Event{Text: "what is the plan?"})

	require.Eventually(t, func() bool {
		return len(f.observed.ofType(wire.EventResponse)) == 1
	}, waitFor, 10*time.Millisecond)

	resp := f.observed.ofType(wire.EventResponse)[0]
	assert.Equal(t, "Hello there.", resp.Text)
	assert.Equal(t, "Echo", resp.AgentName)
	assert.True(t, resp.IsAgentMessage)
	assert.Equal(t, 1, resp.ResponseDepth)
	assert.Equal(t, []string{"echo"}, resp.RespondingChain)
	assert.Equal(t, resp.ResponseID, resp.MessageID)

	// typing precedes content, and the trailing flush carried the text.
	typing := f.observed.ofType(wire.EventTyping)
	require.Len(t, typing, 1)
	assert.Equal(t, resp.ResponseID, typing[0].ResponseID)

	chunks := f.observed.ofType(wire.EventChunk)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Hello there.", chunks[0].Text)
}

func TestRuntime_PromptCarriesContextAndInstructions(t *testing.T) {
	provider := &scriptProvider{deltas: []string{"ok"}}
	f := newFixture(t, provider, nil)

	f.sendMessage(t, wire.Event{Text: "summarize the thread"})

	require.Eventually(t, func() bool {
		return len(provider.requests()) == 1
	}, waitFor, 10*time.Millisecond)

	req := provider.requests()[0]
	assert.Equal(t, "summarize the thread", req.Prompt)
	assert.Equal(t, "Be concise.", req.SystemPrompt)
	assert.Contains(t, req.ConversationContext, "User: summarize the thread")
}

func TestRuntime_IgnoresDirectedElsewhere(t *testing.T) {
	provider := &scriptProvider{deltas: []string{"nope"}}
	f := newFixture(t, provider, nil)

	f.sendMessage(t, wire.Event{Text: "@Scout take a look"})
	// A broadcast afterwards acts as the fence: once it is answered,
	// the directed message has definitively been skipped.
	f.sendMessage(t, wire.Event{Text: "anyone around?"})

	require.Eventually(t, func() bool {
		return len(f.observed.ofType(wire.EventResponse)) == 1
	}, waitFor, 10*time.Millisecond)

	assert.Len(t, provider.requests(), 1)
	assert.Equal(t, "anyone around?", provider.requests()[0].Prompt)
}

func TestRuntime_AgentTierRequiresMention(t *testing.T) {
	provider := &scriptProvider{deltas: []string{"answer"}}
	f := newFixture(t, provider, nil)

	// Agent response without a mention of us: ignored despite depth 1.
	f.sendMessage(t, wire.Event{
		Text:            "done with my part",
		Type:            wire.EventResponse,
		ResponseID:      uuid.New().String(),
		AgentName:       "Scout",
		IsAgentMessage:  true,
		ResponseDepth:   1,
		RespondingChain: []string{"scout"},
	})
	// Same shape but mentioning us: answered, chain extended.
	f.sendMessage(t, wire.Event{
		Text:            "@Echo can you verify?",
		Type:            wire.EventResponse,
		ResponseID:      uuid.New().String(),
		AgentName:       "Scout",
		IsAgentMessage:  true,
		ResponseDepth:   1,
		RespondingChain: []string{"scout"},
	})

	require.Eventually(t, func() bool {
		return len(f.observed.ofType(wire.EventResponse)) >= 3
	}, waitFor, 10*time.Millisecond)

	var ours *wire.Event
	for _, ev := range f.observed.ofType(wire.EventResponse) {
		if ev.AgentName == "Echo" {
			ev := ev
			ours = &ev
		}
	}
	require.NotNil(t, ours)
	assert.Equal(t, 2, ours.ResponseDepth)
	assert.Equal(t, []string{"scout", "echo"}, ours.RespondingChain)
	assert.Len(t, provider.requests(), 1)
}

func TestRuntime_DepthCeiling(t *testing.T) {
	provider := &scriptProvider{deltas: []string{"too deep"}}
	f := newFixture(t, provider, nil)

	f.sendMessage(t, wire.Event{
		Text:            "@Echo keep going",
		Type:            wire.EventResponse,
		ResponseID:      uuid.New().String(),
		AgentName:       "Scout",
		IsAgentMessage:  true,
		ResponseDepth:   3,
		RespondingChain: []string{"scout", "scribe", "sage"},
	})
	f.sendMessage(t, wire.Event{Text: "fresh human question"})

	require.Eventually(t, func() bool {
		return len(provider.requests()) == 1
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, "fresh human question", provider.requests()[0].Prompt)
}

func TestRuntime_ReplayedMessageAnsweredOnce(t *testing.T) {
	provider := &scriptProvider{deltas: []string{"once"}}
	f := newFixture(t, provider, nil)

	id := uuid.New().String()
	f.sendMessage(t, wire.Event{Text: "ping", MessageID: id})
	f.sendMessage(t, wire.Event{Text: "ping", MessageID: id})
	f.sendMessage(t, wire.Event{Text: "fence"})

	require.Eventually(t, func() bool {
		return len(provider.requests()) == 2
	}, waitFor, 10*time.Millisecond)

	var pings int
	for _, req := range provider.requests() {
		if req.Prompt == "ping" {
			pings++
		}
	}
	assert.Equal(t, 1, pings)
}

func TestRuntime_TaskNotificationNeverPrompts(t *testing.T) {
	provider := &scriptProvider{deltas: []string{"reply"}}
	f := newFixture(t, provider, nil)

	f.sendMessage(t, wire.Event{
		Text:               "📋 Picking up task: triage",
		AgentName:          "Scout",
		IsAgentMessage:     true,
		IsTaskNotification: true,
	})
	f.sendMessage(t, wire.Event{Text: "fence"})

	require.Eventually(t, func() bool {
		return len(provider.requests()) == 1
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, "fence", provider.requests()[0].Prompt)
}

func TestRuntime_GenerationErrorPublishesErrorEvent(t *testing.T) {
	provider := &scriptProvider{
		deltas: []string{"partial "},
		err:    errors.New("rate limited"),
	}
	f := newFixture(t, provider, nil)

	f.sendMessage(t, wire.Event{Text: "trigger"})

	require.Eventually(t, func() bool {
		return len(f.observed.ofType(wire.EventError)) == 1
	}, waitFor, 10*time.Millisecond)

	errEv := f.observed.ofType(wire.EventError)[0]
	assert.Contains(t, errEv.Text, "rate limited")
	assert.Empty(t, f.observed.ofType(wire.EventResponse))
}

func TestRuntime_PersistsTerminalEvents(t *testing.T) {
	provider := &scriptProvider{deltas: []string{"saved"}}
	f := newFixture(t, provider, nil)

	f.sendMessage(t, wire.Event{Text: "persist me"})

	require.Eventually(t, func() bool {
		return len(f.api.persistedMessages()) == 1
	}, waitFor, 10*time.Millisecond)

	resp := f.observed.ofType(wire.EventResponse)[0]
	msg := f.api.persistedMessages()[0]
	assert.Equal(t, resp.ResponseID, msg.ID)
	assert.Equal(t, "agent", msg.SenderType)
	assert.Equal(t, "Echo", msg.SenderName)
	assert.Equal(t, "response", msg.Type)
	assert.Equal(t, "saved", msg.Text)
}

func sendTask(t *testing.T, f *fixture, task wire.Task) {
	t.Helper()
	te := wire.TaskEvent{Type: wire.EventTaskCreated, Task: task, ProjectID: "proj-1"}
	require.NoError(t, f.human.Channel("chan-proj-1").Publish(context.Background(), "task", &te))
}

func TestRuntime_TaskFlow(t *testing.T) {
	provider := &scriptProvider{deltas: []string{"task done"}}
	f := newFixture(t, provider, nil)

	sendTask(t, f, wire.Task{
		ID:                "task-1",
		ProjectID:         "proj-1",
		Title:             "Summarize findings",
		Description:       "Use the last thread.",
		Status:            wire.TaskSubmitted,
		AssignedAgentName: "echo", // assignment matching is case-insensitive
	})

	require.Eventually(t, func() bool {
		return len(f.api.statuses("task-1")) == 2
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, []string{"working", "completed"}, f.api.statuses("task-1"))

	// Pickup announcement went out, marked so nobody routes on it.
	var pickup *wire.Event
	for _, ev := range f.observed.ofType(wire.EventMessage) {
		if ev.IsTaskNotification {
			ev := ev
			pickup = &ev
		}
	}
	require.NotNil(t, pickup)
	assert.Contains(t, pickup.Text, "Summarize findings")
	assert.True(t, pickup.IsAgentMessage)

	require.Len(t, provider.requests(), 1)
	assert.Contains(t, provider.requests()[0].Prompt, "Title: Summarize findings")
	assert.Contains(t, provider.requests()[0].Prompt, "Description: Use the last thread.")

	responses := f.observed.ofType(wire.EventResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, "task done", responses[0].Text)
	assert.Equal(t, 1, responses[0].ResponseDepth)
}

func TestRuntime_TaskClaimLostSkipsGeneration(t *testing.T) {
	provider := &scriptProvider{deltas: []string{"never"}}
	f := newFixture(t, provider, nil)
	f.api.mu.Lock()
	f.api.claimErr = fmt.Errorf("conflict: already working")
	f.api.mu.Unlock()

	sendTask(t, f, wire.Task{
		ID:                "task-2",
		ProjectID:         "proj-1",
		Title:             "Contested task",
		Status:            wire.TaskSubmitted,
		AssignedAgentName: "Echo",
	})
	f.sendMessage(t, wire.Event{Text: "fence"})

	require.Eventually(t, func() bool {
		return len(provider.requests()) == 1
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, "fence", provider.requests()[0].Prompt)
	assert.Empty(t, f.api.statuses("task-2"))
}

func TestRuntime_TaskForOtherAgentIgnored(t *testing.T) {
	provider := &scriptProvider{deltas: []string{"never"}}
	f := newFixture(t, provider, nil)

	sendTask(t, f, wire.Task{
		ID:                "task-3",
		ProjectID:         "proj-1",
		Title:             "Not ours",
		Status:            wire.TaskSubmitted,
		AssignedAgentName: "Scout",
	})
	f.sendMessage(t, wire.Event{Text: "fence"})

	require.Eventually(t, func() bool {
		return len(provider.requests()) == 1
	}, waitFor, 10*time.Millisecond)
	assert.Empty(t, f.api.statuses("task-3"))
}

func TestRuntime_ProjectFilter(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.projects = []restapi.Project{
		{ID: "proj-1", Name: "Research", ChannelName: "chan-proj-1"},
		{ID: "proj-2", Name: "Ops", ChannelName: "chan-proj-2"},
	}
	net := transport.NewMemoryNetwork()
	provider := &scriptProvider{deltas: []string{"hi"}}

	rt, err := New(api, net.Client(api.userID), provider, nil, Options{
		Username:  "echo-bot",
		AgentName: "Echo",
		Projects:  []string{"ops"},
	})
	require.NoError(t, err)
	require.NoError(t, rt.Start(ctx))
	defer rt.Stop(context.Background())

	assert.Equal(t, []string{"proj-2"}, rt.Projects())
}

func TestRuntime_EntersPresence(t *testing.T) {
	provider := &scriptProvider{deltas: []string{"hi"}}
	f := newFixture(t, provider, nil)

	observer := f.net.Client("user-observer-2")
	require.NoError(t, observer.Connect(context.Background()))
	members, err := observer.Channel("chan-proj-1").Presence(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 1)

	var data wire.PresenceData
	require.NoError(t, json.Unmarshal(members[0].Data, &data))
	assert.True(t, data.IsAgent)
	assert.Equal(t, "Echo", data.AgentName)
	assert.Equal(t, "user-echo", data.UserID)
}

func TestRuntime_HistorySeedsContext(t *testing.T) {
	api := newFakeAPI()
	api.history["proj-1"] = []restapi.ServerMessage{
		{ID: "h1", SenderType: "user", SenderName: "human", Text: "old question",
			CreatedAt: time.Now().Add(-time.Hour)},
		{ID: "h2", SenderType: "agent", SenderName: "Scout", Text: "old answer",
			CreatedAt: time.Now().Add(-59 * time.Minute)},
	}
	net := transport.NewMemoryNetwork()
	p2 := &scriptProvider{deltas: []string{"with history"}}
	rt, err := New(api, net.Client(api.userID), p2, nil, Options{
		Username: "echo-bot", AgentName: "Echo", FlushWindow: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop(context.Background())

	human := net.Client("user-human")
	require.NoError(t, human.Connect(context.Background()))
	require.NoError(t, human.Channel("chan-proj-1").Publish(context.Background(), "message", &wire.Event{
		From: "user-human", FromUsername: "human", ProjectID: "proj-1",
		Text: "and now?", MessageID: uuid.New().String(), Type: wire.EventMessage,
	}))

	require.Eventually(t, func() bool {
		return len(p2.requests()) == 1
	}, waitFor, 10*time.Millisecond)

	ctxText := p2.requests()[0].ConversationContext
	assert.Contains(t, ctxText, "User: old question")
	assert.Contains(t, ctxText, "Assistant (Scout): old answer")
}
