// ABOUTME: Message path: echo suppression, dedupe, routing, streamed replies.
// ABOUTME: Runs on transport delivery goroutines; generation runs on its own goroutine.

package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jaibber/agent-sdk/internal/archive"
	"github.com/jaibber/agent-sdk/internal/conversation"
	"github.com/jaibber/agent-sdk/internal/llm"
	"github.com/jaibber/agent-sdk/internal/restapi"
	"github.com/jaibber/agent-sdk/internal/stream"
	"github.com/jaibber/agent-sdk/internal/transport"
	"github.com/jaibber/agent-sdk/internal/wire"
)

// persistTimeout bounds the fire-and-forget writes that follow a
// terminal event.
const persistTimeout = 10 * time.Second

// handleMessage processes one delivery on a project's message event.
func (r *Runtime) handleMessage(b *binding, m transport.Message) {
	// Suppression keys on the connection, not the sender: history can
	// legitimately arrive "from" this agent over a fresh connection.
	if m.ConnectionID == r.transport.ConnectionID() {
		return
	}

	var ev wire.Event
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		r.logger.Warn("dropping undecodable event", "project_id", b.project.ID, "error", err)
		return
	}
	if err := ev.Validate(); err != nil {
		r.logger.Warn("dropping invalid event", "project_id", b.project.ID, "error", err)
		return
	}

	switch ev.Type {
	case wire.EventMessage, wire.EventResponse:
	default:
		// Typing and chunk events are transient UI signals; done and
		// error never feed context or routing.
		return
	}

	agentAuthored := ev.IsAgentMessage || ev.Type == wire.EventResponse

	sender := conversation.SenderUser
	senderName := ev.FromUsername
	if agentAuthored {
		sender = conversation.SenderAgent
		if ev.AgentName != "" {
			senderName = ev.AgentName
		}
	}

	recorded := r.store.Append(b.project.ID, conversation.Entry{
		MessageID:  ev.MessageID,
		Sender:     sender,
		SenderName: senderName,
		Text:       ev.Text,
	})
	if !recorded {
		return
	}
	r.archiveRecord(b.project.ID, ev.MessageID, senderName, string(ev.Type), ev.Text)

	// Pickup announcements are context, never prompts.
	if ev.IsTaskNotification {
		return
	}

	var respond bool
	if agentAuthored {
		respond = r.router.ShouldRespondToAgent(ev.Text, ev.ResponseDepth, ev.RespondingChain)
	} else {
		respond = r.router.ShouldRespond(ev.Text, ev.ResponseDepth, ev.RespondingChain)
	}
	if !respond {
		r.logger.Debug("not responding",
			"project_id", b.project.ID,
			"message_id", ev.MessageID,
			"agent_authored", agentAuthored,
			"depth", ev.ResponseDepth)
		return
	}

	key := b.project.ID + "\x00" + ev.MessageID
	if !r.claim(key) {
		return
	}

	r.wg.Add(1)
	go r.respond(b, ev, key)
}

// respond generates and streams one reply to ev.
func (r *Runtime) respond(b *binding, ev wire.Event, key string) {
	defer r.wg.Done()
	defer r.release(key)

	ctx, cancel := context.WithTimeout(r.ctx, r.opts.GenerationTimeout)
	defer cancel()

	session := r.newSession(b, ev.ResponseDepth, ev.RespondingChain)
	req := llm.Request{
		Prompt:              ev.Text,
		SystemPrompt:        r.opts.Instructions,
		ConversationContext: r.store.FormatForContext(b.project.ID),
	}

	full, err := r.generate(ctx, session, req)
	if err != nil {
		r.logger.Error("generation failed",
			"project_id", b.project.ID,
			"message_id", ev.MessageID,
			"response_id", session.ResponseID(),
			"error", err)
		return
	}

	// Our own echo is suppressed, so the reply is recorded locally.
	r.store.Append(b.project.ID, conversation.Entry{
		MessageID:  session.ResponseID(),
		Sender:     conversation.SenderAgent,
		SenderName: r.opts.AgentName,
		Text:       full,
	})

	r.logger.Info("responded",
		"project_id", b.project.ID,
		"message_id", ev.MessageID,
		"response_id", session.ResponseID(),
		"depth", session.Depth())
}

// newSession builds a streaming session replying at the given incoming
// depth and chain.
func (r *Runtime) newSession(b *binding, depth int, chain []string) *stream.Session {
	return stream.NewSession(stream.Config{
		ProjectID:   b.project.ID,
		UserID:      r.api.UserID(),
		AgentName:   r.opts.AgentName,
		Depth:       depth,
		Chain:       chain,
		FlushWindow: r.opts.FlushWindow,
		Publish: func(ctx context.Context, ev *wire.Event) error {
			return b.channel.Publish(ctx, "message", ev)
		},
		Persist: r.persistFunc(b),
		Clock:   r.opts.Clock,
		Logger:  r.logger,
	})
}

// generate drives the provider through the session and returns the full
// reply text. The provider's error delta is terminal; it becomes the
// session's error event.
func (r *Runtime) generate(ctx context.Context, session *stream.Session, req llm.Request) (string, error) {
	if err := session.Announce(ctx); err != nil {
		return "", err
	}

	var full []byte
	for d := range r.provider.Generate(ctx, req) {
		if d.Err != nil {
			if failErr := session.Fail(ctx, d.Err); failErr != nil {
				r.logger.Warn("error event publish failed", "error", failErr)
			}
			return "", d.Err
		}
		full = append(full, d.Text...)
		if err := session.Write(d.Text); err != nil {
			return "", err
		}
	}

	// A cancelled provider may close its channel without a terminal
	// delta; a partial stream must never be finished as a success.
	if ctxErr := ctx.Err(); ctxErr != nil {
		if failErr := session.Fail(ctx, ctxErr); failErr != nil {
			r.logger.Warn("error event publish failed", "error", failErr)
		}
		return "", ctxErr
	}

	if err := session.Finish(ctx); err != nil {
		return "", err
	}
	return string(full), nil
}

// persistFunc records a terminal event with the server and the local
// archive. Runs off the publish path; failures are logged only, because
// the published wire event is the canonical display record.
func (r *Runtime) persistFunc(b *binding) stream.PersistFunc {
	return func(responseID string, typ wire.EventType, text string) {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		msg := restapi.PersistMessage{
			ID:         responseID,
			SenderType: "agent",
			SenderName: r.opts.AgentName,
			Type:       string(typ),
			Text:       text,
		}
		if err := r.api.PersistMessage(ctx, b.project.ID, msg); err != nil {
			r.logger.Warn("message persist failed",
				"project_id", b.project.ID, "response_id", responseID, "error", err)
		}

		r.archiveRecord(b.project.ID, responseID, r.opts.AgentName, string(typ), text)
	}
}

// archiveRecord appends to the local archive when one is configured.
func (r *Runtime) archiveRecord(projectID, messageID, sender, typ, text string) {
	if r.archive == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err := r.archive.Append(ctx, archive.Record{
		MessageID: messageID,
		ProjectID: projectID,
		Sender:    sender,
		Type:      typ,
		Text:      text,
	})
	if err != nil {
		r.logger.Warn("archive write failed",
			"project_id", projectID, "message_id", messageID, "error", err)
	}
}

// claim marks a work key in-flight, reporting whether the caller won.
func (r *Runtime) claim(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[key]; exists {
		return false
	}
	r.active[key] = struct{}{}
	return true
}

func (r *Runtime) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, key)
}
