// ABOUTME: Task path: claim assigned tasks, announce pickup, generate, report status.
// ABOUTME: Task events bypass message routing entirely.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jaibber/agent-sdk/internal/conversation"
	"github.com/jaibber/agent-sdk/internal/llm"
	"github.com/jaibber/agent-sdk/internal/transport"
	"github.com/jaibber/agent-sdk/internal/wire"
)

// handleTask processes one delivery on a project's task event. Only
// freshly submitted tasks assigned to this agent by name are picked up.
func (r *Runtime) handleTask(b *binding, m transport.Message) {
	if m.ConnectionID == r.transport.ConnectionID() {
		return
	}

	var te wire.TaskEvent
	if err := json.Unmarshal(m.Data, &te); err != nil {
		r.logger.Warn("dropping undecodable task event", "project_id", b.project.ID, "error", err)
		return
	}

	switch te.Type {
	case wire.EventTaskCreated, wire.EventTaskUpdated:
	default:
		return
	}

	task := te.Task
	if task.Status != wire.TaskSubmitted {
		return
	}
	if !strings.EqualFold(task.AssignedAgentName, r.opts.AgentName) {
		return
	}

	key := "task\x00" + task.ID
	if !r.claim(key) {
		return
	}

	r.wg.Add(1)
	go r.runTask(b, task, key)
}

// runTask claims the task with the server, announces the pickup on the
// channel, generates a result, and reports the terminal status.
func (r *Runtime) runTask(b *binding, task wire.Task, key string) {
	defer r.wg.Done()
	defer r.release(key)

	ctx, cancel := context.WithTimeout(r.ctx, r.opts.GenerationTimeout)
	defer cancel()

	// The status transition is the claim. If it fails, another host
	// running the same agent name got there first.
	if err := r.api.UpdateTaskStatus(ctx, task.ID, string(wire.TaskWorking)); err != nil {
		r.logger.Info("task claim failed",
			"project_id", b.project.ID, "task_id", task.ID, "error", err)
		return
	}

	r.announcePickup(ctx, b, task)

	session := r.newSession(b, 0, nil)
	req := llm.Request{
		Prompt:              taskPrompt(task),
		SystemPrompt:        r.opts.Instructions,
		ConversationContext: r.store.FormatForContext(b.project.ID),
	}

	full, err := r.generate(ctx, session, req)
	if err != nil {
		r.logger.Error("task generation failed",
			"project_id", b.project.ID, "task_id", task.ID, "error", err)
		r.reportTaskStatus(b, task.ID, wire.TaskFailed)
		return
	}

	r.store.Append(b.project.ID, conversation.Entry{
		MessageID:  session.ResponseID(),
		Sender:     conversation.SenderAgent,
		SenderName: r.opts.AgentName,
		Text:       full,
	})

	r.reportTaskStatus(b, task.ID, wire.TaskCompleted)
	r.logger.Info("task completed",
		"project_id", b.project.ID, "task_id", task.ID, "response_id", session.ResponseID())
}

// announcePickup publishes the task notification message so the channel
// sees which agent took the task. Marked so no agent routes on it.
func (r *Runtime) announcePickup(ctx context.Context, b *binding, task wire.Task) {
	ev := &wire.Event{
		From:               r.api.UserID(),
		FromUsername:       r.opts.AgentName,
		ProjectID:          b.project.ID,
		Text:               fmt.Sprintf("📋 Picking up task: %s", task.Title),
		MessageID:          uuid.New().String(),
		Type:               wire.EventMessage,
		AgentName:          r.opts.AgentName,
		IsAgentMessage:     true,
		IsTaskNotification: true,
	}
	if err := b.channel.Publish(ctx, "message", ev); err != nil {
		r.logger.Warn("pickup announcement failed",
			"project_id", b.project.ID, "task_id", task.ID, "error", err)
	}
}

// reportTaskStatus is best-effort on its own timeout so a terminal
// status still lands when the generation context has expired.
func (r *Runtime) reportTaskStatus(b *binding, taskID string, status wire.TaskStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := r.api.UpdateTaskStatus(ctx, taskID, string(status)); err != nil {
		r.logger.Warn("task status update failed",
			"project_id", b.project.ID, "task_id", taskID, "status", status, "error", err)
	}
}

// taskPrompt renders the assignment into the generation prompt.
func taskPrompt(task wire.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You have been assigned a task.\n\nTitle: %s", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&sb, "\n\nDescription: %s", task.Description)
	}
	sb.WriteString("\n\nComplete the task and reply with the result.")
	return sb.String()
}
