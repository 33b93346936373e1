// ABOUTME: Task types published alongside chat events on project channels.
// ABOUTME: Mirrors the server's task records; agents react to assignment transitions.

package wire

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskSubmitted     TaskStatus = "submitted"
	TaskWorking       TaskStatus = "working"
	TaskInputRequired TaskStatus = "input-required"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
	TaskCancelled     TaskStatus = "cancelled"
)

// TaskPriority orders tasks in the board UI. Agents ignore it.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// Task is the server's task record as it travels on the wire.
type Task struct {
	ID                string       `json:"id"`
	ProjectID         string       `json:"projectId"`
	Title             string       `json:"title"`
	Description       string       `json:"description,omitempty"`
	Status            TaskStatus   `json:"status"`
	Priority          TaskPriority `json:"priority"`
	AssignedAgentName string       `json:"assignedAgentName,omitempty"`
	CreatedBy         string       `json:"createdBy"`
	CreatedByType     string       `json:"createdByType"`
	CreatedByName     string       `json:"createdByName"`
	SourceMessageID   string       `json:"sourceMessageId,omitempty"`
	CreatedAt         string       `json:"createdAt"`
	UpdatedAt         string       `json:"updatedAt"`
}

// TaskEvent is the payload published on the "task" channel event.
type TaskEvent struct {
	Type      EventType `json:"type"`
	Task      Task      `json:"task"`
	ProjectID string    `json:"projectId"`
}
