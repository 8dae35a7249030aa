// Package team coordinates a lead agent and its teammates around a shared
// task board and message log.
package team

import (
	"time"

	"github.com/nidhogg/nuka-crew/internal/agent"
)

// MemberStatus is a teammate's lifecycle position.
type MemberStatus string

const (
	MemberWorking MemberStatus = "working"
	MemberIdle    MemberStatus = "idle"
	MemberStopped MemberStatus = "stopped"
)

// Member is a teammate as seen by the rest of the team.
type Member struct {
	ID            string                `json:"id"`
	Name          string                `json:"name"`
	Status        MemberStatus          `json:"status"`
	Model         string                `json:"model,omitempty"`
	CurrentTaskID string                `json:"current_task_id,omitempty"`
	Iteration     int                   `json:"iteration"`
	ToolCalls     []agent.ToolCallState `json:"tool_calls,omitempty"`
	Output        string                `json:"output,omitempty"`
	Error         string                `json:"error,omitempty"`
	StartedAt     time.Time             `json:"started_at"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
}

// TaskStatus tracks a task on the board.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// Task is one entry of the shared task board. Version increases on every
// update.
type Task struct {
	ID          string     `json:"id"`
	Subject     string     `json:"subject"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	Owner       string     `json:"owner,omitempty"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Version     int        `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// MessageType distinguishes team messages.
type MessageType string

const (
	MsgMessage          MessageType = "message"
	MsgBroadcast        MessageType = "broadcast"
	MsgShutdownRequest  MessageType = "shutdown_request"
	MsgShutdownResponse MessageType = "shutdown_response"
)

// Broadcast is the recipient of messages addressed to everyone.
const Broadcast = "all"

// Message is an entry of the append-only team message log.
type Message struct {
	ID        string      `json:"id"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Summary   string      `json:"summary,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Team is the aggregate the coordinator owns.
type Team struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Lead        string     `json:"lead,omitempty"`
	Members     []Member   `json:"members"`
	Tasks       []Task     `json:"tasks"`
	Messages    []Message  `json:"messages"`
	CreatedAt   time.Time  `json:"created_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Clone returns a deep copy.
func (t *Team) Clone() *Team {
	if t == nil {
		return nil
	}
	c := *t
	c.Members = make([]Member, len(t.Members))
	for i, m := range t.Members {
		m.ToolCalls = append([]agent.ToolCallState(nil), m.ToolCalls...)
		c.Members[i] = m
	}
	c.Tasks = make([]Task, len(t.Tasks))
	for i, tk := range t.Tasks {
		tk.DependsOn = append([]string(nil), tk.DependsOn...)
		c.Tasks[i] = tk
	}
	c.Messages = append([]Message(nil), t.Messages...)
	return &c
}

// Member returns the member with the given id or name.
func (t *Team) Member(idOrName string) (*Member, bool) {
	for i := range t.Members {
		if t.Members[i].ID == idOrName || t.Members[i].Name == idOrName {
			return &t.Members[i], true
		}
	}
	return nil, false
}

// Task returns the task with the given id.
func (t *Team) Task(id string) (*Task, bool) {
	for i := range t.Tasks {
		if t.Tasks[i].ID == id {
			return &t.Tasks[i], true
		}
	}
	return nil, false
}
