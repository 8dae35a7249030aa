package team

import "time"

// EventType tags a team bus event.
type EventType string

const (
	EventTeamStart    EventType = "team_start"
	EventMemberAdd    EventType = "team_member_add"
	EventMemberUpdate EventType = "team_member_update"
	EventMemberRemove EventType = "team_member_remove"
	EventTaskAdd      EventType = "team_task_add"
	EventTaskUpdate   EventType = "team_task_update"
	EventMessage      EventType = "team_message"
	EventTeamEnd      EventType = "team_end"
)

// Event is one item on the team bus. Every event names the team it belongs
// to; the set of implementations is closed.
type Event interface {
	Type() EventType
	Team() string
	isEvent()
}

type TeamStart struct {
	TeamID      string    `json:"team_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Lead        string    `json:"lead,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type MemberAdd struct {
	TeamID string `json:"team_id"`
	Member Member `json:"member"`
}

// MemberUpdate carries the member's full new state.
type MemberUpdate struct {
	TeamID string `json:"team_id"`
	Member Member `json:"member"`
}

type MemberRemove struct {
	TeamID   string `json:"team_id"`
	MemberID string `json:"member_id"`
}

type TaskAdd struct {
	TeamID string `json:"team_id"`
	Task   Task   `json:"task"`
}

// TaskUpdate carries the task's full new state.
type TaskUpdate struct {
	TeamID string `json:"team_id"`
	Task   Task   `json:"task"`
}

type MessageAppended struct {
	TeamID  string  `json:"team_id"`
	Message Message `json:"message"`
}

type TeamEnd struct {
	TeamID  string    `json:"team_id"`
	EndedAt time.Time `json:"ended_at"`
}

func (TeamStart) Type() EventType       { return EventTeamStart }
func (MemberAdd) Type() EventType       { return EventMemberAdd }
func (MemberUpdate) Type() EventType    { return EventMemberUpdate }
func (MemberRemove) Type() EventType    { return EventMemberRemove }
func (TaskAdd) Type() EventType         { return EventTaskAdd }
func (TaskUpdate) Type() EventType      { return EventTaskUpdate }
func (MessageAppended) Type() EventType { return EventMessage }
func (TeamEnd) Type() EventType         { return EventTeamEnd }

func (e TeamStart) Team() string       { return e.TeamID }
func (e MemberAdd) Team() string       { return e.TeamID }
func (e MemberUpdate) Team() string    { return e.TeamID }
func (e MemberRemove) Team() string    { return e.TeamID }
func (e TaskAdd) Team() string         { return e.TeamID }
func (e TaskUpdate) Team() string      { return e.TeamID }
func (e MessageAppended) Team() string { return e.TeamID }
func (e TeamEnd) Team() string         { return e.TeamID }

func (TeamStart) isEvent()       {}
func (MemberAdd) isEvent()       {}
func (MemberUpdate) isEvent()    {}
func (MemberRemove) isEvent()    {}
func (TaskAdd) isEvent()         {}
func (TaskUpdate) isEvent()      {}
func (MessageAppended) isEvent() {}
func (TeamEnd) isEvent()         {}
