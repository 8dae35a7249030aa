package team

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nidhogg/nuka-crew/internal/agent"
)

// Team tool names.
const (
	ToolTeamCreate      = "TeamCreate"
	ToolTaskCreate      = "TaskCreate"
	ToolTaskUpdate      = "TaskUpdate"
	ToolTaskList        = "TaskList"
	ToolSpawnTeammate   = "SpawnTeammate"
	ToolTeamSendMessage = "TeamSendMessage"
	ToolTeamAwait       = "TeamAwait"
	ToolTeamStatus      = "TeamStatus"
	ToolTeamDelete      = "TeamDelete"
)

type teamCreateInput struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=2000"`
}

type taskCreateInput struct {
	Subject     string   `json:"subject" validate:"required,max=200"`
	Description string   `json:"description"`
	DependsOn   []string `json:"dependsOn" validate:"dive,required"`
}

type taskUpdateInput struct {
	TaskID          string  `json:"taskId" validate:"required"`
	Status          *string `json:"status" validate:"omitempty,oneof=pending in_progress completed"`
	Owner           *string `json:"owner"`
	ExpectedVersion *int    `json:"expectedVersion" validate:"omitempty,min=1"`
}

type spawnInput struct {
	Name         string   `json:"name" validate:"required,max=64,excludesall=/"`
	SystemPrompt string   `json:"systemPrompt" validate:"required"`
	AllowedTools []string `json:"allowedTools"`
	Model        string   `json:"model"`
	Prompt       string   `json:"prompt"`
}

type sendInput struct {
	Type      string `json:"type" validate:"required,oneof=message broadcast shutdown_request shutdown_response"`
	Recipient string `json:"recipient" validate:"required_if=Type message,required_if=Type shutdown_request"`
	Content   string `json:"content" validate:"required"`
	Summary   string `json:"summary"`
	Sender    string `json:"sender"`
}

type awaitInput struct {
	TimeoutSeconds int      `json:"timeoutSeconds" validate:"omitempty,min=1,max=3600"`
	MemberIDs      []string `json:"memberIds"`
}

// bind decodes and validates a tool input.
func bind[T any](v *validator.Validate, input json.RawMessage) (T, error) {
	var in T
	if err := json.Unmarshal(input, &in); err != nil {
		return in, fmt.Errorf("invalid input: %w", err)
	}
	if err := v.Struct(in); err != nil {
		return in, fmt.Errorf("invalid input: %s", describe(err))
	}
	return in, nil
}

func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s fails %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func asJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func callerName(tc *agent.ToolContext) string {
	if tc != nil && tc.AgentName != "" {
		return tc.AgentName
	}
	return "lead"
}

// RegisterTools adds the team tools to reg. They are top-level only:
// sub-agents never coordinate teams.
func RegisterTools(reg *agent.ToolRegistry, c *Coordinator) {
	v := validator.New(validator.WithRequiredStructEnabled())

	reg.Register(agent.Tool{
		Name:        ToolTeamCreate,
		Description: "Create a team that you lead. Only one team can be active at a time.",
		Parameters: agent.Schema([]string{"name"}, map[string]interface{}{
			"name":        agent.Prop("string", "Team name"),
			"description": agent.Prop("string", "What the team is for"),
		}),
		TopLevelOnly: true,
		Handler: func(ctx context.Context, input json.RawMessage, tc *agent.ToolContext) (string, error) {
			in, err := bind[teamCreateInput](v, input)
			if err != nil {
				return "", err
			}
			lead := Lead{Name: callerName(tc)}
			if tc != nil {
				lead.Queue = tc.Queue
			}
			t, err := c.Create(in.Name, in.Description, lead)
			if err != nil {
				return "", err
			}
			return asJSON(map[string]string{"team_id": t.ID, "name": t.Name, "lead": t.Lead})
		},
	})

	reg.Register(agent.Tool{
		Name:        ToolTaskCreate,
		Description: "Add a task to the team's task board.",
		Parameters: agent.Schema([]string{"subject"}, map[string]interface{}{
			"subject":     agent.Prop("string", "Short title"),
			"description": agent.Prop("string", "Details"),
			"dependsOn": map[string]interface{}{
				"type": "array", "items": map[string]string{"type": "string"},
				"description": "IDs of tasks that must complete first",
			},
		}),
		TopLevelOnly: true,
		Handler: func(ctx context.Context, input json.RawMessage, tc *agent.ToolContext) (string, error) {
			in, err := bind[taskCreateInput](v, input)
			if err != nil {
				return "", err
			}
			t, err := c.CreateTask(in.Subject, in.Description, in.DependsOn)
			if err != nil {
				return "", err
			}
			return asJSON(t)
		},
	})

	reg.Register(agent.Tool{
		Name:        ToolTaskUpdate,
		Description: "Update a task's status or owner. Pass expectedVersion to guard against concurrent edits.",
		Parameters: agent.Schema([]string{"taskId"}, map[string]interface{}{
			"taskId":          agent.Prop("string", "Task ID"),
			"status":          map[string]interface{}{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
			"owner":           agent.Prop("string", "Member name claiming the task, empty to release"),
			"expectedVersion": agent.Prop("integer", "Version you last saw"),
		}),
		TopLevelOnly: true,
		Handler: func(ctx context.Context, input json.RawMessage, tc *agent.ToolContext) (string, error) {
			in, err := bind[taskUpdateInput](v, input)
			if err != nil {
				return "", err
			}
			patch := TaskPatch{TaskID: in.TaskID, Owner: in.Owner, ExpectedVersion: in.ExpectedVersion}
			if in.Status != nil {
				st := TaskStatus(*in.Status)
				patch.Status = &st
				// Starting a task without naming an owner claims it.
				if st == TaskInProgress && patch.Owner == nil {
					me := callerName(tc)
					patch.Owner = &me
				}
			}
			t, err := c.UpdateTask(patch)
			if err != nil {
				return "", err
			}
			return asJSON(t)
		},
	})

	reg.Register(agent.Tool{
		Name:         ToolTaskList,
		Description:  "List the team's tasks.",
		Parameters:   agent.Schema(nil, map[string]interface{}{}),
		ReadOnly:     true,
		TopLevelOnly: true,
		Handler: func(ctx context.Context, input json.RawMessage, tc *agent.ToolContext) (string, error) {
			tasks, err := c.ListTasks()
			if err != nil {
				return "", err
			}
			return asJSON(tasks)
		},
	})

	reg.Register(agent.Tool{
		Name:        ToolSpawnTeammate,
		Description: "Start a teammate that works concurrently with you. It reports back when done.",
		Parameters: agent.Schema([]string{"name", "systemPrompt"}, map[string]interface{}{
			"name":         agent.Prop("string", "Unique teammate name"),
			"systemPrompt": agent.Prop("string", "The teammate's role and instructions"),
			"allowedTools": map[string]interface{}{
				"type": "array", "items": map[string]string{"type": "string"},
				"description": "Tools the teammate may use; empty inherits yours",
			},
			"model":  agent.Prop("string", "Model override"),
			"prompt": agent.Prop("string", "First message to the teammate"),
		}),
		TopLevelOnly: true,
		Handler: func(ctx context.Context, input json.RawMessage, tc *agent.ToolContext) (string, error) {
			in, err := bind[spawnInput](v, input)
			if err != nil {
				return "", err
			}
			m, err := c.Spawn(ctx, SpawnRequest{
				Name:         in.Name,
				SystemPrompt: in.SystemPrompt,
				AllowedTools: in.AllowedTools,
				Model:        in.Model,
				Prompt:       in.Prompt,
			}, tc)
			if err != nil {
				return "", err
			}
			return asJSON(map[string]string{"member_id": m.ID, "name": m.Name, "status": string(m.Status)})
		},
	})

	reg.Register(agent.Tool{
		Name:        ToolTeamSendMessage,
		Description: "Send a message to a teammate or the lead, broadcast to everyone, or ask a teammate to shut down.",
		Parameters: agent.Schema([]string{"type", "content"}, map[string]interface{}{
			"type":      map[string]interface{}{"type": "string", "enum": []string{"message", "broadcast", "shutdown_request", "shutdown_response"}},
			"recipient": agent.Prop("string", "Member name, or the lead's name"),
			"content":   agent.Prop("string", "Message body"),
			"summary":   agent.Prop("string", "One-line summary"),
			"sender":    agent.Prop("string", "Override the sender name"),
		}),
		TopLevelOnly: true,
		Handler: func(ctx context.Context, input json.RawMessage, tc *agent.ToolContext) (string, error) {
			in, err := bind[sendInput](v, input)
			if err != nil {
				return "", err
			}
			from := in.Sender
			if from == "" {
				from = callerName(tc)
			}
			msg, err := c.SendMessage(from, SendRequest{
				Type:      MessageType(in.Type),
				Recipient: in.Recipient,
				Content:   in.Content,
				Summary:   in.Summary,
			})
			if err != nil {
				return "", err
			}
			return asJSON(map[string]string{"message_id": msg.ID, "to": msg.To})
		},
	})

	reg.Register(agent.Tool{
		Name:        ToolTeamAwait,
		Description: "Wait until the given teammates (default all) are no longer working, or the timeout passes.",
		Parameters: agent.Schema(nil, map[string]interface{}{
			"timeoutSeconds": agent.Prop("integer", "Give up after this many seconds (default 300)"),
			"memberIds": map[string]interface{}{
				"type": "array", "items": map[string]string{"type": "string"},
				"description": "Member IDs or names to wait for",
			},
		}),
		ReadOnly:     true,
		TopLevelOnly: true,
		Handler: func(ctx context.Context, input json.RawMessage, tc *agent.ToolContext) (string, error) {
			in, err := bind[awaitInput](v, input)
			if err != nil {
				return "", err
			}
			r, err := c.Await(ctx, in.MemberIDs, time.Duration(in.TimeoutSeconds)*time.Second)
			if err != nil {
				return "", err
			}
			return asJSON(r)
		},
	})

	reg.Register(agent.Tool{
		Name:         ToolTeamStatus,
		Description:  "Show the team's members, tasks and messages right now.",
		Parameters:   agent.Schema(nil, map[string]interface{}{}),
		ReadOnly:     true,
		TopLevelOnly: true,
		Handler: func(ctx context.Context, input json.RawMessage, tc *agent.ToolContext) (string, error) {
			r, err := c.Status()
			if err != nil {
				return "", err
			}
			return asJSON(r)
		},
	})

	reg.Register(agent.Tool{
		Name:         ToolTeamDelete,
		Description:  "Stop every teammate and dissolve the team.",
		Parameters:   agent.Schema(nil, map[string]interface{}{}),
		TopLevelOnly: true,
		Handler: func(ctx context.Context, input json.RawMessage, tc *agent.ToolContext) (string, error) {
			t, err := c.Delete()
			if err != nil {
				return "", err
			}
			if t == nil {
				return `{"deleted":true}`, nil
			}
			return asJSON(map[string]interface{}{"deleted": true, "team_id": t.ID, "tasks": len(t.Tasks), "messages": len(t.Messages)})
		},
	})
}
