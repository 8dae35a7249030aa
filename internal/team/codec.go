package team

import (
	"encoding/json"
	"fmt"
)

// Envelope is the serialized form of a team Event.
type Envelope struct {
	Seq    int             `json:"seq"`
	Type   EventType       `json:"type"`
	TeamID string          `json:"team_id"`
	Data   json.RawMessage `json:"data"`
}

// EncodeEvent wraps ev in an envelope.
func EncodeEvent(seq int, ev Event) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return Envelope{Seq: seq, Type: ev.Type(), TeamID: ev.Team(), Data: data}, nil
}

// DecodeEvent reconstructs the concrete Event held by env.
func DecodeEvent(env Envelope) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch env.Type {
	case EventTeamStart:
		ev, err = decodeAs[TeamStart](env.Data)
	case EventMemberAdd:
		ev, err = decodeAs[MemberAdd](env.Data)
	case EventMemberUpdate:
		ev, err = decodeAs[MemberUpdate](env.Data)
	case EventMemberRemove:
		ev, err = decodeAs[MemberRemove](env.Data)
	case EventTaskAdd:
		ev, err = decodeAs[TaskAdd](env.Data)
	case EventTaskUpdate:
		ev, err = decodeAs[TaskUpdate](env.Data)
	case EventMessage:
		ev, err = decodeAs[MessageAppended](env.Data)
	case EventTeamEnd:
		ev, err = decodeAs[TeamEnd](env.Data)
	default:
		return nil, fmt.Errorf("unknown team event type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}

func decodeAs[T Event](data json.RawMessage) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
