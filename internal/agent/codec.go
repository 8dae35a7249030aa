package agent

import (
	"encoding/json"
	"fmt"
)

// Envelope is the serialized form of an Event.
type Envelope struct {
	Seq  int             `json:"seq"`
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeEvent wraps ev in an envelope.
func EncodeEvent(seq int, ev Event) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return Envelope{Seq: seq, Type: ev.Type(), Data: data}, nil
}

// DecodeEvent reconstructs the concrete Event held by env.
func DecodeEvent(env Envelope) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch env.Type {
	case EventLoopStart:
		ev, err = decodeAs[LoopStart](env.Data)
	case EventIterationStart:
		ev, err = decodeAs[IterationStart](env.Data)
	case EventTextDelta:
		ev, err = decodeAs[TextDelta](env.Data)
	case EventThinkingDelta:
		ev, err = decodeAs[ThinkingDelta](env.Data)
	case EventMessageEnd:
		ev, err = decodeAs[MessageEnd](env.Data)
	case EventToolCallStart:
		ev, err = decodeAs[ToolCallStart](env.Data)
	case EventApprovalNeeded:
		ev, err = decodeAs[ToolCallApprovalNeeded](env.Data)
	case EventToolCallResult:
		ev, err = decodeAs[ToolCallResult](env.Data)
	case EventIterationEnd:
		ev, err = decodeAs[IterationEnd](env.Data)
	case EventMessagesInjected:
		ev, err = decodeAs[MessagesInjected](env.Data)
	case EventError:
		ev, err = decodeAs[Error](env.Data)
	case EventLoopEnd:
		ev, err = decodeAs[LoopEnd](env.Data)
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
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
