package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned by DecodeEvent for event types this bridge does
// not consume. Sources skip these rather than terminating the subscription,
// so a newer backend can add event types without breaking older bridges.
var ErrUnknownEvent = errors.New("unknown event type")

type wireEnvelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

type wirePart struct {
	SessionID string         `json:"sessionID"`
	MessageID string         `json:"messageID"`
	Type      string         `json:"type"`
	Delta     string         `json:"delta"`
	Text      *string        `json:"text"`
	CallID    string         `json:"callID"`
	Tool      string         `json:"tool"`
	State     *wireToolState `json:"state"`
	Reason    string         `json:"reason"`
	URL       string         `json:"url"`
	Mime      string         `json:"mime"`
	Filename  string         `json:"filename"`
}

type wireToolState struct {
	Status string `json:"status"`
}

type wirePartProps struct {
	SessionID string   `json:"sessionID"`
	Part      wirePart `json:"part"`
}

type wireMessageInfo struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionID"`
	Role      string     `json:"role"`
	Finish    string     `json:"finish"`
	Error     *wireError `json:"error"`
}

type wireMessageProps struct {
	Info wireMessageInfo `json:"info"`
}

type wireError struct {
	Name string `json:"name"`
	Data struct {
		Message string `json:"message"`
	} `json:"data"`
}

func (e *wireError) toInfo() *ErrorInfo {
	if e == nil {
		return nil
	}
	return &ErrorInfo{Name: e.Name, Message: e.Data.Message}
}

type wireSessionProps struct {
	SessionID string     `json:"sessionID"`
	Error     *wireError `json:"error"`
	Command   string     `json:"command"`
	MessageID string     `json:"messageID"`
}

// DecodeEvent decodes one wire frame into an Event. Malformed JSON or a frame
// missing required fields is a decode failure; an unrecognized event type
// returns ErrUnknownEvent.
func DecodeEvent(data []byte) (Event, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("decode event envelope: %w", err)
	}

	switch EventType(env.Type) {
	case EventMessagePartUpdated:
		var props wirePartProps
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			return Event{}, fmt.Errorf("decode part properties: %w", err)
		}
		return decodePartEvent(props)

	case EventMessageUpdated:
		var props wireMessageProps
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			return Event{}, fmt.Errorf("decode message properties: %w", err)
		}
		if props.Info.ID == "" {
			return Event{}, fmt.Errorf("message.updated missing message id")
		}
		return Event{
			Type:      EventMessageUpdated,
			SessionID: props.Info.SessionID,
			Message: &MessageInfo{
				ID:           props.Info.ID,
				Role:         props.Info.Role,
				FinishReason: props.Info.Finish,
				Error:        props.Info.Error.toInfo(),
			},
		}, nil

	case EventSessionError:
		var props wireSessionProps
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			return Event{}, fmt.Errorf("decode session.error properties: %w", err)
		}
		return Event{
			Type:      EventSessionError,
			SessionID: props.SessionID,
			Error:     props.Error.toInfo(),
		}, nil

	case EventSessionIdle:
		var props wireSessionProps
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			return Event{}, fmt.Errorf("decode session.idle properties: %w", err)
		}
		return Event{Type: EventSessionIdle, SessionID: props.SessionID}, nil

	case EventCommandExecuted:
		var props wireSessionProps
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			return Event{}, fmt.Errorf("decode command.executed properties: %w", err)
		}
		return Event{
			Type:      EventCommandExecuted,
			SessionID: props.SessionID,
			Command:   &CommandInfo{Name: props.Command, MessageID: props.MessageID},
		}, nil

	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

func decodePartEvent(props wirePartProps) (Event, error) {
	wp := props.Part
	if wp.MessageID == "" {
		return Event{}, fmt.Errorf("message.part.updated missing message id")
	}
	sessionID := wp.SessionID
	if sessionID == "" {
		sessionID = props.SessionID
	}

	part := &Part{MessageID: wp.MessageID}

	switch PartKind(wp.Type) {
	case PartText, PartReasoning:
		part.Kind = PartKind(wp.Type)
		// A full text value is authoritative; a delta is incremental. The
		// wire never needs both, and when both appear the snapshot wins.
		if wp.Text != nil {
			part.Snapshot = *wp.Text
			part.HasSnapshot = true
		} else {
			part.Delta = wp.Delta
		}

	case PartTool:
		if wp.CallID == "" {
			return Event{}, fmt.Errorf("tool part missing call id")
		}
		part.Kind = PartTool
		status := ToolRunning
		if wp.State != nil {
			switch wp.State.Status {
			case "completed":
				status = ToolCompleted
			case "error", "errored":
				status = ToolErrored
			}
		}
		part.Tool = &ToolCallState{CallID: wp.CallID, Name: wp.Tool, Status: status}

	case PartStepFinish:
		part.Kind = PartStepFinish
		part.FinishReason = wp.Reason

	case PartFile:
		part.Kind = PartFile
		part.File = &FileRef{URL: wp.URL, Mime: wp.Mime, Name: wp.Filename}

	default:
		return Event{}, fmt.Errorf("%w: part type %q", ErrUnknownEvent, wp.Type)
	}

	return Event{
		Type:      EventMessagePartUpdated,
		SessionID: sessionID,
		Part:      part,
	}, nil
}
