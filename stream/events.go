package stream

// EventType identifies the backend event category.
type EventType string

const (
	// EventMessageUpdated carries authoritative role/id/session/error/finish
	// info for a message. Terminal states (error, abort, natural completion)
	// can arrive here out of band from part deltas.
	EventMessageUpdated EventType = "message.updated"

	// EventMessagePartUpdated carries one incremental content fragment for a
	// specific message id.
	EventMessagePartUpdated EventType = "message.part.updated"

	// EventSessionError is a session-level fault.
	EventSessionError EventType = "session.error"

	// EventSessionIdle signals that the current turn is over.
	EventSessionIdle EventType = "session.idle"

	// EventCommandExecuted tags the active turn as an explicit command result.
	EventCommandExecuted EventType = "command.executed"
)

// PartKind identifies the content fragment type inside a
// message.part.updated event.
type PartKind string

const (
	PartText       PartKind = "text"
	PartReasoning  PartKind = "reasoning"
	PartTool       PartKind = "tool"
	PartStepFinish PartKind = "step-finish"
	PartFile       PartKind = "file"
)

// ToolStatus is the run state of a tool invocation.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolErrored   ToolStatus = "errored"
)

// Terminal reports whether the tool status is a terminal state.
func (s ToolStatus) Terminal() bool {
	return s == ToolCompleted || s == ToolErrored
}

// Event is one decoded backend event. Exactly one of the payload pointers is
// populated, matching Type.
type Event struct {
	Type      EventType
	SessionID string
	Message   *MessageInfo
	Part      *Part
	Error     *ErrorInfo
	Command   *CommandInfo
}

// MessageInfo is the authoritative message descriptor carried by
// message.updated events.
type MessageInfo struct {
	ID   string
	Role string
	// FinishReason is non-empty when the backend considers the message
	// naturally complete (e.g. "stop", "tool-calls").
	FinishReason string
	Error        *ErrorInfo
}

// Part is one incremental content fragment for a message.
//
// Text and reasoning fragments come in two shapes: an incremental Delta, or
// an authoritative Snapshot carrying the full accumulated value. HasSnapshot
// distinguishes an empty snapshot from a delta-only payload; a decoded Part
// never carries both shapes.
type Part struct {
	MessageID string
	Kind      PartKind

	Delta       string
	Snapshot    string
	HasSnapshot bool

	// Tool is set for PartTool fragments.
	Tool *ToolCallState

	// FinishReason is set for PartStepFinish fragments.
	FinishReason string

	// File is set for PartFile fragments.
	File *FileRef
}

// ToolCallState is a tool invocation state transition.
type ToolCallState struct {
	CallID string
	Name   string
	Status ToolStatus
}

// FileRef is a side-channel attachment surfaced during a turn.
type FileRef struct {
	URL  string
	Mime string
	Name string
}

// ErrorInfo is a backend error descriptor.
type ErrorInfo struct {
	Name    string
	Message string
}

// CommandInfo describes a recognized command execution.
type CommandInfo struct {
	Name string
	// MessageID is the message the command result streams into, when the
	// backend reports it. May be empty.
	MessageID string
}
