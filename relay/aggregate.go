package relay

import (
	"strings"

	"github.com/lyhue1991/opencode-feishu/stream"
)

// ApplyPart merges one incremental content fragment into a buffer. Parts
// arriving after the buffer reached a terminal state are dropped; the buffer
// is immutable past that point except for its finalizing flush.
//
// Text and reasoning fragments come in two shapes: an authoritative
// full-value snapshot, or an incremental delta. A snapshot replaces, a delta
// appends, never both in one application.
func ApplyPart(b *MessageBuffer, part *stream.Part) {
	if part == nil || b.Status().Terminal() {
		return
	}

	switch part.Kind {
	case stream.PartText:
		if part.HasSnapshot {
			b.SetText(part.Snapshot)
		} else {
			b.AppendText(part.Delta)
		}

	case stream.PartReasoning:
		if part.HasSnapshot {
			b.SetReasoning(part.Snapshot)
		} else {
			b.AppendReasoning(part.Delta)
		}

	case stream.PartTool:
		if part.Tool != nil {
			b.UpsertTool(part.Tool.CallID, part.Tool.Name, part.Tool.Status)
		}

	case stream.PartStepFinish:
		// A step boundary completes a still-streaming buffer. MarkStatus
		// refuses the transition when the buffer is already in error or
		// aborted, so this never downgrades a fault.
		b.MarkStatus(StatusDone, part.FinishReason)

	case stream.PartFile:
		if part.File != nil {
			b.AddFile(*part.File)
		}
	}
}

// ClassifyError maps a backend error descriptor to a status and a
// user-facing note. Classification buckets, in order: aborted (user- or
// system-cancelled), output-length truncation, upstream API error, and a
// generic fallback using the error's name or message.
func ClassifyError(e *stream.ErrorInfo) (Status, string) {
	if e == nil {
		return StatusError, "unknown error"
	}
	name := strings.ToLower(e.Name)

	switch {
	case strings.Contains(name, "abort"):
		return StatusAborted, "generation aborted"

	case strings.Contains(name, "outputlength") || strings.Contains(name, "output_length"):
		return StatusError, "output length limit reached"

	case strings.Contains(name, "api"):
		if e.Message != "" {
			return StatusError, e.Message
		}
		return StatusError, "upstream API error"

	default:
		if e.Message != "" {
			return StatusError, e.Message
		}
		if e.Name != "" {
			return StatusError, e.Name
		}
		return StatusError, "unknown error"
	}
}
