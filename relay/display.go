package relay

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/lyhue1991/opencode-feishu/stream"
)

// Render assembles the neutral display string for a buffer snapshot. The
// adapter turns this into platform markup; this layer only decides what is
// visible.
//
// While a buffer carries an inherited platform message and still has open
// tool calls, the answer text is hidden so the execution card never shows a
// half-written conclusion next to pending tool steps.
func Render(v View) string {
	var sb strings.Builder

	if v.Agent != "" || v.Model != "" {
		sb.WriteString("[")
		if v.Agent != "" {
			sb.WriteString(v.Agent)
			if v.Model != "" {
				sb.WriteString(" · ")
			}
		}
		sb.WriteString(v.Model)
		sb.WriteString("]\n\n")
	}

	// Once the execution context has been split into its own finalized
	// message, this buffer renders only the answer.
	if !v.ExecSummarized {
		if v.Reasoning != "" {
			sb.WriteString("Thinking:\n")
			sb.WriteString(strings.TrimSpace(v.Reasoning))
			sb.WriteString("\n\n")
		}

		for _, t := range v.Tools {
			sb.WriteString(toolMarker(t))
			sb.WriteString(" ")
			if t.Name != "" {
				sb.WriteString(t.Name)
			} else {
				sb.WriteString(t.CallID)
			}
			sb.WriteString("\n")
		}
		if len(v.Tools) > 0 {
			sb.WriteString("\n")
		}
	}

	hideAnswer := v.Carried && v.HasOpenTools()
	if v.Text != "" && !hideAnswer {
		sb.WriteString(v.Text)
		sb.WriteString("\n")
	}

	if note := statusLine(v); note != "" {
		sb.WriteString("\n")
		sb.WriteString(note)
		sb.WriteString("\n")
	}

	return strings.TrimSpace(sb.String())
}

// RenderExecutionSummary renders the finalized execution card produced by a
// continuation split: tool steps and reasoning with the answer text blanked
// and the status forced to done.
func RenderExecutionSummary(v View) string {
	v.Text = ""
	v.Carried = false
	v.Status = StatusDone
	if v.StatusNote == "" {
		v.StatusNote = "completed"
	}
	return Render(v)
}

func toolMarker(t ToolCall) string {
	switch t.Status {
	case stream.ToolCompleted:
		return "✅"
	case stream.ToolErrored:
		return "❌"
	default:
		return "⏳"
	}
}

func statusLine(v View) string {
	switch v.Status {
	case StatusAborted:
		return "🛑 " + orDefault(v.StatusNote, "generation aborted")
	case StatusError:
		if v.IsCommand {
			return "⚠️ command failed: " + orDefault(v.StatusNote, "unknown error")
		}
		return "⚠️ " + orDefault(v.StatusNote, "unknown error")
	default:
		return ""
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// hashContent produces the content-addressed dedup key for a rendered
// display string.
func hashContent(content string) uint64 {
	h := fnv.New64a()
	fmt.Fprint(h, content)
	return h.Sum64()
}
