package types

import "encoding/json"

// EventType is the kind of a streamed transport event.
type EventType string

const (
	EventTextDelta  EventType = "text-delta"
	EventReasoning  EventType = "reasoning"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventFinish     EventType = "finish"
	EventError      EventType = "error"
)

// StreamEvent is one incremental event produced by a streaming transport.
type StreamEvent struct {
	Type EventType `json:"type"`

	// Delta is the text appended by text-delta and reasoning events.
	Delta string `json:"delta,omitempty"`

	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`

	FinishReason string `json:"finishReason,omitempty"`
	Error        string `json:"errorText,omitempty"`
}

// ApplyEvent folds a streamed event into an assistant message's parts.
// Consecutive deltas of the same kind extend the trailing part. A tool result
// is placed directly after its invocation; results with no invocation are
// reported as not applied.
func ApplyEvent(m *Message, ev StreamEvent) bool {
	switch ev.Type {
	case EventTextDelta:
		return appendDelta(m, PartText, ev.Delta)
	case EventReasoning:
		return appendDelta(m, PartReasoning, ev.Delta)
	case EventToolCall:
		m.Parts = append(m.Parts, Part{
			Kind:       PartToolInvocation,
			ToolCallID: ev.ToolCallID,
			ToolName:   ev.ToolName,
			Input:      ev.Input,
		})
		return true
	case EventToolResult:
		at := -1
		for i, p := range m.Parts {
			if p.Kind == PartToolInvocation && p.ToolCallID == ev.ToolCallID {
				at = i
			}
		}
		if at < 0 {
			return false
		}
		result := Part{
			Kind:       PartToolResult,
			ToolCallID: ev.ToolCallID,
			ToolName:   m.Parts[at].ToolName,
			Output:     ev.Output,
			IsError:    ev.IsError,
		}
		m.Parts = append(m.Parts, Part{})
		copy(m.Parts[at+2:], m.Parts[at+1:])
		m.Parts[at+1] = result
		return true
	}
	return false
}

func appendDelta(m *Message, kind PartKind, delta string) bool {
	if delta == "" {
		return false
	}
	if n := len(m.Parts); n > 0 && m.Parts[n-1].Kind == kind {
		m.Parts[n-1].Text += delta
		return true
	}
	m.Parts = append(m.Parts, Part{Kind: kind, Text: delta})
	return true
}
