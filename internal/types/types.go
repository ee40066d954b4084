// Package types holds the shared chat data model: conversations, messages,
// message parts and streamed transport events.
package types

import (
	"encoding/json"
	"strings"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// PartKind discriminates message parts.
type PartKind string

const (
	PartText           PartKind = "text"
	PartReasoning      PartKind = "reasoning"
	PartToolInvocation PartKind = "tool-invocation"
	PartToolResult     PartKind = "tool-result"
)

// Part is one typed segment of a message.
type Part struct {
	Kind PartKind `json:"type"`
	Text string   `json:"text,omitempty"`

	// Tool fields (tool-invocation / tool-result)
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
}

// Conversation is a chat thread owned by a single user.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one entry in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Parts          []Part    `json:"parts"`
	CreatedAt      time.Time `json:"createdAt"`
}

// NewTextMessage builds a single-part text message.
func NewTextMessage(id, conversationID string, role Role, text string, at time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Parts:          []Part{{Kind: PartText, Text: text}},
		CreatedAt:      at,
	}
}

// Text concatenates the message's final-answer text parts.
func (m Message) Text() string {
	return m.join(PartText)
}

// Reasoning concatenates the message's reasoning parts.
func (m Message) Reasoning() string {
	return m.join(PartReasoning)
}

func (m Message) join(kind PartKind) string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Kind == kind {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// PendingToolCalls returns the ids of invocations with no matching result.
func (m Message) PendingToolCalls() []string {
	resolved := make(map[string]bool)
	for _, p := range m.Parts {
		if p.Kind == PartToolResult {
			resolved[p.ToolCallID] = true
		}
	}
	var pending []string
	for _, p := range m.Parts {
		if p.Kind == PartToolInvocation && !resolved[p.ToolCallID] {
			pending = append(pending, p.ToolCallID)
		}
	}
	return pending
}

// Clone returns a deep copy so cached lists can be handed out safely.
func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			cp := p
			if p.Input != nil {
				cp.Input = append(json.RawMessage(nil), p.Input...)
			}
			if p.Output != nil {
				cp.Output = append(json.RawMessage(nil), p.Output...)
			}
			out.Parts[i] = cp
		}
	}
	return out
}

// CloneMessages deep-copies a message list. A nil input yields an empty, non-nil list.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// LastOfRole returns the index of the most recent message with the role, or -1.
func LastOfRole(msgs []Message, role Role) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == role {
			return i
		}
	}
	return -1
}
