package types

import (
	"errors"
	"fmt"
)

// ErrInvalidSequence is wrapped by every ValidateSequence failure.
var ErrInvalidSequence = errors.New("invalid message sequence")

// ValidateSequence checks the ordering and tool-pairing rules of a conversation:
// messages are ordered by creation time, each tool result immediately follows
// the invocation it answers, tool parts only appear on assistant messages, and
// an unanswered invocation is only legal in the most recent message.
func ValidateSequence(msgs []Message) error {
	for i, m := range msgs {
		if !m.Role.Valid() {
			return fmt.Errorf("%w: message %s has unknown role %q", ErrInvalidSequence, m.ID, m.Role)
		}
		if i > 0 && m.CreatedAt.Before(msgs[i-1].CreatedAt) {
			return fmt.Errorf("%w: message %s created before its predecessor %s", ErrInvalidSequence, m.ID, msgs[i-1].ID)
		}
		for j, p := range m.Parts {
			switch p.Kind {
			case PartToolInvocation, PartToolResult:
				if m.Role != RoleAssistant {
					return fmt.Errorf("%w: %s part on %s message %s", ErrInvalidSequence, p.Kind, m.Role, m.ID)
				}
			}
			if p.Kind != PartToolResult {
				continue
			}
			if j == 0 || m.Parts[j-1].Kind != PartToolInvocation || m.Parts[j-1].ToolCallID != p.ToolCallID {
				return fmt.Errorf("%w: tool result %s in message %s does not follow its invocation", ErrInvalidSequence, p.ToolCallID, m.ID)
			}
		}
		if pending := m.PendingToolCalls(); len(pending) > 0 && i != len(msgs)-1 {
			return fmt.Errorf("%w: message %s has unanswered tool calls %v but is not the latest", ErrInvalidSequence, m.ID, pending)
		}
	}
	return nil
}
