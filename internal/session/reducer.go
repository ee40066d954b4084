// Package session binds one live model stream to the active conversation,
// reconciles loaded history with streamed messages and drives the turn state
// machine.
package session

import "time"

// Phase is the turn state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseWaiting    Phase = "waiting"
	PhaseReasoning  Phase = "reasoning"
	PhaseResponding Phase = "responding"
)

// State is the turn state plus the time the turn entered waiting. StartedAt
// is zero when idle and unchanged for every state of one turn.
type State struct {
	Phase     Phase
	StartedAt time.Time
}

// Idle is the initial state.
var Idle = State{Phase: PhaseIdle}

// Busy reports whether a turn is running.
func (s State) Busy() bool {
	return s.Phase != PhaseIdle && s.Phase != ""
}

// EventKind is an input to the state machine.
type EventKind int

const (
	// EventSendAccepted: a send for the bound conversation was accepted.
	EventSendAccepted EventKind = iota
	// EventReasoningDelta: reasoning text arrived with no final text alongside.
	EventReasoningDelta
	// EventTextDelta: non-empty final answer text arrived.
	EventTextDelta
	// EventComplete: the transport finished, failed or was stopped.
	EventComplete
)

// Event drives Reduce. At is only read by EventSendAccepted.
type Event struct {
	Kind EventKind
	At   time.Time
}

// Reduce is the transition function:
//
//	idle                 --send-->      waiting (StartedAt = At)
//	waiting|responding   --reasoning--> reasoning
//	waiting|reasoning    --text-->      responding
//	*                    --complete-->  idle
//
// Every other input leaves the state unchanged.
func Reduce(s State, ev Event) State {
	if s.Phase == "" {
		s = Idle
	}
	switch ev.Kind {
	case EventSendAccepted:
		if s.Phase == PhaseIdle {
			return State{Phase: PhaseWaiting, StartedAt: ev.At}
		}
	case EventReasoningDelta:
		if s.Phase == PhaseWaiting || s.Phase == PhaseResponding {
			return State{Phase: PhaseReasoning, StartedAt: s.StartedAt}
		}
	case EventTextDelta:
		if s.Phase == PhaseWaiting || s.Phase == PhaseReasoning {
			return State{Phase: PhaseResponding, StartedAt: s.StartedAt}
		}
	case EventComplete:
		return Idle
	}
	return s
}
