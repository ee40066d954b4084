package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"x402chat/internal/logging"
	"x402chat/internal/transport"
	"x402chat/internal/types"
)

// ErrEmptyMessage is returned for a send with no text.
var ErrEmptyMessage = errors.New("message is empty")

const persistTimeout = 10 * time.Second

const loadingNotice = "Still loading this conversation. Try again in a moment."

const deferredNotice = "Wallet session expired. Re-authenticating; your message was kept as a draft."

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeStopped
	outcomeFailed
)

// turn is one send (or regenerate) and the stream serving it.
type turn struct {
	conv         string
	stream       transport.Stream
	user         types.Message
	appendedUser bool
	assistantID  string
	startedAt    time.Time
	finishReason string
	stopped      bool
	ended        bool
	// accepted is set once the stream produced its first event or ended
	// cleanly. Until then a request failure is treated as a rejection.
	accepted bool
	reply        func(error)
}

func (t *turn) respond(err error) {
	if t.reply != nil {
		t.reply(err)
		t.reply = nil
	}
}

// =============================================================================
// SEND / REGENERATE
// =============================================================================

func (m *Manager) send(conv, text string, reply func(error)) {
	if reply == nil {
		reply = func(err error) {
			if err != nil && !errors.Is(err, ErrDeferred) {
				logging.Get(logging.CategorySession).Warn("Send for %s failed: %v", conv, err)
			}
		}
	}
	switch {
	case conv == "":
		reply(ErrNotBound)
		return
	case strings.TrimSpace(text) == "":
		reply(ErrEmptyMessage)
		return
	case m.turn != nil || m.state.Busy():
		reply(ErrBusy)
		return
	case m.loading(conv):
		m.publishState(conv, nil, loadingNotice)
		reply(ErrLoading)
		return
	}

	if !m.ensureFunded(conv, "send") {
		m.saveDraft(conv, text)
		reply(ErrDeferred)
		return
	}

	user := types.NewTextMessage(m.id(), conv, types.RoleUser, text, m.now())
	m.messages = append(m.messages, user)
	m.startTurn(&turn{conv: conv, user: user, appendedUser: true, reply: reply})
}

func (m *Manager) regenerate(conv string, reply func(error)) {
	if reply == nil {
		reply = func(err error) {
			if err != nil && !errors.Is(err, ErrDeferred) {
				logging.Get(logging.CategorySession).Warn("Regenerate for %s failed: %v", conv, err)
			}
		}
	}
	if conv == "" {
		reply(ErrNotBound)
		return
	}
	if m.turn != nil || m.state.Busy() {
		reply(ErrBusy)
		return
	}
	if m.loading(conv) {
		reply(ErrLoading)
		return
	}

	n := len(m.messages)
	last := n - 1
	if last >= 0 && m.messages[last].Role == types.RoleAssistant {
		last--
	}
	if last < 0 || m.messages[last].Role != types.RoleUser {
		reply(ErrNothingToRegenerate)
		return
	}
	if !m.ensureFunded(conv, "regenerate") {
		reply(ErrDeferred)
		return
	}

	if last == n-2 {
		dropped := m.messages[n-1]
		m.messages = m.messages[:n-1]
		m.persist("regenerate delete", func(ctx context.Context) error {
			return m.deps.Persister.DeleteMessage(ctx, conv, dropped.ID)
		})
		logging.SessionDebug("Dropped assistant message %s for regenerate", dropped.ID)
	}
	logging.AuditConversation(conv).Log(logging.AuditEvent{
		EventType: logging.AuditRegenerate,
		Action:    "regenerate",
		Success:   true,
	})
	m.startTurn(&turn{conv: conv, reply: reply})
}

// loading reports whether conv's first history load is still in flight. A
// turn started now would reach the transport without the prior messages.
func (m *Manager) loading(conv string) bool {
	return m.appliedFor != conv && m.load != nil && m.load.id == conv
}

// ensureFunded runs the guard. A deferral is reported as a notice.
func (m *Manager) ensureFunded(conv, action string) bool {
	if m.deps.Guard == nil || m.deps.Guard.Ensure(m.ctx, action) {
		return true
	}
	logging.Session("%s deferred for %s pending wallet re-authentication", action, conv)
	m.publishState(conv, nil, deferredNotice)
	return false
}

func (m *Manager) startTurn(t *turn) {
	m.turn = t
	m.state = Reduce(m.state, Event{Kind: EventSendAccepted, At: m.now()})
	t.startedAt = m.state.StartedAt
	m.writeCache(t.conv, "")
	m.publishState(t.conv, nil, "")

	req := transport.Request{ConversationID: t.conv, Messages: types.CloneMessages(m.messages)}
	ctx := m.ctx
	m.spawn(func() {
		s, err := m.deps.Transport.Open(ctx, req)
		if !m.post(func() { m.onOpened(t, s, err) }) && s != nil {
			s.Abort()
		}
	})
}

// onOpened handles the transport's accept or reject.
func (m *Manager) onOpened(t *turn, s transport.Stream, err error) {
	if m.turn != t {
		// ended by stop, rebind or close before the transport answered
		if s != nil {
			s.Abort()
		}
		switch {
		case err == nil && t.appendedUser:
			m.persistUser(t)
		case err != nil && t.appendedUser && t.conv == m.bound:
			// never accepted, so it must not outlive the stop
			m.messages = removeByID(m.messages, t.user.ID)
			m.writeCache(t.conv, m.liveReasoning())
			m.publishState(t.conv, nil, "")
		}
		if t.conv != m.bound {
			m.stats.StaleDrops++
		}
		t.respond(err)
		return
	}

	if err != nil {
		m.reject(t, err)
		t.respond(err)
		return
	}

	t.stream = s
	m.lastErr = nil
	m.stats.Turns++
	logging.AuditConversation(t.conv).TurnStart(len(t.user.Text()))
	logging.Stream("Stream opened for %s", t.conv)

	m.spawn(func() {
		for {
			ev, err := s.Recv()
			if err != nil {
				m.post(func() { m.onEnd(t, err) })
				return
			}
			if !m.post(func() { m.onEvent(t, ev) }) {
				s.Abort()
				return
			}
		}
	})
	t.respond(nil)
}

// reject undoes a turn the transport refused: the optimistic user message is
// dropped and nothing is persisted, so the draft survives.
func (m *Manager) reject(t *turn, err error) {
	m.turn = nil
	t.ended = true
	m.state = Reduce(m.state, Event{Kind: EventComplete})
	if t.appendedUser {
		m.messages = removeByID(m.messages, t.user.ID)
	}
	m.lastErr = err
	m.writeCache(t.conv, "")
	m.publishState(t.conv, err, "")
	logging.Get(logging.CategorySession).Warn("Transport rejected send for %s: %v", t.conv, err)
	logging.AuditConversation(t.conv).Log(logging.AuditEvent{
		EventType: logging.AuditSendRejected,
		Action:    "send",
		Error:     err.Error(),
	})
}

// accept marks the turn as taken by the backend and stores its user message.
func (m *Manager) accept(t *turn) {
	if t.accepted {
		return
	}
	t.accepted = true
	if t.appendedUser {
		m.persistUser(t)
	}
}

// =============================================================================
// STREAM EVENTS
// =============================================================================

func (m *Manager) onEvent(t *turn, ev types.StreamEvent) {
	if m.turn != t {
		if t.conv != m.bound {
			m.stats.StaleDrops++
		}
		return
	}
	m.stats.Events++
	m.accept(t)

	var kind EventKind
	switch ev.Type {
	case types.EventFinish:
		t.finishReason = ev.FinishReason
		return
	case types.EventReasoning:
		kind = EventReasoningDelta
	case types.EventTextDelta:
		kind = EventTextDelta
	default:
		kind = -1
	}

	idx := m.assistantIndex(t)
	var msg types.Message
	if idx >= 0 {
		msg = m.messages[idx]
	} else {
		msg = types.Message{ID: m.id(), ConversationID: t.conv, Role: types.RoleAssistant, CreatedAt: m.now()}
	}
	if !types.ApplyEvent(&msg, ev) {
		logging.StreamDebug("Ignored %s event for %s", ev.Type, t.conv)
		return
	}
	if idx >= 0 {
		m.messages[idx] = msg
	} else {
		t.assistantID = msg.ID
		m.messages = append(m.messages, msg)
	}

	prev := m.state.Phase
	if kind >= 0 {
		m.state = Reduce(m.state, Event{Kind: kind})
	}
	reasoning := ""
	if m.state.Phase == PhaseReasoning {
		reasoning = msg.Reasoning()
	}
	m.writeCache(t.conv, reasoning)
	if m.state.Phase != prev {
		m.publishState(t.conv, nil, "")
	}
}

func (m *Manager) onEnd(t *turn, err error) {
	if m.turn != t {
		if !t.ended && t.conv != m.bound {
			m.stats.StaleDrops++
		}
		return
	}
	switch {
	case !t.accepted && !t.stopped && errors.Is(err, transport.ErrRequestFailed):
		if t.stream != nil {
			t.stream.Abort()
		}
		m.reject(t, err)
	case errors.Is(err, io.EOF):
		m.endTurn(t, outcomeCompleted, nil)
	case t.stopped || errors.Is(err, transport.ErrAborted):
		m.endTurn(t, outcomeStopped, nil)
	default:
		m.endTurn(t, outcomeFailed, err)
	}
}

func (m *Manager) stop(conv string) {
	t := m.turn
	if t == nil || t.conv != conv {
		return
	}
	t.stopped = true
	m.endTurn(t, outcomeStopped, nil)
}

// endTurn returns to idle, keeping whatever content arrived.
func (m *Manager) endTurn(t *turn, out outcome, err error) {
	if t.ended {
		return
	}
	t.ended = true
	if t.stream != nil {
		m.accept(t)
	}
	if out != outcomeCompleted && t.stream != nil {
		t.stream.Abort()
	}
	m.turn = nil
	m.state = Reduce(m.state, Event{Kind: EventComplete})
	if out == outcomeFailed {
		m.lastErr = err
	}
	if t.conv == m.bound {
		m.writeCache(t.conv, "")
		m.publishState(t.conv, err, "")
	}

	if idx := m.assistantIndex(t); idx >= 0 {
		final := m.messages[idx].Clone()
		m.persist("assistant message", func(ctx context.Context) error {
			return m.deps.Persister.UpsertMessage(ctx, final)
		})
	}

	dur := m.now().Sub(t.startedAt)
	audit := logging.AuditConversation(t.conv)
	fields := map[string]interface{}{
		"duration_ms": dur.Milliseconds(),
		"assistant":   t.assistantID,
		"regenerate":  !t.appendedUser,
	}
	level := "info"
	switch out {
	case outcomeCompleted:
		fields["outcome"] = "completed"
		fields["finish"] = t.finishReason
		audit.TurnEnd(logging.AuditTurnEnd, dur, nil)
	case outcomeStopped:
		fields["outcome"] = "stopped"
		audit.TurnEnd(logging.AuditTurnStopped, dur, nil)
	case outcomeFailed:
		level = "error"
		fields["outcome"] = "failed"
		fields["error"] = err.Error()
		audit.TurnEnd(logging.AuditTurnError, dur, err)
	}
	logging.Get(logging.CategoryStream).WithConversation(t.conv).StructuredLog(level, "Turn ended", fields)
}

// =============================================================================
// HELPERS
// =============================================================================

func (m *Manager) assistantIndex(t *turn) int {
	if t.assistantID == "" {
		return -1
	}
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].ID == t.assistantID {
			return i
		}
	}
	return -1
}

// liveReasoning is the partial reasoning of the running turn, if any.
func (m *Manager) liveReasoning() string {
	if m.turn == nil || m.state.Phase != PhaseReasoning {
		return ""
	}
	if idx := m.assistantIndex(m.turn); idx >= 0 {
		return m.messages[idx].Reasoning()
	}
	return ""
}

// persistUser stores an accepted user message and drops its draft.
func (m *Manager) persistUser(t *turn) {
	msg := t.user.Clone()
	m.persist("user message", func(ctx context.Context) error {
		return m.deps.Persister.InsertMessage(ctx, msg)
	})
	if m.deps.Drafts != nil {
		m.background(func(ctx context.Context) {
			if err := m.deps.Drafts.Clear(ctx, t.conv); err != nil {
				logging.Get(logging.CategorySession).Warn("Failed to clear draft for %s: %v", t.conv, err)
			}
		})
	}
}

func (m *Manager) saveDraft(conv, text string) {
	if m.deps.Drafts == nil {
		return
	}
	m.background(func(ctx context.Context) {
		if err := m.deps.Drafts.Save(ctx, conv, text); err != nil {
			logging.Get(logging.CategorySession).Warn("Failed to keep deferred send as draft for %s: %v", conv, err)
		}
	})
}

func (m *Manager) persist(what string, fn func(ctx context.Context) error) {
	if m.deps.Persister == nil {
		return
	}
	m.background(func(ctx context.Context) {
		if err := fn(ctx); err != nil {
			logging.Get(logging.CategorySession).Error("Failed to persist %s: %v", what, err)
		}
	})
}

// background runs fn detached from the manager's cancellation so writes
// started before Close still land.
func (m *Manager) background(fn func(ctx context.Context)) {
	base := context.WithoutCancel(m.ctx)
	m.spawn(func() {
		ctx, cancel := context.WithTimeout(base, persistTimeout)
		defer cancel()
		fn(ctx)
	})
}

func removeByID(msgs []types.Message, id string) []types.Message {
	out := msgs[:0]
	for _, msg := range msgs {
		if msg.ID != id {
			out = append(out, msg)
		}
	}
	return out
}
