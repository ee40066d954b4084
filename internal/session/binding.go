package session

import (
	"sync/atomic"

	"x402chat/internal/cache"
	"x402chat/internal/history"
	"x402chat/internal/logging"
	"x402chat/internal/types"
)

// loadToken tags one history load. Rebinding cancels it.
type loadToken struct {
	id        string
	cancelled atomic.Bool
}

// =============================================================================
// BINDING
// =============================================================================

// bind moves the manager to the identity store's current active id.
// Everything tied to the previous id is halted or invalidated before the new
// load is issued. The id is read here rather than taken from a notification
// since notifications can arrive out of order.
func (m *Manager) bind() {
	next := m.deps.Identity.Active()
	prev := m.bound
	if next == prev {
		return
	}

	if m.turn != nil {
		m.turn.stopped = true
		m.endTurn(m.turn, outcomeStopped, nil)
	}
	if prev != "" {
		m.deps.Cache.ClearLive(prev)
	}
	if m.load != nil {
		m.load.cancelled.Store(true)
		m.load = nil
	}

	m.messages = []types.Message{}
	m.appliedFor = ""
	m.bound = next
	m.state = Idle
	m.lastErr = nil
	m.publishState(next, nil, "")

	logging.Session("Bound conversation %q (was %q)", next, prev)
	logging.AuditConversation(next).Bind(prev)

	if next != "" {
		m.issueLoad(next)
	}
}

// issueLoad starts a tagged history load for id.
func (m *Manager) issueLoad(id string) {
	if m.load != nil && m.load.id != id {
		m.load.cancelled.Store(true)
	}
	tok := &loadToken{id: id}
	m.load = tok
	ctx := m.ctx

	m.spawn(func() {
		valid := func() bool {
			return !tok.cancelled.Load() && m.BoundID() == id
		}
		res := m.deps.Loader.Load(ctx, id, valid)
		m.post(func() { m.applyLoad(tok, res) })
	})
}

// applyLoad writes a load result to the display if the token is live, the id
// is still bound and nothing was applied for it yet.
func (m *Manager) applyLoad(tok *loadToken, res history.Result) {
	if tok.cancelled.Load() || res.ConversationID != m.bound {
		m.stats.StaleDrops++
		logging.SessionDebug("Dropping history for %q (bound %q)", res.ConversationID, m.bound)
		logging.AuditConversation(res.ConversationID).StaleDrop("history")
		return
	}
	if m.load == tok {
		m.load = nil
	}
	if m.appliedFor == res.ConversationID {
		m.stats.SkippedApplies++
		return
	}
	if res.Err != nil {
		logging.Get(logging.CategorySession).Warn("History for %s unavailable: %v", res.ConversationID, res.Err)
		return
	}

	merged := reconcile(res.Messages, m.messages)
	m.messages = merged
	m.appliedFor = res.ConversationID
	m.stats.Applies++
	if len(merged) != len(res.Messages) {
		m.writeCache(m.bound, m.liveReasoning())
	}
	m.publishState(m.bound, nil, "")
	logging.SessionDebug("Applied %d messages for %s (cache=%v)", len(res.Messages), res.ConversationID, res.FromCache)
}

// reconcile returns loaded followed by any local messages the load does not
// contain, such as a turn sent after an earlier load failed.
func reconcile(loaded, local []types.Message) []types.Message {
	out := types.CloneMessages(loaded)
	seen := make(map[string]bool, len(loaded))
	for _, msg := range loaded {
		seen[msg.ID] = true
	}
	for _, msg := range local {
		if !seen[msg.ID] {
			out = append(out, msg.Clone())
		}
	}
	return out
}

// syncFromCache refreshes the display after a realtime store change.
func (m *Manager) syncFromCache(id string) {
	if id != m.bound || m.appliedFor != id {
		return
	}
	if m.turn != nil {
		// the live turn owns the display until it ends
		return
	}
	msgs := m.deps.Cache.Messages(id)
	if msgs == nil {
		return
	}
	m.messages = msgs
	m.publishState(id, nil, "")
}

// writeCache mirrors live metadata for id, and the display once history has
// been applied so a partial list never masks an unloaded conversation.
func (m *Manager) writeCache(id string, reasoning string) {
	status := cache.Status(m.state.Phase)
	p := cache.StatusPatch(status, reasoning)
	if m.appliedFor == id {
		msgs := types.CloneMessages(m.messages)
		p.Messages = &msgs
	}
	m.deps.Cache.Set(id, p)
}
