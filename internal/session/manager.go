package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"x402chat/internal/bridge"
	"x402chat/internal/cache"
	"x402chat/internal/history"
	"x402chat/internal/logging"
	"x402chat/internal/transport"
	"x402chat/internal/types"
)

var (
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("session manager closed")
	// ErrNotBound means no conversation is active.
	ErrNotBound = errors.New("no active conversation")
	// ErrBusy means a turn is already running.
	ErrBusy = errors.New("a response is already in progress")
	// ErrLoading means the bound conversation's history has not landed yet.
	ErrLoading = errors.New("conversation history is still loading")
	// ErrDeferred means the funding guard deferred the action. The text was
	// kept as a draft; retry after re-authentication.
	ErrDeferred = errors.New("deferred pending wallet re-authentication")
	// ErrNothingToRegenerate means there is no user message to answer again.
	ErrNothingToRegenerate = errors.New("nothing to regenerate")
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Identity is the source of the active conversation id.
type Identity interface {
	Active() string
	OnChange(fn func(prev, next string)) (unsubscribe func())
}

// Loader loads history for a conversation.
type Loader interface {
	Load(ctx context.Context, conversationID string, valid func() bool) history.Result
}

// Persister writes turns to the durable message store.
type Persister interface {
	InsertMessage(ctx context.Context, msg types.Message) error
	UpsertMessage(ctx context.Context, msg types.Message) error
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
}

// Drafts is the draft storage touched by sends.
type Drafts interface {
	Save(ctx context.Context, conversationID, text string) error
	Clear(ctx context.Context, conversationID string) error
}

// Guard is the pre-flight wallet session check.
type Guard interface {
	Ensure(ctx context.Context, action string) bool
}

// Deps are the manager's collaborators. Identity, Loader, Cache and Transport
// are required.
type Deps struct {
	Identity  Identity
	Loader    Loader
	Cache     *cache.Cache
	Transport transport.Transport
	Bridge    *bridge.Bridge
	Persister Persister
	Drafts    Drafts
	Guard     Guard

	Now   func() time.Time
	NewID func() string
}

// Stats counts guarded applies and drops.
type Stats struct {
	Applies        int // history results written to the display
	SkippedApplies int // results skipped because already applied for the id
	StaleDrops     int // async writes discarded by the binding guard
	Turns          int // accepted sends
	Events         int // stream events applied
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns the single live stream. All of its state is owned by one
// goroutine (the loop); loads, stream readers and persistence run in
// background goroutines that post results back to the loop, where every write
// is re-validated against the currently bound conversation.
type Manager struct {
	deps Deps
	now  func() time.Time
	id   func() string

	ctx    context.Context
	cancel context.CancelFunc
	inbox  *mailbox
	wg     sync.WaitGroup
	unsubs []func()

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}

	// loop-owned
	bound      string
	messages   []types.Message
	appliedFor string
	state      State
	load       *loadToken
	turn       *turn
	lastErr    error
	stats      Stats

	// snapshot for other goroutines
	snapMu       sync.RWMutex
	snapBound    string
	snapMessages []types.Message
	snapState    State
	snapErr      error
	snapStats    Stats
}

// New creates a manager. Call Start to bind it to the active conversation.
func New(deps Deps) *Manager {
	m := &Manager{
		deps:  deps,
		now:   deps.Now,
		id:    deps.NewID,
		inbox: newMailbox(),
		done:  make(chan struct{}),
		state: Idle,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.id == nil {
		m.id = uuid.NewString
	}
	m.snapState = Idle
	m.snapMessages = []types.Message{}
	m.messages = []types.Message{}
	return m
}

// Start runs the loop, subscribes to identity changes and bridge commands and
// binds the currently active conversation.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.ctx, m.cancel = context.WithCancel(ctx)

		m.wg.Add(1)
		go m.loop()

		m.unsubs = append(m.unsubs, m.deps.Identity.OnChange(func(_, _ string) {
			m.post(m.bind)
		}))
		if m.deps.Bridge != nil {
			m.unsubs = append(m.unsubs, m.deps.Bridge.OnCommand(func(c bridge.Command) {
				m.post(func() { m.handleCommand(c) })
			}))
		}
		m.post(m.bind)
		logging.Session("Session manager started")
	})
}

// Close halts the live stream and waits for every goroutine the manager
// started.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		for _, unsub := range m.unsubs {
			unsub()
		}
		if m.cancel == nil {
			close(m.done)
			return
		}
		m.post(func() {
			if m.turn != nil {
				m.endTurn(m.turn, outcomeStopped, nil)
			}
		})
		m.inbox.close()
		m.cancel()
		m.wg.Wait()
		close(m.done)
		logging.Session("Session manager closed")
	})
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		fns, ok := m.inbox.wait()
		for _, fn := range fns {
			fn()
		}
		if len(fns) > 0 {
			m.publishSnapshot()
		}
		if !ok {
			return
		}
	}
}

// post queues fn on the loop. Dropped after Close.
func (m *Manager) post(fn func()) bool {
	return m.inbox.push(fn)
}

// call runs fn on the loop and waits for its error. It must not be used from
// a bridge state handler.
func (m *Manager) call(ctx context.Context, fn func(reply func(error))) error {
	if m.ctx == nil {
		return ErrClosed
	}
	ch := make(chan error, 1)
	if !m.post(func() { fn(func(err error) { ch <- err }) }) {
		return ErrClosed
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// spawn runs fn in a tracked background goroutine.
func (m *Manager) spawn(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// Sync waits until everything posted so far has run on the loop.
func (m *Manager) Sync() {
	_ = m.call(context.Background(), func(reply func(error)) { reply(nil) })
}

// =============================================================================
// PUBLIC API
// =============================================================================

// Send sends text in the bound conversation and returns once the transport
// has accepted or rejected it.
func (m *Manager) Send(ctx context.Context, text string) error {
	return m.call(ctx, func(reply func(error)) {
		m.send(m.bound, text, reply)
	})
}

// Ready reports whether id is bound and its history has landed, so a send
// would carry the prior messages.
func (m *Manager) Ready(ctx context.Context, id string) bool {
	return m.call(ctx, func(reply func(error)) {
		switch {
		case m.bound != id:
			reply(ErrNotBound)
		case m.loading(id):
			reply(ErrLoading)
		default:
			reply(nil)
		}
	}) == nil
}

// Stop halts the live turn, keeping partial content.
func (m *Manager) Stop() {
	m.post(func() { m.stop(m.bound) })
}

// Regenerate drops the latest assistant message and answers the last user
// message again.
func (m *Manager) Regenerate(ctx context.Context) error {
	return m.call(ctx, func(reply func(error)) {
		m.regenerate(m.bound, reply)
	})
}

// Refresh re-issues the history load for the bound conversation. Results
// already applied for the id are not applied again.
func (m *Manager) Refresh() {
	m.post(func() {
		if m.bound != "" {
			m.issueLoad(m.bound)
		}
	})
}

// CacheChanged is the realtime hook: it re-reads the bound conversation's
// messages from the cache when no turn is running.
func (m *Manager) CacheChanged(conversationID string) {
	m.post(func() { m.syncFromCache(conversationID) })
}

// State returns the current turn state.
func (m *Manager) State() State {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snapState
}

// Messages returns a copy of the displayed messages.
func (m *Manager) Messages() []types.Message {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return types.CloneMessages(m.snapMessages)
}

// BoundID returns the conversation the manager is bound to.
func (m *Manager) BoundID() string {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snapBound
}

// LastError returns the last user-visible stream failure, if any.
func (m *Manager) LastError() error {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snapErr
}

// Stats returns guard and turn counters.
func (m *Manager) Stats() Stats {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snapStats
}

func (m *Manager) publishSnapshot() {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	m.snapBound = m.bound
	m.snapMessages = types.CloneMessages(m.messages)
	m.snapState = m.state
	m.snapErr = m.lastErr
	m.snapStats = m.stats
}

// publishState notifies UI components of the current state.
func (m *Manager) publishState(convID string, err error, notice string) {
	m.publishSnapshot()
	if m.deps.Bridge == nil {
		return
	}
	m.deps.Bridge.PublishState(bridge.StateChange{
		ConversationID: convID,
		Phase:          string(m.state.Phase),
		StartedAt:      m.state.StartedAt,
		Err:            err,
		Notice:         notice,
	})
}

func (m *Manager) handleCommand(c bridge.Command) {
	if c.ConversationID != m.bound {
		logging.SessionDebug("Ignoring %s for %s (bound to %s)", c.Kind, c.ConversationID, m.bound)
		return
	}
	switch c.Kind {
	case bridge.CommandSend:
		m.send(c.ConversationID, c.Text, nil)
	case bridge.CommandStop:
		m.stop(c.ConversationID)
	case bridge.CommandRegenerate:
		m.regenerate(c.ConversationID, nil)
	}
}

// =============================================================================
// MAILBOX
// =============================================================================

// mailbox is an unbounded FIFO so posting never blocks, even from a handler
// running on the loop itself.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	signal chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (b *mailbox) push(fn func()) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, fn)
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
	return true
}

// wait blocks for queued work. ok is false once closed and drained.
func (b *mailbox) wait() (fns []func(), ok bool) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			fns, b.queue = b.queue, nil
			b.mu.Unlock()
			return fns, true
		}
		if b.closed {
			b.mu.Unlock()
			return nil, false
		}
		b.mu.Unlock()
		<-b.signal
	}
}

func (b *mailbox) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
}
