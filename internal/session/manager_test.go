package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"x402chat/internal/bridge"
	"x402chat/internal/cache"
	"x402chat/internal/drafts"
	"x402chat/internal/history"
	"x402chat/internal/identity"
	"x402chat/internal/store"
	"x402chat/internal/transport"
	"x402chat/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// FAKES
// =============================================================================

// gatedSource reads from the store, optionally holding reads for an id open
// until the gate is closed.
type gatedSource struct {
	st    *store.LocalStore
	mu    sync.Mutex
	gates map[string]chan struct{}
	calls map[string]int
}

func (g *gatedSource) gate(id string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan struct{})
	g.gates[id] = ch
	return ch
}

func (g *gatedSource) callCount(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[id]
}

func (g *gatedSource) Messages(ctx context.Context, id string) ([]types.Message, error) {
	g.mu.Lock()
	g.calls[id]++
	gate := g.gates[id]
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.st.Messages(ctx, id)
}

type item struct {
	ev  types.StreamEvent
	err error
}

type fakeStream struct {
	items   chan item
	aborted chan struct{}
	once    sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{items: make(chan item, 64), aborted: make(chan struct{})}
}

func (s *fakeStream) Recv() (types.StreamEvent, error) {
	select {
	case it := <-s.items:
		return it.ev, it.err
	case <-s.aborted:
		return types.StreamEvent{}, transport.ErrAborted
	}
}

func (s *fakeStream) Abort() { s.once.Do(func() { close(s.aborted) }) }

func (s *fakeStream) emit(typ types.EventType, delta string) {
	s.items <- item{ev: types.StreamEvent{Type: typ, Delta: delta}}
}

func (s *fakeStream) finish() {
	s.items <- item{ev: types.StreamEvent{Type: types.EventFinish, FinishReason: "stop"}}
	s.items <- item{err: io.EOF}
}

func (s *fakeStream) fail(err error) { s.items <- item{err: err} }

func (s *fakeStream) isAborted() bool {
	select {
	case <-s.aborted:
		return true
	default:
		return false
	}
}

type fakeTransport struct {
	mu      sync.Mutex
	opens   []transport.Request
	openErr error
	// hold, when set, keeps Open from answering until it is closed.
	hold    chan struct{}
	streams chan *fakeStream
}

func (f *fakeTransport) Open(ctx context.Context, req transport.Request) (transport.Stream, error) {
	f.mu.Lock()
	f.opens = append(f.opens, req)
	hold := f.hold
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	err := f.openErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s := newFakeStream()
	f.streams <- s
	return s, nil
}

func (f *fakeTransport) requests() []transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Request(nil), f.opens...)
}

type fakeGuard struct {
	deny  atomic.Bool
	calls atomic.Int32
}

func (g *fakeGuard) Ensure(ctx context.Context, action string) bool {
	g.calls.Add(1)
	return !g.deny.Load()
}

// phaseLog records state changes published on the bridge.
type phaseLog struct {
	mu      sync.Mutex
	changes []bridge.StateChange
}

func (p *phaseLog) record(sc bridge.StateChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, sc)
}

func (p *phaseLog) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = nil
}

// phases returns the distinct consecutive phases seen.
func (p *phaseLog) phases() []Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Phase
	for _, sc := range p.changes {
		ph := Phase(sc.Phase)
		if len(out) == 0 || out[len(out)-1] != ph {
			out = append(out, ph)
		}
	}
	return out
}

func (p *phaseLog) last() bridge.StateChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.changes) == 0 {
		return bridge.StateChange{}
	}
	return p.changes[len(p.changes)-1]
}

func (p *phaseLog) notices() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, sc := range p.changes {
		if sc.Notice != "" {
			out = append(out, sc.Notice)
		}
	}
	return out
}

// =============================================================================
// HARNESS
// =============================================================================

type harness struct {
	t      *testing.T
	ctx    context.Context
	st     *store.LocalStore
	ident  *identity.Store
	cache  *cache.Cache
	src    *gatedSource
	tr     *fakeTransport
	br     *bridge.Bridge
	drafts *drafts.Store
	guard  *fakeGuard
	log    *phaseLog
	m      *Manager
}

func newHarness(t *testing.T, active string) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewLocalStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		t:      t,
		ctx:    ctx,
		st:     st,
		ident:  identity.New(st),
		cache:  cache.New(),
		src:    &gatedSource{st: st, gates: map[string]chan struct{}{}, calls: map[string]int{}},
		tr:     &fakeTransport{streams: make(chan *fakeStream, 8)},
		br:     bridge.New(),
		drafts: drafts.New(st),
		guard:  &fakeGuard{},
		log:    &phaseLog{},
	}
	if active != "" {
		require.NoError(t, h.ident.SetActive(ctx, active))
	}
	h.br.OnState(h.log.record)
	h.m = New(Deps{
		Identity:  h.ident,
		Loader:    history.NewLoader(h.src, h.cache),
		Cache:     h.cache,
		Transport: h.tr,
		Bridge:    h.br,
		Persister: st,
		Drafts:    h.drafts,
		Guard:     h.guard,
	})
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) start() {
	h.m.Start(h.ctx)
}

func (h *harness) seed(conv string, msgs ...types.Message) {
	h.t.Helper()
	for _, msg := range msgs {
		require.NoError(h.t, h.st.InsertMessage(h.ctx, msg))
	}
}

func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		h.m.Sync()
		return cond()
	}, 2*time.Second, 5*time.Millisecond, msg)
}

func (h *harness) waitLoaded(applies int) {
	h.t.Helper()
	h.eventually(func() bool { return h.m.Stats().Applies >= applies }, "history applied")
}

func (h *harness) stream() *fakeStream {
	h.t.Helper()
	select {
	case s := <-h.tr.streams:
		return s
	case <-time.After(2 * time.Second):
		h.t.Fatal("transport was not opened")
		return nil
	}
}

func (h *harness) switchTo(id string) {
	h.t.Helper()
	require.NoError(h.t, h.ident.SetActive(h.ctx, id))
}

func (h *harness) stored(conv string) []types.Message {
	h.t.Helper()
	msgs, err := h.st.Messages(h.ctx, conv)
	require.NoError(h.t, err)
	return msgs
}

var t0 = time.Unix(1700000000, 0)

func userMsg(id, conv, text string, sec int) types.Message {
	return types.NewTextMessage(id, conv, types.RoleUser, text, t0.Add(time.Duration(sec)*time.Second))
}

func assistantMsg(id, conv, text string, sec int) types.Message {
	return types.NewTextMessage(id, conv, types.RoleAssistant, text, t0.Add(time.Duration(sec)*time.Second))
}

func ids(msgs []types.Message) []string {
	out := make([]string, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.ID
	}
	return out
}

// =============================================================================
// BINDING
// =============================================================================

func TestStartLoadsActiveConversation(t *testing.T) {
	h := newHarness(t, "a")
	h.seed("a", userMsg("u1", "a", "hi", 1), assistantMsg("a1", "a", "hello", 2))
	h.start()

	h.waitLoaded(1)
	assert.Equal(t, "a", h.m.BoundID())
	assert.Equal(t, []string{"u1", "a1"}, ids(h.m.Messages()))
	assert.Equal(t, Idle, h.m.State())

	_, ok := h.cache.Get("a")
	assert.True(t, ok, "load populates the cache")
}

func TestNoActiveConversation(t *testing.T) {
	h := newHarness(t, "")
	h.start()
	h.m.Sync()

	assert.Empty(t, h.m.BoundID())
	assert.Empty(t, h.m.Messages())
	assert.ErrorIs(t, h.m.Send(h.ctx, "hello"), ErrNotBound)
	assert.Zero(t, h.src.callCount(""))
}

func TestNoCrossConversationLeakage(t *testing.T) {
	h := newHarness(t, "a")
	h.seed("a", userMsg("u1", "a", "one", 1), assistantMsg("a1", "a", "two", 2), userMsg("u2", "a", "three", 3))
	release := h.src.gate("a")
	h.start()
	h.eventually(func() bool { return h.src.callCount("a") == 1 }, "load for a issued")

	h.switchTo("b")
	h.waitLoaded(1)
	require.Equal(t, "b", h.m.BoundID())
	require.Empty(t, h.m.Messages())

	close(release)
	h.eventually(func() bool { return h.m.Stats().StaleDrops == 1 }, "late load for a dropped")

	assert.Empty(t, h.m.Messages(), "a's messages never appear in b")
	assert.Equal(t, 1, h.m.Stats().Applies)
	entry, _ := h.cache.Get("a")
	assert.Nil(t, entry.Messages, "stale load does not populate the cache")
	assert.False(t, entry.Loading)
}

func TestSwitchAwayAndBackAppliesReload(t *testing.T) {
	h := newHarness(t, "a")
	h.seed("a", userMsg("u1", "a", "one", 1), assistantMsg("a1", "a", "two", 2))
	release := h.src.gate("a")
	h.start()
	h.eventually(func() bool { return h.src.callCount("a") == 1 }, "first load issued")

	h.switchTo("b")
	h.switchTo("a")
	h.eventually(func() bool { return h.src.callCount("a") == 2 }, "second load issued")
	close(release)

	h.eventually(func() bool { return len(h.m.Messages()) == 2 }, "a applied once active again")
	assert.Equal(t, "a", h.m.BoundID())
	assert.Equal(t, []string{"u1", "a1"}, ids(h.m.Messages()))
	assert.GreaterOrEqual(t, h.m.Stats().StaleDrops, 1, "the cancelled first load is dropped")
}

func TestOverlappingIdentityChangesBindLatest(t *testing.T) {
	h := newHarness(t, "start")
	// registered ahead of the manager, so its notification for "a" is held up
	unsub := h.ident.OnChange(func(_, next string) {
		if next == "a" {
			time.Sleep(50 * time.Millisecond)
		}
	})
	defer unsub()
	h.start()
	h.waitLoaded(1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, h.ident.SetActive(h.ctx, "a"))
	}()
	time.Sleep(20 * time.Millisecond)
	h.switchTo("b")
	<-done

	h.m.Sync()
	assert.Equal(t, "b", h.ident.Active())
	assert.Equal(t, "b", h.m.BoundID(), "late notification for a must not rebind")
	h.waitLoaded(2)
	assert.Equal(t, "b", h.m.BoundID())
}

func TestSendWaitsForHistory(t *testing.T) {
	h := newHarness(t, "a")
	h.seed("a", userMsg("u1", "a", "hi", 1), assistantMsg("a1", "a", "hello", 2))
	release := h.src.gate("a")
	h.start()
	h.eventually(func() bool { return h.src.callCount("a") == 1 }, "load issued")

	assert.ErrorIs(t, h.m.Send(h.ctx, "follow-up"), ErrLoading)
	assert.ErrorIs(t, h.m.Regenerate(h.ctx), ErrLoading)
	assert.False(t, h.m.Ready(h.ctx, "a"))
	assert.Empty(t, h.tr.requests())
	assert.Empty(t, h.m.Messages())
	assert.Contains(t, h.log.notices(), loadingNotice)

	close(release)
	h.waitLoaded(1)
	assert.True(t, h.m.Ready(h.ctx, "a"))
	assert.False(t, h.m.Ready(h.ctx, "b"))
	require.NoError(t, h.m.Send(h.ctx, "follow-up"))
	h.stream().finish()
	h.eventually(func() bool { return !h.m.State().Busy() }, "turn completes")

	req := h.tr.requests()
	require.Len(t, req, 1)
	require.Len(t, req[0].Messages, 3)
	assert.Equal(t, []string{"u1", "a1"}, ids(req[0].Messages[:2]), "prior history reaches the transport")
}

func TestIdempotentApply(t *testing.T) {
	h := newHarness(t, "x")
	h.seed("x", userMsg("u1", "x", "hi", 1), assistantMsg("a1", "x", "hello", 2))
	h.start()
	h.waitLoaded(1)

	h.m.Refresh()
	h.m.Refresh()
	h.eventually(func() bool { return h.m.Stats().SkippedApplies == 2 }, "refreshes resolve")

	assert.Equal(t, 1, h.m.Stats().Applies)
	assert.Equal(t, []string{"u1", "a1"}, ids(h.m.Messages()))
}

func TestStaleResultsDropped(t *testing.T) {
	h := newHarness(t, "a")
	h.start()
	h.waitLoaded(1)

	foreign := history.Result{ConversationID: "other", Messages: []types.Message{userMsg("x1", "other", "leak", 1)}}
	cancelled := &loadToken{id: "a"}
	cancelled.cancelled.Store(true)
	h.m.post(func() { h.m.applyLoad(&loadToken{id: "other"}, foreign) })
	h.m.post(func() {
		h.m.applyLoad(cancelled, history.Result{ConversationID: "a", Messages: []types.Message{userMsg("x2", "a", "old", 1)}})
	})
	h.m.Sync()

	assert.Equal(t, 2, h.m.Stats().StaleDrops)
	assert.Empty(t, h.m.Messages())
}

func TestHistoryFailureLeavesMarkerUnset(t *testing.T) {
	h := newHarness(t, "a")
	h.start()
	h.waitLoaded(1)

	h.m.post(func() {
		h.m.appliedFor = ""
		h.m.applyLoad(&loadToken{id: "a"}, history.Result{ConversationID: "a", Messages: []types.Message{}, Err: errors.New("disk gone")})
	})
	h.m.Sync()
	assert.Equal(t, 1, h.m.Stats().Applies)

	h.m.Refresh()
	h.waitLoaded(2)
}

func TestCacheChangedRefreshesDisplay(t *testing.T) {
	h := newHarness(t, "a")
	h.seed("a", userMsg("u1", "a", "hi", 1))
	h.start()
	h.waitLoaded(1)

	h.cache.Set("a", cache.MessagesPatch([]types.Message{userMsg("u1", "a", "hi", 1), assistantMsg("a1", "a", "from elsewhere", 2)}))
	h.m.CacheChanged("b")
	h.m.CacheChanged("a")
	h.eventually(func() bool { return len(h.m.Messages()) == 2 }, "display follows the cache")
}

// =============================================================================
// TURNS
// =============================================================================

func TestSendWithoutReasoning(t *testing.T) {
	h := newHarness(t, "fresh")
	h.start()
	h.waitLoaded(1)
	require.NoError(t, h.drafts.Save(h.ctx, "fresh", "What is 2+2?"))
	h.log.reset()

	require.NoError(t, h.m.Send(h.ctx, "What is 2+2?"))
	s := h.stream()
	s.emit(types.EventTextDelta, "2+2 ")
	s.emit(types.EventTextDelta, "is 4.")
	s.finish()
	h.eventually(func() bool { return !h.m.State().Busy() }, "turn completes")

	assert.Equal(t, []Phase{PhaseWaiting, PhaseResponding, PhaseIdle}, h.log.phases())

	msgs := h.m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, types.RoleUser, msgs[0].Role)
	assert.Equal(t, types.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "2+2 is 4.", msgs[1].Text())
	assert.NoError(t, types.ValidateSequence(msgs))

	req := h.tr.requests()
	require.Len(t, req, 1)
	assert.Equal(t, "fresh", req[0].ConversationID)
	assert.Equal(t, []string{msgs[0].ID}, ids(req[0].Messages))

	h.eventually(func() bool { return len(h.stored("fresh")) == 2 }, "turn persisted")
	if diff := cmp.Diff(ids(msgs), ids(h.stored("fresh"))); diff != "" {
		t.Errorf("stored messages mismatch (-display +store):\n%s", diff)
	}
	h.eventually(func() bool {
		_, ok := h.drafts.Get(h.ctx, "fresh")
		return !ok
	}, "accepted send clears the draft")

	entry, ok := h.cache.Get("fresh")
	require.True(t, ok)
	assert.Equal(t, cache.StatusIdle, entry.Status)
	assert.Len(t, entry.Messages, 2)
	assert.Equal(t, 1, h.m.Stats().Turns)
}

func TestSendWithReasoning(t *testing.T) {
	h := newHarness(t, "c")
	h.start()
	h.waitLoaded(1)
	h.log.reset()

	require.NoError(t, h.m.Send(h.ctx, "Is SOL up today?"))
	started := h.m.State().StartedAt
	require.False(t, started.IsZero())

	s := h.stream()
	s.emit(types.EventReasoning, "Need a price feed.")
	h.eventually(func() bool { return h.m.State().Phase == PhaseReasoning }, "reasoning")
	entry, _ := h.cache.Get("c")
	assert.Equal(t, cache.Status(PhaseReasoning), entry.Status)
	assert.Equal(t, "Need a price feed.", entry.PartialReasoning)

	s.emit(types.EventTextDelta, "Checking")
	s.emit(types.EventReasoning, "Compare to yesterday.")
	s.emit(types.EventTextDelta, " Yes, up 3%.")
	s.finish()
	h.eventually(func() bool { return !h.m.State().Busy() }, "turn completes")

	assert.Equal(t, []Phase{
		PhaseWaiting, PhaseReasoning, PhaseResponding, PhaseReasoning, PhaseResponding, PhaseIdle,
	}, h.log.phases())
	for _, sc := range h.log.changes {
		if Phase(sc.Phase) != PhaseIdle {
			assert.Equal(t, started, sc.StartedAt, "timestamp stable through the turn")
		}
	}

	msgs := h.m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Checking Yes, up 3%.", msgs[1].Text())
	assert.Equal(t, "Need a price feed.Compare to yesterday.", msgs[1].Reasoning())
}

func TestToolEventsBecomeParts(t *testing.T) {
	h := newHarness(t, "c")
	h.start()
	h.waitLoaded(1)

	require.NoError(t, h.m.Send(h.ctx, "price of SOL?"))
	s := h.stream()
	s.items <- item{ev: types.StreamEvent{Type: types.EventToolCall, ToolCallID: "t1", ToolName: "price", Input: []byte(`{"token":"SOL"}`)}}
	s.items <- item{ev: types.StreamEvent{Type: types.EventToolResult, ToolCallID: "t1", Output: []byte(`{"usd":150}`)}}
	s.emit(types.EventTextDelta, "About $150.")
	s.finish()
	h.eventually(func() bool { return !h.m.State().Busy() }, "turn completes")

	msgs := h.m.Messages()
	require.Len(t, msgs, 2)
	var kinds []types.PartKind
	for _, p := range msgs[1].Parts {
		kinds = append(kinds, p.Kind)
	}
	assert.Equal(t, []types.PartKind{types.PartToolInvocation, types.PartToolResult, types.PartText}, kinds)
	assert.Empty(t, msgs[1].PendingToolCalls())
}

func TestSendWhileBusy(t *testing.T) {
	h := newHarness(t, "c")
	h.start()
	h.waitLoaded(1)

	require.NoError(t, h.m.Send(h.ctx, "first"))
	s := h.stream()
	assert.ErrorIs(t, h.m.Send(h.ctx, "second"), ErrBusy)
	assert.ErrorIs(t, h.m.Send(h.ctx, "   "), ErrEmptyMessage)
	s.finish()
	h.eventually(func() bool { return !h.m.State().Busy() }, "turn completes")
	assert.Len(t, h.tr.requests(), 1)
}

func TestStopKeepsPartialContent(t *testing.T) {
	h := newHarness(t, "c")
	h.start()
	h.waitLoaded(1)

	require.NoError(t, h.m.Send(h.ctx, "tell me a long story"))
	s := h.stream()
	s.emit(types.EventTextDelta, "Once upon")
	h.eventually(func() bool { return h.m.State().Phase == PhaseResponding }, "responding")

	h.m.Stop()
	h.eventually(func() bool { return !h.m.State().Busy() }, "stopped")
	assert.True(t, s.isAborted())
	assert.NoError(t, h.m.LastError())

	msgs := h.m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Once upon", msgs[1].Text())
	h.eventually(func() bool {
		stored := h.stored("c")
		return len(stored) == 2 && stored[1].Text() == "Once upon"
	}, "partial answer persisted")
}

func TestTransportErrorKeepsPartialContent(t *testing.T) {
	h := newHarness(t, "c")
	h.start()
	h.waitLoaded(1)

	require.NoError(t, h.m.Send(h.ctx, "hi"))
	s := h.stream()
	s.emit(types.EventTextDelta, "Hel")
	s.fail(fmt.Errorf("%w: connection reset", transport.ErrStreamError))
	h.eventually(func() bool { return !h.m.State().Busy() }, "idle after error")

	assert.ErrorIs(t, h.m.LastError(), transport.ErrStreamError)
	assert.ErrorIs(t, h.log.last().Err, transport.ErrStreamError, "error surfaced to the UI")

	msgs := h.m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hel", msgs[1].Text())

	// the next successful send clears the error
	require.NoError(t, h.m.Send(h.ctx, "again"))
	h.stream().finish()
	h.eventually(func() bool { return !h.m.State().Busy() }, "second turn completes")
	assert.NoError(t, h.m.LastError())
}

func TestRejectedSendKeepsDraft(t *testing.T) {
	h := newHarness(t, "c")
	h.start()
	h.waitLoaded(1)
	require.NoError(t, h.drafts.Save(h.ctx, "c", "hello"))
	h.tr.openErr = fmt.Errorf("%w: status 402", transport.ErrRequestFailed)

	err := h.m.Send(h.ctx, "hello")
	assert.ErrorIs(t, err, transport.ErrRequestFailed)
	h.m.Sync()

	assert.Equal(t, Idle, h.m.State())
	assert.Empty(t, h.m.Messages(), "optimistic user message removed")
	assert.ErrorIs(t, h.m.LastError(), transport.ErrRequestFailed)
	text, ok := h.drafts.Get(h.ctx, "c")
	assert.True(t, ok)
	assert.Equal(t, "hello", text)
	assert.Empty(t, h.stored("c"))
}

func TestRequestFailureOnFirstRecvKeepsDraft(t *testing.T) {
	h := newHarness(t, "c")
	h.start()
	h.waitLoaded(1)
	require.NoError(t, h.drafts.Save(h.ctx, "c", "hello"))

	require.NoError(t, h.m.Send(h.ctx, "hello"))
	s := h.stream()
	s.fail(fmt.Errorf("%w: Error 401, Message: API key not valid", transport.ErrRequestFailed))
	h.eventually(func() bool { return !h.m.State().Busy() }, "idle after rejection")

	assert.Empty(t, h.m.Messages(), "optimistic user message removed")
	assert.ErrorIs(t, h.m.LastError(), transport.ErrRequestFailed)
	assert.ErrorIs(t, h.log.last().Err, transport.ErrRequestFailed)
	assert.True(t, s.isAborted())

	h.m.Close()
	text, ok := h.drafts.Get(h.ctx, "c")
	assert.True(t, ok, "draft survives the rejection")
	assert.Equal(t, "hello", text)
	assert.Empty(t, h.stored("c"))
}

func TestStopBeforeFirstEventKeepsUserMessage(t *testing.T) {
	h := newHarness(t, "c")
	h.start()
	h.waitLoaded(1)
	require.NoError(t, h.drafts.Save(h.ctx, "c", "hello"))

	require.NoError(t, h.m.Send(h.ctx, "hello"))
	s := h.stream()
	h.m.Stop()
	h.eventually(func() bool { return !h.m.State().Busy() }, "stopped")
	assert.True(t, s.isAborted())

	require.Len(t, h.m.Messages(), 1)
	h.eventually(func() bool { return len(h.stored("c")) == 1 }, "opened send persisted")
	h.eventually(func() bool {
		_, ok := h.drafts.Get(h.ctx, "c")
		return !ok
	}, "draft cleared")
}

func TestStopThenRejectedOpenDropsUserMessage(t *testing.T) {
	h := newHarness(t, "c")
	h.start()
	h.waitLoaded(1)
	require.NoError(t, h.drafts.Save(h.ctx, "c", "hello"))
	hold := make(chan struct{})
	h.tr.hold = hold
	h.tr.openErr = fmt.Errorf("%w: status 402", transport.ErrRequestFailed)

	errCh := make(chan error, 1)
	go func() { errCh <- h.m.Send(h.ctx, "hello") }()
	h.eventually(func() bool { return len(h.tr.requests()) == 1 }, "open in flight")
	require.Len(t, h.m.Messages(), 1)

	h.m.Stop()
	h.eventually(func() bool { return !h.m.State().Busy() }, "stopped")
	close(hold)
	assert.ErrorIs(t, <-errCh, transport.ErrRequestFailed)
	h.m.Sync()

	assert.Empty(t, h.m.Messages(), "never-accepted message removed")
	entry, _ := h.cache.Get("c")
	assert.Empty(t, entry.Messages)

	h.m.Close()
	text, ok := h.drafts.Get(h.ctx, "c")
	assert.True(t, ok)
	assert.Equal(t, "hello", text)
	assert.Empty(t, h.stored("c"))
}

func TestGuardDefersSend(t *testing.T) {
	h := newHarness(t, "c")
	h.start()
	h.waitLoaded(1)
	h.guard.deny.Store(true)

	assert.ErrorIs(t, h.m.Send(h.ctx, "buy the dip?"), ErrDeferred)
	assert.Empty(t, h.tr.requests())
	assert.Empty(t, h.m.Messages())
	assert.Equal(t, Idle, h.m.State())
	assert.NoError(t, h.m.LastError(), "deferral is a notice, not an error")
	assert.NotEmpty(t, h.log.notices())

	h.eventually(func() bool {
		text, ok := h.drafts.Get(h.ctx, "c")
		return ok && text == "buy the dip?"
	}, "deferred text kept as draft")

	h.guard.deny.Store(false)
	require.NoError(t, h.m.Send(h.ctx, "buy the dip?"))
	h.stream().finish()
	h.eventually(func() bool { return !h.m.State().Busy() }, "turn completes")
}

func TestRegenerate(t *testing.T) {
	h := newHarness(t, "c")
	h.seed("c", userMsg("u1", "c", "joke please", 1), assistantMsg("a1", "c", "bad joke", 2))
	h.start()
	h.waitLoaded(1)

	require.NoError(t, h.m.Regenerate(h.ctx))
	s := h.stream()
	req := h.tr.requests()
	require.Len(t, req, 1)
	assert.Equal(t, []string{"u1"}, ids(req[0].Messages), "no duplicate user message, old answer dropped")

	s.emit(types.EventTextDelta, "better joke")
	s.finish()
	h.eventually(func() bool { return !h.m.State().Busy() }, "turn completes")

	msgs := h.m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "u1", msgs[0].ID)
	assert.NotEqual(t, "a1", msgs[1].ID)
	assert.Equal(t, "better joke", msgs[1].Text())

	h.eventually(func() bool {
		stored := h.stored("c")
		return len(stored) == 2 && stored[1].Text() == "better joke"
	}, "store replaces the old answer")
}

func TestRegenerateNothing(t *testing.T) {
	h := newHarness(t, "c")
	h.start()
	h.waitLoaded(1)
	assert.ErrorIs(t, h.m.Regenerate(h.ctx), ErrNothingToRegenerate)
	assert.Empty(t, h.tr.requests())
}

func TestSwitchDuringStream(t *testing.T) {
	h := newHarness(t, "a")
	h.start()
	h.waitLoaded(1)

	require.NoError(t, h.m.Send(h.ctx, "question in a"))
	s := h.stream()
	s.emit(types.EventTextDelta, "partial a")
	h.eventually(func() bool { return h.m.State().Phase == PhaseResponding }, "responding")

	h.switchTo("b")
	h.eventually(func() bool { return h.m.BoundID() == "b" && h.m.Stats().Applies == 2 }, "b bound")
	assert.True(t, s.isAborted(), "a's transport halted")
	assert.Equal(t, Idle, h.m.State())
	assert.Empty(t, h.m.Messages())

	entry, ok := h.cache.Get("a")
	require.True(t, ok)
	assert.Equal(t, cache.StatusIdle, entry.Status)
	assert.Empty(t, entry.PartialReasoning)

	h.eventually(func() bool {
		stored := h.stored("a")
		return len(stored) == 2 && stored[1].Text() == "partial a"
	}, "a's partial answer persisted")
	assert.Empty(t, h.stored("b"))
}

func TestBridgeCommands(t *testing.T) {
	h := newHarness(t, "c")
	h.start()
	h.waitLoaded(1)

	assert.Equal(t, 1, h.br.Send("other", "not for us"))
	h.m.Sync()
	assert.Empty(t, h.tr.requests(), "commands for another conversation are ignored")

	h.br.Send("c", "hello via bridge")
	s := h.stream()
	s.emit(types.EventTextDelta, "hi")
	h.eventually(func() bool { return h.m.State().Phase == PhaseResponding }, "responding")

	h.br.Stop("c")
	h.eventually(func() bool { return !h.m.State().Busy() }, "stopped via bridge")
	assert.True(t, s.isAborted())

	h.br.Regenerate("c")
	h.stream().finish()
	h.eventually(func() bool { return !h.m.State().Busy() }, "regenerated")
	assert.Len(t, h.tr.requests(), 2)
}

func TestCloseDuringStream(t *testing.T) {
	h := newHarness(t, "c")
	h.start()
	h.waitLoaded(1)

	require.NoError(t, h.m.Send(h.ctx, "hi"))
	s := h.stream()
	s.emit(types.EventTextDelta, "par")
	h.eventually(func() bool { return h.m.State().Phase == PhaseResponding }, "responding")

	h.m.Close()
	assert.True(t, s.isAborted())
	assert.ErrorIs(t, h.m.Send(h.ctx, "after close"), ErrClosed)

	stored := h.stored("c")
	require.Len(t, stored, 2, "writes started before close land")
	assert.Equal(t, "par", stored[1].Text())
}

func TestSendCancelledContext(t *testing.T) {
	h := newHarness(t, "c")
	h.start()
	h.waitLoaded(1)

	ctx, cancel := context.WithCancel(h.ctx)
	cancel()
	err := h.m.Send(ctx, "hi")
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
	// the loop may still have accepted the send
	h.m.Sync()
	if h.m.State().Busy() {
		h.stream().finish()
	}
	h.eventually(func() bool { return !h.m.State().Busy() }, "idle")
}
