package drafts

import (
	"context"
	"sync"
	"time"

	"x402chat/internal/logging"
)

// Debouncer coalesces rapid keystroke saves so only the latest text per
// conversation is written once input pauses for the configured delay.
type Debouncer struct {
	store *Store
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*pendingSave
	wg      sync.WaitGroup
	stopped bool
}

type pendingSave struct {
	text  string
	timer *time.Timer
}

// NewDebouncer creates a debouncer writing to store after delay.
func NewDebouncer(store *Store, delay time.Duration) *Debouncer {
	return &Debouncer{
		store:   store,
		delay:   delay,
		pending: make(map[string]*pendingSave),
	}
}

// Update schedules text to be saved for conversationID, replacing any
// save still waiting for that conversation.
func (d *Debouncer) Update(conversationID, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if p, ok := d.pending[conversationID]; ok {
		p.text = text
		p.timer.Reset(d.delay)
		return
	}
	p := &pendingSave{text: text}
	p.timer = time.AfterFunc(d.delay, func() { d.fire(conversationID, p) })
	d.pending[conversationID] = p
}

// Cancel drops a pending save, e.g. after the draft was cleared by a send.
func (d *Debouncer) Cancel(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[conversationID]; ok {
		p.timer.Stop()
		delete(d.pending, conversationID)
	}
}

// CancelAll drops every pending save and returns how many were dropped.
func (d *Debouncer) CancelAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.pending)
	for id, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, id)
	}
	return n
}

// Flush writes every pending save now.
func (d *Debouncer) Flush(ctx context.Context) {
	d.mu.Lock()
	saves := make(map[string]string, len(d.pending))
	for id, p := range d.pending {
		p.timer.Stop()
		saves[id] = p.text
		delete(d.pending, id)
	}
	d.mu.Unlock()

	for id, text := range saves {
		d.save(ctx, id, text)
	}
}

// Stop flushes pending saves and waits for in-progress ones.
func (d *Debouncer) Stop(ctx context.Context) {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.Flush(ctx)
	d.wg.Wait()
}

// Pending returns the number of conversations with an unsaved draft.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Debouncer) fire(conversationID string, p *pendingSave) {
	d.mu.Lock()
	if d.pending[conversationID] != p {
		d.mu.Unlock()
		return
	}
	delete(d.pending, conversationID)
	text := p.text
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	d.save(context.Background(), conversationID, text)
}

func (d *Debouncer) save(ctx context.Context, conversationID, text string) {
	if err := d.store.Save(ctx, conversationID, text); err != nil {
		logging.DraftsWarn("Debounced save failed for %s: %v", conversationID, err)
	}
}
