// Package cache holds the process-wide message cache: per-conversation message
// lists plus live stream metadata, shared across screens.
package cache

import (
	"container/list"
	"sync"
	"time"

	"x402chat/internal/logging"
	"x402chat/internal/types"
)

// Status is the last-known stream phase of a conversation.
type Status string

// StatusIdle means no turn is running. An empty Status is treated the same.
const StatusIdle Status = "idle"

// Entry is the cached state for one conversation.
type Entry struct {
	Messages         []types.Message
	Status           Status
	PartialReasoning string
	Loading          bool
	UpdatedAt        time.Time
}

// busy reports whether the entry is in use by a load or a live turn.
func (e *Entry) busy() bool {
	return e.Loading || (e.Status != "" && e.Status != StatusIdle)
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Messages         *[]types.Message
	Status           *Status
	PartialReasoning *string
	Loading          *bool
}

// MessagesPatch sets only the message list.
func MessagesPatch(msgs []types.Message) Patch {
	return Patch{Messages: &msgs}
}

// StatusPatch sets only the stream status and partial reasoning text.
func StatusPatch(status Status, reasoning string) Patch {
	return Patch{Status: &status, PartialReasoning: &reasoning}
}

// LoadingPatch sets only the history-load-in-flight flag.
func LoadingPatch(loading bool) Patch {
	return Patch{Loading: &loading}
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxEntries enables LRU eviction once more than n conversations are
// cached. Entries that are loading or mid-turn are never evicted.
// n <= 0 keeps the default of no eviction.
func WithMaxEntries(n int) Option {
	return func(c *Cache) { c.maxEntries = n }
}

// WithClock overrides the clock used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

type item struct {
	id    string
	entry Entry
}

// Cache is a concurrency-safe map from conversation id to Entry.
// By default entries are kept until Clear or ClearAll.
type Cache struct {
	mu         sync.RWMutex
	items      map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int
	now        func() time.Time
	evictions  int
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		items: make(map[string]*list.Element),
		order: list.New(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	sharedOnce sync.Once
	shared     *Cache
)

// Shared returns the process-wide cache.
func Shared() *Cache {
	sharedOnce.Do(func() {
		shared = New()
	})
	return shared
}

// Get returns a copy of the entry for id.
func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		return Entry{}, false
	}
	c.order.MoveToFront(el)
	return copyEntry(el.Value.(*item).entry), true
}

// Messages returns a copy of the cached message list for id, or nil.
func (c *Cache) Messages(id string) []types.Message {
	e, ok := c.Get(id)
	if !ok {
		return nil
	}
	return e.Messages
}

// Set shallow-merges p into the entry for id, creating it if needed.
func (c *Cache) Set(id string, p Patch) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.touchLocked(id)
	if p.Messages != nil {
		e.Messages = types.CloneMessages(*p.Messages)
	}
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.PartialReasoning != nil {
		e.PartialReasoning = *p.PartialReasoning
	}
	if p.Loading != nil {
		e.Loading = *p.Loading
	}
	e.UpdatedAt = c.now()
	logging.CacheDebug("Set %s (messages=%d status=%s loading=%v)", id, len(e.Messages), e.Status, e.Loading)

	c.evictLocked()
}

// ClearLive resets the live stream fields for id and keeps its messages.
func (c *Cache) ClearLive(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		return
	}
	e := &el.Value.(*item).entry
	e.Status = StatusIdle
	e.PartialReasoning = ""
	logging.CacheDebug("Cleared live status for %s", id)
}

// Clear removes the entry for id.
func (c *Cache) Clear(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[id]; ok {
		c.order.Remove(el)
		delete(c.items, id)
		logging.CacheDebug("Cleared %s", id)
	}
}

// ClearAll removes every entry.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.items)
	c.items = make(map[string]*list.Element)
	c.order.Init()
	logging.CacheDebug("Cleared all %d entries", n)
}

// Len returns the number of cached conversations.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Evictions returns how many entries the LRU policy has removed.
func (c *Cache) Evictions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.evictions
}

// update runs fn on an existing entry's message list. The entry is not
// created when missing. fn returns the new list and whether it changed.
func (c *Cache) update(id string, fn func([]types.Message) ([]types.Message, bool)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		return false
	}
	e := &el.Value.(*item).entry
	msgs, changed := fn(e.Messages)
	if !changed {
		return false
	}
	e.Messages = msgs
	e.UpdatedAt = c.now()
	return true
}

func (c *Cache) touchLocked(id string) *Entry {
	if el, ok := c.items[id]; ok {
		c.order.MoveToFront(el)
		return &el.Value.(*item).entry
	}
	it := &item{id: id, entry: Entry{Status: StatusIdle}}
	c.items[id] = c.order.PushFront(it)
	return &it.entry
}

func (c *Cache) evictLocked() {
	if c.maxEntries <= 0 {
		return
	}
	for el := c.order.Back(); el != nil && len(c.items) > c.maxEntries; {
		prev := el.Prev()
		it := el.Value.(*item)
		if !it.entry.busy() {
			c.order.Remove(el)
			delete(c.items, it.id)
			c.evictions++
			logging.CacheDebug("Evicted %s", it.id)
		}
		el = prev
	}
}

func copyEntry(e Entry) Entry {
	out := e
	if e.Messages != nil {
		out.Messages = types.CloneMessages(e.Messages)
	}
	return out
}
