package cache

import (
	"context"
	"sort"
	"sync"

	"x402chat/internal/logging"
	"x402chat/internal/store"
	"x402chat/internal/types"
)

// Notifier is a source of committed store changes.
type Notifier interface {
	Subscribe(buffer int) (<-chan store.Change, func())
}

// Syncer folds store change notifications into cache entries. Changes are
// merged by message id and only into conversations that are already cached;
// the cache is never populated from notifications alone.
type Syncer struct {
	cache    *Cache
	notifier Notifier
	onChange func(conversationID string)

	mu      sync.Mutex
	unsub   func()
	wg      sync.WaitGroup
	applied int
}

// NewSyncer creates a syncer. onChange, if set, is called after a change has
// been merged into the cache for a conversation.
func NewSyncer(c *Cache, n Notifier, onChange func(conversationID string)) *Syncer {
	return &Syncer{cache: c, notifier: n, onChange: onChange}
}

// Start subscribes and pumps changes until ctx is done or Stop is called.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil {
		return
	}

	ch, unsub := s.notifier.Subscribe(256)
	s.unsub = unsub
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-ch:
				if !ok {
					return
				}
				s.Apply(c)
			}
		}
	}()
}

// Stop unsubscribes and waits for the pump to exit.
func (s *Syncer) Stop() {
	s.mu.Lock()
	unsub := s.unsub
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	s.wg.Wait()
}

// Applied returns how many changes were merged into the cache.
func (s *Syncer) Applied() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// Apply merges a single change. It reports whether the cache changed.
func (s *Syncer) Apply(c store.Change) bool {
	var changed bool
	switch c.Op {
	case store.OpInsert, store.OpUpdate:
		changed = s.cache.update(c.ConversationID, func(msgs []types.Message) ([]types.Message, bool) {
			return mergeMessage(msgs, c.Message)
		})
	case store.OpDelete:
		changed = s.cache.update(c.ConversationID, func(msgs []types.Message) ([]types.Message, bool) {
			return removeMessage(msgs, c.Message.ID)
		})
	case store.OpConversationDeleted:
		if _, ok := s.cache.Get(c.ConversationID); ok {
			s.cache.Clear(c.ConversationID)
			changed = true
		}
	}
	if !changed {
		return false
	}

	s.mu.Lock()
	s.applied++
	s.mu.Unlock()
	logging.CacheDebug("Synced %s for %s", c.Op, c.ConversationID)
	if s.onChange != nil {
		s.onChange(c.ConversationID)
	}
	return true
}

// mergeMessage replaces the message with the same id or inserts it in
// creation-time order.
func mergeMessage(msgs []types.Message, m types.Message) ([]types.Message, bool) {
	if msgs == nil {
		// Entry exists only for live status; history was never loaded.
		return nil, false
	}
	for i := range msgs {
		if msgs[i].ID == m.ID {
			out := types.CloneMessages(msgs)
			out[i] = m.Clone()
			return out, true
		}
	}
	out := append(types.CloneMessages(msgs), m.Clone())
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, true
}

func removeMessage(msgs []types.Message, id string) ([]types.Message, bool) {
	for i := range msgs {
		if msgs[i].ID == id {
			out := make([]types.Message, 0, len(msgs)-1)
			out = append(out, msgs[:i]...)
			out = append(out, msgs[i+1:]...)
			return out, true
		}
	}
	return msgs, false
}
