// Package identity tracks which conversation is active for this client and
// mirrors it to persistent key-value storage.
package identity

import (
	"context"
	"fmt"
	"sync"

	"x402chat/internal/logging"
)

// Key is the storage key holding the active conversation id.
const Key = "active_conversation_id"

// KV is the subset of persistent storage the store needs.
type KV interface {
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

type listener struct {
	id int
	fn func(prev, next string)
}

// Store owns the active conversation id. The empty string means no
// conversation is active.
type Store struct {
	kv KV

	mu        sync.Mutex
	active    string
	assigned  bool
	listeners []listener
	nextID    int

	startOnce sync.Once
	ready     chan struct{}
}

// New creates a store backed by kv. Call Start to restore the persisted id.
func New(kv KV) *Store {
	return &Store{
		kv:    kv,
		ready: make(chan struct{}),
	}
}

// Start restores the persisted id in the background. The restored value is
// adopted only if nothing has called SetActive in the meantime.
func (s *Store) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.restore(ctx)
	})
}

func (s *Store) restore(ctx context.Context) {
	defer close(s.ready)

	v, ok, err := s.kv.GetItem(ctx, Key)
	if err != nil {
		logging.Get(logging.CategoryIdentity).Warn("Failed to restore active conversation: %v", err)
		return
	}
	if !ok || v == "" {
		logging.IdentityDebug("No persisted active conversation")
		return
	}

	s.mu.Lock()
	if s.assigned {
		s.mu.Unlock()
		logging.IdentityDebug("Persisted id %s ignored, active id already set", v)
		return
	}
	s.assigned = true
	prev := s.active
	s.active = v
	fns := s.snapshotLocked()
	s.mu.Unlock()

	logging.IdentityDebug("Restored active conversation %s", v)
	notify(fns, prev, v)
}

// Ready is closed once the restore attempt started by Start has finished.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// Active returns the active conversation id, or "" when none is active.
func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetActive makes id the active conversation and mirrors it to storage.
// An empty id clears the active conversation and its stored value.
func (s *Store) SetActive(ctx context.Context, id string) error {
	s.mu.Lock()
	s.assigned = true
	prev := s.active
	s.active = id
	fns := s.snapshotLocked()
	s.mu.Unlock()

	var err error
	if id == "" {
		err = s.kv.RemoveItem(ctx, Key)
	} else {
		err = s.kv.SetItem(ctx, Key, id)
	}
	if err != nil {
		logging.Get(logging.CategoryIdentity).Warn("Failed to persist active conversation %q: %v", id, err)
		err = fmt.Errorf("failed to persist active conversation: %w", err)
	}

	if prev != id {
		logging.IdentityDebug("Active conversation %q -> %q", prev, id)
		notify(fns, prev, id)
	}
	return err
}

// OnChange registers fn to run after every change of the active id.
// Listeners run in registration order on the goroutine that made the change.
func (s *Store) OnChange(fn func(prev, next string)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, listener{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) snapshotLocked() []func(prev, next string) {
	fns := make([]func(prev, next string), len(s.listeners))
	for i, l := range s.listeners {
		fns[i] = l.fn
	}
	return fns
}

func notify(fns []func(prev, next string), prev, next string) {
	for _, fn := range fns {
		fn(prev, next)
	}
}
