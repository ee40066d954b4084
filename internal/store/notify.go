package store

import (
	"x402chat/internal/logging"
	"x402chat/internal/types"
)

// Op is the kind of a store change notification.
type Op string

const (
	OpInsert              Op = "insert"
	OpUpdate              Op = "update"
	OpDelete              Op = "delete"
	OpConversationDeleted Op = "conversation_deleted"
)

// Change describes one committed write. Message is the zero value for
// OpConversationDeleted; for OpDelete only Message.ID is set.
type Change struct {
	Op             Op
	ConversationID string
	Message        types.Message
}

// Subscribe registers a change listener with the given channel buffer.
// Notifications are dropped (and logged) when a subscriber's buffer is full.
// The returned func unsubscribes and closes the channel.
func (s *LocalStore) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

// Dropped returns how many notifications were dropped for slow subscribers.
func (s *LocalStore) Dropped() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return s.dropped
}

func (s *LocalStore) publish(c Change) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- c:
		default:
			s.dropped++
			logging.StoreWarn("Subscriber %d full, dropped %s notification for %s", id, c.Op, c.ConversationID)
		}
	}
}
