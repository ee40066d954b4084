// Package history loads a conversation's ordered message list, preferring the
// shared message cache over a durable store read.
package history

import (
	"context"
	"fmt"
	"time"

	"x402chat/internal/cache"
	"x402chat/internal/logging"
	"x402chat/internal/types"
)

// Source is the durable message store read path. Messages must be returned
// ordered by creation time ascending.
type Source interface {
	Messages(ctx context.Context, conversationID string) ([]types.Message, error)
}

// Result is the outcome of a load. Err is a soft failure: Messages is then an
// empty list and the caller should carry on with an empty conversation.
type Result struct {
	ConversationID string
	Messages       []types.Message
	FromCache      bool
	Err            error
}

// SlowLoad is the store read duration above which a load is logged as a
// warning.
const SlowLoad = 500 * time.Millisecond

// Loader reads history through the cache. Concurrent loads of the same id are
// not deduplicated.
type Loader struct {
	source Source
	cache  *cache.Cache
}

// NewLoader creates a loader over source and c.
func NewLoader(source Source, c *cache.Cache) *Loader {
	return &Loader{source: source, cache: c}
}

// Load returns the messages for conversationID. On a cache hit no store access
// happens. On a miss the store is read and the cache is populated, but only if
// valid (when non-nil) still reports true once the read has finished.
func (l *Loader) Load(ctx context.Context, conversationID string, valid func() bool) Result {
	res := Result{ConversationID: conversationID}

	if e, ok := l.cache.Get(conversationID); ok && e.Messages != nil {
		logging.HistoryDebug("Cache hit for %s (%d messages)", conversationID, len(e.Messages))
		res.Messages = e.Messages
		res.FromCache = true
		return res
	}

	timer := logging.StartTimer(logging.CategoryHistory, "Load "+conversationID)
	defer timer.StopWithThreshold(SlowLoad)

	l.cache.Set(conversationID, cache.LoadingPatch(true))
	msgs, err := l.read(ctx, conversationID)
	l.cache.Set(conversationID, cache.LoadingPatch(false))

	if err != nil {
		logging.Get(logging.CategoryHistory).Warn("History load failed for %s: %v", conversationID, err)
		res.Messages = []types.Message{}
		res.Err = err
		return res
	}

	if valid == nil || valid() {
		l.cache.Set(conversationID, cache.MessagesPatch(msgs))
	} else {
		logging.HistoryDebug("Skipping cache population for %s, no longer relevant", conversationID)
	}

	logging.History("Loaded %d messages for %s from store", len(msgs), conversationID)
	res.Messages = msgs
	return res
}

func (l *Loader) read(ctx context.Context, conversationID string) (msgs []types.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("history source panicked: %v", r)
		}
	}()
	msgs, err = l.source.Messages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	return msgs, nil
}
