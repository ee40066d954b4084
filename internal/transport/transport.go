// Package transport opens streaming model turns. A Stream yields typed events
// until io.EOF signals completion.
package transport

import (
	"context"
	"errors"
	"time"

	"x402chat/internal/logging"
	"x402chat/internal/types"
)

var (
	// ErrRequestFailed means the turn was rejected before streaming began.
	ErrRequestFailed = errors.New("chat request failed")
	// ErrStreamError means the stream failed after it was accepted.
	ErrStreamError = errors.New("stream error")
	// ErrAborted is returned by Recv after Abort.
	ErrAborted = errors.New("stream aborted")
)

// Request is one turn: the conversation it belongs to and its full message
// history, ending with the user message being answered.
type Request struct {
	ConversationID string
	Messages       []types.Message
}

// Transport opens streams. A nil error from Open means the send was accepted.
type Transport interface {
	Open(ctx context.Context, req Request) (Stream, error)
}

// Stream is an incrementally consumed model turn. Recv returns io.EOF on
// normal completion. Abort may be called from any goroutine, any number of
// times.
type Stream interface {
	Recv() (types.StreamEvent, error)
	Abort()
}

// stallObserver logs inter-chunk gaps above a threshold. It never aborts.
type stallObserver struct {
	threshold time.Duration
	last      time.Time
	now       func() time.Time
	stalls    int
	maxGap    time.Duration
}

func newStallObserver(threshold time.Duration) *stallObserver {
	now := time.Now
	return &stallObserver{threshold: threshold, last: now(), now: now}
}

// observe records a chunk arrival and returns the gap since the previous one.
func (s *stallObserver) observe(conversationID string) time.Duration {
	t := s.now()
	gap := t.Sub(s.last)
	s.last = t
	if gap > s.maxGap {
		s.maxGap = gap
	}
	if s.threshold > 0 && gap > s.threshold {
		s.stalls++
		logging.Get(logging.CategoryTransport).Warn("Stream for %s stalled %s (threshold %s)", conversationID, gap, s.threshold)
	}
	return gap
}
