// Package guard is the pre-flight wallet session check run before any action
// that may trigger a paid data-tool call.
package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"x402chat/internal/logging"
)

// ReturnPathKey is the storage key for the screen to resume after re-auth.
const ReturnPathKey = "guard:return_path"

// SessionProvider is the wallet session collaborator.
type SessionProvider interface {
	// Valid must be a cheap local check.
	Valid() bool
	Reauthenticate(ctx context.Context) error
}

// KV is the persistent storage used for the return path.
type KV interface {
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// ReturnPath records where the user was when an action was deferred.
type ReturnPath struct {
	Screen         string    `json:"screen"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Action         string    `json:"action"`
	At             time.Time `json:"at"`
}

// Location reports the current screen and conversation.
type Location func() (screen, conversationID string)

// Option configures a Guard.
type Option func(*Guard)

// WithLocation sets how the guard discovers the current screen.
func WithLocation(loc Location) Option {
	return func(g *Guard) { g.location = loc }
}

// WithOnReauth registers a callback run after each re-authentication attempt.
func WithOnReauth(fn func(error)) Option {
	return func(g *Guard) { g.onReauth = fn }
}

// WithReauthTimeout bounds each re-authentication attempt.
func WithReauthTimeout(d time.Duration) Option {
	return func(g *Guard) { g.reauthTimeout = d }
}

// Guard defers actions while no valid wallet session exists.
type Guard struct {
	provider      SessionProvider
	kv            KV
	location      Location
	onReauth      func(error)
	reauthTimeout time.Duration

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a guard. Close it to cancel and wait for re-auth attempts.
func New(provider SessionProvider, kv KV, opts ...Option) *Guard {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Guard{
		provider:      provider,
		kv:            kv,
		location:      func() (string, string) { return "chat", "" },
		reauthTimeout: time.Minute,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ensure returns true when a valid session exists, without any network
// access. Otherwise it persists the return path, starts re-authentication in
// the background and returns false; the caller should defer action.
func (g *Guard) Ensure(ctx context.Context, action string) bool {
	if g.provider.Valid() {
		return true
	}

	screen, convID := g.location()
	rp := ReturnPath{Screen: screen, ConversationID: convID, Action: action, At: time.Now()}
	if err := g.saveReturnPath(ctx, rp); err != nil {
		logging.Get(logging.CategoryGuard).Warn("Failed to persist return path: %v", err)
	}

	logging.Guard("Deferring %s: no valid wallet session (return to %s/%s)", action, screen, convID)
	logging.AuditConversation(convID).GuardDefer(action)
	g.startReauth()
	return false
}

// startReauth fires a deduplicated re-authentication in the background.
func (g *Guard) startReauth() {
	if g.ctx.Err() != nil {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		_, err, shared := g.group.Do("reauth", func() (interface{}, error) {
			if g.provider.Valid() {
				return nil, nil
			}
			ctx, cancel := context.WithTimeout(g.ctx, g.reauthTimeout)
			defer cancel()
			start := time.Now()
			err := g.provider.Reauthenticate(ctx)
			logging.Audit().Reauth(time.Since(start), err)
			if g.onReauth != nil {
				g.onReauth(err)
			}
			return nil, err
		})
		if shared {
			return
		}
		if err != nil {
			logging.Get(logging.CategoryGuard).Warn("Re-authentication failed: %v", err)
			return
		}
		logging.Guard("Re-authentication succeeded")
	}()
}

// ReturnPath returns the persisted return path, if any.
func (g *Guard) ReturnPath(ctx context.Context) (ReturnPath, bool) {
	raw, ok, err := g.kv.GetItem(ctx, ReturnPathKey)
	if err != nil || !ok {
		return ReturnPath{}, false
	}
	var rp ReturnPath
	if err := json.Unmarshal([]byte(raw), &rp); err != nil {
		logging.Get(logging.CategoryGuard).Warn("Discarding malformed return path: %v", err)
		_ = g.kv.RemoveItem(ctx, ReturnPathKey)
		return ReturnPath{}, false
	}
	return rp, true
}

// ClearReturnPath forgets the persisted return path.
func (g *Guard) ClearReturnPath(ctx context.Context) error {
	return g.kv.RemoveItem(ctx, ReturnPathKey)
}

// Wait blocks until in-flight re-authentication attempts finish.
func (g *Guard) Wait() {
	g.wg.Wait()
}

// Close cancels in-flight re-authentication and waits for it.
func (g *Guard) Close() {
	g.cancel()
	g.wg.Wait()
}

func (g *Guard) saveReturnPath(ctx context.Context, rp ReturnPath) error {
	data, err := json.Marshal(rp)
	if err != nil {
		return fmt.Errorf("failed to encode return path: %w", err)
	}
	return g.kv.SetItem(ctx, ReturnPathKey, string(data))
}
