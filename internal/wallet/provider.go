// Package wallet tracks the wallet/payment session used to authorize paid
// data-tool calls and renews it against the chat backend.
package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"x402chat/internal/logging"
)

// SessionKey is the storage key holding the persisted session.
const SessionKey = "wallet:session"

// KV is the persistent storage used for the session.
type KV interface {
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// Session is a wallet session issued by the backend.
type Session struct {
	Token     string    `json:"token"`
	Address   string    `json:"address,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Options configures a Provider.
type Options struct {
	BaseURL    string
	AuthPath   string
	APIKey     string
	SessionTTL time.Duration // used when the backend omits expires_at
	HTTPClient *http.Client
}

// Provider holds the current session in memory. Valid never touches the
// network.
type Provider struct {
	kv     KV
	opts   Options
	client *http.Client
	now    func() time.Time

	mu      sync.RWMutex
	session *Session
}

// NewProvider creates a provider. Call Load to restore a persisted session.
func NewProvider(kv KV, opts Options) *Provider {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = time.Hour
	}
	return &Provider{kv: kv, opts: opts, client: client, now: time.Now}
}

// Load restores the persisted session, if any. A malformed entry is dropped.
func (p *Provider) Load(ctx context.Context) error {
	raw, ok, err := p.kv.GetItem(ctx, SessionKey)
	if err != nil {
		return fmt.Errorf("failed to read wallet session: %w", err)
	}
	if !ok {
		return nil
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		logging.Get(logging.CategoryWallet).Warn("Discarding malformed wallet session: %v", err)
		return p.kv.RemoveItem(ctx, SessionKey)
	}

	p.mu.Lock()
	p.session = &s
	p.mu.Unlock()
	logging.Wallet("Restored wallet session (expires %s)", s.ExpiresAt.Format(time.RFC3339))
	return nil
}

// Valid reports whether a session is present and not expired.
func (p *Provider) Valid() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session != nil && p.session.Token != "" && p.now().Before(p.session.ExpiresAt)
}

// Token returns the current session token, or "" when there is none.
func (p *Provider) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.session == nil {
		return ""
	}
	return p.session.Token
}

// Session returns a copy of the current session.
func (p *Provider) Session() (Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.session == nil {
		return Session{}, false
	}
	return *p.session, true
}

// Reauthenticate requests a fresh session from the backend and persists it.
func (p *Provider) Reauthenticate(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryWallet, "Reauthenticate")
	defer timer.Stop()

	url := strings.TrimRight(p.opts.BaseURL, "/") + p.opts.AuthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader("{}"))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.opts.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		logging.Get(logging.CategoryWallet).Error("Wallet session request failed: %v", err)
		return fmt.Errorf("wallet session request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("wallet session request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return fmt.Errorf("failed to decode wallet session: %w", err)
	}
	if s.Token == "" {
		return fmt.Errorf("wallet session response missing token")
	}
	if s.ExpiresAt.IsZero() {
		s.ExpiresAt = p.now().Add(p.opts.SessionTTL)
	}

	p.mu.Lock()
	p.session = &s
	p.mu.Unlock()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode wallet session: %w", err)
	}
	if err := p.kv.SetItem(ctx, SessionKey, string(data)); err != nil {
		return fmt.Errorf("failed to persist wallet session: %w", err)
	}
	logging.Wallet("Wallet session renewed (expires %s)", s.ExpiresAt.Format(time.RFC3339))
	return nil
}

// Clear forgets the session in memory and in storage.
func (p *Provider) Clear(ctx context.Context) error {
	p.mu.Lock()
	p.session = nil
	p.mu.Unlock()
	if err := p.kv.RemoveItem(ctx, SessionKey); err != nil {
		return fmt.Errorf("failed to clear wallet session: %w", err)
	}
	return nil
}
