// Package app wires the chat core together: storage, identity, cache, history,
// drafts, wallet session, funding guard, transport, event bridge and the
// session manager. CLI commands and the TUI share this wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"

	"x402chat/internal/bridge"
	"x402chat/internal/cache"
	"x402chat/internal/config"
	"x402chat/internal/drafts"
	"x402chat/internal/guard"
	"x402chat/internal/history"
	"x402chat/internal/identity"
	"x402chat/internal/logging"
	"x402chat/internal/session"
	"x402chat/internal/store"
	"x402chat/internal/transport"
	"x402chat/internal/types"
	"x402chat/internal/wallet"
)

// App is a fully wired chat core.
type App struct {
	Config    *config.Config
	Store     *store.LocalStore
	Identity  *identity.Store
	Cache     *cache.Cache
	Syncer    *cache.Syncer
	Loader    *history.Loader
	Drafts    *drafts.Store
	Debouncer *drafts.Debouncer
	Wallet    *wallet.Provider
	Guard     *guard.Guard
	Transport transport.Transport
	Bridge    *bridge.Bridge
	Session   *session.Manager

	watcher *config.Watcher
	screen  atomic.Value // string
}

// Options adjusts Boot. Zero values use the configuration.
type Options struct {
	// ConfigPath enables hot reload of logging settings when set with Watch.
	ConfigPath string
	Watch      bool

	// Transport replaces the configured provider.
	Transport transport.Transport
	// Cache replaces the process-wide cache.
	Cache *cache.Cache
	// HTTPClient is used by the SSE transport and the wallet provider.
	HTTPClient *http.Client
}

// Boot opens storage and starts every component for cfg.
func Boot(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "Boot")
	defer timer.Stop()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{Config: cfg}
	a.screen.Store("chat")

	// 1. Storage
	st, err := store.Open(cfg.Storage.Driver, cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.Store = st

	// 2. Cache
	switch {
	case opts.Cache != nil:
		a.Cache = opts.Cache
	case cfg.Cache.MaxEntries > 0:
		a.Cache = cache.New(cache.WithMaxEntries(cfg.Cache.MaxEntries))
	default:
		a.Cache = cache.Shared()
	}

	// 3. Identity, history, drafts
	a.Identity = identity.New(st)
	a.Identity.Start(ctx)
	a.Loader = history.NewLoader(st, a.Cache)
	a.Drafts = drafts.New(st)
	a.Debouncer = drafts.NewDebouncer(a.Drafts, cfg.GetDraftDebounce())

	// 4. Wallet session and funding guard
	a.Wallet = wallet.NewProvider(st, wallet.Options{
		BaseURL:    cfg.Backend.BaseURL,
		AuthPath:   cfg.Wallet.AuthPath,
		APIKey:     cfg.Backend.APIKey,
		SessionTTL: cfg.GetSessionTTL(),
		HTTPClient: opts.HTTPClient,
	})
	if err := a.Wallet.Load(ctx); err != nil {
		logging.Get(logging.CategoryBoot).Warn("Wallet session not restored: %v", err)
	}
	a.Bridge = bridge.New()
	a.Guard = guard.New(a.Wallet, st,
		guard.WithLocation(func() (string, string) {
			return a.Screen(), a.Identity.Active()
		}),
		guard.WithOnReauth(a.reauthFinished),
	)

	// 5. Transport
	if opts.Transport != nil {
		a.Transport = opts.Transport
	} else {
		tr, err := newTransport(ctx, cfg, a.Wallet, opts.HTTPClient)
		if err != nil {
			a.Guard.Close()
			st.Close()
			return nil, err
		}
		a.Transport = tr
	}

	// 6. Session manager and realtime sync
	a.Session = session.New(session.Deps{
		Identity:  a.Identity,
		Loader:    a.Loader,
		Cache:     a.Cache,
		Transport: a.Transport,
		Bridge:    a.Bridge,
		Persister: st,
		Drafts:    sessionDrafts{store: a.Drafts, debouncer: a.Debouncer},
		Guard:     a.Guard,
	})
	a.Syncer = cache.NewSyncer(a.Cache, st, a.Session.CacheChanged)
	a.Syncer.Start(ctx)
	a.Session.Start(ctx)

	// 7. Config hot reload
	if opts.Watch && opts.ConfigPath != "" {
		w, err := config.NewWatcher(opts.ConfigPath, func(c *config.Config) {
			if err := logging.Reload(c.Logging.Options()); err != nil {
				logging.Get(logging.CategoryConfig).Warn("Failed to reload logging: %v", err)
			}
		})
		if err == nil {
			err = w.Start(ctx)
		}
		if err != nil {
			logging.Get(logging.CategoryConfig).Warn("Config watcher disabled: %v", err)
		} else {
			a.watcher = w
		}
	}

	logging.Boot("Chat core booted (transport=%s, driver=%s)", cfg.Transport.Provider, st.Driver())
	return a, nil
}

func newTransport(ctx context.Context, cfg *config.Config, w *wallet.Provider, client *http.Client) (transport.Transport, error) {
	switch cfg.Transport.Provider {
	case "gemini":
		g, err := transport.NewGeminiClient(ctx, transport.GeminiOptions{
			APIKey:          cfg.Gemini.APIKey,
			Model:           cfg.Gemini.Model,
			SystemPrompt:    cfg.Gemini.SystemPrompt,
			IncludeThoughts: cfg.Gemini.IncludeThoughts,
			StallThreshold:  cfg.GetStallThreshold(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini transport: %w", err)
		}
		return g, nil
	default:
		if client == nil {
			client = &http.Client{Transport: &http.Transport{
				ResponseHeaderTimeout: cfg.GetBackendTimeout(),
			}}
		}
		return transport.NewSSEClient(transport.SSEOptions{
			BaseURL:        cfg.Backend.BaseURL,
			APIKey:         cfg.Backend.APIKey,
			StallThreshold: cfg.GetStallThreshold(),
			SessionToken:   w.Token,
			HTTPClient:     client,
		}), nil
	}
}

// Close stops every component and closes the store.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error

	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.Session.Close()
	a.Syncer.Stop()
	a.Debouncer.Stop(context.Background())
	a.Guard.Close()
	a.Bridge.Close()

	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, err)
		}
		a.Store = nil
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// SetScreen records the screen the user is on, saved in guard return paths.
func (a *App) SetScreen(name string) {
	a.screen.Store(name)
}

// Screen returns the current screen name.
func (a *App) Screen() string {
	s, _ := a.screen.Load().(string)
	return s
}

// NewConversation creates a conversation and makes it active.
func (a *App) NewConversation(ctx context.Context) (types.Conversation, error) {
	c, err := a.Store.CreateConversation(ctx, uuid.NewString())
	if err != nil {
		return types.Conversation{}, err
	}
	if err := a.Identity.SetActive(ctx, c.ID); err != nil {
		logging.Get(logging.CategoryIdentity).Warn("Active conversation not persisted: %v", err)
	}
	return c, nil
}

// EnsureConversation returns the active conversation id, creating one if
// none is active. It waits for the persisted id to be restored first.
func (a *App) EnsureConversation(ctx context.Context) (string, error) {
	select {
	case <-a.Identity.Ready():
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if id := a.Identity.Active(); id != "" {
		return id, nil
	}
	c, err := a.NewConversation(ctx)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

// SwitchTo makes an existing conversation active.
func (a *App) SwitchTo(ctx context.Context, id string) error {
	if _, err := a.Store.GetConversation(ctx, id); err != nil {
		return fmt.Errorf("failed to switch conversation: %w", err)
	}
	if err := a.Identity.SetActive(ctx, id); err != nil {
		logging.Get(logging.CategoryIdentity).Warn("Active conversation not persisted: %v", err)
	}
	return nil
}

// Conversations lists conversations, most recently updated first.
func (a *App) Conversations(ctx context.Context) ([]types.Conversation, error) {
	return a.Store.ListConversations(ctx)
}

// DeleteConversation removes a conversation with its cache entry and draft.
// Deleting the active conversation leaves no conversation active.
func (a *App) DeleteConversation(ctx context.Context, id string) error {
	if a.Identity.Active() == id {
		if err := a.Identity.SetActive(ctx, ""); err != nil {
			logging.Get(logging.CategoryIdentity).Warn("Active conversation not cleared: %v", err)
		}
	}
	if err := a.Store.DeleteConversation(ctx, id); err != nil {
		return err
	}
	a.Cache.Clear(id)
	a.Debouncer.Cancel(id)
	if err := a.Drafts.Clear(ctx, id); err != nil {
		logging.DraftsWarn("Failed to clear draft for deleted conversation %s: %v", id, err)
	}
	logging.Session("Deleted conversation %s", id)
	return nil
}

// SignOut forgets the active conversation, every cached conversation, every
// draft and the wallet session. Stored conversations are kept.
func (a *App) SignOut(ctx context.Context) error {
	var errs []error
	if err := a.Identity.SetActive(ctx, ""); err != nil {
		errs = append(errs, err)
	}
	a.Cache.ClearAll()
	a.Debouncer.CancelAll()
	if err := a.Drafts.ClearAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Wallet.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Guard.ClearReturnPath(ctx); err != nil {
		errs = append(errs, err)
	}
	logging.Session("Signed out")
	return errors.Join(errs...)
}

// =============================================================================
// DRAFTS
// =============================================================================

// UpdateDraft schedules a debounced draft save for the conversation.
func (a *App) UpdateDraft(conversationID, text string) {
	if conversationID == "" {
		return
	}
	a.Debouncer.Update(conversationID, text)
}

// Draft returns the saved draft for the conversation.
func (a *App) Draft(ctx context.Context, conversationID string) (string, bool) {
	return a.Drafts.Get(ctx, conversationID)
}

// reauthFinished tells UI components how re-authentication went.
func (a *App) reauthFinished(err error) {
	sc := bridge.StateChange{ConversationID: a.Identity.Active()}
	if a.Session != nil {
		sc.Phase = string(a.Session.State().Phase)
	}
	if err != nil {
		sc.Err = fmt.Errorf("wallet re-authentication failed: %w", err)
	} else {
		sc.Notice = "Wallet session renewed."
	}
	a.Bridge.PublishState(sc)
}

// sessionDrafts clears a pending debounced save along with the stored draft
// so a keystroke typed before a send cannot resurrect it.
type sessionDrafts struct {
	store     *drafts.Store
	debouncer *drafts.Debouncer
}

func (d sessionDrafts) Save(ctx context.Context, conversationID, text string) error {
	return d.store.Save(ctx, conversationID, text)
}

func (d sessionDrafts) Clear(ctx context.Context, conversationID string) error {
	d.debouncer.Cancel(conversationID)
	return d.store.Clear(ctx, conversationID)
}
