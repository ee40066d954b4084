// Package drafts persists in-progress input per conversation, independent of
// message history.
package drafts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"x402chat/internal/logging"
)

// Prefix namespaces draft keys in the key-value storage.
const Prefix = "draft:"

// KV is the persistent storage used for drafts.
type KV interface {
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
	RemovePrefix(ctx context.Context, prefix string) (int, error)
}

type record struct {
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes drafts. Writes are last-write-wins per conversation.
type Store struct {
	kv  KV
	now func() time.Time
}

// New creates a draft store over kv.
func New(kv KV) *Store {
	return &Store{kv: kv, now: time.Now}
}

func key(conversationID string) string {
	return Prefix + conversationID
}

// Save stores text as the draft for conversationID. Saving empty text clears it.
func (s *Store) Save(ctx context.Context, conversationID, text string) error {
	if text == "" {
		return s.Clear(ctx, conversationID)
	}
	data, err := json.Marshal(record{Text: text, UpdatedAt: s.now()})
	if err != nil {
		return fmt.Errorf("failed to encode draft: %w", err)
	}
	if err := s.kv.SetItem(ctx, key(conversationID), string(data)); err != nil {
		return fmt.Errorf("failed to save draft: %w", err)
	}
	return nil
}

// Get returns the draft for conversationID. ok is false when there is none.
// A malformed entry is removed and reported as absent.
func (s *Store) Get(ctx context.Context, conversationID string) (text string, ok bool) {
	raw, found, err := s.kv.GetItem(ctx, key(conversationID))
	if err != nil {
		logging.DraftsWarn("Failed to read draft for %s: %v", conversationID, err)
		return "", false
	}
	if !found {
		return "", false
	}

	var r record
	if err := json.Unmarshal([]byte(raw), &r); err != nil || r.Text == "" {
		logging.DraftsWarn("Discarding malformed draft for %s: %v", conversationID, err)
		if err := s.kv.RemoveItem(ctx, key(conversationID)); err != nil {
			logging.DraftsWarn("Failed to remove malformed draft for %s: %v", conversationID, err)
		}
		return "", false
	}
	return r.Text, true
}

// Clear removes the draft for conversationID.
func (s *Store) Clear(ctx context.Context, conversationID string) error {
	if err := s.kv.RemoveItem(ctx, key(conversationID)); err != nil {
		return fmt.Errorf("failed to clear draft: %w", err)
	}
	return nil
}

// ClearAll removes every draft.
func (s *Store) ClearAll(ctx context.Context) error {
	n, err := s.kv.RemovePrefix(ctx, Prefix)
	if err != nil {
		return fmt.Errorf("failed to clear drafts: %w", err)
	}
	logging.Get(logging.CategoryDrafts).Info("Cleared %d drafts", n)
	return nil
}
