package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"x402chat/internal/logging"
	"x402chat/internal/types"
)

// =============================================================================
// CONVERSATIONS
// =============================================================================

// CreateConversation records a conversation. Creating an existing id is a no-op.
func (s *LocalStore) CreateConversation(ctx context.Context, id string) (types.Conversation, error) {
	if id == "" {
		return types.Conversation{}, errors.New("conversation id is required")
	}
	now := s.now()

	s.mu.Lock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)",
		id, now.UnixNano(), now.UnixNano(),
	)
	s.mu.Unlock()
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create conversation %s: %v", id, err)
		return types.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	logging.StoreDebug("Created conversation %s", id)
	return s.GetConversation(ctx, id)
}

// GetConversation returns the conversation or ErrNotFound.
func (s *LocalStore) GetConversation(ctx context.Context, id string) (types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c types.Conversation
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?", id,
	).Scan(&c.ID, &c.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Conversation{}, ErrNotFound
	}
	if err != nil {
		return types.Conversation{}, fmt.Errorf("failed to get conversation: %w", err)
	}
	c.CreatedAt = time.Unix(0, created)
	c.UpdatedAt = time.Unix(0, updated)
	return c, nil
}

// ListConversations returns conversations, most recently updated first.
func (s *LocalStore) ListConversations(ctx context.Context) ([]types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []types.Conversation
	for rows.Next() {
		var c types.Conversation
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.Title, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		c.CreatedAt = time.Unix(0, created)
		c.UpdatedAt = time.Unix(0, updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetTitle updates a conversation's display title.
func (s *LocalStore) SetTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, "UPDATE conversations SET title = ? WHERE id = ?", title, id)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to set title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation and all of its messages.
func (s *LocalStore) DeleteConversation(ctx context.Context, id string) error {
	timer := logging.StartTimer(logging.CategoryStore, "DeleteConversation")
	defer timer.Stop()

	s.mu.Lock()
	err := s.deleteConversationLocked(ctx, id)
	s.mu.Unlock()
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to delete conversation %s: %v", id, err)
		return err
	}

	logging.Store("Deleted conversation %s", id)
	s.publish(Change{Op: OpConversationDeleted, ConversationID: id})
	return nil
}

func (s *LocalStore) deleteConversationLocked(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// touchConversationLocked bumps updated_at, creating the row if needed.
// Caller holds s.mu.
func (s *LocalStore) touchConversationLocked(ctx context.Context, id string) {
	now := s.now().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		id, now, now,
	)
	if err != nil {
		logging.StoreDebug("Failed to touch conversation %s: %v", id, err)
	}
}
