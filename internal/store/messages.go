package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"x402chat/internal/logging"
	"x402chat/internal/types"
)

// =============================================================================
// MESSAGES
// =============================================================================

// InsertMessage stores a new message. Duplicate ids are silently ignored so
// retried writes stay idempotent.
func (s *LocalStore) InsertMessage(ctx context.Context, msg types.Message) error {
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("failed to encode parts: %w", err)
	}

	s.mu.Lock()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, conversation_id, role, parts_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), string(parts), msg.CreatedAt.UnixNano(),
	)
	if err == nil {
		s.touchConversationLocked(ctx, msg.ConversationID)
	}
	s.mu.Unlock()
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to insert message %s: %v", msg.ID, err)
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		logging.StoreDebug("Inserted message %s into %s", msg.ID, msg.ConversationID)
		s.publish(Change{Op: OpInsert, ConversationID: msg.ConversationID, Message: msg.Clone()})
	}
	return nil
}

// UpsertMessage inserts the message or replaces the parts of an existing one.
func (s *LocalStore) UpsertMessage(ctx context.Context, msg types.Message) error {
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("failed to encode parts: %w", err)
	}

	s.mu.Lock()
	op, err := s.upsertLocked(ctx, msg, string(parts))
	s.mu.Unlock()
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to upsert message %s: %v", msg.ID, err)
		return err
	}

	logging.StoreDebug("Upserted message %s (%s)", msg.ID, op)
	s.publish(Change{Op: op, ConversationID: msg.ConversationID, Message: msg.Clone()})
	return nil
}

func (s *LocalStore) upsertLocked(ctx context.Context, msg types.Message, parts string) (Op, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE id = ?", msg.ID).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("failed to check message: %w", err)
	}

	op := OpInsert
	if exists > 0 {
		op = OpUpdate
		_, err = tx.ExecContext(ctx, "UPDATE messages SET parts_json = ? WHERE id = ?", parts, msg.ID)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, role, parts_json, created_at) VALUES (?, ?, ?, ?, ?)`,
			msg.ID, msg.ConversationID, string(msg.Role), parts, msg.CreatedAt.UnixNano(),
		)
	}
	if err != nil {
		return "", fmt.Errorf("failed to write message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", s.now().UnixNano(), msg.ConversationID); err != nil {
		return "", fmt.Errorf("failed to touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return op, nil
}

// DeleteMessage removes a message from a conversation.
func (s *LocalStore) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ? AND conversation_id = ?", messageID, conversationID)
	s.mu.Unlock()
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to delete message %s: %v", messageID, err)
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	s.publish(Change{Op: OpDelete, ConversationID: conversationID, Message: types.Message{ID: messageID, ConversationID: conversationID}})
	return nil
}

// Messages returns a conversation's messages ordered by creation time ascending.
// Rows that fail to decode are skipped and logged.
func (s *LocalStore) Messages(ctx context.Context, conversationID string) ([]types.Message, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Messages")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, parts_json, created_at
		 FROM messages
		 WHERE conversation_id = ?
		 ORDER BY created_at ASC, seq ASC`,
		conversationID,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to query messages for %s: %v", conversationID, err)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	msgs := []types.Message{}
	for rows.Next() {
		var r messageRow
		if err := rows.Scan(&r.id, &r.conversationID, &r.role, &r.partsJSON, &r.createdAt); err != nil {
			logging.StoreWarn("Skipping unreadable message row in %s: %v", conversationID, err)
			continue
		}
		msg, err := r.toMessage()
		if err != nil {
			logging.StoreWarn("Skipping malformed message %s: %v", r.id, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	logging.StoreDebug("Loaded %d messages for %s", len(msgs), conversationID)
	return msgs, nil
}

// GetMessage returns a single message by id.
func (s *LocalStore) GetMessage(ctx context.Context, messageID string) (types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r messageRow
	err := s.db.QueryRowContext(ctx,
		"SELECT id, conversation_id, role, parts_json, created_at FROM messages WHERE id = ?",
		messageID,
	).Scan(&r.id, &r.conversationID, &r.role, &r.partsJSON, &r.createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Message{}, ErrNotFound
	}
	if err != nil {
		return types.Message{}, fmt.Errorf("failed to get message: %w", err)
	}
	return r.toMessage()
}

// messageRow is the persisted shape of a message.
type messageRow struct {
	id             string
	conversationID string
	role           string
	partsJSON      string
	createdAt      int64
}

func (r messageRow) toMessage() (types.Message, error) {
	role := types.Role(r.role)
	if !role.Valid() {
		return types.Message{}, fmt.Errorf("unknown role %q", r.role)
	}
	var parts []types.Part
	if err := json.Unmarshal([]byte(r.partsJSON), &parts); err != nil {
		return types.Message{}, fmt.Errorf("bad parts: %w", err)
	}
	return types.Message{
		ID:             r.id,
		ConversationID: r.conversationID,
		Role:           role,
		Parts:          parts,
		CreatedAt:      time.Unix(0, r.createdAt),
	}, nil
}
