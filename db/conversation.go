package db

import (
	"context"
	"database/sql"
	"errors"
)

// CreateConversation creates a new conversation
func (s *Store) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	const op = "create conversation"
	conn, err := s.db.Conn()
	if err != nil {
		return nil, err
	}

	now := s.nowMs()
	conv := &Conversation{
		ID:        s.newID(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := insertConversation(ctx, conn, conv); err != nil {
		return nil, storageError(op, err)
	}
	return conv, nil
}

// GetConversation retrieves a conversation and its messages. It returns
// nil, nil when the conversation does not exist.
func (s *Store) GetConversation(ctx context.Context, id string) (*ConversationWithMessages, error) {
	var result *ConversationWithMessages

	// Both reads share a transaction so the messages match the row.
	err := s.withTx(ctx, "get conversation", func(tx *sql.Tx) error {
		conv, err := selectConversation(ctx, tx, id)
		if err != nil || conv == nil {
			return err
		}
		messages, err := selectMessages(ctx, tx, id, -1)
		if err != nil {
			return err
		}
		result = &ConversationWithMessages{Conversation: *conv, Messages: messages}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListConversations retrieves conversations ordered by update time, newest first
func (s *Store) ListConversations(ctx context.Context, limit, offset int) ([]*Conversation, error) {
	const op = "list conversations"
	conn, err := s.db.Conn()
	if err != nil {
		return nil, err
	}

	limit, offset = normalizePage(limit, offset, DefaultConversationLimit)
	rows, err := conn.QueryContext(ctx,
		"SELECT id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC, created_at DESC, id LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, storageError(op, err)
	}
	defer rows.Close()

	conversations := []*Conversation{}
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, storageError(op, err)
		}
		conversations = append(conversations, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(op, err)
	}

	return conversations, nil
}

// UpdateConversationTitle renames a conversation and bumps its update time
func (s *Store) UpdateConversationTitle(ctx context.Context, id, title string) error {
	const op = "update conversation title"
	conn, err := s.db.Conn()
	if err != nil {
		return err
	}

	res, err := conn.ExecContext(ctx,
		"UPDATE conversations SET title = ?, updated_at = MAX(updated_at, ?) WHERE id = ?",
		title, s.nowMs(), id,
	)
	if err != nil {
		return storageError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageError(op, err)
	}
	if n == 0 {
		return newError(KindNotFound, op)
	}
	return nil
}

// DeleteConversation deletes a conversation and all its messages
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	const op = "delete conversation"
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		return deleteConversation(ctx, tx, op, id)
	})
}

// GetConversationCount returns the total number of conversations
func (s *Store) GetConversationCount(ctx context.Context) (int64, error) {
	conn, err := s.db.Conn()
	if err != nil {
		return 0, err
	}

	var count int64
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations").Scan(&count); err != nil {
		return 0, storageError("count conversations", err)
	}
	return count, nil
}

// DeleteOldConversations deletes conversations last updated before cutoffMs.
// Each conversation is removed together with its messages in its own
// transaction; the return value is the number of conversations removed.
func (s *Store) DeleteOldConversations(ctx context.Context, cutoffMs int64) (int64, error) {
	const op = "delete old conversations"
	conn, err := s.db.Conn()
	if err != nil {
		return 0, err
	}

	rows, err := conn.QueryContext(ctx, "SELECT id FROM conversations WHERE updated_at < ?", cutoffMs)
	if err != nil {
		return 0, storageError(op, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, storageError(op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, storageError(op, err)
	}
	rows.Close()

	var deleted int64
	for _, id := range ids {
		err := s.withTx(ctx, op, func(tx *sql.Tx) error {
			return deleteConversation(ctx, tx, op, id)
		})
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, ErrNotFound):
			// removed concurrently
		default:
			return deleted, err
		}
	}

	return deleted, nil
}

func insertConversation(ctx context.Context, q querier, conv *Conversation) error {
	_, err := q.ExecContext(ctx,
		"INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)",
		conv.ID, conv.Title, conv.CreatedAt, conv.UpdatedAt,
	)
	return err
}

func selectConversation(ctx context.Context, q querier, id string) (*Conversation, error) {
	var conv Conversation
	err := q.QueryRowContext(ctx,
		"SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?",
		id,
	).Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// deleteConversation removes the messages, then the row. It reports
// KindNotFound when the row was already gone.
func deleteConversation(ctx context.Context, tx *sql.Tx, op, id string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return newError(KindNotFound, op)
	}
	return nil
}
