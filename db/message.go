package db

import (
	"context"
	"database/sql"
	"errors"
)

const messageColumns = "id, conversation_id, role, content, timestamp, provider, model"

// SaveMessage appends a message to a conversation and bumps the
// conversation's update time in the same transaction.
func (s *Store) SaveMessage(ctx context.Context, m NewMessage) (*Message, error) {
	const op = "save message"
	if !ValidRole(m.Role) {
		return nil, newError(KindInvalidRole, op)
	}
	if m.Content == "" {
		return nil, newError(KindEmptyContent, op)
	}

	now := s.nowMs()
	var msg *Message
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		// The bump runs first so a missing conversation is reported before
		// anything is inserted.
		res, err := tx.ExecContext(ctx,
			"UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?",
			now, m.ConversationID,
		)
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

		res, err = tx.ExecContext(ctx,
			"INSERT INTO messages (conversation_id, role, content, timestamp, provider, model) VALUES (?, ?, ?, ?, ?, ?)",
			m.ConversationID, m.Role, m.Content, now, nullString(m.Provider), nullString(m.Model),
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		msg = &Message{
			ID:             id,
			ConversationID: m.ConversationID,
			Role:           m.Role,
			Content:        m.Content,
			Timestamp:      now,
			Provider:       m.Provider,
			Model:          m.Model,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetMessage retrieves a message by ID
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	const op = "get message"
	conn, err := s.db.Conn()
	if err != nil {
		return nil, err
	}

	msg, err := scanMessage(conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(KindNotFound, op)
	}
	if err != nil {
		return nil, storageError(op, err)
	}
	return msg, nil
}

// GetMessages retrieves up to limit messages of a conversation in timestamp order
func (s *Store) GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	conn, err := s.db.Conn()
	if err != nil {
		return nil, err
	}

	limit, _ = normalizePage(limit, 0, DefaultMessageLimit)
	messages, err := selectMessages(ctx, conn, conversationID, limit)
	if err != nil {
		return nil, storageError("get messages", err)
	}
	return messages, nil
}

// DeleteMessage deletes a message
func (s *Store) DeleteMessage(ctx context.Context, id int64) error {
	const op = "delete message"
	conn, err := s.db.Conn()
	if err != nil {
		return err
	}

	res, err := conn.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
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

// selectMessages lists messages of a conversation ordered by timestamp, then
// insertion order. A negative limit means no limit.
func selectMessages(ctx context.Context, q querier, conversationID string, limit int) ([]*Message, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = ? ORDER BY timestamp ASC, id ASC LIMIT ?",
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var (
		msg             Message
		provider, model sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Timestamp, &provider, &model); err != nil {
		return nil, err
	}
	msg.Provider = provider.String
	msg.Model = model.String
	return &msg, nil
}
