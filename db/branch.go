package db

import (
	"context"
	"database/sql"
	"strings"
)

// BranchConversation copies the messages of sourceID with a timestamp at or
// before upToMs into a new conversation titled newTitle.
//
// The copies get fresh ids and fresh timestamps that keep the original
// distances between messages. They are shifted so the last copy lands on the
// current time, which keeps every copy at or before anything saved into the
// branch afterwards. The source conversation is not modified. All
// validation happens before the first write, and the new conversation and
// its messages are committed in a single transaction.
func (s *Store) BranchConversation(ctx context.Context, sourceID string, upToMs int64, newTitle string) (*ConversationWithMessages, error) {
	const op = "branch conversation"
	if upToMs <= 0 {
		return nil, newError(KindInvalidTimestamp, op)
	}
	if strings.TrimSpace(newTitle) == "" {
		return nil, newError(KindInvalidTitle, op)
	}

	var result *ConversationWithMessages
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		source, err := selectConversation(ctx, tx, sourceID)
		if err != nil {
			return err
		}
		if source == nil {
			return newError(KindNotFound, op)
		}

		selected, err := selectMessagesUpTo(ctx, tx, sourceID, upToMs)
		if err != nil {
			return err
		}
		if len(selected) == 0 {
			return newError(KindNoMessagesFound, op)
		}

		now := s.nowMs()
		branch := &Conversation{
			ID:        s.newID(),
			Title:     newTitle,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := insertConversation(ctx, tx, branch); err != nil {
			return err
		}

		span := selected[len(selected)-1].Timestamp - selected[0].Timestamp
		copies, err := copyMessages(ctx, tx, branch.ID, selected, now-span)
		if err != nil {
			return err
		}

		branch.UpdatedAt = copies[len(copies)-1].Timestamp
		if _, err := tx.ExecContext(ctx,
			"UPDATE conversations SET updated_at = ? WHERE id = ?",
			branch.UpdatedAt, branch.ID,
		); err != nil {
			return err
		}

		result = &ConversationWithMessages{Conversation: *branch, Messages: copies}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func selectMessagesUpTo(ctx context.Context, q querier, conversationID string, upToMs int64) ([]*Message, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = ? AND timestamp <= ? ORDER BY timestamp ASC, id ASC",
		conversationID, upToMs,
	)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// copyMessages inserts copies of src into conversationID. src must be in
// timestamp order; the copies are rebased so the first one lands on base.
func copyMessages(ctx context.Context, tx *sql.Tx, conversationID string, src []*Message, base int64) ([]*Message, error) {
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO messages (conversation_id, role, content, timestamp, provider, model) VALUES (?, ?, ?, ?, ?, ?)",
	)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	offset := base - src[0].Timestamp
	copies := make([]*Message, 0, len(src))
	for _, m := range src {
		ts := m.Timestamp + offset
		res, err := stmt.ExecContext(ctx, conversationID, m.Role, m.Content, ts, nullString(m.Provider), nullString(m.Model))
		if err != nil {
			return nil, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		copies = append(copies, &Message{
			ID:             id,
			ConversationID: conversationID,
			Role:           m.Role,
			Content:        m.Content,
			Timestamp:      ts,
			Provider:       m.Provider,
			Model:          m.Model,
		})
	}
	return copies, nil
}
