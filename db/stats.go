package db

import (
	"context"
	"fmt"
)

// DBStats represents database statistics
type DBStats struct {
	ConversationCount int64  `json:"conversationCount"`
	MessageCount      int64  `json:"messageCount"`
	DBSizeBytes       int64  `json:"dbSizeBytes"`
	JournalMode       string `json:"journalMode"`
}

// ModelUsage counts assistant messages produced by one provider/model pair.
type ModelUsage struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	MessageCount int64  `json:"messageCount"`
	LastUsedAt   int64  `json:"lastUsedAt"`
}

// DailyUsage counts messages saved on one UTC day.
type DailyUsage struct {
	Date         string `json:"date"` // Format: "2006-01-02"
	MessageCount int64  `json:"messageCount"`
}

// UsageStats summarizes provider usage recorded in the messages table.
type UsageStats struct {
	Models []*ModelUsage `json:"models"`
	Daily  []*DailyUsage `json:"daily"`
}

// Stats returns database statistics
func (db *DB) Stats(ctx context.Context) (*DBStats, error) {
	conn, err := db.Conn()
	if err != nil {
		return nil, err
	}

	stats := &DBStats{}
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations").Scan(&stats.ConversationCount); err != nil {
		return nil, storageError("count conversations", err)
	}
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&stats.MessageCount); err != nil {
		return nil, storageError("count messages", err)
	}

	// Database size is page_count * page_size
	var pageCount, pageSize int64
	if err := conn.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return nil, storageError("page count", err)
	}
	if err := conn.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, storageError("page size", err)
	}
	stats.DBSizeBytes = pageCount * pageSize

	if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&stats.JournalMode); err != nil {
		return nil, storageError("journal mode", err)
	}

	return stats, nil
}

// Vacuum optimizes the database file
func (db *DB) Vacuum(ctx context.Context) error {
	conn, err := db.Conn()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "VACUUM"); err != nil {
		return storageError("vacuum", fmt.Errorf("failed to vacuum database: %w", err))
	}
	return nil
}

// Usage returns per-model and per-day message counts for messages saved at
// or after sinceMs.
func (s *Store) Usage(ctx context.Context, sinceMs int64) (*UsageStats, error) {
	const op = "usage stats"
	conn, err := s.db.Conn()
	if err != nil {
		return nil, err
	}

	stats := &UsageStats{Models: []*ModelUsage{}, Daily: []*DailyUsage{}}

	rows, err := conn.QueryContext(ctx, `
		SELECT provider, COALESCE(model, ''), COUNT(*), MAX(timestamp)
		FROM messages
		WHERE provider IS NOT NULL AND timestamp >= ?
		GROUP BY provider, model
		ORDER BY COUNT(*) DESC, provider, model
	`, sinceMs)
	if err != nil {
		return nil, storageError(op, err)
	}
	defer rows.Close()

	for rows.Next() {
		var u ModelUsage
		if err := rows.Scan(&u.Provider, &u.Model, &u.MessageCount, &u.LastUsedAt); err != nil {
			return nil, storageError(op, err)
		}
		stats.Models = append(stats.Models, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(op, err)
	}

	daily, err := conn.QueryContext(ctx, `
		SELECT date(timestamp / 1000, 'unixepoch') AS day, COUNT(*)
		FROM messages
		WHERE timestamp >= ?
		GROUP BY day
		ORDER BY day ASC
	`, sinceMs)
	if err != nil {
		return nil, storageError(op, err)
	}
	defer daily.Close()

	for daily.Next() {
		var d DailyUsage
		if err := daily.Scan(&d.Date, &d.MessageCount); err != nil {
			return nil, storageError(op, err)
		}
		stats.Daily = append(stats.Daily, &d)
	}
	if err := daily.Err(); err != nil {
		return nil, storageError(op, err)
	}

	return stats, nil
}
