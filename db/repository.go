package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Repository is the set of conversation and message operations the rest of
// the application depends on. *Store is the SQLite implementation.
type Repository interface {
	CreateConversation(ctx context.Context, title string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*ConversationWithMessages, error)
	ListConversations(ctx context.Context, limit, offset int) ([]*Conversation, error)
	UpdateConversationTitle(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error
	GetConversationCount(ctx context.Context) (int64, error)
	DeleteOldConversations(ctx context.Context, cutoffMs int64) (int64, error)
	BranchConversation(ctx context.Context, sourceID string, upToMs int64, newTitle string) (*ConversationWithMessages, error)

	SaveMessage(ctx context.Context, m NewMessage) (*Message, error)
	GetMessage(ctx context.Context, id int64) (*Message, error)
	GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	DeleteMessage(ctx context.Context, id int64) error

	SearchMessages(ctx context.Context, query string, limit int) ([]*SearchResult, error)
	Usage(ctx context.Context, sinceMs int64) (*UsageStats, error)
}

var _ Repository = (*Store)(nil)

const (
	DefaultConversationLimit = 50
	DefaultMessageLimit      = 1000
)

// Store implements Repository on top of a DB connection manager.
type Store struct {
	db    *DB
	now   func() time.Time
	newID func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the time source used for created/updated/message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a Store that issues every operation against db.
func NewStore(db *DB, opts ...Option) *Store {
	s := &Store{
		db:    db,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) nowMs() int64 {
	return s.now().UnixMilli()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a transaction. Any error from fn rolls the
// transaction back; typed errors from fn are returned unchanged.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	conn, err := s.db.Conn()
	if err != nil {
		return err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return storageError(op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return storageError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storageError(op, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func normalizePage(limit, offset, defaultLimit int) (int, int) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
