package db

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable time source for Store.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = time.UnixMilli(ms)
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	database := New(filepath.Join(t.TempDir(), "data", "chat.db"))
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return NewStore(newTestDB(t), opts...)
}

func TestConnIsLazy(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "dir")
	path := filepath.Join(dir, "chat.db")
	database := New(path)
	defer database.Close()

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "directory should not exist before first Conn")

	_, err = database.Conn()
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file should be created on first Conn")
}

func TestConnReturnsSameHandle(t *testing.T) {
	database := newTestDB(t)

	first, err := database.Conn()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := database.Conn()
		require.NoError(t, err)
		assert.Same(t, first, again)
	}

	mode, err := database.JournalMode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wal", mode)
}

func TestCloseThenConnOpensFreshHandle(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	store := NewStore(database)

	first, err := database.Conn()
	require.NoError(t, err)
	conv, err := store.CreateConversation(ctx, "persisted")
	require.NoError(t, err)

	require.NoError(t, database.Close())
	require.NoError(t, database.Close(), "closing twice is a no-op")

	second, err := database.Conn()
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "persisted", got.Title)
}

func TestSchemaInitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chat.db")

	first, err := Open(path)
	require.NoError(t, err)
	conv, err := NewStore(first).CreateConversation(ctx, "kept")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()

	got, err := NewStore(second).GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got, "reopening must not recreate tables")

	mode, err := second.JournalMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wal", mode)

	conn, err := second.Conn()
	require.NoError(t, err)
	var indexes int
	require.NoError(t, conn.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name IN ('idx_conversations_updated_at', 'idx_messages_conversation_timestamp')",
	).Scan(&indexes))
	assert.Equal(t, 2, indexes)
}

func TestForeignKeysEnabled(t *testing.T) {
	database := newTestDB(t)
	conn, err := database.Conn()
	require.NoError(t, err)

	var enabled int
	require.NoError(t, conn.QueryRow("PRAGMA foreign_keys").Scan(&enabled))
	assert.Equal(t, 1, enabled)

	_, err = conn.Exec(
		"INSERT INTO messages (conversation_id, role, content, timestamp) VALUES ('missing', 'user', 'hi', 1)",
	)
	assert.Error(t, err, "orphan message must be rejected")
}

func TestRoleCheckConstraint(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	conv, err := NewStore(database).CreateConversation(ctx, "roles")
	require.NoError(t, err)

	conn, err := database.Conn()
	require.NoError(t, err)
	_, err = conn.Exec(
		"INSERT INTO messages (conversation_id, role, content, timestamp) VALUES (?, 'bot', 'hi', 1)",
		conv.ID,
	)
	assert.Error(t, err)
}

func TestOpenFailureIsStorageError(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	_, err := Open(filepath.Join(blocker, "chat.db"))
	require.Error(t, err)
	assert.Equal(t, KindStorage, KindOf(err))
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	store := NewStore(database)

	conv, err := store.CreateConversation(ctx, "stats")
	require.NoError(t, err)
	_, err = store.SaveMessage(ctx, NewMessage{ConversationID: conv.ID, Role: RoleUser, Content: "hello"})
	require.NoError(t, err)

	stats, err := database.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ConversationCount)
	assert.Equal(t, int64(1), stats.MessageCount)
	assert.Positive(t, stats.DBSizeBytes)
	assert.Equal(t, "wal", stats.JournalMode)

	assert.NoError(t, database.Vacuum(ctx))
}
