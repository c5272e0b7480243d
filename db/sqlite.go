package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DB owns the single SQLite connection used by the process. The connection
// is opened and the schema created on the first call to Conn.
type DB struct {
	path string

	mu   sync.Mutex
	conn *sql.DB
}

// New creates a connection manager for the database file at dbPath.
// Nothing is opened until Conn is called.
func New(dbPath string) *DB {
	return &DB{path: dbPath}
}

// Open creates a connection manager and initializes the connection right
// away, so that a broken database fails at startup.
func Open(dbPath string) (*DB, error) {
	db := New(dbPath)
	if _, err := db.Conn(); err != nil {
		return nil, err
	}
	return db, nil
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// Conn returns the live connection, opening and migrating it on first use.
// Repeated calls return the same handle until Close.
func (db *DB) Conn() (*sql.DB, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.conn != nil {
		return db.conn, nil
	}

	conn, err := open(db.path)
	if err != nil {
		return nil, storageError("open database", err)
	}
	db.conn = conn
	return conn, nil
}

// Close closes the database connection. A later Conn opens a fresh one.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.conn == nil {
		return nil
	}
	err := db.conn.Close()
	db.conn = nil
	return err
}

func open(dbPath string) (*sql.DB, error) {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1) // SQLite works best with single connection
	conn.SetMaxIdleConns(1)

	if err := configure(conn); err != nil {
		conn.Close()
		return nil, err
	}

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return conn, nil
}

// configure applies the connection pragmas. The DSN already asks for them;
// running them explicitly surfaces a failure instead of ignoring it.
func configure(conn *sql.DB) error {
	var mode string
	if err := conn.QueryRow("PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return nil
}

func migrate(conn *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL CHECK(role IN ('user','assistant','system')),
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			provider TEXT,
			model TEXT,
			FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_timestamp ON messages(conversation_id, timestamp)`,
	}

	for _, migration := range migrations {
		if _, err := conn.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, migration)
		}
	}

	return nil
}

// JournalMode returns the journal mode of the live connection.
func (db *DB) JournalMode(ctx context.Context) (string, error) {
	conn, err := db.Conn()
	if err != nil {
		return "", err
	}
	var mode string
	if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return "", storageError("journal mode", err)
	}
	return mode, nil
}
