package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/first-fluke/cratos/pkg/models"
)

// SQLiteStore implements Store against an embedded SQLite database. It is
// the default SessionStore backend: one row per session, WAL journal mode
// over a single pooled connection (reads and writes are serialized), and the same
// JSON-blob-per-session layout as CockroachStore so callers can switch
// backends without touching the Store interface.
type SQLiteStore struct {
	db *sql.DB

	stmtGet    *sql.Stmt
	stmtSave   *sql.Stmt
	stmtDelete *sql.Stmt
}

// DB exposes the underlying connection for migrations and health checks.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const sqliteSchemaDDL = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key TEXT PRIMARY KEY,
	session_data TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// OpenSQLiteStore opens (creating if necessary) a SQLite database at path
// using the mattn/go-sqlite3 cgo driver, enables WAL journal mode, and
// prepares the session table and statements. An empty path opens an
// in-memory database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	return openSQLiteStoreWithDriver("sqlite3", path)
}

// openSQLiteStoreWithDriver opens path using an already-registered
// database/sql driver name. It exists so tests can exercise the same
// logic against modernc.org/sqlite, a pure-Go driver registered under
// the name "sqlite", without requiring a cgo toolchain.
func openSQLiteStoreWithDriver(driverName, path string) (*SQLiteStore, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open(driverName, dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error
	s.stmtGet, err = s.db.Prepare(`SELECT session_data FROM sessions WHERE session_key = ?`)
	if err != nil {
		return fmt.Errorf("prepare get: %w", err)
	}
	s.stmtSave, err = s.db.Prepare(`
		INSERT INTO sessions (session_key, session_data, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_key) DO UPDATE SET session_data = excluded.session_data, updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare save: %w", err)
	}
	s.stmtDelete, err = s.db.Prepare(`DELETE FROM sessions WHERE session_key = ?`)
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	return nil
}

// Close closes the prepared statements and underlying connection.
func (s *SQLiteStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtGet, s.stmtSave, s.stmtDelete} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*models.SessionContext, error) {
	var raw string
	err := s.stmtGet.QueryRowContext(ctx, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var session models.SessionContext
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

func (s *SQLiteStore) Save(ctx context.Context, session *models.SessionContext) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	now := time.Now()
	_, err = s.stmtSave.ExecContext(ctx, session.SessionKey, string(raw), now, now)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) (bool, error) {
	result, err := s.stmtDelete.ExecContext(ctx, key)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE session_key = ?)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return exists, nil
}

func (s *SQLiteStore) ListKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_key FROM sessions ORDER BY session_key`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) CleanupExpired(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(rows), nil
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, key string, maxTokens int) (*models.SessionContext, error) {
	existing, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	session := &models.SessionContext{
		ID:                 key,
		SessionKey:         key,
		Messages:           []models.Message{},
		LastActivity:       time.Now(),
		MaxTokens:          maxTokens,
		TokenAwareTrimming: true,
	}
	if err := s.Save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, key string, msg models.Message) (*models.SessionContext, error) {
	session, err := s.GetOrCreate(ctx, key, 0)
	if err != nil {
		return nil, err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	session.Messages = append(session.Messages, msg)
	session.LastActivity = time.Now()
	Trim(session)
	if err := s.Save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}
