package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/first-fluke/cratos/pkg/models"
)

// CockroachStore implements Store against a CockroachDB/Postgres-compatible
// database, storing each session as one JSON blob keyed by session_key.
// This mirrors the SQLite schema: one row per session, no per-message
// table, so trimming is entirely the in-process responsibility of Trim.
type CockroachStore struct {
	db *sql.DB

	stmtGet    *sql.Stmt
	stmtSave   *sql.Stmt
	stmtDelete *sql.Stmt
}

// DB exposes the underlying connection for migrations and health checks.
func (s *CockroachStore) DB() *sql.DB {
	return s.db
}

// CockroachConfig holds connection parameters for a CockroachDB/Postgres
// session store.
type CockroachConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultCockroachConfig returns sane local-development defaults.
func DefaultCockroachConfig() *CockroachConfig {
	return &CockroachConfig{
		Host:            "localhost",
		Port:            26257,
		User:            "root",
		Database:        "cratos",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewCockroachStore opens a connection built from config and prepares the
// session table and statements.
func NewCockroachStore(config *CockroachConfig) (*CockroachStore, error) {
	if config == nil {
		config = DefaultCockroachConfig()
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.User, config.Password,
		config.Database, config.SSLMode, int(config.ConnectTimeout.Seconds()),
	)
	return newCockroachStoreWithDSN(dsn, config)
}

// NewCockroachStoreFromDSN opens a connection from a raw DSN/URL.
func NewCockroachStoreFromDSN(dsn string, config *CockroachConfig) (*CockroachStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
	}
	return newCockroachStoreWithDSN(dsn, config)
}

func newCockroachStoreWithDSN(dsn string, config *CockroachConfig) (*CockroachStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	store := &CockroachStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return store, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key TEXT PRIMARY KEY,
	session_data TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

func (s *CockroachStore) prepareStatements() error {
	var err error
	s.stmtGet, err = s.db.Prepare(`SELECT session_data FROM sessions WHERE session_key = $1`)
	if err != nil {
		return fmt.Errorf("prepare get: %w", err)
	}
	s.stmtSave, err = s.db.Prepare(`
		INSERT INTO sessions (session_key, session_data, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (session_key) DO UPDATE SET session_data = $2, updated_at = $3
	`)
	if err != nil {
		return fmt.Errorf("prepare save: %w", err)
	}
	s.stmtDelete, err = s.db.Prepare(`DELETE FROM sessions WHERE session_key = $1`)
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	return nil
}

// Close closes the prepared statements and underlying connection.
func (s *CockroachStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtGet, s.stmtSave, s.stmtDelete} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}

func (s *CockroachStore) Get(ctx context.Context, key string) (*models.SessionContext, error) {
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

func (s *CockroachStore) Save(ctx context.Context, session *models.SessionContext) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.stmtSave.ExecContext(ctx, session.SessionKey, string(raw), time.Now())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *CockroachStore) Delete(ctx context.Context, key string) (bool, error) {
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

func (s *CockroachStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE session_key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return exists, nil
}

func (s *CockroachStore) ListKeys(ctx context.Context) ([]string, error) {
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

func (s *CockroachStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return count, nil
}

func (s *CockroachStore) CleanupExpired(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(rows), nil
}

func (s *CockroachStore) GetOrCreate(ctx context.Context, key string, maxTokens int) (*models.SessionContext, error) {
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

func (s *CockroachStore) AppendMessage(ctx context.Context, key string, msg models.Message) (*models.SessionContext, error) {
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
