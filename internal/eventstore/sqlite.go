package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"

	"github.com/first-fluke/cratos/pkg/models"
)

// SQLiteStore implements Store against an embedded SQLite database: two
// tables, executions and events, with the indices the orchestrator and
// replay tooling need for lookups by channel, user, session, execution,
// and event type.
type SQLiteStore struct {
	db *sql.DB
}

// DB exposes the underlying connection for migrations and health checks.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const eventStoreSchemaDDL = `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	channel_type TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	session_id TEXT,
	thread_id TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	input_text TEXT NOT NULL,
	output_text TEXT,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	sequence_num INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	timestamp TIMESTAMP NOT NULL,
	duration_ms INTEGER,
	parent_event_id TEXT,
	metadata TEXT NOT NULL DEFAULT '{}',
	FOREIGN KEY (execution_id) REFERENCES executions(id)
);

CREATE INDEX IF NOT EXISTS idx_executions_channel ON executions(channel_type, channel_id);
CREATE INDEX IF NOT EXISTS idx_executions_user ON executions(user_id);
CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id);
CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_execution ON events(execution_id, sequence_num);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(execution_id, event_type);
`

// OpenSQLiteStore opens (creating if necessary) a SQLite database at path
// using the mattn/go-sqlite3 cgo driver. An empty path opens an in-memory
// database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	return openSQLiteStoreWithDriver("sqlite3", path)
}

// openSQLiteStoreWithDriver opens path using an already-registered
// database/sql driver name, so tests can exercise the same logic against
// modernc.org/sqlite without a cgo toolchain.
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

	if _, err := db.Exec(eventStoreSchemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, execution *models.Execution) error {
	if execution.ID == "" {
		execution.ID = uuid.NewString()
	}
	metadata := execution.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (
			id, channel_type, channel_id, user_id, session_id, thread_id,
			status, started_at, completed_at,
			input_text, output_text, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		execution.ID, execution.ChannelType, execution.ChannelID, execution.UserID,
		nullableString(execution.SessionID), nullableString(execution.ThreadID),
		string(execution.Status), execution.StartedAt, nullableTime(execution.CompletedAt),
		execution.InputText, nullableString(execution.OutputText), string(metadata),
		execution.CreatedAt, execution.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_type, channel_id, user_id, session_id, thread_id,
		       status, started_at, completed_at,
		       input_text, output_text, metadata, created_at, updated_at
		FROM executions WHERE id = ?
	`, id)

	var (
		execution           models.Execution
		sessionID, threadID sql.NullString
		outputText          sql.NullString
		completedAt         sql.NullTime
		metadata            string
	)
	err := row.Scan(
		&execution.ID, &execution.ChannelType, &execution.ChannelID, &execution.UserID,
		&sessionID, &threadID, &execution.Status, &execution.StartedAt, &completedAt,
		&execution.InputText, &outputText, &metadata, &execution.CreatedAt, &execution.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	execution.SessionID = sessionID.String
	execution.ThreadID = threadID.String
	execution.OutputText = outputText.String
	execution.Metadata = json.RawMessage(metadata)
	if completedAt.Valid {
		execution.CompletedAt = &completedAt.Time
	}
	return &execution, nil
}

func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id string, status models.ExecutionStatus, outputText string) error {
	now := time.Now()
	var completedAt any
	if status.Terminal() {
		completedAt = now
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?,
		    output_text = COALESCE(NULLIF(?, ''), output_text),
		    completed_at = COALESCE(?, completed_at),
		    updated_at = ?
		WHERE id = ?
	`, string(status), outputText, completedAt, now, id)
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func (s *SQLiteStore) RecordEvent(ctx context.Context, event *models.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE execution_id = ?`, event.ExecutionID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("compute sequence num: %w", err)
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.SequenceNum = seq

	payload := event.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	metadata := event.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (
			id, execution_id, sequence_num, event_type, payload,
			timestamp, duration_ms, parent_event_id, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID, event.ExecutionID, event.SequenceNum, string(event.EventType), string(payload),
		event.Timestamp, nullableDuration(event.DurationMS), nullableString(event.ParentEventID), string(metadata),
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			event         models.Event
			durationMS    sql.NullInt64
			parentEventID sql.NullString
			payload       string
			metadata      string
		)
		if err := rows.Scan(
			&event.ID, &event.ExecutionID, &event.SequenceNum, &event.EventType, &payload,
			&event.Timestamp, &durationMS, &parentEventID, &metadata,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Payload = json.RawMessage(payload)
		event.Metadata = json.RawMessage(metadata)
		event.ParentEventID = parentEventID.String
		if durationMS.Valid {
			event.DurationMS = &durationMS.Int64
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) GetExecutionEvents(ctx context.Context, executionID string) ([]models.Event, error) {
	return s.queryEvents(ctx, `
		SELECT id, execution_id, sequence_num, event_type, payload, timestamp, duration_ms, parent_event_id, metadata
		FROM events WHERE execution_id = ? ORDER BY sequence_num
	`, executionID)
}

func (s *SQLiteStore) GetEventsByType(ctx context.Context, executionID string, eventType models.EventType) ([]models.Event, error) {
	return s.queryEvents(ctx, `
		SELECT id, execution_id, sequence_num, event_type, payload, timestamp, duration_ms, parent_event_id, metadata
		FROM events WHERE execution_id = ? AND event_type = ? ORDER BY sequence_num
	`, executionID, string(eventType))
}

func (s *SQLiteStore) GetChildEvents(ctx context.Context, parentEventID string) ([]models.Event, error) {
	return s.queryEvents(ctx, `
		SELECT id, execution_id, sequence_num, event_type, payload, timestamp, duration_ms, parent_event_id, metadata
		FROM events WHERE parent_event_id = ? ORDER BY sequence_num
	`, parentEventID)
}

func (s *SQLiteStore) GetNextSequenceNum(ctx context.Context, executionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE execution_id = ?`, executionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("get next sequence num: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) CountEvents(ctx context.Context, executionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE execution_id = ?`, executionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) DeleteOldExecutions(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM events WHERE execution_id IN (SELECT id FROM executions WHERE created_at < ?)
	`, cutoff); err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old executions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(rows), nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullableDuration(d *int64) any {
	if d == nil {
		return nil
	}
	return *d
}
