package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Event types: process lifecycle
const (
	EventProcessStarted     = "process.started"
	EventTransportFault     = "transport.fault"
	EventTransportRecovered = "transport.recovered"
)

// Event types: conversation turns
const (
	EventTurnCompleted    = "turn.completed"
	EventTurnFailed       = "turn.failed"
	EventCommandCompleted = "command.completed"
	EventCommandFailed    = "command.failed"
	EventReplyFailed      = "reply.failed"
	EventHistoryCleared   = "history.cleared"
	EventCircuitOpened    = "circuit.opened"
	EventCircuitClosed    = "circuit.closed"
)

// CursorUpdateOffset names the persisted Telegram polling offset.
const CursorUpdateOffset = "update_offset"

// OffsetCursor returns the cursor name for a transport's polling offset.
// Each transport counts updates on its own, so they never share a cursor.
func OffsetCursor(transport string) string {
	if transport == "" || transport == "telegram" {
		return CursorUpdateOffset
	}
	return CursorUpdateOffset + "." + transport
}

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// InitSchema creates all tables: messages, events, cursor.
//
// The messages layout matches databases written by earlier releases of the
// bot (no explicit id column, text timestamps), so those files are reused
// in place; ordering ties fall back to rowid.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			user_id INTEGER,
			message TEXT,
			response TEXT,
			timestamp DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_messages_user_timestamp ON messages(user_id, timestamp);

		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);

		CREATE TABLE IF NOT EXISTS cursor (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (unixepoch())
		);
	`)
	return err
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(ctx context.Context, db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.ExecContext(ctx,
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}

// Journal records events as children of one root event. Failures are
// logged and otherwise ignored.
type Journal struct {
	DB     *sql.DB
	Parent *int64
	Logger *slog.Logger
}

// NewJournal logs a process.started root event and returns a journal
// whose later events hang off it.
func NewJournal(ctx context.Context, database *sql.DB, logger *slog.Logger, payload map[string]any) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{DB: database, Logger: logger.With("component", "journal")}
	id, err := LogEvent(ctx, database, nil, EventProcessStarted, payload)
	if err != nil {
		j.Logger.Warn("failed to log process start", "error", err)
		return j
	}
	j.Parent = &id
	return j
}

// Record appends one event. It never fails the caller.
func (j *Journal) Record(ctx context.Context, eventType string, payload map[string]any) {
	if j == nil || j.DB == nil {
		return
	}
	if _, err := LogEvent(ctx, j.DB, j.Parent, eventType, payload); err != nil && j.Logger != nil {
		j.Logger.Warn("failed to record event", "event_type", eventType, "error", err)
	}
}

// Offsets persists a transport polling offset in the cursor table.
type Offsets struct {
	DB *sql.DB
	// Cursor is the row name; empty means CursorUpdateOffset.
	Cursor string
}

func (o *Offsets) cursor() string {
	if o.Cursor == "" {
		return CursorUpdateOffset
	}
	return o.Cursor
}

// LoadOffset returns the stored offset, or 0 if none has been saved.
func (o *Offsets) LoadOffset(ctx context.Context) (int64, error) {
	var offset int64
	err := o.DB.QueryRowContext(ctx,
		`SELECT value FROM cursor WHERE name = ?`, o.cursor(),
	).Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return offset, err
}

// SaveOffset stores offset, replacing any previous value.
func (o *Offsets) SaveOffset(ctx context.Context, offset int64) error {
	_, err := o.DB.ExecContext(ctx,
		`INSERT INTO cursor (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = unixepoch()`,
		o.cursor(), offset,
	)
	if err != nil {
		return fmt.Errorf("save offset: %w", err)
	}
	return nil
}
