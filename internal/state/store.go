// Package state manages the SQLite database holding the sync cursor record
// and the persisted event-cache snapshot.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"easmirror/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_state (
    id                 INTEGER PRIMARY KEY CHECK (id = 1),
    folder_sync_key    TEXT NOT NULL DEFAULT '0',
    calendar_folder_id TEXT NOT NULL DEFAULT '',
    calendar_sync_key  TEXT NOT NULL DEFAULT '0',
    last_sync_date     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS cached_events (
    server_id TEXT PRIMARY KEY,
    start_time TEXT NOT NULL,
    payload   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_start_time ON cached_events (start_time);
`

// Store is the SQLite-backed durable store for the sync engine.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the state database:
// ~/.local/share/easmirror/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "easmirror", "state.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadSyncState returns the persisted cursor record, or the initial record
// when none has been saved yet.
func (s *Store) LoadSyncState(ctx context.Context) (*model.SyncState, error) {
	const q = `
		SELECT folder_sync_key, calendar_folder_id, calendar_sync_key, last_sync_date
		FROM sync_state WHERE id = 1`

	var st model.SyncState
	var lastSync string
	err := s.db.QueryRowContext(ctx, q).Scan(
		&st.FolderSyncKey,
		&st.CalendarFolderID,
		&st.CalendarSyncKey,
		&lastSync,
	)
	if err == sql.ErrNoRows {
		return model.NewSyncState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading sync state: %w", err)
	}
	if lastSync != "" {
		st.LastSyncDate, _ = time.Parse(time.RFC3339Nano, lastSync)
	}
	return &st, nil
}

// SaveSyncState persists the cursor record, replacing any previous one.
// Called after every state-changing engine operation.
func (s *Store) SaveSyncState(ctx context.Context, st *model.SyncState) error {
	const q = `
		INSERT INTO sync_state (id, folder_sync_key, calendar_folder_id, calendar_sync_key, last_sync_date)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    folder_sync_key    = excluded.folder_sync_key,
		    calendar_folder_id = excluded.calendar_folder_id,
		    calendar_sync_key  = excluded.calendar_sync_key,
		    last_sync_date     = excluded.last_sync_date`

	var lastSync string
	if !st.LastSyncDate.IsZero() {
		lastSync = st.LastSyncDate.UTC().Format(time.RFC3339Nano)
	}
	if _, err := s.db.ExecContext(ctx, q,
		st.FolderSyncKey, st.CalendarFolderID, st.CalendarSyncKey, lastSync,
	); err != nil {
		return fmt.Errorf("saving sync state: %w", err)
	}
	return nil
}

// SaveEvents replaces the persisted event snapshot with the given set.
func (s *Store) SaveEvents(ctx context.Context, events []*model.CalendarEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cached_events`); err != nil {
		return fmt.Errorf("clearing event snapshot: %w", err)
	}

	const q = `INSERT INTO cached_events (server_id, start_time, payload) VALUES (?, ?, ?)`
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encoding event %s: %w", ev.ServerID, err)
		}
		start := ev.Start.UTC().Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx, q, ev.ServerID, start, payload); err != nil {
			return fmt.Errorf("inserting event %s: %w", ev.ServerID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing event snapshot: %w", err)
	}
	return nil
}

// LoadEvents returns the persisted event snapshot ordered by start time.
func (s *Store) LoadEvents(ctx context.Context) ([]*model.CalendarEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM cached_events ORDER BY start_time, server_id`)
	if err != nil {
		return nil, fmt.Errorf("querying event snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*model.CalendarEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		var ev model.CalendarEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decoding event payload: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Clear removes the cursor record and the event snapshot. Used by
// disconnect, which discards the session entirely rather than resetting
// parts of it.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_state`); err != nil {
		return fmt.Errorf("clearing sync state: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cached_events`); err != nil {
		return fmt.Errorf("clearing event snapshot: %w", err)
	}
	return nil
}
