// Package journal provides the WAL-mode SQLite lifecycle-event journal for
// the nodee runner. Everything noteworthy that happens on the node — service
// starts and exits, chore-keeper kills, artifact downloads — is recorded as
// one row, and the control plane serves the recent tail of it.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that control-plane
// reads can proceed concurrently with writes from the supervisor and keeper
// goroutines.
//
// The journal records events; it deliberately holds no keeper state. The
// thrash detector starts cold on every boot.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Journal is a WAL-mode SQLite-backed event log. It is safe for concurrent
// use.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal database at path and applies the
// schema. ":memory:" yields an in-memory journal, suitable for tests.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}

	// SQLite allows one writer at a time; a single pooled connection
	// serialises concurrent Record calls instead of surfacing "database is
	// locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// ddl is the schema, kept here to keep the package self-contained.
const ddl = `
CREATE TABLE IF NOT EXISTS events (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT    NOT NULL,
    service  TEXT    NOT NULL,
    kind     TEXT    NOT NULL,
    detail   TEXT    NOT NULL DEFAULT '{}',
    at       TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_recent
    ON events (id DESC);
`

// Record appends one event. The service field may be empty for node-level
// events (e.g. "node_started"); detail may be nil.
func (j *Journal) Record(ctx context.Context, service, kind string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("journal: marshal detail: %w", err)
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO events (event_id, service, kind, detail, at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(),
		service,
		kind,
		string(payload),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal: record %q: %w", kind, err)
	}
	return nil
}

// Event is one journal row as served to the control plane.
type Event struct {
	ID      int64          `json:"id"`
	EventID string         `json:"event_id"`
	Service string         `json:"service,omitempty"`
	Kind    string         `json:"kind"`
	Detail  map[string]any `json:"detail"`
	At      time.Time      `json:"at"`
}

// Recent returns up to limit events, newest first. A non-positive limit
// returns nil without querying.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, event_id, service, kind, detail, at
		 FROM   events
		 ORDER  BY id DESC
		 LIMIT  ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent query: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			detailStr string
			atStr     string
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.Service, &e.Kind, &detailStr, &atStr); err != nil {
			return nil, fmt.Errorf("journal: recent scan: %w", err)
		}

		e.At, err = time.Parse(time.RFC3339Nano, atStr)
		if err != nil {
			e.At, _ = time.Parse(time.RFC3339, atStr)
		}

		// A malformed detail value yields a nil map rather than an error so
		// one bad row never blocks the event listing.
		if err := json.Unmarshal([]byte(detailStr), &e.Detail); err != nil {
			e.Detail = nil
		}

		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: recent rows: %w", err)
	}
	return events, nil
}

// Close closes the underlying database. The journal must not be used after
// Close returns.
func (j *Journal) Close() error {
	return j.db.Close()
}
