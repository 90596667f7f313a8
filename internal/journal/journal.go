// Package journal records every watch cycle and its events in SQLite.
//
// The journal is an audit trail for the build loop: which query ran when,
// what clock it returned, whether it overflowed or failed, and the exact
// ordered events posted. It runs in embedded mode (ncruces/go-sqlite3)
// with WAL so `incwatch journal` can read while `incwatch watch` writes.
//
// Layout:
//   - Database file: .incwatch/journal.db
//   - cycles: one row per PostEvents invocation, successful or not
//   - events: the ordered events of each cycle (seq is the emission index)
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/incbuild/incwatch/internal/watchman"
)

// timeFormat sorts lexically, which the since filters rely on.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// DB wraps the journal database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Cycle is one recorded invocation.
type Cycle struct {
	ID            int64
	StartedAt     time.Time
	Duration      time.Duration
	Version       string
	Clock         string
	FreshInstance bool
	Overflowed    bool
	EventCount    int
	// Error is the failure message of a failed cycle.
	Error string
}

// Entry is one recorded event with its cycle context.
type Entry struct {
	CycleID   int64     `json:"cycle_id"`
	Seq       int       `json:"seq"`
	Kind      string    `json:"kind"`
	Path      string    `json:"path,omitempty"`
	Clock     string    `json:"clock,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Open creates or opens the journal at path.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	j, err := journal.Open(".incwatch/journal.db")
//	if err != nil {
//	    return err
//	}
//	defer j.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	// per-connection pragmas go in the DSN so every pooled connection
	// enforces foreign keys
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cycles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at TEXT NOT NULL,
		duration_ns INTEGER NOT NULL DEFAULT 0,
		version TEXT NOT NULL DEFAULT '',
		clock TEXT NOT NULL DEFAULT '',
		fresh_instance INTEGER NOT NULL DEFAULT 0,
		overflowed INTEGER NOT NULL DEFAULT 0,
		event_count INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS events (
		cycle_id INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,  -- create, modify, delete, overflow
		path TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (cycle_id, seq),
		FOREIGN KEY (cycle_id) REFERENCES cycles(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_cycles_started ON cycles(started_at);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	CREATE INDEX IF NOT EXISTS idx_events_path ON events(path);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return nil
}

// RecordCycle stores one invocation. cycleErr, when set, is kept as the
// cycle's error. res may be nil for a failed cycle, or hold the events
// posted in its place (the Overflow after a rescan-required error).
func (db *DB) RecordCycle(ctx context.Context, startedAt time.Time, duration time.Duration, res *watchman.Result, cycleErr error) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var c Cycle
	if res != nil {
		c = Cycle{
			Version:       res.Version,
			Clock:         res.Clock,
			FreshInstance: res.IsFreshInstance,
			Overflowed:    res.Overflowed,
			EventCount:    len(res.Events),
		}
	}
	if cycleErr != nil {
		c.Error = cycleErr.Error()
	}

	row, err := tx.ExecContext(ctx, `
	INSERT INTO cycles (started_at, duration_ns, version, clock, fresh_instance, overflowed, event_count, error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		startedAt.UTC().Format(timeFormat),
		int64(duration),
		c.Version,
		c.Clock,
		boolToInt(c.FreshInstance),
		boolToInt(c.Overflowed),
		c.EventCount,
		c.Error,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert cycle: %w", err)
	}
	id, err := row.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read cycle id: %w", err)
	}

	if res != nil && len(res.Events) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (cycle_id, seq, kind, path) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return 0, fmt.Errorf("failed to prepare event insert: %w", err)
		}
		defer stmt.Close()

		for seq, e := range res.Events {
			if _, err := stmt.ExecContext(ctx, id, seq, e.Kind.String(), e.Path); err != nil {
				return 0, fmt.Errorf("failed to insert event %d: %w", seq, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cycle: %w", err)
	}
	return id, nil
}

// Filter narrows ListEvents.
type Filter struct {
	// Kind, when set, keeps only events of that kind.
	Kind *watchman.Kind
	// Since, when non-zero, keeps events from cycles started at or after it.
	Since time.Time
	// PathPrefix keeps events whose path starts with it.
	PathPrefix string
	// Limit caps the number of results (0 = unlimited). The newest
	// events are kept.
	Limit int
}

// ListEvents returns matching events ordered by cycle then emission order.
func (db *DB) ListEvents(ctx context.Context, f Filter) ([]Entry, error) {
	query := `
	SELECT e.cycle_id, e.seq, e.kind, e.path, c.clock, c.started_at
	FROM events e
	JOIN cycles c ON c.id = e.cycle_id
	WHERE 1=1`
	var args []interface{}

	if f.Kind != nil {
		query += " AND e.kind = ?"
		args = append(args, f.Kind.String())
	}
	if !f.Since.IsZero() {
		query += " AND c.started_at >= ?"
		args = append(args, f.Since.UTC().Format(timeFormat))
	}
	if f.PathPrefix != "" {
		// length and substr both count characters, not bytes
		query += " AND substr(e.path, 1, length(?)) = ?"
		args = append(args, f.PathPrefix, f.PathPrefix)
	}

	query += " ORDER BY e.cycle_id DESC, e.seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var startedAt string
		if err := rows.Scan(&e.CycleID, &e.Seq, &e.Kind, &e.Path, &e.Clock, &startedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if e.StartedAt, err = time.Parse(timeFormat, startedAt); err != nil {
			return nil, fmt.Errorf("bad started_at %q: %w", startedAt, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	// newest-first query, oldest-first result
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// ListCycles returns the most recent cycles, newest first.
func (db *DB) ListCycles(ctx context.Context, limit int) ([]Cycle, error) {
	query := `
	SELECT id, started_at, duration_ns, version, clock, fresh_instance, overflowed, event_count, error
	FROM cycles ORDER BY id DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	var cycles []Cycle
	for rows.Next() {
		var c Cycle
		var startedAt string
		var duration int64
		var fresh, overflowed int
		if err := rows.Scan(&c.ID, &startedAt, &duration, &c.Version, &c.Clock, &fresh, &overflowed, &c.EventCount, &c.Error); err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		if c.StartedAt, err = time.Parse(timeFormat, startedAt); err != nil {
			return nil, fmt.Errorf("bad started_at %q: %w", startedAt, err)
		}
		c.Duration = time.Duration(duration)
		c.FreshInstance = fresh != 0
		c.Overflowed = overflowed != 0
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// LastClock returns the clock of the newest successful cycle, or "" when
// there is none. The poll loop resumes from it after a restart.
func (db *DB) LastClock(ctx context.Context) (string, error) {
	var clock string
	err := db.conn.QueryRowContext(ctx, `
	SELECT clock FROM cycles WHERE error = '' AND clock != '' ORDER BY id DESC LIMIT 1`).Scan(&clock)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read last clock: %w", err)
	}
	return clock, nil
}

// Stats summarizes the journal.
type Stats struct {
	Cycles         int
	FailedCycles   int
	Overflows      int
	FreshInstances int
	EventsByKind   map[string]int
	LastCycle      *time.Time
}

// Stats returns journal-wide counters.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{EventsByKind: make(map[string]int)}

	var last sql.NullString
	err := db.conn.QueryRowContext(ctx, `
	SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN error != '' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(overflowed), 0),
		COALESCE(SUM(fresh_instance), 0),
		MAX(started_at)
	FROM cycles`).Scan(&s.Cycles, &s.FailedCycles, &s.Overflows, &s.FreshInstances, &last)
	if err != nil {
		return nil, fmt.Errorf("failed to count cycles: %w", err)
	}
	if last.Valid {
		t, err := time.Parse(timeFormat, last.String)
		if err != nil {
			return nil, fmt.Errorf("bad started_at %q: %w", last.String, err)
		}
		s.LastCycle = &t
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT kind, COUNT(*) FROM events GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		s.EventsByKind[kind] = n
	}
	return s, rows.Err()
}

// Prune deletes cycles (and their events) started before cutoff.
func (db *DB) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM cycles WHERE started_at < ?`, cutoff.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
