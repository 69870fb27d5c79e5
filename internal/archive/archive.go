// Package archive keeps a history of statistics generations in SQLite.
// The binary snapshot is consumed on every restart, so without the
// archive each run's numbers vanish once the next run loads them. A
// generation is one shutdown's worth of aggregated rows.
package archive

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/opstat/opstat/internal/store"
)

// Generation describes one archived table state.
type Generation struct {
	ID         string    `json:"id"`
	RecordedAt time.Time `json:"recorded_at"`
	EntryCount int       `json:"entry_count"`
}

// SQLiteArchive implements generation archiving on SQLite.
type SQLiteArchive struct {
	db *sql.DB
}

// Open creates a SQLite-backed archive at path.
func Open(path string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	a := &SQLiteArchive{db: db}
	if err := a.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing archive schema: %w", err)
	}
	return a, nil
}

func (a *SQLiteArchive) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS generations (
		id              TEXT PRIMARY KEY,
		recorded_at     DATETIME NOT NULL,
		entry_count     INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS generation_entries (
		generation_id   TEXT NOT NULL,
		principal       INTEGER NOT NULL,
		database_id     INTEGER NOT NULL,
		operation       INTEGER NOT NULL,
		calls           INTEGER NOT NULL,
		reads           INTEGER NOT NULL,
		writes          INTEGER NOT NULL,
		user_time       REAL NOT NULL,
		system_time     REAL NOT NULL,
		PRIMARY KEY (generation_id, principal, database_id, operation)
	);

	CREATE INDEX IF NOT EXISTS idx_generation_entries_gen ON generation_entries(generation_id);
	CREATE INDEX IF NOT EXISTS idx_generations_recorded ON generations(recorded_at);
	`

	_, err := a.db.Exec(schema)
	return err
}

// Close releases the underlying database.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

// RecordGeneration stores rows as a new generation and returns its ID.
// The whole generation lands in one transaction, so a crash during
// archiving leaves no partial generation behind.
func (a *SQLiteArchive) RecordGeneration(rows []store.Row) (string, error) {
	id := ulid.Make().String()

	tx, err := a.db.Begin()
	if err != nil {
		return "", fmt.Errorf("starting archive transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT INTO generations (id, recorded_at, entry_count) VALUES (?, ?, ?)`,
		id, time.Now().UTC(), len(rows),
	); err != nil {
		return "", fmt.Errorf("inserting generation: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO generation_entries
		(generation_id, principal, database_id, operation, calls, reads, writes, user_time, system_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("preparing entry insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range rows {
		if _, err := stmt.Exec(
			id, int64(r.Principal), int64(r.Database), int64(r.Operation),
			r.Calls, r.Reads, r.Writes, r.UserTime, r.SystemTime,
		); err != nil {
			return "", fmt.Errorf("inserting entry for generation %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing generation %s: %w", id, err)
	}
	return id, nil
}

// ListGenerations returns generations newest first, up to limit.
func (a *SQLiteArchive) ListGenerations(limit int) ([]Generation, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := a.db.Query(`SELECT id, recorded_at, entry_count FROM generations
		ORDER BY recorded_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var gens []Generation
	for rows.Next() {
		var g Generation
		if err := rows.Scan(&g.ID, &g.RecordedAt, &g.EntryCount); err != nil {
			return nil, err
		}
		gens = append(gens, g)
	}
	return gens, rows.Err()
}

// Entries returns the archived rows of one generation.
func (a *SQLiteArchive) Entries(generationID string) ([]store.Row, error) {
	rows, err := a.db.Query(`SELECT principal, database_id, operation, calls, reads, writes, user_time, system_time
		FROM generation_entries WHERE generation_id = ?
		ORDER BY principal, database_id, operation`, generationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []store.Row
	for rows.Next() {
		var principal, database, operation int64
		var r store.Row
		if err := rows.Scan(&principal, &database, &operation,
			&r.Calls, &r.Reads, &r.Writes, &r.UserTime, &r.SystemTime,
		); err != nil {
			return nil, err
		}
		r.Principal = uint32(principal)
		r.Database = uint32(database)
		r.Operation = uint64(operation)
		out = append(out, r)
	}
	return out, rows.Err()
}
