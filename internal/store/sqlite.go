// Package store provides SQL-backed thread persistence: SQLite for embedded
// use and Postgres for shared deployments.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and schema.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// schemaSQLite defines the SQLite schema.
const schemaSQLite = `
CREATE TABLE IF NOT EXISTS threads (
	thread_id       TEXT PRIMARY KEY,
	status          TEXT NOT NULL DEFAULT 'live',
	last_seq        INTEGER NOT NULL DEFAULT 0,
	created_at_unix INTEGER NOT NULL DEFAULT 0,
	updated_at_unix INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS thread_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id    TEXT NOT NULL,
	seq_no       INTEGER NOT NULL,
	event_type   TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	UNIQUE(thread_id, seq_no)
);
CREATE INDEX IF NOT EXISTS idx_thread_events_seq ON thread_events(thread_id, seq_no);
`

// schemaPostgres defines the Postgres schema.
const schemaPostgres = `
CREATE TABLE IF NOT EXISTS threads (
	thread_id       TEXT PRIMARY KEY,
	status          TEXT NOT NULL DEFAULT 'live',
	last_seq        BIGINT NOT NULL DEFAULT 0,
	created_at_unix BIGINT NOT NULL DEFAULT 0,
	updated_at_unix BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS thread_events (
	id           BIGSERIAL PRIMARY KEY,
	thread_id    TEXT NOT NULL,
	seq_no       BIGINT NOT NULL,
	event_type   TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   BIGINT NOT NULL,
	UNIQUE(thread_id, seq_no)
);
CREATE INDEX IF NOT EXISTS idx_thread_events_seq ON thread_events(thread_id, seq_no);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db, SQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

// NewPostgresDB opens a Postgres database and runs the schema migration.
func NewPostgresDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(db, Postgres); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return db, nil
}

func migrate(db *sql.DB, d Dialect) error {
	schema := schemaSQLite
	if d == Postgres {
		schema = schemaPostgres
	}
	_, err := db.ExecContext(context.Background(), schema)
	return err
}

// rebind rewrites ? placeholders to $n for Postgres.
func rebind(d Dialect, q string) string {
	if d != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
