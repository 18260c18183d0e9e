package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Rogers-F/threadline/internal/domain"
	"github.com/Rogers-F/threadline/internal/thread"
	"github.com/Rogers-F/threadline/internal/thread/storetest"
)

func TestNewDB(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	// Verify tables were created by querying sqlite_master.
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='table' ORDER BY name")
	if err != nil {
		t.Fatalf("query tables: %v", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan table name: %v", err)
		}
		tables = append(tables, name)
	}

	expected := map[string]bool{
		"threads":       true,
		"thread_events": true,
	}

	for _, tbl := range tables {
		delete(expected, tbl)
	}
	for tbl := range expected {
		t.Errorf("expected table %q not found", tbl)
	}
}

func TestNewDB_IdempotentMigration(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	// First open creates schema.
	db1, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("first NewDB: %v", err)
	}
	db1.Close()

	// Second open should not fail (IF NOT EXISTS).
	db2, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("second NewDB: %v", err)
	}
	db2.Close()
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y > ?`
	if got := rebind(SQLite, q); got != q {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
	if got, want := rebind(Postgres, q), `SELECT a FROM t WHERE x = $1 AND y > $2`; got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) thread.Store {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "threads.db"))
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore_TerminalEventClosesThread(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "threads.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Create(ctx, "t-1", time.Now()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Append(ctx, "t-1", 0, []domain.Event{{Type: domain.EventUserMessage}, {Type: domain.EventCompleted}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	closed, err := s.List(ctx, StatusClosed, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(closed) != 1 || closed[0].LastSeq != 2 {
		t.Errorf("closed = %+v", closed)
	}
}

// TestPostgresStore runs against THREADLINE_TEST_POSTGRES_DSN when set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("THREADLINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("THREADLINE_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) thread.Store {
		s, err := OpenPostgres(context.Background(), dsn)
		if err != nil {
			t.Fatalf("OpenPostgres: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
