package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Rogers-F/threadline/internal/domain"
	"github.com/Rogers-F/threadline/internal/thread"
)

// SQLStore implements thread.Store over database/sql.
type SQLStore struct {
	db      *sql.DB
	threads ThreadRepo
	events  EventRepo
}

var _ thread.Store = (*SQLStore)(nil)

// NewSQLStore wraps an opened and migrated database.
func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, threads: ThreadRepo{Dialect: d}, events: EventRepo{Dialect: d}}
}

// OpenSQLite opens a SQLite-backed store at path.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreInit.Code, "sqlite "+path, err)
	}
	return NewSQLStore(db, SQLite), nil
}

// OpenPostgres opens a Postgres-backed store.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := NewPostgresDB(ctx, dsn)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreInit.Code, "postgres", err)
	}
	return NewSQLStore(db, Postgres), nil
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Create implements thread.Store.
func (s *SQLStore) Create(ctx context.Context, threadID string, at time.Time) error {
	err := s.threads.Create(ctx, s.db, ThreadRow{
		ThreadID:      threadID,
		Status:        StatusLive,
		CreatedAtUnix: at.Unix(),
		UpdatedAtUnix: at.Unix(),
	})
	if err != nil && isUniqueViolation(err) {
		return domain.Detail(domain.ErrThreadExists, "%s", threadID)
	}
	return err
}

// Append implements thread.Store. The header update and every event insert
// share one transaction.
func (s *SQLStore) Append(ctx context.Context, threadID string, expectedLastSeq int64, events []domain.Event) ([]domain.Event, error) {
	stamped := thread.Sequence(threadID, expectedLastSeq, events)
	var status ThreadStatus
	for _, ev := range stamped {
		if ev.Type.Terminal() {
			status = StatusClosed
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	next := expectedLastSeq + int64(len(stamped))
	if err := s.threads.AdvanceTx(ctx, tx, threadID, expectedLastSeq, next, status, time.Now().Unix()); err != nil {
		return nil, err
	}
	for _, ev := range stamped {
		if err := s.events.AppendTx(ctx, tx, ev); err != nil {
			if isUniqueViolation(err) {
				return nil, domain.Detail(domain.ErrDuplicateEvent, "%s seq %d", threadID, ev.Seq)
			}
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return stamped, nil
}

// Load implements thread.Store.
func (s *SQLStore) Load(ctx context.Context, threadID string) ([]domain.Event, error) {
	return s.LoadSince(ctx, threadID, 0)
}

// LoadSince implements thread.Store.
func (s *SQLStore) LoadSince(ctx context.Context, threadID string, sinceSeq int64) ([]domain.Event, error) {
	if _, err := s.threads.GetByID(ctx, s.db, threadID); err != nil {
		return nil, err
	}
	return s.events.ListByThread(ctx, s.db, threadID, sinceSeq)
}

// List returns thread headers, newest first.
func (s *SQLStore) List(ctx context.Context, status ThreadStatus, limit int) ([]ThreadRow, error) {
	return s.threads.List(ctx, s.db, status, limit)
}

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
