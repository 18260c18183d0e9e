package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Rogers-F/threadline/internal/domain"
)

// ThreadStatus is the coarse lifecycle marker kept beside the log.
type ThreadStatus string

const (
	StatusLive   ThreadStatus = "live"
	StatusClosed ThreadStatus = "closed"
)

// ThreadRow is the header row of one thread.
type ThreadRow struct {
	ThreadID      string
	Status        ThreadStatus
	LastSeq       int64
	CreatedAtUnix int64
	UpdatedAtUnix int64
}

// ThreadRepo handles persistence for thread header rows.
type ThreadRepo struct {
	Dialect Dialect
}

// Create inserts a new thread header.
func (r *ThreadRepo) Create(ctx context.Context, db *sql.DB, row ThreadRow) error {
	const q = `INSERT INTO threads (thread_id, status, last_seq, created_at_unix, updated_at_unix)
VALUES (?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, rebind(r.Dialect, q),
		row.ThreadID,
		string(row.Status),
		row.LastSeq,
		row.CreatedAtUnix,
		row.UpdatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

// AdvanceTx moves last_seq from expected to next within a transaction using
// optimistic locking. An empty status leaves the current one in place.
// It returns ErrSeqConflict when another writer got there first and
// ErrThreadNotFound when the thread does not exist.
func (r *ThreadRepo) AdvanceTx(ctx context.Context, tx *sql.Tx, threadID string, expected, next int64, status ThreadStatus, nowUnix int64) error {
	const q = `UPDATE threads SET
		last_seq = ?,
		status = COALESCE(NULLIF(?, ''), status),
		updated_at_unix = ?
	WHERE thread_id = ? AND last_seq = ?`

	res, err := tx.ExecContext(ctx, rebind(r.Dialect, q), next, string(status), nowUnix, threadID, expected)
	if err != nil {
		return fmt.Errorf("advance thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var last int64
	err = tx.QueryRowContext(ctx, rebind(r.Dialect, `SELECT last_seq FROM threads WHERE thread_id = ?`), threadID).Scan(&last)
	if err == sql.ErrNoRows {
		return domain.Detail(domain.ErrThreadNotFound, "%s", threadID)
	}
	if err != nil {
		return fmt.Errorf("read thread: %w", err)
	}
	return domain.Detail(domain.ErrSeqConflict, "%s: expected last seq %d, have %d", threadID, expected, last)
}

// GetByID retrieves a thread header.
func (r *ThreadRepo) GetByID(ctx context.Context, db *sql.DB, threadID string) (*ThreadRow, error) {
	const q = `SELECT thread_id, status, last_seq, created_at_unix, updated_at_unix
FROM threads WHERE thread_id = ?`

	var row ThreadRow
	var status string
	err := db.QueryRowContext(ctx, rebind(r.Dialect, q), threadID).
		Scan(&row.ThreadID, &status, &row.LastSeq, &row.CreatedAtUnix, &row.UpdatedAtUnix)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.Detail(domain.ErrThreadNotFound, "%s", threadID)
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}
	row.Status = ThreadStatus(status)
	return &row, nil
}

// List returns thread headers with the given status, most recently updated
// first. An empty status lists every thread.
func (r *ThreadRepo) List(ctx context.Context, db *sql.DB, status ThreadStatus, limit int) ([]ThreadRow, error) {
	q := `SELECT thread_id, status, last_seq, created_at_unix, updated_at_unix FROM threads`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY updated_at_unix DESC, thread_id ASC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, rebind(r.Dialect, q), args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []ThreadRow
	for rows.Next() {
		var row ThreadRow
		var st string
		if err := rows.Scan(&row.ThreadID, &st, &row.LastSeq, &row.CreatedAtUnix, &row.UpdatedAtUnix); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		row.Status = ThreadStatus(st)
		out = append(out, row)
	}
	return out, rows.Err()
}
