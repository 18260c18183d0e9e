package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Rogers-F/threadline/internal/domain"
)

// EventRepo handles persistence for thread events.
type EventRepo struct {
	Dialect Dialect
}

// AppendTx inserts a thread event within an existing transaction.
func (r *EventRepo) AppendTx(ctx context.Context, tx *sql.Tx, event domain.Event) error {
	const q = `INSERT INTO thread_events (thread_id, seq_no, event_type, payload_json, created_at)
VALUES (?, ?, ?, ?, ?)`
	payload := string(event.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.ExecContext(ctx, rebind(r.Dialect, q),
		event.ThreadID,
		event.Seq,
		string(event.Type),
		payload,
		event.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListByThread returns events for a thread with sequence numbers greater
// than sinceSeq, ordered by sequence number ascending.
func (r *EventRepo) ListByThread(ctx context.Context, db *sql.DB, threadID string, sinceSeq int64) ([]domain.Event, error) {
	const q = `SELECT thread_id, seq_no, event_type, payload_json, created_at
FROM thread_events
WHERE thread_id = ? AND seq_no > ?
ORDER BY seq_no ASC`

	rows, err := db.QueryContext(ctx, rebind(r.Dialect, q), threadID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		var typ, payload string
		var at int64
		if err := rows.Scan(&e.ThreadID, &e.Seq, &typ, &payload, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = domain.EventType(typ)
		if payload != "{}" {
			e.Payload = []byte(payload)
		}
		e.At = time.Unix(0, at).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
