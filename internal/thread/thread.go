// Package thread defines the append-only event log contract every
// persistence provider satisfies, plus an in-memory provider.
package thread

import (
	"context"
	"time"

	"github.com/Rogers-F/threadline/internal/domain"
)

// Store persists thread event logs.
//
// Append is atomic: either every event is stored with consecutive sequence
// numbers following expectedLastSeq, or none is and the error matches
// domain.ErrSeqConflict. Providers assign Seq and ThreadID on append.
type Store interface {
	Create(ctx context.Context, threadID string, at time.Time) error
	Append(ctx context.Context, threadID string, expectedLastSeq int64, events []domain.Event) ([]domain.Event, error)
	Load(ctx context.Context, threadID string) ([]domain.Event, error)
	LoadSince(ctx context.Context, threadID string, sinceSeq int64) ([]domain.Event, error)
	Close() error
}

// Sequence stamps events with thread id and consecutive sequence numbers
// after lastSeq, returning a new slice.
func Sequence(threadID string, lastSeq int64, events []domain.Event) []domain.Event {
	out := make([]domain.Event, len(events))
	for i, ev := range events {
		ev.ThreadID = threadID
		ev.Seq = lastSeq + int64(i) + 1
		out[i] = ev
	}
	return out
}
