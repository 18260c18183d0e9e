package thread

import (
	"context"
	"sync"
	"time"

	"github.com/Rogers-F/threadline/internal/domain"
)

// MemoryStore keeps logs in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]domain.Event
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string][]domain.Event)}
}

// Create registers an empty log.
func (m *MemoryStore) Create(_ context.Context, threadID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.threads[threadID]; ok {
		return domain.Detail(domain.ErrThreadExists, "%s", threadID)
	}
	m.threads[threadID] = nil
	return nil
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, threadID string, expectedLastSeq int64, events []domain.Event) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.threads[threadID]
	if !ok {
		return nil, domain.Detail(domain.ErrThreadNotFound, "%s", threadID)
	}
	if last := int64(len(log)); last != expectedLastSeq {
		return nil, domain.Detail(domain.ErrSeqConflict, "%s: expected last seq %d, have %d", threadID, expectedLastSeq, last)
	}
	stamped := Sequence(threadID, expectedLastSeq, events)
	m.threads[threadID] = append(log, stamped...)
	return stamped, nil
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context, threadID string) ([]domain.Event, error) {
	return m.LoadSince(ctx, threadID, 0)
}

// LoadSince implements Store.
func (m *MemoryStore) LoadSince(_ context.Context, threadID string, sinceSeq int64) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log, ok := m.threads[threadID]
	if !ok {
		return nil, domain.Detail(domain.ErrThreadNotFound, "%s", threadID)
	}
	if sinceSeq < 0 {
		sinceSeq = 0
	}
	if sinceSeq >= int64(len(log)) {
		return []domain.Event{}, nil
	}
	out := make([]domain.Event, len(log)-int(sinceSeq))
	copy(out, log[sinceSeq:])
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
