// Package storetest is a conformance suite for thread.Store providers.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rogers-F/threadline/internal/domain"
	"github.com/Rogers-F/threadline/internal/thread"
)

// Run exercises newStore against the Store contract. Each subtest gets a
// fresh store and unique thread ids.
func Run(t *testing.T, newStore func(t *testing.T) thread.Store) {
	t.Run("AppendAndLoad", func(t *testing.T) { testAppendAndLoad(t, newStore(t)) })
	t.Run("LoadSince", func(t *testing.T) { testLoadSince(t, newStore(t)) })
	t.Run("SeqConflict", func(t *testing.T) { testSeqConflict(t, newStore(t)) })
	t.Run("UnknownThread", func(t *testing.T) { testUnknownThread(t, newStore(t)) })
	t.Run("CreateTwice", func(t *testing.T) { testCreateTwice(t, newStore(t)) })
	t.Run("ConcurrentAppendersNeverInterleave", func(t *testing.T) { testConcurrent(t, newStore(t)) })
}

func event(t *testing.T, typ domain.EventType, payload any) domain.Event {
	t.Helper()
	ev, err := domain.NewEvent("", typ, time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC), payload)
	require.NoError(t, err)
	return ev
}

func newThread(t *testing.T, s thread.Store) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, s.Create(context.Background(), id, time.Now()))
	return id
}

func testAppendAndLoad(t *testing.T, s thread.Store) {
	ctx := context.Background()
	id := newThread(t, s)

	got, err := s.Append(ctx, id, 0, []domain.Event{
		event(t, domain.EventUserMessage, domain.UserMessage{Text: "mask the email column"}),
		event(t, domain.EventRouted, domain.Routed{Domain: "masking", Mode: domain.ModeWorkflow}),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, int64(2), got[1].Seq)
	assert.Equal(t, id, got[1].ThreadID)

	loaded, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, domain.EventRouted, loaded[1].Type)
	assert.True(t, loaded[0].At.Equal(got[0].At), "timestamp round trip")

	var routed domain.Routed
	require.NoError(t, loaded[1].Decode(&routed))
	assert.Equal(t, "masking", routed.Domain)
}

func testLoadSince(t *testing.T, s thread.Store) {
	ctx := context.Background()
	id := newThread(t, s)
	for i := int64(0); i < 3; i++ {
		_, err := s.Append(ctx, id, i, []domain.Event{event(t, domain.EventStepStarted, nil)})
		require.NoError(t, err)
	}

	got, err := s.LoadSince(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Seq)

	got, err = s.LoadSince(ctx, id, 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testSeqConflict(t *testing.T, s thread.Store) {
	ctx := context.Background()
	id := newThread(t, s)
	_, err := s.Append(ctx, id, 0, []domain.Event{event(t, domain.EventUserMessage, nil)})
	require.NoError(t, err)

	_, err = s.Append(ctx, id, 0, []domain.Event{event(t, domain.EventUserMessage, nil), event(t, domain.EventRouted, nil)})
	require.ErrorIs(t, err, domain.ErrSeqConflict)

	loaded, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Len(t, loaded, 1, "a rejected batch must not be partially applied")
}

func testUnknownThread(t *testing.T, s thread.Store) {
	ctx := context.Background()
	_, err := s.Load(ctx, "no-such-thread")
	assert.ErrorIs(t, err, domain.ErrThreadNotFound)
	_, err = s.Append(ctx, "no-such-thread", 0, []domain.Event{event(t, domain.EventUserMessage, nil)})
	assert.ErrorIs(t, err, domain.ErrThreadNotFound)
}

func testCreateTwice(t *testing.T, s thread.Store) {
	id := newThread(t, s)
	err := s.Create(context.Background(), id, time.Now())
	assert.ErrorIs(t, err, domain.ErrThreadExists)
}

// testConcurrent races writers that each read the tail and append; the log
// must end up gap-free with every accepted append intact.
func testConcurrent(t *testing.T, s thread.Store) {
	ctx := context.Background()
	id := newThread(t, s)

	const writers, rounds = 4, 5
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for done := 0; done < rounds; {
				log, err := s.Load(ctx, id)
				if err != nil {
					t.Errorf("Load: %v", err)
					return
				}
				_, err = s.Append(ctx, id, int64(len(log)), []domain.Event{
					event(t, domain.EventStepStarted, nil), event(t, domain.EventStepCompleted, nil),
				})
				switch {
				case err == nil:
					done++
				case !errors.Is(err, domain.ErrSeqConflict):
					t.Errorf("Append: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	log, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.Len(t, log, writers*rounds*2)
	for i, ev := range log {
		assert.Equal(t, int64(i+1), ev.Seq)
		want := domain.EventStepStarted
		if i%2 == 1 {
			want = domain.EventStepCompleted
		}
		assert.Equal(t, want, ev.Type, "seq %d", ev.Seq)
	}
}
