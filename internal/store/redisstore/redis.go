// Package redisstore keeps thread logs in Redis lists. Appends run as a Lua
// script so the tail check and the pushes are one atomic step.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Rogers-F/threadline/internal/domain"
	"github.com/Rogers-F/threadline/internal/thread"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "threadline"

// KEYS[1] meta hash, KEYS[2] event list.
// ARGV[1] expected last seq, ARGV[2] new status or empty, ARGV[3..] events.
var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local n = redis.call('LLEN', KEYS[2])
if n ~= tonumber(ARGV[1]) then
  return -2
end
for i = 3, #ARGV do
  redis.call('RPUSH', KEYS[2], ARGV[i])
end
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[1], 'status', ARGV[2])
end
redis.call('HSET', KEYS[1], 'last_seq', n + #ARGV - 2)
return n + #ARGV - 2
`)

// Store implements thread.Store on a Redis client.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ thread.Store = (*Store)(nil)

// New wraps an existing client. An empty prefix uses DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Open connects to addr and verifies the connection. Keys live under prefix.
func Open(ctx context.Context, addr, password string, db int, prefix string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, domain.WrapEngineError(domain.ErrStoreInit.Code, "redis "+addr, err)
	}
	return New(rdb, prefix), nil
}

// Both keys of a thread share the {threadID} hash tag so the append script
// stays in one cluster slot.
func (s *Store) metaKey(threadID string) string {
	return fmt.Sprintf("%s:thread:{%s}:meta", s.prefix, threadID)
}

func (s *Store) eventsKey(threadID string) string {
	return fmt.Sprintf("%s:thread:{%s}:events", s.prefix, threadID)
}

// Create implements thread.Store.
func (s *Store) Create(ctx context.Context, threadID string, at time.Time) error {
	ok, err := s.client.HSetNX(ctx, s.metaKey(threadID), "created_at", at.UTC().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "create thread", err)
	}
	if !ok {
		return domain.Detail(domain.ErrThreadExists, "%s", threadID)
	}
	return s.client.HSet(ctx, s.metaKey(threadID), "status", "live", "last_seq", 0).Err()
}

// Append implements thread.Store.
func (s *Store) Append(ctx context.Context, threadID string, expectedLastSeq int64, events []domain.Event) ([]domain.Event, error) {
	stamped := thread.Sequence(threadID, expectedLastSeq, events)
	status := ""
	args := make([]any, 0, len(stamped)+2)
	args = append(args, expectedLastSeq, "")
	for _, ev := range stamped {
		if ev.Type.Terminal() {
			status = "closed"
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode event seq %d: %w", ev.Seq, err)
		}
		args = append(args, string(raw))
	}
	args[1] = status

	n, err := appendScript.Run(ctx, s.client, []string{s.metaKey(threadID), s.eventsKey(threadID)}, args...).Int64()
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreWrite.Code, "append events", err)
	}
	switch n {
	case -1:
		return nil, domain.Detail(domain.ErrThreadNotFound, "%s", threadID)
	case -2:
		return nil, domain.Detail(domain.ErrSeqConflict, "%s: expected last seq %d", threadID, expectedLastSeq)
	}
	return stamped, nil
}

// Load implements thread.Store.
func (s *Store) Load(ctx context.Context, threadID string) ([]domain.Event, error) {
	return s.LoadSince(ctx, threadID, 0)
}

// LoadSince implements thread.Store. List index i holds seq i+1.
func (s *Store) LoadSince(ctx context.Context, threadID string, sinceSeq int64) ([]domain.Event, error) {
	exists, err := s.client.Exists(ctx, s.metaKey(threadID)).Result()
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "load thread", err)
	}
	if exists == 0 {
		return nil, domain.Detail(domain.ErrThreadNotFound, "%s", threadID)
	}
	if sinceSeq < 0 {
		sinceSeq = 0
	}
	vals, err := s.client.LRange(ctx, s.eventsKey(threadID), sinceSeq, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "load events", err)
	}
	out := make([]domain.Event, 0, len(vals))
	for _, v := range vals {
		var ev domain.Event
		if err := json.Unmarshal([]byte(v), &ev); err != nil {
			return nil, domain.WrapEngineError(domain.ErrCorruptLog.Code, "decode event", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Status reports the live/closed marker of a thread.
func (s *Store) Status(ctx context.Context, threadID string) (string, error) {
	st, err := s.client.HGet(ctx, s.metaKey(threadID), "status").Result()
	if err == redis.Nil {
		return "", domain.Detail(domain.ErrThreadNotFound, "%s", threadID)
	}
	if err != nil {
		return "", domain.WrapEngineError(domain.ErrStoreQuery.Code, "thread status", err)
	}
	return st, nil
}

// Close closes the client.
func (s *Store) Close() error { return s.client.Close() }
