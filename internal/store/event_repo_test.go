package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Rogers-F/threadline/internal/domain"
)

func TestEventRepo_AppendAndList(t *testing.T) {
	dir := t.TempDir()
	db, err := NewDB(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := &EventRepo{}
	now := time.Date(2026, 10, 1, 9, 30, 0, 123, time.UTC)

	events := []domain.Event{
		{ThreadID: "thread-1", Seq: 1, Type: domain.EventUserMessage, At: now, Payload: []byte(`{"text":"mask it"}`)},
		{ThreadID: "thread-1", Seq: 2, Type: domain.EventRouted, At: now.Add(time.Second)},
		{ThreadID: "thread-1", Seq: 3, Type: domain.EventProbesExecuted, At: now.Add(2 * time.Second)},
	}

	for _, e := range events {
		tx, err := db.Begin()
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := repo.AppendTx(ctx, tx, e); err != nil {
			t.Fatalf("AppendTx seq=%d: %v", e.Seq, err)
		}
		tx.Commit()
	}

	// List all events since seq 0.
	got, err := repo.ListByThread(ctx, db, "thread-1", 0)
	if err != nil {
		t.Fatalf("ListByThread: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if !got[0].At.Equal(now) {
		t.Errorf("At = %v, want %v", got[0].At, now)
	}
	if string(got[0].Payload) != `{"text":"mask it"}` {
		t.Errorf("Payload = %s", got[0].Payload)
	}
	if got[1].Payload != nil {
		t.Errorf("empty payload read back as %s", got[1].Payload)
	}

	// List events since seq 1 (should return seq 2, 3).
	got, err = repo.ListByThread(ctx, db, "thread-1", 1)
	if err != nil {
		t.Fatalf("ListByThread sinceSeq=1: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Seq != 2 {
		t.Errorf("first event Seq = %d, want 2", got[0].Seq)
	}
}

func TestEventRepo_DuplicateSeqNo(t *testing.T) {
	dir := t.TempDir()
	db, err := NewDB(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := &EventRepo{}
	event := domain.Event{ThreadID: "thread-dup", Seq: 1, Type: domain.EventUserMessage, At: time.Now()}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := repo.AppendTx(ctx, tx, event); err != nil {
		t.Fatalf("first AppendTx: %v", err)
	}
	tx.Commit()

	// Duplicate (thread_id, seq_no) should fail.
	tx2, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = repo.AppendTx(ctx, tx2, event)
	tx2.Rollback()

	if err == nil {
		t.Fatal("expected error on duplicate seq_no, got nil")
	}
	if !isUniqueViolation(err) {
		t.Errorf("isUniqueViolation(%v) = false", err)
	}
}

func TestEventRepo_ListByThread_Empty(t *testing.T) {
	dir := t.TempDir()
	db, err := NewDB(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	got, err := (&EventRepo{}).ListByThread(context.Background(), db, "nonexistent", 0)
	if err != nil {
		t.Fatalf("ListByThread: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no events, got %v", got)
	}
}
