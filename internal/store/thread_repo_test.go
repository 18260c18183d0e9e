package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/Rogers-F/threadline/internal/domain"
)

func TestThreadRepo_CreateAndGet(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := &ThreadRepo{}
	row := ThreadRow{ThreadID: "thread-1", Status: StatusLive, CreatedAtUnix: 1000, UpdatedAtUnix: 1000}
	if err := repo.Create(ctx, db, row); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.GetByID(ctx, db, "thread-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != StatusLive || got.LastSeq != 0 {
		t.Errorf("row = %+v", got)
	}
}

func TestThreadRepo_GetByID_NotFound(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	_, err = (&ThreadRepo{}).GetByID(context.Background(), db, "missing")
	if !errors.Is(err, domain.ErrThreadNotFound) {
		t.Errorf("err = %v, want ErrThreadNotFound", err)
	}
}

func TestThreadRepo_Advance_OptimisticLock(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := &ThreadRepo{}
	if err := repo.Create(ctx, db, ThreadRow{ThreadID: "thread-1", Status: StatusLive}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	tx, _ := db.Begin()
	if err := repo.AdvanceTx(ctx, tx, "thread-1", 0, 3, StatusLive, 2000); err != nil {
		t.Fatalf("AdvanceTx: %v", err)
	}
	tx.Commit()

	// A writer still holding the old tail must lose.
	tx, _ = db.Begin()
	err = repo.AdvanceTx(ctx, tx, "thread-1", 0, 1, StatusLive, 2001)
	tx.Rollback()
	if !errors.Is(err, domain.ErrSeqConflict) {
		t.Fatalf("err = %v, want ErrSeqConflict", err)
	}

	tx, _ = db.Begin()
	err = repo.AdvanceTx(ctx, tx, "ghost", 0, 1, StatusLive, 2002)
	tx.Rollback()
	if !errors.Is(err, domain.ErrThreadNotFound) {
		t.Fatalf("err = %v, want ErrThreadNotFound", err)
	}

	got, _ := repo.GetByID(ctx, db, "thread-1")
	if got.LastSeq != 3 || got.UpdatedAtUnix != 2000 {
		t.Errorf("row = %+v, want last_seq 3", got)
	}
}

func TestThreadRepo_DuplicateCreate(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := &ThreadRepo{}
	row := ThreadRow{ThreadID: "dup", Status: StatusLive}
	if err := repo.Create(ctx, db, row); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if err := repo.Create(ctx, db, row); err == nil {
		t.Error("expected error on duplicate create, got nil")
	}
}

func TestThreadRepo_ListByStatus(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := &ThreadRepo{}
	rows := []ThreadRow{
		{ThreadID: "a", Status: StatusLive, UpdatedAtUnix: 1},
		{ThreadID: "b", Status: StatusClosed, UpdatedAtUnix: 2},
		{ThreadID: "c", Status: StatusLive, UpdatedAtUnix: 3},
	}
	for _, r := range rows {
		if err := repo.Create(ctx, db, r); err != nil {
			t.Fatalf("Create %s: %v", r.ThreadID, err)
		}
	}

	live, err := repo.List(ctx, db, StatusLive, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(live) != 2 || live[0].ThreadID != "c" || live[1].ThreadID != "a" {
		t.Errorf("live = %+v, want c then a", live)
	}

	all, err := repo.List(ctx, db, "", 1)
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 1 || all[0].ThreadID != "c" {
		t.Errorf("all (limit 1) = %+v", all)
	}
}
