package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tarberg/loopd/internal/models"
)

func TestIterationRepository_AppendReadRecent(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	loop := createTestLoop(t, db)
	repo := NewIterationRepository(db)
	ctx := context.Background()

	for seq := 1; seq <= 5; seq++ {
		finished := time.Now().UTC()
		exitCode := 0
		it := &models.Iteration{
			LoopID:     loop.ID,
			Seq:        seq,
			Status:     models.IterationStatusSuccess,
			Command:    "go test ./...",
			Outcome:    "tests passed",
			Progress:   true,
			FinishedAt: &finished,
			ExitCode:   &exitCode,
		}
		if err := repo.Append(ctx, it); err != nil {
			t.Fatalf("Append seq %d failed: %v", seq, err)
		}
	}

	recent, err := repo.ReadRecent(ctx, loop.ID, 3)
	if err != nil {
		t.Fatalf("ReadRecent failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recent))
	}
	if recent[0].Seq != 5 || recent[1].Seq != 4 || recent[2].Seq != 3 {
		t.Fatalf("expected most recent first, got seqs %d, %d, %d",
			recent[0].Seq, recent[1].Seq, recent[2].Seq)
	}

	count, err := repo.Count(ctx, loop.ID)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 5 {
		t.Fatalf("expected 5 records, got %d", count)
	}

	maxSeq, err := repo.MaxSeq(ctx, loop.ID)
	if err != nil {
		t.Fatalf("MaxSeq failed: %v", err)
	}
	if maxSeq != 5 {
		t.Fatalf("expected max seq 5, got %d", maxSeq)
	}
}

func TestIterationRepository_DuplicateSeq(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	loop := createTestLoop(t, db)
	repo := NewIterationRepository(db)
	ctx := context.Background()

	first := &models.Iteration{LoopID: loop.ID, Seq: 1, Status: models.IterationStatusSuccess}
	if err := repo.Append(ctx, first); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Same seq again must fail as a write failure, never overwrite.
	duplicate := &models.Iteration{LoopID: loop.ID, Seq: 1, Status: models.IterationStatusError}
	err := repo.Append(ctx, duplicate)
	if !errors.Is(err, ErrWriteFailure) {
		t.Fatalf("expected ErrWriteFailure, got %v", err)
	}

	stored, err := repo.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != models.IterationStatusSuccess {
		t.Fatalf("expected original record untouched, got status %q", stored.Status)
	}
}

func TestIterationRepository_FilesTouchedRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	loop := createTestLoop(t, db)
	repo := NewIterationRepository(db)
	ctx := context.Background()

	it := &models.Iteration{
		LoopID:       loop.ID,
		Seq:          1,
		Status:       models.IterationStatusError,
		Command:      "edit parser.go",
		Outcome:      "compile error",
		FilesTouched: []string{"parser.go", "parser_test.go"},
	}
	if err := repo.Append(ctx, it); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	stored, err := repo.Get(ctx, it.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(stored.FilesTouched) != 2 || stored.FilesTouched[0] != "parser.go" {
		t.Fatalf("unexpected files touched %v", stored.FilesTouched)
	}
	if stored.Progress {
		t.Fatalf("expected progress false")
	}
}

func TestIterationRepository_ReadRecentEmpty(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	loop := createTestLoop(t, db)
	repo := NewIterationRepository(db)

	recent, err := repo.ReadRecent(context.Background(), loop.ID, 10)
	if err != nil {
		t.Fatalf("ReadRecent failed: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("expected no records, got %d", len(recent))
	}
}

func TestIterationRepository_ValidationRejected(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewIterationRepository(db)
	it := &models.Iteration{Seq: 0, Status: "bogus"}
	if err := repo.Append(context.Background(), it); err == nil {
		t.Fatalf("expected validation error")
	}
}
