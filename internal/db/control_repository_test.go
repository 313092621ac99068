package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tarberg/loopd/internal/models"
)

func newPauseItem(t *testing.T, seconds int) *models.ControlItem {
	t.Helper()

	payload, err := json.Marshal(models.PausePayload{DurationSeconds: seconds})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	return &models.ControlItem{
		Type:    models.ControlPause,
		Payload: payload,
	}
}

func TestControlRepository_EnqueueListPending(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	loop := createTestLoop(t, db)
	repo := NewControlRepository(db)
	ctx := context.Background()

	pause := newPauseItem(t, 60)
	resumePayload, _ := json.Marshal(models.ResumePayload{Reason: "operator resumed"})
	resume := &models.ControlItem{
		Type:    models.ControlResume,
		Payload: resumePayload,
	}

	if err := repo.Enqueue(ctx, loop.ID, pause, resume); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	pending, err := repo.ListPending(ctx, loop.ID)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending items, got %d", len(pending))
	}
	if pending[0].Type != models.ControlPause {
		t.Fatalf("expected pause first, got %q", pending[0].Type)
	}

	var payload models.PausePayload
	if err := json.Unmarshal(pending[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.DurationSeconds != 60 {
		t.Fatalf("expected duration 60, got %d", payload.DurationSeconds)
	}
}

func TestControlRepository_ListPendingArrivalOrder(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	loop := createTestLoop(t, db)
	repo := NewControlRepository(db)
	ctx := context.Background()

	// Both land inside the same wall-clock second and the ids sort in
	// reverse: only insertion order may decide the drain order.
	pause := newPauseItem(t, 0)
	pause.ID = "zzzz-pause"
	resumePayload, _ := json.Marshal(models.ResumePayload{})
	resume := &models.ControlItem{
		ID:      "aaaa-resume",
		Type:    models.ControlResume,
		Payload: resumePayload,
	}

	if err := repo.Enqueue(ctx, loop.ID, pause); err != nil {
		t.Fatalf("Enqueue pause failed: %v", err)
	}
	if err := repo.Enqueue(ctx, loop.ID, resume); err != nil {
		t.Fatalf("Enqueue resume failed: %v", err)
	}

	pending, err := repo.ListPending(ctx, loop.ID)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending items, got %d", len(pending))
	}
	if pending[0].Type != models.ControlPause || pending[1].Type != models.ControlResume {
		t.Fatalf("expected arrival order pause, resume; got %q, %q", pending[0].Type, pending[1].Type)
	}
}

func TestControlRepository_MarkApplied(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	loop := createTestLoop(t, db)
	repo := NewControlRepository(db)
	ctx := context.Background()

	item := newPauseItem(t, 0)
	if err := repo.Enqueue(ctx, loop.ID, item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := repo.MarkApplied(ctx, item.ID); err != nil {
		t.Fatalf("MarkApplied failed: %v", err)
	}

	pending, err := repo.ListPending(ctx, loop.ID)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending items, got %d", len(pending))
	}
}

func TestControlRepository_MarkFailed(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	loop := createTestLoop(t, db)
	repo := NewControlRepository(db)
	ctx := context.Background()

	item := newPauseItem(t, 0)
	if err := repo.Enqueue(ctx, loop.ID, item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := repo.MarkFailed(ctx, item.ID, "loop already aborted"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	pending, err := repo.ListPending(ctx, loop.ID)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending items, got %d", len(pending))
	}
}

func TestControlRepository_MarkMissing(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewControlRepository(db)
	if err := repo.MarkApplied(context.Background(), "no-such-item"); !errors.Is(err, ErrControlItemNotFound) {
		t.Fatalf("expected ErrControlItemNotFound, got %v", err)
	}
}

func TestControlRepository_RejectsInvalidPayload(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	loop := createTestLoop(t, db)
	repo := NewControlRepository(db)

	item := &models.ControlItem{
		Type:    models.ControlSetBudget,
		Payload: json.RawMessage(`{"max_iterations": -1}`),
	}
	if err := repo.Enqueue(context.Background(), loop.ID, item); err == nil {
		t.Fatalf("expected payload validation error")
	}
}
