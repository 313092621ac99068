package db

import (
	"context"
	"testing"

	"github.com/tarberg/loopd/internal/models"
)

func TestGuardrailRepository_AppendList(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	loop := createTestLoop(t, db)
	repo := NewGuardrailRepository(db)
	ctx := context.Background()

	entries := []*models.Guardrail{
		{LoopID: loop.ID, Pattern: "edit migrations/*", Note: "never rewrite applied migrations"},
		{LoopID: loop.ID, Note: "run the linter before committing"},
	}
	for _, g := range entries {
		if err := repo.Append(ctx, g); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if g.ID == "" {
			t.Fatalf("expected ID to be set")
		}
	}

	listed, err := repo.List(ctx, loop.ID)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 guardrails, got %d", len(listed))
	}
	if listed[0].Pattern != "edit migrations/*" {
		t.Fatalf("expected oldest first, got pattern %q", listed[0].Pattern)
	}
	if listed[1].Pattern != "" {
		t.Fatalf("expected empty pattern, got %q", listed[1].Pattern)
	}
}

func TestGuardrailRepository_RequiresNote(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	loop := createTestLoop(t, db)
	repo := NewGuardrailRepository(db)

	g := &models.Guardrail{LoopID: loop.ID}
	if err := repo.Append(context.Background(), g); err == nil {
		t.Fatalf("expected validation error for missing note")
	}
}
