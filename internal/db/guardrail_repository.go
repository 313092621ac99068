package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tarberg/loopd/internal/models"
)

// GuardrailRepository handles guardrail persistence. Guardrails are
// append-only lessons; they are never edited or removed, only superseded
// by newer entries.
type GuardrailRepository struct {
	db *DB
}

// NewGuardrailRepository creates a new GuardrailRepository.
func NewGuardrailRepository(db *DB) *GuardrailRepository {
	return &GuardrailRepository{db: db}
}

// Append inserts a guardrail entry.
func (r *GuardrailRepository) Append(ctx context.Context, g *models.Guardrail) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	if err := g.Validate(); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO guardrails (id, loop_id, pattern, note, created_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		g.ID,
		g.LoopID,
		nullableString(g.Pattern),
		g.Note,
		g.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	return nil
}

// List returns all guardrails for a loop, oldest first.
func (r *GuardrailRepository) List(ctx context.Context, loopID string) ([]*models.Guardrail, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, loop_id, pattern, note, created_at
		FROM guardrails
		WHERE loop_id = ?
		ORDER BY created_at ASC
	`, loopID)
	if err != nil {
		return nil, fmt.Errorf("failed to query guardrails: %w", err)
	}
	defer rows.Close()

	guardrails := make([]*models.Guardrail, 0)
	for rows.Next() {
		var (
			id        string
			lid       string
			pattern   sql.NullString
			note      string
			createdAt string
		)
		if err := rows.Scan(&id, &lid, &pattern, &note, &createdAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				break
			}
			return nil, fmt.Errorf("failed to scan guardrail: %w", err)
		}
		guardrails = append(guardrails, &models.Guardrail{
			ID:        id,
			LoopID:    lid,
			Pattern:   pattern.String,
			Note:      note,
			CreatedAt: parseTime(createdAt),
		})
	}

	return guardrails, rows.Err()
}
