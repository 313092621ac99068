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

// Control repository errors.
var (
	ErrControlItemNotFound = errors.New("control item not found")
)

// ControlRepository handles operator control persistence. Controls travel
// through the store so they reach loops running in other processes and
// survive restarts.
type ControlRepository struct {
	db *DB
}

// NewControlRepository creates a new ControlRepository.
func NewControlRepository(db *DB) *ControlRepository {
	return &ControlRepository{db: db}
}

// Enqueue adds control items for a loop.
func (r *ControlRepository) Enqueue(ctx context.Context, loopID string, items ...*models.ControlItem) error {
	now := time.Now().UTC()

	for i, item := range items {
		item.LoopID = loopID
		if err := item.Validate(); err != nil {
			return fmt.Errorf("invalid control item at index %d: %w", i, err)
		}
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		item.CreatedAt = now
		if item.Status == "" {
			item.Status = models.ControlStatusPending
		}

		_, err := r.db.ExecContext(ctx, `
			INSERT INTO control_items (
				id, loop_id, type, status, payload_json, error_message,
				created_at, applied_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			item.ID,
			item.LoopID,
			string(item.Type),
			string(item.Status),
			string(item.Payload),
			nullableString(item.Error),
			item.CreatedAt.Format(time.RFC3339),
			stringTimePtr(item.AppliedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert control item: %w", err)
		}
	}

	return nil
}

// ListPending returns pending control items for a loop in arrival order.
// Ordering uses the insertion rowid: created_at has second precision, so
// two controls in the same second would otherwise drain in id order and a
// pause-then-resume could apply backwards.
func (r *ControlRepository) ListPending(ctx context.Context, loopID string) ([]*models.ControlItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, loop_id, type, status, payload_json, error_message,
			created_at, applied_at
		FROM control_items
		WHERE loop_id = ? AND status = ?
		ORDER BY rowid ASC
	`, loopID, string(models.ControlStatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query control items: %w", err)
	}
	defer rows.Close()

	items := make([]*models.ControlItem, 0)
	for rows.Next() {
		item, err := r.scanControlItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// MarkApplied marks a control item as applied.
func (r *ControlRepository) MarkApplied(ctx context.Context, id string) error {
	return r.updateStatus(ctx, id, models.ControlStatusApplied, "")
}

// MarkFailed marks a control item as failed with a message.
func (r *ControlRepository) MarkFailed(ctx context.Context, id, message string) error {
	return r.updateStatus(ctx, id, models.ControlStatusFailed, message)
}

func (r *ControlRepository) updateStatus(ctx context.Context, id string, status models.ControlStatus, message string) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE control_items
		SET status = ?, error_message = ?, applied_at = ?
		WHERE id = ?
	`, string(status), nullableString(message), now.Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to update control item: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrControlItemNotFound
	}
	return nil
}

func (r *ControlRepository) scanControlItem(scanner interface{ Scan(...any) error }) (*models.ControlItem, error) {
	var (
		id        string
		loopID    string
		itemType  string
		status    string
		payload   string
		errMsg    sql.NullString
		createdAt string
		appliedAt sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&loopID,
		&itemType,
		&status,
		&payload,
		&errMsg,
		&createdAt,
		&appliedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrControlItemNotFound
		}
		return nil, fmt.Errorf("failed to scan control item: %w", err)
	}

	item := &models.ControlItem{
		ID:        id,
		LoopID:    loopID,
		Type:      models.ControlType(itemType),
		Status:    models.ControlStatus(status),
		Payload:   []byte(payload),
		Error:     errMsg.String,
		CreatedAt: parseTime(createdAt),
	}

	if appliedAt.Valid && appliedAt.String != "" {
		t := parseTime(appliedAt.String)
		item.AppliedAt = &t
	}

	return item, nil
}
