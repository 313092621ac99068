package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tarberg/loopd/internal/models"
)

// Iteration repository errors.
var (
	ErrIterationNotFound = errors.New("iteration not found")

	// ErrWriteFailure wraps append failures on the durable medium. Callers
	// must treat it as fatal: the loop cannot safely continue without a
	// durable trail.
	ErrWriteFailure = errors.New("durable write failure")
)

// IterationRepository handles iteration record persistence. The table is
// append-only: there is deliberately no update or delete operation, and
// corrections are expressed as new records.
type IterationRepository struct {
	db *DB
}

// NewIterationRepository creates a new IterationRepository.
func NewIterationRepository(db *DB) *IterationRepository {
	return &IterationRepository{db: db}
}

// Append inserts a finished iteration record.
func (r *IterationRepository) Append(ctx context.Context, it *models.Iteration) error {
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	if it.StartedAt.IsZero() {
		it.StartedAt = time.Now().UTC()
	}
	if err := it.Validate(); err != nil {
		return err
	}

	var filesJSON *string
	if len(it.FilesTouched) > 0 {
		data, err := json.Marshal(it.FilesTouched)
		if err != nil {
			return fmt.Errorf("failed to marshal files touched: %w", err)
		}
		value := string(data)
		filesJSON = &value
	}

	var metadataJSON *string
	if it.Metadata != nil {
		data, err := json.Marshal(it.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal iteration metadata: %w", err)
		}
		value := string(data)
		metadataJSON = &value
	}

	progress := 0
	if it.Progress {
		progress = 1
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO iterations (
			id, loop_id, seq, status, prompt_ref, command, outcome,
			files_touched_json, progress, transcript_path,
			started_at, finished_at, exit_code, metadata_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		it.ID,
		it.LoopID,
		it.Seq,
		string(it.Status),
		nullableString(it.PromptRef),
		nullableString(it.Command),
		nullableString(it.Outcome),
		filesJSON,
		progress,
		nullableString(it.TranscriptPath),
		it.StartedAt.UTC().Format(time.RFC3339),
		stringTimePtr(it.FinishedAt),
		it.ExitCode,
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	return nil
}

// ReadRecent returns up to n records for a loop, most recent first.
func (r *IterationRepository) ReadRecent(ctx context.Context, loopID string, n int) ([]*models.Iteration, error) {
	rows, err := r.db.QueryContext(ctx, iterationSelect+`
		WHERE loop_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, loopID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations: %w", err)
	}
	defer rows.Close()

	iterations := make([]*models.Iteration, 0, n)
	for rows.Next() {
		it, err := r.scanIteration(rows)
		if err != nil {
			return nil, err
		}
		iterations = append(iterations, it)
	}

	return iterations, rows.Err()
}

// Get retrieves an iteration by ID.
func (r *IterationRepository) Get(ctx context.Context, id string) (*models.Iteration, error) {
	row := r.db.QueryRowContext(ctx, iterationSelect+` WHERE id = ?`, id)
	return r.scanIteration(row)
}

// Count returns the number of records for a loop.
func (r *IterationRepository) Count(ctx context.Context, loopID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM iterations WHERE loop_id = ?`, loopID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count iterations: %w", err)
	}
	return count, nil
}

// MaxSeq returns the highest sequence number recorded for a loop, or zero
// when no iterations exist yet.
func (r *IterationRepository) MaxSeq(ctx context.Context, loopID string) (int, error) {
	var seq int
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM iterations WHERE loop_id = ?`, loopID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read max seq: %w", err)
	}
	return seq, nil
}

const iterationSelect = `
	SELECT id, loop_id, seq, status, prompt_ref, command, outcome,
		files_touched_json, progress, transcript_path,
		started_at, finished_at, exit_code, metadata_json
	FROM iterations`

func (r *IterationRepository) scanIteration(scanner interface{ Scan(...any) error }) (*models.Iteration, error) {
	var (
		id             string
		loopID         string
		seq            int
		status         string
		promptRef      sql.NullString
		command        sql.NullString
		outcome        sql.NullString
		filesJSON      sql.NullString
		progress       int
		transcriptPath sql.NullString
		startedAt      string
		finishedAt     sql.NullString
		exitCode       sql.NullInt64
		metadataJSON   sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&loopID,
		&seq,
		&status,
		&promptRef,
		&command,
		&outcome,
		&filesJSON,
		&progress,
		&transcriptPath,
		&startedAt,
		&finishedAt,
		&exitCode,
		&metadataJSON,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIterationNotFound
		}
		return nil, fmt.Errorf("failed to scan iteration: %w", err)
	}

	it := &models.Iteration{
		ID:             id,
		LoopID:         loopID,
		Seq:            seq,
		Status:         models.IterationStatus(status),
		PromptRef:      promptRef.String,
		Command:        command.String,
		Outcome:        outcome.String,
		Progress:       progress == 1,
		TranscriptPath: transcriptPath.String,
		StartedAt:      parseTime(startedAt),
	}

	if filesJSON.Valid && filesJSON.String != "" {
		_ = json.Unmarshal([]byte(filesJSON.String), &it.FilesTouched)
	}
	if finishedAt.Valid && finishedAt.String != "" {
		t := parseTime(finishedAt.String)
		it.FinishedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		it.ExitCode = &code
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &it.Metadata)
	}

	return it, nil
}
