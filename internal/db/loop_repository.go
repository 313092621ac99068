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

// Loop repository errors.
var (
	ErrLoopNotFound = errors.New("loop not found")
)

// LoopRepository handles loop persistence.
type LoopRepository struct {
	db *DB
}

// NewLoopRepository creates a new LoopRepository.
func NewLoopRepository(db *DB) *LoopRepository {
	return &LoopRepository{db: db}
}

// Create adds a new loop.
func (r *LoopRepository) Create(ctx context.Context, loop *models.Loop) error {
	if err := loop.Validate(); err != nil {
		return err
	}
	if loop.ID == "" {
		loop.ID = uuid.New().String()
	}
	if loop.State == "" {
		loop.State = models.DefaultLoopState()
	}
	now := time.Now().UTC()
	loop.CreatedAt = now
	loop.UpdatedAt = now

	metadataJSON, err := marshalMetadata(loop.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO loops (
			id, name, repo_path, prompt_path, interval_seconds, state,
			last_run_at, last_exit_code, last_error, log_path, ledger_path,
			metadata_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		loop.ID,
		loop.Name,
		loop.RepoPath,
		nullableString(loop.PromptPath),
		loop.IntervalSeconds,
		string(loop.State),
		stringTimePtr(loop.LastRunAt),
		loop.LastExitCode,
		nullableString(loop.LastError),
		nullableString(loop.LogPath),
		nullableString(loop.LedgerPath),
		metadataJSON,
		loop.CreatedAt.Format(time.RFC3339),
		loop.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert loop: %w", err)
	}

	return nil
}

// Get retrieves a loop by ID.
func (r *LoopRepository) Get(ctx context.Context, id string) (*models.Loop, error) {
	row := r.db.QueryRowContext(ctx, loopSelect+` WHERE id = ?`, id)
	return r.scanLoop(row)
}

// GetByName retrieves a loop by name.
func (r *LoopRepository) GetByName(ctx context.Context, name string) (*models.Loop, error) {
	row := r.db.QueryRowContext(ctx, loopSelect+` WHERE name = ?`, name)
	return r.scanLoop(row)
}

// List retrieves all loops ordered by creation time.
func (r *LoopRepository) List(ctx context.Context) ([]*models.Loop, error) {
	rows, err := r.db.QueryContext(ctx, loopSelect+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query loops: %w", err)
	}
	defer rows.Close()

	loops := make([]*models.Loop, 0)
	for rows.Next() {
		loop, err := r.scanLoop(rows)
		if err != nil {
			return nil, err
		}
		loops = append(loops, loop)
	}

	return loops, rows.Err()
}

// Update persists mutable loop fields (state, last-run info, paths).
func (r *LoopRepository) Update(ctx context.Context, loop *models.Loop) error {
	loop.UpdatedAt = time.Now().UTC()

	metadataJSON, err := marshalMetadata(loop.Metadata)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE loops
		SET state = ?, last_run_at = ?, last_exit_code = ?, last_error = ?,
			log_path = ?, ledger_path = ?, interval_seconds = ?,
			prompt_path = ?, metadata_json = ?, updated_at = ?
		WHERE id = ?
	`,
		string(loop.State),
		stringTimePtr(loop.LastRunAt),
		loop.LastExitCode,
		nullableString(loop.LastError),
		nullableString(loop.LogPath),
		nullableString(loop.LedgerPath),
		loop.IntervalSeconds,
		nullableString(loop.PromptPath),
		metadataJSON,
		loop.UpdatedAt.Format(time.RFC3339),
		loop.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update loop: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrLoopNotFound
	}
	return nil
}

const loopSelect = `
	SELECT id, name, repo_path, prompt_path, interval_seconds, state,
		last_run_at, last_exit_code, last_error, log_path, ledger_path,
		metadata_json, created_at, updated_at
	FROM loops`

func (r *LoopRepository) scanLoop(scanner interface{ Scan(...any) error }) (*models.Loop, error) {
	var (
		id           string
		name         string
		repoPath     string
		promptPath   sql.NullString
		interval     int
		state        string
		lastRunAt    sql.NullString
		lastExitCode sql.NullInt64
		lastError    sql.NullString
		logPath      sql.NullString
		ledgerPath   sql.NullString
		metadataJSON sql.NullString
		createdAt    string
		updatedAt    string
	)

	if err := scanner.Scan(
		&id,
		&name,
		&repoPath,
		&promptPath,
		&interval,
		&state,
		&lastRunAt,
		&lastExitCode,
		&lastError,
		&logPath,
		&ledgerPath,
		&metadataJSON,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLoopNotFound
		}
		return nil, fmt.Errorf("failed to scan loop: %w", err)
	}

	loop := &models.Loop{
		ID:              id,
		Name:            name,
		RepoPath:        repoPath,
		PromptPath:      promptPath.String,
		IntervalSeconds: interval,
		State:           models.LoopState(state),
		LastError:       lastError.String,
		LogPath:         logPath.String,
		LedgerPath:      ledgerPath.String,
		CreatedAt:       parseTime(createdAt),
		UpdatedAt:       parseTime(updatedAt),
	}

	if lastRunAt.Valid && lastRunAt.String != "" {
		t := parseTime(lastRunAt.String)
		loop.LastRunAt = &t
	}
	if lastExitCode.Valid {
		code := int(lastExitCode.Int64)
		loop.LastExitCode = &code
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &loop.Metadata)
	}

	return loop, nil
}

func marshalMetadata(metadata map[string]any) (*string, error) {
	if metadata == nil {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	value := string(data)
	return &value, nil
}
