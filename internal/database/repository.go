package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/copyforge/pipeline/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Repository provides database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Health checks the underlying database connection
func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

// Accounts

// CreateAccount creates a new account record
func (r *Repository) CreateAccount(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.Tier == "" {
		account.Tier = models.TierStarter
	}
	if account.Status == "" {
		account.Status = models.AccountStatusActive
	}

	query := `
		INSERT INTO accounts (id, email, password_hash, tier, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		account.ID, account.Email, account.PasswordHash, account.Tier, account.Status,
	).Scan(&account.CreatedAt, &account.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// GetAccount retrieves an account by ID
func (r *Repository) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var account models.Account

	query := `
		SELECT id, email, password_hash, tier, status, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`

	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&account.ID, &account.Email, &account.PasswordHash, &account.Tier,
		&account.Status, &account.CreatedAt, &account.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &account, nil
}

// GetAccountByEmail retrieves an account by email
func (r *Repository) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	var account models.Account

	query := `
		SELECT id, email, password_hash, tier, status, created_at, updated_at
		FROM accounts
		WHERE email = $1
	`

	err := r.db.Pool.QueryRow(ctx, query, email).Scan(
		&account.ID, &account.Email, &account.PasswordHash, &account.Tier,
		&account.Status, &account.CreatedAt, &account.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account by email: %w", err)
	}

	return &account, nil
}

// Generation jobs

// CreateJob creates a new generation job record
func (r *Repository) CreateJob(ctx context.Context, job *models.GenerationJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	query := `
		INSERT INTO generation_jobs (id, account_id, state, params, reservation_id, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		job.ID, job.AccountID, job.State, job.Params, job.ReservationID, job.RetryCount,
	).Scan(&job.CreatedAt, &job.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob retrieves a generation job by ID
func (r *Repository) GetJob(ctx context.Context, id string) (*models.GenerationJob, error) {
	var job models.GenerationJob

	query := `
		SELECT id, account_id, state, params, error_code, error_msg, reservation_id,
		       chunk_count, artifact_key, artifact_status, retry_count,
		       started_at, finished_at, created_at, updated_at
		FROM generation_jobs
		WHERE id = $1
	`

	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&job.ID, &job.AccountID, &job.State, &job.Params, &job.ErrorCode, &job.ErrorMsg,
		&job.ReservationID, &job.ChunkCount, &job.ArtifactKey, &job.ArtifactStatus,
		&job.RetryCount, &job.StartedAt, &job.FinishedAt, &job.CreatedAt, &job.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// UpdateJob updates a generation job record
func (r *Repository) UpdateJob(ctx context.Context, job *models.GenerationJob) error {
	query := `
		UPDATE generation_jobs
		SET state = $2, error_code = $3, error_msg = $4, reservation_id = $5,
		    chunk_count = $6, artifact_key = $7, artifact_status = $8,
		    retry_count = $9, started_at = $10, finished_at = $11, updated_at = NOW()
		WHERE id = $1
	`

	_, err := r.db.Pool.Exec(ctx, query,
		job.ID, job.State, job.ErrorCode, job.ErrorMsg, job.ReservationID,
		job.ChunkCount, job.ArtifactKey, job.ArtifactStatus,
		job.RetryCount, job.StartedAt, job.FinishedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	return nil
}

// GetJobsByAccountID retrieves jobs for an account, newest first
func (r *Repository) GetJobsByAccountID(ctx context.Context, accountID string, limit, offset int) ([]*models.GenerationJob, error) {
	query := `
		SELECT id, account_id, state, params, error_code, error_msg, reservation_id,
		       chunk_count, artifact_key, artifact_status, retry_count,
		       started_at, finished_at, created_at, updated_at
		FROM generation_jobs
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListStaleJobs retrieves non-terminal jobs with no forward progress since
// the cutoff, for the reconciliation pass.
func (r *Repository) ListStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]*models.GenerationJob, error) {
	query := `
		SELECT id, account_id, state, params, error_code, error_msg, reservation_id,
		       chunk_count, artifact_key, artifact_status, retry_count,
		       started_at, finished_at, created_at, updated_at
		FROM generation_jobs
		WHERE state NOT IN ('completed', 'failed', 'canceled')
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func scanJobs(rows pgx.Rows) ([]*models.GenerationJob, error) {
	var jobs []*models.GenerationJob
	for rows.Next() {
		var job models.GenerationJob
		err := rows.Scan(
			&job.ID, &job.AccountID, &job.State, &job.Params, &job.ErrorCode, &job.ErrorMsg,
			&job.ReservationID, &job.ChunkCount, &job.ArtifactKey, &job.ArtifactStatus,
			&job.RetryCount, &job.StartedAt, &job.FinishedAt, &job.CreatedAt, &job.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, &job)
	}

	return jobs, nil
}
