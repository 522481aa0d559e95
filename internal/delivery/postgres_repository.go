package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, kind, target_url, payload, status, attempts, max_attempts,
        next_attempt_at, last_error, locked_at, created_at, updated_at`

// PostgresRepository stores jobs in the delivery_jobs table.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository constructs a Postgres-backed job repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, job Job) error {
	_, err := r.db.Exec(ctx, `INSERT INTO delivery_jobs (`+jobColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, string(job.Kind), job.TargetURL, []byte(job.Payload), string(job.Status), job.Attempts, job.MaxAttempts,
		job.NextAttemptAt, job.LastError, job.LockedAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert delivery job: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Job{}, ErrNotFound
	}
	job, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM delivery_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return job, err
}

// ClaimDue uses FOR UPDATE SKIP LOCKED so concurrent workers never claim the
// same row. SET expressions read the pre-update row, so a stale reclaim is
// charged one attempt before the give-up check.
func (r *PostgresRepository) ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]Job, error) {
	now = now.UTC().Truncate(time.Microsecond)
	rows, err := r.db.Query(ctx, `UPDATE delivery_jobs SET
            attempts = CASE WHEN status = 'PROCESSING' THEN attempts + 1 ELSE attempts END,
            last_error = CASE WHEN status = 'PROCESSING' THEN $4 ELSE last_error END,
            status = CASE WHEN status = 'PROCESSING' AND attempts + 1 >= max_attempts THEN 'GAVE_UP' ELSE 'PROCESSING' END,
            locked_at = CASE WHEN status = 'PROCESSING' AND attempts + 1 >= max_attempts THEN NULL ELSE $1::timestamptz END,
            updated_at = $1
        WHERE id IN (
            SELECT id FROM delivery_jobs
            WHERE (status IN ('PENDING', 'FAILED') AND next_attempt_at <= $1)
               OR (status = 'PROCESSING' AND locked_at < $2)
            ORDER BY next_attempt_at
            LIMIT $3
            FOR UPDATE SKIP LOCKED)
        RETURNING `+jobColumns, now, staleBefore, limit, claimExpired)
	if err != nil {
		return nil, fmt.Errorf("claim delivery jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim delivery jobs: %w", err)
	}
	return jobs, nil
}

func (r *PostgresRepository) Finish(ctx context.Context, job Job) error {
	if job.LockedAt == nil {
		return ErrLockLost
	}
	tag, err := r.db.Exec(ctx, `UPDATE delivery_jobs
        SET status = $3, attempts = $4, next_attempt_at = $5, last_error = $6, locked_at = NULL, updated_at = $7
        WHERE id = $1 AND status = 'PROCESSING' AND locked_at = $2`,
		job.ID, *job.LockedAt, string(job.Status), job.Attempts, job.NextAttemptAt, job.LastError, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("finish delivery job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLockLost
	}
	return nil
}

func scanJob(row pgx.Row) (Job, error) {
	var (
		job     Job
		id      uuid.UUID
		kind    string
		status  string
		payload []byte
	)
	if err := row.Scan(&id, &kind, &job.TargetURL, &payload, &status, &job.Attempts, &job.MaxAttempts,
		&job.NextAttemptAt, &job.LastError, &job.LockedAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return Job{}, err
	}
	job.ID = id.String()
	job.Kind = Kind(kind)
	job.Status = Status(status)
	job.Payload = payload
	return job, nil
}
