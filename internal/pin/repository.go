package pin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists PIN profiles.
type Repository interface {
	Get(ctx context.Context, userID string) (Profile, error)
	Upsert(ctx context.Context, p Profile) error
	// Update applies fn to the stored profile under a row lock and saves the
	// result unless fn returns an error. fn's error is returned unchanged.
	Update(ctx context.Context, userID string, fn func(p *Profile) error) error
}

type memoryRepository struct {
	mu       sync.Mutex
	profiles map[string]Profile
}

// NewMemoryRepository creates an in-memory profile store.
func NewMemoryRepository() Repository {
	return &memoryRepository{profiles: make(map[string]Profile)}
}

func (r *memoryRepository) Get(_ context.Context, userID string) (Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[userID]
	if !ok {
		return Profile{}, ErrNotConfigured
	}
	return p, nil
}

func (r *memoryRepository) Upsert(_ context.Context, p Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.UserID] = p
	return nil
}

func (r *memoryRepository) Update(_ context.Context, userID string, fn func(p *Profile) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[userID]
	if !ok {
		return ErrNotConfigured
	}
	if err := fn(&p); err != nil {
		return err
	}
	r.profiles[userID] = p
	return nil
}

// PostgresRepository stores profiles in pin_security_profiles.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed profile store.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, userID string) (Profile, error) {
	p, err := scanProfile(r.db.QueryRow(ctx, `SELECT user_id, pin_hash, failed_attempts, locked_until, updated_at
        FROM pin_security_profiles WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrNotConfigured
	}
	if err != nil {
		return Profile{}, fmt.Errorf("load pin profile: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) Upsert(ctx context.Context, p Profile) error {
	_, err := r.db.Exec(ctx, `INSERT INTO pin_security_profiles (user_id, pin_hash, failed_attempts, locked_until, updated_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (user_id) DO UPDATE SET pin_hash = EXCLUDED.pin_hash, failed_attempts = EXCLUDED.failed_attempts,
            locked_until = EXCLUDED.locked_until, updated_at = EXCLUDED.updated_at`,
		p.UserID, p.PinHash, p.FailedAttempts, p.LockedUntil, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save pin profile: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, userID string, fn func(p *Profile) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin pin update: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	p, err := scanProfile(tx.QueryRow(ctx, `SELECT user_id, pin_hash, failed_attempts, locked_until, updated_at
        FROM pin_security_profiles WHERE user_id = $1 FOR UPDATE`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotConfigured
	}
	if err != nil {
		return fmt.Errorf("lock pin profile: %w", err)
	}
	if err := fn(&p); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE pin_security_profiles
        SET pin_hash = $2, failed_attempts = $3, locked_until = $4, updated_at = $5 WHERE user_id = $1`,
		p.UserID, p.PinHash, p.FailedAttempts, p.LockedUntil, p.UpdatedAt); err != nil {
		return fmt.Errorf("update pin profile: %w", err)
	}
	return tx.Commit(ctx)
}

func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	if err := row.Scan(&p.UserID, &p.PinHash, &p.FailedAttempts, &p.LockedUntil, &p.UpdatedAt); err != nil {
		return Profile{}, err
	}
	return p, nil
}
