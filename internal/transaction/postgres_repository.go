package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/paycore/internal/failover"
)

const txColumns = `id, account_id, amount, status, vendor_id, product_code, customer_ref, callback_url,
        idempotency_key, vendor_ref, error_message, reconcile_attempts, next_reconcile_at,
        created_at, updated_at, completed_at`

const uniqueViolation = "23505"

// PostgresRepository stores transactions in the transactions table.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository constructs a Postgres-backed transaction repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, t Transaction) error {
	_, err := r.db.Exec(ctx, `INSERT INTO transactions (`+txColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.ID, t.AccountID, t.Amount, string(t.Status), t.VendorID, t.ProductCode, t.CustomerRef, t.CallbackURL,
		t.IdempotencyKey, t.VendorRef, t.ErrorMessage, t.ReconcileAttempts, t.NextReconcileAt,
		t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		existing, getErr := r.GetByIdempotencyKey(ctx, t.AccountID, t.IdempotencyKey)
		if getErr != nil {
			return fmt.Errorf("%w: %w", ErrDuplicate, getErr)
		}
		return &DuplicateError{Existing: existing}
	}
	if err != nil {
		return fmt.Errorf("%w: insert transaction: %w", ErrStorage, err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Transaction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Transaction{}, ErrNotFound
	}
	return r.one(ctx, r.db, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
}

func (r *PostgresRepository) GetByIdempotencyKey(ctx context.Context, accountID, key string) (Transaction, error) {
	return r.one(ctx, r.db, `SELECT `+txColumns+` FROM transactions WHERE account_id = $1 AND idempotency_key = $2`, accountID, key)
}

func (r *PostgresRepository) Update(ctx context.Context, id string, fn func(t *Transaction) error) (Transaction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Transaction{}, ErrNotFound
	}
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: begin: %w", ErrStorage, err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	t, err := r.one(ctx, tx, `SELECT `+txColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return Transaction{}, err
	}
	if err := fn(&t); err != nil {
		return Transaction{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE transactions
        SET status = $2, vendor_id = $3, vendor_ref = $4, error_message = $5, reconcile_attempts = $6,
            next_reconcile_at = $7, updated_at = $8, completed_at = $9
        WHERE id = $1`,
		t.ID, string(t.Status), t.VendorID, t.VendorRef, t.ErrorMessage, t.ReconcileAttempts,
		t.NextReconcileAt, t.UpdatedAt, t.CompletedAt); err != nil {
		return Transaction{}, fmt.Errorf("%w: update transaction: %w", ErrStorage, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("%w: commit: %w", ErrStorage, err)
	}
	return t, nil
}

func (r *PostgresRepository) DueForReconcile(ctx context.Context, now time.Time, limit int) ([]Transaction, error) {
	rows, err := r.db.Query(ctx, `SELECT `+txColumns+` FROM transactions
        WHERE status IN ('PENDING', 'PROCESSING', 'FAILED') AND next_reconcile_at <= $1
        ORDER BY next_reconcile_at
        LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: due transactions: %w", ErrStorage, err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan transaction: %w", ErrStorage, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: due transactions: %w", ErrStorage, err)
	}
	return out, nil
}

func (r *PostgresRepository) VendorOutcomes(ctx context.Context, since time.Time) ([]failover.Outcome, error) {
	rows, err := r.db.Query(ctx, `SELECT vendor_id,
            COUNT(*) FILTER (WHERE status = 'SUCCESS'),
            COUNT(*) FILTER (WHERE status IN ('FAILED', 'REFUNDED'))
        FROM transactions
        WHERE vendor_id <> '' AND completed_at >= $1
        GROUP BY vendor_id
        ORDER BY vendor_id`, since)
	if err != nil {
		return nil, fmt.Errorf("%w: vendor outcomes: %w", ErrStorage, err)
	}
	defer rows.Close()

	var out []failover.Outcome
	for rows.Next() {
		var o failover.Outcome
		if err := rows.Scan(&o.VendorID, &o.Successes, &o.Failures); err != nil {
			return nil, fmt.Errorf("%w: scan outcome: %w", ErrStorage, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: vendor outcomes: %w", ErrStorage, err)
	}
	return out, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PostgresRepository) one(ctx context.Context, q rowQuerier, sql string, args ...any) (Transaction, error) {
	t, err := scanTransaction(q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: load transaction: %w", ErrStorage, err)
	}
	return t, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t      Transaction
		id     uuid.UUID
		status string
	)
	if err := row.Scan(&id, &t.AccountID, &t.Amount, &status, &t.VendorID, &t.ProductCode, &t.CustomerRef,
		&t.CallbackURL, &t.IdempotencyKey, &t.VendorRef, &t.ErrorMessage, &t.ReconcileAttempts,
		&t.NextReconcileAt, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt); err != nil {
		return Transaction{}, err
	}
	t.ID = id.String()
	t.Status = Status(status)
	return t, nil
}
