package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PostgresStore persists ledger entries in PostgreSQL. Atomic units lock the
// account row with SELECT ... FOR UPDATE so concurrent debits serialize.
type PostgresStore struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewPostgresStore constructs a Postgres-backed ledger store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) Atomic(ctx context.Context, accountID string, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return storageErr(err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `INSERT INTO ledger_accounts (account_id) VALUES ($1)
        ON CONFLICT (account_id) DO NOTHING`, accountID); err != nil {
		return storageErr(err)
	}
	var locked string
	if err := tx.QueryRow(ctx, `SELECT account_id FROM ledger_accounts WHERE account_id = $1 FOR UPDATE`, accountID).Scan(&locked); err != nil {
		return storageErr(err)
	}

	if err := fn(ctx, &postgresTx{tx: tx, now: s.now}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr(err)
	}
	return nil
}

func (s *PostgresStore) SumByAccount(ctx context.Context, accountID string) (int64, error) {
	return sumByAccount(ctx, s.db, accountID)
}

func (s *PostgresStore) EntriesByReference(ctx context.Context, referenceID string) ([]Entry, error) {
	return entriesByReference(ctx, s.db, referenceID)
}

func (s *PostgresStore) EntriesByAccount(ctx context.Context, accountID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `SELECT id, account_id, amount, kind, reference_id, description, created_at
        FROM ledger_entries WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	return scanEntries(rows)
}

type postgresTx struct {
	tx  pgx.Tx
	now func() time.Time
}

func (t *postgresTx) Append(ctx context.Context, entry Entry) (string, error) {
	if err := validate(entry); err != nil {
		return "", err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now().UTC()
	}
	if _, err := t.tx.Exec(ctx, `INSERT INTO ledger_accounts (account_id) VALUES ($1)
        ON CONFLICT (account_id) DO NOTHING`, entry.AccountID); err != nil {
		return "", storageErr(err)
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO ledger_entries (id, account_id, amount, kind, reference_id, description, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.AccountID, entry.Amount, string(entry.Kind), entry.ReferenceID, entry.Description, entry.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", ErrDuplicateEntry
		}
		return "", storageErr(err)
	}
	return entry.ID, nil
}

func (t *postgresTx) SumByAccount(ctx context.Context, accountID string) (int64, error) {
	return sumByAccount(ctx, t.tx, accountID)
}

func (t *postgresTx) EntriesByReference(ctx context.Context, referenceID string) ([]Entry, error) {
	return entriesByReference(ctx, t.tx, referenceID)
}

func sumByAccount(ctx context.Context, q querier, accountID string) (int64, error) {
	var balance int64
	if err := q.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = $1`, accountID).Scan(&balance); err != nil {
		return 0, storageErr(err)
	}
	return balance, nil
}

func entriesByReference(ctx context.Context, q querier, referenceID string) ([]Entry, error) {
	rows, err := q.Query(ctx, `SELECT id, account_id, amount, kind, reference_id, description, created_at
        FROM ledger_entries WHERE reference_id = $1 ORDER BY created_at`, referenceID)
	if err != nil {
		return nil, storageErr(err)
	}
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			id   uuid.UUID
			kind string
		)
		if err := rows.Scan(&id, &e.AccountID, &e.Amount, &kind, &e.ReferenceID, &e.Description, &e.CreatedAt); err != nil {
			return nil, storageErr(err)
		}
		e.ID = id.String()
		e.Kind = Kind(kind)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
