package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchema creates the two ledger tables. Used by tests and local
// bootstrap.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    id            BIGINT PRIMARY KEY,
    account_limit BIGINT NOT NULL CHECK (account_limit >= 0),
    balance       BIGINT NOT NULL DEFAULT 0,
    CHECK (balance >= -account_limit)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id          BIGSERIAL PRIMARY KEY,
    account_id  BIGINT NOT NULL REFERENCES accounts(id) ON DELETE RESTRICT,
    amount      BIGINT NOT NULL CHECK (amount > 0),
    kind        CHAR(1) NOT NULL CHECK (kind IN ('c', 'd')),
    description TEXT NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_recent
    ON ledger_entries (account_id, occurred_at DESC, id DESC);
`

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// PostgresStore runs every unit as one READ COMMITTED transaction. The
// SELECT ... FOR UPDATE in LockAccount serializes units on the same account
// and always returns the latest committed row.
type PostgresStore struct {
	Pool Pool

	// LockTimeout bounds the wait for an account row lock. A timeout is
	// reported as ErrConflict. Zero means wait indefinitely.
	LockTimeout time.Duration
}

// NewPostgresStore creates a store on an owned pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool, LockTimeout: 2 * time.Second}
}

// RunInUnit implements Store.
func (ps *PostgresStore) RunInUnit(ctx context.Context, fn func(Unit) error) error {
	tx, err := ps.Pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return mapPgError("begin unit", err)
	}
	// No-op after a successful commit; also runs when fn panics.
	defer tx.Rollback(context.WithoutCancel(ctx))

	if ps.LockTimeout > 0 {
		if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", fmt.Sprintf("%dms", ps.LockTimeout.Milliseconds())); err != nil {
			return mapPgError("set lock timeout", err)
		}
	}

	if err := fn(&pgUnit{tx: tx, locked: make(map[int64]bool)}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgError("commit unit", err)
	}
	return nil
}

// Snapshot implements Store with a REPEATABLE READ, READ ONLY transaction so
// that every read sees the same snapshot.
func (ps *PostgresStore) Snapshot(ctx context.Context, fn func(Reader) error) error {
	tx, err := ps.Pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return mapPgError("begin snapshot", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(pgReader{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgError("commit snapshot", err)
	}
	return nil
}

// EnsureSchema creates the tables if they do not exist.
func (ps *PostgresStore) EnsureSchema(ctx context.Context) error {
	return ps.exec(ctx, "ensure schema", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, PostgresSchema)
		return err
	})
}

// Seed inserts accounts that do not exist yet. Existing rows are left as is.
func (ps *PostgresStore) Seed(ctx context.Context, accounts []Account) error {
	return ps.exec(ctx, "seed accounts", func(tx pgx.Tx) error {
		for _, a := range accounts {
			_, err := tx.Exec(ctx, `
				INSERT INTO accounts (id, account_limit, balance)
				VALUES ($1, $2, $3)
				ON CONFLICT (id) DO NOTHING
			`, a.ID, a.Limit, a.Balance)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (ps *PostgresStore) exec(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := ps.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapPgError(op, err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(tx); err != nil {
		return mapPgError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(op, err)
	}
	return nil
}

type pgUnit struct {
	tx     pgx.Tx
	locked map[int64]bool
}

func (u *pgUnit) LockAccount(ctx context.Context, id int64) (Account, error) {
	var acct Account
	err := u.tx.QueryRow(ctx, `
		SELECT id, account_limit, balance
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&acct.ID, &acct.Limit, &acct.Balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
		}
		return Account{}, mapPgError("lock account", err)
	}

	u.locked[id] = true
	return acct, nil
}

func (u *pgUnit) UpdateBalance(ctx context.Context, id int64, balance int64) error {
	if !u.locked[id] {
		return fmt.Errorf("%w: account %d is not locked by this unit", ErrInternal, id)
	}

	tag, err := u.tx.Exec(ctx, `UPDATE accounts SET balance = $2 WHERE id = $1`, id, balance)
	if err != nil {
		return mapPgError("update balance", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: update balance touched %d rows for account %d", ErrInternal, tag.RowsAffected(), id)
	}
	return nil
}

func (u *pgUnit) AppendEntry(ctx context.Context, e NewEntry) (Entry, error) {
	if !u.locked[e.AccountID] {
		return Entry{}, fmt.Errorf("%w: account %d is not locked by this unit", ErrInternal, e.AccountID)
	}

	entry := Entry{
		AccountID:   e.AccountID,
		Amount:      e.Amount,
		Kind:        e.Kind,
		Description: e.Description,
	}
	err := u.tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (account_id, amount, kind, description, occurred_at)
		VALUES ($1, $2, $3, $4, clock_timestamp())
		RETURNING id, occurred_at
	`, e.AccountID, e.Amount, e.Kind.Code(), e.Description).Scan(&entry.ID, &entry.OccurredAt)
	if err != nil {
		return Entry{}, mapPgError("append entry", err)
	}
	return entry, nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgReader struct {
	q pgQuerier
}

func (r pgReader) ReadAccount(ctx context.Context, id int64) (Account, error) {
	var acct Account
	err := r.q.QueryRow(ctx, `
		SELECT id, account_limit, balance
		FROM accounts
		WHERE id = $1
	`, id).Scan(&acct.ID, &acct.Limit, &acct.Balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
		}
		return Account{}, mapPgError("read account", err)
	}
	return acct, nil
}

func (r pgReader) RecentEntries(ctx context.Context, accountID int64, limit int) ([]Entry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, account_id, amount, kind, description, occurred_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, mapPgError("query recent entries", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e    Entry
			code string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &code, &e.Description, &e.OccurredAt); err != nil {
			return nil, mapPgError("scan entry", err)
		}
		if e.Kind, err = ParseKind(code); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("iterate entries", err)
	}
	return entries, nil
}

// mapPgError turns serialization failures, deadlocks and lock timeouts into
// ErrConflict and everything else into ErrInternal.
func mapPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s: %s (SQLSTATE %s)", ErrConflict, op, pgErr.Message, pgErr.Code)
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}

var _ Store = (*PostgresStore)(nil)
