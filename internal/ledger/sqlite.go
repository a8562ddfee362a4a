package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteSchema mirrors PostgresSchema for the embedded backend. occurred_at
// holds unix microseconds.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    id            INTEGER PRIMARY KEY,
    account_limit INTEGER NOT NULL CHECK (account_limit >= 0),
    balance       INTEGER NOT NULL DEFAULT 0,
    CHECK (balance >= -account_limit)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id  INTEGER NOT NULL REFERENCES accounts(id) ON DELETE RESTRICT,
    amount      INTEGER NOT NULL CHECK (amount > 0),
    kind        TEXT NOT NULL CHECK (kind IN ('c', 'd')),
    description TEXT NOT NULL,
    occurred_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_recent
    ON ledger_entries (account_id, occurred_at DESC, id DESC);
`

// SQLiteStore is the embedded single-node backend. SQLite allows one writer
// per database, so units on different accounts are serialized as well; the
// per-account guarantees still hold. Snapshots use a separate query-only
// handle whose transactions begin deferred, so in WAL mode a statement read
// never takes the write lock and never blocks a unit.
type SQLiteStore struct {
	db  *sql.DB
	ro  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database file at path. Write transactions
// start with BEGIN IMMEDIATE so the write lock is taken before the account row
// is read.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := openSQLite(fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path))
	if err != nil {
		return nil, err
	}
	ro, err := openSQLite(fmt.Sprintf("file:%s?_txlock=deferred&_busy_timeout=5000&_query_only=1", path))
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, ro: ro, now: time.Now}, nil
}

func openSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	return db, nil
}

// Close closes both database handles.
func (s *SQLiteStore) Close() error {
	return errors.Join(s.ro.Close(), s.db.Close())
}

// Ping checks that the database file is still reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates the tables if they do not exist.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, SQLiteSchema); err != nil {
		return fmt.Errorf("%w: ensure schema: %w", ErrInternal, err)
	}
	return nil
}

// Seed inserts accounts that do not exist yet.
func (s *SQLiteStore) Seed(ctx context.Context, accounts []Account) error {
	return s.RunInUnit(ctx, func(u Unit) error {
		tx := u.(*sqliteUnit).tx
		for _, a := range accounts {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO accounts (id, account_limit, balance) VALUES (?, ?, ?)`,
				a.ID, a.Limit, a.Balance); err != nil {
				return mapSQLiteError("seed accounts", err)
			}
		}
		return nil
	})
}

// RunInUnit implements Store.
func (s *SQLiteStore) RunInUnit(ctx context.Context, fn func(Unit) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteError("begin unit", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteUnit{tx: tx, now: s.now, locked: make(map[int64]bool)}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapSQLiteError("commit unit", err)
	}
	return nil
}

// Snapshot implements Store. The read runs in one transaction, so the
// account row and its entries come from the same commit point.
func (s *SQLiteStore) Snapshot(ctx context.Context, fn func(Reader) error) error {
	tx, err := s.ro.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return mapSQLiteError("begin snapshot", err)
	}
	defer tx.Rollback()

	if err := fn(sqliteReader{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapSQLiteError("commit snapshot", err)
	}
	return nil
}

type sqliteUnit struct {
	tx     *sql.Tx
	now    func() time.Time
	locked map[int64]bool
}

// LockAccount reads the row inside the IMMEDIATE transaction, which already
// holds the database write lock.
func (u *sqliteUnit) LockAccount(ctx context.Context, id int64) (Account, error) {
	acct, err := sqliteReader{tx: u.tx}.ReadAccount(ctx, id)
	if err != nil {
		return Account{}, err
	}
	u.locked[id] = true
	return acct, nil
}

func (u *sqliteUnit) UpdateBalance(ctx context.Context, id int64, balance int64) error {
	if !u.locked[id] {
		return fmt.Errorf("%w: account %d is not locked by this unit", ErrInternal, id)
	}

	res, err := u.tx.ExecContext(ctx, `UPDATE accounts SET balance = ? WHERE id = ?`, balance, id)
	if err != nil {
		return mapSQLiteError("update balance", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return fmt.Errorf("%w: update balance touched %d rows for account %d", ErrInternal, n, id)
	}
	return nil
}

func (u *sqliteUnit) AppendEntry(ctx context.Context, e NewEntry) (Entry, error) {
	if !u.locked[e.AccountID] {
		return Entry{}, fmt.Errorf("%w: account %d is not locked by this unit", ErrInternal, e.AccountID)
	}

	at := u.now().UTC().Truncate(time.Microsecond)
	res, err := u.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (account_id, amount, kind, description, occurred_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.AccountID, e.Amount, e.Kind.Code(), e.Description, at.UnixMicro())
	if err != nil {
		return Entry{}, mapSQLiteError("append entry", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Entry{}, mapSQLiteError("append entry id", err)
	}

	return Entry{
		ID:          id,
		AccountID:   e.AccountID,
		Amount:      e.Amount,
		Kind:        e.Kind,
		Description: e.Description,
		OccurredAt:  at,
	}, nil
}

type sqliteReader struct {
	tx *sql.Tx
}

func (r sqliteReader) ReadAccount(ctx context.Context, id int64) (Account, error) {
	var acct Account
	err := r.tx.QueryRowContext(ctx,
		`SELECT id, account_limit, balance FROM accounts WHERE id = ?`, id,
	).Scan(&acct.ID, &acct.Limit, &acct.Balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
		}
		return Account{}, mapSQLiteError("read account", err)
	}
	return acct, nil
}

func (r sqliteReader) RecentEntries(ctx context.Context, accountID int64, limit int) ([]Entry, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, account_id, amount, kind, description, occurred_at
		FROM ledger_entries
		WHERE account_id = ?
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, mapSQLiteError("query recent entries", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e      Entry
			code   string
			micros int64
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &code, &e.Description, &micros); err != nil {
			return nil, mapSQLiteError("scan entry", err)
		}
		if e.Kind, err = ParseKind(code); err != nil {
			return nil, err
		}
		e.OccurredAt = time.UnixMicro(micros).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLiteError("iterate entries", err)
	}
	return entries, nil
}

func mapSQLiteError(op string, err error) error {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) && (sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %s: %s", ErrConflict, op, sqErr.Error())
	}
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}

var _ Store = (*SQLiteStore)(nil)
