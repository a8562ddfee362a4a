package ledger

import "context"

// Unit is one atomic storage transaction. Writes are only valid for accounts
// locked through LockAccount in the same unit.
type Unit interface {
	// LockAccount takes the exclusive row lock and returns the row as of
	// lock acquisition. Returns ErrAccountNotFound when absent.
	LockAccount(ctx context.Context, id int64) (Account, error)
	UpdateBalance(ctx context.Context, id int64, balance int64) error
	AppendEntry(ctx context.Context, e NewEntry) (Entry, error)
}

// Reader is a read-only view. Within one Snapshot every call observes the
// same commit point.
type Reader interface {
	ReadAccount(ctx context.Context, id int64) (Account, error)
	RecentEntries(ctx context.Context, accountID int64, limit int) ([]Entry, error)
}

// Store owns the accounts and ledger_entries tables.
type Store interface {
	// RunInUnit commits when fn returns nil and rolls back otherwise,
	// including on panic and context cancellation. Locks and connections are
	// released before it returns.
	RunInUnit(ctx context.Context, fn func(Unit) error) error

	// Snapshot runs fn against a consistent read-only view.
	Snapshot(ctx context.Context, fn func(Reader) error) error
}

// DefaultAccounts are the five accounts a fresh deployment is provisioned with.
var DefaultAccounts = []Account{
	{ID: 1, Limit: 100000},
	{ID: 2, Limit: 80000},
	{ID: 3, Limit: 1000000},
	{ID: 4, Limit: 10000000},
	{ID: 5, Limit: 500000},
}
