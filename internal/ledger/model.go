package ledger

import (
	"fmt"
	"math"
	"time"
)

// StatementSize is the number of ledger entries returned by a statement.
const StatementSize = 10

// Kind is the direction of a ledger entry.
type Kind string

const (
	Credit Kind = "credit"
	Debit  Kind = "debit"
)

// ParseKind accepts the long names and the one-letter codes used on the wire.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "credit", "c":
		return Credit, nil
	case "debit", "d":
		return Debit, nil
	}
	return "", fmt.Errorf("%w: unknown entry kind %q", ErrInternal, s)
}

// Valid reports whether k is credit or debit.
func (k Kind) Valid() bool {
	return k == Credit || k == Debit
}

// Code returns the one-letter code stored in the ledger table.
func (k Kind) Code() string {
	if k == Debit {
		return "d"
	}
	return "c"
}

// Signed returns amount with the sign this kind applies to a balance.
func (k Kind) Signed(amount int64) int64 {
	if k == Debit {
		return -amount
	}
	return amount
}

// Account is a seeded account row. Balance may go negative down to -Limit.
type Account struct {
	ID      int64 `json:"id"`
	Limit   int64 `json:"limit"`
	Balance int64 `json:"balance"`
}

// Apply computes the balance that results from posting amount of the given
// kind. It does not mutate a.
func (a Account) Apply(kind Kind, amount int64) (int64, error) {
	delta := kind.Signed(amount)
	if (delta > 0 && a.Balance > math.MaxInt64-delta) || (delta < 0 && a.Balance < math.MinInt64-delta) {
		return 0, fmt.Errorf("%w: balance overflow on account %d", ErrInternal, a.ID)
	}

	next := a.Balance + delta
	if next < -a.Limit {
		return 0, fmt.Errorf("%w: account %d balance %d would become %d (limit %d)", ErrLimitExceeded, a.ID, a.Balance, next, a.Limit)
	}
	return next, nil
}

// Entry is an immutable ledger row.
type Entry struct {
	ID          int64     `json:"id"`
	AccountID   int64     `json:"account_id"`
	Amount      int64     `json:"amount"`
	Kind        Kind      `json:"kind"`
	Description string    `json:"description"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// NewEntry is what a unit appends; ID and OccurredAt are assigned by the store.
type NewEntry struct {
	AccountID   int64
	Amount      int64
	Kind        Kind
	Description string
}

// newerFirst orders entries by OccurredAt descending, ties by ID descending.
func newerFirst(a, b Entry) int {
	switch {
	case a.OccurredAt.After(b.OccurredAt):
		return -1
	case a.OccurredAt.Before(b.OccurredAt):
		return 1
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	}
	return 0
}

// ApplyRequest is a single credit or debit against one account.
type ApplyRequest struct {
	AccountID   int64
	Amount      int64
	Kind        Kind
	Description string
}

func (r ApplyRequest) validate() error {
	if r.AccountID <= 0 {
		return fmt.Errorf("%w: account id must be positive, got %d", ErrInternal, r.AccountID)
	}
	if r.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInternal, r.Amount)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown entry kind %q", ErrInternal, r.Kind)
	}
	return nil
}

// ApplyResult is the account state right after a committed apply.
type ApplyResult struct {
	Balance int64 `json:"balance"`
	Limit   int64 `json:"limit"`
}

// Statement is a point-in-time view of an account and its newest entries.
type Statement struct {
	AccountID int64     `json:"account_id"`
	Balance   int64     `json:"balance"`
	Limit     int64     `json:"limit"`
	AsOf      time.Time `json:"as_of"`
	Recent    []Entry   `json:"recent"`
}

// Applied is published after an apply commits.
type Applied struct {
	AccountID   int64     `json:"account_id"`
	EntryID     int64     `json:"entry_id"`
	Amount      int64     `json:"amount"`
	Kind        Kind      `json:"kind"`
	Description string    `json:"description"`
	Balance     int64     `json:"balance"`
	Limit       int64     `json:"limit"`
	OccurredAt  time.Time `json:"occurred_at"`
}
