package ledger

import (
	"context"
	"fmt"
)

// Statement returns the balance, limit and up to StatementSize newest entries
// of an account, all read from the same commit point. AsOf is the wall-clock
// time of the read.
func (e *Engine) Statement(ctx context.Context, accountID int64) (*Statement, error) {
	if accountID <= 0 {
		return nil, fmt.Errorf("%w: account id must be positive, got %d", ErrInternal, accountID)
	}

	var st *Statement
	err := e.store.Snapshot(ctx, func(r Reader) error {
		acct, err := r.ReadAccount(ctx, accountID)
		if err != nil {
			return err
		}

		recent, err := r.RecentEntries(ctx, accountID, StatementSize)
		if err != nil {
			return err
		}
		if len(recent) > StatementSize {
			recent = recent[:StatementSize]
		}
		if recent == nil {
			recent = []Entry{}
		}

		st = &Statement{
			AccountID: acct.ID,
			Balance:   acct.Balance,
			Limit:     acct.Limit,
			AsOf:      e.now().UTC(),
			Recent:    recent,
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return st, nil
}
