package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 10 * time.Millisecond
	publishTimeout      = 2 * time.Second
)

// Publisher receives an event after every committed apply.
type Publisher interface {
	Publish(ctx context.Context, ev Applied) error
}

// Engine applies transactions and builds statements on top of a Store.
type Engine struct {
	store       Store
	publisher   Publisher
	logger      *slog.Logger
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets the post-commit event publisher.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRetry bounds how often a conflicting unit is re-run. Attempt n waits
// n*backoff before running again.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(e *Engine) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		if backoff >= 0 {
			e.backoff = backoff
		}
	}
}

// WithClock replaces the wall clock used for statement timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		logger:      slog.Default(),
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultRetryBackoff,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply posts a credit or debit to one account. It either commits the new
// balance together with a new ledger entry, or leaves both untouched.
//
// Errors: ErrAccountNotFound, ErrLimitExceeded, or ErrInternal (which also
// wraps the last ErrConflict when retries run out).
func (e *Engine) Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	if err := req.validate(); err != nil {
		return ApplyResult{}, err
	}

	var (
		res   ApplyResult
		entry Entry
		err   error
	)
	for attempt := 1; ; attempt++ {
		res, entry, err = e.applyOnce(ctx, req)
		if err == nil {
			break
		}
		if !IsRetryable(err) {
			return ApplyResult{}, err
		}
		if attempt >= e.maxAttempts {
			e.logger.Warn("ledger_apply_retries_exhausted",
				"account_id", req.AccountID,
				"attempts", attempt,
				"error", err,
			)
			return ApplyResult{}, fmt.Errorf("%w: apply on account %d gave up after %d attempts: %w", ErrInternal, req.AccountID, attempt, err)
		}

		e.logger.Debug("ledger_apply_retry", "account_id", req.AccountID, "attempt", attempt, "error", err)
		if werr := wait(ctx, time.Duration(attempt)*e.backoff); werr != nil {
			return ApplyResult{}, fmt.Errorf("%w: apply on account %d: %w", ErrInternal, req.AccountID, werr)
		}
	}

	e.publish(ctx, Applied{
		AccountID:   entry.AccountID,
		EntryID:     entry.ID,
		Amount:      entry.Amount,
		Kind:        entry.Kind,
		Description: entry.Description,
		Balance:     res.Balance,
		Limit:       res.Limit,
		OccurredAt:  entry.OccurredAt,
	})
	return res, nil
}

func (e *Engine) applyOnce(ctx context.Context, req ApplyRequest) (ApplyResult, Entry, error) {
	var (
		res   ApplyResult
		entry Entry
	)
	err := e.store.RunInUnit(ctx, func(u Unit) error {
		acct, err := u.LockAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}

		balance, err := acct.Apply(req.Kind, req.Amount)
		if err != nil {
			return err
		}

		if err := u.UpdateBalance(ctx, acct.ID, balance); err != nil {
			return err
		}

		entry, err = u.AppendEntry(ctx, NewEntry{
			AccountID:   acct.ID,
			Amount:      req.Amount,
			Kind:        req.Kind,
			Description: req.Description,
		})
		if err != nil {
			return err
		}

		res = ApplyResult{Balance: balance, Limit: acct.Limit}
		return nil
	})
	if err != nil {
		return ApplyResult{}, Entry{}, classify(err)
	}
	return res, entry, nil
}

func (e *Engine) publish(ctx context.Context, ev Applied) {
	if e.publisher == nil {
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := e.publisher.Publish(pubCtx, ev); err != nil {
		e.logger.Error("ledger_event_publish_failed",
			"account_id", ev.AccountID,
			"entry_id", ev.EntryID,
			"error", err,
		)
	}
}

// classify makes sure every error leaving the engine carries one of the
// package sentinels.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrLimitExceeded),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrInternal):
		return err
	}
	return fmt.Errorf("%w: %w", ErrInternal, err)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
