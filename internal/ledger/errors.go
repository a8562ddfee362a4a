package ledger

import "errors"

var (
	// ErrAccountNotFound is returned when the referenced account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrLimitExceeded is the business rejection: the resulting balance would
	// go below -limit. Nothing was written.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrConflict marks transient storage contention. The engine retries it.
	ErrConflict = errors.New("storage conflict")

	// ErrInternal covers storage failures, malformed input and exhausted retries.
	ErrInternal = errors.New("internal ledger error")
)

// IsRetryable reports whether the whole unit may be run again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
