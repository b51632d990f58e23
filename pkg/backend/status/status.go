// Package status declares the error taxonomy shared by every storage
// backend and by the operation log.
//
// NOTE: such constants are located in a separate package to avoid
// creating undue cyclical dependencies between pkg/backend and one
// of its implementations.
package status

import "github.com/strata-vcs/strata/pkg/errors"

var (
	// ErrNotFound indicates an absent object or reference. Callers decide
	// whether absence matters; it is not fatal.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a lost compare-and-swap or commit race.
	// Retryable: re-read, restage, retry.
	ErrConflict = errors.New("conflict: concurrent update won the race")

	// ErrHashMismatch indicates content whose digest disagrees with the id
	// it was submitted under. Nothing is persisted.
	ErrHashMismatch = errors.New("content hash does not match object id")

	// ErrCorruption indicates stored bytes that fail digest verification on
	// read. Never silently downgraded.
	ErrCorruption = errors.New("stored content fails hash verification")

	// ErrBackendUnavailable indicates a transient medium failure. Retryable
	// with backoff.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrResourceExhausted indicates a transaction exceeding the backend's
	// staged-write budget. The caller must split the batch.
	ErrResourceExhausted = errors.New("staged writes exceed backend budget")

	// ErrInvariantViolation indicates a call that contradicts recorded
	// state, e.g. undo on an entry without a complete before-state. Fatal
	// to that call only, never downgraded.
	ErrInvariantViolation = errors.New("operation violates a recorded invariant")

	// ErrTransactionFailed indicates a commit that applied nothing. It
	// wraps the cause; a stale reference CAS wraps ErrConflict.
	ErrTransactionFailed = errors.New("transaction failed, no staged write applied")

	// ErrTxnDone indicates use of a transaction after commit or rollback
	ErrTxnDone = errors.New("transaction already resolved")
)
