// Package backend defines the capability set a storage medium must realize
// to host a repository: a content-addressed object store, a CAS reference
// store, a durable operation-log table with one cursor, and atomic
// transactions. It also provides the transaction coordinator shared by all
// adapters.
//
// Adapters implement the read side plus one atomic Apply primitive; the
// coordinator owns staging. Each adapter self-declares its consistency
// class, and callers must treat ClassEventual commits as best-effort
// ordering.
package backend

import (
	"context"

	"github.com/strata-vcs/strata/pkg/backend/status"
	"github.com/strata-vcs/strata/pkg/model"
)

// Class is the consistency class a backend self-declares
type Class int

const (
	// ClassStrong means linearizable commit visibility
	ClassStrong Class = iota + 1
	// ClassEventual means durable submission with unspecified convergence
	// delay and no native CAS
	ClassEventual
)

func (c Class) String() string {
	switch c {
	case ClassStrong:
		return "strong"
	case ClassEventual:
		return "eventual"
	default:
		return "unknown"
	}
}

// ObjectStore persists immutable, content-addressed objects
type ObjectStore interface {
	// StoreObject persists an object under its content id. Idempotent
	// when the id is already present; fails with ErrHashMismatch when the
	// content's digest disagrees with the id, persisting nothing.
	StoreObject(ctx context.Context, id model.ID, o model.Object) error

	// LoadObject returns the object and its out-of-band metadata, or
	// (nil, nil, nil) when the id is unknown. Stored bytes are verified
	// against the id on read; mismatch is ErrCorruption.
	LoadObject(ctx context.Context, id model.ID) (model.Object, *model.Meta, error)

	// HasObject reports presence without reading the payload
	HasObject(ctx context.Context, id model.ID) (bool, error)
}

// RefStore persists mutable name to object bindings, updated only via CAS
// within transactions
type RefStore interface {
	// ListRefs returns the full reference snapshot
	ListRefs(ctx context.Context) (model.RefSet, error)

	// GetRef returns one binding, or ErrNotFound
	GetRef(ctx context.Context, name string) (model.RefVal, error)
}

// LogStore persists the operation log and its cursor
type LogStore interface {
	// Entries returns committed entries with Seq >= from, in order
	Entries(ctx context.Context, from uint64) ([]model.LogEntry, error)

	// Cursor returns the persisted cursor position
	Cursor(ctx context.Context) (uint64, error)
}

// Transaction is an exclusively owned staging buffer of writes. Staged
// effects are invisible to every other observer until Commit; Commit is
// all-or-nothing; Rollback discards with zero effect.
type Transaction interface {
	// StoreObject stages an object write, verifying the id first
	StoreObject(ctx context.Context, id model.ID, o model.Object) error

	// UpdateRef stages a CAS reference update. expect is the value the
	// reference must still hold at commit; nil means it must not exist.
	// The new value's version token is minted by the transaction and the
	// staged value is returned so callers can record it.
	UpdateRef(ctx context.Context, name string, expect *model.RefVal, target model.ID) (model.RefVal, error)

	// DeleteRef stages a CAS reference deletion
	DeleteRef(ctx context.Context, name string, expect model.RefVal) error

	// AppendEntry stages a log entry append
	AppendEntry(ctx context.Context, e model.LogEntry) error

	// TruncateAfter stages removal of every entry with Seq > seq
	TruncateAfter(ctx context.Context, seq uint64) error

	// CompactTo stages replacement of every entry with Seq <= baseline.Seq
	// by the synthetic baseline entry itself
	CompactTo(ctx context.Context, baseline model.LogEntry) error

	// SetCursor stages a cursor move
	SetCursor(ctx context.Context, pos uint64) error

	// Commit applies every staged write in one indivisible step, per the
	// backend's consistency class. A stale CAS fails with
	// ErrTransactionFailed wrapping ErrConflict and applies nothing.
	// Once issued, Commit resolves definitively.
	Commit(ctx context.Context) error

	// Rollback discards the staging buffer with zero effect
	Rollback(ctx context.Context) error
}

// Backend is the full capability set realized by a storage adapter
type Backend interface {
	String() string
	Consistency() Class
	ObjectStore
	RefStore
	LogStore

	// Begin opens an isolated transaction bound to this backend. No
	// global lock serializes Begin; conflicts surface at Commit.
	Begin(ctx context.Context) (Transaction, error)

	// Close releases the adapter's resources
	Close() error
}

// VerifyContent checks a canonical payload against the id it is submitted
// under; disagreement is ErrHashMismatch and nothing may be persisted.
func VerifyContent(id model.ID, canonical []byte) error {
	if model.IDFromContent(canonical) != id {
		return status.ErrHashMismatch.WrapMessage("submitted as " + id.String())
	}
	return nil
}

// VerifyLoaded checks stored bytes on the read path; disagreement is
// ErrCorruption reported with the offending id.
func VerifyLoaded(id model.ID, canonical []byte) error {
	if got := model.IDFromContent(canonical); got != id {
		return status.ErrCorruption.WrapMessage(
			"object " + id.String() + " stored bytes hash to " + got.String())
	}
	return nil
}
