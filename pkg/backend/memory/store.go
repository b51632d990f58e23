// Package memory implements the backend capability set in process memory.
//
// The reference table is an immutable radix tree: ListRefs snapshots are
// taken from one root pointer, and Apply swaps a fully built replacement
// root, so readers never observe a half-applied batch. Intended for tests
// and ephemeral repositories; consistency class Strong.
package memory

import (
	"context"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"go.uber.org/zap"

	"github.com/facebookgo/clock"

	"github.com/strata-vcs/strata/pkg/backend"
	"github.com/strata-vcs/strata/pkg/backend/status"
	"github.com/strata-vcs/strata/pkg/model"
)

// Option is a functor to pass optional parameters to the store
type Option func(*Store)

// Logger sets a logger for this store
func Logger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.l = logger
		}
	}
}

// MaxStagedBytes bounds the staging buffer of transactions on this store
func MaxStagedBytes(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxStaged = n
		}
	}
}

// Clock overrides the clock stamped on out-of-band object metadata
func Clock(clk clock.Clock) Option {
	return func(s *Store) {
		if clk != nil {
			s.clk = clk
		}
	}
}

type storedObject struct {
	canonical []byte
	meta      model.Meta
}

// Store is an in-memory backend
type Store struct {
	l         *zap.Logger
	maxStaged int64
	clk       clock.Clock

	mu      sync.RWMutex
	objects map[model.ID]storedObject
	refs    *iradix.Tree
	entries []model.LogEntry
	cursor  uint64
}

var _ backend.Backend = &Store{}
var _ backend.Applier = &Store{}

// New creates an empty in-memory backend
func New(opts ...Option) *Store {
	s := &Store{
		l:         zap.NewNop(),
		maxStaged: backend.DefaultMaxStagedBytes,
		clk:       clock.New(),
		objects:   make(map[model.ID]storedObject),
		refs:      iradix.New(),
	}
	for _, apply := range opts {
		apply(s)
	}
	return s
}

func (s *Store) String() string {
	return "memory"
}

// Consistency class of this backend
func (s *Store) Consistency() backend.Class {
	return backend.ClassStrong
}

// Close is a no-op for the in-memory backend
func (s *Store) Close() error {
	return nil
}

// Begin opens an isolated transaction. Nothing is locked until commit.
func (s *Store) Begin(ctx context.Context) (backend.Transaction, error) {
	return backend.NewTxn(s,
		backend.TxnLogger(s.l),
		backend.TxnMaxStagedBytes(s.maxStaged),
		backend.TxnClock(s.clk),
	), nil
}

// StoreObject persists one object through a single-write transaction
func (s *Store) StoreObject(ctx context.Context, id model.ID, o model.Object) error {
	return backend.WriteObject(ctx, s, id, o)
}

// LoadObject returns an object and its metadata, or nils when absent
func (s *Store) LoadObject(ctx context.Context, id model.ID) (model.Object, *model.Meta, error) {
	s.mu.RLock()
	stored, ok := s.objects[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, nil
	}
	if err := backend.VerifyLoaded(id, stored.canonical); err != nil {
		return nil, nil, err
	}
	o, err := model.Decode(stored.canonical)
	if err != nil {
		return nil, nil, status.ErrCorruption.Wrap(err)
	}
	meta := stored.meta
	return o, &meta, nil
}

// HasObject reports presence of an id
func (s *Store) HasObject(ctx context.Context, id model.ID) (bool, error) {
	s.mu.RLock()
	_, ok := s.objects[id]
	s.mu.RUnlock()
	return ok, nil
}

// ListRefs snapshots the reference table from one radix root
func (s *Store) ListRefs(ctx context.Context) (model.RefSet, error) {
	s.mu.RLock()
	root := s.refs
	s.mu.RUnlock()

	out := model.RefSet{}
	it := root.Root().Iterator()
	for {
		k, v, ok := it.Next()
		if !ok {
			break
		}
		out[string(k)] = v.(model.RefVal)
	}
	return out, nil
}

// GetRef returns one binding or ErrNotFound
func (s *Store) GetRef(ctx context.Context, name string) (model.RefVal, error) {
	s.mu.RLock()
	v, ok := s.refs.Get([]byte(name))
	s.mu.RUnlock()
	if !ok {
		return model.RefVal{}, status.ErrNotFound.WrapMessage("ref " + name)
	}
	return v.(model.RefVal), nil
}

// Entries returns committed log entries with Seq >= from
func (s *Store) Entries(ctx context.Context, from uint64) ([]model.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.LogEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Seq >= from {
			out = append(out, e)
		}
	}
	return out, nil
}

// Cursor returns the persisted cursor position
func (s *Store) Cursor(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor, nil
}

// Apply commits a staged batch atomically: every CAS expectation is checked
// against live state under the write lock before any mutation lands, so an
// observer sees all of the batch or none of it.
func (s *Store) Apply(ctx context.Context, b *backend.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, put := range b.RefPuts {
		if err := s.checkCAS(put.Name, put.Expect); err != nil {
			return err
		}
	}
	for _, del := range b.RefDels {
		expect := del.Expect
		if err := s.checkCAS(del.Name, &expect); err != nil {
			return err
		}
	}

	txn := s.refs.Txn()
	for _, put := range b.RefPuts {
		txn.Insert([]byte(put.Name), put.Val)
	}
	for _, del := range b.RefDels {
		txn.Delete([]byte(del.Name))
	}

	for _, obj := range b.Objects {
		if _, ok := s.objects[obj.ID]; ok {
			continue // content-addressed: already present means identical
		}
		s.objects[obj.ID] = storedObject{canonical: obj.Canonical, meta: obj.Meta}
	}

	if b.Truncate != nil {
		kept := s.entries[:0]
		for _, e := range s.entries {
			if e.Seq <= *b.Truncate {
				kept = append(kept, e)
			}
		}
		s.entries = kept
	}
	if b.Baseline != nil {
		kept := []model.LogEntry{*b.Baseline}
		for _, e := range s.entries {
			if e.Seq > b.Baseline.Seq {
				kept = append(kept, e)
			}
		}
		s.entries = kept
	}
	s.entries = append(s.entries, b.Appends...)
	if b.Cursor != nil {
		s.cursor = *b.Cursor
	}
	s.refs = txn.Commit()
	return nil
}

func (s *Store) checkCAS(name string, expect *model.RefVal) error {
	cur, ok := s.refs.Get([]byte(name))
	if expect == nil {
		if ok {
			return status.ErrConflict.WrapMessage("ref " + name + " already exists")
		}
		return nil
	}
	if !ok {
		return status.ErrConflict.WrapMessage("ref " + name + " no longer exists")
	}
	if !cur.(model.RefVal).Equal(*expect) {
		return status.ErrConflict.WrapMessage("ref " + name + " was updated concurrently")
	}
	return nil
}
