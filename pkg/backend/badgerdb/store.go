// Package badgerdb implements the backend capability set on an embedded
// badger key-value store. One database hosts all four tables, separated by
// key prefixes; batches commit through a single badger update transaction,
// so the consistency class is Strong.
package badgerdb

import (
	"context"
	"encoding/binary"
	"os"
	"sync"

	"github.com/dgraph-io/badger"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/facebookgo/clock"

	"github.com/strata-vcs/strata/pkg/backend"
	"github.com/strata-vcs/strata/pkg/backend/status"
	"github.com/strata-vcs/strata/pkg/model"
)

var (
	objPref  = [4]byte{'o', 'b', 'j', ':'}
	metaPref = [4]byte{'m', 'e', 't', ':'}
	refPref  = [4]byte{'r', 'e', 'f', ':'}
	logPref  = [4]byte{'l', 'o', 'g', ':'}
	cursorKey = []byte("cursor")
)

func badgerRewriteError(err error) error {
	switch err {
	case nil:
		return nil
	case badger.ErrKeyNotFound:
		return status.ErrNotFound
	case badger.ErrConflict:
		return status.ErrConflict
	default:
		return status.ErrBackendUnavailable.Wrap(err)
	}
}

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

// Store is a badger-backed backend
type Store struct {
	baseDir   string
	db        *badger.DB
	closeOnce sync.Once
	l         *zap.Logger
	maxStaged int64
	clk       clock.Clock
}

var _ backend.Backend = &Store{}
var _ backend.Applier = &Store{}

// Open creates or reopens a badger database rooted at baseDir
func Open(baseDir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, status.ErrBackendUnavailable.Wrap(err)
	}
	bopts := badger.DefaultOptions(baseDir).WithLogger(nil)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, status.ErrBackendUnavailable.Wrap(err)
	}
	s := &Store{
		baseDir:   baseDir,
		db:        db,
		l:         zap.NewNop(),
		maxStaged: backend.DefaultMaxStagedBytes,
		clk:       clock.New(),
	}
	for _, apply := range opts {
		apply(s)
	}
	return s, nil
}

func (s *Store) String() string {
	return "badger"
}

// Consistency class of this backend
func (s *Store) Consistency() backend.Class {
	return backend.ClassStrong
}

// Close shuts the database down. Safe to call more than once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}

// Begin opens an isolated transaction
func (s *Store) Begin(ctx context.Context) (backend.Transaction, error) {
	return backend.NewTxn(s,
		backend.TxnLogger(s.l),
		backend.TxnMaxStagedBytes(s.maxStaged),
		backend.TxnClock(s.clk),
	), nil
}

func objKey(id model.ID) []byte {
	return append(objPref[:], id[:]...)
}

func metaKey(id model.ID) []byte {
	return append(metaPref[:], id[:]...)
}

func refKey(name string) []byte {
	return append(refPref[:], name...)
}

func logKey(seq uint64) []byte {
	k := make([]byte, 4+8)
	copy(k, logPref[:])
	binary.BigEndian.PutUint64(k[4:], seq)
	return k
}

// StoreObject persists one object through a single-write transaction
func (s *Store) StoreObject(ctx context.Context, id model.ID, o model.Object) error {
	return backend.WriteObject(ctx, s, id, o)
}

// LoadObject returns an object and its metadata, or nils when absent
func (s *Store) LoadObject(ctx context.Context, id model.ID) (model.Object, *model.Meta, error) {
	var (
		canonical []byte
		rawMeta   []byte
	)
	berr := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objKey(id))
		if err != nil {
			return err
		}
		if canonical, err = item.ValueCopy(nil); err != nil {
			return err
		}
		item, err = txn.Get(metaKey(id))
		if err != nil {
			return err
		}
		rawMeta, err = item.ValueCopy(nil)
		return err
	})
	if berr == badger.ErrKeyNotFound {
		return nil, nil, nil
	}
	if berr != nil {
		return nil, nil, badgerRewriteError(berr)
	}
	if err := backend.VerifyLoaded(id, canonical); err != nil {
		return nil, nil, err
	}
	o, err := model.Decode(canonical)
	if err != nil {
		return nil, nil, status.ErrCorruption.Wrap(err)
	}
	var meta model.Meta
	if err := jsoniter.Unmarshal(rawMeta, &meta); err != nil {
		return nil, nil, status.ErrCorruption.Wrap(err)
	}
	return o, &meta, nil
}

// HasObject reports presence of an id
func (s *Store) HasObject(ctx context.Context, id model.ID) (bool, error) {
	berr := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(objKey(id))
		return err
	})
	if berr == badger.ErrKeyNotFound {
		return false, nil
	}
	if berr != nil {
		return false, badgerRewriteError(berr)
	}
	return true, nil
}

// ListRefs returns the full reference snapshot
func (s *Store) ListRefs(ctx context.Context) (model.RefSet, error) {
	out := model.RefSet{}
	berr := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(refPref[:]); it.ValidForPrefix(refPref[:]); it.Next() {
			item := it.Item()
			name := string(item.Key()[len(refPref):])
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var v model.RefVal
			if err := jsoniter.Unmarshal(raw, &v); err != nil {
				return status.ErrCorruption.Wrap(err)
			}
			out[name] = v
		}
		return nil
	})
	if berr != nil {
		return nil, badgerRewriteError(berr)
	}
	return out, nil
}

// GetRef returns one binding or ErrNotFound
func (s *Store) GetRef(ctx context.Context, name string) (model.RefVal, error) {
	var v model.RefVal
	berr := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(refKey(name))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := jsoniter.Unmarshal(raw, &v); err != nil {
			return status.ErrCorruption.Wrap(err)
		}
		return nil
	})
	if berr == badger.ErrKeyNotFound {
		return model.RefVal{}, status.ErrNotFound.WrapMessage("ref " + name)
	}
	if berr != nil {
		return model.RefVal{}, badgerRewriteError(berr)
	}
	return v, nil
}

// Entries returns committed log entries with Seq >= from
func (s *Store) Entries(ctx context.Context, from uint64) ([]model.LogEntry, error) {
	var out []model.LogEntry
	berr := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(logKey(from)); it.ValidForPrefix(logPref[:]); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			e, err := model.UnmarshalEntry(raw)
			if err != nil {
				return status.ErrCorruption.Wrap(err)
			}
			out = append(out, *e)
		}
		return nil
	})
	if berr != nil {
		return nil, badgerRewriteError(berr)
	}
	return out, nil
}

// Cursor returns the persisted cursor position
func (s *Store) Cursor(ctx context.Context) (uint64, error) {
	var pos uint64
	berr := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cursorKey)
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(raw) != 8 {
			return status.ErrCorruption.WrapMessage("cursor record")
		}
		pos = binary.BigEndian.Uint64(raw)
		return nil
	})
	if berr == badger.ErrKeyNotFound {
		return 0, nil
	}
	if berr != nil {
		return 0, badgerRewriteError(berr)
	}
	return pos, nil
}

// Apply commits a staged batch in one badger update transaction. Every CAS
// expectation is checked before the first write, so a stale expectation
// aborts with the database untouched.
func (s *Store) Apply(ctx context.Context, b *backend.Batch) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, put := range b.RefPuts {
			if err := checkCAS(txn, put.Name, put.Expect); err != nil {
				return err
			}
		}
		for _, del := range b.RefDels {
			expect := del.Expect
			if err := checkCAS(txn, del.Name, &expect); err != nil {
				return err
			}
		}

		for _, obj := range b.Objects {
			if _, err := txn.Get(objKey(obj.ID)); err == nil {
				continue // content-addressed: already present means identical
			} else if err != badger.ErrKeyNotFound {
				return badgerRewriteError(err)
			}
			rawMeta, err := jsoniter.Marshal(obj.Meta)
			if err != nil {
				return err
			}
			if err := txn.Set(objKey(obj.ID), obj.Canonical); err != nil {
				return badgerRewriteError(err)
			}
			if err := txn.Set(metaKey(obj.ID), rawMeta); err != nil {
				return badgerRewriteError(err)
			}
		}
		for _, put := range b.RefPuts {
			raw, err := jsoniter.Marshal(put.Val)
			if err != nil {
				return err
			}
			if err := txn.Set(refKey(put.Name), raw); err != nil {
				return badgerRewriteError(err)
			}
		}
		for _, del := range b.RefDels {
			if err := txn.Delete(refKey(del.Name)); err != nil {
				return badgerRewriteError(err)
			}
		}
		if b.Truncate != nil {
			if err := dropEntries(txn, func(seq uint64) bool { return seq > *b.Truncate }); err != nil {
				return err
			}
		}
		if b.Baseline != nil {
			if err := dropEntries(txn, func(seq uint64) bool { return seq <= b.Baseline.Seq }); err != nil {
				return err
			}
			if err := setEntry(txn, *b.Baseline); err != nil {
				return err
			}
		}
		for _, e := range b.Appends {
			if err := setEntry(txn, e); err != nil {
				return err
			}
		}
		if b.Cursor != nil {
			raw := make([]byte, 8)
			binary.BigEndian.PutUint64(raw, *b.Cursor)
			if err := txn.Set(cursorKey, raw); err != nil {
				return badgerRewriteError(err)
			}
		}
		return nil
	})
}

func checkCAS(txn *badger.Txn, name string, expect *model.RefVal) error {
	item, err := txn.Get(refKey(name))
	if expect == nil {
		if err == nil {
			return status.ErrConflict.WrapMessage("ref " + name + " already exists")
		}
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return badgerRewriteError(err)
	}
	if err == badger.ErrKeyNotFound {
		return status.ErrConflict.WrapMessage("ref " + name + " no longer exists")
	}
	if err != nil {
		return badgerRewriteError(err)
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return badgerRewriteError(err)
	}
	var cur model.RefVal
	if err := jsoniter.Unmarshal(raw, &cur); err != nil {
		return status.ErrCorruption.Wrap(err)
	}
	if !cur.Equal(*expect) {
		return status.ErrConflict.WrapMessage("ref " + name + " was updated concurrently")
	}
	return nil
}

func dropEntries(txn *badger.Txn, drop func(seq uint64) bool) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	var victims [][]byte
	for it.Seek(logPref[:]); it.ValidForPrefix(logPref[:]); it.Next() {
		k := it.Item().KeyCopy(nil)
		if drop(binary.BigEndian.Uint64(k[len(logPref):])) {
			victims = append(victims, k)
		}
	}
	it.Close()

	for _, k := range victims {
		if err := txn.Delete(k); err != nil {
			return badgerRewriteError(err)
		}
	}
	return nil
}

func setEntry(txn *badger.Txn, e model.LogEntry) error {
	raw, err := model.MarshalEntry(&e)
	if err != nil {
		return err
	}
	if err := txn.Set(logKey(e.Seq), raw); err != nil {
		return badgerRewriteError(err)
	}
	return nil
}
