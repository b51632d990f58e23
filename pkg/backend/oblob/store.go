// Package oblob implements the backend capability set on top of a flat blob
// store (object storage buckets, or a local filesystem through the same
// interface). Blob stores give durable last-writer-wins puts per key but no
// native compare-and-swap, so this adapter self-declares ClassEventual:
// every reference update lands under its own version-token key and readers
// resolve the largest token. Divergent histories are surfaced and collapsed
// by Reconcile.
package oblob

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	yaml "gopkg.in/yaml.v2"

	"github.com/facebookgo/clock"

	"github.com/strata-vcs/strata/pkg/backend"
	"github.com/strata-vcs/strata/pkg/backend/status"
	"github.com/strata-vcs/strata/pkg/errors"
	"github.com/strata-vcs/strata/pkg/model"
	"github.com/strata-vcs/strata/pkg/storage"
	storagestatus "github.com/strata-vcs/strata/pkg/storage/status"
)

const (
	objectPrefix = "objects/"
	metaPrefix   = "meta/"
	refPrefix    = "refs/"
	logPrefix    = "log/"
	cursorKey    = "cursor"

	listPageSize = 1000
)

// refRecord is the yaml envelope of one reference write. A deletion is a
// record with Deleted set; it participates in winner resolution like any
// other write.
type refRecord struct {
	Target  string `yaml:"target"`
	Version string `yaml:"version"`
	Deleted bool   `yaml:"deleted,omitempty"`
}

// Conflict reports one reference whose history diverged: concurrent writers
// landed records that did not observe each other. Winner is the surviving
// value under last-writer-wins; Discarded lists the collapsed losers.
type Conflict struct {
	Name      string
	Winner    model.RefVal
	Discarded []model.RefVal
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

// Store is a blob-backed eventual backend
type Store struct {
	blobs     storage.Store
	l         *zap.Logger
	maxStaged int64
	clk       clock.Clock
}

var _ backend.Backend = &Store{}
var _ backend.Applier = &Store{}

// New layers the backend capability set over a blob store
func New(blobs storage.Store, opts ...Option) *Store {
	s := &Store{
		blobs:     blobs,
		l:         zap.NewNop(),
		maxStaged: backend.DefaultMaxStagedBytes,
		clk:       clock.New(),
	}
	for _, apply := range opts {
		apply(s)
	}
	return s
}

func (s *Store) String() string {
	return "oblob@" + s.blobs.String()
}

// Consistency class of this backend
func (s *Store) Consistency() backend.Class {
	return backend.ClassEventual
}

// Close is a no-op; the underlying blob store owns its connections
func (s *Store) Close() error {
	return nil
}

// Begin opens an isolated transaction
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
	canonical, err := storage.ReadAll(ctx, s.blobs, objectPrefix+id.String())
	if err != nil {
		if errors.Is(err, storagestatus.ErrNotExists) {
			return nil, nil, nil
		}
		return nil, nil, status.ErrBackendUnavailable.Wrap(err)
	}
	if err := backend.VerifyLoaded(id, canonical); err != nil {
		return nil, nil, err
	}
	o, err := model.Decode(canonical)
	if err != nil {
		return nil, nil, status.ErrCorruption.Wrap(err)
	}
	rawMeta, err := storage.ReadAll(ctx, s.blobs, metaPrefix+id.String())
	if err != nil {
		if errors.Is(err, storagestatus.ErrNotExists) {
			// tolerate a write interrupted between payload and metadata
			return o, &model.Meta{
				Size:      int64(len(canonical)),
				Algorithm: model.HashAlgorithm,
			}, nil
		}
		return nil, nil, status.ErrBackendUnavailable.Wrap(err)
	}
	var meta model.Meta
	if err := yaml.Unmarshal(rawMeta, &meta); err != nil {
		return nil, nil, status.ErrCorruption.Wrap(err)
	}
	return o, &meta, nil
}

// HasObject reports presence of an id
func (s *Store) HasObject(ctx context.Context, id model.ID) (bool, error) {
	ok, err := s.blobs.Has(ctx, objectPrefix+id.String())
	if err != nil {
		return false, status.ErrBackendUnavailable.Wrap(err)
	}
	return ok, nil
}

// refKeys pages every key under refs/, grouped by reference name and sorted
// by version token within a name.
func (s *Store) refKeys(ctx context.Context, prefix string) (map[string][]string, error) {
	grouped := map[string][]string{}
	marker := ""
	for {
		keys, next, err := s.blobs.KeysPrefix(ctx, marker, prefix, listPageSize)
		if err != nil {
			return nil, status.ErrBackendUnavailable.Wrap(err)
		}
		for _, k := range keys {
			rel := strings.TrimPrefix(k, refPrefix)
			cut := strings.LastIndex(rel, "/")
			if cut <= 0 {
				continue // not a token key
			}
			name := rel[:cut]
			grouped[name] = append(grouped[name], rel[cut+1:])
		}
		if next == "" {
			break
		}
		marker = next
	}
	for _, tokens := range grouped {
		sort.Strings(tokens)
	}
	return grouped, nil
}

func (s *Store) readRecord(ctx context.Context, name, token string) (refRecord, error) {
	raw, err := storage.ReadAll(ctx, s.blobs, refPrefix+name+"/"+token)
	if err != nil {
		return refRecord{}, status.ErrBackendUnavailable.Wrap(err)
	}
	var rec refRecord
	if err := yaml.Unmarshal(raw, &rec); err != nil {
		return refRecord{}, status.ErrCorruption.Wrap(err)
	}
	return rec, nil
}

func recordVal(rec refRecord) (model.RefVal, error) {
	id, err := model.ParseID(rec.Target)
	if err != nil {
		return model.RefVal{}, status.ErrCorruption.Wrap(err)
	}
	return model.RefVal{Target: id, Version: rec.Version}, nil
}

// resolve returns the winning record of one reference, or false when the
// reference has no live value (no records, or the winner is a deletion).
func (s *Store) resolve(ctx context.Context, name string, tokens []string) (model.RefVal, bool, error) {
	if len(tokens) == 0 {
		return model.RefVal{}, false, nil
	}
	// version tokens are K-sortable, so the lexically largest one wins
	rec, err := s.readRecord(ctx, name, tokens[len(tokens)-1])
	if err != nil {
		return model.RefVal{}, false, err
	}
	if rec.Deleted {
		return model.RefVal{}, false, nil
	}
	v, err := recordVal(rec)
	if err != nil {
		return model.RefVal{}, false, err
	}
	return v, true, nil
}

// ListRefs returns the winner of every reference name
func (s *Store) ListRefs(ctx context.Context) (model.RefSet, error) {
	grouped, err := s.refKeys(ctx, refPrefix)
	if err != nil {
		return nil, err
	}
	out := model.RefSet{}
	for name, tokens := range grouped {
		v, live, err := s.resolve(ctx, name, tokens)
		if err != nil {
			return nil, err
		}
		if live {
			out[name] = v
		}
	}
	return out, nil
}

// GetRef returns one binding or ErrNotFound
func (s *Store) GetRef(ctx context.Context, name string) (model.RefVal, error) {
	grouped, err := s.refKeys(ctx, refPrefix+name+"/")
	if err != nil {
		return model.RefVal{}, err
	}
	v, live, err := s.resolve(ctx, name, grouped[name])
	if err != nil {
		return model.RefVal{}, err
	}
	if !live {
		return model.RefVal{}, status.ErrNotFound.WrapMessage("ref " + name)
	}
	return v, nil
}

// Entries returns committed log entries with Seq >= from
func (s *Store) Entries(ctx context.Context, from uint64) ([]model.LogEntry, error) {
	var out []model.LogEntry
	marker := ""
	start := logPrefix + seqKey(from)
	for {
		keys, next, err := s.blobs.KeysPrefix(ctx, marker, logPrefix, listPageSize)
		if err != nil {
			return nil, status.ErrBackendUnavailable.Wrap(err)
		}
		for _, k := range keys {
			if k < start {
				continue
			}
			raw, err := storage.ReadAll(ctx, s.blobs, k)
			if err != nil {
				return nil, status.ErrBackendUnavailable.Wrap(err)
			}
			e, err := model.UnmarshalEntry(raw)
			if err != nil {
				return nil, status.ErrCorruption.Wrap(err)
			}
			out = append(out, *e)
		}
		if next == "" {
			break
		}
		marker = next
	}
	return out, nil
}

// Cursor returns the persisted cursor position
func (s *Store) Cursor(ctx context.Context) (uint64, error) {
	raw, err := storage.ReadAll(ctx, s.blobs, cursorKey)
	if err != nil {
		if errors.Is(err, storagestatus.ErrNotExists) {
			return 0, nil
		}
		return 0, status.ErrBackendUnavailable.Wrap(err)
	}
	var pos uint64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(raw)), "%d", &pos); err != nil {
		return 0, status.ErrCorruption.Wrap(err)
	}
	return pos, nil
}

// Apply submits a staged batch. CAS expectations are validated by a read
// before the writes land; with no native conditional write underneath this
// is a best-effort check, and races that slip past it surface later as
// divergent records for Reconcile to collapse.
func (s *Store) Apply(ctx context.Context, b *backend.Batch) error {
	for _, put := range b.RefPuts {
		if err := s.checkCAS(ctx, put.Name, put.Expect); err != nil {
			return err
		}
	}
	for _, del := range b.RefDels {
		expect := del.Expect
		if err := s.checkCAS(ctx, del.Name, &expect); err != nil {
			return err
		}
	}

	for _, obj := range b.Objects {
		ok, err := s.blobs.Has(ctx, objectPrefix+obj.ID.String())
		if err != nil {
			return status.ErrBackendUnavailable.Wrap(err)
		}
		if ok {
			continue // content-addressed: already present means identical
		}
		rawMeta, err := yaml.Marshal(obj.Meta)
		if err != nil {
			return err
		}
		if err := s.put(ctx, objectPrefix+obj.ID.String(), obj.Canonical, storage.OverWrite); err != nil {
			return err
		}
		if err := s.put(ctx, metaPrefix+obj.ID.String(), rawMeta, storage.OverWrite); err != nil {
			return err
		}
	}
	for _, put := range b.RefPuts {
		rec := refRecord{Target: put.Val.Target.String(), Version: put.Val.Version}
		if err := s.putRecord(ctx, put.Name, rec); err != nil {
			return err
		}
	}
	for _, del := range b.RefDels {
		rec := refRecord{Version: backend.NextVersion(), Deleted: true}
		if err := s.putRecord(ctx, del.Name, rec); err != nil {
			return err
		}
	}
	if b.Truncate != nil {
		if err := s.dropEntries(ctx, func(seq uint64) bool { return seq > *b.Truncate }); err != nil {
			return err
		}
	}
	if b.Baseline != nil {
		if err := s.dropEntries(ctx, func(seq uint64) bool { return seq <= b.Baseline.Seq }); err != nil {
			return err
		}
		if err := s.putEntry(ctx, *b.Baseline); err != nil {
			return err
		}
	}
	for _, e := range b.Appends {
		if err := s.putEntry(ctx, e); err != nil {
			return err
		}
	}
	if b.Cursor != nil {
		raw := []byte(fmt.Sprintf("%d\n", *b.Cursor))
		if err := s.put(ctx, cursorKey, raw, storage.OverWrite); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) checkCAS(ctx context.Context, name string, expect *model.RefVal) error {
	grouped, err := s.refKeys(ctx, refPrefix+name+"/")
	if err != nil {
		return err
	}
	cur, live, err := s.resolve(ctx, name, grouped[name])
	if err != nil {
		return err
	}
	if expect == nil {
		if live {
			return status.ErrConflict.WrapMessage("ref " + name + " already exists")
		}
		return nil
	}
	if !live {
		return status.ErrConflict.WrapMessage("ref " + name + " no longer exists")
	}
	if !cur.Equal(*expect) {
		return status.ErrConflict.WrapMessage("ref " + name + " was updated concurrently")
	}
	return nil
}

func (s *Store) put(ctx context.Context, key string, raw []byte, exclusive bool) error {
	if err := s.blobs.Put(ctx, key, bytes.NewReader(raw), exclusive); err != nil {
		return status.ErrBackendUnavailable.Wrap(err)
	}
	return nil
}

func (s *Store) putRecord(ctx context.Context, name string, rec refRecord) error {
	raw, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}
	// one key per write; the token is unique so exclusive put cannot clash
	return s.put(ctx, refPrefix+name+"/"+rec.Version, raw, storage.NoOverWrite)
}

func (s *Store) putEntry(ctx context.Context, e model.LogEntry) error {
	raw, err := model.MarshalEntry(&e)
	if err != nil {
		return err
	}
	return s.put(ctx, logPrefix+seqKey(e.Seq), raw, storage.OverWrite)
}

func (s *Store) dropEntries(ctx context.Context, drop func(seq uint64) bool) error {
	marker := ""
	var victims []string
	for {
		keys, next, err := s.blobs.KeysPrefix(ctx, marker, logPrefix, listPageSize)
		if err != nil {
			return status.ErrBackendUnavailable.Wrap(err)
		}
		for _, k := range keys {
			var seq uint64
			if _, err := fmt.Sscanf(strings.TrimPrefix(k, logPrefix), "%d", &seq); err != nil {
				continue
			}
			if drop(seq) {
				victims = append(victims, k)
			}
		}
		if next == "" {
			break
		}
		marker = next
	}
	for _, k := range victims {
		if err := s.blobs.Delete(ctx, k); err != nil {
			return status.ErrBackendUnavailable.Wrap(err)
		}
	}
	return nil
}

// Reconcile collapses divergent reference histories: for every name with
// more than one record it keeps the last-writer-wins winner, deletes the
// losing records, and reports the collapse. A reference whose winner is a
// deletion loses all its records. Safe to run concurrently with readers;
// concurrent writers may leave fresh records for the next pass.
func (s *Store) Reconcile(ctx context.Context) ([]Conflict, error) {
	grouped, err := s.refKeys(ctx, refPrefix)
	if err != nil {
		return nil, err
	}

	var report []Conflict
	for name, tokens := range grouped {
		if len(tokens) < 2 {
			// single record, nothing to collapse unless it is a tombstone
			if len(tokens) == 1 {
				rec, err := s.readRecord(ctx, name, tokens[0])
				if err != nil {
					return nil, err
				}
				if rec.Deleted {
					if err := s.blobs.Delete(ctx, refPrefix+name+"/"+tokens[0]); err != nil {
						return nil, status.ErrBackendUnavailable.Wrap(err)
					}
				}
			}
			continue
		}

		winnerTok := tokens[len(tokens)-1]
		winnerRec, err := s.readRecord(ctx, name, winnerTok)
		if err != nil {
			return nil, err
		}

		c := Conflict{Name: name}
		if !winnerRec.Deleted {
			if c.Winner, err = recordVal(winnerRec); err != nil {
				return nil, err
			}
		}
		for _, tok := range tokens[:len(tokens)-1] {
			rec, err := s.readRecord(ctx, name, tok)
			if err != nil {
				return nil, err
			}
			if !rec.Deleted {
				v, err := recordVal(rec)
				if err != nil {
					return nil, err
				}
				c.Discarded = append(c.Discarded, v)
			}
			if err := s.blobs.Delete(ctx, refPrefix+name+"/"+tok); err != nil {
				return nil, status.ErrBackendUnavailable.Wrap(err)
			}
		}
		if winnerRec.Deleted {
			if err := s.blobs.Delete(ctx, refPrefix+name+"/"+winnerTok); err != nil {
				return nil, status.ErrBackendUnavailable.Wrap(err)
			}
		}

		s.l.Debug("reconciled ref",
			zap.String("ref", name),
			zap.Int("discarded", len(tokens)-1))
		report = append(report, c)
	}
	return report, nil
}

func seqKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}
