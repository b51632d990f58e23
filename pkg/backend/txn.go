package backend

import (
	"context"
	"sync"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/strata-vcs/strata/pkg/backend/status"
	"github.com/strata-vcs/strata/pkg/errors"
	"github.com/strata-vcs/strata/pkg/model"
)

// DefaultMaxStagedBytes is the staged-write budget of a transaction unless
// the adapter overrides it
const DefaultMaxStagedBytes = int64(256 * 1024 * 1024)

var (
	versionMu   sync.Mutex
	lastVersion string
)

// NextVersion mints a reference version token. Tokens are k-sortable
// ksuids; raw ksuids only order at second granularity, so ties with the
// previously minted token are bumped to keep the sequence strictly
// increasing within the process.
func NextVersion() string {
	versionMu.Lock()
	defer versionMu.Unlock()
	id := ksuid.New()
	if lastVersion != "" && id.String() <= lastVersion {
		if prev, err := ksuid.Parse(lastVersion); err == nil {
			id = prev.Next()
		}
	}
	lastVersion = id.String()
	return lastVersion
}

// StagedObject is one content write held in a staging buffer
type StagedObject struct {
	ID        model.ID
	Canonical []byte
	Meta      model.Meta
}

// RefPut is one staged CAS reference update. Expect nil means the name must
// not exist at apply time.
type RefPut struct {
	Name   string
	Expect *model.RefVal
	Val    model.RefVal
}

// RefDel is one staged CAS reference deletion
type RefDel struct {
	Name   string
	Expect model.RefVal
}

// Batch is the complete staged effect of a transaction, handed to the
// adapter's Apply in one call. Apply must be all-or-nothing within the
// adapter's consistency class: every CAS expectation checked against live
// state, nothing visible on failure.
type Batch struct {
	Objects  []StagedObject
	RefPuts  []RefPut
	RefDels  []RefDel
	Appends  []model.LogEntry
	Truncate *uint64         // drop entries with Seq > *Truncate
	Baseline *model.LogEntry // replace entries with Seq <= Baseline.Seq by Baseline
	Cursor   *uint64
}

// Empty reports whether the batch stages nothing
func (b *Batch) Empty() bool {
	return len(b.Objects) == 0 && len(b.RefPuts) == 0 && len(b.RefDels) == 0 &&
		len(b.Appends) == 0 && b.Truncate == nil && b.Baseline == nil && b.Cursor == nil
}

// Applier is the single atomic primitive an adapter contributes to the
// transaction coordinator
type Applier interface {
	Apply(ctx context.Context, b *Batch) error
}

// TxnOption is a functor to pass optional parameters to a transaction
type TxnOption func(*Txn)

// TxnMaxStagedBytes overrides the staged-write budget
func TxnMaxStagedBytes(n int64) TxnOption {
	return func(t *Txn) {
		if n > 0 {
			t.maxStaged = n
		}
	}
}

// TxnLogger sets a logger for this transaction
func TxnLogger(logger *zap.Logger) TxnOption {
	return func(t *Txn) {
		if logger != nil {
			t.l = logger
		}
	}
}

// TxnClock overrides the clock used for out-of-band object metadata
func TxnClock(clk clock.Clock) TxnOption {
	return func(t *Txn) {
		if clk != nil {
			t.clk = clk
		}
	}
}

// NewTxn builds the coordinator-managed transaction every adapter hands out
// from Begin. The staging buffer is exclusively owned by the caller; its
// mutex guards that buffer only, never backend state.
func NewTxn(applier Applier, opts ...TxnOption) *Txn {
	t := &Txn{
		id:        uuid.NewString(),
		applier:   applier,
		clk:       clock.New(),
		l:         zap.NewNop(),
		maxStaged: DefaultMaxStagedBytes,
	}
	for _, apply := range opts {
		apply(t)
	}
	return t
}

// Txn is the shared transaction coordinator: an ephemeral, exclusively
// owned staging buffer committed through the adapter's Apply primitive.
type Txn struct {
	id        string
	applier   Applier
	clk       clock.Clock
	l         *zap.Logger
	maxStaged int64

	mu     sync.Mutex
	batch  Batch
	staged int64
	done   bool
}

var _ Transaction = &Txn{}

// ID of the transaction, for logging
func (t *Txn) ID() string {
	return t.id
}

func (t *Txn) reserve(n int) error {
	if t.staged+int64(n) > t.maxStaged {
		return status.ErrResourceExhausted.WrapMessage("transaction " + t.id)
	}
	t.staged += int64(n)
	return nil
}

// StoreObject stages an object write after verifying its id
func (t *Txn) StoreObject(ctx context.Context, id model.ID, o model.Object) error {
	canonical, err := model.Encode(o)
	if err != nil {
		return err
	}
	if err := VerifyContent(id, canonical); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return status.ErrTxnDone
	}
	if err := t.reserve(len(canonical)); err != nil {
		return err
	}
	t.batch.Objects = append(t.batch.Objects, StagedObject{
		ID:        id,
		Canonical: canonical,
		Meta: model.Meta{
			Size:      int64(len(canonical)),
			CreatedAt: t.clk.Now().UTC(),
			Algorithm: model.HashAlgorithm,
		},
	})
	return nil
}

// UpdateRef stages a CAS reference update, minting the new version token
func (t *Txn) UpdateRef(ctx context.Context, name string, expect *model.RefVal, target model.ID) (model.RefVal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return model.RefVal{}, status.ErrTxnDone
	}
	val := model.RefVal{Target: target, Version: NextVersion()}
	t.batch.RefPuts = append(t.batch.RefPuts, RefPut{
		Name:   name,
		Expect: cloneExpect(expect),
		Val:    val,
	})
	return val, nil
}

// DeleteRef stages a CAS reference deletion
func (t *Txn) DeleteRef(ctx context.Context, name string, expect model.RefVal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return status.ErrTxnDone
	}
	t.batch.RefDels = append(t.batch.RefDels, RefDel{Name: name, Expect: expect})
	return nil
}

// AppendEntry stages a log entry append
func (t *Txn) AppendEntry(ctx context.Context, e model.LogEntry) error {
	b, err := model.MarshalEntry(&e)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return status.ErrTxnDone
	}
	if err := t.reserve(len(b)); err != nil {
		return err
	}
	t.batch.Appends = append(t.batch.Appends, e)
	return nil
}

// TruncateAfter stages removal of entries past seq
func (t *Txn) TruncateAfter(ctx context.Context, seq uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return status.ErrTxnDone
	}
	s := seq
	t.batch.Truncate = &s
	return nil
}

// CompactTo stages retirement of history at and before the baseline
func (t *Txn) CompactTo(ctx context.Context, baseline model.LogEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return status.ErrTxnDone
	}
	b := baseline
	t.batch.Baseline = &b
	return nil
}

// SetCursor stages a cursor move
func (t *Txn) SetCursor(ctx context.Context, pos uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return status.ErrTxnDone
	}
	p := pos
	t.batch.Cursor = &p
	return nil
}

// Commit hands the staged batch to the adapter's atomic Apply. Whatever the
// outcome, the transaction is resolved afterwards: a failed commit applied
// nothing and the caller restages on a fresh transaction.
func (t *Txn) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return status.ErrTxnDone
	}
	t.done = true
	batch := t.batch
	t.mu.Unlock()

	if batch.Empty() {
		return nil
	}
	if err := t.applier.Apply(ctx, &batch); err != nil {
		t.l.Debug("commit failed",
			zap.String("txn", t.id),
			zap.Error(err))
		if errors.Is(err, status.ErrConflict) {
			return status.ErrTransactionFailed.Wrap(err)
		}
		return err
	}
	return nil
}

// Rollback discards the staging buffer with zero effect
func (t *Txn) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return status.ErrTxnDone
	}
	t.done = true
	t.batch = Batch{}
	t.staged = 0
	return nil
}

func cloneExpect(expect *model.RefVal) *model.RefVal {
	if expect == nil {
		return nil
	}
	v := *expect
	return &v
}

// WriteObject stores one object outside any caller transaction. Object
// writes are content-addressed and idempotent, so a single-object commit
// can never conflict.
func WriteObject(ctx context.Context, b Backend, id model.ID, o model.Object) error {
	tx, err := b.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.StoreObject(ctx, id, o); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
