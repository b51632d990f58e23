// Package sqldb implements the backend capability set on database/sql.
//
// Two dialects are supported: embedded SQLite (single file, single writer)
// and client-server MySQL. Both give linearizable commit visibility through
// native SQL transactions, so the consistency class is Strong for either.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// database/sql drivers, selected by name at Open
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

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

// Store is a SQL-backed backend
type Store struct {
	db        *sql.DB
	d         *dialect
	l         *zap.Logger
	maxStaged int64
	clk       clock.Clock
}

var _ backend.Backend = &Store{}
var _ backend.Applier = &Store{}

// Open connects to a SQL database and ensures the schema. driver is one of
// DriverSQLite or DriverMySQL; dsn is driver-specific (a file path for
// sqlite, a dial string for mysql). Idempotent: safe to call on an
// existing database.
func Open(driver, dsn string, opts ...Option) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, status.ErrBackendUnavailable.Wrap(err)
	}
	if d.singleWriter {
		// sqlite supports one writer at a time; avoid SQLITE_BUSY
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	for _, pragma := range d.pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	s := &Store{
		db:        db,
		d:         d,
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
	return s.d.name
}

// Consistency class of this backend
func (s *Store) Consistency() backend.Class {
	return backend.ClassStrong
}

// Close releases the connection pool
func (s *Store) Close() error {
	return s.db.Close()
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
	var (
		data      []byte
		size      int64
		createdAt int64
		algorithm string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, size, created_at, algorithm FROM objects WHERE id = ?`, id[:]).
		Scan(&data, &size, &createdAt, &algorithm)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, status.ErrBackendUnavailable.Wrap(err)
	}
	if err := backend.VerifyLoaded(id, data); err != nil {
		return nil, nil, err
	}
	o, err := model.Decode(data)
	if err != nil {
		return nil, nil, status.ErrCorruption.Wrap(err)
	}
	return o, &model.Meta{
		Size:      size,
		CreatedAt: time.Unix(0, createdAt).UTC(),
		Algorithm: algorithm,
	}, nil
}

// HasObject reports presence of an id
func (s *Store) HasObject(ctx context.Context, id model.ID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM objects WHERE id = ?`, id[:]).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, status.ErrBackendUnavailable.Wrap(err)
	}
	return true, nil
}

// ListRefs returns the full reference snapshot
func (s *Store) ListRefs(ctx context.Context) (model.RefSet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, target, version FROM refs ORDER BY name`)
	if err != nil {
		return nil, status.ErrBackendUnavailable.Wrap(err)
	}
	defer rows.Close()

	out := model.RefSet{}
	for rows.Next() {
		var (
			name    string
			target  []byte
			version string
		)
		if err := rows.Scan(&name, &target, &version); err != nil {
			return nil, err
		}
		id, err := model.NewID(target)
		if err != nil {
			return nil, status.ErrCorruption.Wrap(err)
		}
		out[name] = model.RefVal{Target: id, Version: version}
	}
	return out, rows.Err()
}

// GetRef returns one binding or ErrNotFound
func (s *Store) GetRef(ctx context.Context, name string) (model.RefVal, error) {
	var (
		target  []byte
		version string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT target, version FROM refs WHERE name = ?`, name).
		Scan(&target, &version)
	if err == sql.ErrNoRows {
		return model.RefVal{}, status.ErrNotFound.WrapMessage("ref " + name)
	}
	if err != nil {
		return model.RefVal{}, status.ErrBackendUnavailable.Wrap(err)
	}
	id, err := model.NewID(target)
	if err != nil {
		return model.RefVal{}, status.ErrCorruption.Wrap(err)
	}
	return model.RefVal{Target: id, Version: version}, nil
}

// Entries returns committed log entries with Seq >= from
func (s *Store) Entries(ctx context.Context, from uint64) ([]model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM log WHERE seq >= ? ORDER BY seq`, from)
	if err != nil {
		return nil, status.ErrBackendUnavailable.Wrap(err)
	}
	defer rows.Close()

	var out []model.LogEntry
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		e, err := model.UnmarshalEntry(raw)
		if err != nil {
			return nil, status.ErrCorruption.Wrap(err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Cursor returns the persisted cursor position
func (s *Store) Cursor(ctx context.Context) (uint64, error) {
	var pos uint64
	err := s.db.QueryRowContext(ctx, `SELECT pos FROM cursor WHERE id = 1`).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, status.ErrBackendUnavailable.Wrap(err)
	}
	return pos, nil
}

// Apply commits a staged batch inside one native SQL transaction. CAS
// expectations are validated first, under row locks where the dialect has
// them, so a stale expectation rolls the whole batch back untouched.
func (s *Store) Apply(ctx context.Context, b *backend.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return status.ErrBackendUnavailable.Wrap(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, put := range b.RefPuts {
		if err := s.applyRefPut(ctx, tx, put); err != nil {
			return err
		}
	}
	for _, del := range b.RefDels {
		if err := s.applyRefDel(ctx, tx, del); err != nil {
			return err
		}
	}
	for _, obj := range b.Objects {
		_, err := tx.ExecContext(ctx, s.d.insertIgnore,
			obj.ID[:], int(objKind(obj.Canonical)), obj.Canonical,
			obj.Meta.Size, obj.Meta.CreatedAt.UnixNano(), obj.Meta.Algorithm)
		if err != nil {
			return status.ErrBackendUnavailable.Wrap(err)
		}
	}
	if b.Truncate != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM log WHERE seq > ?`, *b.Truncate); err != nil {
			return status.ErrBackendUnavailable.Wrap(err)
		}
	}
	if b.Baseline != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM log WHERE seq <= ?`, b.Baseline.Seq); err != nil {
			return status.ErrBackendUnavailable.Wrap(err)
		}
		if err := insertEntry(ctx, tx, *b.Baseline); err != nil {
			return err
		}
	}
	for _, e := range b.Appends {
		if err := insertEntry(ctx, tx, e); err != nil {
			return err
		}
	}
	if b.Cursor != nil {
		if _, err := tx.ExecContext(ctx, s.d.upsertCursor, *b.Cursor); err != nil {
			return status.ErrBackendUnavailable.Wrap(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return status.ErrBackendUnavailable.Wrap(err)
	}
	return nil
}

func (s *Store) applyRefPut(ctx context.Context, tx *sql.Tx, put backend.RefPut) error {
	cur, exists, err := s.readRefLocked(ctx, tx, put.Name)
	if err != nil {
		return err
	}
	switch {
	case put.Expect == nil:
		if exists {
			return status.ErrConflict.WrapMessage("ref " + put.Name + " already exists")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO refs (name, target, version) VALUES (?, ?, ?)`,
			put.Name, put.Val.Target[:], put.Val.Version)
	default:
		if !exists || !cur.Equal(*put.Expect) {
			return status.ErrConflict.WrapMessage("ref " + put.Name + " was updated concurrently")
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE refs SET target = ?, version = ? WHERE name = ?`,
			put.Val.Target[:], put.Val.Version, put.Name)
	}
	if err != nil {
		return status.ErrBackendUnavailable.Wrap(err)
	}
	return nil
}

func (s *Store) applyRefDel(ctx context.Context, tx *sql.Tx, del backend.RefDel) error {
	cur, exists, err := s.readRefLocked(ctx, tx, del.Name)
	if err != nil {
		return err
	}
	if !exists || !cur.Equal(del.Expect) {
		return status.ErrConflict.WrapMessage("ref " + del.Name + " was updated concurrently")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM refs WHERE name = ?`, del.Name); err != nil {
		return status.ErrBackendUnavailable.Wrap(err)
	}
	return nil
}

func (s *Store) readRefLocked(ctx context.Context, tx *sql.Tx, name string) (model.RefVal, bool, error) {
	var (
		target  []byte
		version string
	)
	err := tx.QueryRowContext(ctx, s.d.refForUpdate, name).Scan(&target, &version)
	if err == sql.ErrNoRows {
		return model.RefVal{}, false, nil
	}
	if err != nil {
		return model.RefVal{}, false, status.ErrBackendUnavailable.Wrap(err)
	}
	id, err := model.NewID(target)
	if err != nil {
		return model.RefVal{}, false, status.ErrCorruption.Wrap(err)
	}
	return model.RefVal{Target: id, Version: version}, true, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e model.LogEntry) error {
	raw, err := model.MarshalEntry(&e)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO log (seq, entry) VALUES (?, ?)`, e.Seq, raw); err != nil {
		return status.ErrBackendUnavailable.Wrap(err)
	}
	return nil
}

// objKind peeks the kind tag of a canonical payload
func objKind(canonical []byte) model.Kind {
	if len(canonical) == 0 {
		return 0
	}
	return model.Kind(canonical[0])
}
