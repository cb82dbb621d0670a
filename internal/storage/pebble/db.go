package pebblestore

import (
	"context"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"
)

// FsyncMode defines durability behavior for committed writes.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every committed batch.
	FsyncModeAlways
	// FsyncModeInterval enables group-commit: Pebble coalesces WAL syncs for
	// operations within the configured interval.
	FsyncModeInterval
	// FsyncModeNever leaves WAL syncing to Pebble's own policies. Lowest
	// latency, weakest durability; intended for tests and dev runs.
	FsyncModeNever
)

// ErrNotFound mirrors pebble.ErrNotFound for callers that do not want to
// import pebble directly.
var ErrNotFound = pebble.ErrNotFound

// Options configures the store.
type Options struct {
	// DataDir is the Pebble database directory.
	DataDir string
	// Fsync selects WAL sync behavior.
	Fsync FsyncMode
	// FsyncInterval is the group-commit window for FsyncModeInterval.
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning. Nil gets defaults.
	PebbleOptions *pebble.Options
}

// DB wraps a Pebble instance with the configured fsync policy and the small
// helper surface the broker needs.
type DB struct {
	inner     *pebble.DB
	writeSync bool
}

// Open creates or opens the database at opts.DataDir.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebblestore: Options.DataDir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	switch opts.Fsync {
	case FsyncModeAlways:
		// Sync per commit; no WAL coalescing needed.
	case FsyncModeInterval:
		if opts.FsyncInterval <= 0 {
			opts.FsyncInterval = 5 * time.Millisecond
		}
		iv := opts.FsyncInterval
		po.WALMinSyncInterval = func() time.Duration { return iv }
	case FsyncModeNever:
	default:
		// Small group-commit window as a balanced default.
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}
	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, err
	}
	return &DB{inner: inner, writeSync: opts.Fsync == FsyncModeAlways}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	return db.inner.Close()
}

// NewBatch creates a batch for atomic multi-key updates.
func (db *DB) NewBatch() *pebble.Batch { return db.inner.NewBatch() }

// CommitBatch commits b with the configured fsync policy.
func (db *DB) CommitBatch(ctx context.Context, b *pebble.Batch) error {
	if b == nil {
		return errors.New("pebblestore: nil batch")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	mode := pebble.NoSync
	if db.writeSync {
		mode = pebble.Sync
	}
	return b.Commit(mode)
}

// Set writes a single key respecting the fsync policy.
func (db *DB) Set(key, value []byte) error {
	b := db.inner.NewBatch()
	defer b.Close()
	if err := b.Set(key, value, nil); err != nil {
		return err
	}
	return db.CommitBatch(context.Background(), b)
}

// Delete removes a single key respecting the fsync policy.
func (db *DB) Delete(key []byte) error {
	b := db.inner.NewBatch()
	defer b.Close()
	if err := b.Delete(key, nil); err != nil {
		return err
	}
	return db.CommitBatch(context.Background(), b)
}

// Get returns a copy of the value for key, or ErrNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	val, closer, err := db.inner.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// NewIter creates a raw iterator. Pebble iterators observe a consistent view
// of the database as of creation, so scans are stable against concurrent
// deletes.
func (db *DB) NewIter(opts *pebble.IterOptions) (*pebble.Iterator, error) {
	return db.inner.NewIter(opts)
}

// NewPrefixIter creates an iterator bounded to keys starting with prefix.
func (db *DB) NewPrefixIter(prefix []byte) (*pebble.Iterator, error) {
	hi := append(append([]byte(nil), prefix...), 0xFF)
	return db.inner.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: hi})
}

// CompactRange requests compaction of [start, end). Advisory; used after
// large trims.
func (db *DB) CompactRange(start, end []byte) error {
	return db.inner.Compact(start, end, true)
}
