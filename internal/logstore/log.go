package logstore

import (
	"context"
	"errors"
	"sync"

	pebblestore "github.com/fanlog/fanlog/internal/storage/pebble"
	"github.com/fanlog/fanlog/pkg/id"
)

// ErrEntriesTrimmed reports that a requested read position falls below the
// topic's trim floor: the data existed once and has been discarded. Callers
// choose between resuming from Floor() and failing; the log never silently
// shifts the cursor.
var ErrEntriesTrimmed = errors.New("logstore: requested entries were trimmed")

// Log is the append-only entry sequence for a single topic, persisted in
// Pebble. IDs are strictly increasing; the generator clamps backward clock
// movement and resumes above the last durable ID after reopen.
type Log struct {
	db    *pebblestore.DB
	topic string

	mu     sync.Mutex
	gen    *id.Generator
	lastID id.ID
	floor  id.ID
	notify chan struct{}
}

// Open initializes the Log for topic, loading lastID and trim floor from
// metadata when present.
func Open(db *pebblestore.DB, topic string) (*Log, error) {
	l := &Log{db: db, topic: topic, notify: make(chan struct{})}
	meta, err := db.Get(KeyTopicMeta(topic))
	if err == nil && len(meta) >= 32 {
		l.lastID, _ = id.FromBytes(meta[0:16])
		l.floor, _ = id.FromBytes(meta[16:32])
	} else if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return nil, err
	}
	l.gen = id.NewGenerator(l.lastID)
	return l, nil
}

// Topic returns the topic name this log belongs to.
func (l *Log) Topic() string { return l.topic }

// Append durably appends one entry and returns its assigned ID. The entry
// and topic metadata commit in a single atomic batch; the ID is only handed
// out after the commit succeeds.
func (l *Log) Append(ctx context.Context, fields []Field) (id.ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	eid := l.gen.Next()
	b := l.db.NewBatch()
	defer b.Close()
	if err := b.Set(KeyEntry(l.topic, eid), encodeFields(fields), nil); err != nil {
		return id.Zero, err
	}
	if err := b.Set(KeyTopicMeta(l.topic), l.encodeMetaLocked(eid, l.floor), nil); err != nil {
		return id.Zero, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return id.Zero, err
	}
	l.lastID = eid
	// wake blocked readers
	close(l.notify)
	l.notify = make(chan struct{})
	return eid, nil
}

// AppendDedup appends unless dedupKey was already used, in which case the
// previously assigned ID is returned with appended=false. The dedup marker
// commits in the same batch as the entry, so a crash cannot leave an entry
// without its marker.
func (l *Log) AppendDedup(ctx context.Context, dedupKey []byte, fields []Field) (id.ID, bool, error) {
	if prev, err := l.db.Get(dedupKey); err == nil {
		eid, ok := id.FromBytes(prev)
		if !ok {
			return id.Zero, false, errors.New("logstore: corrupt dedup marker")
		}
		return eid, false, nil
	} else if !errors.Is(err, pebblestore.ErrNotFound) {
		return id.Zero, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	eid := l.gen.Next()
	b := l.db.NewBatch()
	defer b.Close()
	if err := b.Set(KeyEntry(l.topic, eid), encodeFields(fields), nil); err != nil {
		return id.Zero, false, err
	}
	if err := b.Set(KeyTopicMeta(l.topic), l.encodeMetaLocked(eid, l.floor), nil); err != nil {
		return id.Zero, false, err
	}
	if err := b.Set(dedupKey, eid.Bytes(), nil); err != nil {
		return id.Zero, false, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return id.Zero, false, err
	}
	l.lastID = eid
	close(l.notify)
	l.notify = make(chan struct{})
	return eid, true, nil
}

func (l *Log) encodeMetaLocked(last, floor id.ID) []byte {
	meta := make([]byte, 32)
	copy(meta[0:16], last[:])
	copy(meta[16:32], floor[:])
	return meta
}

// LastID returns the highest assigned ID, or the zero ID for an empty log.
func (l *Log) LastID() id.ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastID
}

// Floor returns the lowest readable position. Reads starting below it fail
// with ErrEntriesTrimmed. The zero ID means nothing was ever trimmed.
func (l *Log) Floor() id.ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.floor
}

func (l *Log) setFloor(floor id.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.floor.Less(floor) {
		return nil
	}
	if err := l.db.Set(KeyTopicMeta(l.topic), l.encodeMetaLocked(l.lastID, floor)); err != nil {
		return err
	}
	l.floor = floor
	return nil
}
