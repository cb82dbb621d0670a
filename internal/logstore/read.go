package logstore

import (
	"github.com/cockroachdb/pebble"
	"github.com/fanlog/fanlog/pkg/id"
)

// Read returns up to limit entries with IDs >= from, in log order, plus the
// cursor to pass on the next call. limit <= 0 means no limit.
//
// If from lies below the trim floor the read fails with ErrEntriesTrimmed;
// resuming past lost data is the caller's decision, never implicit. The
// iterator pins a snapshot before the floor check: trims raise the floor
// before deleting, so any entry the snapshot is missing sits below the floor
// observed here and the read either fails loudly or never wanted it.
func (l *Log) Read(from id.ID, limit int) ([]Entry, id.ID, error) {
	prefix := KeyEntryPrefix(l.topic)
	hi := append(append([]byte(nil), prefix...), 0xFF)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: hi})
	if err != nil {
		return nil, from, err
	}
	defer iter.Close()

	l.mu.Lock()
	floor := l.floor
	l.mu.Unlock()
	if !floor.IsZero() && from.Less(floor) {
		return nil, from, ErrEntriesTrimmed
	}

	entries := make([]Entry, 0, cap16(limit))
	next := from
	ok := iter.SeekGE(KeyEntry(l.topic, from))
	for ; ok && (limit <= 0 || len(entries) < limit); ok = iter.Next() {
		eid, valid := entryID(iter.Key())
		if !valid {
			continue
		}
		fields, decoded := decodeFields(iter.Value())
		if !decoded {
			continue
		}
		entries = append(entries, Entry{ID: eid, Fields: fields})
		next = eid.Next()
	}
	return entries, next, nil
}

func cap16(limit int) int {
	if limit > 0 && limit < 16 {
		return limit
	}
	return 16
}
