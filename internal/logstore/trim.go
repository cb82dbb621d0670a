package logstore

import (
	"context"

	"github.com/cockroachdb/pebble"
	"github.com/fanlog/fanlog/pkg/id"
)

// TrimPolicy selects what to discard. Zero values disable the respective
// bound; setting both applies both.
type TrimPolicy struct {
	// MaxLen keeps at most this many newest entries when > 0.
	MaxLen int
	// MinID discards entries with ID < MinID when nonzero.
	MinID id.ID
}

const trimBatchLimit = 1024

// Trim applies policy and returns the number of removed entries. The trim
// floor is raised before any deletion so readers see ErrEntriesTrimmed
// rather than a silent gap; removal then proceeds in bounded batches.
// Trimming never blocks concurrent appends or reads.
func (l *Log) Trim(ctx context.Context, policy TrimPolicy) (int, error) {
	removed := 0
	if !policy.MinID.IsZero() {
		n, err := l.trimBelow(ctx, policy.MinID)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	if policy.MaxLen > 0 {
		n, err := l.trimToMaxLen(ctx, policy.MaxLen)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// TrimOlderThan discards entries whose ID timestamp is below cutoffMs.
func (l *Log) TrimOlderThan(ctx context.Context, cutoffMs int64) (int, error) {
	if cutoffMs <= 0 {
		return 0, nil
	}
	return l.trimBelow(ctx, id.Make(cutoffMs, 0))
}

// trimBelow raises the floor to min, then deletes entries with ID < min.
// The floor moves first so a reader racing the deletion sees
// ErrEntriesTrimmed rather than whichever entry the batches have reached.
func (l *Log) trimBelow(ctx context.Context, min id.ID) (int, error) {
	if err := l.setFloor(min); err != nil {
		return 0, err
	}
	deleted, err := l.deleteBelow(ctx, min)
	if err != nil {
		return deleted, err
	}
	if deleted >= trimBatchLimit {
		_ = l.db.CompactRange(KeyEntryPrefix(l.topic), KeyEntry(l.topic, min))
	}
	return deleted, nil
}

// deleteBelow removes entry keys with ID < min in bounded batches. The floor
// must already cover min.
func (l *Log) deleteBelow(ctx context.Context, min id.ID) (int, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: KeyEntryPrefix(l.topic),
		UpperBound: KeyEntry(l.topic, min),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	deleted := 0
	ok := iter.First()
	for ok {
		b := l.db.NewBatch()
		n := 0
		for ok && n < trimBatchLimit {
			if err := b.Delete(iter.Key(), nil); err != nil {
				b.Close()
				return deleted, err
			}
			n++
			ok = iter.Next()
		}
		if err := l.db.CommitBatch(ctx, b); err != nil {
			b.Close()
			return deleted, err
		}
		b.Close()
		deleted += n
	}
	return deleted, nil
}

// trimToMaxLen deletes the oldest entries until at most maxLen remain. The
// boundary ID is resolved up front so the floor can be raised before any
// deletion, same ordering as trimBelow.
func (l *Log) trimToMaxLen(ctx context.Context, maxLen int) (int, error) {
	prefix := KeyEntryPrefix(l.topic)
	hi := append(append([]byte(nil), prefix...), 0xFF)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: hi})
	if err != nil {
		return 0, err
	}

	total := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		total++
	}
	excess := total - maxLen
	if excess <= 0 {
		iter.Close()
		return 0, nil
	}

	// floor = ID just above the excess-th oldest entry
	var floor id.ID
	seen := 0
	for ok := iter.First(); ok && seen < excess; ok = iter.Next() {
		if eid, valid := entryID(iter.Key()); valid {
			floor = eid.Next()
		}
		seen++
	}
	iter.Close()
	if floor.IsZero() {
		return 0, nil
	}

	if err := l.setFloor(floor); err != nil {
		return 0, err
	}
	return l.deleteBelow(ctx, floor)
}

// Stats summarizes the retained range.
type Stats struct {
	FirstID id.ID
	LastID  id.ID
	Count   uint64
	Bytes   uint64
}

// CollectStats scans the retained entries. The scan observes a consistent
// snapshot but may lag concurrent appends.
func (l *Log) CollectStats() (Stats, error) {
	prefix := KeyEntryPrefix(l.topic)
	hi := append(append([]byte(nil), prefix...), 0xFF)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: hi})
	if err != nil {
		return Stats{}, err
	}
	defer iter.Close()

	var st Stats
	for ok := iter.First(); ok; ok = iter.Next() {
		eid, valid := entryID(iter.Key())
		if !valid {
			continue
		}
		if st.Count == 0 {
			st.FirstID = eid
		}
		st.LastID = eid
		st.Count++
		st.Bytes += uint64(len(iter.Value()))
	}
	return st, nil
}
