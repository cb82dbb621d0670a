package logstore

import (
	"context"
	"errors"
	"testing"

	pebblestore "github.com/fanlog/fanlog/internal/storage/pebble"
	"github.com/fanlog/fanlog/pkg/id"
)

func newTestDB(t *testing.T) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(newTestDB(t), "orders")
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	return l
}

func appendN(t *testing.T, l *Log, n int) []id.ID {
	t.Helper()
	ctx := context.Background()
	ids := make([]id.ID, 0, n)
	for i := 0; i < n; i++ {
		eid, err := l.Append(ctx, []Field{{Key: "n", Value: []byte{byte(i)}}})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		ids = append(ids, eid)
	}
	return ids
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	l := newTestLog(t)
	ids := appendN(t, l, 3)
	for i := 1; i < len(ids); i++ {
		if !ids[i-1].Less(ids[i]) {
			t.Fatalf("ids not increasing: %s then %s", ids[i-1], ids[i])
		}
	}
	if l.LastID() != ids[2] {
		t.Fatalf("last id mismatch")
	}
}

func TestReadReturnsOrderedEntriesAndCursor(t *testing.T) {
	l := newTestLog(t)
	ids := appendN(t, l, 5)

	entries, next, err := l.Read(id.Zero, 3)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("want 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.ID != ids[i] {
			t.Fatalf("entry %d id mismatch", i)
		}
	}

	rest, _, err := l.Read(next, 0)
	if err != nil {
		t.Fatalf("read rest: %v", err)
	}
	if len(rest) != 2 || rest[0].ID != ids[3] || rest[1].ID != ids[4] {
		t.Fatalf("cursor resume wrong: %d entries", len(rest))
	}
}

func TestReadPreservesFieldOrder(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	fields := []Field{
		{Key: "z", Value: []byte("1")},
		{Key: "a", Value: []byte("2")},
		{Key: "m", Value: []byte("3")},
	}
	if _, err := l.Append(ctx, fields); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, _, err := l.Read(id.Zero, 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("read: %v, %d entries", err, len(entries))
	}
	got := entries[0].Fields
	if len(got) != 3 {
		t.Fatalf("want 3 fields, got %d", len(got))
	}
	for i := range fields {
		if got[i].Key != fields[i].Key || string(got[i].Value) != string(fields[i].Value) {
			t.Fatalf("field %d mismatch: %+v", i, got[i])
		}
	}
}

func TestReopenResumesAboveLastID(t *testing.T) {
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	l, err := Open(db, "orders")
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	first := appendN(t, l, 1)[0]
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen pebble: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	l2, err := Open(db2, "orders")
	if err != nil {
		t.Fatalf("reopen log: %v", err)
	}
	second, err := l2.Append(context.Background(), []Field{{Key: "k", Value: []byte("v")}})
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if !first.Less(second) {
		t.Fatalf("id regressed across reopen: %s then %s", first, second)
	}
}

func TestTrimBelowRaisesFloor(t *testing.T) {
	l := newTestLog(t)
	ids := appendN(t, l, 5)
	ctx := context.Background()

	removed, err := l.Trim(ctx, TrimPolicy{MinID: ids[2]})
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if removed != 2 {
		t.Fatalf("want 2 removed, got %d", removed)
	}

	// read below the floor must fail loudly
	if _, _, err := l.Read(id.Zero, 0); !errors.Is(err, ErrEntriesTrimmed) {
		t.Fatalf("expected ErrEntriesTrimmed, got %v", err)
	}
	if _, _, err := l.Read(ids[0], 0); !errors.Is(err, ErrEntriesTrimmed) {
		t.Fatalf("expected ErrEntriesTrimmed for trimmed id, got %v", err)
	}

	// reading from the floor returns the survivors
	entries, _, err := l.Read(l.Floor(), 0)
	if err != nil {
		t.Fatalf("read from floor: %v", err)
	}
	if len(entries) != 3 || entries[0].ID != ids[2] {
		t.Fatalf("survivors wrong: %d entries", len(entries))
	}
}

func TestTrimMaxLenKeepsNewest(t *testing.T) {
	l := newTestLog(t)
	ids := appendN(t, l, 10)
	ctx := context.Background()

	removed, err := l.Trim(ctx, TrimPolicy{MaxLen: 4})
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if removed != 6 {
		t.Fatalf("want 6 removed, got %d", removed)
	}
	entries, _, err := l.Read(l.Floor(), 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 4 || entries[0].ID != ids[6] {
		t.Fatalf("kept wrong entries: %d", len(entries))
	}
}

func TestTrimDoesNotDisturbStartedRead(t *testing.T) {
	l := newTestLog(t)
	ids := appendN(t, l, 100)
	ctx := context.Background()

	// A read that started before the trim sees the pre-trim snapshot.
	done := make(chan struct{})
	var got []Entry
	go func() {
		defer close(done)
		got, _, _ = l.Read(id.Zero, 0)
	}()
	<-done
	if len(got) != 100 {
		t.Fatalf("pre-trim read: %d entries", len(got))
	}

	if _, err := l.Trim(ctx, TrimPolicy{MinID: ids[50]}); err != nil {
		t.Fatalf("trim: %v", err)
	}
	entries, _, err := l.Read(ids[50], 0)
	if err != nil {
		t.Fatalf("post-trim read: %v", err)
	}
	if len(entries) != 50 {
		t.Fatalf("post-trim read: %d entries", len(entries))
	}
}

func TestFloorPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	l, err := Open(db, "orders")
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	ids := appendN(t, l, 3)
	if _, err := l.Trim(context.Background(), TrimPolicy{MinID: ids[1]}); err != nil {
		t.Fatalf("trim: %v", err)
	}
	_ = db.Close()

	db2, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	l2, err := Open(db2, "orders")
	if err != nil {
		t.Fatalf("reopen log: %v", err)
	}
	if _, _, err := l2.Read(ids[0], 0); !errors.Is(err, ErrEntriesTrimmed) {
		t.Fatalf("floor lost across reopen: %v", err)
	}
}

func TestCollectStats(t *testing.T) {
	l := newTestLog(t)
	ids := appendN(t, l, 4)
	st, err := l.CollectStats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Count != 4 || st.FirstID != ids[0] || st.LastID != ids[3] || st.Bytes == 0 {
		t.Fatalf("stats wrong: %+v", st)
	}
}

func TestAppendDedup(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	key := []byte("d/orders/req-1")

	first, appended, err := l.AppendDedup(ctx, key, []Field{{Key: "k", Value: []byte("v")}})
	if err != nil || !appended {
		t.Fatalf("first append: %v appended=%v", err, appended)
	}
	again, appended, err := l.AppendDedup(ctx, key, []Field{{Key: "k", Value: []byte("v")}})
	if err != nil {
		t.Fatalf("repeat append: %v", err)
	}
	if appended || again != first {
		t.Fatalf("repeat: appended=%v id=%s want %s", appended, again, first)
	}
	entries, _, err := l.Read(id.Zero, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("duplicate entry stored: %d", len(entries))
	}
}

func TestConcurrentReadNeverSkipsPastFloor(t *testing.T) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	l, err := Open(db, "orders")
	if err != nil {
		t.Fatalf("open log: %v", err)
	}

	// several delete batches so the trim has a long window
	ids := appendN(t, l, 3*trimBatchLimit+7)
	last := ids[len(ids)-1]

	stop := make(chan struct{})
	fail := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			entries, _, err := l.Read(id.Zero, 1)
			switch {
			case errors.Is(err, ErrEntriesTrimmed):
			case err != nil:
				select {
				case fail <- err.Error():
				default:
				}
				return
			case len(entries) == 1 && entries[0].ID != ids[0]:
				// a read from the start must never surface a survivor silently
				select {
				case fail <- "skipped to " + entries[0].ID.String():
				default:
				}
				return
			}
		}
	}()

	if _, err := l.Trim(context.Background(), TrimPolicy{MinID: last}); err != nil {
		t.Fatalf("trim: %v", err)
	}
	close(stop)
	<-done
	select {
	case msg := <-fail:
		t.Fatalf("concurrent read: %s", msg)
	default:
	}

	if _, _, err := l.Read(id.Zero, 1); !errors.Is(err, ErrEntriesTrimmed) {
		t.Fatalf("post-trim read: %v", err)
	}
}
