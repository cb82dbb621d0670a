package pebblestore

import (
	"context"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Options{DataDir: t.TempDir(), Fsync: FsyncModeAlways})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetGetDelete(t *testing.T) {
	db := openTestDB(t)
	if err := db.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("got %q", got)
	}
	if err := db.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("k")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBatchCommitAtomic(t *testing.T) {
	db := openTestDB(t)
	b := db.NewBatch()
	defer b.Close()
	_ = b.Set([]byte("a"), []byte("1"), nil)
	_ = b.Set([]byte("b"), []byte("2"), nil)
	if err := db.CommitBatch(context.Background(), b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if _, err := db.Get([]byte(k)); err != nil {
			t.Fatalf("get %s: %v", k, err)
		}
	}
}

func TestPrefixIterBounded(t *testing.T) {
	db := openTestDB(t)
	for _, k := range []string{"p/1", "p/2", "q/1"} {
		if err := db.Set([]byte(k), nil); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	it, err := db.NewPrefixIter([]byte("p/"))
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	defer it.Close()
	n := 0
	for ok := it.First(); ok; ok = it.Next() {
		n++
	}
	if n != 2 {
		t.Fatalf("expected 2 keys under p/, got %d", n)
	}
}
