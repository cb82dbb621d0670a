package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fanlog/fanlog/internal/fanout"
	"github.com/fanlog/fanlog/internal/logstore"
	pebblestore "github.com/fanlog/fanlog/internal/storage/pebble"
	"github.com/fanlog/fanlog/pkg/id"
	"github.com/fanlog/fanlog/pkg/log"
)

func openBroker(t *testing.T, dir string, opts Options) (*pebblestore.DB, *Broker) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	b, err := Open(db, opts)
	if err != nil {
		t.Fatalf("open broker: %v", err)
	}
	return db, b
}

func fields(kv ...string) []logstore.Field {
	out := make([]logstore.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logstore.Field{Key: kv[i], Value: []byte(kv[i+1])})
	}
	return out
}

func TestPublishSubscribeOrdering(t *testing.T) {
	db, b := openBroker(t, t.TempDir(), Options{})
	defer db.Close()
	ctx := context.Background()

	sub, err := b.Subscribe([]string{"orders"}, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	var ids []id.ID
	for i := 0; i < 3; i++ {
		eid, err := b.Publish(ctx, "orders", fields("n", fmt.Sprint(i)))
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		ids = append(ids, eid)
	}
	for i := 0; i < 3; i++ {
		d, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if d.Topic != "orders" || d.Entry.ID != ids[i] {
			t.Fatalf("delivery %d: topic=%s id=%s want %s", i, d.Topic, d.Entry.ID, ids[i])
		}
	}
}

func TestPatternAndExactDeliverOnce(t *testing.T) {
	db, b := openBroker(t, t.TempDir(), Options{})
	defer db.Close()
	ctx := context.Background()

	sub, err := b.Subscribe([]string{"orders", "ord*"}, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := b.Publish(ctx, "orders", fields("k", "v")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := sub.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}
	if depth, _ := sub.Depth(); depth != 0 {
		t.Fatalf("duplicate delivery: depth %d", depth)
	}
}

func TestFilterSelectsEntries(t *testing.T) {
	db, b := openBroker(t, t.TempDir(), Options{})
	defer db.Close()
	ctx := context.Background()

	sub, err := b.Subscribe([]string{"logs"}, `fields["level"] == "err"`)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := b.Publish(ctx, "logs", fields("level", "info")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	want, err := b.Publish(ctx, "logs", fields("level", "err"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := b.Publish(ctx, "logs", fields("level", "warn")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if d.Entry.ID != want {
		t.Fatalf("filter delivered %s, want %s", d.Entry.ID, want)
	}
	if depth, _ := sub.Depth(); depth != 0 {
		t.Fatalf("filtered entries leaked: depth %d", depth)
	}
}

func TestBadFilterRejected(t *testing.T) {
	db, b := openBroker(t, t.TempDir(), Options{})
	defer db.Close()
	if _, err := b.Subscribe([]string{"t"}, `fields[`); err == nil {
		t.Fatalf("expected filter compile error")
	}
}

func TestBackpressureEvictsOnlySlowSubscriber(t *testing.T) {
	db, b := openBroker(t, t.TempDir(), Options{Limits: fanout.Limits{MaxEntries: 2}})
	defer db.Close()
	ctx := context.Background()

	slow, err := b.Subscribe([]string{"t"}, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	fast, err := b.Subscribe([]string{"t"}, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer fast.Close()

	for i := 0; i < 3; i++ {
		if _, err := b.Publish(ctx, "t", fields("n", fmt.Sprint(i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
		// fast consumer keeps up
		if _, err := fast.Next(ctx); err != nil {
			t.Fatalf("fast next: %v", err)
		}
	}

	// slow drains its two queued entries, then sees the eviction reason
	for i := 0; i < 2; i++ {
		if _, err := slow.Next(ctx); err != nil {
			t.Fatalf("slow drain: %v", err)
		}
	}
	if _, err := slow.Next(ctx); !errors.Is(err, fanout.ErrBackpressureRejected) {
		t.Fatalf("expected eviction reason, got %v", err)
	}
	if n := b.Subscribers(); n != 1 {
		t.Fatalf("subscribers after eviction: %d", n)
	}
}

func TestReplaySeamWithConcurrentPublish(t *testing.T) {
	db, b := openBroker(t, t.TempDir(), Options{})
	defer db.Close()
	ctx := context.Background()

	var ids []id.ID
	for i := 0; i < 5; i++ {
		eid, err := b.Publish(ctx, "t", fields("n", fmt.Sprint(i)))
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		ids = append(ids, eid)
	}

	sub, err := b.SubscribeReplay("t", id.Zero, "")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	defer sub.Close()

	// publish while history may still be streaming
	for i := 5; i < 10; i++ {
		eid, err := b.Publish(ctx, "t", fields("n", fmt.Sprint(i)))
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		ids = append(ids, eid)
	}

	for i, want := range ids {
		d, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		if d.Entry.ID != want {
			t.Fatalf("seam broke at %d: got %s want %s", i, d.Entry.ID, want)
		}
	}
	if depth, _ := sub.Depth(); depth != 0 {
		t.Fatalf("duplicates after seam: depth %d", depth)
	}
}

func TestReplayBelowFloorFails(t *testing.T) {
	db, b := openBroker(t, t.TempDir(), Options{})
	defer db.Close()
	ctx := context.Background()

	var last id.ID
	for i := 0; i < 3; i++ {
		eid, err := b.Publish(ctx, "t", fields("n", fmt.Sprint(i)))
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		last = eid
	}
	if _, err := b.Trim(ctx, "t", logstore.TrimPolicy{MinID: last}); err != nil {
		t.Fatalf("trim: %v", err)
	}
	if _, err := b.SubscribeReplay("t", id.Zero, ""); !errors.Is(err, logstore.ErrEntriesTrimmed) {
		t.Fatalf("expected trimmed error, got %v", err)
	}
}

func TestGroupOpsRequireTopic(t *testing.T) {
	db, b := openBroker(t, t.TempDir(), Options{})
	defer db.Close()
	ctx := context.Background()

	if _, err := b.GroupRead(ctx, "nope", "g", "m", 1, 0); !errors.Is(err, ErrTopicNotFound) {
		t.Fatalf("read: got %v", err)
	}
	if err := b.GroupAck(ctx, "nope", "g", "m", id.Make(1, 0)); !errors.Is(err, ErrTopicNotFound) {
		t.Fatalf("ack: got %v", err)
	}
	if _, err := b.GroupReclaim(ctx, "nope", "g", "m", time.Second, 0); !errors.Is(err, ErrTopicNotFound) {
		t.Fatalf("reclaim: got %v", err)
	}
	if _, err := b.GroupPending("nope", "g"); !errors.Is(err, ErrTopicNotFound) {
		t.Fatalf("pending: got %v", err)
	}
}

func TestGroupReadThroughBroker(t *testing.T) {
	db, b := openBroker(t, t.TempDir(), Options{})
	defer db.Close()
	ctx := context.Background()

	first, err := b.Publish(ctx, "t", fields("n", "0"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := b.GroupRead(ctx, "t", "g", "m", 5, 0)
	if err != nil {
		t.Fatalf("group read: %v", err)
	}
	if len(got) != 1 || got[0].Entry.ID != first {
		t.Fatalf("group read result: %+v", got)
	}
	if err := b.GroupAck(ctx, "t", "g", "m", first); err != nil {
		t.Fatalf("ack: %v", err)
	}
	sum, err := b.GroupPending("t", "g")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if sum.Pending != 0 {
		t.Fatalf("pending after ack: %+v", sum)
	}
}

func TestPublishDedup(t *testing.T) {
	db, b := openBroker(t, t.TempDir(), Options{})
	defer db.Close()
	ctx := context.Background()

	sub, err := b.Subscribe([]string{"t"}, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	first, published, err := b.PublishDedup(ctx, "t", "req-1", fields("k", "v"))
	if err != nil || !published {
		t.Fatalf("first publish: %v published=%v", err, published)
	}
	again, published, err := b.PublishDedup(ctx, "t", "req-1", fields("k", "v"))
	if err != nil {
		t.Fatalf("repeat publish: %v", err)
	}
	if published || again != first {
		t.Fatalf("repeat: published=%v id=%s want %s", published, again, first)
	}
	if _, err := sub.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}
	if depth, _ := sub.Depth(); depth != 0 {
		t.Fatalf("dedup repeat fanned out: depth %d", depth)
	}
}

func TestTopicsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	db, b := openBroker(t, dir, Options{})
	ctx := context.Background()
	for _, topic := range []string{"beta", "alpha"} {
		if _, err := b.Publish(ctx, topic, fields("k", "v")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, b = openBroker(t, dir, Options{})
	defer db.Close()
	got := b.Topics()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Fatalf("topics after reopen: %v", got)
	}
	st, err := b.Stats("alpha")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Count != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestInvalidNamesRejected(t *testing.T) {
	db, b := openBroker(t, t.TempDir(), Options{})
	defer db.Close()
	ctx := context.Background()

	if _, err := b.Publish(ctx, "a/b", nil); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("publish bad topic: got %v", err)
	}
	if _, err := b.Subscribe([]string{"a b"}, ""); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("subscribe bad target: got %v", err)
	}
	if _, err := b.Publish(ctx, "ok", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := b.GroupRead(ctx, "ok", "bad group", "m", 1, 0); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("bad group: got %v", err)
	}
}

func TestReplayDropsFanoutBehindHistory(t *testing.T) {
	db, b := openBroker(t, t.TempDir(), Options{})
	defer db.Close()
	ctx := context.Background()

	// Append directly so the fan-out for this entry has not run yet. This is
	// the window where Publish has committed but not dispatched.
	l, err := b.ensureTopic("t")
	if err != nil {
		t.Fatalf("ensure topic: %v", err)
	}
	eid, err := l.Append(ctx, fields("n", "0"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	sub, err := b.SubscribeReplay("t", id.Zero, "")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	defer sub.Close()

	d, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if d.Entry.ID != eid {
		t.Fatalf("history delivered %s, want %s", d.Entry.ID, eid)
	}

	// Drain one live entry first so the subscriber is known to be past the
	// seam before the delayed fan-out lands.
	next, err := b.Publish(ctx, "t", fields("n", "1"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	d, err = sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if d.Entry.ID != next {
		t.Fatalf("live delivered %s, want %s", d.Entry.ID, next)
	}

	// The delayed fan-out finally runs. The entry was already served from
	// history, so it must not arrive a second time.
	b.dispatch("t", logstore.Entry{ID: eid, Fields: fields("n", "0")})
	if depth, _ := sub.Depth(); depth != 0 {
		t.Fatalf("entry delivered twice: depth %d", depth)
	}
}
