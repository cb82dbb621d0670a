package runtime

import (
	"context"
	"testing"
	"time"

	cfgpkg "github.com/fanlog/fanlog/internal/config"
	"github.com/fanlog/fanlog/internal/logstore"
)

func testConfig(t *testing.T) cfgpkg.Config {
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Fsync = "never"
	return cfg
}

func TestOpenCloseHealth(t *testing.T) {
	rt, err := Open(Options{Config: testConfig(t)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if rt.Broker() == nil {
		t.Fatalf("nil broker")
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRetentionSweepTrims(t *testing.T) {
	cfg := testConfig(t)
	cfg.RetentionMs = 1
	cfg.RetentionSweepMs = 20
	rt, err := Open(Options{Config: cfg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	ctx := context.Background()

	if _, err := rt.Broker().Publish(ctx, "t", []logstore.Field{{Key: "k", Value: []byte("v")}}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rt.RunRetention(sweepCtx)
	}()

	deadline := time.After(3 * time.Second)
	for {
		st, err := rt.Broker().Stats("t")
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if st.Count == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("entry not trimmed, count=%d", st.Count)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
