package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/fanlog/fanlog/internal/broker"
	cfgpkg "github.com/fanlog/fanlog/internal/config"
	pebblestore "github.com/fanlog/fanlog/internal/storage/pebble"
	"github.com/fanlog/fanlog/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger log.Logger
}

// Runtime wires storage, config, and the broker for a single-node instance.
type Runtime struct {
	db     *pebblestore.DB
	broker *broker.Broker
	config cfgpkg.Config
	logger log.Logger
}

// Open initializes storage and the broker.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	mode, err := opts.Config.FsyncMode()
	if err != nil {
		return nil, err
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.Config.DataDir,
		Fsync:         mode,
		FsyncInterval: opts.Config.FsyncInterval(),
	})
	if err != nil {
		return nil, err
	}
	b, err := broker.Open(db, broker.Options{
		Limits: opts.Config.FanoutLimits(),
		Logger: logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Runtime{db: db, broker: b, config: opts.Config, logger: logger}, nil
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	return nil
}

// RunRetention sweeps expired entries until ctx is done. A no-op loop when
// retention is disabled.
func (r *Runtime) RunRetention(ctx context.Context) error {
	retention := r.config.RetentionMs
	if retention <= 0 {
		<-ctx.Done()
		return nil
	}
	sweep := time.Duration(r.config.RetentionSweepMs) * time.Millisecond
	if sweep <= 0 {
		sweep = time.Minute
	}
	t := time.NewTicker(sweep)
	defer t.Stop()
	logger := r.logger.With(log.Component("retention"))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			cutoff := time.Now().UnixMilli() - retention
			n, err := r.broker.TrimOlderThan(ctx, cutoff)
			if err != nil {
				logger.Warn("retention sweep failed", log.Err(err))
				continue
			}
			if n > 0 {
				logger.Info("retention sweep", log.Int("removed", n))
			}
		}
	}
}

// Broker returns the broker facade.
func (r *Runtime) Broker() *broker.Broker { return r.broker }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
