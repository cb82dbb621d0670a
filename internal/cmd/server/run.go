package serverrun

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/fanlog/fanlog/internal/config"
	"github.com/fanlog/fanlog/internal/runtime"
	httpserver "github.com/fanlog/fanlog/internal/server/http"
	logpkg "github.com/fanlog/fanlog/pkg/log"
)

// Options for running the server.
type Options struct {
	Config cfgpkg.Config
}

// Run starts the broker and HTTP server and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	// Layer a local signal context over the provided one so callers that
	// pass context.Background still get clean shutdown on SIGTERM.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	cfg.DataDir = filepath.Join(cfg.DataDir, "store")

	logger := buildLogger(cfg)
	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info("starting fanlog server",
		logpkg.Str("http", cfg.HTTPAddr),
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("fsync", cfg.Fsync),
		logpkg.Int64("retention_ms", cfg.RetentionMs),
	)

	hsrv := httpserver.New(rt, logger)
	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error { return hsrv.ListenAndServe(gctx, cfg.HTTPAddr) })
	g.Go(func() error { return rt.RunRetention(gctx) })

	err = g.Wait()
	hsrv.Close()
	if sctx.Err() != nil {
		return nil
	}
	return err
}

func buildLogger(cfg cfgpkg.Config) logpkg.Logger {
	level, err := logpkg.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logpkg.InfoLevel
	}
	format, err := logpkg.ParseFormat(cfg.LogFormat)
	if err != nil {
		format = logpkg.FormatText
	}
	return logpkg.NewLogger(logpkg.WithLevel(level), logpkg.WithFormat(format))
}
