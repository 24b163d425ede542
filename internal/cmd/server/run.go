package serverrun

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	cfgpkg "github.com/rzbill/coboard/internal/config"
	"github.com/rzbill/coboard/internal/obs"
	"github.com/rzbill/coboard/internal/runtime"
	httpserver "github.com/rzbill/coboard/internal/server/http"
	pebblestore "github.com/rzbill/coboard/internal/storage/pebble"
	logpkg "github.com/rzbill/coboard/pkg/log"
)

func getenvDefault(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// small wrapper to allow testing; replaced by os.Getenv at build time
var getenv = func(key string) string { return os.Getenv(key) }

type Options struct {
	DataDir       string
	HTTPAddr      string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
}

// Run opens the runtime and serves the HTTP API until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	storeDir := filepath.Join(opts.DataDir, "store")

	level := logpkg.InfoLevel
	if l, err := logpkg.ParseLevel(getenvDefault("COBOARD_LOG_LEVEL", "info")); err == nil {
		level = l
	}
	var formatter logpkg.Formatter = &logpkg.TextFormatter{}
	if getenvDefault("COBOARD_LOG_FORMAT", "text") == "json" {
		formatter = &logpkg.JSONFormatter{}
	}
	procLogger := logpkg.NewLogger(logpkg.WithLevel(level), logpkg.WithFormatter(formatter))

	// Pebble logs through the stdlib logger.
	logpkg.RedirectStdLog(procLogger)

	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)
	storageMetrics := obs.NewStorageMetrics(reg)

	rt, err := runtime.Open(runtime.Options{
		DataDir:        storeDir,
		Fsync:          opts.Fsync,
		FsyncInterval:  opts.FsyncInterval,
		Config:         opts.Config,
		Logger:         procLogger,
		Metrics:        metrics,
		StorageMetrics: storageMetrics,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	procLogger.Info("starting coboard server",
		logpkg.F("http", opts.HTTPAddr),
		logpkg.F("data_dir", storeDir),
		logpkg.F("default_board", opts.Config.DefaultBoardName),
	)

	hsrv := httpserver.New(rt, procLogger, reg)
	err = hsrv.ListenAndServe(sctx, opts.HTTPAddr)
	hsrv.Close()
	if err != nil && sctx.Err() == nil {
		return err
	}
	return nil
}
