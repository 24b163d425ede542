package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/coboard/internal/board"
	"github.com/rzbill/coboard/internal/boardstore"
	cfgpkg "github.com/rzbill/coboard/internal/config"
	"github.com/rzbill/coboard/internal/obs"
	"github.com/rzbill/coboard/internal/ownership"
	pebblestore "github.com/rzbill/coboard/internal/storage/pebble"
	"github.com/rzbill/coboard/pkg/log"
)

// ErrBoardNotAllowed is returned when board creation is disabled or the name
// is outside the allow-list.
var ErrBoardNotAllowed = errors.New("runtime: board not allowed")

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	Logger        log.Logger
	Metrics       *obs.Metrics
	// StorageMetrics is passed to the Pebble layer when set.
	StorageMetrics *obs.StorageMetrics
}

// Runtime wires storage, config, boards, and sweepers for a single-node
// instance. All hosted boards share one Pebble DB.
type Runtime struct {
	db      *pebblestore.DB
	config  cfgpkg.Config
	logger  log.Logger
	metrics *obs.Metrics

	mu       sync.Mutex
	boards   map[string]*boardstore.Board
	sweepers map[string]*ownership.Sweeper
}

// Open initializes the underlying storage and returns a Runtime.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger(log.WithLevel(log.InfoLevel))
	}
	var hook pebblestore.MetricsHook
	if opts.StorageMetrics != nil {
		hook = opts.StorageMetrics
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Metrics:       hook,
	})
	if err != nil {
		return nil, err
	}
	return &Runtime{
		db:       db,
		config:   opts.Config,
		logger:   logger.WithComponent("runtime"),
		metrics:  opts.Metrics,
		boards:   make(map[string]*boardstore.Board),
		sweepers: make(map[string]*ownership.Sweeper),
	}, nil
}

// Close stops sweepers and closes underlying resources.
func (r *Runtime) Close() error {
	r.mu.Lock()
	sweepers := r.sweepers
	r.sweepers = make(map[string]*ownership.Sweeper)
	r.mu.Unlock()
	for _, sw := range sweepers {
		sw.Stop()
	}
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

// OpenBoard returns the store for name, creating board metadata and starting
// its cleanup sweeper on first open. Creation honors the configured name
// pattern, allow-list, auto-create flag, and board cap.
func (r *Runtime) OpenBoard(name string) (*boardstore.Board, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.boards[name]; ok {
		return b, nil
	}
	if err := r.admitBoardLocked(name); err != nil {
		return nil, err
	}
	meta, err := board.Ensure(r.db, name)
	if err != nil {
		return nil, fmt.Errorf("runtime: ensure board: %w", err)
	}
	b, err := boardstore.Open(r.db, name, r.logger)
	if err != nil {
		return nil, err
	}
	r.boards[name] = b

	sw := ownership.NewSweeper(b, nil, "coboard-sweeper", ownership.SweeperConfig{
		Interval: time.Duration(r.config.Lease.SweepIntervalMs) * time.Millisecond,
		Ceiling:  r.sweepCeiling(meta),
	}, r.logger, r.metrics)
	sw.Start()
	r.sweepers[name] = sw

	r.logger.Info("board opened", log.F("board", name))
	return b, nil
}

// Boards lists metadata for every board persisted in this instance.
func (r *Runtime) Boards() ([]board.Meta, error) {
	return board.List(r.db)
}

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

func (r *Runtime) admitBoardLocked(name string) error {
	cfg := r.config
	if err := board.ValidateName(name, cfg.BoardNameRegex); err != nil {
		return err
	}
	if len(cfg.AllowedBoards) > 0 {
		allowed := false
		for _, a := range cfg.AllowedBoards {
			if a == name {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %q not in allow-list", ErrBoardNotAllowed, name)
		}
	}
	existing, err := board.List(r.db)
	if err != nil {
		return err
	}
	for _, m := range existing {
		if m.Name == name {
			return nil
		}
	}
	if !cfg.AllowAutoCreateBoards {
		return fmt.Errorf("%w: auto-create disabled", ErrBoardNotAllowed)
	}
	if cfg.MaxBoards > 0 && len(existing) >= cfg.MaxBoards {
		return fmt.Errorf("%w: board cap %d reached", ErrBoardNotAllowed, cfg.MaxBoards)
	}
	return nil
}

func (r *Runtime) sweepCeiling(meta board.Meta) time.Duration {
	timeout := r.config.Lease.TimeoutMs
	if meta.LeaseTimeoutMs > 0 {
		timeout = meta.LeaseTimeoutMs
	}
	mult := r.config.Lease.SweepCeilingMultiple
	if mult <= 0 {
		mult = 3
	}
	return time.Duration(timeout*int64(mult)) * time.Millisecond
}
