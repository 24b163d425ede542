package ownership

import (
	"context"
	"sync"
	"time"

	"github.com/rzbill/coboard/internal/object"
	"github.com/rzbill/coboard/internal/obs"
	"github.com/rzbill/coboard/internal/store"
	"github.com/rzbill/coboard/pkg/log"
)

// Sweeper is the wall-clock safety net behind the per-lease timers. Each
// pass force-releases local leases whose holder has been inactive past the
// ceiling, then scans the authoritative store and clears owner marks that are
// stale just as far, using a conditional write. Per-lease timers can be lost
// when a process is suspended; the sweep self-heals on the next pass.
type Sweeper struct {
	st       store.Store
	mgr      *Manager
	authorID string
	interval time.Duration
	ceiling  time.Duration
	logger   log.Logger
	metrics  *obs.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() int64
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Interval time.Duration // scan cadence (default: 10s)
	// Ceiling is the hard staleness bound past which an owner mark is
	// forcibly cleared (default: 3x the default lease timeout).
	Ceiling time.Duration
}

// NewSweeper creates a sweeper writing releases as authorID. mgr may be nil
// when only the store-side scan is wanted.
func NewSweeper(st store.Store, mgr *Manager, authorID string, cfg SweeperConfig, logger log.Logger, metrics *obs.Metrics) *Sweeper {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Ceiling == 0 {
		cfg.Ceiling = 3 * DefaultLeaseTimeoutMs * time.Millisecond
	}
	if logger == nil {
		logger = log.NewLogger(log.WithLevel(log.InfoLevel))
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Sweeper{
		st:       st,
		mgr:      mgr,
		authorID: authorID,
		interval: cfg.Interval,
		ceiling:  cfg.Ceiling,
		logger:   logger.WithComponent("sweeper"),
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNow injects a clock for tests.
func (s *Sweeper) SetNow(now func() int64) { s.now = now }

// Start begins the background scan loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop gracefully stops the sweeper.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Sweeper started",
		log.F("interval", s.interval.String()),
		log.F("ceiling", s.ceiling.String()),
	)

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(s.ctx)
		}
	}
}

// SweepOnce performs a single pass and returns how many leases and owner
// marks it cleared. Exposed for admin triggers and tests.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	cleared := 0
	if s.mgr != nil {
		n := s.mgr.SweepInactive(s.ceiling.Milliseconds())
		if n > 0 {
			s.logger.Info("Sweeper: released leases of inactive users",
				log.F("count", n),
			)
		}
		cleared += n
	}
	cleared += s.sweepStore(ctx)
	return cleared
}

// sweepStore clears owner marks in the authoritative store whose lease expiry
// is stale past the ceiling. Covers clients that vanished without releasing.
func (s *Sweeper) sweepStore(ctx context.Context) int {
	recs, err := s.st.ListAll(ctx)
	if err != nil {
		s.logger.Error("Sweeper: list failed", log.Err(err))
		return 0
	}

	nowMs := s.now()
	ceilingMs := s.ceiling.Milliseconds()
	cleared := 0
	for _, rec := range recs {
		if rec.OwnerID == "" {
			continue
		}
		if rec.LeaseExpiryMs == 0 || nowMs-rec.LeaseExpiryMs < ceilingMs {
			continue
		}
		if err := s.clear(ctx, rec); err != nil {
			// Lost the race to the real owner or another sweeper; both
			// outcomes leave the record consistent.
			s.logger.Debug("Sweeper: clear skipped",
				log.F("object", rec.ID),
				log.F("owner", rec.OwnerID),
				log.Err(err),
			)
			continue
		}
		cleared++
		s.logger.Info("Sweeper: cleared stale owner",
			log.F("object", rec.ID),
			log.F("owner", rec.OwnerID),
			log.F("stale_ms", nowMs-rec.LeaseExpiryMs),
		)
	}

	if s.metrics != nil && cleared > 0 {
		s.metrics.SweepReleases.Add(float64(cleared))
	}
	return cleared
}

// clear issues the owner-clearing conditional write. The predicate pins the
// observed owner so a same-moment legitimate renewal wins.
func (s *Sweeper) clear(ctx context.Context, rec *object.Object) error {
	empty := ""
	var zero int64
	patch := object.Patch{OwnerID: &empty, LeaseExpiryMs: &zero}
	pred := store.Predicate{Kind: store.CondOwnerIs, OwnerID: rec.OwnerID}
	_, err := s.st.Update(ctx, rec.ID, patch, pred, s.authorID)
	return err
}
