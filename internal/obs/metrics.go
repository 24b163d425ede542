package obs

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Prometheus collectors shared by the ownership and sync
// subsystems. Construct once per process; registration panics on duplicates.
type Metrics struct {
	AcquireTotal *prometheus.CounterVec // result=granted|conflict|forced|priority|queued
	ReleaseTotal *prometheus.CounterVec // reason=manual|timeout|forced|priority|handoff|user_inactive|remote
	HandoffTotal *prometheus.CounterVec // result=ok|denied

	LeasesHeld     prometheus.Gauge
	QueueDepth     prometheus.Gauge
	PendingWrites  prometheus.Gauge
	SweepReleases  prometheus.Counter
	MergeApplied   prometheus.Counter
	MergeDropped   prometheus.Counter
	FlushTotal     *prometheus.CounterVec // result=ok|requeued
	DispatchErrors prometheus.Counter
}

// NewMetrics builds and registers the collectors on reg. Pass a fresh
// prometheus.NewRegistry() in tests to keep instances isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AcquireTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coboard_acquire_total",
			Help: "Lease acquisition attempts by result",
		}, []string{"result"}),
		ReleaseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coboard_release_total",
			Help: "Lease releases by reason",
		}, []string{"reason"}),
		HandoffTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coboard_handoff_total",
			Help: "Lease handoff attempts by result",
		}, []string{"result"}),
		LeasesHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coboard_leases_held",
			Help: "Number of currently active leases",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coboard_acquire_queue_depth",
			Help: "Number of queued acquisition requests",
		}),
		PendingWrites: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coboard_pending_writes",
			Help: "Outbound mutations waiting for a successful flush",
		}),
		SweepReleases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coboard_sweep_releases_total",
			Help: "Leases force-released by the cleanup sweeper",
		}),
		MergeApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coboard_merge_applied_total",
			Help: "Inbound events applied to the cache",
		}),
		MergeDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coboard_merge_dropped_total",
			Help: "Inbound events dropped by self-echo or LWW comparison",
		}),
		FlushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coboard_flush_total",
			Help: "Retry queue flush outcomes",
		}, []string{"result"}),
		DispatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coboard_dispatch_errors_total",
			Help: "Outbound dispatches that failed and were queued",
		}),
	}

	reg.MustRegister(
		m.AcquireTotal,
		m.ReleaseTotal,
		m.HandoffTotal,
		m.LeasesHeld,
		m.QueueDepth,
		m.PendingWrites,
		m.SweepReleases,
		m.MergeApplied,
		m.MergeDropped,
		m.FlushTotal,
		m.DispatchErrors,
	)
	return m
}
