package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// replicated commands applied by the FSM of this node
	// labels: command, result ("" for success, the error code otherwise)
	CommandsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dslot_commands_applied_total",
			Help: "total number of raft commands applied to the tree",
		},
		[]string{"command", "result"},
	)

	// writes a follower sent to the leader over grpc
	ForwardedWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dslot_forwarded_writes_total",
			Help: "total number of writes forwarded to the leader",
		},
		[]string{"command"},
	)

	// sessions tracked by the leader, zero on followers
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dslot_sessions_active",
			Help: "current number of client sessions tracked by the leader",
		},
	)

	SessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dslot_sessions_expired_total",
			Help: "total number of sessions expired for missing keepalives",
		},
	)

	WatchesFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dslot_watches_fired_total",
			Help: "total number of one-shot watches that fired",
		},
	)

	// lease acquisitions by outcome: acquired, timeout, failed, cancelled
	AcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dslot_acquire_total",
			Help: "total number of lease acquisitions by outcome",
		},
		[]string{"result"},
	)

	// forced acquisitions skip the max lease check, so they can push a
	// pool over its limit
	ForcedAcquireTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dslot_forced_acquire_total",
			Help: "total number of forced lease acquisitions",
		},
	)

	AcquireRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dslot_acquire_retries_total",
			Help: "total number of acquire attempts retried after a concurrent modification",
		},
	)

	AcquireDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dslot_acquire_duration_seconds",
			Help:    "time taken to acquire a lease",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
	)

	ReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dslot_release_total",
			Help: "total number of lease releases by outcome",
		},
		[]string{"result"},
	)

	BarrierWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dslot_barrier_wait_duration_seconds",
			Help:    "time spent waiting for a party quorum",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
)
