package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remold",
			Subsystem: "process",
			Name:      "spawns_total",
			Help:      "Number of processes spawned, by role.",
		}, []string{"role"},
	)
	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remold",
			Subsystem: "process",
			Name:      "exits_total",
			Help:      "Number of process retirements, by role.",
		}, []string{"role"},
	)
	promotions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remold",
			Subsystem: "promotion",
			Name:      "rounds_total",
			Help:      "Promotion rounds by result (attempted, succeeded, aborted).",
		}, []string{"result"},
	)
	promotingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "remold",
			Subsystem: "promotion",
			Name:      "handshake_duration_seconds",
			Help:      "Time from promote request to acknowledged mold.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	drainingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "remold",
			Subsystem: "promotion",
			Name:      "rollover_duration_seconds",
			Help:      "Time from promotion ack to retirement of the old generation.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
	generation = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "remold",
			Subsystem: "pool",
			Name:      "generation",
			Help:      "Current mold generation.",
		},
	)
	phases = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "remold",
			Subsystem: "pool",
			Name:      "phase",
			Help:      "Supervision phase (1 = active phase, 0 = inactive).",
		}, []string{"phase"},
	)
	serving = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "remold",
			Subsystem: "pool",
			Name:      "serving_workers",
			Help:      "Workers currently serving or draining traffic.",
		},
	)
	degraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "remold",
			Subsystem: "pool",
			Name:      "degraded",
			Help:      "1 while the promote threshold is crossed with no fork-safe worker.",
		},
	)
	requestCounts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "remold",
			Subsystem: "process",
			Name:      "request_count",
			Help:      "Last reported request count per process.",
		}, []string{"seq", "role"},
	)
	forkSafe = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "remold",
			Subsystem: "process",
			Name:      "fork_safe",
			Help:      "1 while the process reports itself promotable.",
		}, []string{"seq"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{spawns, exits, promotions, promotingDuration, drainingDuration, generation, phases, serving, degraded, requestCounts, forkSafe}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(role string) {
	if regOK.Load() {
		spawns.WithLabelValues(role).Inc()
	}
}
func IncExit(role string) {
	if regOK.Load() {
		exits.WithLabelValues(role).Inc()
	}
}
func IncPromotion(result string) {
	if regOK.Load() {
		promotions.WithLabelValues(result).Inc()
	}
}
func ObservePromoting(seconds float64) {
	if regOK.Load() {
		promotingDuration.Observe(seconds)
	}
}
func ObserveDraining(seconds float64) {
	if regOK.Load() {
		drainingDuration.Observe(seconds)
	}
}
func SetGeneration(g uint64) {
	if regOK.Load() {
		generation.Set(float64(g))
	}
}

var knownPhases = []string{"booting", "ready", "promoting", "draining", "stopping", "stopped"}

func SetPhase(phase string) {
	if regOK.Load() {
		for _, p := range knownPhases {
			var v float64
			if p == phase {
				v = 1
			}
			phases.WithLabelValues(p).Set(v)
		}
	}
}
func SetServing(n int) {
	if regOK.Load() {
		serving.Set(float64(n))
	}
}
func SetDegraded(on bool) {
	if regOK.Load() {
		var v float64
		if on {
			v = 1
		}
		degraded.Set(v)
	}
}
func SetRequestCount(seq uint64, role string, n uint64) {
	if regOK.Load() {
		requestCounts.WithLabelValues(strconv.FormatUint(seq, 10), role).Set(float64(n))
	}
}
func SetForkSafe(seq uint64, safe bool) {
	if regOK.Load() {
		var v float64
		if safe {
			v = 1
		}
		forkSafe.WithLabelValues(strconv.FormatUint(seq, 10)).Set(v)
	}
}

// ClearProcess drops the per-process series of a retired process so the
// gauge space does not grow without bound across generations.
func ClearProcess(seq uint64) {
	if regOK.Load() {
		s := strconv.FormatUint(seq, 10)
		requestCounts.DeletePartialMatch(prometheus.Labels{"seq": s})
		forkSafe.DeleteLabelValues(s)
	}
}
