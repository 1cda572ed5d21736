// Package metrics registers the Prometheus collectors the hypervisor
// exposes on /metrics: per-project worker restarts plus the additional
// counters the lifecycle/queue/proxy components need.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oxian_hv_worker_restarts_total",
		Help: "Number of worker process restarts, by project and reason.",
	}, []string{"project", "reason"})

	WorkerSpawns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oxian_hv_worker_spawns_total",
		Help: "Number of worker spawn attempts, by project and outcome.",
	}, []string{"project", "outcome"})

	SpawnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oxian_hv_spawn_duration_seconds",
		Help:    "Time from spawn start to ready (or failure), by project.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"project"})

	Inflight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "oxian_hv_inflight_requests",
		Help: "Current in-flight proxied requests, by project.",
	}, []string{"project"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "oxian_hv_queue_depth",
		Help: "Current pending request queue depth, by project.",
	}, []string{"project"})

	QueueTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oxian_hv_queue_timeouts_total",
		Help: "Queue items resolved with a wait timeout, by project.",
	}, []string{"project"})

	QueueOverflows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oxian_hv_queue_overflows_total",
		Help: "Requests rejected immediately because the queue was full.",
	}, []string{"project"})

	IdleReaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oxian_hv_idle_reaps_total",
		Help: "Workers stopped by the idle reaper, by project.",
	}, []string{"project"})

	AutoHeals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oxian_hv_auto_heals_total",
		Help: "Auto-heal restarts triggered by upstream transport errors.",
	}, []string{"project"})
)
