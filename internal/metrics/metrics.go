// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	RemoteRPCs         *prometheus.CounterVec
	RemoteRetries      *prometheus.CounterVec
	RemoteBytes        *prometheus.CounterVec
	ActionCacheLookups *prometheus.CounterVec
	ActionCacheWrites  *prometheus.CounterVec
	ProcessExecutions  *prometheus.CounterVec
	ProcessDuration    *prometheus.HistogramVec
	NodeEvaluations    *prometheus.CounterVec
	Invalidations      prometheus.Counter
}

func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		RemoteRPCs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildgraph_remote_rpcs_total",
				Help: "Total number of remote RPCs, by method and status code.",
			},
			[]string{"method", "code"},
		),
		RemoteRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildgraph_remote_retries_total",
				Help: "Total number of remote RPCs retried after a transient failure.",
			},
			[]string{"method"},
		),
		RemoteBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildgraph_remote_bytes_total",
				Help: "Total number of blob bytes transferred to or from the remote store.",
			},
			[]string{"direction"},
		),
		ActionCacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildgraph_action_cache_lookups_total",
				Help: "Total number of action cache lookups, by cache and outcome.",
			},
			[]string{"cache", "outcome"},
		),
		ActionCacheWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildgraph_action_cache_writes_total",
				Help: "Total number of action cache writes, by cache and outcome.",
			},
			[]string{"cache", "outcome"},
		),
		ProcessExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildgraph_process_executions_total",
				Help: "Total number of processes executed, by runner.",
			},
			[]string{"runner"},
		),
		ProcessDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "buildgraph_process_duration_seconds",
				Help:    "Process execution duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"runner"},
		),
		NodeEvaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildgraph_node_evaluations_total",
				Help: "Total number of graph nodes evaluated, by rule and outcome.",
			},
			[]string{"rule", "outcome"},
		),
		Invalidations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "buildgraph_node_invalidations_total",
				Help: "Total number of memoized nodes evicted by filesystem changes.",
			},
		),
	}
}

func (m *Metrics) RemoteRPC(method, code string) {
	if m != nil {
		m.RemoteRPCs.WithLabelValues(method, code).Inc()
	}
}

func (m *Metrics) RemoteRetry(method string) {
	if m != nil {
		m.RemoteRetries.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) Transferred(direction string, n int64) {
	if m != nil {
		m.RemoteBytes.WithLabelValues(direction).Add(float64(n))
	}
}

func (m *Metrics) CacheLookup(cache, outcome string) {
	if m != nil {
		m.ActionCacheLookups.WithLabelValues(cache, outcome).Inc()
	}
}

func (m *Metrics) CacheWrite(cache, outcome string) {
	if m != nil {
		m.ActionCacheWrites.WithLabelValues(cache, outcome).Inc()
	}
}

func (m *Metrics) ProcessExecuted(runner string, took time.Duration) {
	if m != nil {
		m.ProcessExecutions.WithLabelValues(runner).Inc()
		m.ProcessDuration.WithLabelValues(runner).Observe(took.Seconds())
	}
}

func (m *Metrics) NodeEvaluated(rule, outcome string) {
	if m != nil {
		m.NodeEvaluations.WithLabelValues(rule, outcome).Inc()
	}
}

func (m *Metrics) Invalidated(n int) {
	if m != nil {
		m.Invalidations.Add(float64(n))
	}
}
