// Package metrics holds the Prometheus collectors shared by the sync engine,
// the history store and the HTTP layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncRuns counts push and pull runs by operation and final status.
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeflow",
		Name:      "sync_runs_total",
		Help:      "Push and pull runs by operation and status.",
	}, []string{"op", "status"})

	CommitsPushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeflow",
		Name:      "commits_pushed_total",
		Help:      "Commits written to the remote store.",
	})

	// Fallbacks counts remote failures absorbed by the local tier.
	Fallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeflow",
		Name:      "local_fallbacks_total",
		Help:      "Remote failures that degraded to the local tier, by component and reason.",
	}, []string{"component", "reason"})

	HistorySaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeflow",
		Name:      "history_saves_total",
		Help:      "Run-history saves by destination tier.",
	}, []string{"tier"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeflow",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code.",
	}, []string{"route", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codeflow",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)
