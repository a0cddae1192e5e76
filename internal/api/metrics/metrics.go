// Package metrics registers Prometheus collectors for the request pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration observes wall time per endpoint call.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "medpass_api_request_duration_ms",
		Help:    "Duration of API requests in milliseconds",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 15000},
	}, []string{"method", "path"})

	// RequestsTotal counts finished requests by outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medpass_api_requests_total",
		Help: "Total API requests by outcome",
	}, []string{"method", "path", "outcome"})

	// RefreshAttempts counts upstream token refresh calls (post-dedup).
	RefreshAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medpass_token_refresh_attempts_total",
		Help: "Total token refresh attempts issued to the server",
	})

	// RefreshFailures counts refresh calls that ended the session.
	RefreshFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medpass_token_refresh_failures_total",
		Help: "Total failed token refresh attempts",
	})

	// RefreshShared counts callers served by an in-flight refresh instead
	// of issuing their own.
	RefreshShared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medpass_token_refresh_shared_total",
		Help: "Token refreshes coalesced by single-flight",
	})

	// Replays counts post-refresh request replays by final outcome.
	Replays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medpass_request_replays_total",
		Help: "Requests replayed after a token refresh",
	}, []string{"outcome"})
)
