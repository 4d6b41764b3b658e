// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	restRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lavapool_rest_request_total",
			Help: "Total number of node REST request attempts",
		},
		[]string{"node", "method", "route", "status_class"},
	)
	restRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lavapool_rest_request_duration_seconds",
			Help:    "Duration of node REST requests per attempt",
			Buckets: prometheus.ExponentialBuckets(0.01, 2.0, 10),
		},
		[]string{"node", "method", "route", "status_class"},
	)
	restRequestRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lavapool_rest_request_retries_total",
			Help: "Number of node REST request retries performed",
		},
		[]string{"node", "method", "route"},
	)
)

// StatusClass buckets an HTTP outcome for metric labels.
func StatusClass(err error, status int) string {
	if err != nil {
		return "error"
	}
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	case status > 0:
		return "1xx"
	}
	return "unknown"
}

// ObserveRESTAttempt records a single REST attempt.
func ObserveRESTAttempt(node, method, route string, status int, duration time.Duration, err error, retry bool) {
	class := StatusClass(err, status)
	restRequestTotal.WithLabelValues(node, method, route, class).Inc()
	restRequestDuration.WithLabelValues(node, method, route, class).Observe(duration.Seconds())
	if retry {
		restRequestRetries.WithLabelValues(node, method, route).Inc()
	}
}
