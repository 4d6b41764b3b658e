// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	adminRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lavapool_admin_http_request_duration_seconds",
		Help:    "Admin API request latencies in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	adminRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lavapool_admin_http_requests_in_flight",
		Help: "Admin API requests currently being served",
	})
)

// ObserveAdminRequest records one admin API request. route must be the
// router pattern, never the raw path.
func ObserveAdminRequest(method, route string, status int, d time.Duration) {
	adminRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// TrackAdminInFlight increments the in-flight gauge and returns its release.
func TrackAdminInFlight() func() {
	adminRequestsInFlight.Inc()
	return adminRequestsInFlight.Dec
}
