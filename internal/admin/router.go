// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package admin serves the operator HTTP API: probes, metrics and a
// read-mostly view of the node pool.
package admin

import (
	"net/http"

	"github.com/ManuGH/lavapool/internal/health"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the collaborators of the admin router.
type Deps struct {
	Pool   Pool
	Health *health.Manager
	// Gatherer defaults to the prometheus default registry.
	Gatherer prometheus.Gatherer
	// RateLimit is requests per minute per client IP on /v1. Zero disables it.
	RateLimit int
}

// NewRouter builds the admin handler.
func NewRouter(d Deps) http.Handler {
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	h := &handlers{pool: d.Pool}

	r := chi.NewRouter()
	r.Use(recoverer, requestID, observe)

	r.Get("/healthz", d.Health.ServeHealth)
	r.Get("/readyz", d.Health.ServeReady)
	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		if d.RateLimit > 0 {
			r.Use(rateLimit(d.RateLimit))
		}
		r.Get("/nodes", h.listNodes)
		r.Route("/nodes/{name}", func(r chi.Router) {
			r.Get("/", h.getNode)
			r.Get("/info", h.nodeInfo)
			r.Get("/stats", h.nodeStats)
			r.Get("/players", h.nodePlayers)
			r.Get("/players/{guild}", h.nodePlayer)
			r.Get("/routeplanner", h.routePlannerStatus)
			r.Post("/routeplanner/free/address", h.freeAddress)
			r.Post("/routeplanner/free/all", h.freeAllAddresses)
		})
		r.Get("/players", h.listPlayers)
		r.Get("/players/{guild}", h.getPlayer)
		r.Delete("/players/{guild}", h.deletePlayer)
		r.Get("/loadtracks", h.loadTracks)
		r.Get("/decodetrack", h.decodeTrack)
		r.Post("/decodetracks", h.decodeTracks)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})
	return r
}
