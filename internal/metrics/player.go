// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActivePlayers tracks registered players per node.
	ActivePlayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lavapool_players_active",
		Help: "Players currently registered in the pool, by owning node",
	}, []string{"node"})

	// PlayerEvents counts dispatched player events by type.
	PlayerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lavapool_player_events_total",
		Help: "Node pushed player events by type",
	}, []string{"type"})

	autoplayTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lavapool_autoplay_total",
		Help: "Autoplay continuation attempts by source and outcome",
	}, []string{"source", "outcome"}) // outcome=queued|empty|error|unsupported
)

// IncActivePlayers adjusts the player gauge for a node.
func IncActivePlayers(node string) { ActivePlayers.WithLabelValues(node).Inc() }

// DecActivePlayers adjusts the player gauge for a node.
func DecActivePlayers(node string) { ActivePlayers.WithLabelValues(node).Dec() }

// IncPlayerEvent records a dispatched player event.
func IncPlayerEvent(eventType string) {
	if eventType == "" {
		eventType = "unknown"
	}
	PlayerEvents.WithLabelValues(eventType).Inc()
}

// IncAutoplay records an autoplay attempt outcome.
func IncAutoplay(source, outcome string) {
	if source == "" {
		source = "unknown"
	}
	autoplayTotal.WithLabelValues(source, outcome).Inc()
}
