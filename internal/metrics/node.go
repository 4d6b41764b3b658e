// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	nodeState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lavapool_node_state",
		Help: "Audio node connection state (one of disconnected, connecting, connected, destroyed is 1)",
	}, []string{"node", "state"})

	nodeReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lavapool_node_reconnect_attempts_total",
		Help: "Total number of socket reconnect attempts per node",
	}, []string{"node"})

	nodePenalties = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lavapool_node_penalties",
		Help: "Last computed health penalty score per node",
	}, []string{"node"})

	nodePlayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lavapool_node_remote_players",
		Help: "Players reported by the node stats frame",
	}, []string{"node", "kind"}) // kind=total|playing

	// NodeFrames counts inbound socket frames by op.
	NodeFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lavapool_node_frames_total",
		Help: "Inbound socket frames per node and op",
	}, []string{"node", "op"})
)

var nodeStates = []string{"disconnected", "connecting", "connected", "destroyed"}

// SetNodeState records the active connection state for a node.
func SetNodeState(node, state string) {
	for _, s := range nodeStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		nodeState.WithLabelValues(node, s).Set(value)
	}
}

// IncNodeReconnect records a reconnect attempt.
func IncNodeReconnect(node string) {
	nodeReconnects.WithLabelValues(node).Inc()
}

// SetNodePenalties records the health penalty score of a node.
func SetNodePenalties(node string, penalties int) {
	nodePenalties.WithLabelValues(node).Set(float64(penalties))
}

// SetNodeRemotePlayers records the player counts reported by the node.
func SetNodeRemotePlayers(node string, total, playing int) {
	nodePlayers.WithLabelValues(node, "total").Set(float64(total))
	nodePlayers.WithLabelValues(node, "playing").Set(float64(playing))
}

// IncNodeFrame records an inbound frame.
func IncNodeFrame(node, op string) {
	if op == "" {
		op = "unknown"
	}
	NodeFrames.WithLabelValues(node, op).Inc()
}

// ForgetNode drops the per-node series once a node is removed from the pool.
func ForgetNode(node string) {
	for _, s := range nodeStates {
		nodeState.DeleteLabelValues(node, s)
	}
	nodePenalties.DeleteLabelValues(node)
	nodePlayers.DeleteLabelValues(node, "total")
	nodePlayers.DeleteLabelValues(node, "playing")
}
