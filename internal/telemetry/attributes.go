// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	NodeNameKey   = "lavalink.node"
	GuildIDKey    = "lavalink.guild_id"
	LoadTypeKey   = "lavalink.load_type"
	TrackCountKey = "lavalink.track_count"

	ClientNameKey = "lavapool.client_name"
	PoolNodesKey  = "lavapool.nodes"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// NodeAttributes annotates a span with the node and, when known, the guild.
func NodeAttributes(node, guildID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if node != "" {
		attrs = append(attrs, attribute.String(NodeNameKey, node))
	}
	if guildID != "" {
		attrs = append(attrs, attribute.String(GuildIDKey, guildID))
	}
	return attrs
}

// LoadAttributes describes a track load result.
func LoadAttributes(loadType string, tracks int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(LoadTypeKey, loadType),
		attribute.Int(TrackCountKey, tracks),
	}
}
