// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lavalink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ManuGH/lavapool/internal/bus"
	"github.com/ManuGH/lavapool/internal/log"
	"github.com/ManuGH/lavapool/internal/metrics"
	"github.com/ManuGH/lavapool/internal/protocol"
	"github.com/ManuGH/lavapool/internal/track"
	"github.com/disgoorg/snowflake/v2"
)

// EventKind names an observer notification. It doubles as the bus topic.
type EventKind string

const (
	EventNodeCreated         EventKind = "node-created"
	EventNodeDestroyed       EventKind = "node-destroyed"
	EventNodeConnected       EventKind = "node-connected"
	EventNodeDisconnected    EventKind = "node-disconnected"
	EventNodeReconnecting    EventKind = "node-reconnecting"
	EventNodeError           EventKind = "node-error"
	EventSessionCreated      EventKind = "session-created"
	EventSessionDestroyed    EventKind = "session-destroyed"
	EventSessionDisconnected EventKind = "session-disconnected"
	EventSessionMoved        EventKind = "session-moved"
	EventPlayerUpdated       EventKind = "player-updated"
	EventTrackStarted        EventKind = "track-started"
	EventTrackEnded          EventKind = "track-ended"
	EventTrackError          EventKind = "track-error"
	EventTrackStuck          EventKind = "track-stuck"
	EventSocketClosed        EventKind = "socket-closed"
	EventQueueExhausted      EventKind = "queue-exhausted"
	EventRawFrame            EventKind = "raw-protocol-frame"
	EventDebug               EventKind = "debug-trace"
)

// Event is published on the manager bus. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind    EventKind
	Time    time.Time
	Node    string
	GuildID snowflake.ID

	Track     *track.Track
	Reason    string
	Code      int
	ByRemote  bool
	Attempt   int
	Exception *protocol.Exception
	Threshold time.Duration

	OldChannel snowflake.ID
	NewChannel snowflake.ID

	State   *protocol.PlayerState
	Raw     json.RawMessage
	Message string
	Err     error
}

// Subscribe returns a subscription for the given kinds, or all kinds when
// none are given. It ends when ctx is done or on Close.
func (m *Manager) Subscribe(ctx context.Context, kinds ...EventKind) (bus.Subscriber, error) {
	topics := make([]string, 0, len(kinds))
	for _, k := range kinds {
		topics = append(topics, string(k))
	}
	return m.bus.Subscribe(ctx, topics...)
}

func (m *Manager) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	switch ev.Kind {
	case EventTrackStarted, EventTrackEnded, EventTrackError, EventTrackStuck, EventSocketClosed, EventQueueExhausted:
		metrics.IncPlayerEvent(string(ev.Kind))
	}
	if err := m.bus.Publish(context.Background(), string(ev.Kind), ev); err != nil {
		m.log.Debug().Err(err).Str("kind", string(ev.Kind)).Msg("event publish failed")
	}
}

func (m *Manager) debug(node string, guild snowflake.ID, msg string) {
	m.log.Debug().Str(log.FieldNode, node).Stringer(log.FieldGuildID, guild).Msg(msg)
	m.emit(Event{Kind: EventDebug, Node: node, GuildID: guild, Message: msg})
}
