// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lavalink

import (
	"errors"
	"fmt"
	"strings"

	"github.com/disgoorg/snowflake/v2"
)

var (
	ErrConfiguration       = errors.New("lavalink: invalid configuration")
	ErrNotInitialized      = errors.New("lavalink: manager not initialized")
	ErrNoAvailableNode     = errors.New("lavalink: no available node")
	ErrInvalidArgument     = errors.New("lavalink: invalid argument")
	ErrAlreadyConnected    = errors.New("lavalink: already connected to channel")
	ErrInvalidVoiceSession = errors.New("lavalink: invalid voice session")
	ErrNotConnected        = errors.New("lavalink: not connected")
	ErrResolution          = errors.New("lavalink: track resolution failed")
	ErrProtocolAnomaly     = errors.New("lavalink: unexpected protocol payload")
	ErrReconnectExhausted  = errors.New("lavalink: reconnect attempts exhausted")
	ErrPlayerNotFound      = errors.New("lavalink: player not found")
	ErrDestroyed           = errors.New("lavalink: already destroyed")
)

// Error carries the entity a failure belongs to. errors.Is matches both the
// sentinel and the underlying cause.
type Error struct {
	Sentinel error
	Op       string
	Node     string
	Guild    snowflake.ID
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Node != "" {
		fmt.Fprintf(&b, " node=%s", e.Node)
	}
	if e.Guild != 0 {
		fmt.Fprintf(&b, " guild=%s", e.Guild)
	}
	fmt.Fprintf(&b, ": %v", e.Sentinel)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Err}
}

func nodeError(sentinel error, op, node string, cause error) error {
	return &Error{Sentinel: sentinel, Op: op, Node: node, Err: cause}
}

func playerError(sentinel error, op string, guild snowflake.ID, cause error) error {
	return &Error{Sentinel: sentinel, Op: op, Guild: guild, Err: cause}
}

// transportError annotates a rest failure with the player it belongs to.
func transportError(op, node string, guild snowflake.ID, cause error) error {
	return fmt.Errorf("%s node=%s guild=%s: %w", op, node, guild, cause)
}
