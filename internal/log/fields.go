// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldNode      = "node"
	FieldGuildID   = "guild_id"
	FieldChannelID = "channel_id"
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldOp        = "op"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldAttempt  = "attempt"

	// Track fields
	FieldTrack  = "track"
	FieldSource = "source"

	// Network fields
	FieldURL    = "url"
	FieldRegion = "region"
)
