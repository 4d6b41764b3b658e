// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package track holds the playable track descriptor and the per-guild queue.
package track

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ManuGH/lavapool/internal/protocol"
)

// ErrUnresolvable is returned when a track has no payload and no resolver can produce one.
var ErrUnresolvable = errors.New("track: no playable payload")

// Resolver produces the encoded payload for a track that carries metadata only.
type Resolver interface {
	ResolveEncoded(ctx context.Context, info protocol.TrackInfo) (string, error)
}

// Track is an immutable descriptor plus a lazily resolved encoded payload.
type Track struct {
	info       protocol.TrackInfo
	pluginInfo []byte
	requester  any
	node       string

	mu      sync.Mutex
	encoded string

	artOnce sync.Once
	artwork string
}

// FromProtocol wraps a node track. node is the name of the issuing node.
func FromProtocol(t protocol.Track, node string, requester any) *Track {
	return &Track{
		info:       t.Info,
		pluginInfo: append([]byte(nil), t.PluginInfo...),
		requester:  requester,
		node:       node,
		encoded:    t.Encoded,
	}
}

// NewUnresolved creates a track known only by its metadata. The payload is
// searched on first Resolve.
func NewUnresolved(info protocol.TrackInfo, requester any) *Track {
	return &Track{info: info, requester: requester}
}

func (t *Track) Info() protocol.TrackInfo { return t.info }
func (t *Track) Requester() any           { return t.requester }
func (t *Track) Node() string             { return t.node }
func (t *Track) Source() string           { return t.info.SourceName }
func (t *Track) Identifier() string       { return t.info.Identifier }
func (t *Track) Title() string            { return t.info.Title }

// Length returns the duration in milliseconds, 0 for streams.
func (t *Track) Length() int64 {
	if t.info.IsStream {
		return 0
	}
	return t.info.Length
}

// Encoded returns the payload without resolving it.
func (t *Track) Encoded() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.encoded
}

// Resolved reports whether the payload is available.
func (t *Track) Resolved() bool {
	return t.Encoded() != ""
}

// Resolve returns the encoded payload, asking r for it once if missing.
// A successful resolution is memoized; failures are not.
func (t *Track) Resolve(ctx context.Context, r Resolver) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.encoded != "" {
		return t.encoded, nil
	}
	if r == nil {
		return "", ErrUnresolvable
	}
	enc, err := r.ResolveEncoded(ctx, t.info)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", t.info.Title, err)
	}
	if enc == "" {
		return "", ErrUnresolvable
	}
	t.encoded = enc
	return enc, nil
}

// Artwork returns the artwork URL, derived from the video id for YouTube
// tracks that do not carry one.
func (t *Track) Artwork() string {
	t.artOnce.Do(func() {
		t.artwork = t.info.ArtworkURL
		if t.artwork == "" && t.info.SourceName == "youtube" && t.info.Identifier != "" {
			t.artwork = "https://img.youtube.com/vi/" + t.info.Identifier + "/maxresdefault.jpg"
		}
	})
	return t.artwork
}

// SearchQuery is the text used to look the track up on another source.
func (t *Track) SearchQuery() string {
	if t.info.Author == "" {
		return t.info.Title
	}
	return t.info.Author + " - " + t.info.Title
}

func (t *Track) String() string {
	return fmt.Sprintf("%s (%s:%s)", t.info.Title, t.info.SourceName, t.info.Identifier)
}
