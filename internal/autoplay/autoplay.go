// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package autoplay maps a finished track's source to a strategy that names
// what to play next.
package autoplay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ManuGH/lavapool/internal/protocol"
	"github.com/kkdai/youtube/v2"
)

// ErrNoResolver is returned when no strategy is registered for a source.
var ErrNoResolver = errors.New("autoplay: no resolver for source")

// Query is a continuation lookup. An empty Source means Text is a URL or
// already carries its search prefix.
type Query struct {
	Text   string
	Source string
}

// Resolver returns the continuation query for the previous track.
type Resolver interface {
	Continue(ctx context.Context, prev protocol.TrackInfo) (Query, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, prev protocol.TrackInfo) (Query, error)

func (f ResolverFunc) Continue(ctx context.Context, prev protocol.TrackInfo) (Query, error) {
	return f(ctx, prev)
}

// Registry holds resolvers keyed by source name.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
	fallback  Resolver
}

func NewRegistry() *Registry {
	return &Registry{resolvers: make(map[string]Resolver)}
}

// Default returns a registry with the built-in strategies: YouTube mixes,
// SoundCloud author search and a YouTube Music author search for any other
// source.
func Default() *Registry {
	r := NewRegistry()
	r.Register("youtube", YouTubeMix{})
	r.Register("soundcloud", AuthorSearch{Source: "scsearch"})
	r.SetFallback(AuthorSearch{Source: "ytmsearch"})
	return r
}

// Register binds res to source, replacing any previous binding.
func (r *Registry) Register(source string, res Resolver) {
	r.mu.Lock()
	r.resolvers[strings.ToLower(source)] = res
	r.mu.Unlock()
}

// SetFallback sets the resolver used for unregistered sources. Nil disables it.
func (r *Registry) SetFallback(res Resolver) {
	r.mu.Lock()
	r.fallback = res
	r.mu.Unlock()
}

// Lookup returns the resolver for source, or the fallback.
func (r *Registry) Lookup(source string) (Resolver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if res, ok := r.resolvers[strings.ToLower(source)]; ok {
		return res, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Continue dispatches prev to the resolver of its source.
func (r *Registry) Continue(ctx context.Context, prev protocol.TrackInfo) (Query, error) {
	res, ok := r.Lookup(prev.SourceName)
	if !ok {
		return Query{}, fmt.Errorf("%w %q", ErrNoResolver, prev.SourceName)
	}
	return res.Continue(ctx, prev)
}

// YouTubeMix continues with the radio mix of the previous video.
type YouTubeMix struct{}

func (YouTubeMix) Continue(_ context.Context, prev protocol.TrackInfo) (Query, error) {
	id := prev.Identifier
	if id == "" || len(id) != 11 {
		extracted, err := youtube.ExtractVideoID(prev.URI)
		if err != nil {
			return Query{}, fmt.Errorf("youtube mix: %w", err)
		}
		id = extracted
	}
	return Query{
		Text:   "https://www.youtube.com/watch?v=" + id + "&list=RD" + id,
		Source: "ytmsearch",
	}, nil
}

// AuthorSearch searches more tracks of the same author on Source.
type AuthorSearch struct {
	Source string
}

func (a AuthorSearch) Continue(_ context.Context, prev protocol.TrackInfo) (Query, error) {
	author := strings.TrimSpace(prev.Author)
	if author == "" {
		return Query{}, fmt.Errorf("author search: track %q has no author", prev.Title)
	}
	return Query{Text: author, Source: a.Source}, nil
}
