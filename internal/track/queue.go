// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package track

import (
	"math/rand"
	"sync"
)

// Queue is an ordered FIFO of tracks with head re-insertion. It is safe for
// concurrent use.
type Queue struct {
	mu    sync.Mutex
	items []*Track
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends tracks at the tail.
func (q *Queue) Push(tracks ...*Track) {
	q.mu.Lock()
	q.items = append(q.items, tracks...)
	q.mu.Unlock()
}

// Unshift inserts t at the head.
func (q *Queue) Unshift(t *Track) {
	q.mu.Lock()
	q.items = append([]*Track{t}, q.items...)
	q.mu.Unlock()
}

// Shift removes and returns the head, or nil when empty.
func (q *Queue) Shift() *Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	head := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return head
}

// Peek returns the head without removing it.
func (q *Queue) Peek() *Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Remove deletes the track at index i and returns it, or nil when out of range.
func (q *Queue) Remove(i int) *Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i < 0 || i >= len(q.items) {
		return nil
	}
	t := q.items[i]
	q.items = append(q.items[:i], q.items[i+1:]...)
	return t
}

// Shuffle randomizes the order in place.
func (q *Queue) Shuffle() {
	q.mu.Lock()
	rand.Shuffle(len(q.items), func(i, j int) { // #nosec G404
		q.items[i], q.items[j] = q.items[j], q.items[i]
	})
	q.mu.Unlock()
}

// Snapshot returns a copy of the current order.
func (q *Queue) Snapshot() []*Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Track, len(q.items))
	copy(out, q.items)
	return out
}
