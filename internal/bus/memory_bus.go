// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package bus is the in-process observer transport of the pool.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ManuGH/lavapool/internal/log"
	"github.com/ManuGH/lavapool/internal/metrics"
)

// MemoryBus is an in-memory pub/sub. Publish never blocks: a subscriber whose
// buffer is full misses the message.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memSub
	buffer int
}

const (
	dropLogEvery  = 100
	defaultBuffer = 256
)

var dropCount atomic.Uint64

// NewMemoryBus creates a bus whose subscriptions buffer up to buffer messages.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &MemoryBus{subs: make(map[string][]*memSub), buffer: buffer}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, msg Message) error {
	if ctx == nil {
		return fmt.Errorf("publish context is nil")
	}
	if err := ctx.Err(); err != nil {
		metrics.IncBusDropReason(topic, "canceled")
		return fmt.Errorf("publish topic %q: %w", topic, err)
	}

	// Sends happen under the read lock so Close cannot race a send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.deliver(topic, b.subs[topic], msg)
	b.deliver(topic, b.subs[AllTopics], msg)
	return nil
}

func (b *MemoryBus) deliver(topic string, subs []*memSub, msg Message) {
	for _, s := range subs {
		select {
		case s.ch <- msg:
		default:
			metrics.IncBusDrop(topic)
			count := dropCount.Add(1)
			if count%dropLogEvery == 1 {
				log.L().Warn().
					Str("topic", topic).
					Uint64("dropped", count).
					Msg("memory bus subscriber full, dropping message")
			}
		}
	}
}

// Subscribe registers for the given topics, or every topic when none are
// given. The subscription is closed when ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context, topics ...string) (Subscriber, error) {
	if ctx == nil {
		return nil, fmt.Errorf("subscribe context is nil")
	}
	if len(topics) == 0 {
		topics = []string{AllTopics}
	}
	s := &memSub{b: b, topics: topics, ch: make(chan Message, b.buffer)}

	b.mu.Lock()
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], s)
	}
	s.stop = context.AfterFunc(ctx, func() { _ = s.Close() })
	b.mu.Unlock()
	return s, nil
}

type memSub struct {
	b      *MemoryBus
	topics []string
	ch     chan Message
	once   sync.Once
	stop   func() bool
}

func (s *memSub) C() <-chan Message {
	return s.ch
}

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()

		s.stop()

		for _, t := range s.topics {
			lst := s.b.subs[t]
			out := lst[:0]
			for _, c := range lst {
				if c != s {
					out = append(out, c)
				}
			}
			if len(out) == 0 {
				delete(s.b.subs, t)
			} else {
				s.b.subs[t] = out
			}
		}
		close(s.ch)
	})
	return nil
}

var _ Bus = (*MemoryBus)(nil)
