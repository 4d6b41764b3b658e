// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import "context"

// Message is an opaque event payload.
type Message interface{}

// AllTopics subscribes to every topic.
const AllTopics = "*"

type Subscriber interface {
	// C returns a read-only message channel. It is closed on Close.
	C() <-chan Message
	// Close unsubscribes.
	Close() error
}

// Bus is the observer transport abstraction.
type Bus interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topics ...string) (Subscriber, error)
}
