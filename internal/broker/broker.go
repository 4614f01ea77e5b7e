// Package broker binds message handlers to bus subjects.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler processes one message. A returned error asks the bus to redeliver
// where the bus supports it.
type Handler func(ctx context.Context, data []byte) error

// Subscription binds a handler to a subject.
type Subscription struct {
	Subject string
	// Durable names the consumer on buses that keep consumer state.
	Durable string
	// Concurrency caps in-flight handler calls. Values below 1 mean 1.
	Concurrency int
	Handler     Handler
}

func (s Subscription) concurrency() int64 {
	if s.Concurrency < 1 {
		return 1
	}
	return int64(s.Concurrency)
}

// Publisher sends messages to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Bus is a Publisher that also accepts subscriptions.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, sub Subscription) error
	Close() error
}

// PublishJSON encodes v and publishes it to subject.
func PublishJSON(ctx context.Context, p Publisher, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", subject, err)
	}
	if err := p.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
