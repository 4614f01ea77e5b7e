package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/semaphore"
)

// JetStream is a Bus backed by a NATS JetStream stream.
type JetStream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	log    *slog.Logger

	mu        sync.Mutex
	closed    bool
	consumers []jetstream.ConsumeContext
	handlers  inflight
}

var _ Bus = (*JetStream)(nil)

// NewJetStream connects to url and makes sure stream captures subjects.
func NewJetStream(ctx context.Context, url, stream string, subjects []string, log *slog.Logger) (*JetStream, error) {
	nc, err := nats.Connect(url, nats.Name("rss-relay"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: subjects,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", stream, err)
	}

	return &JetStream{nc: nc, js: js, stream: stream, log: log}, nil
}

// Publish stores data on the stream and waits for the ack.
func (j *JetStream) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := j.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("jetstream publish: %w", err)
	}
	return nil
}

// Subscribe creates a durable consumer for sub.Subject. Messages are acked
// after the handler succeeds and nacked for redelivery when it fails.
func (j *JetStream) Subscribe(ctx context.Context, sub Subscription) error {
	j.mu.Lock()
	closed := j.closed
	j.mu.Unlock()
	if closed {
		return ErrClosed
	}

	cons, err := j.js.CreateOrUpdateConsumer(ctx, j.stream, jetstream.ConsumerConfig{
		Durable:       sub.Durable,
		FilterSubject: sub.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: int(sub.concurrency()) * 4,
	})
	if err != nil {
		return fmt.Errorf("create consumer for %s: %w", sub.Subject, err)
	}

	sem := semaphore.NewWeighted(sub.concurrency())
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		if err := sem.Acquire(ctx, 1); err != nil {
			_ = msg.Nak()
			return
		}
		if !j.handlers.begin() {
			sem.Release(1)
			_ = msg.Nak()
			return
		}
		go func() {
			defer j.handlers.done()
			defer sem.Release(1)
			if err := sub.Handler(ctx, msg.Data()); err != nil {
				j.log.Error("handle message", "subject", sub.Subject, "error", err)
				_ = msg.Nak()
				return
			}
			_ = msg.Ack()
		}()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", sub.Subject, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		cc.Stop()
		return ErrClosed
	}
	j.consumers = append(j.consumers, cc)
	return nil
}

// Close stops consumers, waits for in-flight handlers and drains the connection.
func (j *JetStream) Close() error {
	j.mu.Lock()
	j.closed = true
	for _, cc := range j.consumers {
		cc.Stop()
	}
	j.consumers = nil
	j.mu.Unlock()

	j.handlers.closeAndWait()
	if err := j.nc.Drain(); err != nil {
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
