package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned when publishing to or subscribing on a closed bus.
var ErrClosed = errors.New("bus closed")

type memorySub struct {
	Subscription
	sem *semaphore.Weighted
}

// Memory is an in-process bus. Each published message is handed to every
// subscription of its subject on a separate goroutine, bounded by the
// subscription's concurrency.
type Memory struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Bus = (*Memory)(nil)

// NewMemory creates an in-process bus.
func NewMemory(log *slog.Logger) *Memory {
	ctx, cancel := context.WithCancel(context.Background())
	return &Memory{
		log:    log,
		subs:   make(map[string][]*memorySub),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers the handler for the subject.
func (m *Memory) Subscribe(_ context.Context, sub Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.subs[sub.Subject] = append(m.subs[sub.Subject], &memorySub{
		Subscription: sub,
		sem:          semaphore.NewWeighted(sub.concurrency()),
	})
	return nil
}

// Publish hands data to every handler of the subject on its own goroutine.
func (m *Memory) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	msg := append([]byte(nil), data...)
	for _, sub := range m.subs[subject] {
		m.wg.Add(1)
		go m.deliver(sub, msg)
	}
	return nil
}

func (m *Memory) deliver(sub *memorySub, data []byte) {
	defer m.wg.Done()
	if err := sub.sem.Acquire(m.ctx, 1); err != nil {
		return
	}
	defer sub.sem.Release(1)

	if err := sub.Handler(m.ctx, data); err != nil {
		m.log.Error("handle message", "subject", sub.Subject, "error", err)
	}
}

// Wait blocks until every published message has been handled, including
// messages published by handlers along the way.
func (m *Memory) Wait() {
	m.wg.Wait()
}

// Close stops accepting messages and waits for in-flight handlers.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.wg.Wait()
	m.cancel()
	return nil
}
