// Package delivery sends articles to destinations and reports the outcome of
// each job back to the bus.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"rss_relay/internal/broker"
	"rss_relay/internal/events"
	"rss_relay/internal/model"
)

// Job is one article bound for one destination.
type Job struct {
	ID          string
	FeedID      string
	Destination events.Destination
	Article     model.Article
	Format      events.FormatOptions
}

// Dispatcher accepts jobs. Dispatch returns once the job is queued; the
// outcome arrives later as an events.DeliveryOutcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// sender performs the actual delivery and returns its outcome.
type sender interface {
	send(ctx context.Context, job Job) events.Outcome
}

// async runs a sender in the background with bounded concurrency and
// publishes each outcome.
type async struct {
	sender sender
	pub    broker.Publisher
	log    *slog.Logger
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newAsync(s sender, pub broker.Publisher, concurrency int, log *slog.Logger) *async {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &async{
		sender: s,
		pub:    pub,
		log:    log,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Dispatch queues the job and returns without waiting for the send.
func (a *async) Dispatch(_ context.Context, job Job) error {
	if job.ID == "" {
		return fmt.Errorf("dispatch job for destination %s: missing job id", job.Destination.ID)
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.sem.Acquire(a.ctx, 1); err != nil {
			return
		}
		defer a.sem.Release(1)

		outcome := a.sender.send(a.ctx, job)
		msg := events.DeliveryOutcome{JobID: job.ID, Outcome: outcome}
		if err := broker.PublishJSON(a.ctx, a.pub, events.SubjectDeliveryOutcome, msg); err != nil {
			a.log.Error("publish delivery outcome", "job_id", job.ID, "error", err)
		}
	}()
	return nil
}

// Close waits for queued jobs to finish.
func (a *async) Close() error {
	a.wg.Wait()
	a.cancel()
	return nil
}

// Mux routes jobs by destination kind.
type Mux struct {
	byKind   map[string]Dispatcher
	fallback Dispatcher
}

// NewMux creates a Mux. Jobs whose kind has no route go to fallback.
func NewMux(fallback Dispatcher) *Mux {
	return &Mux{byKind: make(map[string]Dispatcher), fallback: fallback}
}

// Handle routes kind to d.
func (m *Mux) Handle(kind string, d Dispatcher) {
	m.byKind[kind] = d
}

// Dispatch routes the job to the dispatcher registered for its destination kind.
func (m *Mux) Dispatch(ctx context.Context, job Job) error {
	if d, ok := m.byKind[job.Destination.Kind]; ok {
		return d.Dispatch(ctx, job)
	}
	if m.fallback == nil {
		return fmt.Errorf("no dispatcher for destination kind %q", job.Destination.Kind)
	}
	return m.fallback.Dispatch(ctx, job)
}
