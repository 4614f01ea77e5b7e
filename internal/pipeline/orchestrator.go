// Package pipeline consumes feed and delivery events: it turns fetched feeds
// into delivery jobs and reconciles delivery outcomes into records.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"rss_relay/internal/articles"
	"rss_relay/internal/broker"
	"rss_relay/internal/delivery"
	"rss_relay/internal/events"
	"rss_relay/internal/fetcher"
	"rss_relay/internal/filter"
	"rss_relay/internal/metrics"
	"rss_relay/internal/model"
	"rss_relay/internal/ratelimit"
	"rss_relay/internal/storage"
)

// Fetcher downloads raw feed documents. Failures are *fetcher.Error.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Options tunes the orchestrator.
type Options struct {
	OutcomeMaxRetries  int
	OutcomeRetryBase   time.Duration
	FeedConcurrency    int
	OutcomeConcurrency int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		OutcomeMaxRetries:  5,
		OutcomeRetryBase:   100 * time.Millisecond,
		FeedConcurrency:    4,
		OutcomeConcurrency: 16,
	}
}

// Orchestrator wires the filter engine, rate limiter, record store and
// collaborators into the delivery pipeline.
type Orchestrator struct {
	log        *slog.Logger
	store      storage.Storage
	limiter    *ratelimit.Limiter
	engine     *filter.Engine
	fetcher    Fetcher
	dispatcher delivery.Dispatcher
	pub        broker.Publisher
	metrics    *metrics.Metrics
	opts       Options

	newID func() string
	now   func() time.Time
}

// New creates an Orchestrator.
func New(
	log *slog.Logger,
	store storage.Storage,
	limiter *ratelimit.Limiter,
	engine *filter.Engine,
	f Fetcher,
	dispatcher delivery.Dispatcher,
	pub broker.Publisher,
	m *metrics.Metrics,
	opts Options,
) *Orchestrator {
	return &Orchestrator{
		log:        log,
		store:      store,
		limiter:    limiter,
		engine:     engine,
		fetcher:    f,
		dispatcher: dispatcher,
		pub:        pub,
		metrics:    m,
		opts:       opts,
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// Register binds the orchestrator's handlers to bus subjects.
func (o *Orchestrator) Register(ctx context.Context, bus broker.Bus) error {
	subs := []broker.Subscription{
		{
			Subject:     events.SubjectFeedFetched,
			Durable:     "relay-deliver-articles",
			Concurrency: o.opts.FeedConcurrency,
			Handler:     decode(o.log, o.HandleFeedFetched),
		},
		{
			Subject:     events.SubjectDeliveryOutcome,
			Durable:     "relay-delivery-result",
			Concurrency: o.opts.OutcomeConcurrency,
			Handler:     decode(o.log, o.HandleDeliveryOutcome),
		},
		{
			Subject:     events.SubjectFeedDeleted,
			Durable:     "relay-feed-deleted",
			Concurrency: 1,
			Handler:     decode(o.log, o.HandleFeedDeleted),
		},
	}
	for _, s := range subs {
		if err := bus.Subscribe(ctx, s); err != nil {
			return oops.With("subject", s.Subject).Wrap(err)
		}
	}
	return nil
}

type validator interface {
	Validate() error
}

// decode turns a typed handler into a bus handler. Undecodable or invalid
// events are logged and dropped.
func decode[T validator](log *slog.Logger, fn func(context.Context, T) error) broker.Handler {
	return func(ctx context.Context, data []byte) error {
		var ev T
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warn("drop undecodable event", "error", err)
			return nil
		}
		if err := ev.Validate(); err != nil {
			log.Warn("drop invalid event", "error", err)
			return nil
		}
		return fn(ctx, ev)
	}
}

// HandleFeedFetched runs one delivery cycle for a feed. Failures end the run
// and are logged; the next scheduled fetch retries.
func (o *Orchestrator) HandleFeedFetched(ctx context.Context, ev events.FeedFetched) error {
	log := o.log.With("feed_id", ev.FeedID)
	if ev.Timestamp > 0 {
		defer func() {
			o.metrics.RunDuration.Observe(o.now().Sub(time.UnixMilli(ev.Timestamp)).Seconds())
		}()
	}
	if err := o.deliverFeed(ctx, log, ev); err != nil {
		log.Error("feed run failed", "error", err)
	}
	return nil
}

func (o *Orchestrator) deliverFeed(ctx context.Context, log *slog.Logger, ev events.FeedFetched) error {
	errb := oops.In("pipeline").With("feed_id", ev.FeedID, "url", ev.URL)

	if err := o.syncDayWindow(ctx, ev); err != nil {
		log.Warn("update day window", "error", err)
	}

	raw, err := o.fetcher.Fetch(ctx, ev.URL)
	if err != nil {
		return o.handleFetchError(ctx, log, ev.FeedID, err)
	}
	if strings.TrimSpace(raw) == "" {
		log.Debug("feed body empty, skipping run")
		return nil
	}

	all, err := fetcher.ParseArticles(raw)
	if err != nil {
		return o.handleFetchError(ctx, log, ev.FeedID, err)
	}

	var eligible []model.Article
	err = o.store.InTx(ctx, func(q storage.Queries) error {
		var err error
		eligible, err = articles.Eligible(ctx, q, ev.FeedID, all, articles.EligibilityOptions{
			BlockingComparisons: ev.BlockingComparisons,
			PassingComparisons:  ev.PassingComparisons,
			MaxAge:              ev.DateChecks.MaxAge(),
			Now:                 o.now(),
		})
		return err
	})
	if err != nil {
		return errb.Wrapf(err, "compute eligible articles")
	}
	if len(eligible) == 0 {
		log.Debug("no eligible articles", "fetched", len(all))
		return nil
	}

	records, jobs := o.plan(ctx, log, ev, eligible)

	// Records go in before dispatch so outcomes always find them. A failed
	// insert is logged and dispatch proceeds.
	if err := o.store.InsertDeliveryRecords(ctx, records); err != nil {
		log.Error("persist delivery records", "records", len(records), "error", errb.Wrap(err))
	} else {
		for _, r := range records {
			o.metrics.DeliveryRecords.WithLabelValues(string(r.Status)).Inc()
		}
	}

	for _, job := range jobs {
		if err := o.dispatcher.Dispatch(ctx, job); err != nil {
			log.Error("dispatch job", "job_id", job.ID, "destination_id", job.Destination.ID, "error", err)
		}
	}

	log.Info("feed run complete", "fetched", len(all), "eligible", len(eligible), "dispatched", len(jobs))
	return nil
}

// syncDayWindow keeps the day window in step with the event. A zero limit
// means unlimited, so any window left by an earlier limit is removed.
func (o *Orchestrator) syncDayWindow(ctx context.Context, ev events.FeedFetched) error {
	if ev.ArticleDayLimit == 0 {
		return o.limiter.DeleteWindows(ctx, ev.FeedID)
	}
	cfg := ratelimit.WindowConfig{WindowSeconds: ratelimit.DayWindow, Limit: ev.ArticleDayLimit}
	return o.limiter.AddOrUpdateWindow(ctx, ev.FeedID, cfg, false)
}

func (o *Orchestrator) handleFetchError(ctx context.Context, log *slog.Logger, feedID string, err error) error {
	var fe *fetcher.Error
	if !errors.As(err, &fe) {
		return oops.With("feed_id", feedID).Wrapf(err, "fetch feed")
	}
	o.metrics.FetchFailures.WithLabelValues(string(fe.Kind)).Inc()

	if fe.Transient() {
		log.Debug("ignoring fetch failure", "kind", fe.Kind, "error", err)
		return nil
	}

	log.Warn("disabling invalid feed", "error", err)
	disabled := events.FeedDisabled{RejectionCode: model.RejectedInvalidFeed, FeedID: feedID}
	if err := broker.PublishJSON(ctx, o.pub, events.SubjectFeedDisabled, disabled); err != nil {
		return oops.With("feed_id", feedID).Wrapf(err, "publish feed disabled")
	}
	o.metrics.Disabled.WithLabelValues("feed", string(model.RejectedInvalidFeed)).Inc()
	return nil
}

type destinationFilter struct {
	expr filter.Expression
	err  error
}

// plan decides the record for every eligible article and destination pair,
// in source order. Only Pending records produce jobs.
func (o *Orchestrator) plan(ctx context.Context, log *slog.Logger, ev events.FeedFetched, eligible []model.Article) ([]model.DeliveryRecord, []delivery.Job) {
	filters := make(map[string]destinationFilter, len(ev.Destinations))
	for _, d := range ev.Destinations {
		filters[d.ID] = parseDestinationFilter(d.Filter)
	}

	var (
		records []model.DeliveryRecord
		jobs    []delivery.Job
	)
	now := o.now().UTC()
	for _, a := range eligible {
		for _, d := range ev.Destinations {
			rec := model.DeliveryRecord{
				ID:            o.newID(),
				FeedID:        ev.FeedID,
				DestinationID: d.ID,
				ArticleID:     a.ID,
				CreatedAt:     now,
			}

			switch passed, err := o.passesFilter(ctx, filters[d.ID], a); {
			case err != nil:
				log.Warn("filter evaluation failed", "destination_id", d.ID, "article_id", a.ID, "error", err)
				rec.Status = model.StatusFailed
				rec.ErrorCode = string(model.ErrorInternal)
				rec.InternalMessage = err.Error()
			case !passed:
				rec.Status = model.StatusFilteredOut
			default:
				rec.Status = o.consume(ctx, log, ev.FeedID, &rec)
			}

			records = append(records, rec)
			if rec.Status == model.StatusPending {
				jobs = append(jobs, delivery.Job{
					ID:          rec.ID,
					FeedID:      ev.FeedID,
					Destination: d,
					Article:     a,
					Format:      ev.FormatOptions,
				})
			}
		}
	}
	return records, jobs
}

func (o *Orchestrator) consume(ctx context.Context, log *slog.Logger, feedID string, rec *model.DeliveryRecord) model.DeliveryStatus {
	d, err := o.limiter.TryConsume(ctx, feedID, ratelimit.DayWindow)
	if err != nil {
		log.Error("rate limit check failed", "article_id", rec.ArticleID, "error", err)
		rec.ErrorCode = string(model.ErrorInternal)
		rec.InternalMessage = err.Error()
		return model.StatusFailed
	}
	if !d.Allowed {
		return model.StatusRateLimited
	}
	return model.StatusPending
}

func parseDestinationFilter(raw json.RawMessage) destinationFilter {
	if len(raw) == 0 || string(raw) == "null" {
		return destinationFilter{}
	}
	expr, err := filter.Parse(raw)
	if err != nil {
		return destinationFilter{err: err}
	}
	if errs := filter.Validate(expr); errs != nil {
		return destinationFilter{err: oops.Wrapf(errs.Err(), "invalid filter")}
	}
	return destinationFilter{expr: expr}
}

func (o *Orchestrator) passesFilter(ctx context.Context, f destinationFilter, a model.Article) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.expr == nil {
		return true, nil
	}
	return o.engine.Evaluate(ctx, f.expr, filter.BuildReferences(a))
}

// HandleDeliveryOutcome applies an outcome to its Pending record exactly once
// and publishes a disable event for permanent rejections. Persistence errors
// are retried with backoff; exhaustion drops the event.
func (o *Orchestrator) HandleDeliveryOutcome(ctx context.Context, ev events.DeliveryOutcome) error {
	log := o.log.With("job_id", ev.JobID)
	update, rejection := Classify(ev.Outcome)

	var rec *model.DeliveryRecord
	err := retry.Do(ctx, o.backoff(), func(ctx context.Context) error {
		r, err := o.store.GetDeliveryRecord(ctx, ev.JobID)
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn("no delivery record for outcome")
			return nil
		}
		if err != nil {
			return retry.RetryableError(err)
		}
		if r.Status.IsTerminal() {
			log.Info("ignoring outcome for terminal record", "status", r.Status)
			return nil
		}

		applied, err := o.store.TransitionDeliveryRecord(ctx, ev.JobID, update)
		if err != nil {
			return retry.RetryableError(err)
		}
		if !applied {
			log.Info("record already reconciled")
			return nil
		}
		rec = r
		return nil
	})
	if err != nil {
		log.Warn("dropping delivery outcome after retries", "error", err)
		return nil
	}
	if rec == nil {
		return nil
	}

	o.metrics.Outcomes.WithLabelValues(string(update.Status), update.ErrorCode).Inc()
	if update.Status == model.StatusFailed {
		log.Warn("delivery failed", "code", update.ErrorCode, "message", update.InternalMessage)
	}
	if !rejection.DisablesDestination() {
		return nil
	}

	disabled := events.DestinationDisabled{
		RejectionCode: rejection,
		DestinationID: rec.DestinationID,
		FeedID:        rec.FeedID,
	}
	err = retry.Do(ctx, o.backoff(), func(ctx context.Context) error {
		return retry.RetryableError(broker.PublishJSON(ctx, o.pub, events.SubjectDestinationDisabled, disabled))
	})
	if err != nil {
		log.Warn("publish destination disabled", "destination_id", rec.DestinationID, "error", err)
		return nil
	}
	o.metrics.Disabled.WithLabelValues("destination", string(rejection)).Inc()
	log.Info("destination disabled", "destination_id", rec.DestinationID, "code", rejection)
	return nil
}

func (o *Orchestrator) backoff() retry.Backoff {
	base := o.opts.OutcomeRetryBase
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxRetries := max(o.opts.OutcomeMaxRetries, 0)
	return retry.WithMaxRetries(uint64(maxRetries), retry.NewExponential(base))
}

// HandleFeedDeleted drops rate-limit and comparison state of the feed.
func (o *Orchestrator) HandleFeedDeleted(ctx context.Context, ev events.FeedDeleted) error {
	log := o.log.With("feed_id", ev.FeedID)
	if err := o.limiter.DeleteWindows(ctx, ev.FeedID); err != nil {
		log.Error("delete rate limit windows", "error", err)
		return err
	}
	if err := o.store.DeleteComparisonValues(ctx, ev.FeedID); err != nil {
		log.Error("delete comparison state", "error", err)
		return err
	}
	log.Info("feed state deleted")
	return nil
}
