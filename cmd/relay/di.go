package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do/v2"
	"github.com/samber/oops"

	"rss_relay/internal/api"
	"rss_relay/internal/broker"
	"rss_relay/internal/config"
	"rss_relay/internal/delivery"
	"rss_relay/internal/events"
	"rss_relay/internal/fetcher"
	"rss_relay/internal/filter"
	"rss_relay/internal/metrics"
	"rss_relay/internal/pipeline"
	"rss_relay/internal/ratelimit"
	"rss_relay/internal/scheduler"
	"rss_relay/internal/storage"
)

// dispatchers holds the transports so they can be drained on shutdown.
type dispatchers struct {
	*delivery.Mux
	closers []interface{ Close() error }
}

// setupDI registers every relay component. Construction is lazy; invoking
// *pipeline.Orchestrator, *api.Server or *scheduler.Scheduler builds the
// graph they need.
func setupDI(ctx context.Context, cfg *config.Config, log *slog.Logger) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, log)

	do.Provide(injector, func(i do.Injector) (*storage.SQLite, error) {
		if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, oops.With("path", dir).Wrapf(err, "create data directory")
			}
		}
		store, err := storage.NewSQLite(cfg.DatabasePath)
		if err != nil {
			return nil, oops.With("path", cfg.DatabasePath).Wrapf(err, "open database")
		}
		return store, nil
	})

	do.Provide(injector, func(i do.Injector) (redis.UniversalClient, error) {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, oops.With("addr", cfg.RedisAddr).Wrapf(err, "ping redis")
		}
		return client, nil
	})

	do.Provide(injector, func(i do.Injector) (*ratelimit.Limiter, error) {
		if cfg.RedisAddr == "" {
			return ratelimit.New(do.MustInvoke[*storage.SQLite](i)), nil
		}
		client, err := do.Invoke[redis.UniversalClient](i)
		if err != nil {
			return nil, err
		}
		return ratelimit.New(ratelimit.NewRedisStore(client, "relay:ratelimit")), nil
	})

	do.Provide(injector, func(i do.Injector) (*prometheus.Registry, error) {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		return reg, nil
	})

	do.Provide(injector, func(i do.Injector) (*metrics.Metrics, error) {
		return metrics.New(do.MustInvoke[*prometheus.Registry](i)), nil
	})

	do.Provide(injector, func(i do.Injector) (broker.Bus, error) {
		if cfg.NATSURL == "" {
			log.Info("using in-process event bus")
			return broker.NewMemory(log), nil
		}
		subjects := []string{
			events.SubjectFeedFetched,
			events.SubjectDeliveryOutcome,
			events.SubjectFeedDeleted,
			events.SubjectDestinationDisabled,
			events.SubjectFeedDisabled,
		}
		bus, err := broker.NewJetStream(ctx, cfg.NATSURL, cfg.NATSStream, subjects, log)
		if err != nil {
			return nil, oops.With("url", cfg.NATSURL).Wrapf(err, "connect event bus")
		}
		return bus, nil
	})

	do.Provide(injector, func(i do.Injector) (*fetcher.Fetcher, error) {
		f := fetcher.New(http.DefaultClient)
		f.SetTimeout(cfg.FetchTimeout)
		return f, nil
	})

	do.Provide(injector, func(i do.Injector) (*filter.Engine, error) {
		return filter.NewEngine(filter.WithRegexTimeout(cfg.RegexTimeout)), nil
	})

	do.Provide(injector, func(i do.Injector) (*dispatchers, error) {
		bus := do.MustInvoke[broker.Bus](i)
		if cfg.TelegramBotToken == "" {
			log.Warn("no telegram token configured, deliveries are only logged")
			sink := delivery.NewLogSink(bus, log)
			return &dispatchers{Mux: delivery.NewMux(sink), closers: []interface{ Close() error }{sink}}, nil
		}

		tg, err := delivery.NewTelegram(cfg.TelegramBotToken, bus, cfg.DispatchConcurrency, log)
		if err != nil {
			return nil, oops.Wrapf(err, "create telegram transport")
		}
		unrouted := delivery.NewUnrouted(bus, log)
		d := &dispatchers{Mux: delivery.NewMux(unrouted), closers: []interface{ Close() error }{tg, unrouted}}
		d.Handle(delivery.KindTelegram, tg)
		return d, nil
	})

	do.Provide(injector, func(i do.Injector) (*pipeline.Orchestrator, error) {
		opts := pipeline.DefaultOptions()
		opts.OutcomeMaxRetries = cfg.OutcomeMaxRetries
		opts.FeedConcurrency = cfg.FeedEventConcurrency
		opts.OutcomeConcurrency = cfg.OutcomeConcurrency
		return pipeline.New(
			log,
			do.MustInvoke[*storage.SQLite](i),
			do.MustInvoke[*ratelimit.Limiter](i),
			do.MustInvoke[*filter.Engine](i),
			do.MustInvoke[*fetcher.Fetcher](i),
			do.MustInvoke[*dispatchers](i),
			do.MustInvoke[broker.Bus](i),
			do.MustInvoke[*metrics.Metrics](i),
			opts,
		), nil
	})

	do.Provide(injector, func(i do.Injector) (*api.Server, error) {
		return api.New(
			log,
			do.MustInvoke[*ratelimit.Limiter](i),
			do.MustInvoke[*storage.SQLite](i),
			do.MustInvoke[*filter.Engine](i),
			do.MustInvoke[*fetcher.Fetcher](i),
			do.MustInvoke[*prometheus.Registry](i),
		), nil
	})

	do.Provide(injector, func(i do.Injector) (*scheduler.Scheduler, error) {
		s, err := scheduler.New(do.MustInvoke[broker.Bus](i), cfg.Feeds, log)
		if err != nil {
			return nil, oops.Wrapf(err, "create scheduler")
		}
		s.SetTickInterval(cfg.ScheduleTick)
		return s, nil
	})

	return injector
}

// shutdownDI stops accepting events first, then drains transports, then
// closes storage.
func shutdownDI(injector do.Injector, log *slog.Logger) {
	if bus, err := do.Invoke[broker.Bus](injector); err == nil {
		if err := bus.Close(); err != nil {
			log.Error("close event bus", "error", err)
		}
	}
	if d, err := do.Invoke[*dispatchers](injector); err == nil {
		for _, c := range d.closers {
			if err := c.Close(); err != nil {
				log.Error("close dispatcher", "error", err)
			}
		}
	}
	if do.MustInvoke[*config.Config](injector).RedisAddr != "" {
		if client, err := do.Invoke[redis.UniversalClient](injector); err == nil {
			_ = client.Close()
		}
	}
	if store, err := do.Invoke[*storage.SQLite](injector); err == nil {
		if err := store.Close(); err != nil {
			log.Error("close database", "error", err)
		}
	}
}
