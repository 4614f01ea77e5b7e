package delivery

import (
	"context"
	"log/slog"
	"net/http"

	"rss_relay/internal/broker"
	"rss_relay/internal/events"
)

// LogSink "delivers" articles by logging them. It stands in for a real
// transport when none is configured and always reports success.
type LogSink struct {
	*async
	log *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(pub broker.Publisher, log *slog.Logger) *LogSink {
	s := &LogSink{log: log}
	s.async = newAsync(s, pub, 1, log)
	return s
}

func (s *LogSink) send(_ context.Context, job Job) events.Outcome {
	s.log.Info("deliver article",
		"job_id", job.ID,
		"feed_id", job.FeedID,
		"destination_id", job.Destination.ID,
		"article_id", job.Article.ID,
		"title", job.Article.Field("title"),
	)
	return events.Outcome{Status: http.StatusOK}
}
