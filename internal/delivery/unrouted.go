package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"rss_relay/internal/broker"
	"rss_relay/internal/events"
)

// Unrouted answers jobs whose destination kind has no transport with a
// bad request outcome, so the record is rejected instead of left pending.
type Unrouted struct {
	*async
	log *slog.Logger
}

// NewUnrouted creates an Unrouted dispatcher.
func NewUnrouted(pub broker.Publisher, log *slog.Logger) *Unrouted {
	u := &Unrouted{log: log}
	u.async = newAsync(u, pub, 1, log)
	return u
}

func (u *Unrouted) send(_ context.Context, job Job) events.Outcome {
	u.log.Warn("no transport for destination kind",
		"job_id", job.ID,
		"destination_id", job.Destination.ID,
		"kind", job.Destination.Kind,
	)
	return events.Outcome{
		Status: http.StatusBadRequest,
		Body:   fmt.Sprintf("no transport for destination kind %q", job.Destination.Kind),
	}
}
