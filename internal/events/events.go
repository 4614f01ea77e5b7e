// Package events defines the messages exchanged with the event bus.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"rss_relay/internal/model"
)

// Bus subjects.
const (
	SubjectFeedFetched         = "feed.deliver-articles"
	SubjectDeliveryOutcome     = "feed.article-delivery-result"
	SubjectFeedDeleted         = "feed.deleted"
	SubjectDestinationDisabled = "feed.rejected-article-disable-connection"
	SubjectFeedDisabled        = "feed.rejected-disable-feed"
)

// FeedFetched asks the pipeline to deliver new articles of one feed.
type FeedFetched struct {
	FeedID              string        `json:"feedId"`
	URL                 string        `json:"url"`
	BlockingComparisons []string      `json:"blockingComparisons,omitempty"`
	PassingComparisons  []string      `json:"passingComparisons,omitempty"`
	FormatOptions       FormatOptions `json:"formatOptions"`
	DateChecks          DateChecks    `json:"dateChecks"`
	Destinations        []Destination `json:"destinations"`
	ArticleDayLimit     int           `json:"articleDayLimit"`
	// Timestamp is the publish time in unix milliseconds.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// FormatOptions control how delivered articles are rendered.
type FormatOptions struct {
	DateFormat   string `json:"dateFormat,omitempty"`
	DateTimezone string `json:"dateTimezone,omitempty"`
}

// DateChecks skip articles older than the threshold. Zero disables the check.
type DateChecks struct {
	OldArticleDateDiffMsThreshold int64 `json:"oldArticleDateDiffMsThreshold,omitempty"`
}

// MaxAge returns the threshold as a duration.
func (d DateChecks) MaxAge() time.Duration {
	return time.Duration(d.OldArticleDateDiffMsThreshold) * time.Millisecond
}

// Destination is a downstream target receiving articles of the feed.
type Destination struct {
	ID     string          `json:"id"`
	Kind   string          `json:"kind"`
	Target string          `json:"target"`
	Filter json.RawMessage `json:"filter,omitempty"`
}

// Validate reports missing or out-of-range fields.
func (e FeedFetched) Validate() error {
	var err error
	if e.FeedID == "" {
		err = multierr.Append(err, errors.New("feedId is required"))
	}
	if e.URL == "" {
		err = multierr.Append(err, errors.New("url is required"))
	}
	if e.ArticleDayLimit < 0 {
		err = multierr.Append(err, fmt.Errorf("articleDayLimit must not be negative, got %d", e.ArticleDayLimit))
	}
	if e.DateChecks.OldArticleDateDiffMsThreshold < 0 {
		err = multierr.Append(err, errors.New("dateChecks.oldArticleDateDiffMsThreshold must not be negative"))
	}
	for i, d := range e.Destinations {
		if d.ID == "" {
			err = multierr.Append(err, fmt.Errorf("destinations[%d].id is required", i))
		}
	}
	return err
}

// Outcome is what the transport reported for one job. Either TransportError
// is set or Status carries an HTTP-like code.
type Outcome struct {
	TransportError string `json:"transportError,omitempty"`
	Status         int    `json:"status,omitempty"`
	Body           string `json:"body,omitempty"`
}

// DeliveryOutcome correlates a transport result with a dispatched job.
type DeliveryOutcome struct {
	JobID   string  `json:"jobId"`
	Outcome Outcome `json:"outcome"`
}

// Validate reports missing fields.
func (e DeliveryOutcome) Validate() error {
	var err error
	if e.JobID == "" {
		err = multierr.Append(err, errors.New("jobId is required"))
	}
	if e.Outcome.TransportError == "" && e.Outcome.Status == 0 {
		err = multierr.Append(err, errors.New("outcome needs a transport error or a status"))
	}
	return err
}

// FeedDeleted removes all per-feed pipeline state.
type FeedDeleted struct {
	FeedID string `json:"feedId"`
}

// Validate reports missing fields.
func (e FeedDeleted) Validate() error {
	if e.FeedID == "" {
		return errors.New("feedId is required")
	}
	return nil
}

// DestinationDisabled is published when a destination permanently rejects deliveries.
type DestinationDisabled struct {
	RejectionCode model.RejectionCode `json:"rejectionCode"`
	DestinationID string              `json:"destinationId"`
	FeedID        string              `json:"feedId"`
}

// FeedDisabled is published when a feed can no longer be processed.
type FeedDisabled struct {
	RejectionCode model.RejectionCode `json:"rejectionCode"`
	FeedID        string              `json:"feedId"`
}
