// Package model defines the domain types used across the application.
package model

import "time"

// Article is a single feed item normalized for filtering and delivery.
// Flattened holds string projections of the item fields (id, title, link, ...).
// Raw is passed through untouched for downstream rendering.
type Article struct {
	ID        string
	Flattened map[string]string
	Published *time.Time
	Raw       any
}

// Field returns the flattened value for name, or "" when absent.
func (a Article) Field(name string) string {
	return a.Flattened[name]
}

// DeliveryStatus is the state of a single delivery attempt.
type DeliveryStatus string

// Supported delivery statuses. Pending is the only non-terminal status.
const (
	StatusPending     DeliveryStatus = "pending"
	StatusSent        DeliveryStatus = "sent"
	StatusRejected    DeliveryStatus = "rejected"
	StatusFailed      DeliveryStatus = "failed"
	StatusFilteredOut DeliveryStatus = "filtered_out"
	StatusRateLimited DeliveryStatus = "rate_limited"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s DeliveryStatus) IsTerminal() bool {
	return s != StatusPending
}

// ErrorCode explains a Failed delivery.
type ErrorCode string

// Failure codes.
const (
	ErrorInternal           ErrorCode = "internal"
	ErrorThirdPartyInternal ErrorCode = "third_party_internal"
)

// RejectionCode explains a Rejected delivery or a disabled feed.
type RejectionCode string

// Rejection codes. BadRequest, Forbidden and MediumNotFound disable the
// destination; InvalidFeed disables the feed.
const (
	RejectedBadRequest     RejectionCode = "BadRequest"
	RejectedForbidden      RejectionCode = "Forbidden"
	RejectedMediumNotFound RejectionCode = "MediumNotFound"
	RejectedInvalidFeed    RejectionCode = "InvalidFeed"
)

// DisablesDestination reports whether a rejection is permanent for the destination.
func (c RejectionCode) DisablesDestination() bool {
	switch c {
	case RejectedBadRequest, RejectedForbidden, RejectedMediumNotFound:
		return true
	}
	return false
}

// DeliveryRecord tracks one (feed, destination, article) delivery attempt.
// ID equals the dispatched job id for Pending records.
type DeliveryRecord struct {
	ID              string
	FeedID          string
	DestinationID   string
	ArticleID       string
	Status          DeliveryStatus
	ErrorCode       string
	InternalMessage string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DeliveryUpdate is the terminal transition applied to a Pending record.
type DeliveryUpdate struct {
	Status          DeliveryStatus
	ErrorCode       string
	InternalMessage string
}

// RateLimitWindow is a per-feed sliding counter.
type RateLimitWindow struct {
	FeedID        string
	WindowSeconds int
	Limit         int
	CurrentCount  int
	WindowStart   time.Time
}

// Remaining returns how many more deliveries fit in the window.
func (w RateLimitWindow) Remaining() int {
	if r := w.Limit - w.CurrentCount; r > 0 {
		return r
	}
	return 0
}

// ComparisonValue is a hashed field value remembered for a feed.
type ComparisonValue struct {
	Field string
	Hash  string
}
