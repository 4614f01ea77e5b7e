// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"

	"rss_relay/internal/articles"
	"rss_relay/internal/model"
	"rss_relay/internal/ratelimit"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Queries is the set of persistence operations available both directly on a
// Storage and inside a unit of work.
type Queries interface {
	InsertDeliveryRecords(ctx context.Context, records []model.DeliveryRecord) error
	GetDeliveryRecord(ctx context.Context, id string) (*model.DeliveryRecord, error)
	ListDeliveryRecords(ctx context.Context, feedID string, limit int) ([]model.DeliveryRecord, error)
	// TransitionDeliveryRecord moves a Pending record to a terminal state.
	// It reports false when the record was not Pending.
	TransitionDeliveryRecord(ctx context.Context, id string, update model.DeliveryUpdate) (bool, error)

	articles.ComparisonStore
	DeleteComparisonValues(ctx context.Context, feedID string) error

	ratelimit.Store
}

// Storage is the interface for all persistence operations.
type Storage interface {
	Queries

	// InTx runs fn in a single transaction. fn must only use the Queries it
	// is given.
	InTx(ctx context.Context, fn func(Queries) error) error

	Close() error
}
