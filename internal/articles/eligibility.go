package articles

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/samber/lo"

	"rss_relay/internal/model"
)

const idField = "id"

// ComparisonStore remembers hashed field values seen per feed.
type ComparisonStore interface {
	// StoredFields reports which of fields already have stored values.
	StoredFields(ctx context.Context, feedID string, fields []string) (map[string]bool, error)
	// SeenHashes reports which of hashes are stored for field.
	SeenHashes(ctx context.Context, feedID, field string, hashes []string) (map[string]bool, error)
	// StoreComparisonValues inserts values, ignoring ones already stored.
	StoreComparisonValues(ctx context.Context, feedID string, values []model.ComparisonValue) error
}

// EligibilityOptions configures comparison tracking for one feed.
type EligibilityOptions struct {
	BlockingComparisons []string
	PassingComparisons  []string
	// MaxAge drops articles published before now-MaxAge. Zero disables it.
	MaxAge time.Duration
	Now    time.Time
}

// Eligible returns the articles that should be delivered, in source order,
// and records every id and comparison value it saw.
//
// The first call for a feed only seeds the stored state. After that a new
// article (unseen id) is blocked when any blocking field value was seen
// before, and a seen article is re-admitted when any passing field carries a
// value not seen before. Comparisons only apply to fields that already had
// stored values before this call.
func Eligible(ctx context.Context, store ComparisonStore, feedID string, all []model.Article, opts EligibilityOptions) ([]model.Article, error) {
	if len(all) == 0 {
		return nil, nil
	}

	fields := lo.Uniq(append(append([]string{idField}, opts.BlockingComparisons...), opts.PassingComparisons...))
	stored, err := store.StoredFields(ctx, feedID, fields)
	if err != nil {
		return nil, fmt.Errorf("load stored fields: %w", err)
	}

	if !stored[idField] {
		if err := storeValues(ctx, store, feedID, all, fields); err != nil {
			return nil, err
		}
		return nil, nil
	}

	seen := make(map[string]map[string]bool, len(fields))
	for _, field := range fields {
		if !stored[field] {
			continue
		}
		hashes := lo.Uniq(lo.FilterMap(all, func(a model.Article, _ int) (string, bool) {
			v := a.Field(field)
			return HashValue(v), v != ""
		}))
		s, err := store.SeenHashes(ctx, feedID, field, hashes)
		if err != nil {
			return nil, fmt.Errorf("load seen %s values: %w", field, err)
		}
		seen[field] = s
	}

	seenValue := func(a model.Article, field string) (bool, bool) {
		v := a.Field(field)
		if v == "" || !stored[field] {
			return false, false
		}
		return seen[field][HashValue(v)], true
	}

	eligible := lo.Filter(all, func(a model.Article, _ int) bool {
		if known, _ := seenValue(a, idField); !known {
			return !lo.SomeBy(opts.BlockingComparisons, func(field string) bool {
				wasSeen, ok := seenValue(a, field)
				return ok && wasSeen
			})
		}
		return lo.SomeBy(opts.PassingComparisons, func(field string) bool {
			wasSeen, ok := seenValue(a, field)
			return ok && !wasSeen
		})
	})

	if opts.MaxAge > 0 {
		cutoff := opts.Now.Add(-opts.MaxAge)
		eligible = lo.Filter(eligible, func(a model.Article, _ int) bool {
			return a.Published == nil || !a.Published.Before(cutoff)
		})
	}

	if err := storeValues(ctx, store, feedID, all, fields); err != nil {
		return nil, err
	}
	return eligible, nil
}

func storeValues(ctx context.Context, store ComparisonStore, feedID string, all []model.Article, fields []string) error {
	var values []model.ComparisonValue
	for _, a := range all {
		for _, field := range fields {
			if v := a.Field(field); v != "" {
				values = append(values, model.ComparisonValue{Field: field, Hash: HashValue(v)})
			}
		}
	}
	if err := store.StoreComparisonValues(ctx, feedID, lo.Uniq(values)); err != nil {
		return fmt.Errorf("store comparison values: %w", err)
	}
	return nil
}

// HashValue returns the stored form of a field value.
func HashValue(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}
