package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"rss_relay/internal/model"
)

// SQLite's bound-parameter limit is far above this; chunking keeps single
// statements small for large feeds.
const hashChunkSize = 500

// StoredFields reports which of fields already have stored values for the feed.
func (q *queries) StoredFields(ctx context.Context, feedID string, fields []string) (map[string]bool, error) {
	out := make(map[string]bool, len(fields))
	if len(fields) == 0 {
		return out, nil
	}

	args := append([]any{feedID}, lo.ToAnySlice(fields)...)
	rows, err := q.db.QueryContext(ctx,
		`SELECT DISTINCT field FROM comparison_values
		 WHERE feed_id = ? AND field IN (`+placeholders(len(fields))+`)`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query stored fields: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var field string
		if err := rows.Scan(&field); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		out[field] = true
	}
	return out, rows.Err()
}

// SeenHashes reports which hashes are already stored for the feed and field.
func (q *queries) SeenHashes(ctx context.Context, feedID, field string, hashes []string) (map[string]bool, error) {
	out := make(map[string]bool, len(hashes))
	for _, chunk := range lo.Chunk(hashes, hashChunkSize) {
		args := append([]any{feedID, field}, lo.ToAnySlice(chunk)...)
		if err := q.collectHashes(ctx, out, args, len(chunk)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (q *queries) collectHashes(ctx context.Context, out map[string]bool, args []any, n int) error {
	rows, err := q.db.QueryContext(ctx,
		`SELECT hash FROM comparison_values
		 WHERE feed_id = ? AND field = ? AND hash IN (`+placeholders(n)+`)`, args...,
	)
	if err != nil {
		return fmt.Errorf("query seen hashes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return fmt.Errorf("scan hash: %w", err)
		}
		out[h] = true
	}
	return rows.Err()
}

// StoreComparisonValues records values, ignoring ones already stored.
func (q *queries) StoreComparisonValues(ctx context.Context, feedID string, values []model.ComparisonValue) error {
	now := time.Now().UTC().Format(timeLayout)
	for _, v := range values {
		_, err := q.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO comparison_values (feed_id, field, hash, created_at) VALUES (?, ?, ?, ?)`,
			feedID, v.Field, v.Hash, now,
		)
		if err != nil {
			return fmt.Errorf("insert comparison value: %w", err)
		}
	}
	return nil
}

// DeleteComparisonValues drops every stored value of the feed.
func (q *queries) DeleteComparisonValues(ctx context.Context, feedID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM comparison_values WHERE feed_id = ?`, feedID); err != nil {
		return fmt.Errorf("delete comparison values: %w", err)
	}
	return nil
}
