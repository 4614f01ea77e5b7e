package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"rss_relay/internal/model"
	"rss_relay/migrations"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements Queries over a connection or a transaction.
type queries struct {
	db dbtx
}

var _ Queries = (*queries)(nil)

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	*queries
	db *sql.DB
}

var _ Storage = (*SQLite)(nil)

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{queries: &queries{db: db}, db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn inside a transaction, committing when fn returns nil.
func (s *SQLite) InTx(ctx context.Context, fn func(Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// InsertDeliveryRecords inserts all records in one transaction.
func (s *SQLite) InsertDeliveryRecords(ctx context.Context, records []model.DeliveryRecord) error {
	return s.InTx(ctx, func(q Queries) error {
		return q.InsertDeliveryRecords(ctx, records)
	})
}

// StoreComparisonValues inserts all values in one transaction.
func (s *SQLite) StoreComparisonValues(ctx context.Context, feedID string, values []model.ComparisonValue) error {
	return s.InTx(ctx, func(q Queries) error {
		return q.StoreComparisonValues(ctx, feedID, values)
	})
}

// InsertDeliveryRecords stores records in one batch.
func (q *queries) InsertDeliveryRecords(ctx context.Context, records []model.DeliveryRecord) error {
	now := time.Now().UTC()
	for _, r := range records {
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}
		_, err := q.db.ExecContext(ctx,
			`INSERT INTO delivery_records
			   (id, feed_id, destination_id, article_id, status, error_code, internal_message, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.FeedID, r.DestinationID, r.ArticleID, string(r.Status), r.ErrorCode, r.InternalMessage,
			created.UTC().Format(timeLayout), created.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("insert delivery record %s: %w", r.ID, err)
		}
	}
	return nil
}

const recordColumns = `id, feed_id, destination_id, article_id, status, error_code, internal_message, created_at, updated_at`

// GetDeliveryRecord returns the record with id or ErrNotFound.
func (q *queries) GetDeliveryRecord(ctx context.Context, id string) (*model.DeliveryRecord, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM delivery_records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListDeliveryRecords returns the newest records of a feed, up to limit.
func (q *queries) ListDeliveryRecords(ctx context.Context, feedID string, limit int) ([]model.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM delivery_records
		 WHERE feed_id = ? ORDER BY created_at DESC, id LIMIT ?`, feedID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query delivery records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []model.DeliveryRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// TransitionDeliveryRecord applies update only while the record is pending and reports whether it did.
func (q *queries) TransitionDeliveryRecord(ctx context.Context, id string, update model.DeliveryUpdate) (bool, error) {
	if !update.Status.IsTerminal() {
		return false, fmt.Errorf("transition to non-terminal status %q", update.Status)
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE delivery_records
		 SET status = ?, error_code = ?, internal_message = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(update.Status), update.ErrorCode, update.InternalMessage,
		time.Now().UTC().Format(timeLayout), id, string(model.StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("update delivery record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (model.DeliveryRecord, error) {
	var r model.DeliveryRecord
	var status, created, updated string
	err := row.Scan(&r.ID, &r.FeedID, &r.DestinationID, &r.ArticleID, &status, &r.ErrorCode, &r.InternalMessage, &created, &updated)
	if err != nil {
		return r, fmt.Errorf("scan delivery record: %w", err)
	}
	r.Status = model.DeliveryStatus(status)
	r.CreatedAt, _ = time.Parse(timeLayout, created)
	r.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return r, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
