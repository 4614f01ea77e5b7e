package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"rss_relay/internal/articles"
	"rss_relay/internal/model"
	"rss_relay/internal/ratelimit"
)

var ignoreRecordTS = cmpopts.IgnoreFields(model.DeliveryRecord{}, "CreatedAt", "UpdatedAt")

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDeliveryRecords(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	records := []model.DeliveryRecord{
		{ID: "job-1", FeedID: "feed", DestinationID: "dest", ArticleID: "a1", Status: model.StatusPending},
		{ID: "rec-2", FeedID: "feed", DestinationID: "dest", ArticleID: "a2", Status: model.StatusFilteredOut},
	}
	if err := s.InsertDeliveryRecords(ctx, records); err != nil {
		t.Fatalf("InsertDeliveryRecords: %v", err)
	}

	got, err := s.GetDeliveryRecord(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetDeliveryRecord: %v", err)
	}
	if diff := cmp.Diff(records[0], *got, ignoreRecordTS); diff != "" {
		t.Errorf("GetDeliveryRecord mismatch (-want +got):\n%s", diff)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	list, err := s.ListDeliveryRecords(ctx, "feed", 10)
	if err != nil {
		t.Fatalf("ListDeliveryRecords: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("ListDeliveryRecords returned %d records, want 2", len(list))
	}

	if _, err := s.GetDeliveryRecord(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDeliveryRecord(missing) error = %v, want ErrNotFound", err)
	}
}

func TestInsertDeliveryRecordsIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	records := []model.DeliveryRecord{
		{ID: "dup", FeedID: "feed", DestinationID: "d", Status: model.StatusPending},
		{ID: "dup", FeedID: "feed", DestinationID: "d", Status: model.StatusPending},
	}
	if err := s.InsertDeliveryRecords(ctx, records); err == nil {
		t.Fatal("expected duplicate key error")
	}
	if _, err := s.GetDeliveryRecord(ctx, "dup"); !errors.Is(err, ErrNotFound) {
		t.Errorf("first record persisted despite failed batch: %v", err)
	}
}

func TestTransitionDeliveryRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	if err := s.InsertDeliveryRecords(ctx, []model.DeliveryRecord{
		{ID: "job", FeedID: "feed", DestinationID: "dest", Status: model.StatusPending},
	}); err != nil {
		t.Fatalf("InsertDeliveryRecords: %v", err)
	}

	applied, err := s.TransitionDeliveryRecord(ctx, "job", model.DeliveryUpdate{Status: model.StatusSent})
	if err != nil || !applied {
		t.Fatalf("first transition = %v, %v; want applied", applied, err)
	}

	applied, err = s.TransitionDeliveryRecord(ctx, "job", model.DeliveryUpdate{
		Status:    model.StatusRejected,
		ErrorCode: string(model.RejectedForbidden),
	})
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if applied {
		t.Error("second transition applied to a terminal record")
	}

	got, err := s.GetDeliveryRecord(ctx, "job")
	if err != nil {
		t.Fatalf("GetDeliveryRecord: %v", err)
	}
	if got.Status != model.StatusSent {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusSent)
	}

	if _, err := s.TransitionDeliveryRecord(ctx, "job", model.DeliveryUpdate{Status: model.StatusPending}); err == nil {
		t.Error("expected error for transition to pending")
	}
}

func TestInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	boom := errors.New("boom")

	err := s.InTx(ctx, func(q Queries) error {
		if err := q.InsertDeliveryRecords(ctx, []model.DeliveryRecord{
			{ID: "job", FeedID: "feed", DestinationID: "dest", Status: model.StatusPending},
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v, want boom", err)
	}
	if _, err := s.GetDeliveryRecord(ctx, "job"); !errors.Is(err, ErrNotFound) {
		t.Errorf("record survived rollback: %v", err)
	}
}

func TestComparisonValues(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	values := []model.ComparisonValue{
		{Field: "id", Hash: articles.HashValue("1")},
		{Field: "title", Hash: articles.HashValue("hello")},
	}
	if err := s.StoreComparisonValues(ctx, "feed", values); err != nil {
		t.Fatalf("StoreComparisonValues: %v", err)
	}
	// Stored values are ignored on repeat.
	if err := s.StoreComparisonValues(ctx, "feed", values); err != nil {
		t.Fatalf("StoreComparisonValues repeat: %v", err)
	}

	fields, err := s.StoredFields(ctx, "feed", []string{"id", "title", "link"})
	if err != nil {
		t.Fatalf("StoredFields: %v", err)
	}
	if diff := cmp.Diff(map[string]bool{"id": true, "title": true}, fields); diff != "" {
		t.Errorf("StoredFields mismatch (-want +got):\n%s", diff)
	}

	seen, err := s.SeenHashes(ctx, "feed", "id", []string{articles.HashValue("1"), articles.HashValue("2")})
	if err != nil {
		t.Fatalf("SeenHashes: %v", err)
	}
	if diff := cmp.Diff(map[string]bool{articles.HashValue("1"): true}, seen); diff != "" {
		t.Errorf("SeenHashes mismatch (-want +got):\n%s", diff)
	}

	if err := s.DeleteComparisonValues(ctx, "feed"); err != nil {
		t.Fatalf("DeleteComparisonValues: %v", err)
	}
	fields, err = s.StoredFields(ctx, "feed", []string{"id"})
	if err != nil {
		t.Fatalf("StoredFields: %v", err)
	}
	if len(fields) != 0 {
		t.Errorf("StoredFields after delete = %v, want empty", fields)
	}
}

func TestEligibleWithSQLite(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	batch := func(ids ...string) []model.Article {
		var out []model.Article
		for _, id := range ids {
			out = append(out, model.Article{ID: id, Flattened: map[string]string{"id": id}})
		}
		return out
	}

	got, err := articles.Eligible(ctx, s, "feed", batch("1", "2"), articles.EligibilityOptions{})
	if err != nil {
		t.Fatalf("Eligible seed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("seed run delivered %d articles", len(got))
	}

	err = s.InTx(ctx, func(q Queries) error {
		got, err = articles.Eligible(ctx, q, "feed", batch("1", "2", "3"), articles.EligibilityOptions{})
		return err
	})
	if err != nil {
		t.Fatalf("Eligible: %v", err)
	}
	if len(got) != 1 || got[0].ID != "3" {
		t.Errorf("Eligible() = %+v, want only article 3", got)
	}
}

func TestWindowStore(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	l := ratelimit.New(s)
	l.SetClock(func() time.Time { return now })

	if err := l.AddOrUpdateWindow(ctx, "feed", ratelimit.WindowConfig{WindowSeconds: 60, Limit: 2}, false); err != nil {
		t.Fatalf("AddOrUpdateWindow: %v", err)
	}

	want := []ratelimit.Decision{
		{Allowed: true, Remaining: 1},
		{Allowed: true, Remaining: 0},
		{Allowed: false, Remaining: 0},
	}
	for i, w := range want {
		got, err := l.TryConsume(ctx, "feed", 60)
		if err != nil {
			t.Fatalf("TryConsume #%d: %v", i, err)
		}
		if diff := cmp.Diff(w, got); diff != "" {
			t.Errorf("TryConsume #%d mismatch (-want +got):\n%s", i, diff)
		}
	}

	if err := l.AddOrUpdateWindow(ctx, "feed", ratelimit.WindowConfig{WindowSeconds: 60, Limit: 5}, false); err != nil {
		t.Fatalf("AddOrUpdateWindow: %v", err)
	}
	windows, err := l.Windows(ctx, "feed")
	if err != nil {
		t.Fatalf("Windows: %v", err)
	}
	wantWindows := []model.RateLimitWindow{{FeedID: "feed", WindowSeconds: 60, Limit: 5, CurrentCount: 2, WindowStart: now}}
	if diff := cmp.Diff(wantWindows, windows); diff != "" {
		t.Errorf("Windows mismatch (-want +got):\n%s", diff)
	}

	now = now.Add(time.Minute)
	got, err := l.TryConsume(ctx, "feed", 60)
	if err != nil {
		t.Fatalf("TryConsume after expiry: %v", err)
	}
	if diff := cmp.Diff(ratelimit.Decision{Allowed: true, Remaining: 4}, got); diff != "" {
		t.Errorf("after expiry mismatch (-want +got):\n%s", diff)
	}

	got, err = l.TryConsume(ctx, "other", 60)
	if err != nil {
		t.Fatalf("TryConsume unknown feed: %v", err)
	}
	if diff := cmp.Diff(ratelimit.Decision{Allowed: true, Remaining: ratelimit.Unlimited}, got); diff != "" {
		t.Errorf("unknown feed mismatch (-want +got):\n%s", diff)
	}

	if err := l.DeleteWindows(ctx, "feed"); err != nil {
		t.Fatalf("DeleteWindows: %v", err)
	}
	windows, err = l.Windows(ctx, "feed")
	if err != nil {
		t.Fatalf("Windows: %v", err)
	}
	if len(windows) != 0 {
		t.Errorf("Windows after delete = %+v", windows)
	}
}

func TestWindowStoreConcurrentConsume(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	l := ratelimit.New(s)

	if err := l.AddOrUpdateWindow(ctx, "feed", ratelimit.WindowConfig{WindowSeconds: ratelimit.DayWindow, Limit: 1}, false); err != nil {
		t.Fatalf("AddOrUpdateWindow: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.TryConsume(ctx, "feed", ratelimit.DayWindow)
			if err != nil {
				t.Errorf("TryConsume: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 1 {
		t.Errorf("allowed = %d, want 1", allowed)
	}
}
