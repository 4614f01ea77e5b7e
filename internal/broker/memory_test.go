package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryDeliversToSubscribers(t *testing.T) {
	bus := NewMemory(discardLogger())
	t.Cleanup(func() { _ = bus.Close() })
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	for _, name := range []string{"a", "b"} {
		err := bus.Subscribe(ctx, Subscription{
			Subject: "feed.deleted",
			Handler: func(_ context.Context, data []byte) error {
				mu.Lock()
				got = append(got, name+":"+string(data))
				mu.Unlock()
				return nil
			},
		})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	if err := bus.Publish(ctx, "feed.deleted", []byte("1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := bus.Publish(ctx, "other", []byte("ignored")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	bus.Wait()

	if len(got) != 2 {
		t.Errorf("got %v, want one delivery per subscriber", got)
	}
}

func TestMemoryConcurrencyLimit(t *testing.T) {
	bus := NewMemory(discardLogger())
	t.Cleanup(func() { _ = bus.Close() })
	ctx := context.Background()

	var inFlight, peak atomic.Int32
	err := bus.Subscribe(ctx, Subscription{
		Subject:     "work",
		Concurrency: 2,
		Handler: func(context.Context, []byte) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for range 10 {
		if err := bus.Publish(ctx, "work", nil); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	bus.Wait()

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestMemoryHandlerPublishes(t *testing.T) {
	bus := NewMemory(discardLogger())
	t.Cleanup(func() { _ = bus.Close() })
	ctx := context.Background()

	var done atomic.Bool
	_ = bus.Subscribe(ctx, Subscription{Subject: "first", Handler: func(ctx context.Context, _ []byte) error {
		return bus.Publish(ctx, "second", nil)
	}})
	_ = bus.Subscribe(ctx, Subscription{Subject: "second", Handler: func(context.Context, []byte) error {
		done.Store(true)
		return errors.New("logged only")
	}})

	if err := bus.Publish(ctx, "first", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	bus.Wait()

	if !done.Load() {
		t.Error("chained message not delivered")
	}
}

func TestMemoryClosed(t *testing.T) {
	bus := NewMemory(discardLogger())
	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := bus.Publish(context.Background(), "x", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after close = %v, want ErrClosed", err)
	}
	if err := bus.Subscribe(context.Background(), Subscription{Subject: "x"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after close = %v, want ErrClosed", err)
	}
}

func TestPublishJSON(t *testing.T) {
	bus := NewMemory(discardLogger())
	t.Cleanup(func() { _ = bus.Close() })
	ctx := context.Background()

	got := make(chan string, 1)
	_ = bus.Subscribe(ctx, Subscription{Subject: "json", Handler: func(_ context.Context, data []byte) error {
		got <- string(data)
		return nil
	}})

	if err := PublishJSON(ctx, bus, "json", map[string]string{"feedId": "f1"}); err != nil {
		t.Fatalf("PublishJSON: %v", err)
	}
	bus.Wait()

	if s := <-got; s != `{"feedId":"f1"}` {
		t.Errorf("payload = %s", s)
	}
}
