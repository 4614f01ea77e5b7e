package fetcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/feeds"
	"github.com/mmcdole/gofeed"
)

type mockTransport struct {
	body       string
	statusCode int
	err        error
	gotUA      string
}

func (m *mockTransport) Do(req *http.Request) (*http.Response, error) {
	m.gotUA = req.Header.Get("User-Agent")
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

var fixtureTime = time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

func sampleRSS(t *testing.T) string {
	t.Helper()
	feed := &feeds.Feed{
		Title:       "DevOps Weekly",
		Link:        &feeds.Link{Href: "https://example.com"},
		Description: "Weekly DevOps news",
		Created:     fixtureTime,
		Items: []*feeds.Item{
			{
				Id:          "k8s-132",
				Title:       "Kubernetes 1.32 Released",
				Link:        &feeds.Link{Href: "https://example.com/k8s-132"},
				Description: "Sidecar containers are stable",
				Created:     fixtureTime,
			},
			{
				Title:       "Docker Desktop Update",
				Link:        &feeds.Link{Href: "https://example.com/docker"},
				Description: "New features",
				Created:     fixtureTime.Add(-time.Hour),
			},
		},
	}
	rss, err := feed.ToRss()
	if err != nil {
		t.Fatalf("render fixture: %v", err)
	}
	return rss
}

func TestFetch(t *testing.T) {
	rss := sampleRSS(t)

	tests := []struct {
		name      string
		transport *mockTransport
		wantBody  string
		wantKind  ErrorKind
	}{
		{
			name:      "successful fetch",
			transport: &mockTransport{body: rss, statusCode: 200},
			wantBody:  rss,
		},
		{
			name:      "http error status",
			transport: &mockTransport{body: "not found", statusCode: 404},
			wantKind:  KindBadStatus,
		},
		{
			name:      "network error",
			transport: &mockTransport{err: io.ErrUnexpectedEOF},
			wantKind:  KindFetch,
		},
		{
			name:      "timeout",
			transport: &mockTransport{err: context.DeadlineExceeded},
			wantKind:  KindTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.transport)
			body, err := f.Fetch(context.Background(), "https://example.com/rss")

			if tt.wantKind != "" {
				var fe *Error
				if !errors.As(err, &fe) {
					t.Fatalf("err = %v, want *Error", err)
				}
				if fe.Kind != tt.wantKind {
					t.Errorf("Kind = %q, want %q", fe.Kind, tt.wantKind)
				}
				if !fe.Transient() {
					t.Error("fetch failure should be transient")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if body != tt.wantBody {
				t.Error("body mismatch")
			}
			if tt.transport.gotUA == "" {
				t.Error("User-Agent not set")
			}
		})
	}
}

func TestParseArticles(t *testing.T) {
	got, err := ParseArticles(sampleRSS(t))
	if err != nil {
		t.Fatalf("ParseArticles: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d articles, want 2", len(got))
	}

	first := got[0]
	want := map[string]string{
		"id":          "k8s-132",
		"title":       "Kubernetes 1.32 Released",
		"link":        "https://example.com/k8s-132",
		"description": "Sidecar containers are stable",
	}
	for k, v := range want {
		if diff := cmp.Diff(v, first.Field(k)); diff != "" {
			t.Errorf("field %s mismatch (-want +got):\n%s", k, diff)
		}
	}
	if first.ID != "k8s-132" {
		t.Errorf("ID = %q", first.ID)
	}
	if first.Published == nil || !first.Published.Equal(fixtureTime) {
		t.Errorf("Published = %v, want %v", first.Published, fixtureTime)
	}
	if _, ok := first.Raw.(*gofeed.Item); !ok {
		t.Errorf("Raw = %T, want *gofeed.Item", first.Raw)
	}

	if got[1].ID == "" || got[1].Field("id") != got[1].ID {
		t.Errorf("second article id = %q, flattened %q", got[1].ID, got[1].Field("id"))
	}
}

func TestParseArticlesInvalidFeed(t *testing.T) {
	_, err := ParseArticles("not xml at all")
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if fe.Kind != KindInvalidFeed {
		t.Errorf("Kind = %q, want %q", fe.Kind, KindInvalidFeed)
	}
	if fe.Transient() {
		t.Error("invalid feed should not be transient")
	}
}

func TestItemGUID(t *testing.T) {
	tests := []struct {
		name     string
		item     *gofeed.Item
		wantGUID string
		hasHash  bool
	}{
		{
			name:     "with guid",
			item:     &gofeed.Item{GUID: "abc-123"},
			wantGUID: "abc-123",
		},
		{
			name:    "without guid generates hash",
			item:    &gofeed.Item{Title: "Post Without GUID", Link: "https://example.com/post-1"},
			hasHash: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ItemGUID(tt.item)
			if tt.hasHash {
				if !strings.HasPrefix(got, "sha256:") {
					t.Errorf("expected sha256 prefix, got %q", got)
				}
				return
			}
			if diff := cmp.Diff(tt.wantGUID, got); diff != "" {
				t.Errorf("GUID mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
