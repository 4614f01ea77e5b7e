// Package fetcher downloads feeds and normalizes their items into articles.
package fetcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"rss_relay/internal/model"
)

const maxBodySize = 5 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ErrorKind classifies a fetch failure.
type ErrorKind string

// Fetch failure kinds. Only KindInvalidFeed is terminal for the feed.
const (
	KindInternal    ErrorKind = "internal"
	KindTimeout     ErrorKind = "timeout"
	KindBadStatus   ErrorKind = "bad_status"
	KindFetch       ErrorKind = "fetch"
	KindParse       ErrorKind = "parse"
	KindInvalidFeed ErrorKind = "invalid_feed"
)

// Error is a classified fetch or parse failure.
type Error struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s: status %d", e.URL, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether a later fetch may succeed.
func (e *Error) Transient() bool {
	return e.Kind != KindInvalidFeed
}

// Fetcher downloads feeds.
type Fetcher struct {
	client    HTTPClient
	timeout   time.Duration
	userAgent string
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{
		client:    client,
		timeout:   30 * time.Second,
		userAgent: "RSSRelay/1.0",
	}
}

// SetTimeout overrides the per-request timeout.
func (f *Fetcher) SetTimeout(d time.Duration) {
	if d > 0 {
		f.timeout = d
	}
}

// Fetch downloads the raw feed document at url. Failures are returned as *Error.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &Error{Kind: KindInternal, URL: url, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", &Error{Kind: transportKind(err), URL: url, Err: fmt.Errorf("http get: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &Error{Kind: KindBadStatus, URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", &Error{Kind: transportKind(err), URL: url, Err: fmt.Errorf("read body: %w", err)}
	}
	return string(body), nil
}

func transportKind(err error) ErrorKind {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return KindTimeout
	}
	return KindFetch
}

// ParseArticles parses a feed document into articles in source order.
// Documents that are not feeds at all fail with KindInvalidFeed; malformed
// feeds fail with KindParse.
func ParseArticles(raw string) ([]model.Article, error) {
	feed, err := gofeed.NewParser().ParseString(raw)
	if err != nil {
		kind := KindParse
		if errors.Is(err, gofeed.ErrFeedTypeNotDetected) {
			kind = KindInvalidFeed
		}
		return nil, &Error{Kind: kind, Err: fmt.Errorf("parse feed: %w", err)}
	}

	out := make([]model.Article, 0, len(feed.Items))
	for _, item := range feed.Items {
		out = append(out, toArticle(item))
	}
	return out, nil
}

func toArticle(item *gofeed.Item) model.Article {
	id := ItemGUID(item)
	flat := map[string]string{
		"id":          id,
		"title":       strings.TrimSpace(item.Title),
		"link":        strings.TrimSpace(item.Link),
		"description": strings.TrimSpace(item.Description),
		"content":     strings.TrimSpace(item.Content),
		"author":      authorName(item),
		"categories":  strings.Join(item.Categories, ", "),
	}
	if item.Image != nil {
		flat["image"] = item.Image.URL
	}

	published := item.PublishedParsed
	if published == nil {
		published = item.UpdatedParsed
	}
	if published != nil {
		flat["date"] = published.UTC().Format(time.RFC3339)
	} else if item.Published != "" {
		flat["date"] = item.Published
	}

	return model.Article{ID: id, Flattened: flat, Published: published, Raw: item}
}

func authorName(item *gofeed.Item) string {
	if item.Author != nil && item.Author.Name != "" {
		return item.Author.Name
	}
	for _, a := range item.Authors {
		if a != nil && a.Name != "" {
			return a.Name
		}
	}
	return ""
}

// ItemGUID returns the GUID for an RSS item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func ItemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}
