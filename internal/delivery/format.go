package delivery

import (
	"strings"
	"time"
	"unicode/utf8"

	"rss_relay/internal/events"
	"rss_relay/internal/model"
)

const (
	maxDescriptionRunes = 300
	defaultDateFormat   = "2006-01-02 15:04 MST"
)

// FormatMessage renders an article as a plain text notification.
func FormatMessage(a model.Article, opts events.FormatOptions) string {
	var b strings.Builder
	b.WriteString(a.Field("title"))

	if date := formatDate(a.Published, opts); date != "" {
		b.WriteString("\n")
		b.WriteString(date)
	}
	if desc := truncate(a.Field("description"), maxDescriptionRunes); desc != "" {
		b.WriteString("\n\n")
		b.WriteString(desc)
	}
	if link := a.Field("link"); link != "" {
		b.WriteString("\n\n")
		b.WriteString(link)
	}
	return strings.TrimSpace(b.String())
}

func formatDate(t *time.Time, opts events.FormatOptions) string {
	if t == nil {
		return ""
	}
	loc := time.UTC
	if opts.DateTimezone != "" {
		if l, err := time.LoadLocation(opts.DateTimezone); err == nil {
			loc = l
		}
	}
	layout := opts.DateFormat
	if layout == "" {
		layout = defaultDateFormat
	}
	return t.In(loc).Format(layout)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
