package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/multierr"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func defaultConfig() *Config {
	return &Config{
		DatabasePath:         "./data/relay.db",
		LogLevel:             "info",
		HTTPAddr:             ":8080",
		NATSStream:           "FEEDS",
		RegexTimeout:         5 * time.Second,
		FetchTimeout:         30 * time.Second,
		OutcomeMaxRetries:    5,
		DispatchConcurrency:  8,
		FeedEventConcurrency: 4,
		OutcomeConcurrency:   16,
		ScheduleTick:         10 * time.Minute,
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(defaultConfig(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_DATABASE_PATH", "/tmp/relay.db")
	t.Setenv("RELAY_LOG_LEVEL", "debug")
	t.Setenv("RELAY_REDIS_ADDR", "localhost:6379")
	t.Setenv("RELAY_REGEX_TIMEOUT", "250ms")
	t.Setenv("RELAY_OUTCOME_MAX_RETRIES", "2")
	t.Setenv("TELEGRAM_BOT_TOKEN", "ignored without prefix")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := defaultConfig()
	want.DatabasePath = "/tmp/relay.db"
	want.LogLevel = "debug"
	want.RedisAddr = "localhost:6379"
	want.RegexTimeout = 250 * time.Millisecond
	want.OutcomeMaxRetries = 2
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFiles(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml",
			file: "relay.yaml",
			content: `
http_addr: ":9090"
telegram_bot_token: tok
feeds:
  - id: go-blog
    url: https://go.dev/blog/feed.atom
    article_day_limit: 10
    blocking_comparisons: [title]
    destinations:
      - id: chan
        kind: telegram
        target: "@golang"
        filter:
          type: RELATIONAL
          op: CONTAINS
          left: {type: ARTICLE, value: title}
          right: {type: STRING, value: go}
`,
		},
		{
			name: "json",
			file: "relay.json",
			content: `{
  "http_addr": ":9090",
  "telegram_bot_token": "tok",
  "feeds": [{
    "id": "go-blog",
    "url": "https://go.dev/blog/feed.atom",
    "article_day_limit": 10,
    "blocking_comparisons": ["title"],
    "destinations": [{
      "id": "chan", "kind": "telegram", "target": "@golang",
      "filter": {"type": "RELATIONAL", "op": "CONTAINS",
        "left": {"type": "ARTICLE", "value": "title"},
        "right": {"type": "STRING", "value": "go"}}
    }]
  }]
}`,
		},
		{
			name: "toml",
			file: "relay.toml",
			content: `
http_addr = ":9090"
telegram_bot_token = "tok"

[[feeds]]
id = "go-blog"
url = "https://go.dev/blog/feed.atom"
article_day_limit = 10
blocking_comparisons = ["title"]

[[feeds.destinations]]
id = "chan"
kind = "telegram"
target = "@golang"

[feeds.destinations.filter]
type = "RELATIONAL"
op = "CONTAINS"
left = { type = "ARTICLE", value = "title" }
right = { type = "STRING", value = "go" }
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.HTTPAddr != ":9090" || cfg.TelegramBotToken != "tok" {
				t.Errorf("scalars = %q %q", cfg.HTTPAddr, cfg.TelegramBotToken)
			}
			if len(cfg.Feeds) != 1 {
				t.Fatalf("got %d feeds, want 1", len(cfg.Feeds))
			}
			f := cfg.Feeds[0]
			if f.ID != "go-blog" || f.ArticleDayLimit != 10 || len(f.BlockingComparisons) != 1 {
				t.Errorf("feed = %+v", f)
			}
			if len(f.Destinations) != 1 {
				t.Fatalf("got %d destinations, want 1", len(f.Destinations))
			}
			d := f.Destinations[0]
			if d.Target != "@golang" || d.Filter["op"] != "CONTAINS" {
				t.Errorf("destination = %+v", d)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{
			name:    "unsupported extension",
			file:    "relay.ini",
			content: "a=b",
			wantErr: "unsupported config file extension",
		},
		{
			name:    "malformed yaml",
			file:    "relay.yaml",
			content: "feeds: [",
			wantErr: "load config file",
		},
		{
			name:    "bad log level",
			file:    "relay.yaml",
			content: "log_level: loud",
			wantErr: `unknown log_level "loud"`,
		},
		{
			name: "feed without url",
			file: "relay.yaml",
			content: `
feeds:
  - id: a
  - id: a
    url: https://example.com
`,
			wantErr: "feeds[0].url is required",
		},
		{
			name: "duplicate feed id",
			file: "relay.yaml",
			content: `
feeds:
  - id: a
    url: https://example.com
  - id: a
    url: https://example.com
`,
			wantErr: `feeds[1].id "a" is duplicated`,
		},
		{
			name:    "zero concurrency",
			file:    "relay.yaml",
			content: "outcome_concurrency: 0",
			wantErr: "outcome_concurrency must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateErrorOrderIsStable(t *testing.T) {
	cfg := defaultConfig()
	cfg.DispatchConcurrency = 0
	cfg.FeedEventConcurrency = 0
	cfg.OutcomeConcurrency = 0

	want := []string{
		"dispatch_concurrency must be positive",
		"feed_event_concurrency must be positive",
		"outcome_concurrency must be positive",
	}
	for range 20 {
		var got []string
		for _, err := range multierr.Errors(cfg.Validate()) {
			got = append(got, err.Error())
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("validation errors mismatch (-want +got):\n%s", diff)
		}
	}
}
