// Package config loads the relay configuration from a file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/samber/lo"
	"github.com/samber/oops"
	"go.uber.org/multierr"
)

// EnvPrefix is stripped from environment variables before they are mapped to keys.
const EnvPrefix = "RELAY_"

var defaultFiles = []string{"config.yaml", "config.yml", "config.json", "config.toml"}

// Config holds the application configuration.
type Config struct {
	DatabasePath string `koanf:"database_path"`
	LogLevel     string `koanf:"log_level"`
	HTTPAddr     string `koanf:"http_addr"`

	// NATSURL selects the JetStream bus. Empty runs the in-process bus.
	NATSURL    string `koanf:"nats_url"`
	NATSStream string `koanf:"nats_stream"`
	// RedisAddr moves rate-limit windows to Redis. Empty keeps them in SQLite.
	RedisAddr string `koanf:"redis_addr"`
	// TelegramBotToken enables Telegram delivery. Empty logs deliveries instead.
	TelegramBotToken string `koanf:"telegram_bot_token"`

	RegexTimeout         time.Duration `koanf:"regex_timeout"`
	FetchTimeout         time.Duration `koanf:"fetch_timeout"`
	OutcomeMaxRetries    int           `koanf:"outcome_max_retries"`
	DispatchConcurrency  int           `koanf:"dispatch_concurrency"`
	FeedEventConcurrency int           `koanf:"feed_event_concurrency"`
	OutcomeConcurrency   int           `koanf:"outcome_concurrency"`
	ScheduleTick         time.Duration `koanf:"schedule_tick"`

	Feeds []Feed `koanf:"feeds"`
}

// Feed is a subscription the built-in scheduler publishes fetch events for.
type Feed struct {
	ID                  string        `koanf:"id"`
	URL                 string        `koanf:"url"`
	ArticleDayLimit     int           `koanf:"article_day_limit"`
	BlockingComparisons []string      `koanf:"blocking_comparisons"`
	PassingComparisons  []string      `koanf:"passing_comparisons"`
	MaxArticleAge       time.Duration `koanf:"max_article_age"`
	DateFormat          string        `koanf:"date_format"`
	DateTimezone        string        `koanf:"date_timezone"`
	Destinations        []Destination `koanf:"destinations"`
}

// Destination receives the articles of a configured feed. Filter holds the
// expression tree in its wire shape.
type Destination struct {
	ID     string         `koanf:"id"`
	Kind   string         `koanf:"kind"`
	Target string         `koanf:"target"`
	Filter map[string]any `koanf:"filter"`
}

var defaults = map[string]any{
	"database_path":          "./data/relay.db",
	"log_level":              "info",
	"http_addr":              ":8080",
	"nats_stream":            "FEEDS",
	"regex_timeout":          "5s",
	"fetch_timeout":          "30s",
	"outcome_max_retries":    5,
	"dispatch_concurrency":   8,
	"feed_event_concurrency": 4,
	"outcome_concurrency":    16,
	"schedule_tick":          "10m",
}

// Load reads path (or the first default config file found in the working
// directory when path is empty), then applies RELAY_* environment overrides
// and defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path, _ = lo.Find(defaultFiles, func(name string) bool {
			_, err := os.Stat(name)
			return err == nil
		})
	}
	if path != "" {
		parser, err := parserFor(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, oops.With("config_file", path).Wrapf(err, "load config file")
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, oops.Wrapf(err, "load environment")
	}

	for key, val := range defaults {
		if k.Exists(key) {
			continue
		}
		if err := k.Set(key, val); err != nil {
			return nil, oops.With("key", key).Wrapf(err, "set default")
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Wrapf(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, oops.Wrapf(err, "invalid config")
	}
	return &cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, oops.With("config_file", path).Errorf("unsupported config file extension: %s", ext)
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if !lo.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.LogLevel)) {
		err = multierr.Append(err, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	if c.RegexTimeout <= 0 {
		err = multierr.Append(err, errors.New("regex_timeout must be positive"))
	}
	if c.FetchTimeout <= 0 {
		err = multierr.Append(err, errors.New("fetch_timeout must be positive"))
	}
	if c.OutcomeMaxRetries < 0 {
		err = multierr.Append(err, errors.New("outcome_max_retries must not be negative"))
	}
	for _, setting := range []struct {
		name string
		n    int
	}{
		{"dispatch_concurrency", c.DispatchConcurrency},
		{"feed_event_concurrency", c.FeedEventConcurrency},
		{"outcome_concurrency", c.OutcomeConcurrency},
	} {
		if setting.n <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be positive", setting.name))
		}
	}
	if len(c.Feeds) > 0 && c.ScheduleTick <= 0 {
		err = multierr.Append(err, errors.New("schedule_tick must be positive"))
	}

	ids := make(map[string]bool, len(c.Feeds))
	for i, f := range c.Feeds {
		if f.ID == "" {
			err = multierr.Append(err, fmt.Errorf("feeds[%d].id is required", i))
		} else if ids[f.ID] {
			err = multierr.Append(err, fmt.Errorf("feeds[%d].id %q is duplicated", i, f.ID))
		}
		ids[f.ID] = true
		if f.URL == "" {
			err = multierr.Append(err, fmt.Errorf("feeds[%d].url is required", i))
		}
		if f.ArticleDayLimit < 0 {
			err = multierr.Append(err, fmt.Errorf("feeds[%d].article_day_limit must not be negative", i))
		}
		for j, d := range f.Destinations {
			if d.ID == "" {
				err = multierr.Append(err, fmt.Errorf("feeds[%d].destinations[%d].id is required", i, j))
			}
		}
	}
	return err
}
