// Package config loads the watcher configuration from the environment, an
// optional .env file and an optional bbwatch.yaml.
package config

import (
	"bb-watcher/pkg/watcher"
	"bb-watcher/scraper"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ValidationError reports a missing or malformed setting.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// IsValidationError checks if an error is a configuration error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Config is the full runtime configuration.
type Config struct {
	PortalURL             string
	StatePath             string
	DBPath                string
	BarkEndpoint          string
	GmailTo               string
	GoogleCredentialsJSON string

	PollLimit    int
	CourseLimit  int
	NavTimeout   time.Duration
	NavRetries   int
	NavRetryBase time.Duration
	SettleDelay  time.Duration

	UpdateSources []watcher.Source

	StorageBucket string
	ArchivePath   string
	Port          string
	LogLevel      string
}

var defaults = map[string]any{
	"BB_COURSES_URL":          "",
	"BB_BASE_URL":             "",
	"BB_STATE_PATH":           "data/storage_state.json",
	"DB_PATH":                 "data/state.db",
	"BARK_ENDPOINT":           "",
	"GMAIL_TO":                "",
	"GOOGLE_CREDENTIALS_JSON": "",
	"POLL_LIMIT_PER_RUN":      5,
	"COURSE_LIMIT":            0,
	"NAV_TIMEOUT":             "45s",
	"NAV_RETRIES":             3,
	"NAV_RETRY_BASE":          "400ms",
	"SETTLE_DELAY":            "300ms",
	"NOTIFY_UPDATE_SOURCES":   "assignment,grade_item",
	"STORAGE_BUCKET":          "",
	"ARCHIVE_PATH":            "data/runs",
	"PORT":                    "8080",
	"LOG_LEVEL":               "info",
}

// Load reads .env (if present), bbwatch.yaml (if present) and the
// environment, in increasing order of precedence. The result is validated.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env is optional

	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetConfigName("bbwatch")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	v.AutomaticEnv()

	cfg, err := FromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	portal := strings.TrimSpace(v.GetString("BB_COURSES_URL"))
	if portal == "" {
		portal = strings.TrimSpace(v.GetString("BB_BASE_URL"))
	}

	cfg := &Config{
		PortalURL:             portal,
		StatePath:             v.GetString("BB_STATE_PATH"),
		DBPath:                v.GetString("DB_PATH"),
		BarkEndpoint:          strings.TrimSpace(v.GetString("BARK_ENDPOINT")),
		GmailTo:               strings.TrimSpace(v.GetString("GMAIL_TO")),
		GoogleCredentialsJSON: v.GetString("GOOGLE_CREDENTIALS_JSON"),
		PollLimit:             v.GetInt("POLL_LIMIT_PER_RUN"),
		CourseLimit:           v.GetInt("COURSE_LIMIT"),
		NavRetries:            v.GetInt("NAV_RETRIES"),
		StorageBucket:         strings.TrimSpace(v.GetString("STORAGE_BUCKET")),
		ArchivePath:           v.GetString("ARCHIVE_PATH"),
		Port:                  v.GetString("PORT"),
		LogLevel:              strings.ToLower(strings.TrimSpace(v.GetString("LOG_LEVEL"))),
	}

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"NAV_TIMEOUT", &cfg.NavTimeout},
		{"NAV_RETRY_BASE", &cfg.NavRetryBase},
		{"SETTLE_DELAY", &cfg.SettleDelay},
	} {
		parsed, err := time.ParseDuration(strings.TrimSpace(v.GetString(d.key)))
		if err != nil {
			return nil, &ValidationError{Field: d.key, Reason: err.Error()}
		}
		*d.dst = parsed
	}

	for _, name := range strings.Split(v.GetString("NOTIFY_UPDATE_SOURCES"), ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		src, err := watcher.ParseSource(name)
		if err != nil {
			return nil, &ValidationError{Field: "NOTIFY_UPDATE_SOURCES", Reason: err.Error()}
		}
		cfg.UpdateSources = append(cfg.UpdateSources, src)
	}
	return cfg, nil
}

// Validate rejects settings that would make a run meaningless.
func (c *Config) Validate() error {
	switch {
	case c.PortalURL == "":
		return &ValidationError{Field: "BB_COURSES_URL", Reason: "portal URL is required (or BB_BASE_URL)"}
	case c.NavRetries < 1:
		return &ValidationError{Field: "NAV_RETRIES", Reason: "must be at least 1"}
	case c.PollLimit < 0:
		return &ValidationError{Field: "POLL_LIMIT_PER_RUN", Reason: "must not be negative"}
	case c.CourseLimit < 0:
		return &ValidationError{Field: "COURSE_LIMIT", Reason: "must not be negative"}
	case c.NavTimeout <= 0:
		return &ValidationError{Field: "NAV_TIMEOUT", Reason: "must be positive"}
	case c.NavRetryBase < 0 || c.SettleDelay < 0:
		return &ValidationError{Field: "NAV_RETRY_BASE", Reason: "delays must not be negative"}
	}
	return nil
}

// ScraperOptions maps navigation settings onto scraper options.
func (c *Config) ScraperOptions() scraper.Options {
	opts := scraper.DefaultOptions()
	opts.NavTimeout = c.NavTimeout
	opts.Retries = c.NavRetries
	opts.RetryBase = c.NavRetryBase
	opts.SettleDelay = c.SettleDelay
	opts.CourseLimit = c.CourseLimit
	return opts
}
