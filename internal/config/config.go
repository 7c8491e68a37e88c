// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rovshanmuradov/eventstream/internal/backoff"
	"github.com/rovshanmuradov/eventstream/internal/feeds"
)

type LogConfig struct {
	Debug      bool   `mapstructure:"debug"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type Config struct {
	BaseURL      string                    `mapstructure:"base_url"`
	WSBaseURL    string                    `mapstructure:"ws_base_url"`
	PollInterval time.Duration             `mapstructure:"poll_interval"`
	HTTPTimeout  time.Duration             `mapstructure:"http_timeout"`
	EventLogSize int                       `mapstructure:"event_log_size"`
	MetricsAddr  string                    `mapstructure:"metrics_addr"`
	Log          LogConfig                 `mapstructure:"log"`
	Feeds        map[string]backoff.Config `mapstructure:"feeds"`
}

const (
	DefaultPollInterval = 7 * time.Second
	DefaultHTTPTimeout  = 15 * time.Second
	DefaultEventLogSize = 200
	DefaultLogFile      = "logs/eventstream.log"

	EnvPrefix = "EVENTSTREAM"
)

type feedDefaults struct {
	floor, ceiling time.Duration
	maxAttempts    int
}

var feedDefaultsByName = map[string]feedDefaults{
	feeds.NameTrace:    {floor: time.Second, ceiling: 10 * time.Second},
	feeds.NameScanner:  {floor: time.Second, ceiling: 10 * time.Second},
	feeds.NamePayment:  {floor: time.Second, ceiling: 10 * time.Second, maxAttempts: 3},
	feeds.NameKYT:      {floor: 5 * time.Second, ceiling: 30 * time.Second},
	feeds.NameNewsCase: {floor: 5 * time.Second, ceiling: 30 * time.Second},
	feeds.NameChat:     {floor: time.Second, ceiling: 10 * time.Second},
}

// Load reads path (json, yaml or toml by extension) over the defaults and
// applies EVENTSTREAM_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()

	defaults := map[string]interface{}{
		"poll_interval":    DefaultPollInterval,
		"http_timeout":     DefaultHTTPTimeout,
		"event_log_size":   DefaultEventLogSize,
		"base_url":         "",
		"ws_base_url":      "",
		"metrics_addr":     "",
		"log.debug":        false,
		"log.file":         DefaultLogFile,
		"log.max_size_mb":  50,
		"log.max_backups":  3,
		"log.max_age_days": 14,
		"log.compress":     true,
	}
	for name, d := range feedDefaultsByName {
		prefix := "feeds." + name + "."
		defaults[prefix+"floor"] = d.floor
		defaults[prefix+"ceiling"] = d.ceiling
		defaults[prefix+"multiplier"] = backoff.DefaultMultiplier
		defaults[prefix+"max_attempts"] = d.maxAttempts
		defaults[prefix+"jitter"] = 0.0
		defaults[prefix+"disabled"] = name == feeds.NameChat
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.WSBaseURL = strings.TrimRight(strings.TrimSpace(cfg.WSBaseURL), "/")
	if cfg.WSBaseURL == "" {
		cfg.WSBaseURL = feeds.WebSocketOrigin(cfg.BaseURL)
	}

	return &cfg, validateConfig(&cfg)
}

func validateConfig(cfg *Config) error {
	if cfg.BaseURL == "" && cfg.WSBaseURL == "" {
		return errors.New("base_url or ws_base_url is required")
	}
	if cfg.BaseURL != "" {
		if err := validateURL(cfg.BaseURL, "http"); err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
	}
	if err := validateURL(cfg.WSBaseURL, "ws"); err != nil {
		return fmt.Errorf("invalid ws_base_url: %w", err)
	}
	if err := validateNumericParams(cfg); err != nil {
		return err
	}
	for name, fc := range cfg.Feeds {
		if err := validateFeed(name, fc); err != nil {
			return err
		}
	}
	return nil
}

func validateNumericParams(cfg *Config) error {
	if cfg.PollInterval <= 0 {
		return errors.New("invalid poll_interval")
	}
	if cfg.HTTPTimeout <= 0 {
		return errors.New("invalid http_timeout")
	}
	if cfg.EventLogSize <= 0 {
		return errors.New("invalid event_log_size")
	}
	if cfg.Log.MaxSizeMB < 0 || cfg.Log.MaxBackups < 0 || cfg.Log.MaxAgeDays < 0 {
		return errors.New("invalid log rotation settings")
	}
	return nil
}

func validateFeed(name string, fc backoff.Config) error {
	if _, ok := feedDefaultsByName[name]; !ok {
		return fmt.Errorf("unknown feed %q", name)
	}
	switch {
	case fc.Floor <= 0:
		return fmt.Errorf("feeds.%s.floor must be positive", name)
	case fc.Ceiling < fc.Floor:
		return fmt.Errorf("feeds.%s.ceiling must not be below floor", name)
	case fc.Multiplier < 1:
		return fmt.Errorf("feeds.%s.multiplier must be at least 1", name)
	case fc.MaxAttempts < 0:
		return fmt.Errorf("feeds.%s.max_attempts must not be negative", name)
	case fc.Jitter < 0 || fc.Jitter > 1:
		return fmt.Errorf("feeds.%s.jitter must be within [0, 1]", name)
	}
	return nil
}

func validateURL(rawURL string, protocol string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) || parsed.Host == "" {
		return fmt.Errorf("%q must be an absolute %s(s) URL", rawURL, protocol)
	}
	return nil
}

// FeedsEnv fills the configuration-derived parts of a feeds.Env.
func (c *Config) FeedsEnv(env feeds.Env) feeds.Env {
	env.BaseURL = c.BaseURL
	env.WSBaseURL = c.WSBaseURL
	env.PollInterval = c.PollInterval
	env.EventLogSize = c.EventLogSize
	env.Backoff = c.Feeds
	return env
}
