package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rovshanmuradov/eventstream/internal/feeds"
)

var validConfigJSON = `{
    "base_url": "https://api.example.com/",
    "poll_interval": "5s",
    "event_log_size": 50,
    "log": {"debug": true, "file": "logs/test.log"},
    "feeds": {
        "kyt": {"floor": "2s", "ceiling": "20s", "jitter": 0.1},
        "payment": {"max_attempts": 5}
    }
}`

var validConfigYAML = `
ws_base_url: wss://stream.example.com
feeds:
  trace:
    multiplier: 3
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "json with overrides",
			file:    "config.json",
			content: validConfigJSON,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "https://api.example.com", cfg.BaseURL)
				assert.Equal(t, "wss://api.example.com", cfg.WSBaseURL, "derived from base_url")
				assert.Equal(t, 5*time.Second, cfg.PollInterval)
				assert.Equal(t, 50, cfg.EventLogSize)
				assert.True(t, cfg.Log.Debug)
				assert.Equal(t, 50, cfg.Log.MaxSizeMB, "unset nested keys keep defaults")

				kyt := cfg.Feeds[feeds.NameKYT]
				assert.Equal(t, 2*time.Second, kyt.Floor)
				assert.Equal(t, 20*time.Second, kyt.Ceiling)
				assert.InDelta(t, 0.1, kyt.Jitter, 1e-9)
				assert.Equal(t, 2.0, kyt.Multiplier)

				pay := cfg.Feeds[feeds.NamePayment]
				assert.Equal(t, 5, pay.MaxAttempts)
				assert.Equal(t, time.Second, pay.Floor)
			},
		},
		{
			name:    "yaml with ws origin only",
			file:    "config.yaml",
			content: validConfigYAML,
			check: func(t *testing.T, cfg *Config) {
				assert.Empty(t, cfg.BaseURL)
				assert.Equal(t, "wss://stream.example.com", cfg.WSBaseURL)
				assert.Equal(t, 3.0, cfg.Feeds[feeds.NameTrace].Multiplier)
				assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
			},
		},
		{
			name:    "missing origin",
			file:    "config.json",
			content: `{"poll_interval": "1s"}`,
			wantErr: "base_url or ws_base_url is required",
		},
		{
			name:    "wrong scheme",
			file:    "config.json",
			content: `{"base_url": "ftp://api.example.com"}`,
			wantErr: "invalid base_url",
		},
		{
			name:    "ceiling below floor",
			file:    "config.json",
			content: `{"base_url": "https://api.example.com", "feeds": {"trace": {"floor": "10s", "ceiling": "1s"}}}`,
			wantErr: "feeds.trace.ceiling",
		},
		{
			name:    "unknown feed",
			file:    "config.json",
			content: `{"base_url": "https://api.example.com", "feeds": {"ticker": {"floor": "1s", "ceiling": "2s", "multiplier": 2}}}`,
			wantErr: `unknown feed "ticker"`,
		},
		{
			name:    "negative poll interval",
			file:    "config.json",
			content: `{"base_url": "https://api.example.com", "poll_interval": "-1s"}`,
			wantErr: "invalid poll_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.file, tt.content))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("EVENTSTREAM_BASE_URL", "http://localhost:8080")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:8080", cfg.WSBaseURL)
	assert.Equal(t, 7*time.Second, cfg.PollInterval)
	assert.Equal(t, 200, cfg.EventLogSize)

	for _, name := range feeds.Names {
		require.Contains(t, cfg.Feeds, name)
	}
	assert.Equal(t, time.Second, cfg.Feeds[feeds.NameTrace].Floor)
	assert.Equal(t, 10*time.Second, cfg.Feeds[feeds.NameScanner].Ceiling)
	assert.Equal(t, 5*time.Second, cfg.Feeds[feeds.NameNewsCase].Floor)
	assert.Equal(t, 30*time.Second, cfg.Feeds[feeds.NameKYT].Ceiling)
	assert.Equal(t, 3, cfg.Feeds[feeds.NamePayment].MaxAttempts)
	assert.Zero(t, cfg.Feeds[feeds.NameTrace].MaxAttempts)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "config.json", validConfigJSON)
	t.Setenv("EVENTSTREAM_POLL_INTERVAL", "9s")
	t.Setenv("EVENTSTREAM_FEEDS_NEWS_CASE_CEILING", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9*time.Second, cfg.PollInterval)
	assert.Equal(t, 45*time.Second, cfg.Feeds[feeds.NameNewsCase].Ceiling)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestConfig_FeedsEnv(t *testing.T) {
	t.Setenv("EVENTSTREAM_BASE_URL", "https://api.example.com")
	cfg, err := Load("")
	require.NoError(t, err)

	env := cfg.FeedsEnv(feeds.Env{})
	assert.Equal(t, "https://api.example.com", env.BaseURL)
	assert.Equal(t, "wss://api.example.com", env.WSBaseURL)
	assert.Equal(t, cfg.PollInterval, env.PollInterval)
	assert.Equal(t, 5*time.Second, env.Backoff[feeds.NameKYT].Floor)
}
