package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("HISTORY_BASE_URL", "https://history.example")
	t.Setenv("FEED_URL", "wss://feed.example/ws")
}

func Test_Load_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, ":50051", cfg.HealthAddr)
	assert.Nil(t, cfg.AllowedOrigins)
	assert.Equal(t, 15*time.Second, cfg.HistoryTimeout)
	assert.Equal(t, 0, cfg.HistoryRetries)
	assert.Equal(t, int32(18), cfg.FeedPricePrecision)
	assert.Equal(t, 10, cfg.FeedMaxPairs)
	assert.Equal(t, "info", cfg.LogLevel)
}

func Test_Load_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("HISTORY_TIMEOUT", "3s")
	t.Setenv("HISTORY_RETRIES", "2")
	t.Setenv("HISTORY_RATE_LIMIT", "4.5")
	t.Setenv("FEED_PRICE_PRECISION", "8")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 3*time.Second, cfg.HistoryTimeout)
	assert.Equal(t, 2, cfg.HistoryRetries)
	assert.Equal(t, 4.5, cfg.HistoryRateLimit)
	assert.Equal(t, int32(8), cfg.FeedPricePrecision)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func Test_Load_EnvFile(t *testing.T) {
	// Setenv restores the variable after the test; the file must see it unset.
	t.Setenv("HISTORY_BASE_URL", "")
	require.NoError(t, os.Unsetenv("HISTORY_BASE_URL"))
	t.Setenv("FEED_URL", "wss://from-environment.example")

	path := filepath.Join(t.TempDir(), ".env")
	content := "HISTORY_BASE_URL=https://from-file.example\nFEED_URL=wss://from-file.example\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://from-file.example", cfg.HistoryBaseURL)
	assert.Equal(t, "wss://from-environment.example", cfg.FeedURL, "environment wins over the file")
}

func Test_Load_MissingEnvFile(t *testing.T) {
	setRequired(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func Test_Load_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "Missing history URL", env: map[string]string{"HISTORY_BASE_URL": ""}},
		{name: "Missing feed URL", env: map[string]string{"FEED_URL": ""}},
		{name: "Bad duration", env: map[string]string{"HISTORY_TIMEOUT": "soon"}},
		{name: "Zero timeout", env: map[string]string{"HISTORY_TIMEOUT": "0s"}},
		{name: "Bad integer", env: map[string]string{"FEED_MAX_PAIRS": "many"}},
		{name: "Negative retries", env: map[string]string{"HISTORY_RETRIES": "-1"}},
		{name: "Precision out of range", env: map[string]string{"FEED_PRICE_PRECISION": "40"}},
		{name: "Unknown log level", env: map[string]string{"LOG_LEVEL": "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load("")
			assert.Nil(t, cfg)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}
