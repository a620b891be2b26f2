package shared

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigLayersFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
  public_host: "voice.example.ro"
realtime:
  api_key: "from-file"
  function_timeout: 3s
bridge:
  idle_timeout: 45s
guardrails:
  per_minute: 5
businesses:
  "+40312345678": "salon-bella"
`), 0o600))

	t.Setenv("OPENAI_API_KEY", "from-env")
	t.Setenv("SALON_RATE_PER_HOUR", "40")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "voice.example.ro", cfg.Server.PublicHost)
	assert.Equal(t, "from-env", cfg.Realtime.APIKey)
	assert.Equal(t, 3*time.Second, cfg.Realtime.FunctionTimeout)
	assert.Equal(t, 45*time.Second, cfg.Bridge.IdleTimeout)
	assert.Equal(t, 5, cfg.Guardrails.PerMinute)
	assert.Equal(t, 40, cfg.Guardrails.PerHour)
	// untouched defaults survive the file layer
	assert.Equal(t, "/voice/stream", cfg.Server.StreamPath)
	assert.Equal(t, 1000, cfg.Guardrails.MaxLength)

	id, err := cfg.BusinessFor("+40312345678")
	require.NoError(t, err)
	assert.Equal(t, "salon-bella", id)
	_, err = cfg.BusinessFor("+40399999999")
	assert.ErrorIs(t, err, ErrUnknownBusiness)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "k")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Realtime.Model, cfg.Realtime.Model)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}, wantErr: false},
		{name: "missing api key", mutate: func(c *Config) { c.Realtime.APIKey = "" }, wantErr: true},
		{name: "rest backend without url", mutate: func(c *Config) { c.Booking.Backend = "rest" }, wantErr: true},
		{name: "postgres backend without dsn", mutate: func(c *Config) { c.Booking.Backend = "postgres" }, wantErr: true},
		{name: "unknown backend", mutate: func(c *Config) { c.Booking.Backend = "mongo" }, wantErr: true},
		{name: "zero queue", mutate: func(c *Config) { c.Bridge.InboundQueueFrames = 0 }, wantErr: true},
		{name: "inverted lengths", mutate: func(c *Config) { c.Guardrails.MaxLength = 0; c.Guardrails.MinLength = 2 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Realtime.APIKey = "k"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
