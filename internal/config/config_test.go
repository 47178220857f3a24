package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.Equal(t, time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.ChaseDwell)
	assert.Equal(t, "fresh", cfg.History.Replay)
	assert.Equal(t, 30*time.Second, cfg.Indicator.StatusPulse)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cuerelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device:
  id: jetson-01
store:
  backend: relay
  url: http://relay.local:7338
history:
  replay: all
  replay_grace: 2s
engine:
  poll_interval: 250ms
mqtt:
  broker: tcp://broker:1883
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "jetson-01", cfg.Device.ID)
	assert.Equal(t, StoreRelay, cfg.Store.Backend)
	assert.Equal(t, "all", cfg.History.Replay)
	assert.Equal(t, 2*time.Second, cfg.History.ReplayGrace)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.PollInterval)
	// untouched sections keep their defaults
	assert.Equal(t, 100*time.Millisecond, cfg.Engine.ChaseTick)
	assert.Equal(t, "cuerelay", cfg.MQTT.TopicPrefix)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CUERELAY_DEVICE_ID", "dev-9")
	t.Setenv("CUERELAY_STORE_URL", "http://127.0.0.1:9000")
	t.Setenv("CUERELAY_API_KEY", "k")
	t.Setenv("CUERELAY_ASSETS_DIR", "/opt/assets")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "dev-9", cfg.Device.ID)
	assert.Equal(t, StoreRelay, cfg.Store.Backend)
	assert.Equal(t, "http://127.0.0.1:9000", cfg.Store.URL)
	assert.Equal(t, "k", cfg.Store.APIKey)
	assert.Equal(t, "/opt/assets", cfg.Audio.AssetsDir)
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvPath, "")
	assert.Equal(t, DefaultPath, ResolvePath())
	t.Setenv(EnvPath, "/etc/cuerelay.yaml")
	assert.Equal(t, "/etc/cuerelay.yaml", ResolvePath())
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"relay without url":         func(c *Config) { c.Store.Backend = StoreRelay },
		"firestore without project": func(c *Config) { c.Store.Backend = StoreFirestore },
		"unknown store":             func(c *Config) { c.Store.Backend = "redis" },
		"bad replay":                func(c *Config) { c.History.Replay = "some" },
		"zero poll":                 func(c *Config) { c.Engine.PollInterval = 0 },
		"status on cue channel":     func(c *Config) { c.Indicator.StatusChannel = 3 },
		"unknown audio backend":     func(c *Config) { c.Audio.Backend = "alsa" },
		"speech without binary":     func(c *Config) { c.Speech.Enabled = true; c.Speech.Binary = "" },
		"retention without sweep":   func(c *Config) { c.Relay.HistoryRetention = time.Hour; c.Relay.SweepInterval = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [unclosed"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
