// Package config loads the cuerelay YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "cuerelay.yaml"
	EnvPath     = "CUERELAY_CONFIG"
)

// Store backends.
const (
	StoreMemory    = "memory"
	StoreRelay     = "relay"
	StoreFirestore = "firestore"
)

// Audio and indicator backends.
const (
	BackendHardware  = "hardware"
	BackendSimulated = "simulated"
)

type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Store     StoreConfig     `yaml:"store"`
	Audio     AudioConfig     `yaml:"audio"`
	Indicator IndicatorConfig `yaml:"indicator"`
	History   HistoryConfig   `yaml:"history"`
	Engine    EngineConfig    `yaml:"engine"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Speech    SpeechConfig    `yaml:"speech"`
	Relay     RelayConfig     `yaml:"relay"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type DeviceConfig struct {
	ID      string `yaml:"id"`
	Model   string `yaml:"model"`
	Version string `yaml:"version"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"` // memory, relay, firestore
	URL     string `yaml:"url"`     // relay base URL
	APIKey  string `yaml:"api_key"`
	// Firestore project and optional service account file.
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

type AudioConfig struct {
	Backend    string        `yaml:"backend"`
	AssetsDir  string        `yaml:"assets_dir"`
	SampleRate int           `yaml:"sample_rate"`
	Buffer     time.Duration `yaml:"buffer"`
}

type IndicatorConfig struct {
	Backend string `yaml:"backend"`
	// Pins maps channel ids to periph pin names.
	Pins          map[int]string `yaml:"pins"`
	StatusChannel int            `yaml:"status_channel"` // 0 disables the link pulse
	StatusPulse   time.Duration  `yaml:"status_pulse"`
}

type HistoryConfig struct {
	Replay      string        `yaml:"replay"` // fresh or all
	ReplayGrace time.Duration `yaml:"replay_grace"`
	SeenSize    int           `yaml:"seen_size"`
}

type EngineConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	ChaseDwell   time.Duration `yaml:"chase_dwell"`
	ChaseTick    time.Duration `yaml:"chase_tick"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the listener
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"` // empty disables telemetry
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type SpeechConfig struct {
	Enabled bool   `yaml:"enabled"`
	Binary  string `yaml:"binary"`
	Voice   string `yaml:"voice"`
	Dir     string `yaml:"dir"`
}

type RelayConfig struct {
	Addr             string        `yaml:"addr"`
	SocketPath       string        `yaml:"socket_path"`
	DBPath           string        `yaml:"db_path"`
	KeysFile         string        `yaml:"keys_file"`
	HistoryRetention time.Duration `yaml:"history_retention"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration that runs entirely simulated against an
// in-memory store.
func Default() Config {
	return Config{
		Device: DeviceConfig{Model: "Jetson Nano", Version: "1.0"},
		Store:  StoreConfig{Backend: StoreMemory},
		Audio: AudioConfig{
			Backend:    BackendSimulated,
			AssetsDir:  "assets/audios",
			SampleRate: 44100,
			Buffer:     100 * time.Millisecond,
		},
		Indicator: IndicatorConfig{
			Backend: BackendSimulated,
			Pins: map[int]string{
				1: "P1_32",
				2: "P1_33",
				3: "P1_35",
				4: "P1_36",
				5: "P1_37",
				6: "P1_31",
			},
			StatusChannel: 6,
			StatusPulse:   30 * time.Second,
		},
		History: HistoryConfig{Replay: "fresh", ReplayGrace: 5 * time.Second, SeenSize: 1024},
		Engine: EngineConfig{
			PollInterval: time.Second,
			ChaseDwell:   500 * time.Millisecond,
			ChaseTick:    100 * time.Millisecond,
		},
		MQTT:   MQTTConfig{TopicPrefix: "cuerelay"},
		Speech: SpeechConfig{Binary: "espeak-ng", Voice: "en"},
		Relay: RelayConfig{
			Addr:          "127.0.0.1:7338",
			DBPath:        "cuerelay.db",
			KeysFile:      "cuerelay.keys.yaml",
			SweepInterval: 10 * time.Minute,
		},
		Logging: LoggingConfig{Level: "INFO", Format: "CONSOLE"},
	}
}

// ResolvePath returns CUERELAY_CONFIG or the default file name.
func ResolvePath() string {
	if v := strings.TrimSpace(os.Getenv(EnvPath)); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("CUERELAY_DEVICE_ID")); v != "" {
		c.Device.ID = v
	}
	if v := strings.TrimSpace(os.Getenv("CUERELAY_STORE_URL")); v != "" {
		c.Store.URL = v
		if c.Store.Backend == StoreMemory {
			c.Store.Backend = StoreRelay
		}
	}
	if v := strings.TrimSpace(os.Getenv("CUERELAY_API_KEY")); v != "" {
		c.Store.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("CUERELAY_ASSETS_DIR")); v != "" {
		c.Audio.AssetsDir = v
	}
}
