package config

import (
	"errors"
	"fmt"
)

// Validate checks the fields the engine and relay depend on. Device.ID is
// checked by the commands that need it.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory:
	case StoreRelay:
		if c.Store.URL == "" {
			return errors.New("store.url is required for the relay backend")
		}
	case StoreFirestore:
		if c.Store.ProjectID == "" {
			return errors.New("store.project_id is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	if err := validateBackend("audio.backend", c.Audio.Backend); err != nil {
		return err
	}
	if c.Audio.AssetsDir == "" {
		return errors.New("audio.assets_dir is required")
	}
	if c.Audio.Backend == BackendHardware && c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive, got %d", c.Audio.SampleRate)
	}

	if err := validateBackend("indicator.backend", c.Indicator.Backend); err != nil {
		return err
	}
	for id := range c.Indicator.Pins {
		if id <= 0 {
			return fmt.Errorf("indicator.pins: channel id %d must be positive", id)
		}
	}
	if c.Indicator.StatusChannel > 0 && c.Indicator.StatusChannel <= 5 {
		return fmt.Errorf("indicator.status_channel %d collides with a cue channel", c.Indicator.StatusChannel)
	}
	if c.Indicator.Backend == BackendHardware && c.Indicator.StatusChannel > 0 {
		if _, ok := c.Indicator.Pins[c.Indicator.StatusChannel]; !ok {
			return fmt.Errorf("indicator.status_channel %d has no pin", c.Indicator.StatusChannel)
		}
	}

	switch c.History.Replay {
	case "fresh", "all":
	default:
		return fmt.Errorf("history.replay must be fresh or all, got %q", c.History.Replay)
	}
	if c.History.ReplayGrace < 0 {
		return errors.New("history.replay_grace must not be negative")
	}

	if c.Engine.PollInterval <= 0 {
		return errors.New("engine.poll_interval must be positive")
	}
	if c.Engine.ChaseDwell <= 0 || c.Engine.ChaseTick <= 0 {
		return errors.New("engine.chase_dwell and engine.chase_tick must be positive")
	}

	if c.Speech.Enabled && c.Speech.Binary == "" {
		return errors.New("speech.binary is required when speech is enabled")
	}
	if c.Relay.HistoryRetention < 0 {
		return errors.New("relay.history_retention must not be negative")
	}
	if c.Relay.HistoryRetention > 0 && c.Relay.SweepInterval <= 0 {
		return errors.New("relay.sweep_interval must be positive when retention is set")
	}
	return nil
}

func validateBackend(field, v string) error {
	switch v {
	case BackendHardware, BackendSimulated:
		return nil
	}
	return fmt.Errorf("%s must be %s or %s, got %q", field, BackendHardware, BackendSimulated, v)
}
