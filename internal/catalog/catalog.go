// Package catalog holds the static cue table: which audio asset answers a
// behavior/level pair, and which indicator channel lights up for an asset.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mistakeknot/cuerelay/internal/core"
	"github.com/mistakeknot/cuerelay/internal/indicator"
)

var (
	ErrUnknownCue   = errors.New("no cue for behavior/level")
	ErrAssetMissing = errors.New("audio asset missing")
)

// Asset file names shipped in the assets directory.
const (
	AssetSleepyEyeLevel1 = "sleepy_eye_level_1_and_yawn.wav"
	AssetSleepyEyeLevel2 = "sleepy_eye_level_2.wav"
	AssetSleepyEyeLevel3 = "sleepy_eye_level_3.wav"
	AssetPhone           = "phone.wav"
	AssetLookAway        = "look_away.wav"
	AssetStopCarWarning  = "stop_car_warning.wav"
)

type Asset struct {
	ID   string // file name, also the channel lookup key
	Path string
}

type cueKey struct {
	behavior core.Behavior
	level    int
}

type Catalog struct {
	dir          string
	cues         map[cueKey]string
	leveled      map[core.Behavior]bool
	channels     map[string]indicator.ChannelID
	continuation map[cueKey]string
	stat         func(string) error
}

// Default returns the cue table the sensing pipeline is built against.
// Yawn shares the level-1 drowsiness clip.
func Default(dir string) *Catalog {
	return &Catalog{
		dir: dir,
		cues: map[cueKey]string{
			{core.BehaviorSleepyEye, 1}: AssetSleepyEyeLevel1,
			{core.BehaviorSleepyEye, 2}: AssetSleepyEyeLevel2,
			{core.BehaviorSleepyEye, 3}: AssetSleepyEyeLevel3,
			{core.BehaviorYawn, 0}:      AssetSleepyEyeLevel1,
			{core.BehaviorPhone, 0}:     AssetPhone,
			{core.BehaviorLookAway, 0}:  AssetLookAway,
		},
		leveled: map[core.Behavior]bool{core.BehaviorSleepyEye: true},
		channels: map[string]indicator.ChannelID{
			AssetSleepyEyeLevel1: 1,
			AssetSleepyEyeLevel2: 2,
			AssetSleepyEyeLevel3: 3,
			AssetPhone:           4,
			AssetLookAway:        5,
		},
		continuation: map[cueKey]string{
			{core.BehaviorSleepyEye, 3}: AssetStopCarWarning,
		},
		stat: func(p string) error {
			_, err := os.Stat(p)
			return err
		},
	}
}

// Dir is the assets directory.
func (c *Catalog) Dir() string { return c.dir }

// Resolve maps a behavior and level to an asset that exists on disk. Level
// only matters for leveled behaviors.
func (c *Catalog) Resolve(b core.Behavior, level int) (Asset, error) {
	key := cueKey{behavior: b}
	if c.leveled[b] {
		key.level = level
	}
	id, ok := c.cues[key]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s level %d", ErrUnknownCue, b, level)
	}
	return c.asset(id)
}

// Continuation returns the clip chained after the primary cue, if any.
func (c *Catalog) Continuation(b core.Behavior, level int) (Asset, bool, error) {
	if !c.leveled[b] {
		level = 0
	}
	id, ok := c.continuation[cueKey{behavior: b, level: level}]
	if !ok {
		return Asset{}, false, nil
	}
	a, err := c.asset(id)
	return a, true, err
}

// Channel returns the indicator channel mapped to an asset id.
func (c *Catalog) Channel(assetID string) (indicator.ChannelID, bool) {
	ch, ok := c.channels[assetID]
	return ch, ok
}

// Channels lists every mapped channel in ascending order.
func (c *Catalog) Channels() []indicator.ChannelID {
	seen := make(map[indicator.ChannelID]struct{}, len(c.channels))
	out := make([]indicator.ChannelID, 0, len(c.channels))
	for _, ch := range c.channels {
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Catalog) asset(id string) (Asset, error) {
	path := filepath.Join(c.dir, id)
	if err := c.stat(path); err != nil {
		return Asset{ID: id, Path: path}, fmt.Errorf("%w: %s: %v", ErrAssetMissing, path, err)
	}
	return Asset{ID: id, Path: path}, nil
}
