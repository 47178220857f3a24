package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/cuerelay/internal/audio"
	"github.com/mistakeknot/cuerelay/internal/catalog"
	"github.com/mistakeknot/cuerelay/internal/config"
	"github.com/mistakeknot/cuerelay/internal/core"
	"github.com/mistakeknot/cuerelay/internal/effects"
	"github.com/mistakeknot/cuerelay/internal/indicator"
	"github.com/mistakeknot/cuerelay/internal/storage"
	"github.com/mistakeknot/cuerelay/pkg/embedded"
)

func writeAssets(t *testing.T, clip time.Duration) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{
		catalog.AssetSleepyEyeLevel1,
		catalog.AssetSleepyEyeLevel2,
		catalog.AssetSleepyEyeLevel3,
		catalog.AssetPhone,
		catalog.AssetLookAway,
		catalog.AssetStopCarWarning,
	} {
		require.NoError(t, audio.WriteSilence(filepath.Join(dir, name), clip))
	}
	return dir
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Device.ID = "dev-1"
	cfg.Audio.AssetsDir = writeAssets(t, 400*time.Millisecond)
	cfg.Engine.PollInterval = 10 * time.Millisecond
	cfg.Engine.ChaseDwell = 20 * time.Millisecond
	cfg.Engine.ChaseTick = 5 * time.Millisecond
	cfg.Indicator.StatusPulse = 300 * time.Millisecond
	return &cfg
}

func simulatedBank() *indicator.Simulated {
	return indicator.NewSimulated(nil, 1, 2, 3, 4, 5, 6)
}

func TestInitializeDeviceCreatesDefaults(t *testing.T) {
	store := storage.NewInMemory()
	ctx := context.Background()

	require.NoError(t, InitializeDevice(ctx, store, "dev-1", core.DeviceInfo{Model: "Jetson Nano", Version: "1.0"}))
	doc, err := store.Get(ctx, core.DevicePath("dev-1"))
	require.NoError(t, err)
	dev := core.DecodeDevice(doc.ID, doc.Data)
	assert.Equal(t, core.DeviceInactive, dev.Status)
	assert.Empty(t, dev.LinkedUserID)
	assert.Equal(t, "Jetson Nano", dev.Info.Model)
	assert.Contains(t, doc.Data, core.FieldLinkedUserID)
	assert.Equal(t, "dev-1", doc.Data[core.FieldDeviceID])
}

func TestInitializeDeviceKeepsLink(t *testing.T) {
	store := storage.NewInMemory()
	ctx := context.Background()
	linkedAt := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

	require.NoError(t, InitializeDevice(ctx, store, "dev-1", core.DeviceInfo{Model: "Jetson Nano", Version: "1.0"}))
	require.NoError(t, Link(ctx, store, "dev-1", "u1", linkedAt))
	require.NoError(t, InitializeDevice(ctx, store, "dev-1", core.DeviceInfo{Model: "Jetson Nano", Version: "1.1"}))

	doc, err := store.Get(ctx, core.DevicePath("dev-1"))
	require.NoError(t, err)
	dev := core.DecodeDevice(doc.ID, doc.Data)
	assert.Equal(t, "u1", dev.LinkedUserID)
	assert.Equal(t, core.DeviceActive, dev.Status)
	assert.Equal(t, "1.1", dev.Info.Version)

	require.NoError(t, Unlink(ctx, store, "dev-1"))
	doc, err = store.Get(ctx, core.DevicePath("dev-1"))
	require.NoError(t, err)
	dev = core.DecodeDevice(doc.ID, doc.Data)
	assert.Empty(t, dev.LinkedUserID)
	assert.Equal(t, core.DeviceInactive, dev.Status)
}

func TestNewRequiresDeviceID(t *testing.T) {
	cfg := config.Default()
	_, err := New(context.Background(), &cfg, WithStore(storage.NewInMemory()))
	assert.ErrorIs(t, err, ErrNoDeviceID)
}

// startEngine runs e until the test ends and fails the test if Run errors.
func startEngine(t *testing.T, e *Engine) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return cancel
}

func TestEngineRunsCueThroughToIdle(t *testing.T) {
	cfg := testConfig(t)
	store := storage.NewInMemory()
	bank := simulatedBank()
	e, err := New(context.Background(), cfg, WithStore(store), WithBank(bank))
	require.NoError(t, err)
	startEngine(t, e)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, core.DevicePath("dev-1"))
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, Link(ctx, store, "dev-1", "u1", time.Now()))
	require.Eventually(t, func() bool { return e.Cascade().LinkedUser() == "u1" }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return bank.On(6) }, time.Second, 2*time.Millisecond, "link pulse")

	_, err = store.Add(ctx, core.HistoryCollection("u1"), map[string]any{
		core.FieldBehavior:  "phone",
		core.FieldPriority:  2,
		core.FieldTimestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := e.Arbiter().State()
		return st.Cue != nil && st.Cue.AssetID == catalog.AssetPhone
	}, 2*time.Second, 5*time.Millisecond)
	mode, ch := e.Effects().Mode()
	assert.Equal(t, effects.ModeSolid, mode)
	assert.Equal(t, indicator.ChannelID(4), ch)
	assert.True(t, bank.On(4))

	require.Eventually(t, func() bool { return e.Arbiter().State().Idle() }, 2*time.Second, 10*time.Millisecond)
	mode, _ = e.Effects().Mode()
	assert.Equal(t, effects.ModeOff, mode)
	assert.False(t, bank.On(4))
}

func TestEngineRunClearsChannelsLeftOn(t *testing.T) {
	cfg := testConfig(t)
	store := storage.NewInMemory()
	bank := simulatedBank()
	require.NoError(t, bank.Set(2, true))
	require.NoError(t, bank.Set(5, true))
	e, err := New(context.Background(), cfg, WithStore(store), WithBank(bank))
	require.NoError(t, err)
	startEngine(t, e)

	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), core.DevicePath("dev-1"))
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, bank.Lit())
}

func TestEngineTeardownSwitchesEverythingOff(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audio.AssetsDir = writeAssets(t, 5*time.Second)
	store := storage.NewInMemory()
	bank := simulatedBank()
	e, err := New(context.Background(), cfg, WithStore(store), WithBank(bank))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), core.DevicePath("dev-1"))
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, Link(context.Background(), store, "dev-1", "u2", time.Now()))
	_, err = store.Add(context.Background(), core.HistoryCollection("u2"), map[string]any{
		core.FieldBehavior:  "look_away",
		core.FieldPriority:  1,
		core.FieldTimestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bank.On(5) }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Empty(t, bank.Lit())
	assert.True(t, e.Arbiter().State().Idle())
	assert.Zero(t, store.ActiveWatches(core.DevicePath("dev-1")))
	assert.Zero(t, store.ActiveWatches(core.HistoryCollection("u2")))
}

func TestEngineWithEmbeddedRelay(t *testing.T) {
	cfg := testConfig(t)
	cfg.Relay.Addr = "127.0.0.1:0"
	cfg.Relay.DBPath = embedded.MemoryDB
	bank := simulatedBank()
	e, err := New(context.Background(), cfg, WithEmbeddedRelay(), WithBank(bank))
	require.NoError(t, err)
	startEngine(t, e)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		_, err := e.Store().Get(ctx, core.DevicePath("dev-1"))
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, Link(ctx, e.Store(), "dev-1", "u3", time.Now()))
	require.Eventually(t, func() bool { return e.Cascade().LinkedUser() == "u3" }, 3*time.Second, 10*time.Millisecond)
	_, err = e.Store().Add(ctx, core.HistoryCollection("u3"), map[string]any{
		core.FieldBehavior:  "sleepy_eye",
		core.FieldLevel:     2,
		core.FieldPriority:  1,
		core.FieldTimestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bank.On(2) }, 3*time.Second, 5*time.Millisecond)
}

func TestSplitAddr(t *testing.T) {
	host, port, err := SplitAddr("127.0.0.1:7338")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 7338, port)

	_, port, err = SplitAddr("localhost:0")
	require.NoError(t, err)
	assert.Equal(t, embedded.AnyPort, port)

	_, _, err = SplitAddr("nope")
	assert.Error(t, err)
}
