package arbiter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/cuerelay/internal/catalog"
	"github.com/mistakeknot/cuerelay/internal/core"
	"github.com/mistakeknot/cuerelay/internal/effects"
	"github.com/mistakeknot/cuerelay/internal/indicator"
)

// fakeOutput is an audio slot that stays busy until finish is called.
type fakeOutput struct {
	mu      sync.Mutex
	pending []string
	playing []string
	played  [][]string
	busy    bool
	stops   int
	loadErr error
	playErr error
}

func (f *fakeOutput) Load(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return f.loadErr
	}
	f.pending = []string{filepath.Base(path)}
	return nil
}

func (f *fakeOutput) Queue(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, filepath.Base(path))
	return nil
}

func (f *fakeOutput) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	f.playing = f.pending
	f.played = append(f.played, f.pending)
	f.pending = nil
	f.busy = true
	return nil
}

func (f *fakeOutput) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.busy = false
	f.playing = nil
	f.pending = nil
}

func (f *fakeOutput) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *fakeOutput) finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy = false
	f.playing = nil
}

func (f *fakeOutput) nowPlaying() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.playing...)
}

func (f *fakeOutput) everPlayed(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, seq := range f.played {
		for _, p := range seq {
			if p == name {
				return true
			}
		}
	}
	return false
}

type fixture struct {
	arb  *Arbiter
	out  *fakeOutput
	bank *indicator.Simulated
	fx   *effects.Controller
	dir  string
}

func allAssets() []string {
	return []string{
		catalog.AssetSleepyEyeLevel1, catalog.AssetSleepyEyeLevel2, catalog.AssetSleepyEyeLevel3,
		catalog.AssetPhone, catalog.AssetLookAway, catalog.AssetStopCarWarning,
	}
}

func newFixture(t *testing.T, assets []string, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	for _, name := range assets {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("RIFF"), 0o644))
	}
	cat := catalog.Default(dir)
	bank := indicator.NewSimulated(nil, 1, 2, 3, 4, 5)
	fx := effects.New(bank, cat)
	out := &fakeOutput{}
	t.Cleanup(fx.TurnOffAll)
	return &fixture{arb: New(cat, out, fx, opts...), out: out, bank: bank, fx: fx, dir: dir}
}

func (f *fixture) idle(t *testing.T) {
	t.Helper()
	f.out.finish()
	f.arb.PollIdle()
	require.True(t, f.arb.State().Idle())
}

func TestIdleAcceptsAnyPriority(t *testing.T) {
	f := newFixture(t, allAssets())
	for _, p := range []int{-5, 0, 1, 2, 3, 10, 1 << 20} {
		d := f.arb.Request(Request{Behavior: core.BehaviorPhone, Priority: p})
		assert.Equal(t, DecisionPlayed, d, "priority %d", p)
		assert.Equal(t, p, f.arb.State().Priority)
		f.idle(t)
	}
}

func TestPreemptOnlyOnStrictlyLowerPriority(t *testing.T) {
	prios := []int{0, 1, 2, 5}
	for _, p1 := range prios {
		for _, p2 := range prios {
			f := newFixture(t, allAssets())
			require.Equal(t, DecisionPlayed, f.arb.Request(Request{Behavior: core.BehaviorPhone, Priority: p1}))

			d := f.arb.Request(Request{Behavior: core.BehaviorLookAway, Priority: p2})
			st := f.arb.State()
			if p2 < p1 {
				assert.Equal(t, DecisionPreempted, d, "p1=%d p2=%d", p1, p2)
				assert.Equal(t, p2, st.Priority)
				assert.Equal(t, catalog.AssetLookAway, st.Cue.AssetID)
				assert.Equal(t, []string{catalog.AssetLookAway}, f.out.nowPlaying())
				assert.Equal(t, []indicator.ChannelID{5}, f.bank.Lit())
			} else {
				assert.Equal(t, DecisionDropped, d, "p1=%d p2=%d", p1, p2)
				assert.Equal(t, p1, st.Priority)
				assert.Equal(t, catalog.AssetPhone, st.Cue.AssetID)
				assert.Equal(t, []string{catalog.AssetPhone}, f.out.nowPlaying())
				assert.Equal(t, []indicator.ChannelID{4}, f.bank.Lit())
				assert.Zero(t, f.out.stops)
			}
		}
	}
}

func TestPollIdleResetsAndClearsChannels(t *testing.T) {
	f := newFixture(t, allAssets())
	require.Equal(t, DecisionPlayed, f.arb.Request(Request{Behavior: core.BehaviorSleepyEye, Level: 2, Priority: 1}))
	assert.False(t, f.arb.PollIdle(), "still busy")
	assert.Equal(t, []indicator.ChannelID{2}, f.bank.Lit())

	f.out.finish()
	assert.True(t, f.arb.PollIdle())
	assert.True(t, f.arb.State().Idle())
	assert.Empty(t, f.bank.Lit())
	mode, _ := f.fx.Mode()
	assert.Equal(t, effects.ModeOff, mode)

	assert.False(t, f.arb.PollIdle(), "nothing left to clear")
}

func TestPollIdleClearsChannelsRegardlessOfState(t *testing.T) {
	f := newFixture(t, allAssets())
	f.fx.StartChase()
	f.arb.PollIdle()
	assert.Empty(t, f.bank.Lit())
	mode, _ := f.fx.Mode()
	assert.Equal(t, effects.ModeOff, mode)
}

func TestLevelThreeContinuationDiscardedOnPreempt(t *testing.T) {
	f := newFixture(t, allAssets())
	require.Equal(t, DecisionPlayed, f.arb.Request(Request{Behavior: core.BehaviorSleepyEye, Level: 3, Priority: 2}))
	assert.Equal(t, []string{catalog.AssetSleepyEyeLevel3, catalog.AssetStopCarWarning}, f.out.nowPlaying())
	assert.Equal(t, []indicator.ChannelID{3}, f.bank.Lit())

	require.Equal(t, DecisionPreempted, f.arb.Request(Request{Behavior: core.BehaviorPhone, Priority: 1}))
	assert.Equal(t, []string{catalog.AssetPhone}, f.out.nowPlaying())
	f.out.finish()
	f.arb.PollIdle()

	f.out.mu.Lock()
	last := f.out.played[len(f.out.played)-1]
	f.out.mu.Unlock()
	assert.NotContains(t, last, catalog.AssetStopCarWarning)
	assert.Equal(t, 1, f.out.stops)
}

func TestLevelThreeContinuationStaysPreemptible(t *testing.T) {
	f := newFixture(t, allAssets())
	require.Equal(t, DecisionPlayed, f.arb.Request(Request{Behavior: core.BehaviorSleepyEye, Level: 3, Priority: 2}))
	assert.Equal(t, DecisionDropped, f.arb.Request(Request{Behavior: core.BehaviorPhone, Priority: 2}))
	assert.Equal(t, DecisionPreempted, f.arb.Request(Request{Behavior: core.BehaviorPhone, Priority: 1}))
}

func TestMissingContinuationStillPlaysPrimary(t *testing.T) {
	f := newFixture(t, []string{catalog.AssetSleepyEyeLevel3})
	require.Equal(t, DecisionPlayed, f.arb.Request(Request{Behavior: core.BehaviorSleepyEye, Level: 3, Priority: 1}))
	assert.Equal(t, []string{catalog.AssetSleepyEyeLevel3}, f.out.nowPlaying())
	assert.False(t, f.out.everPlayed(catalog.AssetStopCarWarning))
}

func TestConcreteScenario(t *testing.T) {
	f := newFixture(t, allAssets())

	assert.Equal(t, DecisionPlayed, f.arb.Request(Request{Behavior: core.BehaviorPhone, Priority: 2}))
	assert.Equal(t, []string{catalog.AssetPhone}, f.out.nowPlaying())
	assert.Equal(t, []indicator.ChannelID{4}, f.bank.Lit())

	assert.Equal(t, DecisionDropped, f.arb.Request(Request{Behavior: core.BehaviorYawn, Priority: 3}))
	assert.Equal(t, []string{catalog.AssetPhone}, f.out.nowPlaying())
	assert.Equal(t, []indicator.ChannelID{4}, f.bank.Lit())

	assert.Equal(t, DecisionPreempted, f.arb.Request(Request{Behavior: core.BehaviorSleepyEye, Level: 1, Priority: 1}))
	assert.Equal(t, []string{catalog.AssetSleepyEyeLevel1}, f.out.nowPlaying())
	assert.Equal(t, []indicator.ChannelID{1}, f.bank.Lit())
	st := f.arb.State()
	assert.Equal(t, 1, st.Priority)
	assert.Equal(t, catalog.AssetSleepyEyeLevel1, st.Cue.AssetID)

	f.out.finish()
	assert.True(t, f.arb.PollIdle())
	assert.True(t, f.arb.State().Idle())
	assert.Empty(t, f.bank.Lit())
}

func TestRejectionsResetToIdle(t *testing.T) {
	cases := []struct {
		name   string
		assets []string
		req    Request
		prep   func(*fixture)
		target error
	}{
		{
			name:   "unknown level",
			assets: allAssets(),
			req:    Request{Behavior: core.BehaviorSleepyEye, Level: 7, Priority: 0},
			target: catalog.ErrUnknownCue,
		},
		{
			name:   "unknown behavior",
			assets: allAssets(),
			req:    Request{Behavior: "smoking", Priority: 0},
			target: catalog.ErrUnknownCue,
		},
		{
			name:   "bad priority",
			assets: allAssets(),
			req:    Request{Behavior: core.BehaviorPhone, PriorityErr: core.ErrNotNumeric},
			target: ErrPriority,
		},
		{
			name:   "missing asset",
			assets: []string{catalog.AssetPhone},
			req:    Request{Behavior: core.BehaviorLookAway, Priority: 0},
			target: catalog.ErrAssetMissing,
		},
		{
			name:   "load failure",
			assets: allAssets(),
			req:    Request{Behavior: core.BehaviorLookAway, Priority: 0},
			prep:   func(f *fixture) { f.out.loadErr = errors.New("bad wav") },
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got []Outcome
			f := newFixture(t, tc.assets, WithObserver(func(o Outcome) { got = append(got, o) }))
			require.Equal(t, DecisionPlayed, f.arb.Request(Request{Behavior: core.BehaviorPhone, Priority: 5}))
			if tc.prep != nil {
				tc.prep(f)
			}

			assert.Equal(t, DecisionRejected, f.arb.Request(tc.req))
			assert.True(t, f.arb.State().Idle())
			assert.False(t, f.out.Busy())
			assert.Empty(t, f.bank.Lit())

			require.Len(t, got, 2)
			assert.Equal(t, DecisionRejected, got[1].Decision)
			assert.Error(t, got[1].Err)
			if tc.target != nil {
				assert.ErrorIs(t, got[1].Err, tc.target)
			}

			f.out.loadErr = nil
			assert.Equal(t, DecisionPlayed, f.arb.Request(Request{Behavior: core.BehaviorPhone, Priority: 9}),
				"arbiter must not stay blocked after a rejection")
		})
	}
}

func TestUnresolvableLowerRankRequestLeavesCueAlone(t *testing.T) {
	f := newFixture(t, allAssets())
	require.Equal(t, DecisionPlayed, f.arb.Request(Request{Behavior: core.BehaviorSleepyEye, Level: 3, Priority: 1}))

	for _, req := range []Request{
		{Behavior: "smoking", Priority: 99},
		{Behavior: core.BehaviorSleepyEye, Level: 7, Priority: 1},
	} {
		assert.Equal(t, DecisionDropped, f.arb.Request(req), "%+v", req)
	}
	st := f.arb.State()
	require.NotNil(t, st.Cue)
	assert.Equal(t, catalog.AssetSleepyEyeLevel3, st.Cue.AssetID)
	assert.Equal(t, 1, st.Priority)
	assert.Equal(t, []string{catalog.AssetSleepyEyeLevel3, catalog.AssetStopCarWarning}, f.out.nowPlaying())
	assert.Equal(t, []indicator.ChannelID{3}, f.bank.Lit())
	assert.Zero(t, f.out.stops)

	// One that would have won still fails safe.
	assert.Equal(t, DecisionRejected, f.arb.Request(Request{Behavior: "smoking", Priority: 0}))
	assert.True(t, f.arb.State().Idle())
	assert.Empty(t, f.bank.Lit())
}

func TestObserversRunOutsideLock(t *testing.T) {
	var states []State
	var a *Arbiter
	f := newFixture(t, allAssets(), WithObserver(func(o Outcome) {
		states = append(states, a.State())
	}))
	a = f.arb

	f.arb.Request(Request{Behavior: core.BehaviorPhone, Priority: 1})
	f.out.finish()
	f.arb.PollIdle()

	require.Len(t, states, 2)
	assert.False(t, states[0].Idle())
	assert.True(t, states[1].Idle())
}

type fakeSynth struct {
	path  string
	calls int
	err   error
}

func (s *fakeSynth) Synthesize(ctx context.Context, text string) (string, error) {
	s.calls++
	return s.path, s.err
}

func TestSpeakRunsChase(t *testing.T) {
	synth := &fakeSynth{path: "/tmp/utterance.wav"}
	f := newFixture(t, allAssets(), WithSynthesizer(synth))

	assert.Equal(t, DecisionPlayed, f.arb.Speak(context.Background(), "pull over", 1))
	st := f.arb.State()
	require.NotNil(t, st.Cue)
	assert.True(t, st.Cue.Speech)
	mode, _ := f.fx.Mode()
	assert.Equal(t, effects.ModeChase, mode)

	assert.Equal(t, DecisionDropped, f.arb.Speak(context.Background(), "again", 1))
	assert.Equal(t, 1, synth.calls, "a request that would be dropped is not synthesized")

	assert.Equal(t, DecisionPreempted, f.arb.Request(Request{Behavior: core.BehaviorPhone, Priority: 0}))
	mode, _ = f.fx.Mode()
	assert.Equal(t, effects.ModeSolid, mode)
	assert.Equal(t, []indicator.ChannelID{4}, f.bank.Lit())
}

func TestSpeakWithoutSynthesizerIsRejected(t *testing.T) {
	f := newFixture(t, allAssets())
	assert.Equal(t, DecisionRejected, f.arb.Speak(context.Background(), "hello", 0))

	synth := &fakeSynth{err: errors.New("espeak-ng missing")}
	f = newFixture(t, allAssets(), WithSynthesizer(synth))
	assert.Equal(t, DecisionRejected, f.arb.Speak(context.Background(), "hello", 0))
	assert.Equal(t, DecisionRejected, f.arb.Speak(context.Background(), "", 0))
	assert.True(t, f.arb.State().Idle())
}

func TestSpeakFailuresFollowRequestRules(t *testing.T) {
	cases := []struct {
		name   string
		synth  *fakeSynth
		text   string
		target error
	}{
		{name: "no synthesizer", text: "pull over", target: ErrNoSynthesizer},
		{name: "empty text", synth: &fakeSynth{path: "/tmp/u.wav"}, target: ErrEmptyUtterance},
		{name: "synthesis error", synth: &fakeSynth{err: errors.New("espeak-ng missing")}, text: "pull over"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var opts []Option
			if tc.synth != nil {
				opts = append(opts, WithSynthesizer(tc.synth))
			}
			var got []Outcome
			opts = append(opts, WithObserver(func(o Outcome) { got = append(got, o) }))
			f := newFixture(t, allAssets(), opts...)
			require.Equal(t, DecisionPlayed, f.arb.Request(Request{Behavior: core.BehaviorPhone, Priority: 2}))

			// Outranked: dropped, the phone cue keeps playing.
			assert.Equal(t, DecisionDropped, f.arb.Speak(context.Background(), tc.text, 5))
			assert.Equal(t, []indicator.ChannelID{4}, f.bank.Lit())
			if tc.synth != nil {
				assert.Zero(t, tc.synth.calls)
			}

			// Would have won: rejected and reset to idle.
			assert.Equal(t, DecisionRejected, f.arb.Speak(context.Background(), tc.text, 0))
			assert.True(t, f.arb.State().Idle())
			assert.False(t, f.out.Busy())
			assert.Empty(t, f.bank.Lit())
			require.Len(t, got, 3)
			assert.Error(t, got[2].Err)
			if tc.target != nil {
				assert.ErrorIs(t, got[2].Err, tc.target)
			}
		})
	}
}

func TestConcurrentRequestsKeepOneCue(t *testing.T) {
	f := newFixture(t, allAssets())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			f.arb.Request(Request{Behavior: core.BehaviorPhone, Priority: p % 7})
			if p%5 == 0 {
				f.arb.PollIdle()
			}
		}(i)
	}
	wg.Wait()
	st := f.arb.State()
	if st.Idle() {
		assert.Empty(t, f.bank.Lit())
	} else {
		assert.Equal(t, []indicator.ChannelID{4}, f.bank.Lit())
		assert.LessOrEqual(t, len(f.out.nowPlaying()), 1)
	}
}
