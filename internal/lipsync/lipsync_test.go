package lipsync

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/l2dview/internal/config"
	"github.com/Faultbox/l2dview/internal/puppet"
)

// fakeHost runs observers on demand like an instance update pass.
type fakeHost struct {
	ids       []string
	observers map[int]puppet.Observer
	next      int
	after     []func()
}

func newFakeHost() *fakeHost {
	return &fakeHost{ids: []string{puppet.ParamMouthOpenY}, observers: make(map[int]puppet.Observer)}
}

func (h *fakeHost) OnUpdate(fn puppet.Observer) func() {
	h.next++
	id := h.next
	h.observers[id] = fn
	return func() { delete(h.observers, id) }
}

func (h *fakeHost) LipSyncIDs() []string { return h.ids }
func (h *fakeHost) After(fn func())      { h.after = append(h.after, fn) }

func (h *fakeHost) tick(t *puppet.Table, dt float64) {
	t.RestoreBase()
	for _, o := range h.observers {
		o(t, dt)
	}
	fns := h.after
	h.after = nil
	for _, fn := range fns {
		fn()
	}
}

// lockedHost runs observers under its own lock and takes the same lock in
// LipSyncIDs, the way a model instance does.
type lockedHost struct {
	mu        sync.Mutex
	ids       []string
	observers []puppet.Observer
	after     []func()
}

func (h *lockedHost) OnUpdate(fn puppet.Observer) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, fn)
	return func() {}
}

func (h *lockedHost) LipSyncIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ids
}

func (h *lockedHost) After(fn func()) { h.after = append(h.after, fn) }

func (h *lockedHost) tick(t *puppet.Table, dt float64) {
	h.mu.Lock()
	t.RestoreBase()
	for _, o := range h.observers {
		o(t, dt)
	}
	fns := h.after
	h.after = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func mouthTable() *puppet.Table {
	return puppet.NewTable([]puppet.ParameterDef{
		{ID: puppet.ParamMouthOpenY, Min: 0, Max: 1},
		{ID: "ParamA", Min: 0, Max: 1},
		{ID: "ParamE", Min: 0, Max: 1},
		{ID: puppet.ParamMouthForm, Min: -1, Max: 1},
	}, nil)
}

// fakeSource lets the test push samples as the device would.
type fakeSource struct {
	mu       sync.Mutex
	sink     func([]float32)
	startErr error
	stopped  int
}

func (s *fakeSource) Start(ctx context.Context, sink func([]float32)) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) push(v float32, n int) {
	buf := make([]float32, n)
	for i := range buf {
		buf[i] = v
	}
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	sink(buf)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Seed = 11
	return cfg
}

func TestLiveSilenceDrivesMouthToMinimum(t *testing.T) {
	host := newFakeHost()
	d := NewDriver(host, testConfig(), nil)
	src := &fakeSource{}
	require.NoError(t, d.StartLive(context.Background(), src))
	assert.Equal(t, Live, d.Mode())

	src.push(0, DefaultWindow)
	tbl := mouthTable()
	host.tick(tbl, 1.0/60)

	assert.Equal(t, float32(0), d.Level())
	lo, _ := tbl.Range(0)
	assert.Equal(t, lo, tbl.Value(0))
}

func TestLiveLoudSignalOpensMouth(t *testing.T) {
	host := newFakeHost()
	d := NewDriver(host, testConfig(), nil)
	src := &fakeSource{}
	require.NoError(t, d.StartLive(context.Background(), src))

	src.push(1, DefaultWindow)
	tbl := mouthTable()
	host.tick(tbl, 1.0/60)
	assert.InDelta(t, 0.8, tbl.Value(0), 1e-6, "full energy applied with the smoothing weight")
}

func TestStopLiveDetachesTheSource(t *testing.T) {
	host := newFakeHost()
	d := NewDriver(host, testConfig(), nil)
	src := &fakeSource{}
	require.NoError(t, d.StartLive(context.Background(), src))
	require.NoError(t, d.StopLive())
	assert.Equal(t, 1, src.stopped)
	assert.Equal(t, Idle, d.Mode())

	src.push(1, DefaultWindow)
	tbl := mouthTable()
	host.tick(tbl, 1.0/60)
	assert.Zero(t, tbl.Value(0))

	require.NoError(t, d.StopLive())
	assert.Equal(t, 1, src.stopped)
}

func TestStartLiveReplacesSource(t *testing.T) {
	host := newFakeHost()
	d := NewDriver(host, testConfig(), nil)
	first, second := &fakeSource{}, &fakeSource{}
	require.NoError(t, d.StartLive(context.Background(), first))
	require.NoError(t, d.StartLive(context.Background(), second))
	assert.Equal(t, 1, first.stopped)

	first.push(1, DefaultWindow)
	tbl := mouthTable()
	host.tick(tbl, 1.0/60)
	assert.Zero(t, tbl.Value(0), "samples from the replaced source are ignored")
}

func TestDetachOnlyStopsItsOwnSource(t *testing.T) {
	host := newFakeHost()
	d := NewDriver(host, testConfig(), nil)
	voice, mic := &fakeSource{}, &fakeSource{}

	detach, err := d.Attach(context.Background(), voice)
	require.NoError(t, err)
	require.NoError(t, d.StartLive(context.Background(), mic))
	assert.Equal(t, 1, voice.stopped)

	require.NoError(t, detach())
	assert.Equal(t, Live, d.Mode(), "the replacing source stays live")
	assert.Zero(t, mic.stopped)

	mic.push(1, DefaultWindow)
	tbl := mouthTable()
	host.tick(tbl, 1.0/60)
	assert.InDelta(t, 0.8, tbl.Value(0), 1e-6)

	require.NoError(t, d.StopLive())
	assert.Equal(t, 1, mic.stopped)
}

func TestDetachStopsCurrentSource(t *testing.T) {
	host := newFakeHost()
	d := NewDriver(host, testConfig(), nil)
	voice := &fakeSource{}

	detach, err := d.Attach(context.Background(), voice)
	require.NoError(t, err)
	require.NoError(t, detach())
	assert.Equal(t, Idle, d.Mode())
	assert.Equal(t, 1, voice.stopped)

	require.NoError(t, detach())
	assert.Equal(t, 1, voice.stopped, "second detach does nothing")

	_, err = d.Attach(context.Background(), &fakeSource{startErr: errors.New("busy")})
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestDriverCallsDoNotBlockUpdatePasses(t *testing.T) {
	host := &lockedHost{ids: []string{puppet.ParamMouthOpenY}}
	d := NewDriver(host, testConfig(), nil)
	const rounds = 300

	ticks := make(chan struct{})
	go func() {
		defer close(ticks)
		tbl := mouthTable()
		for i := 0; i < rounds; i++ {
			host.tick(tbl, 1.0/60)
		}
	}()

	calls := make(chan error, 1)
	go func() {
		for i := 0; i < rounds; i++ {
			if _, err := d.Speak("hi there", nil); err != nil {
				calls <- err
				return
			}
			d.Cancel()
			if err := d.StartLive(context.Background(), &fakeSource{}); err != nil {
				calls <- err
				return
			}
			if err := d.StopLive(); err != nil {
				calls <- err
				return
			}
		}
		calls <- nil
	}()

	timeout := time.After(5 * time.Second)
	for done := 0; done < 2; {
		select {
		case <-ticks:
			ticks = nil
			done++
		case err := <-calls:
			require.NoError(t, err)
			done++
		case <-timeout:
			t.Fatal("update passes and driver calls blocked each other")
		}
	}
}

func TestStartLiveDeviceUnavailable(t *testing.T) {
	host := newFakeHost()
	d := NewDriver(host, testConfig(), nil)
	denied := errors.New("permission denied")

	err := d.StartLive(context.Background(), &fakeSource{startErr: denied})
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, Idle, d.Mode())

	_, err = d.Speak("hello", nil)
	assert.NoError(t, err, "a failed start leaves the driver usable")
}

func TestModesAreMutuallyExclusive(t *testing.T) {
	host := newFakeHost()
	d := NewDriver(host, testConfig(), nil)

	_, err := d.Speak("hello there", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, d.StartLive(context.Background(), &fakeSource{}), ErrModeBusy)

	d.Cancel()
	require.NoError(t, d.StartLive(context.Background(), &fakeSource{}))
	_, err = d.Speak("hello", nil)
	assert.ErrorIs(t, err, ErrModeBusy)
}

func TestHiThereSchedule(t *testing.T) {
	cfg := testConfig()
	s := Plan("Hi there!", cfg, rand.New(rand.NewSource(cfg.Seed)))

	require.Len(t, s.Pulses, 2)
	assert.Equal(t, VisemeI, s.Pulses[0].Viseme)
	assert.Equal(t, VisemeE, s.Pulses[1].Viseme)
	for _, p := range s.Pulses {
		assert.GreaterOrEqual(t, p.Duration, cfg.MinPulse)
		assert.LessOrEqual(t, p.Duration, cfg.MaxPulse)
	}
	assert.Greater(t, s.Pulses[1].Start, s.Pulses[0].End())
	assert.GreaterOrEqual(t, s.End-s.Pulses[1].End(), cfg.LongPause, "trailing ! adds a long pause")
}

func TestSpeakFiresDoneAfterTrailingPause(t *testing.T) {
	host := newFakeHost()
	cfg := testConfig()
	d := NewDriver(host, cfg, nil)

	done := 0
	id, err := d.Speak("Hi there!", func() { done++ })
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, d.Utterance())
	assert.Equal(t, Scripted, d.Mode())

	plan := Plan("Hi there!", cfg, rand.New(rand.NewSource(cfg.Seed)))
	lastPulseEnd := plan.Pulses[1].End().Seconds()

	const dt = 1.0 / 100
	tbl := mouthTable()
	opened := false
	elapsed := 0.0
	for done == 0 && elapsed < 5 {
		host.tick(tbl, dt)
		elapsed += dt
		if tbl.Value(1) > 0 || tbl.Value(2) > 0 {
			opened = true
		}
		if elapsed < lastPulseEnd+cfg.LongPause.Seconds() {
			require.Zero(t, done, "done fired before the trailing pause at %.2fs", elapsed)
		}
	}
	assert.True(t, opened)
	assert.Equal(t, 1, done)
	assert.Equal(t, Idle, d.Mode())
	assert.Empty(t, d.Utterance())
}

func TestCancelStopsAllWrites(t *testing.T) {
	host := newFakeHost()
	d := NewDriver(host, testConfig(), nil)

	done := false
	_, err := d.Speak("banana papaya mango", func() { done = true })
	require.NoError(t, err)

	tbl := mouthTable()
	for n := 0; n < 10; n++ {
		host.tick(tbl, 1.0/60)
	}
	require.NotZero(t, tbl.Value(1), "pulse is mid-flight")

	d.Cancel()
	for n := 0; n < 300; n++ {
		host.tick(tbl, 1.0/60)
		for i := 0; i < 4; i++ {
			require.Equal(t, tbl.Default(i), tbl.Value(i), "tick %d wrote parameter %d", n, i)
		}
	}
	assert.False(t, done)
	assert.Equal(t, Idle, d.Mode())
}

func TestSpeakReplacesRunningUtterance(t *testing.T) {
	host := newFakeHost()
	d := NewDriver(host, testConfig(), nil)

	firstDone := false
	first, err := d.Speak("one two three", func() { firstDone = true })
	require.NoError(t, err)
	second, err := d.Speak("four", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	tbl := mouthTable()
	for n := 0; n < 120; n++ {
		host.tick(tbl, 1.0/60)
	}
	assert.False(t, firstDone)
}

func TestVisemeFallsBackToLipSyncParameter(t *testing.T) {
	host := newFakeHost()
	d := NewDriver(host, testConfig(), nil)
	tbl := puppet.NewTable([]puppet.ParameterDef{{ID: puppet.ParamMouthOpenY, Min: 0, Max: 1}}, nil)

	_, err := d.Speak("ooo", nil)
	require.NoError(t, err)
	var peak float32
	for n := 0; n < 30; n++ {
		host.tick(tbl, 1.0/60)
		peak = max(peak, tbl.Value(0))
	}
	assert.Greater(t, peak, float32(0.5))
}

func TestCloseDetaches(t *testing.T) {
	host := newFakeHost()
	d := NewDriver(host, testConfig(), nil)
	src := &fakeSource{}
	require.NoError(t, d.StartLive(context.Background(), src))

	require.NoError(t, d.Close())
	assert.Empty(t, host.observers)
	assert.Equal(t, 1, src.stopped)
	_, err := d.Speak("hi", nil)
	assert.Error(t, err)
}

func TestPlan(t *testing.T) {
	cfg := testConfig()
	cfg.Jitter = 0

	tests := []struct {
		text    string
		visemes []string
		end     time.Duration
	}{
		{"", nil, 0},
		{"hmm", []string{"sil"}, 210*time.Millisecond + cfg.Gap},
		{"Ça va, écoute.", []string{"a", "a", "e"}, 0},
		{"rhythm", []string{"i"}, 0},
		{"... ok", []string{"o"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			s := Plan(tt.text, cfg, nil)
			var got []string
			for _, p := range s.Pulses {
				got = append(got, p.Viseme.Name)
			}
			assert.Equal(t, tt.visemes, got)
			if tt.end > 0 {
				assert.Equal(t, tt.end, s.End)
			}
		})
	}
}

func TestPlanPauses(t *testing.T) {
	cfg := testConfig()
	cfg.Jitter = 0
	plain := Plan("ab cd", cfg, nil)
	comma := Plan("ab, cd", cfg, nil)
	stop := Plan("ab. cd", cfg, nil)

	assert.Equal(t, plain.Pulses[1].Start+cfg.ShortPause, comma.Pulses[1].Start)
	assert.Equal(t, plain.Pulses[1].Start+cfg.LongPause, stop.Pulses[1].Start)
}

func TestPlanClampsDuration(t *testing.T) {
	cfg := testConfig()
	cfg.Jitter = 0
	s := Plan("a supercalifragilistic", cfg, nil)
	require.Len(t, s.Pulses, 2)
	assert.Equal(t, cfg.MinPulse, s.Pulses[0].Duration)
	assert.Equal(t, cfg.MaxPulse, s.Pulses[1].Duration)
}

func TestAnalyzerWindow(t *testing.T) {
	a := NewAnalyzer(4, 1)
	assert.Zero(t, a.Sample())

	a.Write([]float32{1, 1})
	assert.InDelta(t, math.Sqrt(0.5), a.Sample(), 1e-6, "half the window is still silence")

	a.Write([]float32{1, 1, 0, 0, 0})
	assert.InDelta(t, 0.5, a.Sample(), 1e-6)

	a.Write(make([]float32, 10))
	assert.Zero(t, a.Sample())

	a.Write([]float32{1, 1, 1, 1})
	a.Reset()
	assert.Zero(t, a.Sample())
}

func TestEnergy(t *testing.T) {
	assert.Zero(t, Energy(nil, DefaultExponent))
	assert.Zero(t, Energy(make([]float32, 64), DefaultExponent))
	assert.InDelta(t, math.Pow(0.5, 0.75), Energy([]float32{0.5, -0.5}, DefaultExponent), 1e-6)
	assert.Equal(t, float32(1), Energy([]float32{3, 3}, DefaultExponent))
}

func TestDownmix(t *testing.T) {
	data := make([]byte, 16)
	for i, v := range []float32{0.2, 0.4, -1, 1} {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	got := downmix(data, 2, 2)
	require.Len(t, got, 2)
	assert.InDelta(t, 0.3, got[0], 1e-6)
	assert.InDelta(t, 0, got[1], 1e-6)

	assert.Len(t, downmix(data, 2, 99), 2, "frames beyond the buffer are ignored")
}

func TestConfigFromMatchesDefaults(t *testing.T) {
	got := ConfigFrom(config.Default().LipSync)
	assert.Equal(t, DefaultConfig(), got)
}
