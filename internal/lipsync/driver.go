// Package lipsync drives a model's mouth from live audio energy or from
// text scheduled as viseme pulses.
package lipsync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/Faultbox/l2dview/internal/config"
	"github.com/Faultbox/l2dview/internal/logger"
	"github.com/Faultbox/l2dview/internal/metrics"
	"github.com/Faultbox/l2dview/internal/puppet"
)

var (
	// ErrModeBusy is returned when starting one mode while the other runs.
	ErrModeBusy = errors.New("lip-sync busy in another mode")
	// ErrDeviceUnavailable is returned when the audio source cannot be
	// acquired. It is not retried.
	ErrDeviceUnavailable = errors.New("audio device unavailable")

	errDriverClosed = errors.New("lip-sync driver closed")
)

// Mode is what currently drives the mouth.
type Mode int

const (
	Idle Mode = iota
	Live
	Scripted
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Live:
		return "live"
	case Scripted:
		return "scripted"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Config tunes both modes.
type Config struct {
	SmoothingWeight float32
	Exponent        float64
	Window          int

	PerChar    time.Duration
	MinPulse   time.Duration
	MaxPulse   time.Duration
	Gap        time.Duration
	ShortPause time.Duration
	LongPause  time.Duration
	Jitter     float64
	Seed       int64
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		SmoothingWeight: 0.8,
		Exponent:        DefaultExponent,
		Window:          DefaultWindow,
		PerChar:         70 * time.Millisecond,
		MinPulse:        90 * time.Millisecond,
		MaxPulse:        420 * time.Millisecond,
		Gap:             40 * time.Millisecond,
		ShortPause:      180 * time.Millisecond,
		LongPause:       400 * time.Millisecond,
		Jitter:          0.15,
	}
}

// ConfigFrom converts the lipsync section of the viewer config.
func ConfigFrom(c config.LipSyncConfig) Config {
	return Config{
		SmoothingWeight: c.SmoothingWeight,
		Exponent:        c.Exponent,
		Window:          c.WindowSize,
		PerChar:         c.PerChar,
		MinPulse:        c.MinPulse,
		MaxPulse:        c.MaxPulse,
		Gap:             c.Gap,
		ShortPause:      c.ShortPause,
		LongPause:       c.LongPause,
		Jitter:          c.Jitter,
		Seed:            c.Seed,
	}
}

// Host is the model a driver is attached to. Its observers run under the
// host's own lock, so the driver never calls into the host while holding
// its mutex.
type Host interface {
	OnUpdate(fn puppet.Observer) (unregister func())
	LipSyncIDs() []string
	After(fn func())
}

type utterance struct {
	id      string
	plan    Schedule
	elapsed float64
	started []bool
	onDone  func()
}

// Driver writes mouth parameters once per update pass of its host. Live
// and scripted modes exclude each other.
type Driver struct {
	host       Host
	cfg        Config
	metrics    *metrics.Metrics
	log        *zap.Logger
	analyzer   *Analyzer
	unregister func()

	// serializes StartLive and StopLive around device acquisition
	liveMu sync.Mutex

	mu     sync.Mutex
	mode   Mode
	source Source
	gen    uint64
	ids    []string
	utt    *utterance
	rng    *rand.Rand
	level  float32
	closed bool
}

// NewDriver attaches a driver to host. m may be nil.
func NewDriver(host Host, cfg Config, m *metrics.Metrics) *Driver {
	if cfg.SmoothingWeight <= 0 {
		cfg.SmoothingWeight = DefaultConfig().SmoothingWeight
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	d := &Driver{
		host:     host,
		cfg:      cfg,
		metrics:  m,
		log:      logger.Named("lipsync"),
		analyzer: NewAnalyzer(cfg.Window, cfg.Exponent),
		rng:      rand.New(rand.NewSource(seed)),
	}
	d.unregister = host.OnUpdate(d.observe)
	return d
}

// Mode returns the active mode.
func (d *Driver) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Level returns the energy applied on the last live tick.
func (d *Driver) Level() float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

// StartLive starts streaming src into the analyzer. A running live source
// is stopped and replaced. Failing to acquire src returns
// ErrDeviceUnavailable and leaves the driver idle.
func (d *Driver) StartLive(ctx context.Context, src Source) error {
	_, err := d.startLive(ctx, src)
	return err
}

// Attach is StartLive for a source with its own lifetime, such as a voice
// clip. detach stops live mode only while src is still the live source; it
// does nothing once another source replaced it or live mode was stopped.
func (d *Driver) Attach(ctx context.Context, src Source) (detach func() error, err error) {
	gen, err := d.startLive(ctx, src)
	if err != nil {
		return nil, err
	}
	return func() error { return d.stopLive(gen) }, nil
}

func (d *Driver) startLive(ctx context.Context, src Source) (uint64, error) {
	d.liveMu.Lock()
	defer d.liveMu.Unlock()

	ids := d.host.LipSyncIDs()

	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		return 0, errDriverClosed
	case d.mode == Scripted:
		d.mu.Unlock()
		return 0, ErrModeBusy
	}
	prev := d.source
	d.mode = Live
	d.source = nil
	d.gen++
	gen := d.gen
	d.ids = ids
	d.mu.Unlock()

	if prev != nil {
		if err := prev.Stop(); err != nil {
			d.log.Warn("stop previous source", zap.Error(err))
		}
	}
	d.analyzer.Reset()

	sink := func(samples []float32) {
		d.mu.Lock()
		current := d.gen == gen
		d.mu.Unlock()
		if current {
			d.analyzer.Write(samples)
		}
	}
	if err := src.Start(ctx, sink); err != nil {
		d.mu.Lock()
		if d.gen == gen {
			d.mode = Idle
		}
		d.mu.Unlock()
		d.log.Warn("audio source unavailable", zap.Error(err))
		return 0, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	d.mu.Lock()
	d.source = src
	d.mu.Unlock()
	d.log.Info("live lip-sync started")
	return gen, nil
}

// StopLive stops the live source. No contribution is made after it
// returns. Stopping while not live does nothing.
func (d *Driver) StopLive() error {
	return d.stopLive(0)
}

// stopLive stops live mode. A non-zero gen stops it only if that start is
// still the current one.
func (d *Driver) stopLive(gen uint64) error {
	d.liveMu.Lock()
	defer d.liveMu.Unlock()

	d.mu.Lock()
	if d.mode != Live || (gen != 0 && d.gen != gen) {
		d.mu.Unlock()
		return nil
	}
	src := d.source
	d.source = nil
	d.mode = Idle
	d.gen++
	d.level = 0
	d.mu.Unlock()

	d.analyzer.Reset()
	d.log.Info("live lip-sync stopped")
	if src == nil {
		return nil
	}
	return src.Stop()
}

// Speak schedules text as viseme pulses evaluated on update passes and
// returns the utterance id. A running utterance is cancelled first.
// onDone, if set, runs after the pass that reaches the end of the
// timeline, outside the model lock.
func (d *Driver) Speak(text string, onDone func()) (string, error) {
	ids := d.host.LipSyncIDs()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return "", errDriverClosed
	}
	if d.mode == Live {
		return "", ErrModeBusy
	}
	plan := Plan(text, d.cfg, d.rng)
	u := &utterance{
		id:      ulid.Make().String(),
		plan:    plan,
		started: make([]bool, len(plan.Pulses)),
		onDone:  onDone,
	}
	d.utt = u
	d.mode = Scripted
	d.ids = ids

	d.log.Debug("utterance scheduled", zap.String("id", u.id),
		zap.Int("pulses", len(plan.Pulses)), zap.Duration("length", plan.End))
	return u.id, nil
}

// Cancel drops the running utterance. Its onDone never runs.
func (d *Driver) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.utt == nil {
		return
	}
	d.log.Debug("utterance cancelled", zap.String("id", d.utt.id))
	d.utt = nil
	d.mode = Idle
}

// Utterance returns the id of the running utterance, or "".
func (d *Driver) Utterance() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.utt == nil {
		return ""
	}
	return d.utt.id
}

// Schedule returns the timeline text would get with the configured seed.
func (d *Driver) Schedule(text string) Schedule {
	return Plan(text, d.cfg, rand.New(rand.NewSource(d.cfg.Seed)))
}

// Close stops both modes and detaches from the host.
func (d *Driver) Close() error {
	err := d.StopLive()
	d.Cancel()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.unregister()
	return err
}

func (d *Driver) observe(t *puppet.Table, dt float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.mode {
	case Live:
		d.applyLive(t)
	case Scripted:
		d.applyScript(t, dt)
	}
}

// applyLive adds (max-min)*energy+min to every lip-sync parameter.
func (d *Driver) applyLive(t *puppet.Table) {
	s := d.analyzer.Sample()
	d.level = s
	for _, id := range d.ids {
		idx, ok := t.Index(id)
		if !ok {
			continue
		}
		lo, hi := t.Range(idx)
		t.Add(idx, (hi-lo)*s+lo, d.cfg.SmoothingWeight)
	}
}

func (d *Driver) applyScript(t *puppet.Table, dt float64) {
	u := d.utt
	prev := u.elapsed
	u.elapsed += dt

	for k, p := range u.plan.Pulses {
		start, end := p.Start.Seconds(), p.End().Seconds()
		if u.elapsed < start || prev >= end {
			continue
		}
		idx, ok := d.resolve(t, p.Viseme)
		if !ok {
			continue
		}
		if !u.started[k] {
			u.started[k] = true
			d.metrics.Pulse()
		}
		def := t.Default(idx)
		if u.elapsed >= end {
			t.Set(idx, def)
			continue
		}
		lo, hi := t.Range(idx)
		peak := lo + (hi-lo)*p.Viseme.Open
		phase := (u.elapsed - start) / (end - start)
		t.Set(idx, def+(peak-def)*float32(math.Sin(math.Pi*phase)))
	}

	if u.elapsed >= u.plan.End.Seconds() {
		d.utt = nil
		d.mode = Idle
		if u.onDone != nil {
			d.host.After(u.onDone)
		}
	}
}

// resolve finds the parameter a viseme drives on this model.
func (d *Driver) resolve(t *puppet.Table, v Viseme) (int, bool) {
	if v.Param != "" {
		if idx, ok := t.Index(v.Param); ok {
			return idx, true
		}
	}
	for _, id := range d.ids {
		if idx, ok := t.Index(id); ok {
			return idx, true
		}
	}
	return 0, false
}
