// Package audio plays voice clips and exposes the played samples to a tap,
// so a clip can drive live lip-sync.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/gopxl/beep/v2/wav"
)

// DefaultSampleRate is the default sample rate for audio playback.
const DefaultSampleRate = beep.SampleRate(44100)

var (
	// ErrNotInitialized is returned when playing before Init.
	ErrNotInitialized = errors.New("audio not initialized")
	// ErrBadClip is returned for data that is not a readable WAV clip.
	ErrBadClip = errors.New("unreadable audio clip")
)

// Player plays voice clips through the speaker, one at a time.
type Player struct {
	mu sync.RWMutex

	// State
	initialized bool
	sampleRate  beep.SampleRate
	mixer       *beep.Mixer

	// Current clip
	ctrl    *beep.Ctrl
	playing bool
	clip    string
	onEnd   func()

	// Volume (0.0 to 1.0)
	volume float64

	// The speaker goroutine reads the tap, so it has its own lock and
	// never waits on mu.
	tapMu  sync.RWMutex
	tap    func([]float32)
	tapGen uint64
}

// New creates a player at the given volume.
func New(volume float64) *Player {
	return &Player{
		volume: clamp(volume, 0, 1),
		mixer:  &beep.Mixer{},
	}
}

// Init initializes the speaker. sampleRate <= 0 uses DefaultSampleRate.
func (p *Player) Init(sampleRate int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	p.sampleRate = DefaultSampleRate
	if sampleRate > 0 {
		p.sampleRate = beep.SampleRate(sampleRate)
	}
	err := speaker.Init(p.sampleRate, p.sampleRate.N(time.Second/30))
	if err != nil {
		return fmt.Errorf("init speaker: %w", err)
	}
	speaker.Play(p.mixer)

	p.initialized = true
	return nil
}

// Close stops playback and shuts the speaker down.
func (p *Player) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return
	}
	p.stopInternal()
	speaker.Clear()
	speaker.Close()
	p.initialized = false
}

// IsInitialized returns whether the speaker is initialized.
func (p *Player) IsInitialized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initialized
}

// SetVolume sets the clip volume (0.0 to 1.0).
func (p *Player) SetVolume(vol float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = clamp(vol, 0, 1)
}

// Volume returns the clip volume.
func (p *Player) Volume() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.volume
}

// volumeToDb converts a 0-1 volume to decibels: 1 is 0dB, 0.5 about -6dB.
func volumeToDb(vol float64) float64 {
	if vol <= 0 {
		return -100
	}
	return 20 * math.Log10(vol)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Play starts a WAV clip, replacing the current one. onEnd, if set, runs
// on the audio goroutine when the clip finishes on its own.
func (p *Player) Play(data []byte, name string, onEnd func()) error {
	streamer, format, err := wav.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadClip, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		streamer.Close()
		return ErrNotInitialized
	}
	p.stopInternal()

	var s beep.Streamer = streamer
	if format.SampleRate != p.sampleRate {
		s = beep.Resample(4, format.SampleRate, p.sampleRate, streamer)
	}
	vol := &effects.Volume{
		Streamer: &tapStreamer{Streamer: s, player: p},
		Base:     2,
		Volume:   volumeToDb(p.volume),
		Silent:   p.volume <= 0,
	}
	ctrl := &beep.Ctrl{Streamer: vol}

	p.ctrl = ctrl
	p.clip = name
	p.playing = true
	p.onEnd = onEnd

	speaker.Lock()
	p.mixer.Add(beep.Seq(ctrl, beep.Callback(func() {
		go p.finished(ctrl, streamer)
	})))
	speaker.Unlock()
	return nil
}

// finished runs off the speaker goroutine once a clip drains.
func (p *Player) finished(ctrl *beep.Ctrl, streamer beep.StreamSeekCloser) {
	streamer.Close()
	p.mu.Lock()
	if p.ctrl != ctrl {
		p.mu.Unlock()
		return
	}
	p.playing = false
	p.ctrl = nil
	p.clip = ""
	end := p.onEnd
	p.onEnd = nil
	p.mu.Unlock()
	if end != nil {
		end()
	}
}

// Stop stops the current clip without running its onEnd.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopInternal()
}

func (p *Player) stopInternal() {
	if p.ctrl != nil {
		speaker.Lock()
		p.ctrl.Streamer = nil
		speaker.Unlock()
	}
	p.ctrl = nil
	p.playing = false
	p.clip = ""
	p.onEnd = nil
}

// IsPlaying returns whether a clip is playing.
func (p *Player) IsPlaying() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.playing
}

// Clip returns the name of the playing clip.
func (p *Player) Clip() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clip
}

// Tap returns a lip-sync source fed with everything the player streams.
func (p *Player) Tap() *Tap {
	return &Tap{player: p}
}

func (p *Player) setTap(fn func([]float32)) uint64 {
	p.tapMu.Lock()
	defer p.tapMu.Unlock()
	p.tapGen++
	p.tap = fn
	return p.tapGen
}

func (p *Player) clearTap(gen uint64) {
	p.tapMu.Lock()
	defer p.tapMu.Unlock()
	if p.tapGen == gen {
		p.tap = nil
	}
}

func (p *Player) currentTap() func([]float32) {
	p.tapMu.RLock()
	defer p.tapMu.RUnlock()
	return p.tap
}

// Tap feeds played samples to a sink between Start and Stop.
type Tap struct {
	player *Player
	mu     sync.Mutex
	gen    uint64
	active bool
}

// Start attaches sink to the player. The player must be initialized.
func (t *Tap) Start(ctx context.Context, sink func(samples []float32)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.player.IsInitialized() {
		return ErrNotInitialized
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen = t.player.setTap(sink)
	t.active = true
	return nil
}

// Stop detaches the sink.
func (t *Tap) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		t.player.clearTap(t.gen)
		t.active = false
	}
	return nil
}

// tapStreamer copies a mono mix of what it streams to the player's tap.
type tapStreamer struct {
	beep.Streamer
	player *Player
	mono   []float32
}

func (s *tapStreamer) Stream(samples [][2]float64) (int, bool) {
	n, ok := s.Streamer.Stream(samples)
	if n > 0 {
		if tap := s.player.currentTap(); tap != nil {
			s.mono = mixDown(samples[:n], s.mono)
			tap(s.mono)
		}
	}
	return n, ok
}

func mixDown(samples [][2]float64, dst []float32) []float32 {
	dst = dst[:0]
	for _, smp := range samples {
		dst = append(dst, float32((smp[0]+smp[1])/2))
	}
	return dst
}

// Energy decodes a WAV clip and applies energy to each
// consecutive window of mono samples. A trailing partial window counts.
// The returned duration is the length of one window.
func Energy(data []byte, window int, energy func([]float32) float32) ([]float32, time.Duration, error) {
	if window <= 0 {
		return nil, 0, fmt.Errorf("invalid window %d", window)
	}
	streamer, format, err := wav.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrBadClip, err)
	}
	defer streamer.Close()

	var out []float32
	buf := make([][2]float64, window)
	var mono []float32
	for {
		n, ok := streamer.Stream(buf)
		if n > 0 {
			mono = mixDown(buf[:n], mono)
			out = append(out, energy(mono))
		}
		if !ok || n < window {
			break
		}
	}
	if err := streamer.Err(); err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	return out, format.SampleRate.D(window), nil
}
