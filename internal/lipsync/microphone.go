package lipsync

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/Faultbox/l2dview/internal/logger"
)

// Source streams mono PCM into a sink until stopped.
type Source interface {
	// Start acquires the device and begins calling sink from its own
	// goroutine.
	Start(ctx context.Context, sink func(samples []float32)) error
	Stop() error
}

// Microphone captures the default input device through miniaudio.
type Microphone struct {
	SampleRate int
	Channels   int

	mu     sync.Mutex
	mctx   *malgo.AllocatedContext
	device *malgo.Device
}

// NewMicrophone creates a capture source. Nothing is opened until Start.
func NewMicrophone(sampleRate, channels int) *Microphone {
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	if channels <= 0 {
		channels = 1
	}
	return &Microphone{SampleRate: sampleRate, Channels: channels}
}

// Start opens and starts the capture device.
func (m *Microphone) Start(ctx context.Context, sink func(samples []float32)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return errors.New("microphone already started")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(m.Channels)
	cfg.SampleRate = uint32(m.SampleRate)
	cfg.Alsa.NoMMap = 1

	channels := m.Channels
	onData := func(_, input []byte, frames uint32) {
		sink(downmix(input, channels, int(frames)))
	}
	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		freeContext(mctx)
		return fmt.Errorf("open capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		freeContext(mctx)
		return fmt.Errorf("start capture device: %w", err)
	}

	m.mctx, m.device = mctx, device
	logger.Named("lipsync").Info("microphone started",
		zap.Int("sample_rate", m.SampleRate), zap.Int("channels", m.Channels))
	return nil
}

// Stop stops capture and releases the device. Stopping a stopped
// microphone does nothing.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return nil
	}
	err := m.device.Stop()
	m.device.Uninit()
	freeContext(m.mctx)
	m.device, m.mctx = nil, nil
	return err
}

func freeContext(c *malgo.AllocatedContext) {
	_ = c.Uninit()
	c.Free()
}

// downmix averages interleaved little-endian float32 frames into mono.
func downmix(data []byte, channels, frames int) []float32 {
	if channels <= 0 {
		channels = 1
	}
	if limit := len(data) / (4 * channels); frames > limit {
		frames = limit
	}
	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float32
		for c := 0; c < channels; c++ {
			off := (f*channels + c) * 4
			sum += math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		}
		out[f] = sum / float32(channels)
	}
	return out
}
