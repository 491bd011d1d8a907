// Package viewer runs the render loop, routes input to models and exposes
// a local control API.
package viewer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/l2dview/internal/engine/input"
	"github.com/Faultbox/l2dview/internal/logger"
	"github.com/Faultbox/l2dview/internal/metrics"
	"github.com/Faultbox/l2dview/internal/puppet"
)

// Frame prepares the framebuffer for a tick.
type Frame interface {
	BeginFrame()
}

// Presenter shows the finished frame.
type Presenter interface {
	Present() error
}

// Events is the per-frame input source.
type Events interface {
	Poll() []input.Event
}

// Collector frees GPU resources released since the last tick.
type Collector interface {
	Collect()
}

// LoopConfig wires a loop.
type LoopConfig struct {
	Alive    func() bool
	Frame    Frame
	Present  Presenter
	Models   *puppet.Registry
	Textures Collector
	Events   Events
	Router   *Router
	FPSLimit int
	Metrics  *metrics.Metrics

	// AfterDraw runs once every model is drawn, before the frame is shown.
	AfterDraw func()
}

// Loop ticks every model once per frame on the render thread.
type Loop struct {
	cfg      LoopConfig
	log      *zap.Logger
	minFrame time.Duration
}

// NewLoop creates a loop. Events and Router may be nil.
func NewLoop(cfg LoopConfig) *Loop {
	l := &Loop{cfg: cfg, log: logger.Named("loop")}
	if cfg.FPSLimit > 0 {
		l.minFrame = time.Second / time.Duration(cfg.FPSLimit)
	}
	return l
}

// Tick updates and draws every model and presents the frame. It returns
// false once the surface is gone or the models are released.
func (l *Loop) Tick(dt float64) bool {
	if !l.cfg.Alive() || l.cfg.Models.Released() {
		return false
	}
	start := time.Now()

	l.cfg.Frame.BeginFrame()
	l.cfg.Models.Each(func(inst *puppet.Instance) {
		inst.Update(dt)
		if err := inst.Draw(); err != nil {
			l.log.Warn("draw failed", zap.Stringer("model", inst), zap.Error(err))
		}
	})
	if l.cfg.Textures != nil {
		l.cfg.Textures.Collect()
	}
	if l.cfg.AfterDraw != nil {
		l.cfg.AfterDraw()
	}
	if err := l.cfg.Present.Present(); err != nil {
		l.log.Info("present failed, stopping", zap.Error(err))
		return false
	}

	l.cfg.Metrics.Frame(time.Since(start))
	return true
}

// Run polls input and ticks until a tick returns false, the router asks to
// quit, or ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	last := time.Now()
	frames := 0
	fpsTimer := last

	l.log.Info("starting render loop")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.cfg.Events != nil {
			for _, ev := range l.cfg.Events.Poll() {
				if l.cfg.Router != nil && l.cfg.Router.Handle(ev) {
					l.log.Info("quit requested")
					return nil
				}
			}
		}

		now := time.Now()
		dt := now.Sub(last).Seconds()
		last = now

		if !l.Tick(dt) {
			l.log.Info("render loop stopped")
			return nil
		}

		frames++
		if time.Since(fpsTimer) >= time.Second {
			l.log.Debug("fps", zap.Int("count", frames), zap.Float64("dt_ms", dt*1000))
			frames = 0
			fpsTimer = time.Now()
		}

		if l.minFrame > 0 {
			if rest := l.minFrame - time.Since(now); rest > 0 {
				select {
				case <-time.After(rest):
				case <-ctx.Done():
				}
			}
		}
	}
}
