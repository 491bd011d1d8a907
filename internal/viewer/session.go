package viewer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/l2dview/internal/assets"
	"github.com/Faultbox/l2dview/internal/chat"
	"github.com/Faultbox/l2dview/internal/config"
	"github.com/Faultbox/l2dview/internal/engine/audio"
	"github.com/Faultbox/l2dview/internal/engine/capture"
	"github.com/Faultbox/l2dview/internal/engine/input"
	"github.com/Faultbox/l2dview/internal/engine/renderer"
	"github.com/Faultbox/l2dview/internal/engine/surface"
	"github.com/Faultbox/l2dview/internal/engine/texture"
	"github.com/Faultbox/l2dview/internal/lipsync"
	"github.com/Faultbox/l2dview/internal/logger"
	"github.com/Faultbox/l2dview/internal/metrics"
	"github.com/Faultbox/l2dview/internal/puppet"
)

var (
	// ErrChatDisabled is returned when no chat endpoint is configured.
	ErrChatDisabled = errors.New("chat disabled")
	// ErrVoiceDisabled is returned when the session has no voice player.
	ErrVoiceDisabled = errors.New("voice playback disabled")
	// ErrUnknownPack is returned for texture packs missing from the config.
	ErrUnknownPack = errors.New("unknown texture pack")
	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("session closed")
)

// Renderer prepares frames and tracks the viewport.
type Renderer interface {
	Frame
	Viewport(width, height int)
	Close()
}

// Deps are the platform pieces of a session. Nil fields get the desktop
// implementation.
type Deps struct {
	Backend    surface.Backend
	Source     assets.Source
	Uploader   texture.Uploader
	Engine     puppet.EngineFactory
	Renderer   func(renderer.Config) (Renderer, error)
	Events     Events
	Microphone lipsync.Source
	Voice      *audio.Player // nil disables voice clips
	Asker      chat.Asker    // nil builds a client from the chat config
	Metrics    *metrics.Metrics
	Rand       *rand.Rand
}

// ModelStatus is a snapshot of one model for the control API.
type ModelStatus struct {
	Slot        int      `json:"slot"`
	Path        string   `json:"path"`
	State       string   `json:"state"`
	Error       string   `json:"error,omitempty"`
	Expressions []string `json:"expressions,omitempty"`
	Active      []string `json:"active,omitempty"`
	Pack        string   `json:"pack,omitempty"`
	LipSync     string   `json:"lipsync"`
}

// Session owns everything one viewer window needs, from the graphics
// context to the per-model lip-sync drivers.
type Session struct {
	cfg     *config.Config
	deps    Deps
	log     *zap.Logger
	metrics *metrics.Metrics

	assets   *assets.Manager
	textures *texture.Cache
	owner    *surface.Owner
	models   *puppet.Registry
	router   *Router
	events   Events

	renderer Renderer
	loop     *Loop
	capture  *capture.Capture

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ready    chan struct{}
	readyErr error

	mu         sync.Mutex
	rng        *rand.Rand
	drivers    map[int]*lipsync.Driver
	responders map[int]*chat.Responder
	shots      []chan shot
	started    bool
	closed     bool
	closeOnce  sync.Once
}

// NewSession builds the session graph. Nothing touches the display until
// Start.
func NewSession(cfg *config.Config, deps Deps) (*Session, error) {
	log := logger.Named("session")

	src := deps.Source
	if src == nil {
		var err error
		src, err = assetSource(cfg.Assets)
		if err != nil {
			return nil, err
		}
	}
	if deps.Backend == nil {
		deps.Backend = surface.NewSDLBackend()
	}
	if deps.Uploader == nil {
		deps.Uploader = &texture.GLUploader{}
	}
	if deps.Renderer == nil {
		deps.Renderer = func(c renderer.Config) (Renderer, error) { return renderer.New(c) }
	}
	if deps.Events == nil {
		deps.Events = input.NewPoller(cfg.Graphics.Width, cfg.Graphics.Height)
	}
	if deps.Microphone == nil {
		deps.Microphone = lipsync.NewMicrophone(cfg.Audio.SampleRate, cfg.Audio.Channels)
	}
	if deps.Asker == nil && cfg.Chat.Endpoint != "" {
		c, err := chat.NewClient(cfg.Chat.Endpoint, cfg.Chat.Timeout, deps.Metrics)
		if err != nil {
			return nil, err
		}
		deps.Asker = c
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	s := &Session{
		cfg:        cfg,
		deps:       deps,
		log:        log,
		metrics:    deps.Metrics,
		assets:     assets.NewManager(src, cfg.Assets.Parallelism),
		capture:    capture.New(cfg.Graphics.ScreenshotDir, "l2dview"),
		events:     deps.Events,
		ready:      make(chan struct{}),
		rng:        deps.Rand,
		drivers:    make(map[int]*lipsync.Driver),
		responders: make(map[int]*chat.Responder),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.textures = texture.NewCache(s.assets, deps.Uploader, deps.Metrics)
	s.owner = surface.New(deps.Backend, surface.Config{
		Title:      "l2dview",
		Width:      cfg.Graphics.Width,
		Height:     cfg.Graphics.Height,
		Fullscreen: cfg.Graphics.Fullscreen,
		VSync:      cfg.Graphics.VSync,
	})
	s.models = puppet.NewRegistry(cfg.ModelPath, puppet.Options{
		Assets:       s.assets,
		Textures:     s.textures,
		Engine:       deps.Engine,
		Metrics:      deps.Metrics,
		Breath:       cfg.Model.Breath,
		EyeBlink:     cfg.Model.EyeBlink,
		FadeDuration: cfg.Expression.FadeDuration,
		PollBase:     cfg.Model.ReadyPollBase,
		PollCap:      cfg.Model.ReadyPollCap,
		FetchTimeout: cfg.Assets.FetchTimeout,
	})
	s.router = NewRouter(s.owner, s.primary, cfg.Expression.KeyBindings, cfg.Graphics.Width, cfg.Graphics.Height)
	s.router.OnKey = s.onKey
	return s, nil
}

func assetSource(cfg config.AssetsConfig) (assets.Source, error) {
	if cfg.BaseURL != "" {
		return assets.NewHTTPSource(cfg.BaseURL, cfg.FetchTimeout)
	}
	return assets.NewDirSource(cfg.Root), nil
}

// primary is the model that receives pointer and keyboard input.
func (s *Session) primary() (Target, bool) {
	inst, ok := s.models.Get(0)
	if !ok {
		return nil, false
	}
	return inst, true
}

// Start acquires the graphics context and begins loading slot 0. It does
// not wait for the model: startup tweaks are applied in the background
// once it is ready, while the render loop keeps ticking.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	handle, err := s.owner.Acquire()
	if err != nil {
		return err
	}
	r, err := s.deps.Renderer(renderer.Config{ClearColor: s.cfg.Graphics.ClearColor})
	if err != nil {
		return fmt.Errorf("create renderer: %w", err)
	}
	s.renderer = r
	s.owner.OnResize(r.Viewport)
	if w, h, err := handle.DrawableSize(); err == nil {
		r.Viewport(w, h)
	}

	s.loop = NewLoop(LoopConfig{
		Alive:     s.owner.Alive,
		Frame:     r,
		Present:   handle,
		Models:    s.models,
		Textures:  s.textures,
		Events:    s.events,
		Router:    s.router,
		FPSLimit:  s.cfg.Graphics.FPSLimit,
		Metrics:   s.metrics,
		AfterDraw: s.captureFrame,
	})

	inst, err := s.models.GetOrCreate(0)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stop()
		defer cancel()
		s.awaitStartup(waitCtx, inst)
	}()
	return nil
}

func (s *Session) awaitStartup(ctx context.Context, inst *puppet.Instance) {
	defer close(s.ready)
	if err := inst.WaitReady(ctx); err != nil {
		s.readyErr = err
		s.log.Error("model not ready", zap.Stringer("model", inst), zap.Error(err))
		return
	}
	for _, part := range s.cfg.Model.HiddenParts {
		if err := inst.SetPartOpacity(part, 0); err != nil {
			s.log.Warn("hide part", zap.Int("part", part), zap.Error(err))
		}
	}
	ids := make([]string, 0, len(s.cfg.Model.ParameterOverride))
	for id := range s.cfg.Model.ParameterOverride {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if err := inst.SetParameterByID(id, s.cfg.Model.ParameterOverride[id]); err != nil {
			s.log.Warn("parameter override", zap.String("id", id), zap.Error(err))
		}
	}
	s.log.Info("model ready", zap.Stringer("model", inst))
}

// WaitStartup blocks until the startup model is ready and configured.
func (s *Session) WaitStartup(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loop returns the render loop, nil before Start.
func (s *Session) Loop() *Loop { return s.loop }

// Router returns the input router.
func (s *Session) Router() *Router { return s.router }

// Models returns the model registry.
func (s *Session) Models() *puppet.Registry { return s.models }

// Run drives the render loop on the calling thread.
func (s *Session) Run(ctx context.Context) error {
	if s.loop == nil {
		return errors.New("session not started")
	}
	return s.loop.Run(ctx)
}

// Model returns the model in slot, creating and loading it on first use.
func (s *Session) Model(slot int) (*puppet.Instance, error) {
	return s.models.GetOrCreate(slot)
}

// LipSync returns the lip-sync driver of a slot's model.
func (s *Session) LipSync(slot int) (*lipsync.Driver, error) {
	inst, err := s.Model(slot)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	d, ok := s.drivers[slot]
	if !ok {
		d = lipsync.NewDriver(inst, lipsync.ConfigFrom(s.cfg.LipSync), s.metrics)
		s.drivers[slot] = d
	}
	return d, nil
}

// Responder returns the chat responder of a slot's model.
func (s *Session) Responder(slot int) (*chat.Responder, error) {
	if s.deps.Asker == nil {
		return nil, ErrChatDisabled
	}
	d, err := s.LipSync(slot)
	if err != nil {
		return nil, err
	}
	inst, err := s.Model(slot)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.responders[slot]
	if !ok {
		r = chat.NewResponder(s.deps.Asker, d, inst, s.cfg.Expression.Confused, s.cfg.Expression.Neutral)
		s.responders[slot] = r
	}
	return r, nil
}

// StartMicrophone drives a slot's mouth from the microphone.
func (s *Session) StartMicrophone(ctx context.Context, slot int) error {
	d, err := s.LipSync(slot)
	if err != nil {
		return err
	}
	return d.StartLive(ctx, s.deps.Microphone)
}

// PlayVoice plays a WAV clip and drives a slot's mouth from it until the
// clip ends.
func (s *Session) PlayVoice(ctx context.Context, slot int, clip []byte, name string) error {
	if s.deps.Voice == nil {
		return ErrVoiceDisabled
	}
	d, err := s.LipSync(slot)
	if err != nil {
		return err
	}
	return s.playLive(ctx, d, s.deps.Voice.Tap(), func(onEnd func()) error {
		return s.deps.Voice.Play(clip, name, onEnd)
	})
}

// playLive drives d from src while play runs. Only the end of this
// playback detaches src; a source started later keeps live mode.
func (s *Session) playLive(ctx context.Context, d *lipsync.Driver, src lipsync.Source, play func(onEnd func()) error) error {
	detach, err := d.Attach(ctx, src)
	if err != nil {
		return err
	}
	stop := func() {
		if err := detach(); err != nil {
			s.log.Warn("stop voice lip-sync", zap.Error(err))
		}
	}
	if err := play(stop); err != nil {
		stop()
		return err
	}
	return nil
}

// TexturePack returns a configured texture pack.
func (s *Session) TexturePack(name string) (texture.Pack, error) {
	images, ok := s.cfg.Assets.TexturePacks[name]
	if !ok || len(images) == 0 {
		return texture.Pack{}, fmt.Errorf("%w: %s", ErrUnknownPack, name)
	}
	return texture.Pack{Name: name, Images: images}, nil
}

// Randomize mixes up a slot's parameters.
func (s *Session) Randomize(slot int, ids []string) error {
	inst, err := s.Model(slot)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return inst.RandomizeParameters(s.rng, ids)
}

// Status returns a snapshot of every model.
func (s *Session) Status() []ModelStatus {
	var out []ModelStatus
	s.models.Each(func(inst *puppet.Instance) {
		st := ModelStatus{
			Slot:        inst.Slot(),
			Path:        inst.Path(),
			State:       inst.State().String(),
			Expressions: inst.Expressions(),
			Active:      inst.ActiveExpressions(),
			Pack:        inst.BoundPack(),
			LipSync:     lipsync.Idle.String(),
		}
		if err := inst.Err(); err != nil {
			st.Error = err.Error()
		}
		s.mu.Lock()
		if d, ok := s.drivers[inst.Slot()]; ok {
			st.LipSync = d.Mode().String()
		}
		s.mu.Unlock()
		out = append(out, st)
	})
	return out
}

// Close tears the session down once: pending waits, lip-sync and voice,
// then models, textures and finally the graphics context. Render thread
// only.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		drivers := s.drivers
		s.drivers = make(map[int]*lipsync.Driver)
		s.mu.Unlock()

		s.cancel()
		s.wg.Wait()
		s.failScreenshots()

		for slot, d := range drivers {
			if err := d.Close(); err != nil {
				s.log.Warn("close lip-sync", zap.Int("slot", slot), zap.Error(err))
			}
		}
		if s.deps.Voice != nil {
			s.deps.Voice.Stop()
		}

		s.models.ReleaseAll()
		s.textures.ReleaseAll()
		if s.renderer != nil {
			s.renderer.Close()
		}
		s.owner.Release()
		s.assets.Close()
		s.log.Info("session closed")
	})
}
