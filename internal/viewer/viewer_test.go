package viewer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Faultbox/l2dview/internal/assets"
	"github.com/Faultbox/l2dview/internal/config"
	"github.com/Faultbox/l2dview/internal/engine/input"
	"github.com/Faultbox/l2dview/internal/engine/renderer"
	"github.com/Faultbox/l2dview/internal/engine/surface"
	"github.com/Faultbox/l2dview/internal/engine/texture"
	"github.com/Faultbox/l2dview/internal/puppet"
)

const modelSettings = `{
	"Version": 3,
	"FileReferences": {
		"Textures": ["Haru.2048/texture_00.png"],
		"Expressions": [{"Name": "F01", "File": "F01.exp3.json"}]
	},
	"Groups": [{"Target": "Parameter", "Name": "LipSync", "Ids": ["ParamMouthOpenY"]}]
}`

const smile = `{
	"Type": "Live2D Expression",
	"Parameters": [{"Id": "ParamMouthForm", "Value": 1, "Blend": "Overwrite"}]
}`

type fakeBackend struct {
	openErr error
	opened  bool
	closed  bool
	swaps   int
	w, h    int
}

func (f *fakeBackend) Open(cfg surface.Config) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	f.w, f.h = cfg.Width, cfg.Height
	return nil
}

func (f *fakeBackend) Close()                   { f.closed = true }
func (f *fakeBackend) Attach(string) error      { return nil }
func (f *fakeBackend) Detach()                  {}
func (f *fakeBackend) Size() (int, int)         { return f.w, f.h }
func (f *fakeBackend) DrawableSize() (int, int) { return f.w * 2, f.h * 2 }
func (f *fakeBackend) Swap()                    { f.swaps++ }

type fakeRenderer struct {
	frames   int
	viewport [2]int
	closed   bool
}

func (r *fakeRenderer) BeginFrame()       { r.frames++ }
func (r *fakeRenderer) Viewport(w, h int) { r.viewport = [2]int{w, h} }
func (r *fakeRenderer) Close()            { r.closed = true }

// ReadPixels returns a 1x2 frame, red at the bottom and blue on top.
func (r *fakeRenderer) ReadPixels() ([]byte, int, int) {
	return []byte{255, 0, 0, 255, 0, 0, 255, 255}, 1, 2
}

type fakeUploader struct {
	mu   sync.Mutex
	next texture.ID
	live map[texture.ID]bool
}

func (f *fakeUploader) Upload(*image.RGBA) (texture.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.live[f.next] = true
	return f.next, nil
}

func (f *fakeUploader) Delete(ids []texture.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.live, id)
	}
}

func (f *fakeUploader) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

type fakeEngine struct {
	mu        sync.Mutex
	opacities []float32
	draws     int
	released  bool
}

func (e *fakeEngine) Parameters() []puppet.ParameterDef { return puppet.DefaultRig(0).Defs() }
func (e *fakeEngine) Parts() []string                   { return []string{"PartArm", "PartHat"} }

func (e *fakeEngine) Update(params, opacities []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opacities = append(e.opacities[:0], opacities...)
	return nil
}

func (e *fakeEngine) Draw([]texture.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.draws++
	return nil
}

func (e *fakeEngine) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released = true
}

type fakeMic struct {
	mu      sync.Mutex
	err     error
	started int
	stopped int
}

func (m *fakeMic) Start(ctx context.Context, sink func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.started++
	return nil
}

func (m *fakeMic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
	return nil
}

type fakeAsker struct {
	reply string
	err   error
}

func (a fakeAsker) Ask(context.Context, string) (string, error) { return a.reply, a.err }

type noEvents struct{}

func (noEvents) Poll() []input.Event { return nil }

// rig is a session wired to fakes.
type rig struct {
	cfg      *config.Config
	backend  *fakeBackend
	renderer *fakeRenderer
	up       *fakeUploader
	mic      *fakeMic
	mu       sync.Mutex
	engines  []*fakeEngine
	s        *Session
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newRig(t *testing.T, asker fakeAsker) *rig {
	t.Helper()
	tex := pngBytes(t)
	mem := assets.NewMemSource(map[string][]byte{
		"Haru/Haru.model3.json":         []byte(modelSettings),
		"Haru/Haru.2048/texture_00.png": tex,
		"Haru/F01.exp3.json":            []byte(smile),
		"skins/alt/texture_00.png":      tex,
	})
	src := assets.SourceFunc(func(ctx context.Context, p string) ([]byte, error) {
		if strings.HasPrefix(p, "Slow/") {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return mem.Fetch(ctx, p)
	})

	cfg := config.Default()
	cfg.Assets.Models = []string{"Haru/Haru.model3.json", "Slow/Slow.model3.json", "Gone/Gone.model3.json"}
	cfg.Assets.TexturePacks = map[string][]string{"alt": {"skins/alt/texture_00.png"}}
	cfg.Model.ReadyPollBase = time.Millisecond
	cfg.Model.ReadyPollCap = 5 * time.Millisecond
	cfg.Model.HiddenParts = []int{1}
	cfg.Model.ParameterOverride = map[string]float32{puppet.ParamMouthForm: 0.5}
	cfg.Model.EyeBlink = false
	cfg.Expression.KeyBindings = map[string]string{"s": "F01"}
	cfg.LipSync.Seed = 7
	cfg.Graphics.ScreenshotDir = t.TempDir()

	r := &rig{
		cfg:      cfg,
		backend:  &fakeBackend{},
		renderer: &fakeRenderer{},
		up:       &fakeUploader{live: make(map[texture.ID]bool)},
		mic:      &fakeMic{},
	}
	deps := Deps{
		Backend:  r.backend,
		Source:   src,
		Uploader: r.up,
		Engine: func(core []byte, s *puppet.Settings) (puppet.Engine, error) {
			e := &fakeEngine{}
			r.mu.Lock()
			r.engines = append(r.engines, e)
			r.mu.Unlock()
			return e, nil
		},
		Renderer:   func(renderer.Config) (Renderer, error) { return r.renderer, nil },
		Events:     noEvents{},
		Microphone: r.mic,
		Rand:       rand.New(rand.NewSource(1)),
	}
	if asker.reply != "" || asker.err != nil {
		deps.Asker = asker
	}
	s, err := NewSession(cfg, deps)
	require.NoError(t, err)
	r.s = s
	t.Cleanup(s.Close)
	return r
}

func (r *rig) engine(t *testing.T) *fakeEngine {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.engines)
	return r.engines[0]
}

// pump ticks the loop on the calling goroutine until done reports true.
func (r *rig) pump(t *testing.T, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !done() {
		require.True(t, time.Now().Before(deadline), "timed out ticking")
		r.s.Loop().Tick(1.0 / 60)
		time.Sleep(time.Millisecond)
	}
}

// started starts the session and ticks until slot 0 is configured.
func (r *rig) started(t *testing.T) *puppet.Instance {
	t.Helper()
	require.NoError(t, r.s.Start(context.Background()))
	r.pump(t, func() bool {
		select {
		case <-r.s.ready:
			return true
		default:
			return false
		}
	})
	require.NoError(t, r.s.WaitStartup(context.Background()))
	inst, ok := r.s.Models().Get(0)
	require.True(t, ok)
	return inst
}

var errNoDevice = errors.New("no device")
