package surface

import (
	"fmt"
	"runtime"

	"github.com/veandco/go-sdl2/sdl"
	"go.uber.org/zap"

	"github.com/Faultbox/l2dview/internal/logger"
)

func init() {
	// OpenGL calls must be made from the main thread
	runtime.LockOSThread()
}

// SDLBackend is a Backend built on an SDL2 window with an OpenGL 4.1 core
// context. The window is created hidden and shown on Attach.
type SDLBackend struct {
	window *sdl.Window
	ctx    sdl.GLContext
}

// NewSDLBackend returns an unopened SDL backend.
func NewSDLBackend() *SDLBackend {
	return &SDLBackend{}
}

// Open initializes SDL and creates the window and context.
func (b *SDLBackend) Open(cfg Config) error {
	if err := sdl.Init(sdl.INIT_VIDEO | sdl.INIT_EVENTS); err != nil {
		return fmt.Errorf("SDL_Init failed: %w", err)
	}

	// Attributes must be set before the window exists.
	sdl.GLSetAttribute(sdl.GL_CONTEXT_MAJOR_VERSION, 4)
	sdl.GLSetAttribute(sdl.GL_CONTEXT_MINOR_VERSION, 1)
	sdl.GLSetAttribute(sdl.GL_CONTEXT_PROFILE_MASK, sdl.GL_CONTEXT_PROFILE_CORE)
	sdl.GLSetAttribute(sdl.GL_DOUBLEBUFFER, 1)
	sdl.GLSetAttribute(sdl.GL_DEPTH_SIZE, 24)
	sdl.GLSetAttribute(sdl.GL_ALPHA_SIZE, 8)

	flags := uint32(sdl.WINDOW_OPENGL | sdl.WINDOW_RESIZABLE | sdl.WINDOW_ALLOW_HIGHDPI | sdl.WINDOW_HIDDEN)
	if cfg.Fullscreen {
		flags |= sdl.WINDOW_FULLSCREEN_DESKTOP
	}

	var err error
	b.window, err = sdl.CreateWindow(
		cfg.Title,
		sdl.WINDOWPOS_CENTERED,
		sdl.WINDOWPOS_CENTERED,
		int32(cfg.Width),
		int32(cfg.Height),
		flags,
	)
	if err != nil {
		sdl.Quit()
		return fmt.Errorf("SDL_CreateWindow failed: %w", err)
	}

	b.ctx, err = b.window.GLCreateContext()
	if err != nil {
		b.window.Destroy()
		b.window = nil
		sdl.Quit()
		return fmt.Errorf("SDL_GL_CreateContext failed: %w", err)
	}

	interval := 0
	if cfg.VSync {
		interval = 1
	}
	if err := sdl.GLSetSwapInterval(interval); err != nil {
		logger.Warn("failed to set swap interval", zap.Int("interval", interval), zap.Error(err))
	}
	return nil
}

// Close destroys the context and window and shuts SDL down.
func (b *SDLBackend) Close() {
	if b.ctx != nil {
		sdl.GLDeleteContext(b.ctx)
		b.ctx = nil
	}
	if b.window != nil {
		b.window.Destroy()
		b.window = nil
	}
	sdl.Quit()
}

// Attach shows the window. A desktop has no container element, so a
// non-empty container name becomes the window title.
func (b *SDLBackend) Attach(container string) error {
	if b.window == nil {
		return fmt.Errorf("attach: window not open")
	}
	if container != "" {
		b.window.SetTitle(container)
	}
	b.window.Show()
	return nil
}

// Detach hides the window.
func (b *SDLBackend) Detach() {
	if b.window != nil {
		b.window.Hide()
	}
}

// Size returns the window size in logical pixels.
func (b *SDLBackend) Size() (int, int) {
	if b.window == nil {
		return 0, 0
	}
	w, h := b.window.GetSize()
	return int(w), int(h)
}

// DrawableSize returns the GL drawable size, which differs from Size on
// HiDPI displays.
func (b *SDLBackend) DrawableSize() (int, int) {
	if b.window == nil {
		return 0, 0
	}
	w, h := b.window.GLGetDrawableSize()
	return int(w), int(h)
}

// Swap presents the back buffer.
func (b *SDLBackend) Swap() {
	if b.window != nil {
		b.window.GLSwap()
	}
}
