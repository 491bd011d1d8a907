// Package surface owns the process-wide drawing surface and its graphics context.
package surface

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Faultbox/l2dview/internal/logger"
)

var (
	// ErrContextUnavailable is returned when no graphics context can be created.
	ErrContextUnavailable = errors.New("graphics context unavailable")
	// ErrContextReleased is returned by handles after Release.
	ErrContextReleased = errors.New("graphics context released")
)

// Config holds surface configuration.
type Config struct {
	Title      string
	Container  string // host container the surface is attached to
	Width      int
	Height     int
	Fullscreen bool
	VSync      bool
}

// Backend creates the platform window and its graphics context.
// All methods are called from the thread that owns the context.
type Backend interface {
	Open(cfg Config) error
	Close()
	// Attach inserts the surface into its host container and makes it visible.
	Attach(container string) error
	// Detach removes the surface from its host container.
	Detach()
	// Size returns the logical size of the surface.
	Size() (width, height int)
	// DrawableSize returns the size of the backing store in device pixels.
	DrawableSize() (width, height int)
	Swap()
}

// Owner is the single owner of the graphics context. Other components only
// ever see a Handle.
type Owner struct {
	backend Backend
	cfg     Config
	log     *zap.Logger

	mu       sync.Mutex
	handle   *Handle
	gen      uint64
	err      error
	released bool
	width    int
	height   int
	ratio    float64
	onResize func(drawW, drawH int)
}

// New creates an owner. No context exists until Acquire.
func New(backend Backend, cfg Config) *Owner {
	return &Owner{
		backend: backend,
		cfg:     cfg,
		log:     logger.Named("surface"),
		ratio:   1,
	}
}

// OnResize registers the hook invoked with the new backing-store size after
// Acquire and every Resize. Typically this updates the viewport.
func (o *Owner) OnResize(fn func(drawW, drawH int)) {
	o.mu.Lock()
	o.onResize = fn
	o.mu.Unlock()
}

// Acquire creates the context on first use and returns the existing handle
// afterwards. A creation failure is sticky.
func (o *Owner) Acquire() (*Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case o.released:
		return nil, ErrContextReleased
	case o.err != nil:
		return nil, o.err
	case o.handle != nil:
		return o.handle, nil
	}

	if err := o.backend.Open(o.cfg); err != nil {
		o.err = fmt.Errorf("%w: %w", ErrContextUnavailable, err)
		o.log.Error("context creation failed", zap.Error(err))
		return nil, o.err
	}
	if err := o.backend.Attach(o.cfg.Container); err != nil {
		o.backend.Close()
		o.err = fmt.Errorf("%w: attach: %w", ErrContextUnavailable, err)
		o.log.Error("surface attach failed", zap.Error(err))
		return nil, o.err
	}

	o.gen++
	o.handle = &Handle{owner: o, gen: o.gen}
	w, h := o.backend.Size()
	o.applySize(w, h)

	o.log.Info("context acquired",
		zap.Int("width", o.width),
		zap.Int("height", o.height),
		zap.Float64("pixel_ratio", o.ratio),
	)
	return o.handle, nil
}

// Resize recomputes the backing store for a new logical size. It is a no-op
// before Acquire, after Release, or for non-positive sizes.
func (o *Owner) Resize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handle == nil || o.released {
		return
	}
	o.applySize(width, height)
	o.log.Debug("surface resized",
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Float64("pixel_ratio", o.ratio),
	)
}

// applySize stores the logical size and derives the pixel ratio from the
// backend's drawable. Caller holds o.mu.
func (o *Owner) applySize(width, height int) {
	o.width, o.height = width, height
	dw, _ := o.backend.DrawableSize()
	if dw > 0 && width > 0 {
		o.ratio = float64(dw) / float64(width)
	}
	if o.onResize != nil {
		o.onResize(o.drawable())
	}
}

func (o *Owner) drawable() (int, int) {
	return int(float64(o.width)*o.ratio + 0.5), int(float64(o.height)*o.ratio + 0.5)
}

// Release destroys the context. Safe to call more than once.
func (o *Owner) Release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return
	}
	o.released = true
	o.gen++
	if o.handle == nil {
		return
	}
	o.handle = nil
	o.backend.Detach()
	o.backend.Close()
	o.log.Info("context released")
}

// Alive reports whether a context exists and has not been released.
func (o *Owner) Alive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handle != nil && !o.released
}

// Handle is a read-only view of the acquired context. Every method fails
// with ErrContextReleased once the owner released the context.
type Handle struct {
	owner *Owner
	gen   uint64
}

func (h *Handle) check() error {
	if h == nil || h.owner.released || h.owner.gen != h.gen {
		return ErrContextReleased
	}
	return nil
}

// Size returns the logical surface size.
func (h *Handle) Size() (int, int, error) {
	if h == nil {
		return 0, 0, ErrContextReleased
	}
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	if err := h.check(); err != nil {
		return 0, 0, err
	}
	return h.owner.width, h.owner.height, nil
}

// DrawableSize returns the backing-store size in device pixels.
func (h *Handle) DrawableSize() (int, int, error) {
	if h == nil {
		return 0, 0, ErrContextReleased
	}
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	if err := h.check(); err != nil {
		return 0, 0, err
	}
	w, ht := h.owner.drawable()
	return w, ht, nil
}

// PixelRatio returns device pixels per logical pixel.
func (h *Handle) PixelRatio() (float64, error) {
	if h == nil {
		return 0, ErrContextReleased
	}
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	if err := h.check(); err != nil {
		return 0, err
	}
	return h.owner.ratio, nil
}

// Present swaps the front and back buffers.
func (h *Handle) Present() error {
	if h == nil {
		return ErrContextReleased
	}
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	h.owner.backend.Swap()
	return nil
}
