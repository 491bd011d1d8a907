package viewer

import (
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/Faultbox/l2dview/internal/engine/input"
	"github.com/Faultbox/l2dview/internal/expression"
	"github.com/Faultbox/l2dview/internal/logger"
	"github.com/Faultbox/l2dview/internal/puppet"
)

// Resizer receives logical surface sizes.
type Resizer interface {
	Resize(width, height int)
}

// Target is the model input is routed to.
type Target interface {
	SetDragging(x, y float64)
	SetExpression(name string) error
}

// Router turns input events into model and surface operations.
type Router struct {
	surface  Resizer
	target   func() (Target, bool)
	bindings map[string]string
	log      *zap.Logger

	width, height int
	captured      bool

	// OnKey, if set, sees every key press before expressions do.
	OnKey func(key string)
	// OnTap, if set, runs when a captured pointer is released.
	OnTap func(x, y float64)
}

// NewRouter creates a router for a surface of the given logical size.
// target returns the model currently receiving input.
func NewRouter(surface Resizer, target func() (Target, bool), bindings map[string]string, width, height int) *Router {
	b := make(map[string]string, len(bindings))
	for k, v := range bindings {
		b[strings.ToUpper(k)] = v
	}
	return &Router{
		surface:  surface,
		target:   target,
		bindings: b,
		log:      logger.Named("input"),
		width:    width,
		height:   height,
	}
}

// Handle routes one event. It returns true when the viewer should stop.
func (r *Router) Handle(ev input.Event) (quit bool) {
	switch ev.Type {
	case input.EventQuit:
		return true

	case input.EventResize:
		if ev.Width > 0 && ev.Height > 0 {
			r.width, r.height = ev.Width, ev.Height
		}
		r.surface.Resize(ev.Width, ev.Height)

	case input.EventKeyDown:
		if ev.Key == "Escape" {
			return true
		}
		if r.OnKey != nil {
			r.OnKey(ev.Key)
		}
		r.keyExpression(ev.Key)

	case input.EventPointerDown:
		r.captured = true
		r.drag(ev.X, ev.Y)

	case input.EventPointerMove:
		if r.captured {
			r.drag(ev.X, ev.Y)
		}

	case input.EventPointerUp, input.EventPointerCancel:
		if !r.captured {
			return false
		}
		r.captured = false
		if t, ok := r.target(); ok {
			t.SetDragging(0, 0)
		}
		if ev.Type == input.EventPointerUp && r.OnTap != nil {
			x, y := r.normalize(ev.X, ev.Y)
			r.OnTap(x, y)
		}
	}
	return false
}

// normalize maps window pixels to [-1,1] with y up.
func (r *Router) normalize(x, y float64) (float64, float64) {
	if r.width <= 0 || r.height <= 0 {
		return 0, 0
	}
	return 2*x/float64(r.width) - 1, 1 - 2*y/float64(r.height)
}

func (r *Router) drag(x, y float64) {
	t, ok := r.target()
	if !ok {
		return
	}
	t.SetDragging(r.normalize(x, y))
}

func (r *Router) keyExpression(key string) {
	name, ok := r.bindings[strings.ToUpper(key)]
	if !ok {
		name = "Key" + strings.ToUpper(key)
	}
	t, ok := r.target()
	if !ok {
		return
	}
	err := t.SetExpression(name)
	switch {
	case err == nil:
		r.log.Debug("expression applied", zap.String("key", key), zap.String("expression", name))
	case errors.Is(err, expression.ErrExpressionNotFound), errors.Is(err, puppet.ErrNotReady):
		r.log.Debug("key ignored", zap.String("key", key), zap.Error(err))
	default:
		r.log.Warn("expression failed", zap.String("expression", name), zap.Error(err))
	}
}
