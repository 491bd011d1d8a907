// Package input translates SDL2 events into viewer events.
package input

import (
	"github.com/veandco/go-sdl2/sdl"
)

// EventType identifies a viewer event.
type EventType int

const (
	EventNone EventType = iota
	EventQuit
	EventResize
	EventKeyDown
	EventKeyUp
	EventPointerDown
	EventPointerMove
	EventPointerUp
	EventPointerCancel
)

// Event is a processed input event. Pointer coordinates are logical
// window pixels for both mouse and touch input.
type Event struct {
	Type   EventType
	Key    string // "A", "7", "Escape", ...
	Width  int
	Height int
	X      float64
	Y      float64
	Touch  bool
	Button uint8
}

// mouse events SDL synthesizes from touch carry this device id
const touchMouseID = ^uint32(0)

// Poller drains the SDL event queue.
type Poller struct {
	events []Event
	width  int
	height int
}

// NewPoller creates a poller for a window of the given logical size. The
// size is tracked from resize events and used to scale touch coordinates.
func NewPoller(width, height int) *Poller {
	return &Poller{
		events: make([]Event, 0, 16),
		width:  width,
		height: height,
	}
}

// Poll returns the events queued since the last call. The returned slice
// is reused on the next call.
func (p *Poller) Poll() []Event {
	p.events = p.events[:0]
	for ev := sdl.PollEvent(); ev != nil; ev = sdl.PollEvent() {
		if e, ok := p.translate(ev); ok {
			p.events = append(p.events, e)
		}
	}
	return p.events
}

func (p *Poller) translate(ev sdl.Event) (Event, bool) {
	switch e := ev.(type) {
	case *sdl.QuitEvent:
		return Event{Type: EventQuit}, true

	case *sdl.WindowEvent:
		switch e.Event {
		case sdl.WINDOWEVENT_RESIZED:
			p.width, p.height = int(e.Data1), int(e.Data2)
			return Event{Type: EventResize, Width: p.width, Height: p.height}, true
		case sdl.WINDOWEVENT_FOCUS_LOST:
			return Event{Type: EventPointerCancel}, true
		}

	case *sdl.KeyboardEvent:
		switch {
		case e.Type == sdl.KEYDOWN && e.Repeat == 0:
			return Event{Type: EventKeyDown, Key: keyName(e.Keysym.Sym)}, true
		case e.Type == sdl.KEYUP:
			return Event{Type: EventKeyUp, Key: keyName(e.Keysym.Sym)}, true
		}

	case *sdl.MouseMotionEvent:
		if e.Which == touchMouseID {
			return Event{}, false
		}
		return Event{Type: EventPointerMove, X: float64(e.X), Y: float64(e.Y)}, true

	case *sdl.MouseButtonEvent:
		if e.Which == touchMouseID {
			return Event{}, false
		}
		t := EventPointerDown
		if e.Type == sdl.MOUSEBUTTONUP {
			t = EventPointerUp
		}
		return Event{Type: t, X: float64(e.X), Y: float64(e.Y), Button: e.Button}, true

	case *sdl.TouchFingerEvent:
		out := Event{
			X:     float64(e.X) * float64(p.width),
			Y:     float64(e.Y) * float64(p.height),
			Touch: true,
		}
		switch e.Type {
		case sdl.FINGERDOWN:
			out.Type = EventPointerDown
		case sdl.FINGERMOTION:
			out.Type = EventPointerMove
		case sdl.FINGERUP:
			out.Type = EventPointerUp
		default:
			return Event{}, false
		}
		return out, true
	}
	return Event{}, false
}

func keyName(k sdl.Keycode) string {
	switch {
	case k >= sdl.K_a && k <= sdl.K_z:
		return string(rune('A' + (k - sdl.K_a)))
	case k >= sdl.K_0 && k <= sdl.K_9:
		return string(rune('0' + (k - sdl.K_0)))
	case k == sdl.K_ESCAPE:
		return "Escape"
	case k == sdl.K_SPACE:
		return "Space"
	case k == sdl.K_RETURN:
		return "Enter"
	}
	return sdl.GetKeyName(k)
}
