package expression

import (
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultFade is used when a definition omits its fade time.
const DefaultFade = 500 * time.Millisecond

// Phase is the lifecycle stage of an applied expression.
type Phase int

const (
	Queued Phase = iota
	BlendingIn
	Active
	Clearing
)

func (p Phase) String() string {
	switch p {
	case Queued:
		return "queued"
	case BlendingIn:
		return "blending-in"
	case Active:
		return "active"
	case Clearing:
		return "clearing"
	}
	return "unknown"
}

// Target is the parameter table an engine writes into.
type Target interface {
	Index(id string) (int, bool)
	Value(i int) float32
	Default(i int) float32
	Set(i int, v float32)
}

// ramp drives one parameter for the expression that currently owns it.
type ramp struct {
	owner    string
	index    int
	from     float32
	to       float32
	def      float32
	held     float32
	weight   float32
	elapsed  float64
	duration float64
}

func (r *ramp) done() bool { return r.elapsed >= r.duration }

type applied struct {
	def   *Definition
	phase Phase
	seq   int
}

// Engine blends expressions into a Target. Apply, Clear and ClearAll may
// be called from any goroutine; Update runs on the render thread.
type Engine struct {
	mu     sync.Mutex
	defs   map[string]*Definition
	fade   time.Duration
	active map[string]*applied
	ramps  map[int]*ramp // by parameter index
	seq    int
}

// NewEngine creates an engine over the given definitions. fade replaces
// DefaultFade for definitions without their own fade time; zero or
// negative keeps DefaultFade.
func NewEngine(defs []*Definition, fade time.Duration) *Engine {
	if fade <= 0 {
		fade = DefaultFade
	}
	e := &Engine{
		defs:   make(map[string]*Definition, len(defs)),
		fade:   fade,
		active: make(map[string]*applied),
		ramps:  make(map[int]*ramp),
	}
	for _, d := range defs {
		e.defs[d.Name] = d
	}
	return e
}

// Names returns the loaded definition names, sorted.
func (e *Engine) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.defs))
	for n := range e.defs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Apply queues an expression; it starts blending in on the next Update.
// Applying an expression that is already applied restarts its blend-in.
func (e *Engine) Apply(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.defs[name]
	if !ok {
		return ErrExpressionNotFound
	}
	e.seq++
	e.active[name] = &applied{def: def, phase: Queued, seq: e.seq}
	return nil
}

// Clear ramps every parameter the expression owns back to its default and
// drops the expression once the ramps complete. Clearing an expression
// that is not applied is a no-op.
func (e *Engine) Clear(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.defs[name]; !ok {
		return ErrExpressionNotFound
	}
	e.clear(name)
	return nil
}

// ClearAll clears every applied expression.
func (e *Engine) ClearAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name := range e.active {
		e.clear(name)
	}
}

func (e *Engine) clear(name string) {
	a, ok := e.active[name]
	if !ok || a.phase == Clearing {
		return
	}
	owned := false
	fade := e.fadeOut(a.def)
	for _, r := range e.ramps {
		if r.owner != name {
			continue
		}
		owned = true
		r.from, r.to = r.held, r.def
		r.elapsed, r.duration = 0, fade
	}
	if !owned {
		delete(e.active, name)
		return
	}
	a.phase = Clearing
}

// Active returns the applied expressions in application order.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := make([]*applied, 0, len(e.active))
	for _, a := range e.active {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.def.Name
	}
	return out
}

// Phase reports the lifecycle stage of an applied expression.
func (e *Engine) Phase(name string) (Phase, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.active[name]
	if !ok {
		return 0, false
	}
	return a.phase, true
}

// Update starts queued expressions, advances every ramp by dt seconds and
// writes lerp(current, held, weight) for each owned parameter.
func (e *Engine) Update(t Target, dt float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.startQueued(t)

	for _, r := range e.ramps {
		r.elapsed += dt
		p := 1.0
		if r.duration > 0 {
			p = math.Min(r.elapsed/r.duration, 1)
		}
		r.held = r.from + (r.to-r.from)*float32(easeSine(p))
		cur := t.Value(r.index)
		t.Set(r.index, cur+(r.held-cur)*r.weight)
	}

	for name, a := range e.active {
		if a.phase != BlendingIn && a.phase != Clearing {
			continue
		}
		if !e.settled(name) {
			continue
		}
		if a.phase == BlendingIn {
			a.phase = Active
			continue
		}
		for idx, r := range e.ramps {
			if r.owner == name {
				delete(e.ramps, idx)
			}
		}
		delete(e.active, name)
	}
}

// startQueued begins queued expressions oldest first, so the most recently
// applied one takes ownership of shared parameters.
func (e *Engine) startQueued(t Target) {
	var queued []*applied
	for _, a := range e.active {
		if a.phase == Queued {
			queued = append(queued, a)
		}
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].seq < queued[j].seq })

	for _, a := range queued {
		fade := e.fadeIn(a.def)
		for _, en := range a.def.Entries {
			idx, ok := t.Index(en.ParamID)
			if !ok {
				continue
			}
			def := t.Default(idx)
			from := t.Value(idx)
			if prev, ok := e.ramps[idx]; ok {
				from = prev.held
			}
			e.ramps[idx] = &ramp{
				owner:    a.def.Name,
				index:    idx,
				from:     from,
				to:       en.target(def),
				def:      def,
				held:     from,
				weight:   en.Weight,
				duration: fade,
			}
		}
		a.phase = BlendingIn
	}
}

// settled reports whether every ramp owned by name has finished.
func (e *Engine) settled(name string) bool {
	for _, r := range e.ramps {
		if r.owner == name && !r.done() {
			return false
		}
	}
	return true
}

func (e *Engine) fadeIn(d *Definition) float64 {
	if d.FadeIn < 0 {
		return e.fade.Seconds()
	}
	return d.FadeIn.Seconds()
}

func (e *Engine) fadeOut(d *Definition) float64 {
	if d.FadeOut < 0 {
		return e.fade.Seconds()
	}
	return d.FadeOut.Seconds()
}

// easeSine maps [0,1] onto a smooth start and stop.
func easeSine(p float64) float64 {
	if p <= 0 {
		return 0
	}
	if p >= 1 {
		return 1
	}
	return 0.5 - 0.5*math.Cos(p*math.Pi)
}
