package puppet

import (
	"math"
	"math/rand"
)

// Standard Cubism parameter ids.
const (
	ParamAngleX     = "ParamAngleX"
	ParamAngleY     = "ParamAngleY"
	ParamAngleZ     = "ParamAngleZ"
	ParamBodyAngleX = "ParamBodyAngleX"
	ParamBreath     = "ParamBreath"
	ParamEyeBallX   = "ParamEyeBallX"
	ParamEyeBallY   = "ParamEyeBallY"
	ParamEyeLOpen   = "ParamEyeLOpen"
	ParamEyeROpen   = "ParamEyeROpen"
	ParamMouthForm  = "ParamMouthForm"
	ParamMouthOpenY = "ParamMouthOpenY"
)

// breathChannel is one sinusoid: offset + peak*sin(2πt/cycle).
type breathChannel struct {
	id     string
	offset float64
	peak   float64
	cycle  float64
	weight float32
}

// Breath adds slow idle sway to head, body and breath parameters.
type Breath struct {
	channels []breathChannel
	t        float64
}

// NewBreath returns the standard idle breathing channels.
func NewBreath() *Breath {
	return &Breath{channels: []breathChannel{
		{ParamAngleX, 0, 15, 6.5345, 0.5},
		{ParamAngleY, 0, 8, 3.5345, 0.5},
		{ParamAngleZ, 0, 10, 5.5345, 0.5},
		{ParamBodyAngleX, 0, 4, 15.5345, 0.5},
		{ParamBreath, 0.5, 0.5, 3.2345, 0.5},
	}}
}

// Update advances the clock and adds each channel to the table.
func (b *Breath) Update(t *Table, dt float64) {
	b.t += dt
	for _, c := range b.channels {
		v := c.offset + c.peak*math.Sin(b.t*2*math.Pi/c.cycle)
		t.AddByID(c.id, float32(v), c.weight)
	}
}

type blinkPhase int

const (
	blinkFirst blinkPhase = iota
	blinkInterval
	blinkClosing
	blinkClosed
	blinkOpening
)

// Blink timing in seconds.
const (
	blinkIntervalMean = 4.0
	blinkClosingTime  = 0.1
	blinkClosedTime   = 0.05
	blinkOpeningTime  = 0.15
)

// Blink closes and opens the eyes at random intervals.
type Blink struct {
	ids   []string
	rng   *rand.Rand
	phase blinkPhase
	t     float64
	start float64
	next  float64
}

// NewBlink drives the given eye-open parameters. rng must not be shared
// across goroutines.
func NewBlink(ids []string, rng *rand.Rand) *Blink {
	return &Blink{ids: ids, rng: rng}
}

func (b *Blink) nextBlink() float64 {
	return b.t + b.rng.Float64()*(2*blinkIntervalMean-1)
}

// Update advances the blink state machine and writes the eye-open value.
func (b *Blink) Update(t *Table, dt float64) {
	b.t += dt
	v := 1.0

	switch b.phase {
	case blinkClosing:
		p := (b.t - b.start) / blinkClosingTime
		if p >= 1 {
			p = 1
			b.phase, b.start = blinkClosed, b.t
		}
		v = 1 - p
	case blinkClosed:
		if (b.t-b.start)/blinkClosedTime >= 1 {
			b.phase, b.start = blinkOpening, b.t
		}
		v = 0
	case blinkOpening:
		p := (b.t - b.start) / blinkOpeningTime
		if p >= 1 {
			p = 1
			b.phase, b.next = blinkInterval, b.nextBlink()
		}
		v = p
	case blinkInterval:
		if b.next < b.t {
			b.phase, b.start = blinkClosing, b.t
		}
	default:
		b.phase, b.next = blinkInterval, b.nextBlink()
	}

	for _, id := range b.ids {
		t.SetByID(id, float32(v))
	}
}

// Face tracker tuning, in frames of a 30fps reference clock.
const (
	dragFrameRate    = 30.0
	dragEpsilon      = 0.01
	dragMaxSpeed     = 40.0 / 10.0 / dragFrameRate
	dragTimeToMaxSpd = 0.15
)

// Drag follows a pointer target with bounded speed and acceleration and
// turns the head, body and eyes toward it.
type Drag struct {
	targetX, targetY float64
	x, y             float64
	vx, vy           float64
}

// SetTarget sets the look-at target, each axis in [-1,1].
func (d *Drag) SetTarget(x, y float64) {
	d.targetX = math.Max(-1, math.Min(1, x))
	d.targetY = math.Max(-1, math.Min(1, y))
}

// Position returns the current smoothed look-at position.
func (d *Drag) Position() (x, y float64) { return d.x, d.y }

func (d *Drag) step(dt float64) {
	frames := dt * dragFrameRate
	maxA := frames * dragMaxSpeed / (dragTimeToMaxSpd * dragFrameRate)

	dx, dy := d.targetX-d.x, d.targetY-d.y
	if math.Abs(dx) <= dragEpsilon && math.Abs(dy) <= dragEpsilon {
		return
	}
	dist := math.Hypot(dx, dy)

	ax := dragMaxSpeed*dx/dist - d.vx
	ay := dragMaxSpeed*dy/dist - d.vy
	if a := math.Hypot(ax, ay); a > maxA {
		ax *= maxA / a
		ay *= maxA / a
	}
	d.vx += ax
	d.vy += ay

	// Slow down so the tracker stops at the target instead of overshooting.
	brake := 0.5 * (math.Sqrt(maxA*maxA+8*maxA*dist) - maxA)
	if v := math.Hypot(d.vx, d.vy); v > brake {
		d.vx *= brake / v
		d.vy *= brake / v
	}
	d.x += d.vx
	d.y += d.vy
}

// Update advances the tracker and adds the look-at pose to the table.
func (d *Drag) Update(t *Table, dt float64) {
	if dt > 0 {
		d.step(dt)
	}
	x, y := float32(d.x), float32(d.y)
	t.AddByID(ParamAngleX, x*30, 1)
	t.AddByID(ParamAngleY, y*30, 1)
	t.AddByID(ParamAngleZ, x*y*-30, 1)
	t.AddByID(ParamBodyAngleX, x*10, 1)
	t.AddByID(ParamEyeBallX, x, 1)
	t.AddByID(ParamEyeBallY, y, 1)
}
