package puppet

import (
	"encoding/json"
	"fmt"
	"math"
)

// physicsFile is the subset of a Cubism physics3.json the pendulum uses.
type physicsFile struct {
	PhysicsSettings []struct {
		ID    string `json:"Id"`
		Input []struct {
			Source  physicsRef `json:"Source"`
			Weight  float64    `json:"Weight"`
			Type    string     `json:"Type"`
			Reflect bool       `json:"Reflect"`
		} `json:"Input"`
		Output []struct {
			Destination physicsRef `json:"Destination"`
			Scale       float64    `json:"Scale"`
			Weight      float64    `json:"Weight"`
			Reflect     bool       `json:"Reflect"`
		} `json:"Output"`
		Vertices []struct {
			Mobility     float64 `json:"Mobility"`
			Delay        float64 `json:"Delay"`
			Acceleration float64 `json:"Acceleration"`
		} `json:"Vertices"`
		Normalization struct {
			Angle struct {
				Minimum float64 `json:"Minimum"`
				Default float64 `json:"Default"`
				Maximum float64 `json:"Maximum"`
			} `json:"Angle"`
		} `json:"Normalization"`
	} `json:"PhysicsSettings"`
}

type physicsRef struct {
	Target string `json:"Target"`
	ID     string `json:"Id"`
}

type physicsInput struct {
	id      string
	index   int
	weight  float64
	reflect bool
}

type physicsOutput struct {
	id      string
	index   int
	scale   float64
	weight  float64
	reflect bool
}

// pendulum is one physics setting reduced to a damped angular spring.
type pendulum struct {
	name     string
	inputs   []physicsInput
	outputs  []physicsOutput
	angleMin float64
	angleDef float64
	angleMax float64
	omega    float64 // natural frequency, rad/s
	zeta     float64 // damping ratio
	angle    float64 // degrees
	velocity float64
}

// Physics swings hair and accessories from head and body movement.
type Physics struct {
	pendulums []*pendulum
}

const (
	physicsSubstep = 1.0 / 120

	// keeps the semi-implicit integration stable at the fixed substep
	maxOmega = 1.5 / physicsSubstep
)

// ParsePhysics builds pendulums from physics3.json data. Inputs of type
// "Y" do not swing a pendulum and are skipped.
func ParsePhysics(data []byte) (*Physics, error) {
	var f physicsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse physics: %w", err)
	}

	p := &Physics{}
	for _, s := range f.PhysicsSettings {
		pd := &pendulum{
			name:     s.ID,
			angleMin: s.Normalization.Angle.Minimum,
			angleDef: s.Normalization.Angle.Default,
			angleMax: s.Normalization.Angle.Maximum,
			omega:    2 * math.Pi * 1.5,
			zeta:     0.3,
		}
		if pd.angleMax <= pd.angleMin {
			pd.angleMin, pd.angleMax = -10, 10
		}
		if n := len(s.Vertices); n > 0 {
			tip := s.Vertices[n-1]
			delay := math.Max(tip.Delay, 0.1)
			pd.omega = math.Min(2*math.Pi*1.5*math.Max(tip.Acceleration, 0.1)/delay, maxOmega)
			pd.zeta = 0.15 + 0.6*(1-math.Min(math.Max(tip.Mobility, 0), 1))
		}
		for _, in := range s.Input {
			if in.Source.Target != "Parameter" || in.Type == "Y" {
				continue
			}
			pd.inputs = append(pd.inputs, physicsInput{id: in.Source.ID, index: -1, weight: in.Weight / 100, reflect: in.Reflect})
		}
		for _, out := range s.Output {
			if out.Destination.Target != "Parameter" {
				continue
			}
			pd.outputs = append(pd.outputs, physicsOutput{id: out.Destination.ID, index: -1, scale: out.Scale, weight: out.Weight / 100, reflect: out.Reflect})
		}
		p.pendulums = append(p.pendulums, pd)
	}
	return p, nil
}

// Bind resolves parameter ids against a table. Unknown ids stay unbound and
// are ignored by Update.
func (p *Physics) Bind(t *Table) {
	for _, pd := range p.pendulums {
		for i := range pd.inputs {
			if idx, ok := t.Index(pd.inputs[i].id); ok {
				pd.inputs[i].index = idx
			}
		}
		for i := range pd.outputs {
			if idx, ok := t.Index(pd.outputs[i].id); ok {
				pd.outputs[i].index = idx
			}
		}
	}
}

// Update advances every pendulum toward the angle its inputs ask for and
// writes the swing to its outputs.
func (p *Physics) Update(t *Table, dt float64) {
	if p == nil || dt <= 0 {
		return
	}
	for _, pd := range p.pendulums {
		target := pd.target(t)
		for left := dt; left > 0; left -= physicsSubstep {
			h := math.Min(left, physicsSubstep)
			acc := -pd.omega*pd.omega*(pd.angle-target) - 2*pd.zeta*pd.omega*pd.velocity
			pd.velocity += acc * h
			pd.angle += pd.velocity * h
		}
		rad := pd.angle * math.Pi / 180
		for _, out := range pd.outputs {
			if out.index < 0 {
				continue
			}
			v := rad * out.scale
			if out.reflect {
				v = -v
			}
			cur := t.Value(out.index)
			t.Set(out.index, cur+(float32(v)-cur)*float32(out.weight))
		}
	}
}

// target maps the weighted, normalized inputs into the setting's angle range.
func (pd *pendulum) target(t *Table) float64 {
	var n float64
	for _, in := range pd.inputs {
		if in.index < 0 {
			continue
		}
		v := normalize(t, in.index)
		if in.reflect {
			v = -v
		}
		n += v * in.weight
	}
	n = math.Max(-1, math.Min(1, n))
	if n >= 0 {
		return pd.angleDef + n*(pd.angleMax-pd.angleDef)
	}
	return pd.angleDef + n*(pd.angleDef-pd.angleMin)
}

// normalize maps a parameter into [-1,1] around its default.
func normalize(t *Table, i int) float64 {
	lo, hi := t.Range(i)
	v, d := float64(t.Value(i)), float64(t.Default(i))
	switch {
	case v > d && float64(hi) > d:
		return (v - d) / (float64(hi) - d)
	case v < d && d > float64(lo):
		return (v - d) / (d - float64(lo))
	}
	return 0
}
