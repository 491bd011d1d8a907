package puppet

import (
	"encoding/json"
	"fmt"
	"math"
)

// Rig is a flat, JSON-described puppet: textured quads whose placement is
// bound linearly to parameters. The preview engine draws it in place of a
// compiled model core.
type Rig struct {
	Parameters []RigParameter `json:"parameters"`
	Parts      []string       `json:"parts"`
	Drawables  []RigDrawable  `json:"drawables"`
}

// RigParameter declares one parameter.
type RigParameter struct {
	ID      string  `json:"id"`
	Min     float32 `json:"min"`
	Max     float32 `json:"max"`
	Default float32 `json:"default"`
}

// RigDrawable is one textured quad. Rect is center x, center y, width and
// height in model space ([-1,1] spans the view height); UV is u0, v0, u1, v1.
type RigDrawable struct {
	ID       string       `json:"id"`
	Part     string       `json:"part"`
	Texture  int          `json:"texture"`
	Rect     [4]float32   `json:"rect"`
	UV       [4]float32   `json:"uv"`
	Bindings []RigBinding `json:"bindings"`

	part     int
	bindings []int
}

// RigBinding moves a drawable per unit of parameter value.
type RigBinding struct {
	Param   string  `json:"param"`
	DX      float32 `json:"dx"`
	DY      float32 `json:"dy"`
	SX      float32 `json:"sx"`
	SY      float32 `json:"sy"`
	Rotate  float32 `json:"rotate"` // degrees
	Opacity float32 `json:"opacity"`
}

// Quad is an evaluated drawable: four corners (counter-clockwise from
// bottom-left), its UVs and final opacity.
type Quad struct {
	Texture int
	Corners [4][2]float32
	UV      [4]float32
	Opacity float32
}

// ParseRig parses and resolves a rig description.
func ParseRig(data []byte) (*Rig, error) {
	var r Rig
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse rig: %w", err)
	}
	if err := r.resolve(); err != nil {
		return nil, err
	}
	return &r, nil
}

// DefaultRig is used for models without core data: the standard face
// parameters and one full-view quad per texture.
func DefaultRig(textures int) *Rig {
	r := &Rig{
		Parameters: []RigParameter{
			{ID: ParamAngleX, Min: -30, Max: 30},
			{ID: ParamAngleY, Min: -30, Max: 30},
			{ID: ParamAngleZ, Min: -30, Max: 30},
			{ID: ParamBodyAngleX, Min: -10, Max: 10},
			{ID: ParamBreath, Min: 0, Max: 1},
			{ID: ParamEyeLOpen, Min: 0, Max: 1, Default: 1},
			{ID: ParamEyeROpen, Min: 0, Max: 1, Default: 1},
			{ID: ParamEyeBallX, Min: -1, Max: 1},
			{ID: ParamEyeBallY, Min: -1, Max: 1},
			{ID: ParamMouthOpenY, Min: 0, Max: 1},
			{ID: ParamMouthForm, Min: -1, Max: 1},
		},
	}
	for i := 0; i < textures; i++ {
		r.Drawables = append(r.Drawables, RigDrawable{
			ID:      fmt.Sprintf("Layer%d", i),
			Texture: i,
			Rect:    [4]float32{0, 0, 2, 2},
			UV:      [4]float32{0, 0, 1, 1},
			Bindings: []RigBinding{
				{Param: ParamAngleX, DX: 0.002},
				{Param: ParamAngleY, DY: 0.002},
				{Param: ParamAngleZ, Rotate: 0.1},
				{Param: ParamBreath, SY: 0.01},
			},
		})
	}
	// Rig is built from constants; resolve cannot fail.
	_ = r.resolve()
	return r
}

func (r *Rig) resolve() error {
	params := make(map[string]int, len(r.Parameters))
	for i, p := range r.Parameters {
		if p.ID == "" {
			return fmt.Errorf("parse rig: parameter %d has no id", i)
		}
		params[p.ID] = i
	}
	parts := make(map[string]int, len(r.Parts))
	for i, p := range r.Parts {
		parts[p] = i
	}
	for i := range r.Drawables {
		d := &r.Drawables[i]
		d.part = -1
		if d.Part != "" {
			idx, ok := parts[d.Part]
			if !ok {
				return fmt.Errorf("parse rig: drawable %q: unknown part %q", d.ID, d.Part)
			}
			d.part = idx
		}
		d.bindings = make([]int, len(d.Bindings))
		for j, b := range d.Bindings {
			idx, ok := params[b.Param]
			if !ok {
				return fmt.Errorf("parse rig: drawable %q: unknown parameter %q", d.ID, b.Param)
			}
			d.bindings[j] = idx
		}
	}
	return nil
}

// Defs returns the rig parameters as table definitions.
func (r *Rig) Defs() []ParameterDef {
	out := make([]ParameterDef, len(r.Parameters))
	for i, p := range r.Parameters {
		out[i] = ParameterDef{ID: p.ID, Min: p.Min, Max: p.Max, Default: p.Default}
	}
	return out
}

// Evaluate places every drawable for the given parameter and opacity
// vectors. Drawables of fully transparent parts are omitted.
func (r *Rig) Evaluate(params, opacities []float32, dst []Quad) []Quad {
	dst = dst[:0]
	for i := range r.Drawables {
		d := &r.Drawables[i]
		cx, cy, w, h := d.Rect[0], d.Rect[1], d.Rect[2], d.Rect[3]
		var rot float32
		alpha := float32(1)
		if d.part >= 0 && d.part < len(opacities) {
			alpha = opacities[d.part]
		}
		for j, b := range d.Bindings {
			var v float32
			if idx := d.bindings[j]; idx < len(params) {
				v = params[idx] - r.Parameters[idx].Default
			}
			cx += b.DX * v
			cy += b.DY * v
			w *= 1 + b.SX*v
			h *= 1 + b.SY*v
			rot += b.Rotate * v
			alpha += b.Opacity * v
		}
		alpha = clamp(alpha, 0, 1)
		if alpha == 0 {
			continue
		}

		sin, cos := math.Sincos(float64(rot) * math.Pi / 180)
		s, c := float32(sin), float32(cos)
		q := Quad{Texture: d.Texture, UV: d.UV, Opacity: alpha}
		for k, off := range [4][2]float32{{-0.5, -0.5}, {0.5, -0.5}, {0.5, 0.5}, {-0.5, 0.5}} {
			x, y := off[0]*w, off[1]*h
			q.Corners[k] = [2]float32{cx + x*c - y*s, cy + x*s + y*c}
		}
		dst = append(dst, q)
	}
	return dst
}
