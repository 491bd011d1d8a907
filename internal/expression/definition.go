// Package expression blends named expression presets into a parameter table.
package expression

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrExpressionNotFound is returned for names with no loaded definition.
var ErrExpressionNotFound = errors.New("expression not found")

// Blend is how an entry combines with the parameter's default value.
type Blend int

const (
	// Add targets default + value.
	Add Blend = iota
	// Multiply targets default * value.
	Multiply
	// Overwrite targets value.
	Overwrite
)

func (b Blend) String() string {
	switch b {
	case Add:
		return "Add"
	case Multiply:
		return "Multiply"
	case Overwrite:
		return "Overwrite"
	}
	return fmt.Sprintf("Blend(%d)", int(b))
}

func parseBlend(s string) (Blend, error) {
	switch s {
	case "", "Add":
		return Add, nil
	case "Multiply":
		return Multiply, nil
	case "Overwrite":
		return Overwrite, nil
	}
	return 0, fmt.Errorf("unknown blend %q", s)
}

// Entry is one parameter target of an expression.
type Entry struct {
	ParamID string
	Value   float32
	Weight  float32
	Blend   Blend
}

// target resolves the value the entry drives its parameter to.
func (e Entry) target(def float32) float32 {
	switch e.Blend {
	case Multiply:
		return def * e.Value
	case Overwrite:
		return e.Value
	}
	return def + e.Value
}

// Definition is an immutable expression preset. A negative fade means the
// engine default applies.
type Definition struct {
	Name    string
	FadeIn  time.Duration
	FadeOut time.Duration
	Entries []Entry
}

type exp3File struct {
	Type        string   `json:"Type"`
	FadeInTime  *float64 `json:"FadeInTime"`
	FadeOutTime *float64 `json:"FadeOutTime"`
	Parameters  []struct {
		ID     string   `json:"Id"`
		Value  float32  `json:"Value"`
		Blend  string   `json:"Blend"`
		Weight *float32 `json:"Weight"`
	} `json:"Parameters"`
}

// Parse reads a Cubism exp3.json definition. The optional per-entry
// "Weight" defaults to 1.
func Parse(data []byte, name string) (*Definition, error) {
	var f exp3File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse expression %q: %w", name, err)
	}

	d := &Definition{
		Name:    name,
		FadeIn:  seconds(f.FadeInTime),
		FadeOut: seconds(f.FadeOutTime),
		Entries: make([]Entry, 0, len(f.Parameters)),
	}
	for _, p := range f.Parameters {
		if p.ID == "" {
			return nil, fmt.Errorf("parse expression %q: entry without id", name)
		}
		blend, err := parseBlend(p.Blend)
		if err != nil {
			return nil, fmt.Errorf("parse expression %q: %s: %w", name, p.ID, err)
		}
		w := float32(1)
		if p.Weight != nil {
			w = min(max(*p.Weight, 0), 1)
		}
		d.Entries = append(d.Entries, Entry{ParamID: p.ID, Value: p.Value, Weight: w, Blend: blend})
	}
	return d, nil
}

func seconds(v *float64) time.Duration {
	if v == nil || *v < 0 {
		return -1
	}
	return time.Duration(*v * float64(time.Second))
}
