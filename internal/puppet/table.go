package puppet

// ParameterDef describes one engine parameter.
type ParameterDef struct {
	ID      string
	Min     float32
	Max     float32
	Default float32
}

// Parameter is a snapshot of one parameter table row.
type Parameter struct {
	ParameterDef
	Index int
	Value float32
}

// Table is the parameter vector of one instance plus part opacities.
// Every write clamps to the parameter's range.
//
// Table is not safe for concurrent use; the owning Instance serializes access.
type Table struct {
	defs   []ParameterDef
	values []float32
	base   []float32
	byID   map[string]int

	parts     []string
	opacities []float32
	partByID  map[string]int
}

// NewTable creates a table with every parameter at its default and every
// part fully opaque. Inverted ranges are normalized.
func NewTable(params []ParameterDef, parts []string) *Table {
	t := &Table{
		defs:      make([]ParameterDef, len(params)),
		values:    make([]float32, len(params)),
		base:      make([]float32, len(params)),
		byID:      make(map[string]int, len(params)),
		parts:     append([]string(nil), parts...),
		opacities: make([]float32, len(parts)),
		partByID:  make(map[string]int, len(parts)),
	}
	for i, d := range params {
		if d.Min > d.Max {
			d.Min, d.Max = d.Max, d.Min
		}
		d.Default = clamp(d.Default, d.Min, d.Max)
		t.defs[i] = d
		t.values[i] = d.Default
		t.base[i] = d.Default
		t.byID[d.ID] = i
	}
	for i, p := range parts {
		t.opacities[i] = 1
		t.partByID[p] = i
	}
	return t
}

// Len returns the number of parameters.
func (t *Table) Len() int { return len(t.defs) }

// Index returns the index of a parameter id.
func (t *Table) Index(id string) (int, bool) {
	i, ok := t.byID[id]
	return i, ok
}

// Parameter returns a snapshot of parameter i.
func (t *Table) Parameter(i int) (Parameter, bool) {
	if !t.valid(i) {
		return Parameter{}, false
	}
	return Parameter{ParameterDef: t.defs[i], Index: i, Value: t.values[i]}, true
}

// Value returns the current value of parameter i, or 0 when out of range.
func (t *Table) Value(i int) float32 {
	if !t.valid(i) {
		return 0
	}
	return t.values[i]
}

// Default returns the default value of parameter i.
func (t *Table) Default(i int) float32 {
	if !t.valid(i) {
		return 0
	}
	return t.defs[i].Default
}

// Range returns the bounds of parameter i.
func (t *Table) Range(i int) (lo, hi float32) {
	if !t.valid(i) {
		return 0, 0
	}
	return t.defs[i].Min, t.defs[i].Max
}

// Set writes parameter i for the current tick only.
func (t *Table) Set(i int, v float32) {
	if !t.valid(i) {
		return
	}
	t.values[i] = clamp(v, t.defs[i].Min, t.defs[i].Max)
}

// Add blends delta into parameter i: current += delta*weight.
func (t *Table) Add(i int, delta, weight float32) {
	if !t.valid(i) {
		return
	}
	t.values[i] = clamp(t.values[i]+delta*weight, t.defs[i].Min, t.defs[i].Max)
}

// SetByID is Set addressed by parameter id. Unknown ids are ignored.
func (t *Table) SetByID(id string, v float32) {
	if i, ok := t.byID[id]; ok {
		t.Set(i, v)
	}
}

// AddByID is Add addressed by parameter id. Unknown ids are ignored.
func (t *Table) AddByID(id string, delta, weight float32) {
	if i, ok := t.byID[id]; ok {
		t.Add(i, delta, weight)
	}
}

// SetBase sets both the current and the saved value of parameter i, so the
// write survives RestoreBase.
func (t *Table) SetBase(i int, v float32) {
	if !t.valid(i) {
		return
	}
	v = clamp(v, t.defs[i].Min, t.defs[i].Max)
	t.values[i] = v
	t.base[i] = v
}

// RestoreBase resets every parameter to its saved value. Called at the
// start of each update pass so per-tick contributions do not accumulate.
func (t *Table) RestoreBase() {
	copy(t.values, t.base)
}

// Values returns the current parameter vector. The slice is owned by the table.
func (t *Table) Values() []float32 { return t.values }

// Parts returns the part ids.
func (t *Table) Parts() []string { return t.parts }

// PartIndex returns the index of a part id.
func (t *Table) PartIndex(id string) (int, bool) {
	i, ok := t.partByID[id]
	return i, ok
}

// SetPartOpacity sets the opacity of part i, clamped to [0,1].
func (t *Table) SetPartOpacity(i int, opacity float32) bool {
	if i < 0 || i >= len(t.opacities) {
		return false
	}
	t.opacities[i] = clamp(opacity, 0, 1)
	return true
}

// PartOpacity returns the opacity of part i.
func (t *Table) PartOpacity(i int) float32 {
	if i < 0 || i >= len(t.opacities) {
		return 0
	}
	return t.opacities[i]
}

// PartOpacities returns the opacity vector. The slice is owned by the table.
func (t *Table) PartOpacities() []float32 { return t.opacities }

func (t *Table) valid(i int) bool { return i >= 0 && i < len(t.defs) }

func clamp(v, lo, hi float32) float32 {
	if v < lo || v != v {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
