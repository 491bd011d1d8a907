package expression

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type param struct {
	id           string
	min, max     float32
	def, current float32
}

// table is a minimal Target with clamping writes.
type table struct {
	params []param
	writes int
}

func newTable() *table {
	return &table{params: []param{
		{id: "ParamEyeLOpen", min: 0, max: 1, def: 1, current: 1},
		{id: "ParamMouthForm", min: -1, max: 1, def: 0, current: 0},
		{id: "ParamBrowLY", min: -1, max: 1, def: 0, current: 0},
		{id: "ParamCheek", min: 0, max: 1, def: 0, current: 0},
	}}
}

func (t *table) Index(id string) (int, bool) {
	for i, p := range t.params {
		if p.id == id {
			return i, true
		}
	}
	return 0, false
}

func (t *table) Value(i int) float32   { return t.params[i].current }
func (t *table) Default(i int) float32 { return t.params[i].def }

func (t *table) Set(i int, v float32) {
	t.writes++
	p := &t.params[i]
	p.current = min(max(v, p.min), p.max)
}

// restore mimics the instance resetting the table at the start of a tick.
func (t *table) restore() {
	for i := range t.params {
		t.params[i].current = t.params[i].def
	}
}

func (t *table) value(id string) float32 {
	i, _ := t.Index(id)
	return t.params[i].current
}

func run(e *Engine, t *table, seconds, dt float64) {
	for elapsed := 0.0; elapsed < seconds-1e-9; elapsed += dt {
		t.restore()
		e.Update(t, dt)
	}
}

const smileJSON = `{
	"Type": "Live2D Expression",
	"FadeInTime": 0.5,
	"FadeOutTime": 0.5,
	"Parameters": [
		{"Id": "ParamEyeLOpen", "Value": 0.5, "Blend": "Multiply"},
		{"Id": "ParamMouthForm", "Value": 1, "Blend": "Overwrite"},
		{"Id": "ParamCheek", "Value": 0.6}
	]
}`

const angryJSON = `{
	"Type": "Live2D Expression",
	"Parameters": [
		{"Id": "ParamMouthForm", "Value": -1, "Blend": "Overwrite"},
		{"Id": "ParamBrowLY", "Value": -0.8, "Blend": "Add"},
		{"Id": "ParamUnknown", "Value": 1, "Blend": "Overwrite"}
	]
}`

func newEngine(t *testing.T) *Engine {
	t.Helper()
	smile, err := Parse([]byte(smileJSON), "Smile")
	require.NoError(t, err)
	angry, err := Parse([]byte(angryJSON), "Angry")
	require.NoError(t, err)
	return NewEngine([]*Definition{smile, angry}, 0)
}

func TestParse(t *testing.T) {
	d, err := Parse([]byte(smileJSON), "Smile")
	require.NoError(t, err)

	assert.Equal(t, "Smile", d.Name)
	assert.Equal(t, 500*time.Millisecond, d.FadeIn)
	require.Len(t, d.Entries, 3)
	assert.Equal(t, Multiply, d.Entries[0].Blend)
	assert.Equal(t, Overwrite, d.Entries[1].Blend)
	assert.Equal(t, Add, d.Entries[2].Blend)
	assert.Equal(t, float32(1), d.Entries[2].Weight)

	angry, err := Parse([]byte(angryJSON), "Angry")
	require.NoError(t, err)
	assert.Less(t, angry.FadeIn, time.Duration(0), "omitted fade falls back to the engine default")
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed", `{"Parameters": [`},
		{"unknown blend", `{"Parameters": [{"Id": "ParamA", "Value": 1, "Blend": "Screen"}]}`},
		{"missing id", `{"Parameters": [{"Value": 1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), "x")
			assert.Error(t, err)
		})
	}
}

func TestApplyBlendsToTarget(t *testing.T) {
	e := newEngine(t)
	tbl := newTable()

	require.NoError(t, e.Apply("Smile"))
	phase, ok := e.Phase("Smile")
	require.True(t, ok)
	assert.Equal(t, Queued, phase)

	tbl.restore()
	e.Update(tbl, 0.1)
	phase, _ = e.Phase("Smile")
	assert.Equal(t, BlendingIn, phase)
	mid := tbl.value("ParamMouthForm")
	assert.Greater(t, mid, float32(0))
	assert.Less(t, mid, float32(1))

	run(e, tbl, 0.5, 0.125)
	phase, _ = e.Phase("Smile")
	assert.Equal(t, Active, phase)
	assert.InDelta(t, 0.5, tbl.value("ParamEyeLOpen"), 1e-5, "multiply: default*value")
	assert.InDelta(t, 1.0, tbl.value("ParamMouthForm"), 1e-5, "overwrite: value")
	assert.InDelta(t, 0.6, tbl.value("ParamCheek"), 1e-5, "add: default+value")
}

func TestApplyUnknownLeavesTableUnchanged(t *testing.T) {
	e := newEngine(t)
	tbl := newTable()

	err := e.Apply("KeyZ")
	assert.True(t, errors.Is(err, ErrExpressionNotFound))
	assert.ErrorIs(t, e.Clear("KeyZ"), ErrExpressionNotFound)

	e.Update(tbl, 0.1)
	assert.Zero(t, tbl.writes)
	assert.Empty(t, e.Active())
}

func TestApplyTwiceIsIdempotent(t *testing.T) {
	once := newEngine(t)
	onceTbl := newTable()
	require.NoError(t, once.Apply("Smile"))
	run(once, onceTbl, 1, 0.0625)

	twice := newEngine(t)
	twiceTbl := newTable()
	require.NoError(t, twice.Apply("Smile"))
	run(twice, twiceTbl, 0.2, 0.0625)
	require.NoError(t, twice.Apply("Smile"))
	run(twice, twiceTbl, 1, 0.0625)

	for _, p := range onceTbl.params {
		assert.InDelta(t, p.current, twiceTbl.value(p.id), 1e-5, p.id)
	}
	assert.Equal(t, []string{"Smile"}, twice.Active())
}

func TestRestartBlendsFromHeldValue(t *testing.T) {
	e := newEngine(t)
	tbl := newTable()
	require.NoError(t, e.Apply("Smile"))
	run(e, tbl, 1, 0.125)

	require.NoError(t, e.Apply("Smile"))
	tbl.restore()
	e.Update(tbl, 0.01)
	assert.InDelta(t, 1.0, tbl.value("ParamMouthForm"), 1e-5, "restart must not snap back to the base value")
}

func TestLastAppliedWins(t *testing.T) {
	e := newEngine(t)
	tbl := newTable()

	require.NoError(t, e.Apply("Smile"))
	require.NoError(t, e.Apply("Angry"))
	run(e, tbl, 1, 0.125)

	assert.InDelta(t, -1.0, tbl.value("ParamMouthForm"), 1e-5)
	assert.InDelta(t, -0.8, tbl.value("ParamBrowLY"), 1e-5)
	assert.InDelta(t, 0.6, tbl.value("ParamCheek"), 1e-5, "unshared parameters keep the older expression")
	assert.Equal(t, []string{"Smile", "Angry"}, e.Active())
}

func TestClearRampsToDefault(t *testing.T) {
	e := newEngine(t)
	tbl := newTable()
	require.NoError(t, e.Apply("Smile"))
	run(e, tbl, 1, 0.125)

	require.NoError(t, e.Clear("Smile"))
	phase, _ := e.Phase("Smile")
	assert.Equal(t, Clearing, phase)

	run(e, tbl, 0.5, 0.125)
	assert.InDelta(t, 1.0, tbl.value("ParamEyeLOpen"), 1e-5)
	assert.InDelta(t, 0.0, tbl.value("ParamMouthForm"), 1e-5)
	assert.Empty(t, e.Active())

	// Clearing again is a no-op.
	assert.NoError(t, e.Clear("Smile"))
}

func TestClearAllReturnsToDefaultsWithinOneFade(t *testing.T) {
	e := newEngine(t)
	tbl := newTable()
	require.NoError(t, e.Apply("Smile"))
	require.NoError(t, e.Apply("Angry"))
	run(e, tbl, 1, 0.125)

	e.ClearAll()
	run(e, tbl, DefaultFade.Seconds(), 0.125)

	for _, p := range tbl.params {
		assert.InDelta(t, p.def, p.current, 1e-5, p.id)
	}
	assert.Empty(t, e.Active())
}

func TestClearQueuedDropsImmediately(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Apply("Angry"))
	require.NoError(t, e.Clear("Angry"))

	_, ok := e.Phase("Angry")
	assert.False(t, ok)
}

func TestNames(t *testing.T) {
	e := newEngine(t)
	assert.Equal(t, []string{"Angry", "Smile"}, e.Names())
}

func TestEaseSine(t *testing.T) {
	assert.Equal(t, 0.0, easeSine(-1))
	assert.Equal(t, 1.0, easeSine(2))
	assert.InDelta(t, 0.5, easeSine(0.5), 1e-12)
}
