package puppet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rigJSON = `{
	"parameters": [
		{"id": "ParamAngleX", "min": -30, "max": 30},
		{"id": "ParamHat", "min": 0, "max": 1, "default": 1}
	],
	"parts": ["PartBody", "PartHat"],
	"drawables": [
		{"id": "Body", "part": "PartBody", "texture": 0, "rect": [0, 0, 1, 2], "uv": [0, 0, 1, 1],
		 "bindings": [{"param": "ParamAngleX", "dx": 0.01}]},
		{"id": "Hat", "part": "PartHat", "texture": 1, "rect": [0, 1, 1, 0.5], "uv": [0, 0, 0.5, 0.5],
		 "bindings": [{"param": "ParamHat", "opacity": 1}]}
	]
}`

func TestDefaultRigQuadsCoverTheView(t *testing.T) {
	r := DefaultRig(2)
	tbl := NewTable(r.Defs(), r.Parts)

	quads := r.Evaluate(tbl.Values(), tbl.PartOpacities(), nil)
	require.Len(t, quads, 2)
	assert.Equal(t, 1, quads[1].Texture)
	want := [4][2]float32{{-1, -1}, {1, -1}, {1, 1}, {-1, 1}}
	for k := range want {
		assert.InDelta(t, want[k][0], quads[0].Corners[k][0], 1e-6)
		assert.InDelta(t, want[k][1], quads[0].Corners[k][1], 1e-6)
	}
}

func TestRigBindingsAndOpacity(t *testing.T) {
	r, err := ParseRig([]byte(rigJSON))
	require.NoError(t, err)
	tbl := NewTable(r.Defs(), r.Parts)

	tbl.SetByID(ParamAngleX, 10)
	quads := r.Evaluate(tbl.Values(), tbl.PartOpacities(), nil)
	require.Len(t, quads, 2)
	assert.InDelta(t, -0.4, quads[0].Corners[0][0], 1e-6, "body shifted by 10*0.01")

	tbl.SetPartOpacity(0, 0)
	quads = r.Evaluate(tbl.Values(), tbl.PartOpacities(), quads)
	require.Len(t, quads, 1, "transparent parts are skipped")
	assert.Equal(t, "Hat", r.Drawables[quads[0].Texture].ID)

	tbl.SetByID("ParamHat", 0)
	tbl.SetPartOpacity(0, 1)
	quads = r.Evaluate(tbl.Values(), tbl.PartOpacities(), quads)
	require.Len(t, quads, 1, "opacity binding hides the hat")
	assert.Equal(t, 0, quads[0].Texture)
}

func TestParseRigErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed", `{"parameters": [`},
		{"unknown parameter", `{"drawables": [{"id": "A", "bindings": [{"param": "ParamX"}]}]}`},
		{"unknown part", `{"drawables": [{"id": "A", "part": "PartX"}]}`},
		{"parameter without id", `{"parameters": [{"min": 0, "max": 1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRig([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}
