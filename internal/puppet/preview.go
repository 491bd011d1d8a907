package puppet

import (
	"fmt"
	"unsafe"

	"github.com/go-gl/gl/v4.1-core/gl"

	"github.com/Faultbox/l2dview/internal/engine/shader"
	"github.com/Faultbox/l2dview/internal/engine/texture"
)

const previewVertexShader = `
#version 410 core

layout (location = 0) in vec2 aPos;
layout (location = 1) in vec2 aUV;

uniform vec2 uScale;

out vec2 vUV;

void main() {
	gl_Position = vec4(aPos * uScale, 0.0, 1.0);
	vUV = aUV;
}
`

const previewFragmentShader = `
#version 410 core

in vec2 vUV;

uniform sampler2D uTexture;
uniform float uOpacity;

out vec4 FragColor;

void main() {
	// textures are premultiplied
	FragColor = texture(uTexture, vUV) * uOpacity;
}
`

// previewEngine draws a Rig with one dynamic vertex buffer.
type previewEngine struct {
	rig      *Rig
	program  *shader.Program
	vao, vbo uint32
	quads    []Quad
	verts    []float32
}

// NewPreviewEngine is an EngineFactory that reads the model core data as
// a JSON Rig, or uses DefaultRig when there is none. Render thread only.
func NewPreviewEngine(core []byte, s *Settings) (Engine, error) {
	rig := DefaultRig(len(s.FileReferences.Textures))
	if len(core) > 0 {
		var err error
		if rig, err = ParseRig(core); err != nil {
			return nil, err
		}
	}

	prog, err := shader.Compile(previewVertexShader, previewFragmentShader)
	if err != nil {
		return nil, fmt.Errorf("preview shader: %w", err)
	}
	e := &previewEngine{rig: rig, program: prog}

	gl.GenVertexArrays(1, &e.vao)
	gl.BindVertexArray(e.vao)
	gl.GenBuffers(1, &e.vbo)
	gl.BindBuffer(gl.ARRAY_BUFFER, e.vbo)

	// Position (location = 0), UV (location = 1)
	gl.VertexAttribPointer(0, 2, gl.FLOAT, false, 4*4, nil)
	gl.EnableVertexAttribArray(0)
	gl.VertexAttribPointer(1, 2, gl.FLOAT, false, 4*4, unsafe.Pointer(uintptr(2*4)))
	gl.EnableVertexAttribArray(1)

	gl.BindBuffer(gl.ARRAY_BUFFER, 0)
	gl.BindVertexArray(0)
	return e, nil
}

func (e *previewEngine) Parameters() []ParameterDef { return e.rig.Defs() }
func (e *previewEngine) Parts() []string            { return e.rig.Parts }

func (e *previewEngine) Update(params, opacities []float32) error {
	e.quads = e.rig.Evaluate(params, opacities, e.quads)
	e.verts = e.verts[:0]
	for _, q := range e.quads {
		u0, v0, u1, v1 := q.UV[0], q.UV[1], q.UV[2], q.UV[3]
		uv := [4][2]float32{{u0, v1}, {u1, v1}, {u1, v0}, {u0, v0}}
		// two triangles: 0-1-2, 0-2-3
		for _, k := range [6]int{0, 1, 2, 0, 2, 3} {
			e.verts = append(e.verts, q.Corners[k][0], q.Corners[k][1], uv[k][0], uv[k][1])
		}
	}
	return nil
}

func (e *previewEngine) Draw(textures []texture.ID) error {
	if len(e.quads) == 0 {
		return nil
	}
	var vp [4]int32
	gl.GetIntegerv(gl.VIEWPORT, &vp[0])
	scaleX := float32(1)
	if vp[2] > 0 && vp[3] > 0 {
		scaleX = float32(vp[3]) / float32(vp[2])
	}

	e.program.Use()
	gl.Uniform2f(e.program.Uniform("uScale"), scaleX, 1)
	gl.Uniform1i(e.program.Uniform("uTexture"), 0)
	gl.ActiveTexture(gl.TEXTURE0)
	// premultiplied alpha
	gl.BlendFunc(gl.ONE, gl.ONE_MINUS_SRC_ALPHA)

	gl.BindVertexArray(e.vao)
	gl.BindBuffer(gl.ARRAY_BUFFER, e.vbo)
	gl.BufferData(gl.ARRAY_BUFFER, len(e.verts)*4, unsafe.Pointer(&e.verts[0]), gl.STREAM_DRAW)

	for i, q := range e.quads {
		if q.Texture < 0 || q.Texture >= len(textures) {
			continue
		}
		gl.BindTexture(gl.TEXTURE_2D, uint32(textures[q.Texture]))
		gl.Uniform1f(e.program.Uniform("uOpacity"), q.Opacity)
		gl.DrawArrays(gl.TRIANGLES, int32(i*6), 6)
	}

	gl.BindTexture(gl.TEXTURE_2D, 0)
	gl.BindBuffer(gl.ARRAY_BUFFER, 0)
	gl.BindVertexArray(0)
	gl.BlendFunc(gl.SRC_ALPHA, gl.ONE_MINUS_SRC_ALPHA)

	if code := gl.GetError(); code != gl.NO_ERROR {
		return fmt.Errorf("preview draw: GL error 0x%x", code)
	}
	return nil
}

func (e *previewEngine) Release() {
	if e.vao != 0 {
		gl.DeleteVertexArrays(1, &e.vao)
		e.vao = 0
	}
	if e.vbo != 0 {
		gl.DeleteBuffers(1, &e.vbo)
		e.vbo = 0
	}
	e.program.Delete()
}
