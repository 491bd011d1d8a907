// Package renderer prepares OpenGL state for each frame.
package renderer

import (
	"fmt"

	"github.com/go-gl/gl/v4.1-core/gl"
	"go.uber.org/zap"

	"github.com/Faultbox/l2dview/internal/logger"
)

// Config holds renderer configuration.
type Config struct {
	ClearColor [4]float32
}

// GL clears and configures the default framebuffer for puppet drawing.
type GL struct {
	config Config
	width  int32
	height int32
	log    *zap.Logger
}

// New initializes OpenGL function pointers and returns a renderer.
// Must be called after the context is current.
func New(cfg Config) (*GL, error) {
	if err := gl.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize OpenGL: %w", err)
	}
	r := &GL{
		config: Config{ClearColor: normalizeColor(cfg.ClearColor)},
		log:    logger.Named("renderer"),
	}
	r.log.Info("OpenGL initialized",
		zap.String("version", gl.GoStr(gl.GetString(gl.VERSION))),
		zap.String("renderer", gl.GoStr(gl.GetString(gl.RENDERER))),
	)
	return r, nil
}

// Viewport sets the drawable area in device pixels.
func (r *GL) Viewport(width, height int) {
	r.width, r.height = int32(width), int32(height)
	gl.Viewport(0, 0, r.width, r.height)
	r.log.Debug("viewport", zap.Int("width", width), zap.Int("height", height))
}

// BeginFrame clears color and depth and sets the blend and depth state
// puppet drawing expects (premultiplied-friendly alpha blending, LEQUAL).
func (r *GL) BeginFrame() {
	c := r.config.ClearColor
	gl.ClearColor(c[0], c[1], c[2], c[3])
	gl.Enable(gl.DEPTH_TEST)
	gl.DepthFunc(gl.LEQUAL)
	gl.ClearDepth(1.0)
	gl.Clear(gl.COLOR_BUFFER_BIT | gl.DEPTH_BUFFER_BIT)
	gl.Enable(gl.BLEND)
	gl.BlendFunc(gl.SRC_ALPHA, gl.ONE_MINUS_SRC_ALPHA)
}

// ReadPixels reads the back buffer as bottom-up RGBA rows. Call it after
// drawing and before the buffers are swapped.
func (r *GL) ReadPixels() ([]byte, int, int) {
	w, h := int(r.width), int(r.height)
	if w <= 0 || h <= 0 {
		return nil, 0, 0
	}
	pixels := make([]byte, w*h*4)
	gl.PixelStorei(gl.PACK_ALIGNMENT, 1)
	gl.ReadPixels(0, 0, r.width, r.height, gl.RGBA, gl.UNSIGNED_BYTE, gl.Ptr(pixels))
	return pixels, w, h
}

// Close releases renderer resources. The default framebuffer has none.
func (r *GL) Close() {
	r.log.Info("closing renderer")
}

func normalizeColor(c [4]float32) [4]float32 {
	for i, v := range c {
		switch {
		case v < 0:
			c[i] = 0
		case v > 1:
			c[i] = 1
		}
	}
	return c
}
