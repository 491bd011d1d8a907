package texture

import (
	"fmt"
	"image"
	"unsafe"

	"github.com/go-gl/gl/v4.1-core/gl"
)

// GLUploader uploads textures through OpenGL. It requires a current context.
type GLUploader struct {
	// Mipmaps enables trilinear filtering. Puppet atlases are usually drawn
	// near 1:1, so the default is plain linear filtering.
	Mipmaps bool
}

// Upload creates a GL texture from premultiplied RGBA pixels.
func (u *GLUploader) Upload(img *image.RGBA) (ID, error) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w == 0 || h == 0 || len(img.Pix) == 0 {
		return 0, fmt.Errorf("empty image %dx%d", w, h)
	}

	var texID uint32
	gl.GenTextures(1, &texID)
	if texID == 0 {
		return 0, fmt.Errorf("glGenTextures returned 0")
	}
	gl.BindTexture(gl.TEXTURE_2D, texID)
	gl.PixelStorei(gl.UNPACK_ALIGNMENT, 4)
	gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA, int32(w), int32(h), 0, gl.RGBA, gl.UNSIGNED_BYTE, unsafe.Pointer(&img.Pix[0]))

	if u.Mipmaps {
		gl.GenerateMipmap(gl.TEXTURE_2D)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR_MIPMAP_LINEAR)
	} else {
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
	}
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
	gl.BindTexture(gl.TEXTURE_2D, 0)

	if errCode := gl.GetError(); errCode != gl.NO_ERROR {
		gl.DeleteTextures(1, &texID)
		return 0, fmt.Errorf("texture upload failed: GL error 0x%x", errCode)
	}
	return ID(texID), nil
}

// Delete frees GL textures.
func (u *GLUploader) Delete(ids []ID) {
	if len(ids) == 0 {
		return
	}
	names := make([]uint32, len(ids))
	for i, id := range ids {
		names[i] = uint32(id)
	}
	gl.DeleteTextures(int32(len(names)), &names[0])
}
