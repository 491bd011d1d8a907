package texture

import (
	"errors"
	"fmt"
	"image"
)

var errTGATruncated = errors.New("tga: truncated pixel data")

// decodeTGA decodes uncompressed (type 2) and RLE (type 10) true-color TGA
// files into premultiplied RGBA. TGA has no magic number, so it is selected
// by file extension rather than registered with the image package.
func decodeTGA(data []byte) (*image.RGBA, error) {
	if len(data) < 18 {
		return nil, errors.New("tga: header too short")
	}
	idLen := int(data[0])
	if data[1] != 0 {
		return nil, errors.New("tga: color-mapped images not supported")
	}
	kind := data[2]
	if kind != 2 && kind != 10 {
		return nil, fmt.Errorf("tga: unsupported image type %d", kind)
	}
	w := int(data[12]) | int(data[13])<<8
	h := int(data[14]) | int(data[15])<<8
	if w == 0 || h == 0 {
		return nil, errors.New("tga: empty image")
	}
	bpp := int(data[16])
	if bpp != 24 && bpp != 32 {
		return nil, fmt.Errorf("tga: unsupported bit depth %d", bpp)
	}
	topDown := data[17]&0x20 != 0

	src := data[min(18+idLen, len(data)):]
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	px := tgaWriter{img: img, w: w, h: h, topDown: topDown, stride: bpp / 8}

	if kind == 2 {
		if len(src) < w*h*px.stride {
			return nil, errTGATruncated
		}
		for n := 0; n < w*h; n++ {
			px.put(n, src[n*px.stride:])
		}
		return img, nil
	}

	n := 0
	for n < w*h {
		if len(src) == 0 {
			return nil, errTGATruncated
		}
		hdr := src[0]
		src = src[1:]
		count := int(hdr&0x7f) + 1
		if hdr&0x80 != 0 {
			if len(src) < px.stride {
				return nil, errTGATruncated
			}
			for i := 0; i < count && n < w*h; i++ {
				px.put(n, src)
				n++
			}
			src = src[px.stride:]
			continue
		}
		if len(src) < count*px.stride {
			return nil, errTGATruncated
		}
		for i := 0; i < count && n < w*h; i++ {
			px.put(n, src[i*px.stride:])
			n++
		}
		src = src[count*px.stride:]
	}
	return img, nil
}

type tgaWriter struct {
	img     *image.RGBA
	w, h    int
	stride  int
	topDown bool
}

// put writes the BGR(A) pixel at p as pixel number n in file order.
func (t tgaWriter) put(n int, p []byte) {
	x, y := n%t.w, n/t.w
	if !t.topDown {
		y = t.h - 1 - y
	}
	a := uint32(255)
	if t.stride == 4 {
		a = uint32(p[3])
	}
	o := t.img.PixOffset(x, y)
	t.img.Pix[o+0] = uint8(uint32(p[2]) * a / 255)
	t.img.Pix[o+1] = uint8(uint32(p[1]) * a / 255)
	t.img.Pix[o+2] = uint8(uint32(p[0]) * a / 255)
	t.img.Pix[o+3] = uint8(a)
}
