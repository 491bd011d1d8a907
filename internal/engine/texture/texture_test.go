package texture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/Faultbox/l2dview/internal/assets"
)

// fakeUploader records GPU traffic without a context.
type fakeUploader struct {
	mu      sync.Mutex
	next    ID
	live    map[ID]bool
	deleted []ID
	failOn  int // fail the n-th upload (1-based), 0 = never
	uploads int
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{live: make(map[ID]bool)}
}

func (f *fakeUploader) Upload(img *image.RGBA) (ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.failOn > 0 && f.uploads == f.failOn {
		return 0, errors.New("out of memory")
	}
	f.next++
	f.live[f.next] = true
	return f.next, nil
}

func (f *fakeUploader) Delete(ids []ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.live, id)
		f.deleted = append(f.deleted, id)
	}
}

func (f *fakeUploader) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func encodePNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestCache(t *testing.T, files map[string][]byte) (*Cache, *fakeUploader) {
	t.Helper()
	up := newFakeUploader()
	return NewCache(assets.NewManager(assets.NewMemSource(files), 2), up, nil), up
}

func TestDecodePremultiplies(t *testing.T) {
	data := encodePNG(t, 2, 2, color.NRGBA{R: 255, G: 0, B: 0, A: 128})

	img, err := Decode(data, "half.png")
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got := img.Bounds().Size(); got != (image.Point{2, 2}) {
		t.Fatalf("size = %v, want 2x2", got)
	}
	px := img.RGBAAt(0, 0)
	if px.A != 128 {
		t.Errorf("alpha = %d, want 128", px.A)
	}
	if px.R != 128 {
		t.Errorf("premultiplied red = %d, want 128", px.R)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not an image"), "bad.png"); err == nil {
		t.Error("expected decode error, got nil")
	}
}

func TestDecodeTGA(t *testing.T) {
	hdr := func(kind, bpp, desc byte) []byte {
		return []byte{0, 0, kind, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2, 0, 1, 0, bpp, desc}
	}
	tests := []struct {
		name string
		data []byte
		want [2]color.RGBA
	}{
		{
			name: "uncompressed 24-bit",
			data: append(hdr(2, 24, 0x20), 0, 0, 255, 255, 0, 0),
			want: [2]color.RGBA{{R: 255, A: 255}, {B: 255, A: 255}},
		},
		{
			name: "uncompressed 32-bit premultiplied",
			data: append(hdr(2, 32, 0x20), 0, 0, 200, 128, 0, 0, 0, 0),
			want: [2]color.RGBA{{R: 100, A: 128}, {}},
		},
		{
			name: "rle run",
			data: append(hdr(10, 24, 0x20), 0x81, 0, 255, 0),
			want: [2]color.RGBA{{G: 255, A: 255}, {G: 255, A: 255}},
		},
		{
			name: "rle raw packet",
			data: append(hdr(10, 24, 0x20), 0x01, 0, 0, 255, 0, 255, 0),
			want: [2]color.RGBA{{R: 255, A: 255}, {G: 255, A: 255}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Decode(tt.data, "skin.TGA")
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			for x, want := range tt.want {
				if got := img.RGBAAt(x, 0); got != want {
					t.Errorf("pixel %d = %v, want %v", x, got, want)
				}
			}
		})
	}
}

func TestDecodeTGAErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"short header", []byte{0, 0, 2}},
		{"color mapped", []byte{0, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 1, 0, 8, 0}},
		{"bad depth", []byte{0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 1, 0, 16, 0}},
		{"truncated", []byte{0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2, 0, 2, 0, 24, 0, 1, 2}},
		{"truncated rle", []byte{0, 0, 10, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2, 0, 1, 0, 24, 0, 0x81}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data, "bad.tga"); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestToRGBAOffsetOrigin(t *testing.T) {
	src := image.NewRGBA(image.Rect(10, 10, 14, 12))
	src.SetRGBA(10, 10, color.RGBA{R: 1, G: 2, B: 3, A: 255})

	out := ToRGBA(src)
	if out.Bounds().Min != (image.Point{}) {
		t.Errorf("origin = %v, want 0,0", out.Bounds().Min)
	}
	if got := out.RGBAAt(0, 0); got.R != 1 || got.B != 3 {
		t.Errorf("pixel = %v, want copied from source origin", got)
	}
}

func TestPrepareBindRelease(t *testing.T) {
	red := encodePNG(t, 4, 4, color.RGBA{R: 255, A: 255})
	cache, up := newTestCache(t, map[string][]byte{
		"Preset1/texture_00.png": red,
		"Preset1/texture_01.png": red,
	})
	pack := Pack{Name: "Preset1", Images: []string{"Preset1/texture_00.png", "Preset1/texture_01.png"}}

	p, err := cache.Prepare(context.Background(), pack)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	r, err := cache.Bind(p)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if len(r.Textures) != 2 {
		t.Fatalf("textures = %d, want 2", len(r.Textures))
	}
	if r.Sizes[0] != (image.Point{4, 4}) {
		t.Errorf("size = %v, want 4x4", r.Sizes[0])
	}
	if !cache.Resident("Preset1") {
		t.Error("expected pack to be resident")
	}

	// A second user shares the same GPU copy.
	p2, err := cache.Prepare(context.Background(), pack)
	if err != nil {
		t.Fatalf("second Prepare failed: %v", err)
	}
	r2, err := cache.Bind(p2)
	if err != nil {
		t.Fatalf("second Bind failed: %v", err)
	}
	if r2 != r {
		t.Error("expected the resident pack to be shared")
	}
	if up.uploads != 2 {
		t.Errorf("uploads = %d, want 2 (no re-upload on hit)", up.uploads)
	}

	cache.Release("Preset1")
	cache.Collect()
	if up.liveCount() != 2 {
		t.Errorf("live textures = %d, want 2 while referenced", up.liveCount())
	}

	cache.Release("Preset1")
	if up.liveCount() != 2 {
		t.Error("textures must not be deleted before Collect")
	}
	cache.Collect()
	if up.liveCount() != 0 {
		t.Errorf("live textures = %d, want 0 after last release", up.liveCount())
	}

	st := cache.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Resident != 0 {
		t.Errorf("stats = %+v, want 1 hit, 1 miss, 0 resident", st)
	}
}

func TestPrepareFailsOnMissingImage(t *testing.T) {
	red := encodePNG(t, 1, 1, color.White)
	cache, up := newTestCache(t, map[string][]byte{"a.png": red})

	_, err := cache.Prepare(context.Background(), Pack{Name: "broken", Images: []string{"a.png", "b.png"}})
	if !errors.Is(err, assets.ErrAssetLoadFailed) {
		t.Fatalf("err = %v, want ErrAssetLoadFailed", err)
	}
	if up.uploads != 0 {
		t.Errorf("uploads = %d, want 0", up.uploads)
	}
}

func TestPrepareFailsOnUndecodableImage(t *testing.T) {
	cache, _ := newTestCache(t, map[string][]byte{"a.png": []byte("junk")})

	_, err := cache.Prepare(context.Background(), Pack{Images: []string{"a.png"}})
	if !errors.Is(err, assets.ErrAssetLoadFailed) {
		t.Fatalf("err = %v, want ErrAssetLoadFailed", err)
	}
}

func TestPrepareEmptyPack(t *testing.T) {
	cache, _ := newTestCache(t, nil)
	if _, err := cache.Prepare(context.Background(), Pack{Name: "none"}); !errors.Is(err, ErrEmptyPack) {
		t.Errorf("err = %v, want ErrEmptyPack", err)
	}
}

func TestBindUploadFailureLeaksNothing(t *testing.T) {
	img := encodePNG(t, 1, 1, color.White)
	cache, up := newTestCache(t, map[string][]byte{"a.png": img, "b.png": img})
	up.failOn = 2

	p, err := cache.Prepare(context.Background(), Pack{Name: "x", Images: []string{"a.png", "b.png"}})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if _, err := cache.Bind(p); err == nil {
		t.Fatal("expected upload error")
	}
	if up.liveCount() != 0 {
		t.Errorf("live textures = %d, want 0 after failed bind", up.liveCount())
	}
	if cache.Resident("x") {
		t.Error("failed pack must not be resident")
	}
}

func TestDiscardPinnedPack(t *testing.T) {
	img := encodePNG(t, 1, 1, color.White)
	cache, up := newTestCache(t, map[string][]byte{"a.png": img})
	pack := Pack{Name: "p", Images: []string{"a.png"}}

	p, _ := cache.Prepare(context.Background(), pack)
	if _, err := cache.Bind(p); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	pinned, err := cache.Prepare(context.Background(), pack)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	cache.Release("p") // original owner lets go
	cache.Collect()
	if up.liveCount() != 1 {
		t.Fatal("pinned pack must survive its original owner")
	}

	cache.Discard(pinned)
	cache.Collect()
	if up.liveCount() != 0 {
		t.Errorf("live textures = %d, want 0 after discard", up.liveCount())
	}
}

func TestReleaseAll(t *testing.T) {
	img := encodePNG(t, 1, 1, color.White)
	cache, up := newTestCache(t, map[string][]byte{"a.png": img, "b.png": img})

	for _, pk := range []Pack{{Name: "A", Images: []string{"a.png"}}, {Name: "B", Images: []string{"b.png"}}} {
		p, err := cache.Prepare(context.Background(), pk)
		if err != nil {
			t.Fatalf("Prepare %s failed: %v", pk.Name, err)
		}
		if _, err := cache.Bind(p); err != nil {
			t.Fatalf("Bind %s failed: %v", pk.Name, err)
		}
	}

	cache.ReleaseAll()
	if up.liveCount() != 0 {
		t.Errorf("live textures = %d, want 0", up.liveCount())
	}
	if cache.Stats().Resident != 0 {
		t.Error("expected no resident packs")
	}
}

func TestDefaultPackName(t *testing.T) {
	img := encodePNG(t, 1, 1, color.White)
	cache, _ := newTestCache(t, map[string][]byte{"a.png": img, "b.png": img})

	p, err := cache.Prepare(context.Background(), Pack{Images: []string{"a.png", "b.png"}})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if p.Pack.Name != "a.png|b.png" {
		t.Errorf("name = %q, want joined image paths", p.Pack.Name)
	}
}
