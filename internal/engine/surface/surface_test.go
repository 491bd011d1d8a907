package surface

import (
	"errors"
	"testing"
)

type fakeBackend struct {
	openErr   error
	attachErr error
	opens     int
	closes    int
	attached  string
	detaches  int
	swaps     int
	w, h      int
	ratio     int
}

func (f *fakeBackend) Open(cfg Config) error {
	f.opens++
	if f.openErr != nil {
		return f.openErr
	}
	f.w, f.h = cfg.Width, cfg.Height
	return nil
}

func (f *fakeBackend) Close()                   { f.closes++ }
func (f *fakeBackend) Detach()                  { f.detaches++ }
func (f *fakeBackend) Swap()                    { f.swaps++ }
func (f *fakeBackend) Size() (int, int)         { return f.w, f.h }
func (f *fakeBackend) DrawableSize() (int, int) { return f.w * f.ratio, f.h * f.ratio }

func (f *fakeBackend) Attach(container string) error {
	if f.attachErr != nil {
		return f.attachErr
	}
	f.attached = container
	return nil
}

func newOwner(b *fakeBackend) *Owner {
	if b.ratio == 0 {
		b.ratio = 1
	}
	return New(b, Config{Title: "test", Container: "stage", Width: 640, Height: 480})
}

func TestAcquireIsIdempotent(t *testing.T) {
	b := &fakeBackend{}
	o := newOwner(b)

	h1, err := o.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	h2, err := o.Acquire()
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if h1 != h2 {
		t.Error("expected the same handle")
	}
	if b.opens != 1 {
		t.Errorf("opens = %d, want 1", b.opens)
	}
	if b.attached != "stage" {
		t.Errorf("attached = %q, want %q", b.attached, "stage")
	}
	if !o.Alive() {
		t.Error("expected owner to be alive")
	}
}

func TestAcquireFailureIsSticky(t *testing.T) {
	b := &fakeBackend{openErr: errors.New("no GL 4.1")}
	o := newOwner(b)

	for i := 0; i < 3; i++ {
		_, err := o.Acquire()
		if !errors.Is(err, ErrContextUnavailable) {
			t.Fatalf("attempt %d: err = %v, want ErrContextUnavailable", i, err)
		}
	}
	if b.opens != 1 {
		t.Errorf("opens = %d, want 1 (no retry)", b.opens)
	}
	if o.Alive() {
		t.Error("expected owner not alive")
	}
}

func TestAttachFailureClosesBackend(t *testing.T) {
	b := &fakeBackend{attachErr: errors.New("no container")}
	o := newOwner(b)

	if _, err := o.Acquire(); !errors.Is(err, ErrContextUnavailable) {
		t.Fatalf("err = %v, want ErrContextUnavailable", err)
	}
	if b.closes != 1 {
		t.Errorf("closes = %d, want 1", b.closes)
	}
}

func TestResizeUsesPixelRatio(t *testing.T) {
	b := &fakeBackend{ratio: 2}
	o := newOwner(b)

	var gotW, gotH int
	o.OnResize(func(w, h int) { gotW, gotH = w, h })

	h, err := o.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if gotW != 1280 || gotH != 960 {
		t.Errorf("initial drawable = %dx%d, want 1280x960", gotW, gotH)
	}

	b.w, b.h = 800, 600
	o.Resize(800, 600)
	if gotW != 1600 || gotH != 1200 {
		t.Errorf("drawable = %dx%d, want 1600x1200", gotW, gotH)
	}

	w, ht, err := h.Size()
	if err != nil || w != 800 || ht != 600 {
		t.Errorf("Size() = %d, %d, %v; want 800, 600, nil", w, ht, err)
	}
	dw, dh, _ := h.DrawableSize()
	if dw != 1600 || dh != 1200 {
		t.Errorf("DrawableSize() = %dx%d, want 1600x1200", dw, dh)
	}
	if r, _ := h.PixelRatio(); r != 2 {
		t.Errorf("PixelRatio() = %v, want 2", r)
	}
}

func TestResizeIgnoresInvalid(t *testing.T) {
	b := &fakeBackend{}
	o := newOwner(b)

	calls := 0
	o.OnResize(func(int, int) { calls++ })

	o.Resize(100, 100) // before acquire
	if calls != 0 {
		t.Errorf("resize before acquire invoked hook %d times", calls)
	}

	if _, err := o.Acquire(); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	calls = 0
	o.Resize(0, 100)
	o.Resize(100, -1)
	if calls != 0 {
		t.Errorf("non-positive resize invoked hook %d times", calls)
	}
}

func TestReleaseInvalidatesHandle(t *testing.T) {
	b := &fakeBackend{}
	o := newOwner(b)

	h, err := o.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := h.Present(); err != nil {
		t.Fatalf("Present failed: %v", err)
	}

	o.Release()
	o.Release()

	if b.closes != 1 || b.detaches != 1 {
		t.Errorf("closes = %d, detaches = %d; want 1, 1", b.closes, b.detaches)
	}
	if o.Alive() {
		t.Error("expected owner not alive after release")
	}
	if err := h.Present(); !errors.Is(err, ErrContextReleased) {
		t.Errorf("Present after release = %v, want ErrContextReleased", err)
	}
	if _, _, err := h.Size(); !errors.Is(err, ErrContextReleased) {
		t.Errorf("Size after release = %v, want ErrContextReleased", err)
	}
	if _, err := h.PixelRatio(); !errors.Is(err, ErrContextReleased) {
		t.Errorf("PixelRatio after release = %v, want ErrContextReleased", err)
	}
	if _, err := o.Acquire(); !errors.Is(err, ErrContextReleased) {
		t.Errorf("Acquire after release = %v, want ErrContextReleased", err)
	}
	if b.swaps != 1 {
		t.Errorf("swaps = %d, want 1", b.swaps)
	}
}

func TestNilHandle(t *testing.T) {
	var h *Handle
	if err := h.Present(); !errors.Is(err, ErrContextReleased) {
		t.Errorf("nil Present = %v, want ErrContextReleased", err)
	}
}
