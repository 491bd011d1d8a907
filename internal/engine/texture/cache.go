package texture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/l2dview/internal/assets"
	"github.com/Faultbox/l2dview/internal/logger"
	"github.com/Faultbox/l2dview/internal/metrics"
)

// ID is a GPU texture name.
type ID uint32

// Uploader moves decoded images to the GPU. Both methods must be called on
// the thread that owns the graphics context.
type Uploader interface {
	Upload(img *image.RGBA) (ID, error)
	Delete(ids []ID)
}

// ErrEmptyPack is returned for packs without images.
var ErrEmptyPack = errors.New("texture pack has no images")

// Pack is an ordered list of image asset paths under a logical name.
type Pack struct {
	Name   string
	Images []string
}

// Resident is a pack whose images live on the GPU.
type Resident struct {
	Name     string
	Textures []ID
	Sizes    []image.Point
	refs     int
}

// Prepared is a pack ready to be bound: either decoded images, or a pin on
// an already resident copy.
type Prepared struct {
	Pack   Pack
	images []*image.RGBA
	pinned *Resident
}

// Stats describes cache usage.
type Stats struct {
	Hits     int
	Misses   int
	Resident int
}

// Cache loads, caches and releases GPU-resident texture packs by name.
// Prepare may run on any goroutine; Bind and Collect run on the render
// thread. Release may run anywhere: GPU deletion is deferred to Collect.
type Cache struct {
	assets  *assets.Manager
	up      Uploader
	metrics *metrics.Metrics
	log     *zap.Logger

	mu        sync.Mutex
	packs     map[string]*Resident
	graveyard [][]ID
	hits      int
	misses    int
}

// NewCache creates a texture cache. m may be nil.
func NewCache(am *assets.Manager, up Uploader, m *metrics.Metrics) *Cache {
	return &Cache{
		assets:  am,
		up:      up,
		metrics: m,
		log:     logger.Named("texture"),
		packs:   make(map[string]*Resident),
	}
}

// Prepare fetches and decodes every image of the pack. When the pack is
// already resident no decoding happens and the resident copy is pinned
// until Bind or Discard.
func (c *Cache) Prepare(ctx context.Context, pack Pack) (*Prepared, error) {
	if len(pack.Images) == 0 {
		return nil, fmt.Errorf("pack %q: %w", pack.Name, ErrEmptyPack)
	}
	if pack.Name == "" {
		pack.Name = packName(pack.Images)
	}

	c.mu.Lock()
	if r, ok := c.packs[pack.Name]; ok {
		r.refs++
		c.hits++
		c.mu.Unlock()
		c.metrics.TextureLookup(true)
		return &Prepared{Pack: pack, pinned: r}, nil
	}
	c.misses++
	c.mu.Unlock()
	c.metrics.TextureLookup(false)

	raw, err := c.assets.FetchAll(ctx, pack.Images)
	if err != nil {
		return nil, fmt.Errorf("pack %q: %w", pack.Name, err)
	}

	images := make([]*image.RGBA, len(raw))
	g, _ := errgroup.WithContext(ctx)
	for i := range raw {
		g.Go(func() error {
			img, err := Decode(raw[i], pack.Images[i])
			if err != nil {
				return &assets.LoadError{Path: pack.Images[i], Err: err}
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("pack %q: %w", pack.Name, err)
	}
	// The decoded copy is all we need from here on.
	c.assets.Forget(pack.Images...)

	return &Prepared{Pack: pack, images: images}, nil
}

// Bind makes a prepared pack resident and takes a reference on it.
// Render thread only.
func (c *Cache) Bind(p *Prepared) (*Resident, error) {
	if p == nil {
		return nil, errors.New("bind: nil pack")
	}
	if p.pinned != nil {
		r := p.pinned
		p.pinned = nil
		return r, nil
	}

	c.mu.Lock()
	if r, ok := c.packs[p.Pack.Name]; ok {
		// Uploaded by someone else between Prepare and Bind.
		r.refs++
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()

	r := &Resident{Name: p.Pack.Name, refs: 1}
	for i, img := range p.images {
		id, err := c.up.Upload(img)
		if err != nil {
			c.up.Delete(r.Textures)
			return nil, fmt.Errorf("upload %s: %w", p.Pack.Images[i], err)
		}
		r.Textures = append(r.Textures, id)
		r.Sizes = append(r.Sizes, img.Bounds().Size())
	}
	p.images = nil

	c.mu.Lock()
	c.packs[r.Name] = r
	n := len(c.packs)
	c.mu.Unlock()

	c.metrics.PacksResident(n)
	c.log.Debug("pack resident", zap.String("pack", r.Name), zap.Int("textures", len(r.Textures)))
	return r, nil
}

// Discard drops a prepared pack that will never be bound.
func (c *Cache) Discard(p *Prepared) {
	if p == nil {
		return
	}
	if p.pinned != nil {
		c.Release(p.pinned.Name)
		p.pinned = nil
	}
	p.images = nil
}

// Release drops one reference; at zero the pack's textures are queued for
// deletion on the next Collect.
func (c *Cache) Release(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.packs[name]
	if !ok {
		return
	}
	r.refs--
	if r.refs > 0 {
		return
	}
	delete(c.packs, name)
	c.graveyard = append(c.graveyard, r.Textures)
}

// Collect deletes released textures. Render thread only.
func (c *Cache) Collect() {
	c.mu.Lock()
	dead := c.graveyard
	c.graveyard = nil
	n := len(c.packs)
	c.mu.Unlock()

	if len(dead) == 0 {
		return
	}
	for _, ids := range dead {
		c.up.Delete(ids)
	}
	c.metrics.PacksResident(n)
	c.log.Debug("textures released", zap.Int("packs", len(dead)))
}

// ReleaseAll drops every pack regardless of references and deletes the
// textures. Render thread only; used at session teardown.
func (c *Cache) ReleaseAll() {
	c.mu.Lock()
	for name, r := range c.packs {
		c.graveyard = append(c.graveyard, r.Textures)
		delete(c.packs, name)
	}
	c.mu.Unlock()
	c.Collect()
	c.metrics.PacksResident(0)
}

// Resident reports whether a pack is currently on the GPU.
func (c *Cache) Resident(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.packs[name]
	return ok
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Resident: len(c.packs)}
}

func packName(images []string) string {
	name := images[0]
	for _, img := range images[1:] {
		name += "|" + img
	}
	return name
}
