package puppet

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/Faultbox/l2dview/internal/logger"
)

var (
	ErrInvalidSlot      = errors.New("invalid model slot")
	ErrRegistryReleased = errors.New("model registry released")
)

// Resolver maps a slot to its model settings path.
type Resolver func(slot int) (path string, ok bool)

// Registry owns the live instances of a session, one per caller-chosen
// slot. Loads run under a context that ends with ReleaseAll.
type Registry struct {
	resolve Resolver
	opts    Options
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	instances map[int]*Instance
	released  bool
}

// NewRegistry creates an empty registry. opts is the template for every
// instance; its Path is replaced by the resolved slot path.
func NewRegistry(resolve Resolver, opts Options) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		resolve:   resolve,
		opts:      opts,
		log:       logger.Named("registry"),
		ctx:       ctx,
		cancel:    cancel,
		instances: make(map[int]*Instance),
	}
}

// GetOrCreate returns the instance for slot, creating it and starting its
// load on first request.
func (r *Registry) GetOrCreate(slot int) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return nil, ErrRegistryReleased
	}
	if inst, ok := r.instances[slot]; ok {
		return inst, nil
	}
	if slot < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	p, ok := r.resolve(slot)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}

	opts := r.opts
	opts.Path = p
	inst := NewInstance(slot, opts)
	r.instances[slot] = inst
	inst.BeginLoad(r.ctx)

	r.log.Info("model created", zap.Int("slot", slot), zap.String("path", p))
	return inst, nil
}

// Get returns the instance for slot if it exists.
func (r *Registry) Get(slot int) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[slot]
	return inst, ok
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Each calls fn for every instance in slot order. fn runs without the
// registry lock held.
func (r *Registry) Each(fn func(*Instance)) {
	for _, inst := range r.snapshot() {
		fn(inst)
	}
}

func (r *Registry) snapshot() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	slices.SortFunc(out, func(a, b *Instance) int { return a.slot - b.slot })
	return out
}

// Released reports whether ReleaseAll has run.
func (r *Registry) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

// ReleaseAll stops every load, releases every instance and marks the
// registry released. Render thread only; later calls do nothing.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	r.mu.Unlock()

	r.cancel()
	insts := r.snapshot()
	for _, inst := range insts {
		inst.Release()
	}

	r.mu.Lock()
	clear(r.instances)
	r.mu.Unlock()
	r.log.Info("models released", zap.Int("count", len(insts)))
}
