package puppet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/l2dview/internal/assets"
	"github.com/Faultbox/l2dview/internal/engine/texture"
	"github.com/Faultbox/l2dview/internal/expression"
	"github.com/Faultbox/l2dview/internal/logger"
	"github.com/Faultbox/l2dview/internal/metrics"
)

// LoadState is the load progress of an instance.
type LoadState int32

const (
	NotStarted LoadState = iota
	LoadingAssets
	AssetsReady
	SettingUp
	CompleteSetup
	Failed
)

func (s LoadState) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case LoadingAssets:
		return "loading-assets"
	case AssetsReady:
		return "assets-ready"
	case SettingUp:
		return "setting-up"
	case CompleteSetup:
		return "complete-setup"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("LoadState(%d)", int32(s))
}

var (
	ErrNotReady         = errors.New("model not ready")
	ErrLoadFailed       = errors.New("model load failed")
	ErrReleased         = errors.New("model released")
	ErrUnknownParameter = errors.New("unknown parameter")
	ErrUnknownPart      = errors.New("unknown part")
)

// Observer runs once per update pass after expressions, with the instance
// locked. It must only touch the table it is given; work that needs the
// instance goes through Instance.After.
type Observer func(t *Table, dt float64)

// Options configures an instance.
type Options struct {
	Path     string // model settings path on the asset host
	Assets   *assets.Manager
	Textures *texture.Cache
	Engine   EngineFactory
	Metrics  *metrics.Metrics

	Breath       bool
	EyeBlink     bool
	FadeDuration time.Duration

	// WaitReady polls with exponential backoff from PollBase, capped at PollCap.
	PollBase time.Duration
	PollCap  time.Duration

	// FetchTimeout bounds the whole background load. Zero means none.
	FetchTimeout time.Duration

	// Rand drives eye blinks. Nil seeds from the clock.
	Rand *rand.Rand
}

// bundle is everything the background load produces.
type bundle struct {
	settings *Settings
	core     []byte
	exprs    []*expression.Definition
	physics  *Physics
	pack     *texture.Prepared
}

type observerEntry struct {
	id int
	fn Observer
}

type pendingAdd struct {
	index         int
	delta, weight float32
}

type swapRequest struct {
	prep  *texture.Prepared
	done  chan error
	taken bool
}

// Instance is one loaded puppet. Update and Draw run on the render thread;
// every other method may be called from any goroutine.
type Instance struct {
	slot int
	opts Options
	log  *zap.Logger

	state    atomic.Int32
	loadOnce sync.Once

	mu          sync.Mutex
	cancel      context.CancelFunc
	err         error
	released    bool
	loaded      *bundle
	settings    *Settings
	engine      Engine
	table       *Table
	expr        *expression.Engine
	physics     *Physics
	breath      *Breath
	blink       *Blink
	drag        Drag
	bound       *texture.Resident
	lipSync     []string
	swaps       []*swapRequest
	pendingAdds []pendingAdd
	observers   []observerEntry
	nextObs     int

	afterMu sync.Mutex
	after   []func()
}

// NewInstance creates an instance for a slot. Nothing is fetched until
// BeginLoad.
func NewInstance(slot int, opts Options) *Instance {
	if opts.Engine == nil {
		opts.Engine = NewPreviewEngine
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Instance{
		slot: slot,
		opts: opts,
		log:  logger.Named("puppet").With(zap.Int("slot", slot), zap.String("model", opts.Path)),
	}
}

// Slot returns the registry slot of the instance.
func (i *Instance) Slot() int { return i.slot }

// Path returns the model settings path.
func (i *Instance) Path() string { return i.opts.Path }

// State returns the current load state.
func (i *Instance) State() LoadState { return LoadState(i.state.Load()) }

// Err returns the load failure, if any.
func (i *Instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

func (i *Instance) setState(s LoadState) {
	i.state.Store(int32(s))
	i.log.Debug("load state", zap.Stringer("state", s))
}

// BeginLoad starts fetching the model in the background. Only the first
// call has an effect.
func (i *Instance) BeginLoad(ctx context.Context) {
	i.loadOnce.Do(func() {
		i.mu.Lock()
		if i.released {
			i.mu.Unlock()
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		i.cancel = cancel
		i.setState(LoadingAssets)
		i.mu.Unlock()

		go i.load(ctx)
	})
}

func (i *Instance) load(ctx context.Context) {
	if i.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.opts.FetchTimeout)
		defer cancel()
	}

	start := time.Now()
	b, err := i.fetch(ctx)

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.released {
		if b != nil {
			i.opts.Textures.Discard(b.pack)
		}
		return
	}
	if err != nil {
		i.fail(err)
		return
	}
	i.loaded = b
	i.setState(AssetsReady)
	i.log.Info("assets loaded",
		zap.Int("textures", len(b.settings.FileReferences.Textures)),
		zap.Int("expressions", len(b.exprs)),
		zap.Duration("took", time.Since(start)))
}

// fetch loads the settings, then the core, expressions, physics and
// textures in parallel.
func (i *Instance) fetch(ctx context.Context) (*bundle, error) {
	am := i.opts.Assets
	data, err := am.Load(ctx, i.opts.Path)
	if err != nil {
		return nil, err
	}
	s, err := ParseSettings(data, assets.Clean(i.opts.Path))
	if err != nil {
		return nil, &assets.LoadError{Path: i.opts.Path, Err: err}
	}

	b := &bundle{settings: s}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		refs := s.FileReferences
		var paths []string
		if refs.Moc != "" {
			paths = append(paths, s.Resolve(refs.Moc))
		}
		for _, e := range refs.Expressions {
			paths = append(paths, s.Resolve(e.File))
		}
		if refs.Physics != "" {
			paths = append(paths, s.Resolve(refs.Physics))
		}

		raw, err := am.FetchAll(gctx, paths)
		if err != nil {
			return err
		}
		if refs.Moc != "" {
			b.core, raw = raw[0], raw[1:]
		}
		for n, e := range refs.Expressions {
			def, err := expression.Parse(raw[n], e.Name)
			if err != nil {
				return &assets.LoadError{Path: s.Resolve(e.File), Err: err}
			}
			b.exprs = append(b.exprs, def)
		}
		if refs.Physics != "" {
			p, err := ParsePhysics(raw[len(raw)-1])
			if err != nil {
				return &assets.LoadError{Path: s.Resolve(refs.Physics), Err: err}
			}
			b.physics = p
		}
		return nil
	})

	g.Go(func() error {
		p, err := i.opts.Textures.Prepare(gctx, texture.Pack{Images: s.TexturePaths()})
		if err != nil {
			return err
		}
		b.pack = p
		return nil
	})

	if err := g.Wait(); err != nil {
		i.opts.Textures.Discard(b.pack)
		return nil, err
	}
	return b, nil
}

// fail moves to Failed and frees whatever was set up. Caller holds i.mu.
func (i *Instance) fail(err error) {
	i.err = err
	i.setState(Failed)
	i.teardown()
	i.opts.Metrics.ModelLoaded(false)
	i.log.Error("model load failed", zap.Error(err))
}

// Update advances the load state machine and, once set up, runs one update
// pass: procedural motion, expressions, pending additive writes, observers,
// then pushes the table to the engine.
func (i *Instance) Update(dt float64) {
	i.mu.Lock()
	if !i.released {
		switch i.State() {
		case AssetsReady:
			if err := i.setup(); err != nil {
				i.fail(err)
			} else {
				i.setState(SettingUp)
			}
		case SettingUp:
			if err := i.pass(dt); err != nil {
				i.fail(fmt.Errorf("first update: %w", err))
			} else {
				i.setState(CompleteSetup)
				i.opts.Metrics.ModelLoaded(true)
				i.log.Info("model ready", zap.Int("parameters", i.table.Len()))
			}
		case CompleteSetup:
			i.applySwaps()
			if err := i.pass(dt); err != nil {
				i.log.Warn("update failed", zap.Error(err))
			}
		}
	}
	i.mu.Unlock()
	i.runAfter()
}

// setup builds the engine and parameter table and binds the textures.
// Render thread, i.mu held.
func (i *Instance) setup() error {
	b := i.loaded
	i.loaded = nil

	eng, err := i.opts.Engine(b.core, b.settings)
	if err != nil {
		i.opts.Textures.Discard(b.pack)
		return fmt.Errorf("engine setup: %w", err)
	}
	res, err := i.opts.Textures.Bind(b.pack)
	if err != nil {
		eng.Release()
		return fmt.Errorf("bind textures: %w", err)
	}

	i.settings = b.settings
	i.engine = eng
	i.bound = res
	i.table = NewTable(eng.Parameters(), eng.Parts())
	i.expr = expression.NewEngine(b.exprs, i.opts.FadeDuration)

	if b.physics != nil {
		b.physics.Bind(i.table)
		i.physics = b.physics
	}
	if i.opts.Breath {
		i.breath = NewBreath()
	}
	if i.opts.EyeBlink {
		ids := b.settings.GroupIDs(GroupEyeBlink)
		if len(ids) == 0 {
			ids = []string{ParamEyeLOpen, ParamEyeROpen}
		}
		i.blink = NewBlink(ids, i.opts.Rand)
	}
	i.lipSync = b.settings.GroupIDs(GroupLipSync)
	if len(i.lipSync) == 0 {
		i.lipSync = []string{ParamMouthOpenY}
	}
	return nil
}

func (i *Instance) pass(dt float64) error {
	t := i.table
	t.RestoreBase()

	if i.breath != nil {
		i.breath.Update(t, dt)
	}
	if i.blink != nil {
		i.blink.Update(t, dt)
	}
	i.drag.Update(t, dt)
	if i.physics != nil {
		i.physics.Update(t, dt)
	}
	i.expr.Update(t, dt)

	for _, a := range i.pendingAdds {
		t.Add(a.index, a.delta, a.weight)
	}
	i.pendingAdds = i.pendingAdds[:0]

	for _, o := range i.observers {
		o.fn(t, dt)
	}
	return i.engine.Update(t.Values(), t.PartOpacities())
}

// applySwaps binds every prepared swap in order, releasing each previous
// pack only after its replacement is bound. Render thread, i.mu held.
func (i *Instance) applySwaps() {
	if len(i.swaps) == 0 {
		return
	}
	swaps := i.swaps
	i.swaps = nil
	for _, req := range swaps {
		req.taken = true
		res, err := i.opts.Textures.Bind(req.prep)
		if err != nil {
			i.log.Warn("texture swap failed", zap.String("pack", req.prep.Pack.Name), zap.Error(err))
			req.done <- err
			continue
		}
		old := i.bound
		i.bound = res
		if old != nil {
			i.opts.Textures.Release(old.Name)
		}
		i.log.Info("textures swapped", zap.String("pack", res.Name))
		req.done <- nil
	}
}

// Draw renders the model with its bound textures. It does nothing until
// the instance is set up.
func (i *Instance) Draw() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.released || i.State() != CompleteSetup {
		return nil
	}
	return i.engine.Draw(i.bound.Textures)
}

// After queues fn to run once the current update pass has finished and the
// instance is unlocked. Safe to call from an Observer.
func (i *Instance) After(fn func()) {
	i.afterMu.Lock()
	i.after = append(i.after, fn)
	i.afterMu.Unlock()
}

func (i *Instance) runAfter() {
	i.afterMu.Lock()
	fns := i.after
	i.after = nil
	i.afterMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// WaitReady blocks until the instance reaches CompleteSetup, polling with
// capped exponential backoff. It returns ErrLoadFailed when the load
// failed and ctx.Err() when ctx is done first.
func (i *Instance) WaitReady(ctx context.Context) error {
	base, limit := i.opts.PollBase, i.opts.PollCap
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if limit < base {
		limit = base
	}
	b := retry.WithCappedDuration(limit, retry.NewExponential(base))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		switch i.State() {
		case CompleteSetup:
			return nil
		case Failed:
			return fmt.Errorf("%w: %w", ErrLoadFailed, i.Err())
		}
		if i.isReleased() {
			return ErrReleased
		}
		return retry.RetryableError(ErrNotReady)
	})
}

func (i *Instance) isReleased() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.released
}

// ready checks that the instance accepts operations. Caller holds i.mu.
func (i *Instance) ready() error {
	if i.released {
		return ErrReleased
	}
	if i.State() != CompleteSetup {
		return ErrNotReady
	}
	return nil
}

// SetParameter sets a parameter until changed again. The value is clamped.
func (i *Instance) SetParameter(index int, v float32) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.ready(); err != nil {
		return err
	}
	if index < 0 || index >= i.table.Len() {
		return fmt.Errorf("%w: index %d", ErrUnknownParameter, index)
	}
	i.table.SetBase(index, v)
	return nil
}

// SetParameterByID is SetParameter addressed by id.
func (i *Instance) SetParameterByID(id string, v float32) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.ready(); err != nil {
		return err
	}
	idx, ok := i.table.Index(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParameter, id)
	}
	i.table.SetBase(idx, v)
	return nil
}

// AddParameterValue adds delta*weight to a parameter for one update pass.
// It is visible immediately and re-applied on the next pass after
// expressions, then dropped.
func (i *Instance) AddParameterValue(index int, delta, weight float32) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.ready(); err != nil {
		return err
	}
	if index < 0 || index >= i.table.Len() {
		return fmt.Errorf("%w: index %d", ErrUnknownParameter, index)
	}
	i.table.Add(index, delta, weight)
	i.pendingAdds = append(i.pendingAdds, pendingAdd{index: index, delta: delta, weight: weight})
	return nil
}

// Parameter returns a snapshot of one parameter.
func (i *Instance) Parameter(index int) (Parameter, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.ready(); err != nil {
		return Parameter{}, err
	}
	p, ok := i.table.Parameter(index)
	if !ok {
		return Parameter{}, fmt.Errorf("%w: index %d", ErrUnknownParameter, index)
	}
	return p, nil
}

// Parameters returns a snapshot of every parameter.
func (i *Instance) Parameters() ([]Parameter, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.ready(); err != nil {
		return nil, err
	}
	out := make([]Parameter, i.table.Len())
	for n := range out {
		out[n], _ = i.table.Parameter(n)
	}
	return out, nil
}

// ParameterIndex returns the index of a parameter id.
func (i *Instance) ParameterIndex(id string) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.ready(); err != nil {
		return 0, err
	}
	idx, ok := i.table.Index(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownParameter, id)
	}
	return idx, nil
}

// SetPartOpacity shows or hides a part by index.
func (i *Instance) SetPartOpacity(part int, opacity float32) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.ready(); err != nil {
		return err
	}
	if !i.table.SetPartOpacity(part, opacity) {
		return fmt.Errorf("%w: index %d", ErrUnknownPart, part)
	}
	return nil
}

// SetExpression applies a named expression.
func (i *Instance) SetExpression(name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.ready(); err != nil {
		return err
	}
	return i.expr.Apply(name)
}

// ClearExpression fades out a named expression.
func (i *Instance) ClearExpression(name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.ready(); err != nil {
		return err
	}
	return i.expr.Clear(name)
}

// ClearExpressions fades out every applied expression.
func (i *Instance) ClearExpressions() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.ready(); err != nil {
		return err
	}
	i.expr.ClearAll()
	return nil
}

// Expressions returns the loaded expression names.
func (i *Instance) Expressions() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ready() != nil {
		return nil
	}
	return i.expr.Names()
}

// ActiveExpressions returns the applied expressions in application order.
func (i *Instance) ActiveExpressions() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ready() != nil {
		return nil
	}
	return i.expr.Active()
}

// SwapTextures replaces the bound texture pack. The new pack is prepared
// on the calling goroutine and bound by the next Update, which releases
// the old pack in the same step. It returns once the new pack is bound.
// If ctx ends before that the request is dropped and the old pack stays.
func (i *Instance) SwapTextures(ctx context.Context, pack texture.Pack) error {
	i.mu.Lock()
	err := i.ready()
	i.mu.Unlock()
	if err != nil {
		return err
	}

	prep, err := i.opts.Textures.Prepare(ctx, pack)
	if err != nil {
		return err
	}
	req := &swapRequest{prep: prep, done: make(chan error, 1)}

	i.mu.Lock()
	if i.released {
		i.mu.Unlock()
		i.opts.Textures.Discard(prep)
		return ErrReleased
	}
	i.swaps = append(i.swaps, req)
	i.mu.Unlock()

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
	}

	i.mu.Lock()
	if req.taken {
		i.mu.Unlock()
		return <-req.done
	}
	i.swaps = slices.DeleteFunc(i.swaps, func(r *swapRequest) bool { return r == req })
	i.mu.Unlock()
	i.opts.Textures.Discard(prep)
	return ctx.Err()
}

// BoundPack returns the name of the bound texture pack.
func (i *Instance) BoundPack() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.bound == nil {
		return ""
	}
	return i.bound.Name
}

// SetDragging sets the look-at target, each axis in [-1,1] with y up.
func (i *Instance) SetDragging(x, y float64) {
	i.mu.Lock()
	i.drag.SetTarget(x, y)
	i.mu.Unlock()
}

// RandomizeParameters sets each listed parameter to a uniform value in its
// range, or every parameter when ids is empty. Parameters ranging 0..1 are
// toggles and get rounded.
func (i *Instance) RandomizeParameters(rng *rand.Rand, ids []string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.ready(); err != nil {
		return err
	}

	indices := make([]int, 0, len(ids))
	for _, id := range ids {
		idx, ok := i.table.Index(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParameter, id)
		}
		indices = append(indices, idx)
	}
	if len(ids) == 0 {
		for n := 0; n < i.table.Len(); n++ {
			indices = append(indices, n)
		}
	}

	for _, idx := range indices {
		lo, hi := i.table.Range(idx)
		v := lo + rng.Float32()*(hi-lo)
		if lo == 0 && hi == 1 {
			v = float32(math.Round(float64(v)))
		}
		i.table.SetBase(idx, v)
	}
	return nil
}

// LipSyncIDs returns the parameter ids lip-sync drives. Empty until set up.
func (i *Instance) LipSyncIDs() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return slices.Clone(i.lipSync)
}

// Settings returns the parsed model settings, or nil before set up.
func (i *Instance) Settings() *Settings {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.settings
}

// OnUpdate registers an observer and returns a func that removes it.
func (i *Instance) OnUpdate(fn Observer) (unregister func()) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.nextObs++
	id := i.nextObs
	i.observers = append(i.observers, observerEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			i.mu.Lock()
			defer i.mu.Unlock()
			i.observers = slices.DeleteFunc(i.observers, func(o observerEntry) bool { return o.id == id })
		})
	}
}

// Release frees the engine and textures and stops a running load. Pending
// swaps fail with ErrReleased. Render thread only; later calls do nothing.
func (i *Instance) Release() {
	i.mu.Lock()
	if i.released {
		i.mu.Unlock()
		return
	}
	i.released = true
	cancel := i.cancel
	swaps := i.swaps
	i.swaps = nil
	for _, req := range swaps {
		req.taken = true
	}
	i.teardown()
	i.observers = nil
	i.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, req := range swaps {
		i.opts.Textures.Discard(req.prep)
		req.done <- ErrReleased
	}
	i.log.Debug("model released")
}

// teardown frees the engine, bound pack and any unbound load result.
// Caller holds i.mu.
func (i *Instance) teardown() {
	if i.engine != nil {
		i.engine.Release()
		i.engine = nil
	}
	if i.bound != nil {
		i.opts.Textures.Release(i.bound.Name)
		i.bound = nil
	}
	if i.loaded != nil {
		i.opts.Textures.Discard(i.loaded.pack)
		i.loaded = nil
	}
}

// String implements fmt.Stringer.
func (i *Instance) String() string {
	return fmt.Sprintf("%s#%d", path.Base(i.opts.Path), i.slot)
}
