package registration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/depthfuse/internal/cloud"
	"github.com/banshee-data/depthfuse/internal/monitoring"
	"github.com/banshee-data/depthfuse/internal/pose"
	"github.com/banshee-data/depthfuse/internal/timeutil"
)

// Config contains configuration for the Engine.
type Config struct {
	Devices        int
	ReferenceIndex int
	// BatchSize is the number of recent ticks merged into one registration
	// batch.
	BatchSize   int
	Interval    time.Duration
	Deadline    time.Duration // per device and cycle; 0 disables
	MaxResidual float64
	Hysteresis  float64
	VoxelSize   float64
	// CoarseAfter is the number of consecutive refinements of a registered
	// device that may end without an accepted transform before the next
	// cycle searches globally again.
	CoarseAfter int
	ICP         ICPParams
	Coarse      CoarseParams
	Searcher    Searcher
}

// DefaultConfig returns engine defaults for a two-device session.
func DefaultConfig() Config {
	return Config{
		Devices:     2,
		BatchSize:   4,
		Interval:    2 * time.Second,
		Deadline:    time.Second,
		MaxResidual: 0.02,
		Hysteresis:  0.002,
		VoxelSize:   0.01,
		CoarseAfter: 3,
		ICP:         DefaultICPParams(),
		Coarse:      DefaultCoarseParams(),
		Searcher:    KDTreeSearcher{},
	}
}

func (c Config) validate() error {
	if c.Devices < 1 || c.ReferenceIndex < 0 || c.ReferenceIndex >= c.Devices {
		return fmt.Errorf("reference %d of %d devices", c.ReferenceIndex, c.Devices)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", c.Interval)
	}
	if c.MaxResidual <= 0 || c.Hysteresis < 0 {
		return errors.New("max residual must be positive and hysteresis non-negative")
	}
	if c.ICP.MaxCorrespondence <= 0 {
		return errors.New("max correspondence must be positive")
	}
	if c.CoarseAfter < 1 {
		return fmt.Errorf("coarse-after must be at least 1, got %d", c.CoarseAfter)
	}
	return nil
}

// Batch is the set of point clouds built for one tick, indexed by device.
// Entries are nil for missing devices.
type Batch struct {
	Tick   uint64
	Clouds []*cloud.PointCloud
}

// CycleResult reports one registration attempt for one device.
type CycleResult struct {
	ID             string
	DeviceIndex    int
	Tick           uint64 // newest tick in the batch
	Outcome        string // one of the monitoring.Outcome values
	Candidate      pose.Transform
	Version        uint64 // committed version when accepted
	Residual       float64
	InlierFraction float64
	Iterations     int
	Coarse         bool
	Duration       time.Duration
	At             time.Time
	Err            error
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock driving the cadence and timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithObserver registers a callback invoked after every attempt, from the
// engine goroutine.
func WithObserver(fn func(CycleResult)) Option {
	return func(e *Engine) { e.observers = append(e.observers, fn) }
}

// Engine is the background registration activity. It reads point clouds
// offered by the fusion path and commits accepted transforms to the store;
// the store is the only state it shares with the fusion path.
type Engine struct {
	cfg       Config
	store     *pose.Store
	clock     timeutil.Clock
	observers []func(CycleResult)

	in      chan Batch
	dropped atomic.Uint64

	mu       sync.Mutex
	history  []Batch
	priors   map[int]pose.Transform
	lastGood map[int]pose.Transform
	misses   map[int]int // consecutive cycles without an accepted transform
}

// NewEngine creates an Engine committing to store.
func NewEngine(cfg Config, store *pose.Store, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if store == nil || store.Len() != cfg.Devices {
		return nil, errors.New("pose store does not match device count")
	}
	if cfg.Searcher == nil {
		cfg.Searcher = KDTreeSearcher{}
	}
	e := &Engine{
		cfg:      cfg,
		store:    store,
		clock:    timeutil.RealClock{},
		in:       make(chan Batch, cfg.BatchSize),
		priors:   make(map[int]pose.Transform),
		lastGood: make(map[int]pose.Transform),
		misses:   make(map[int]int),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Offer hands a batch to the engine without blocking. It returns false when
// the engine is behind and the batch was dropped.
func (e *Engine) Offer(b Batch) bool {
	select {
	case e.in <- b:
		return true
	default:
		e.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of batches refused by Offer.
func (e *Engine) Dropped() uint64 { return e.dropped.Load() }

// Add appends b to the history, keeping the newest BatchSize entries.
func (e *Engine) Add(b Batch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, b)
	if over := len(e.history) - e.cfg.BatchSize; over > 0 {
		e.history = append(e.history[:0], e.history[over:]...)
	}
}

// SetPrior records a transform used as a coarse-alignment hint for device.
// Priors are never committed without registration.
func (e *Engine) SetPrior(device int, t pose.Transform) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.priors[device] = t
}

func (e *Engine) historyLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history)
}

// Run consumes offered batches and runs a cycle every Interval, plus one
// as soon as the first full batch is available. It returns when ctx is
// cancelled; an in-flight cycle finishes its current device first.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	monitoring.Logf("[registration] engine started: interval=%v batch=%d searcher=%s",
		e.cfg.Interval, e.cfg.BatchSize, e.cfg.Searcher.Name())
	warm := false
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[registration] engine stopping")
			return nil
		case b := <-e.in:
			e.Add(b)
			if !warm && e.historyLen() >= e.cfg.BatchSize {
				warm = true
				e.Cycle(ctx)
			}
		case <-ticker.C():
			warm = true
			e.Cycle(ctx)
		}
	}
}

// Cycle runs one registration attempt for every live secondary device with
// data in the history. Results are also delivered to observers.
func (e *Engine) Cycle(ctx context.Context) []CycleResult {
	e.mu.Lock()
	history := append([]Batch(nil), e.history...)
	e.mu.Unlock()

	var results []CycleResult
	for d := 0; d < e.cfg.Devices; d++ {
		if d == e.cfg.ReferenceIndex || e.store.Retired(d) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		res, ok := e.register(ctx, d, history)
		if !ok {
			continue
		}
		for _, fn := range e.observers {
			fn(res)
		}
		results = append(results, res)
	}
	return results
}

// gather merges the clouds of the ticks where both the reference and
// device were captured.
func (e *Engine) gather(device int, history []Batch) (source, target []r3.Vec, tick uint64) {
	pairs := lo.Filter(history, func(b Batch, _ int) bool {
		return len(b.Clouds) == e.cfg.Devices && b.Clouds[device] != nil && b.Clouds[e.cfg.ReferenceIndex] != nil
	})
	if len(pairs) == 0 {
		return nil, nil, 0
	}
	src := cloud.Merge(lo.Map(pairs, func(b Batch, _ int) *cloud.PointCloud { return b.Clouds[device] })...)
	dst := cloud.Merge(lo.Map(pairs, func(b Batch, _ int) *cloud.PointCloud { return b.Clouds[e.cfg.ReferenceIndex] })...)
	return cloud.Downsample(src, e.cfg.VoxelSize), cloud.Downsample(dst, e.cfg.VoxelSize), pairs[len(pairs)-1].Tick
}

func (e *Engine) register(ctx context.Context, device int, history []Batch) (CycleResult, bool) {
	source, target, tick := e.gather(device, history)
	if len(source) == 0 || len(target) == 0 {
		return CycleResult{}, false
	}

	start := e.clock.Now()
	res := CycleResult{ID: uuid.NewString(), DeviceIndex: device, Tick: tick, At: start}

	actx := ctx
	if e.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.cfg.Deadline)
		defer cancel()
	}

	tgt := NewTarget(target, e.cfg.Searcher)
	prev, registered := e.store.Get(device)
	result, err := e.align(actx, device, source, tgt, prev, registered, &res)
	var current pose.Transform
	var rescored bool
	if err == nil && registered {
		current, rescored, err = e.rescore(actx, source, tgt, *prev)
	}
	if err == nil && actx.Err() != nil {
		err = actx.Err()
	}
	res.Duration = e.clock.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			// session stopping; nothing is reported or committed
			return CycleResult{}, false
		}
		res.Outcome = monitoring.OutcomeFailed
		if errors.Is(err, context.DeadlineExceeded) {
			res.Outcome = monitoring.OutcomeTimeout
			err = fmt.Errorf("device %d after %v: %w", device, e.cfg.Deadline, ErrComputeTimeout)
		} else if !errors.Is(err, ErrRegistrationFailed) {
			err = fmt.Errorf("device %d: %v: %w", device, err, ErrRegistrationFailed)
		}
		res.Err = err
		e.store.Clear(device)
		e.miss(device, res.Coarse)
		monitoring.Logf("[registration] device %d %s: %v", device, res.Outcome, err)
		return res, true
	}

	res.Candidate = result.Transform
	res.Candidate.DeviceIndex = device
	res.Candidate.Residual = result.Residual
	res.Candidate.InlierFraction = result.InlierFraction
	res.Candidate.Tick = tick
	res.Candidate.ComputedAt = e.clock.Now()
	res.Residual, res.InlierFraction, res.Iterations = result.Residual, result.InlierFraction, result.Iterations

	var previous *pose.Transform
	if rescored {
		previous = &current
	}
	if err := Accept(result, previous, e.cfg.MaxResidual, e.cfg.Hysteresis); err != nil {
		res.Outcome = monitoring.OutcomeRejected
		res.Err = err
		e.miss(device, res.Coarse)
		monitoring.Logf("[registration] device %d rejected: %v", device, err)
		return res, true
	}

	version, err := e.store.Commit(device, res.Candidate)
	if err != nil {
		res.Outcome = monitoring.OutcomeFailed
		res.Err = fmt.Errorf("device %d: %v: %w", device, err, ErrRegistrationFailed)
		return res, true
	}
	res.Version = version
	res.Candidate.Version = version
	res.Outcome = monitoring.OutcomeAccepted

	e.mu.Lock()
	e.lastGood[device] = res.Candidate
	e.misses[device] = 0
	e.mu.Unlock()
	monitoring.Logf("[registration] device %d accepted: residual=%.4fm overlap=%.2f iterations=%d version=%d",
		device, res.Residual, res.InlierFraction, res.Iterations, version)
	return res, true
}

// align refines the current transform of a registered device, or runs a
// coarse search followed by refinement for an unregistered one. A
// registered device that has missed CoarseAfter cycles in a row is searched
// again from its current transform, which may sit in a false minimum.
func (e *Engine) align(ctx context.Context, device int, source []r3.Vec, tgt *Target, prev *pose.Transform, registered bool, res *CycleResult) (Result, error) {
	e.mu.Lock()
	stuck := registered && e.misses[device] >= e.cfg.CoarseAfter
	if stuck {
		e.misses[device] = 0
	}
	var hint *pose.Transform
	if registered {
		hint = prev
	} else if t, ok := e.lastGood[device]; ok {
		hint = &t
	} else if t, ok := e.priors[device]; ok {
		hint = &t
	}
	e.mu.Unlock()

	if registered && !stuck {
		init := pose.Identity(device)
		init.Rotation, init.Translation = prev.Rotation, prev.Translation
		return FineAlign(ctx, source, tgt, init, e.cfg.ICP)
	}
	if stuck {
		monitoring.Logf("[registration] device %d: no accepted transform in %d cycles, searching again", device, e.cfg.CoarseAfter)
	}

	res.Coarse = true
	coarse, err := CoarseAlign(ctx, device, source, tgt, hint, e.cfg.ICP, e.cfg.Coarse)
	if err != nil {
		return Result{}, err
	}
	return FineAlign(ctx, source, tgt, coarse.Transform, e.cfg.ICP)
}

// rescore measures the current transform on the batch the candidate was
// computed from. ok is false when it no longer overlaps that batch.
func (e *Engine) rescore(ctx context.Context, source []r3.Vec, tgt *Target, prev pose.Transform) (pose.Transform, bool, error) {
	scored, err := Score(ctx, source, tgt, prev, e.cfg.ICP)
	if err != nil {
		if errors.Is(err, ErrRegistrationFailed) && ctx.Err() == nil {
			return pose.Transform{}, false, nil
		}
		return pose.Transform{}, false, err
	}
	prev.Residual, prev.InlierFraction = scored.Residual, scored.InlierFraction
	return prev, true, nil
}

// miss counts a refinement that produced no accepted transform.
func (e *Engine) miss(device int, coarse bool) {
	if coarse {
		return
	}
	e.mu.Lock()
	e.misses[device]++
	e.mu.Unlock()
}
