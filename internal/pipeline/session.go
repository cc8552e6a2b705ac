// Package pipeline runs a capture session: it wires the frame source, clock
// aligner, point cloud builder and fusion output into the tick-rate fusion
// path, and runs the registration engine beside it. The two activities
// share only the pose store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/depthfuse/internal/capture"
	"github.com/banshee-data/depthfuse/internal/clocksync"
	"github.com/banshee-data/depthfuse/internal/cloud"
	"github.com/banshee-data/depthfuse/internal/fusion"
	"github.com/banshee-data/depthfuse/internal/monitoring"
	"github.com/banshee-data/depthfuse/internal/pose"
	"github.com/banshee-data/depthfuse/internal/registration"
	"github.com/banshee-data/depthfuse/internal/storage/sqlite"
	"github.com/banshee-data/depthfuse/internal/timeutil"
)

// journalTimeout bounds each journal write so a slow disk cannot stall the
// registration engine.
const journalTimeout = 2 * time.Second

// Journal persists sessions and registration cycles and supplies the last
// accepted transform of a device as a prior for the next session.
// *sqlite.JournalStore implements it.
type Journal interface {
	StartSession(ctx context.Context, s *sqlite.Session) error
	EndSession(ctx context.Context, sessionID string, at time.Time) error
	RecordCycle(ctx context.Context, c *sqlite.Cycle) error
	LatestAccepted(ctx context.Context, serial string) (*sqlite.Cycle, error)
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the clock used for registration cadence and ages.
func WithClock(c timeutil.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithMetrics exports session activity to m.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithJournal records registration cycles to j and seeds coarse alignment
// from its last accepted transforms.
func WithJournal(j Journal) Option {
	return func(s *Session) { s.journal = j }
}

// WithObserver registers a callback invoked after every registration
// attempt, from the registration goroutine.
func WithObserver(fn func(registration.CycleResult)) Option {
	return func(s *Session) { s.observers = append(s.observers, fn) }
}

// SessionInfo describes a session for diagnostics.
type SessionInfo struct {
	ID        string    `json:"id"`
	Running   bool      `json:"running"`
	Devices   int       `json:"devices"`
	Reference int       `json:"reference"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Searcher  string    `json:"searcher"`
	// MaxResidual is the acceptance threshold in metres.
	MaxResidual float64  `json:"max_residual"`
	Counters    Counters `json:"counters"`
}

// Session is one capture session over a Source. Run may be called once.
type Session struct {
	id        string
	cfg       Config
	source    capture.Source
	clock     timeutil.Clock
	metrics   *monitoring.Metrics
	journal   Journal
	observers []func(registration.CycleResult)

	out     chan *fusion.FusedCloud
	ran     atomic.Bool
	running atomic.Bool

	mu        sync.Mutex
	devices   []capture.Device
	reference int
	store     *pose.Store
	books     []*deviceBook
	counters  Counters
	startedAt time.Time
}

// NewSession creates a session reading from source.
func NewSession(cfg Config, source capture.Source, opts ...Option) (*Session, error) {
	if source == nil {
		return nil, errors.New("nil frame source")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Session{
		id:     uuid.NewString(),
		cfg:    cfg,
		source: source,
		clock:  timeutil.RealClock{},
		out:    make(chan *fusion.FusedCloud, cfg.OutputBuffer),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Output is the fused cloud stream. It is closed when Run returns.
func (s *Session) Output() <-chan *fusion.FusedCloud { return s.out }

// event is a frame, or the end of a device's stream.
type event struct {
	device int
	frame  *capture.Frame
	closed bool
}

// Run opens the devices and runs the session until ctx is cancelled or the
// reference device's stream ends. Only resource exhaustion is returned as
// an error; every other failure is reported through Diagnostics.
func (s *Session) Run(ctx context.Context) error {
	if !s.ran.CompareAndSwap(false, true) {
		return errors.New("session already run")
	}
	defer close(s.out)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mgr := capture.NewManager(s.source, s.cfg.Manager)
	devices, err := mgr.Open(runCtx)
	if err != nil {
		return fmt.Errorf("open devices: %v: %w", err, ErrResourceExhausted)
	}
	_, ref, _ := lo.FindIndexOf(devices, func(d capture.Device) bool { return d.Role == capture.RoleReference })

	clkCfg, regCfg := s.cfg.forDevices(len(devices), ref)
	aligner, err := clocksync.New(clkCfg)
	if err != nil {
		return fmt.Errorf("clock aligner: %w", err)
	}
	store := pose.NewStore(len(devices), ref)
	engine, err := registration.NewEngine(regCfg, store,
		registration.WithClock(s.clock),
		registration.WithObserver(s.observe))
	if err != nil {
		return fmt.Errorf("registration engine: %w", err)
	}

	s.mu.Lock()
	s.devices, s.reference, s.store = devices, ref, store
	s.books = lo.Map(devices, func(d capture.Device, _ int) *deviceBook {
		return &deviceBook{device: d, connected: true}
	})
	s.startedAt = s.clock.Now()
	s.mu.Unlock()

	s.startJournal(runCtx, engine)

	streams, err := mgr.Start(runCtx)
	if err != nil {
		s.endJournal()
		return fmt.Errorf("%v: %w", err, ErrResourceExhausted)
	}
	monitoring.Logf("[session] %s started: %d devices, reference %d (%s), searcher=%s",
		s.id, len(devices), ref, devices[ref].Serial, regCfg.Searcher.Name())
	s.running.Store(true)

	events := make(chan event, len(devices)*clkCfg.RingSize)
	g, gctx := errgroup.WithContext(runCtx)
	for _, st := range streams {
		if st.Err != nil {
			s.lose(st.Device.Index, st.Err, aligner, store)
			continue
		}
		st := st
		g.Go(func() error {
			forward(gctx, st, events)
			return nil
		})
	}
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		return s.fuseLoop(gctx, aligner, store, engine, events)
	})

	err = g.Wait()
	s.running.Store(false)
	if stopErr := mgr.Stop(); stopErr != nil {
		monitoring.Logf("[session] %s stop: %v", s.id, stopErr)
	}
	s.endJournal()

	c := s.Counters()
	monitoring.Logf("[session] %s stopped: fused=%d incomplete=%d late=%d overflow=%d",
		s.id, c.Fused, c.Incomplete, c.Aligner.Late, c.Aligner.Overflow)
	return err
}

// forward copies one device's frames into events, and reports the end of
// the stream.
func forward(ctx context.Context, st capture.Stream, events chan<- event) {
	idx := st.Device.Index
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-st.Frames:
			ev := event{device: idx, frame: f, closed: !ok}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			if !ok {
				return
			}
		}
	}
}

// fuseLoop is the fusion path. It owns the aligner.
func (s *Session) fuseLoop(ctx context.Context, aligner *clocksync.Aligner, store *pose.Store, engine *registration.Engine, events <-chan event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if ev.closed {
				err := fmt.Errorf("device %d stream ended: %w", ev.device, ErrDeviceUnavailable)
				if s.lose(ev.device, err, aligner, store) {
					monitoring.Logf("[session] reference device lost, ending session")
					return nil
				}
			} else {
				s.push(aligner, ev.frame)
			}
			if !s.drain(ctx, aligner, store, engine) {
				return nil
			}
		}
	}
}

func (s *Session) push(aligner *clocksync.Aligner, f *capture.Frame) {
	before := aligner.Counters()
	if err := aligner.Push(f); err != nil {
		monitoring.Debugf("[session] %v", err)
	}
	after := aligner.Counters()

	s.mu.Lock()
	s.counters.Aligner = after
	s.mu.Unlock()

	if m := s.metrics; m != nil {
		m.FramesDiscarded.WithLabelValues(monitoring.DiscardLate).Add(float64(after.Late - before.Late))
		m.FramesDiscarded.WithLabelValues(monitoring.DiscardOverflow).Add(float64(after.Overflow - before.Overflow))
		m.FramesDiscarded.WithLabelValues(monitoring.DiscardUnknownDev).Add(float64(after.Unknown - before.Unknown))
	}
}

// drain emits every tick the aligner can decide. It returns false when ctx
// ended while a fused cloud was waiting for the consumer.
func (s *Session) drain(ctx context.Context, aligner *clocksync.Aligner, store *pose.Store, engine *registration.Engine) bool {
	for {
		tick, ok, err := aligner.Ready()
		if err != nil {
			s.incomplete()
			monitoring.Debugf("[session] %v", err)
			continue
		}
		if !ok {
			s.mu.Lock()
			s.counters.Aligner = aligner.Counters()
			s.mu.Unlock()
			return true
		}
		if s.metrics != nil {
			s.metrics.TicksEmitted.Inc()
		}
		fc := s.process(tick, store, engine)
		if fc == nil {
			continue
		}
		select {
		case s.out <- fc:
		case <-ctx.Done():
			return false
		}
	}
}

// process builds the tick's point clouds, hands them to registration and
// fuses them. It returns nil when the reference cloud could not be built.
func (s *Session) process(tick clocksync.SyncedTick, store *pose.Store, engine *registration.Engine) *fusion.FusedCloud {
	clouds := make([]*cloud.PointCloud, len(tick.Frames))
	for i, f := range tick.Frames {
		if f == nil {
			continue
		}
		pc, err := cloud.Build(f, s.devices[i].Intrinsics, s.cfg.Cloud, tick.Index)
		if err != nil {
			s.mu.Lock()
			s.counters.BuildErrors++
			s.mu.Unlock()
			if s.metrics != nil {
				s.metrics.FramesDiscarded.WithLabelValues(monitoring.DiscardInvalidSize).Inc()
			}
			monitoring.Logf("[session] tick %d device %d: %v", tick.Index, i, err)
			continue
		}
		clouds[i] = pc
	}
	if clouds[s.reference] == nil {
		s.incomplete()
		return nil
	}

	if !engine.Offer(registration.Batch{Tick: tick.Index, Clouds: clouds}) {
		monitoring.Debugf("[session] tick %d: registration busy, batch dropped", tick.Index)
	}
	fc := fusion.Fuse(tick.Index, tick.VirtualTime, clouds, store)

	s.mu.Lock()
	s.counters.Fused++
	s.counters.BatchesDropped = engine.Dropped()
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.FusedPoints.Observe(float64(fc.Len()))
	}
	return fc
}

func (s *Session) incomplete() {
	s.mu.Lock()
	s.counters.Incomplete++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.TicksDropped.Inc()
	}
}

// lose marks a device permanently missing for the rest of the session. A
// secondary's transform is revoked so that it drops out of fusion. It
// returns true when the device is the reference.
func (s *Session) lose(device int, cause error, aligner *clocksync.Aligner, store *pose.Store) bool {
	aligner.MarkDisconnected(device)

	s.mu.Lock()
	b := s.books[device]
	b.connected = false
	b.lastErr = cause.Error()
	s.mu.Unlock()

	monitoring.Logf("[session] device %d (%s) unavailable: %v", device, b.device.Serial, cause)
	if device == s.reference {
		return true
	}
	store.Revoke(device)
	if s.metrics != nil {
		label := strconv.Itoa(device)
		s.metrics.Residual.DeleteLabelValues(label)
		s.metrics.TransformVersion.DeleteLabelValues(label)
	}
	return false
}

// observe is the registration engine's observer.
func (s *Session) observe(r registration.CycleResult) {
	rec := newCycleRecord(r)
	s.mu.Lock()
	b := s.books[r.DeviceIndex]
	b.record(rec, s.cfg.HistorySize)
	serial := b.device.Serial
	s.mu.Unlock()

	if m := s.metrics; m != nil {
		label := strconv.Itoa(r.DeviceIndex)
		m.RegistrationCycles.WithLabelValues(label, r.Outcome).Inc()
		switch r.Outcome {
		case monitoring.OutcomeAccepted:
			m.Residual.WithLabelValues(label).Set(r.Residual)
			m.TransformVersion.WithLabelValues(label).Set(float64(r.Version))
		case monitoring.OutcomeFailed, monitoring.OutcomeTimeout:
			m.Residual.DeleteLabelValues(label)
			m.TransformVersion.DeleteLabelValues(label)
		}
	}

	if s.journal != nil {
		c := &sqlite.Cycle{
			CycleID:        r.ID,
			SessionID:      s.id,
			DeviceIndex:    r.DeviceIndex,
			Serial:         serial,
			Tick:           r.Tick,
			Outcome:        r.Outcome,
			Residual:       r.Residual,
			InlierFraction: r.InlierFraction,
			Iterations:     r.Iterations,
			Coarse:         r.Coarse,
			Version:        r.Version,
			Rotation:       r.Candidate.Rotation,
			Translation:    r.Candidate.Translation,
			Duration:       r.Duration,
			Error:          rec.Error,
			CreatedAt:      r.At,
		}
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		if err := s.journal.RecordCycle(ctx, c); err != nil {
			monitoring.Logf("[session] journal cycle %s: %v", r.ID, err)
		}
		cancel()
	}

	for _, fn := range s.observers {
		fn(r)
	}
}

// startJournal records the session and loads each secondary's last
// accepted transform as a registration prior.
func (s *Session) startJournal(ctx context.Context, engine *registration.Engine) {
	if s.journal == nil {
		return
	}
	serials := lo.Map(s.devices, func(d capture.Device, _ int) string { return d.Serial })
	sess := &sqlite.Session{
		SessionID: s.id,
		Reference: serials[s.reference],
		Serials:   serials,
		StartedAt: s.startedAt,
	}
	if err := s.journal.StartSession(ctx, sess); err != nil {
		monitoring.Logf("[session] journal start: %v", err)
	}
	for i, serial := range serials {
		if i == s.reference {
			continue
		}
		c, err := s.journal.LatestAccepted(ctx, serial)
		if err != nil {
			if !errors.Is(err, sqlite.ErrNotFound) {
				monitoring.Logf("[session] journal prior for %s: %v", serial, err)
			}
			continue
		}
		prior := c.Transform()
		prior.DeviceIndex = i
		engine.SetPrior(i, prior)
		monitoring.Logf("[session] device %d (%s) prior from cycle %s (residual %.4fm)",
			i, serial, c.CycleID, c.Residual)
	}
}

func (s *Session) endJournal() {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := s.journal.EndSession(ctx, s.id, s.clock.Now()); err != nil {
		monitoring.Logf("[session] journal end: %v", err)
	}
}

// Diagnostics returns the status of every device. It is empty before Run
// has opened the devices.
func (s *Session) Diagnostics() []DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeviceStatus, len(s.books))
	for i, b := range s.books {
		st := b.status()
		if t, ok := s.store.Get(i); ok {
			st.State = StateRegistered
			st.Residual, st.Version = t.Residual, t.Version
			st.Quality = pose.Grade(t)
			if !t.ComputedAt.IsZero() {
				st.Age = s.clock.Since(t.ComputedAt)
			}
		}
		out[i] = st
	}
	return out
}

// Transforms returns a snapshot of the committed transforms, or nil before
// Run has opened the devices.
func (s *Session) Transforms() pose.Snapshot {
	s.mu.Lock()
	store := s.store
	s.mu.Unlock()
	if store == nil {
		return nil
	}
	return store.Snapshot()
}

// Counters returns the fusion path counters.
func (s *Session) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// Info describes the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	searcher := s.cfg.Registration.Searcher
	info := SessionInfo{
		ID:        s.id,
		Running:   s.running.Load(),
		Devices:   len(s.devices),
		Reference: s.reference,
		StartedAt: s.startedAt,

		MaxResidual: s.cfg.Registration.MaxResidual,
		Counters:    s.counters,
	}
	if searcher != nil {
		info.Searcher = searcher.Name()
	}
	return info
}
