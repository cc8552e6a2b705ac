// Package clocksync maps per-device hardware timestamps onto the reference
// device's timeline and groups frames into synchronized ticks.
package clocksync

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/depthfuse/internal/capture"
	"github.com/banshee-data/depthfuse/internal/monitoring"
)

// ErrTickIncomplete reports a tick dropped because the reference frame was
// missing.
var ErrTickIncomplete = errors.New("tick incomplete: reference frame missing")

// Config holds aligner parameters.
type Config struct {
	Devices        int
	ReferenceIndex int
	TickRate       float64 // ticks per second
	MaxSkew        time.Duration
	// SyncWait bounds how long a tick waits for a lagging secondary, and how
	// long offset estimation waits for a silent device, measured on the
	// reference timeline.
	SyncWait time.Duration
	RingSize int
}

// DefaultConfig returns defaults for a two-device session at 30Hz.
func DefaultConfig() Config {
	return Config{
		Devices:  2,
		TickRate: 30,
		MaxSkew:  8 * time.Millisecond,
		SyncWait: 100 * time.Millisecond,
		RingSize: 8,
	}
}

func (c Config) validate() error {
	if c.Devices < 1 {
		return fmt.Errorf("need at least one device, got %d", c.Devices)
	}
	if c.ReferenceIndex < 0 || c.ReferenceIndex >= c.Devices {
		return fmt.Errorf("reference index %d out of range", c.ReferenceIndex)
	}
	if c.TickRate <= 0 {
		return fmt.Errorf("tick rate must be positive, got %v", c.TickRate)
	}
	if c.MaxSkew < 0 || c.SyncWait < 0 {
		return errors.New("max skew and sync wait must be non-negative")
	}
	if c.RingSize < 1 {
		return fmt.Errorf("ring size must be at least 1, got %d", c.RingSize)
	}
	return nil
}

// SyncedTick is one instant of the virtual timeline with at most one frame
// per device. Frames[i] is nil exactly when Missing[i] is true.
type SyncedTick struct {
	Index       uint64
	VirtualTime time.Duration // on the reference device's clock
	Frames      []*capture.Frame
	Missing     []bool
}

// Counters summarises aligner activity.
type Counters struct {
	Emitted  uint64 `json:"emitted"`
	Dropped  uint64 `json:"dropped"`
	Late     uint64 `json:"late"`
	Overflow uint64 `json:"overflow"`
	Unknown  uint64 `json:"unknown"`
}

type deviceState struct {
	ring ring

	offset      time.Duration
	established bool

	latest    time.Duration
	hasLatest bool

	disconnected bool
}

// Aligner groups frames into SyncedTicks. It is owned by a single goroutine.
//
// The first frame of each secondary is paired with the reference frame
// whose host arrival time is closest, which fixes that device's clock
// offset for the session. Ticks then follow at TickRate from the
// reference's first frame.
type Aligner struct {
	cfg    Config
	period time.Duration
	devs   []*deviceState

	origin    time.Duration
	originSet bool
	k         int64  // ticks since origin
	seq       uint64 // next tick index, never reset

	lastEmitted time.Duration
	emittedAny  bool

	counters Counters
}

// New creates an Aligner.
func New(cfg Config) (*Aligner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	a := &Aligner{
		cfg:    cfg,
		period: time.Duration(float64(time.Second) / cfg.TickRate),
		devs:   make([]*deviceState, cfg.Devices),
	}
	for i := range a.devs {
		a.devs[i] = &deviceState{ring: newRing(cfg.RingSize)}
	}
	return a, nil
}

// Push buffers a frame. Frames from unknown devices are rejected; late and
// out-of-order frames are counted and discarded without error.
func (a *Aligner) Push(f *capture.Frame) error {
	if f == nil {
		return errors.New("nil frame")
	}
	if f.DeviceIndex < 0 || f.DeviceIndex >= len(a.devs) {
		a.counters.Unknown++
		return fmt.Errorf("frame from unknown device %d", f.DeviceIndex)
	}
	d := a.devs[f.DeviceIndex]
	if d.disconnected {
		return nil
	}
	ref := a.devs[a.cfg.ReferenceIndex]

	if f.DeviceIndex == a.cfg.ReferenceIndex {
		d.established = true
		if !a.insert(d, f) {
			return nil
		}
		if !a.originSet && (!a.emittedAny || f.DeviceTimestamp > a.lastEmitted) {
			a.origin, a.originSet, a.k = f.DeviceTimestamp, true, 0
		}
		for i, sd := range a.devs {
			if i != a.cfg.ReferenceIndex && !sd.established && sd.ring.len() > 0 {
				a.establish(i, sd)
			}
		}
		return nil
	}

	if !d.established {
		// buffered raw until the reference shows up
		if d.ring.push(f) != nil {
			a.counters.Overflow++
		}
		if ref.established {
			a.establish(f.DeviceIndex, d)
		}
		return nil
	}
	a.insert(d, f)
	return nil
}

// insert applies late-frame rules and buffers f on an established device.
func (a *Aligner) insert(d *deviceState, f *capture.Frame) bool {
	ts := f.DeviceTimestamp - d.offset
	if a.stale(ts) {
		a.counters.Late++
		return false
	}
	if d.hasLatest && ts <= d.latest {
		a.counters.Late++
		return false
	}
	// Rotating out a frame that no future tick can select is not a loss.
	if old := d.ring.push(f); old != nil && !a.stale(old.DeviceTimestamp-d.offset) {
		a.counters.Overflow++
	}
	d.latest, d.hasLatest = ts, true
	return true
}

// stale reports whether a frame at mapped time ts is too old for any tick
// still to be emitted.
func (a *Aligner) stale(ts time.Duration) bool {
	return a.emittedAny && ts < a.lastEmitted-a.cfg.MaxSkew
}

// establish fixes the offset of secondary i from its oldest buffered frame.
func (a *Aligner) establish(i int, d *deviceState) {
	ref := a.devs[a.cfg.ReferenceIndex]
	first := d.ring.at(0)

	var match *capture.Frame
	var best time.Duration
	for j := 0; j < ref.ring.len(); j++ {
		rf := ref.ring.at(j)
		gap := absDuration(rf.SystemTimestamp.Sub(first.SystemTimestamp))
		if match == nil || gap < best {
			match, best = rf, gap
		}
	}
	if match == nil {
		return
	}
	// Bridge through the host clock so the pairing need not be simultaneous.
	hostGap := first.SystemTimestamp.Sub(match.SystemTimestamp)
	d.offset = first.DeviceTimestamp - match.DeviceTimestamp - hostGap
	d.established = true
	monitoring.Logf("[clocksync] device %d offset %v (paired with reference frame %d, host gap %v)",
		i, d.offset, match.Sequence, hostGap)

	// Re-admit buffered frames through the normal rules.
	pending := d.ring.drain()
	for _, f := range pending {
		a.insert(d, f)
	}
}

// Offset returns the clock offset of device i once established.
func (a *Aligner) Offset(i int) (time.Duration, bool) {
	if i < 0 || i >= len(a.devs) {
		return 0, false
	}
	return a.devs[i].offset, a.devs[i].established
}

// MarkDisconnected stops waiting for device i. Its buffered frames may still
// be selected; later frames are discarded.
func (a *Aligner) MarkDisconnected(i int) {
	if i < 0 || i >= len(a.devs) {
		return
	}
	a.devs[i].disconnected = true
}

// Ready returns the next tick once it can be decided. ok is false when more
// frames are needed. A tick whose reference frame is missing is consumed and
// reported as an error wrapping ErrTickIncomplete; call Ready again to
// continue.
func (a *Aligner) Ready() (SyncedTick, bool, error) {
	ref := a.devs[a.cfg.ReferenceIndex]
	if !a.originSet || !ref.hasLatest {
		return SyncedTick{}, false, nil
	}
	tk := a.origin + time.Duration(a.k)*a.period

	for i, d := range a.devs {
		if i == a.cfg.ReferenceIndex || d.established || d.disconnected {
			continue
		}
		if ref.latest < a.origin+a.cfg.SyncWait {
			return SyncedTick{}, false, nil
		}
	}

	if ref.latest <= tk+a.cfg.MaxSkew+a.cfg.SyncWait {
		for _, d := range a.devs {
			if d.disconnected || !d.established {
				continue
			}
			if !d.hasLatest || d.latest <= tk+a.cfg.MaxSkew {
				return SyncedTick{}, false, nil
			}
		}
	}

	tick := SyncedTick{
		Index:       a.seq,
		VirtualTime: tk,
		Frames:      make([]*capture.Frame, len(a.devs)),
		Missing:     make([]bool, len(a.devs)),
	}
	for i, d := range a.devs {
		tick.Frames[i] = a.closest(d, tk)
		tick.Missing[i] = tick.Frames[i] == nil
	}
	a.seq++
	a.k++
	a.lastEmitted, a.emittedAny = tk, true

	if tick.Missing[a.cfg.ReferenceIndex] {
		a.counters.Dropped++
		return SyncedTick{}, false, fmt.Errorf("tick %d at %v: %w", tick.Index, tk, ErrTickIncomplete)
	}
	a.counters.Emitted++
	return tick, true, nil
}

// closest selects the buffered frame nearest tk within MaxSkew; ties go to
// the earlier frame.
func (a *Aligner) closest(d *deviceState, tk time.Duration) *capture.Frame {
	if !d.established {
		return nil
	}
	var best *capture.Frame
	var bestGap time.Duration
	for j := 0; j < d.ring.len(); j++ {
		f := d.ring.at(j)
		gap := absDuration(f.DeviceTimestamp - d.offset - tk)
		if gap > a.cfg.MaxSkew {
			continue
		}
		if best == nil || gap < bestGap {
			best, bestGap = f, gap
		}
	}
	return best
}

// Reset restarts the tick sequence at the next reference frame. Clock
// offsets are kept; buffered frames are released. Tick indices keep
// increasing.
func (a *Aligner) Reset() {
	for _, d := range a.devs {
		if d.established {
			d.ring.drain()
			d.hasLatest = false
		}
	}
	a.originSet = false
	a.k = 0
}

// Counters returns a copy of the aligner counters.
func (a *Aligner) Counters() Counters {
	return a.counters
}

// Period returns the tick period.
func (a *Aligner) Period() time.Duration {
	return a.period
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
