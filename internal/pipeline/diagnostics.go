package pipeline

import (
	"time"

	"github.com/banshee-data/depthfuse/internal/capture"
	"github.com/banshee-data/depthfuse/internal/clocksync"
	"github.com/banshee-data/depthfuse/internal/monitoring"
	"github.com/banshee-data/depthfuse/internal/pose"
	"github.com/banshee-data/depthfuse/internal/registration"
)

// State is the registration state reported for a device.
type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistered   State = "registered"
)

// CycleRecord summarises one registration attempt.
type CycleRecord struct {
	ID             string        `json:"id"`
	Tick           uint64        `json:"tick"`
	Outcome        string        `json:"outcome"`
	Residual       float64       `json:"residual"`
	InlierFraction float64       `json:"inlier_fraction"`
	Iterations     int           `json:"iterations"`
	Coarse         bool          `json:"coarse"`
	Version        uint64        `json:"version,omitempty"`
	Duration       time.Duration `json:"duration"`
	At             time.Time     `json:"at"`
	Error          string        `json:"error,omitempty"`
}

// DeviceStatus is the diagnostics view of one device. Residual, Version,
// Age and Quality describe the committed transform and are zero while the
// device is unregistered.
type DeviceStatus struct {
	DeviceIndex int           `json:"device_index"`
	Serial      string        `json:"serial"`
	Role        string        `json:"role"`
	Connected   bool          `json:"connected"`
	State       State         `json:"state"`
	Residual    float64       `json:"residual"`
	Version     uint64        `json:"version"`
	Age         time.Duration `json:"age"`
	Quality     pose.Quality  `json:"quality"`
	LastOutcome string        `json:"last_outcome,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Accepted    uint64        `json:"accepted"`
	Rejected    uint64        `json:"rejected"`
	Failed      uint64        `json:"failed"`
	Timeouts    uint64        `json:"timeouts"`
	History     []CycleRecord `json:"history,omitempty"`
}

// Counters summarises the fusion path.
type Counters struct {
	Fused          uint64             `json:"fused"`
	Incomplete     uint64             `json:"incomplete"`
	BuildErrors    uint64             `json:"build_errors"`
	BatchesDropped uint64             `json:"batches_dropped"`
	Aligner        clocksync.Counters `json:"aligner"`
}

// deviceBook is the mutable diagnostics state of one device, guarded by
// Session.mu.
type deviceBook struct {
	device    capture.Device
	connected bool

	lastOutcome string
	lastErr     string
	accepted    uint64
	rejected    uint64
	failed      uint64
	timeouts    uint64
	history     []CycleRecord
}

func newCycleRecord(r registration.CycleResult) CycleRecord {
	rec := CycleRecord{
		ID:             r.ID,
		Tick:           r.Tick,
		Outcome:        r.Outcome,
		Residual:       r.Residual,
		InlierFraction: r.InlierFraction,
		Iterations:     r.Iterations,
		Coarse:         r.Coarse,
		Version:        r.Version,
		Duration:       r.Duration,
		At:             r.At,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

// record applies one cycle result, keeping at most limit history entries.
// The disconnect error of a lost device is kept as its last error.
func (b *deviceBook) record(rec CycleRecord, limit int) {
	b.lastOutcome = rec.Outcome
	if b.connected {
		b.lastErr = rec.Error
	}
	switch rec.Outcome {
	case monitoring.OutcomeAccepted:
		b.accepted++
	case monitoring.OutcomeRejected:
		b.rejected++
	case monitoring.OutcomeTimeout:
		b.timeouts++
	default:
		b.failed++
	}
	b.history = append(b.history, rec)
	if over := len(b.history) - limit; over > 0 {
		b.history = append(b.history[:0], b.history[over:]...)
	}
}

func (b *deviceBook) status() DeviceStatus {
	return DeviceStatus{
		DeviceIndex: b.device.Index,
		Serial:      b.device.Serial,
		Role:        b.device.Role.String(),
		Connected:   b.connected,
		State:       StateUnregistered,
		LastOutcome: b.lastOutcome,
		LastError:   b.lastErr,
		Accepted:    b.accepted,
		Rejected:    b.rejected,
		Failed:      b.failed,
		Timeouts:    b.timeouts,
		History:     append([]CycleRecord(nil), b.history...),
	}
}
