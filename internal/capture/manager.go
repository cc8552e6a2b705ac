package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/banshee-data/depthfuse/internal/monitoring"
)

// ErrNoDevices is returned when a Source enumerates no devices.
var ErrNoDevices = errors.New("no devices found")

// ManagerConfig controls device role assignment.
type ManagerConfig struct {
	// MaxDevices bounds the number of devices a session accepts.
	MaxDevices int
	// SubordinateDelay is multiplied by n for the n-th secondary to stagger
	// depth emitters and avoid interference.
	SubordinateDelay time.Duration
	// ReferenceSerial selects the reference when no device is wired as
	// sync master.
	ReferenceSerial string
}

// DefaultManagerConfig returns the defaults for a nine-device sync chain.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxDevices:       9,
		SubordinateDelay: 160 * time.Microsecond,
	}
}

// AssignRoles picks the reference device and configures sync modes and
// subordinate delays. It returns the devices in descriptor order together
// with any non-fatal cabling or version warnings.
//
// The reference is the device whose sync jack is out-only (the chain
// master). Without one, ReferenceSerial is used, then the first device.
func AssignRoles(descs []DeviceDescriptor, cfg ManagerConfig) ([]Device, []string, error) {
	if len(descs) == 0 {
		return nil, nil, ErrNoDevices
	}
	if cfg.MaxDevices > 0 && len(descs) > cfg.MaxDevices {
		return nil, nil, fmt.Errorf("%d devices exceed the limit of %d", len(descs), cfg.MaxDevices)
	}
	for i, d := range descs {
		if d.Index != i {
			return nil, nil, fmt.Errorf("device %q has index %d, want %d", d.Serial, d.Index, i)
		}
		if err := d.Intrinsics.CheckValid(); err != nil {
			return nil, nil, fmt.Errorf("device %q: %w", d.Serial, err)
		}
	}
	dupes := lo.FindDuplicates(lo.Map(descs, func(d DeviceDescriptor, _ int) string { return d.Serial }))
	if len(dupes) > 0 {
		return nil, nil, fmt.Errorf("duplicate device serials %v", dupes)
	}

	devices := lo.Map(descs, func(d DeviceDescriptor, _ int) Device {
		return Device{DeviceDescriptor: d, Role: RoleSecondary}
	})

	if len(devices) == 1 {
		devices[0].Role = RoleReference
		devices[0].SyncMode = SyncStandalone
		return devices, nil, nil
	}

	var warnings []string
	ref := referenceIndex(descs, cfg.ReferenceSerial)
	if !syncCablingValid(descs) {
		warnings = append(warnings, "sync cables are not wired as a single daisy chain; frames may not be hardware synchronized")
	}
	versions := lo.Uniq(lo.Map(descs, func(d DeviceDescriptor, _ int) string { return d.HardwareVersion }))
	if len(versions) > 1 {
		warnings = append(warnings, fmt.Sprintf("device hardware versions differ: %v", versions))
	}

	n := 0
	for i := range devices {
		if i == ref {
			devices[i].Role = RoleReference
			devices[i].SyncMode = SyncMaster
			continue
		}
		n++
		devices[i].SyncMode = SyncSubordinate
		devices[i].DelayOffMaster = time.Duration(n) * cfg.SubordinateDelay
	}
	return devices, warnings, nil
}

func referenceIndex(descs []DeviceDescriptor, serial string) int {
	if _, i, ok := lo.FindIndexOf(descs, func(d DeviceDescriptor) bool {
		return d.SyncJack.Out && !d.SyncJack.In
	}); ok {
		return i
	}
	if serial != "" {
		if _, i, ok := lo.FindIndexOf(descs, func(d DeviceDescriptor) bool { return d.Serial == serial }); ok {
			return i
		}
	}
	return 0
}

// syncCablingValid reports whether the jacks form a chain: exactly one
// out-only device at the head and one in-only device at the tail.
func syncCablingValid(descs []DeviceDescriptor) bool {
	heads := lo.CountBy(descs, func(d DeviceDescriptor) bool { return d.SyncJack.Out && !d.SyncJack.In })
	tails := lo.CountBy(descs, func(d DeviceDescriptor) bool { return d.SyncJack.In && !d.SyncJack.Out })
	return heads == 1 && tails == 1
}

// Stream is the frame channel for one started device. Err is set, wrapping
// ErrDeviceUnavailable, when a secondary failed to start.
type Stream struct {
	Device Device
	Frames <-chan *Frame
	Err    error
}

// Manager sequences device start and stop against a Source.
type Manager struct {
	source Source
	cfg    ManagerConfig

	mu      sync.Mutex
	devices []Device
	started []Device
}

// NewManager creates a Manager for source.
func NewManager(source Source, cfg ManagerConfig) *Manager {
	return &Manager{source: source, cfg: cfg}
}

// Open enumerates devices and assigns roles.
func (m *Manager) Open(ctx context.Context) ([]Device, error) {
	descs, err := m.source.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	devices, warnings, err := AssignRoles(descs, m.cfg)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		monitoring.Logf("[capture] warning: %s", w)
	}
	for _, d := range devices {
		monitoring.Debugf("[capture] device %d serial=%s role=%s sync=%s delay=%v",
			d.Index, d.Serial, d.Role, d.SyncMode, d.DelayOffMaster)
	}

	m.mu.Lock()
	m.devices = devices
	m.mu.Unlock()
	return devices, nil
}

// Start starts secondaries first so they are armed before the master
// triggers, then the reference. A secondary that fails to start is
// reported in its Stream; a reference failure stops everything and is
// returned.
func (m *Manager) Start(ctx context.Context) ([]Stream, error) {
	m.mu.Lock()
	devices := m.devices
	m.mu.Unlock()
	if len(devices) == 0 {
		return nil, errors.New("manager not opened")
	}

	streams := make([]Stream, len(devices))
	for _, d := range startOrder(devices) {
		frames, err := m.source.StartCapture(ctx, d)
		if err != nil {
			if d.Role == RoleReference {
				stopErr := m.Stop()
				return nil, multierr.Append(fmt.Errorf("start reference device %d: %w", d.Index, err), stopErr)
			}
			monitoring.Logf("[capture] device %d failed to start: %v", d.Index, err)
			streams[d.Index] = Stream{Device: d, Err: fmt.Errorf("device %d: %w: %v", d.Index, ErrDeviceUnavailable, err)}
			continue
		}
		m.mu.Lock()
		m.started = append(m.started, d)
		m.mu.Unlock()
		streams[d.Index] = Stream{Device: d, Frames: frames}
	}
	return streams, nil
}

// Stop stops every started device in start order and aggregates the errors.
func (m *Manager) Stop() error {
	m.mu.Lock()
	started := m.started
	m.started = nil
	m.mu.Unlock()

	var err error
	for _, d := range started {
		if stopErr := m.source.StopCapture(d); stopErr != nil {
			err = multierr.Append(err, fmt.Errorf("stop device %d: %w", d.Index, stopErr))
		}
	}
	return err
}

// startOrder lists secondaries before the reference.
func startOrder(devices []Device) []Device {
	secondaries, reference := lo.FilterReject(devices, func(d Device, _ int) bool {
		return d.Role == RoleSecondary
	})
	return append(secondaries, reference...)
}
