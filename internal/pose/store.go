package pose

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrReferenceFixed is returned when committing to the reference slot.
	ErrReferenceFixed = errors.New("reference transform is fixed to identity")
	// ErrRetired is returned when committing for a revoked device.
	ErrRetired = errors.New("device retired")
	// ErrUnknownDevice is returned for an index outside the store.
	ErrUnknownDevice = errors.New("unknown device")
)

type slot struct {
	cur     atomic.Pointer[Transform]
	retired atomic.Bool

	mu      sync.Mutex // serialises writers only
	version uint64
}

// Store holds the current transform of every device in fixed slots. Get and
// Snapshot never block; writers of one slot never contend with another.
type Store struct {
	reference int
	slots     []slot
}

// NewStore creates a store for n devices. The reference slot permanently
// holds the identity.
func NewStore(n, reference int) *Store {
	s := &Store{reference: reference, slots: make([]slot, n)}
	if reference >= 0 && reference < n {
		id := Identity(reference)
		s.slots[reference].cur.Store(&id)
	}
	return s
}

// Len returns the number of slots.
func (s *Store) Len() int { return len(s.slots) }

// Reference returns the reference device index.
func (s *Store) Reference() int { return s.reference }

// Get returns the latest committed transform of device, or false when the
// device is unregistered.
func (s *Store) Get(device int) (*Transform, bool) {
	if device < 0 || device >= len(s.slots) {
		return nil, false
	}
	t := s.slots[device].cur.Load()
	return t, t != nil
}

// Commit publishes t as the transform of device and returns its version.
// Versions start at 1 and strictly increase per device.
func (s *Store) Commit(device int, t Transform) (uint64, error) {
	if device < 0 || device >= len(s.slots) {
		return 0, fmt.Errorf("commit device %d: %w", device, ErrUnknownDevice)
	}
	if device == s.reference {
		return 0, ErrReferenceFixed
	}
	sl := &s.slots[device]
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.retired.Load() {
		return 0, fmt.Errorf("commit device %d: %w", device, ErrRetired)
	}
	sl.version++
	t.DeviceIndex = device
	t.Version = sl.version
	sl.cur.Store(&t)
	return t.Version, nil
}

// Revoke clears the transform of device and retires the slot so that later
// commits fail. The reference slot cannot be revoked.
func (s *Store) Revoke(device int) {
	if device < 0 || device >= len(s.slots) || device == s.reference {
		return
	}
	sl := &s.slots[device]
	sl.mu.Lock()
	sl.retired.Store(true)
	sl.cur.Store(nil)
	sl.mu.Unlock()
}

// Clear returns device to the unregistered state without retiring it. The
// next commit continues the version sequence.
func (s *Store) Clear(device int) {
	if device < 0 || device >= len(s.slots) || device == s.reference {
		return
	}
	sl := &s.slots[device]
	sl.mu.Lock()
	sl.cur.Store(nil)
	sl.mu.Unlock()
}

// Retired reports whether device has been revoked.
func (s *Store) Retired(device int) bool {
	if device < 0 || device >= len(s.slots) {
		return false
	}
	return s.slots[device].retired.Load()
}

// Snapshot is the set of transforms current at one instant, indexed by
// device. Entries are nil for unregistered devices.
type Snapshot []*Transform

// Snapshot loads every slot once.
func (s *Store) Snapshot() Snapshot {
	out := make(Snapshot, len(s.slots))
	for i := range s.slots {
		out[i] = s.slots[i].cur.Load()
	}
	return out
}

// Get returns the transform of device in the snapshot.
func (sn Snapshot) Get(device int) (*Transform, bool) {
	if device < 0 || device >= len(sn) || sn[device] == nil {
		return nil, false
	}
	return sn[device], true
}
