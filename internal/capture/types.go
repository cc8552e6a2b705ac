// Package capture defines the contract between the fusion pipeline and a
// depth-camera driver: device descriptors, frames and the Source interface,
// plus the device manager that assigns roles and sequences start/stop.
package capture

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"time"
)

// ErrDeviceUnavailable reports that a Source cannot supply frames for a device.
// The device is excluded from subsequent ticks.
var ErrDeviceUnavailable = errors.New("device unavailable")

// DefaultDepthScale converts millimetre depth units to metres.
const DefaultDepthScale = 0.001

// Intrinsics holds pinhole camera parameters for the depth image.
// Distortion coefficients are carried through unchanged.
type Intrinsics struct {
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Fx         float64   `json:"fx"`
	Fy         float64   `json:"fy"`
	Ppx        float64   `json:"ppx"`
	Ppy        float64   `json:"ppy"`
	Distortion []float64 `json:"distortion,omitempty"`
}

// CheckValid checks that the intrinsics describe a usable projection.
func (in Intrinsics) CheckValid() error {
	if in.Width <= 0 || in.Height <= 0 {
		return fmt.Errorf("invalid size (%d, %d)", in.Width, in.Height)
	}
	if in.Fx <= 0 || in.Fy <= 0 || math.IsNaN(in.Fx) || math.IsNaN(in.Fy) {
		return fmt.Errorf("invalid focal length (%v, %v)", in.Fx, in.Fy)
	}
	if in.Ppx < 0 || in.Ppy < 0 || in.Ppx > float64(in.Width) || in.Ppy > float64(in.Height) {
		return fmt.Errorf("principal point (%v, %v) outside image", in.Ppx, in.Ppy)
	}
	return nil
}

// SyncJack reports which hardware sync cables are connected to a device.
type SyncJack struct {
	In  bool `json:"in"`
	Out bool `json:"out"`
}

// DeviceDescriptor is what a Source reports for each attached device.
type DeviceDescriptor struct {
	Index           int        `json:"index"`
	Serial          string     `json:"serial"`
	HardwareVersion string     `json:"hardware_version,omitempty"`
	Intrinsics      Intrinsics `json:"intrinsics"`
	SyncJack        SyncJack   `json:"sync_jack"`
}

// Role distinguishes the device that defines the common coordinate frame.
type Role int

const (
	RoleSecondary Role = iota
	RoleReference
)

func (r Role) String() string {
	if r == RoleReference {
		return "reference"
	}
	return "secondary"
}

// SyncMode is the hardware trigger mode a device is started in.
type SyncMode int

const (
	SyncStandalone SyncMode = iota
	SyncMaster
	SyncSubordinate
)

func (m SyncMode) String() string {
	switch m {
	case SyncMaster:
		return "master"
	case SyncSubordinate:
		return "subordinate"
	default:
		return "standalone"
	}
}

// Device is a descriptor with its session role. Immutable once the session
// has started.
type Device struct {
	DeviceDescriptor
	Role           Role
	SyncMode       SyncMode
	DelayOffMaster time.Duration
}

// Frame is one depth capture. DeviceTimestamp is on the device's own epoch;
// SystemTimestamp is the host arrival time.
type Frame struct {
	DeviceIndex     int
	Sequence        uint64
	DeviceTimestamp time.Duration
	SystemTimestamp time.Time
	Width, Height   int
	Depth           []uint16 // row-major, 0 marks an invalid sample
	DepthScale      float64  // metres per depth unit
	Color           []color.RGBA
}

// Validate checks that the buffers match the declared dimensions.
func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("frame %d/%d: invalid size (%d, %d)", f.DeviceIndex, f.Sequence, f.Width, f.Height)
	}
	if len(f.Depth) != f.Width*f.Height {
		return fmt.Errorf("frame %d/%d: depth has %d samples, want %d", f.DeviceIndex, f.Sequence, len(f.Depth), f.Width*f.Height)
	}
	if f.Color != nil && len(f.Color) != len(f.Depth) {
		return fmt.Errorf("frame %d/%d: color has %d samples, want %d", f.DeviceIndex, f.Sequence, len(f.Color), len(f.Depth))
	}
	return nil
}

// Scale returns DepthScale, or DefaultDepthScale when unset.
func (f *Frame) Scale() float64 {
	if f.DepthScale > 0 {
		return f.DepthScale
	}
	return DefaultDepthScale
}
