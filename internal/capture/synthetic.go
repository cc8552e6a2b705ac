package capture

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// Plane is an infinite plane through Point with normal Normal.
type Plane struct {
	Point, Normal r3.Vec
	Color         color.RGBA
}

// Box is an axis-aligned box.
type Box struct {
	Min, Max r3.Vec
	Color    color.RGBA
}

// Sphere is a solid sphere.
type Sphere struct {
	Center r3.Vec
	Radius float64
	Color  color.RGBA
}

// Scene is a static world rendered by SyntheticSource. World coordinates
// follow the camera convention: x right, y down, z forward.
type Scene struct {
	Planes  []Plane
	Boxes   []Box
	Spheres []Sphere
}

// DefaultScene is a small room with a floor, two walls, two boxes and a
// ball: enough structure for registration to lock all six degrees of freedom.
func DefaultScene() Scene {
	return Scene{
		Planes: []Plane{
			{Point: r3.Vec{Y: 1.0}, Normal: r3.Vec{Y: -1}, Color: color.RGBA{R: 120, G: 110, B: 100, A: 255}},
			{Point: r3.Vec{Z: 4.0}, Normal: r3.Vec{Z: -1}, Color: color.RGBA{R: 200, G: 200, B: 190, A: 255}},
			{Point: r3.Vec{X: -1.6}, Normal: r3.Vec{X: 1}, Color: color.RGBA{R: 180, G: 190, B: 200, A: 255}},
		},
		Boxes: []Box{
			{Min: r3.Vec{X: -0.4, Y: 0.5, Z: 2.0}, Max: r3.Vec{X: 0.2, Y: 1.0, Z: 2.5}, Color: color.RGBA{R: 200, G: 60, B: 40, A: 255}},
			{Min: r3.Vec{X: 0.5, Y: 0.1, Z: 2.8}, Max: r3.Vec{X: 1.0, Y: 1.0, Z: 3.3}, Color: color.RGBA{R: 40, G: 90, B: 200, A: 255}},
		},
		Spheres: []Sphere{
			{Center: r3.Vec{X: -0.9, Y: 0.6, Z: 3.0}, Radius: 0.35, Color: color.RGBA{R: 60, G: 180, B: 70, A: 255}},
		},
	}
}

// SyntheticCamera places one simulated device in the scene.
type SyntheticCamera struct {
	Serial          string
	HardwareVersion string
	Intrinsics      Intrinsics
	SyncJack        SyncJack
	// Rotation and Position give the camera-to-world pose; Rotation is
	// row-major.
	Rotation [9]float64
	Position r3.Vec
	// ClockOffset is the device clock reading when the session epoch began.
	ClockOffset time.Duration
	// DisconnectAfter closes the stream after that many frames; 0 never.
	DisconnectAfter int
	// FailStart makes StartCapture fail for this device.
	FailStart bool
}

// DefaultIntrinsics is a small 96x72 depth sensor with a ~62° field of view.
func DefaultIntrinsics() Intrinsics {
	return Intrinsics{Width: 96, Height: 72, Fx: 80, Fy: 80, Ppx: 48, Ppy: 36}
}

// IdentityRotation is the row-major identity rotation.
var IdentityRotation = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// AxisRotation returns the row-major rotation of angle radians about axis.
func AxisRotation(angle float64, axis r3.Vec) [9]float64 {
	m := r3.NewRotation(angle, axis).Mat()
	var out [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[3*i+j] = m.At(i, j)
		}
	}
	return out
}

// SyntheticRig returns n cameras facing the default scene: a sync master
// at the origin and subordinates each yawed a further 4° and shifted 8cm
// to the right, with device clocks that disagree by tens of milliseconds.
func SyntheticRig(n int) []SyntheticCamera {
	cams := make([]SyntheticCamera, n)
	for i := range cams {
		cams[i] = SyntheticCamera{
			Serial:      fmt.Sprintf("SYN%05d", i+1),
			Intrinsics:  DefaultIntrinsics(),
			Rotation:    AxisRotation(float64(i)*4*math.Pi/180, r3.Vec{Y: 1}),
			Position:    r3.Vec{X: 0.08 * float64(i)},
			ClockOffset: time.Duration(i) * 37 * time.Millisecond,
			SyncJack:    SyncJack{In: i > 0, Out: i == 0 || i < n-1},
		}
	}
	return cams
}

// RelativePose returns the rigid motion that maps points in sec's camera
// frame into ref's camera frame.
func RelativePose(ref, sec SyntheticCamera) ([9]float64, r3.Vec) {
	var rot [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += ref.Rotation[3*k+i] * sec.Rotation[3*k+j]
			}
			rot[3*i+j] = s
		}
	}
	return rot, mulTransposed(ref.Rotation, r3.Sub(sec.Position, ref.Position))
}

func mulRowMajor(m [9]float64, v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		Z: m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

func mulTransposed(m [9]float64, v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0]*v.X + m[3]*v.Y + m[6]*v.Z,
		Y: m[1]*v.X + m[4]*v.Y + m[7]*v.Z,
		Z: m[2]*v.X + m[5]*v.Y + m[8]*v.Z,
	}
}

// SyntheticSource renders a static Scene from each camera and streams the
// result as frames. Host timestamps are Epoch + n/FrameRate for every
// device, as if the devices were hardware triggered together; device
// timestamps add each camera's ClockOffset.
type SyntheticSource struct {
	Scene     Scene
	Cameras   []SyntheticCamera
	FrameRate float64
	// Interval paces frame delivery on the wall clock; 0 sends as fast as
	// the receiver reads.
	Interval time.Duration
	// MaxFrames ends every stream after that many frames; 0 is unbounded.
	MaxFrames int
	Epoch     time.Time
	WithColor bool

	renderOnce sync.Once
	depth      [][]uint16
	colors     [][]color.RGBA

	mu      sync.Mutex
	running map[int]*syntheticStream
}

type syntheticStream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Enumerate reports one descriptor per camera.
func (s *SyntheticSource) Enumerate(ctx context.Context) ([]DeviceDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	descs := make([]DeviceDescriptor, len(s.Cameras))
	for i, c := range s.Cameras {
		descs[i] = DeviceDescriptor{
			Index:           i,
			Serial:          c.Serial,
			HardwareVersion: c.HardwareVersion,
			Intrinsics:      c.Intrinsics,
			SyncJack:        c.SyncJack,
		}
	}
	return descs, nil
}

// StartCapture starts streaming frames for dev.
func (s *SyntheticSource) StartCapture(ctx context.Context, dev Device) (<-chan *Frame, error) {
	if dev.Index < 0 || dev.Index >= len(s.Cameras) {
		return nil, fmt.Errorf("unknown device index %d", dev.Index)
	}
	cam := s.Cameras[dev.Index]
	if cam.FailStart {
		return nil, errors.New("synthetic start failure")
	}
	if s.FrameRate <= 0 {
		return nil, fmt.Errorf("invalid frame rate %v", s.FrameRate)
	}
	s.renderOnce.Do(s.render)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == nil {
		s.running = make(map[int]*syntheticStream)
	}
	if _, ok := s.running[dev.Index]; ok {
		return nil, fmt.Errorf("device %d already started", dev.Index)
	}

	ctx, cancel := context.WithCancel(ctx)
	st := &syntheticStream{cancel: cancel, done: make(chan struct{})}
	s.running[dev.Index] = st

	out := make(chan *Frame, 4)
	go s.stream(ctx, dev.Index, cam, out, st.done)
	return out, nil
}

// StopCapture stops the stream for dev and waits for it to close.
func (s *SyntheticSource) StopCapture(dev Device) error {
	s.mu.Lock()
	st, ok := s.running[dev.Index]
	delete(s.running, dev.Index)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %d not started", dev.Index)
	}
	st.cancel()
	<-st.done
	return nil
}

func (s *SyntheticSource) stream(ctx context.Context, idx int, cam SyntheticCamera, out chan<- *Frame, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	period := time.Duration(float64(time.Second) / s.FrameRate)
	var pace <-chan time.Time
	if s.Interval > 0 {
		t := time.NewTicker(s.Interval)
		defer t.Stop()
		pace = t.C
	}

	for n := 0; ; n++ {
		if s.MaxFrames > 0 && n >= s.MaxFrames {
			return
		}
		if cam.DisconnectAfter > 0 && n >= cam.DisconnectAfter {
			return
		}
		if pace != nil && n > 0 {
			select {
			case <-ctx.Done():
				return
			case <-pace:
			}
		}

		elapsed := time.Duration(n) * period
		f := &Frame{
			DeviceIndex:     idx,
			Sequence:        uint64(n),
			DeviceTimestamp: cam.ClockOffset + elapsed,
			SystemTimestamp: s.Epoch.Add(elapsed),
			Width:           cam.Intrinsics.Width,
			Height:          cam.Intrinsics.Height,
			Depth:           append([]uint16(nil), s.depth[idx]...),
			DepthScale:      DefaultDepthScale,
		}
		if s.WithColor {
			f.Color = append([]color.RGBA(nil), s.colors[idx]...)
		}

		select {
		case <-ctx.Done():
			return
		case out <- f:
		}
	}
}

// render ray-casts every camera once; the scene is static so each frame
// is a copy of the same image.
func (s *SyntheticSource) render() {
	s.depth = make([][]uint16, len(s.Cameras))
	s.colors = make([][]color.RGBA, len(s.Cameras))
	for i, cam := range s.Cameras {
		s.depth[i], s.colors[i] = RenderDepth(s.Scene, cam)
	}
}

// RenderDepth ray-casts scene from cam and returns a millimetre depth image
// and matching colors. Pixels that hit nothing, or lie beyond the uint16
// range, are 0.
func RenderDepth(scene Scene, cam SyntheticCamera) ([]uint16, []color.RGBA) {
	in := cam.Intrinsics
	depth := make([]uint16, in.Width*in.Height)
	colors := make([]color.RGBA, in.Width*in.Height)
	for v := 0; v < in.Height; v++ {
		for u := 0; u < in.Width; u++ {
			// The camera-frame ray has unit z, so the hit parameter is the depth.
			dc := r3.Vec{X: (float64(u) - in.Ppx) / in.Fx, Y: (float64(v) - in.Ppy) / in.Fy, Z: 1}
			dir := mulRowMajor(cam.Rotation, dc)
			t, c, ok := scene.intersect(cam.Position, dir)
			if !ok {
				continue
			}
			mm := math.Round(t * 1000)
			if mm <= 0 || mm > math.MaxUint16 {
				continue
			}
			depth[v*in.Width+u] = uint16(mm)
			colors[v*in.Width+u] = c
		}
	}
	return depth, colors
}

const hitEpsilon = 1e-9

func (sc Scene) intersect(origin, dir r3.Vec) (float64, color.RGBA, bool) {
	best := math.Inf(1)
	var bestColor color.RGBA
	consider := func(t float64, c color.RGBA) {
		if t > hitEpsilon && t < best {
			best, bestColor = t, c
		}
	}

	for _, p := range sc.Planes {
		denom := r3.Dot(p.Normal, dir)
		if math.Abs(denom) < 1e-12 {
			continue
		}
		consider(r3.Dot(p.Normal, r3.Sub(p.Point, origin))/denom, p.Color)
	}
	for _, b := range sc.Boxes {
		if t, ok := b.intersect(origin, dir); ok {
			consider(t, b.Color)
		}
	}
	for _, sp := range sc.Spheres {
		oc := r3.Sub(origin, sp.Center)
		a := r3.Dot(dir, dir)
		half := r3.Dot(oc, dir)
		disc := half*half - a*(r3.Dot(oc, oc)-sp.Radius*sp.Radius)
		if disc < 0 {
			continue
		}
		sq := math.Sqrt(disc)
		if t := (-half - sq) / a; t > hitEpsilon {
			consider(t, sp.Color)
		} else {
			consider((-half+sq)/a, sp.Color)
		}
	}
	return best, bestColor, !math.IsInf(best, 1)
}

// intersect uses the slab method and returns the entry distance.
func (b Box) intersect(origin, dir r3.Vec) (float64, bool) {
	tmin, tmax := math.Inf(-1), math.Inf(1)
	o := [3]float64{origin.X, origin.Y, origin.Z}
	d := [3]float64{dir.X, dir.Y, dir.Z}
	lo := [3]float64{b.Min.X, b.Min.Y, b.Min.Z}
	hi := [3]float64{b.Max.X, b.Max.Y, b.Max.Z}
	for i := 0; i < 3; i++ {
		if math.Abs(d[i]) < 1e-12 {
			if o[i] < lo[i] || o[i] > hi[i] {
				return 0, false
			}
			continue
		}
		t1 := (lo[i] - o[i]) / d[i]
		t2 := (hi[i] - o[i]) / d[i]
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tmin = math.Max(tmin, t1)
		tmax = math.Min(tmax, t2)
		if tmin > tmax {
			return 0, false
		}
	}
	if tmax < hitEpsilon {
		return 0, false
	}
	if tmin > hitEpsilon {
		return tmin, true
	}
	return tmax, true
}
