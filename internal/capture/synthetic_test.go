package capture

import (
	"context"
	"image/color"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func identityCamera(serial string) SyntheticCamera {
	return SyntheticCamera{
		Serial:     serial,
		Intrinsics: DefaultIntrinsics(),
		Rotation:   IdentityRotation,
	}
}

func TestRenderDepthCenterPixelHitsBackWall(t *testing.T) {
	cam := identityCamera("ref")
	depth, colors := RenderDepth(DefaultScene(), cam)
	in := cam.Intrinsics

	center := int(in.Ppy)*in.Width + int(in.Ppx)
	assert.Equal(t, uint16(4000), depth[center])
	assert.Equal(t, DefaultScene().Planes[1].Color, colors[center])

	valid := 0
	for _, d := range depth {
		if d > 0 {
			valid++
		}
	}
	// The room is closed on the sides the camera faces, so most pixels hit.
	assert.Greater(t, valid, len(depth)/2)
}

func TestRenderDepthBoxOccludesWall(t *testing.T) {
	cam := identityCamera("ref")
	depth, _ := RenderDepth(DefaultScene(), cam)
	in := cam.Intrinsics

	// A ray through the near face of the red box (x=-0.1, y=0.75, z=2.0).
	u := int(math.Round(in.Ppx + in.Fx*(-0.1/2.0)))
	v := int(math.Round(in.Ppy + in.Fy*(0.75/2.0)))
	assert.InDelta(t, 2000, float64(depth[v*in.Width+u]), 1)
}

func TestRelativePose(t *testing.T) {
	ref := identityCamera("ref")
	sec := identityCamera("sec")
	sec.Rotation = AxisRotation(10*math.Pi/180, r3.Vec{Y: 1})
	sec.Position = r3.Vec{X: 0.2, Z: -0.1}

	rot, trans := RelativePose(ref, sec)
	assert.Equal(t, sec.Rotation, rot)
	assert.Equal(t, sec.Position, trans)

	// A point in sec's frame lands on the same world point through either path.
	p := r3.Vec{X: 0.3, Y: -0.2, Z: 2}
	world := r3.Add(mulRowMajor(sec.Rotation, p), sec.Position)
	viaRel := r3.Add(mulRowMajor(rot, p), trans)
	assert.InDelta(t, 0, r3.Norm(r3.Sub(world, viaRel)), 1e-12)
}

func TestSyntheticSourceStream(t *testing.T) {
	epoch := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ref := identityCamera("ref")
	sec := identityCamera("sec")
	sec.ClockOffset = 50 * time.Millisecond
	sec.DisconnectAfter = 3

	src := &SyntheticSource{
		Scene:     DefaultScene(),
		Cameras:   []SyntheticCamera{ref, sec},
		FrameRate: 30,
		Epoch:     epoch,
		WithColor: true,
	}
	descs, err := src.Enumerate(context.Background())
	require.NoError(t, err)
	devs, _, err := AssignRoles(descs, DefaultManagerConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	secFrames, err := src.StartCapture(ctx, devs[1])
	require.NoError(t, err)

	var got []*Frame
	for f := range secFrames {
		got = append(got, f)
	}
	require.Len(t, got, 3, "stream closes after DisconnectAfter frames")
	period := time.Second / 30
	for n, f := range got {
		require.NoError(t, f.Validate())
		assert.Equal(t, uint64(n), f.Sequence)
		assert.Equal(t, 1, f.DeviceIndex)
		assert.Equal(t, 50*time.Millisecond+time.Duration(n)*period, f.DeviceTimestamp)
		assert.Equal(t, epoch.Add(time.Duration(n)*period), f.SystemTimestamp)
		assert.Len(t, f.Color, len(f.Depth))
	}
	// frames are independent copies
	got[0].Depth[0] = 1234
	assert.NotEqual(t, got[0].Depth[0], got[1].Depth[0])
	require.NoError(t, src.StopCapture(devs[1]))

	refFrames, err := src.StartCapture(ctx, devs[0])
	require.NoError(t, err)
	<-refFrames
	require.NoError(t, src.StopCapture(devs[0]))
	for range refFrames {
	}
	assert.Error(t, src.StopCapture(devs[0]))
}

func TestSyntheticSourceFailStart(t *testing.T) {
	cam := identityCamera("x")
	cam.FailStart = true
	src := &SyntheticSource{Cameras: []SyntheticCamera{cam}, FrameRate: 30}
	_, err := src.StartCapture(context.Background(), Device{DeviceDescriptor: DeviceDescriptor{Index: 0}})
	assert.Error(t, err)
}

func TestFrameValidate(t *testing.T) {
	f := &Frame{Width: 2, Height: 2, Depth: make([]uint16, 4)}
	assert.NoError(t, f.Validate())
	assert.Equal(t, DefaultDepthScale, f.Scale())

	f.Depth = f.Depth[:3]
	assert.Error(t, f.Validate())

	f = &Frame{Width: 2, Height: 1, Depth: make([]uint16, 2), Color: nil}
	assert.NoError(t, f.Validate())
	f.Color = make([]color.RGBA, 1)
	assert.Error(t, f.Validate())
}

func TestSyntheticRigRoles(t *testing.T) {
	cams := SyntheticRig(3)
	require.Len(t, cams, 3)
	descs := make([]DeviceDescriptor, len(cams))
	for i, c := range cams {
		descs[i] = DeviceDescriptor{Index: i, Serial: c.Serial, Intrinsics: c.Intrinsics, SyncJack: c.SyncJack}
	}
	devs, warnings, err := AssignRoles(descs, DefaultManagerConfig())
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, RoleReference, devs[0].Role)
	assert.Equal(t, RoleSecondary, devs[2].Role)

	rot, trans := RelativePose(cams[0], cams[1])
	assert.InDelta(t, math.Cos(4*math.Pi/180), rot[0], 1e-12)
	assert.InDelta(t, 0.08, trans.X, 1e-12)
}
