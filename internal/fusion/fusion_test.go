package fusion

import (
	"image/color"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/depthfuse/internal/cloud"
	"github.com/banshee-data/depthfuse/internal/pose"
)

func pc(dev int, pts ...r3.Vec) *cloud.PointCloud {
	return &cloud.PointCloud{DeviceIndex: dev, Points: pts}
}

func TestFuseReferenceOnlyWhenUnregistered(t *testing.T) {
	store := pose.NewStore(3, 0)
	ref := pc(0, r3.Vec{X: 1}, r3.Vec{X: 2})
	fc := Fuse(5, 40*time.Millisecond, []*cloud.PointCloud{ref, pc(1, r3.Vec{Y: 1}), nil}, store)

	assert.Equal(t, uint64(5), fc.Tick)
	assert.Equal(t, 40*time.Millisecond, fc.VirtualTime)
	assert.Equal(t, ref.Points, fc.Points)
	assert.Equal(t, []Contribution{{DeviceIndex: 0, Points: 2}}, fc.Sources)
	assert.Equal(t, []int{1, 2}, fc.Skipped)
	assert.Nil(t, fc.Colors)
}

func TestFuseTransformsSecondaries(t *testing.T) {
	store := pose.NewStore(2, 0)
	tr := pose.FromMat(1, r3.NewRotation(math.Pi/2, r3.Vec{Z: 1}).Mat(), r3.Vec{Z: 1})
	v, err := store.Commit(1, tr)
	require.NoError(t, err)

	fc := Fuse(1, 0, []*cloud.PointCloud{pc(0, r3.Vec{X: 9}), pc(1, r3.Vec{X: 1}, r3.Vec{Y: 1})}, store)
	require.Equal(t, 3, fc.Len())
	assert.Equal(t, r3.Vec{X: 9}, fc.Points[0], "reference verbatim")
	assert.InDelta(t, 0, r3.Norm(r3.Sub(r3.Vec{Y: 1, Z: 1}, fc.Points[1])), 1e-12)
	assert.InDelta(t, 0, r3.Norm(r3.Sub(r3.Vec{X: -1, Z: 1}, fc.Points[2])), 1e-12)
	assert.Equal(t, []Contribution{{DeviceIndex: 0, Points: 1}, {DeviceIndex: 1, Points: 2, TransformVersion: v}}, fc.Sources)
	assert.Empty(t, fc.Skipped)
}

func TestFuseColors(t *testing.T) {
	store := pose.NewStore(2, 0)
	_, err := store.Commit(1, pose.Identity(1))
	require.NoError(t, err)

	red := color.RGBA{R: 255, A: 255}
	a := &cloud.PointCloud{Points: []r3.Vec{{}}, Colors: []color.RGBA{red}}
	b := &cloud.PointCloud{Points: []r3.Vec{{X: 1}}, Colors: []color.RGBA{red}}
	fc := Fuse(0, 0, []*cloud.PointCloud{a, b}, store)
	assert.Equal(t, []color.RGBA{red, red}, fc.Colors)

	b.Colors = nil
	fc = Fuse(0, 0, []*cloud.PointCloud{a, b}, store)
	assert.Nil(t, fc.Colors)
}

func TestFuseMissingReference(t *testing.T) {
	store := pose.NewStore(2, 1)
	_, err := store.Commit(0, pose.Identity(0))
	require.NoError(t, err)
	fc := Fuse(0, 0, []*cloud.PointCloud{pc(0, r3.Vec{}), nil}, store)
	assert.Equal(t, 1, fc.Len())
	assert.Equal(t, 0, fc.Sources[0].DeviceIndex)
}

// Every fused cloud must be built from one transform version per device:
// a secondary cloud of identical points must never come out split across
// two different translations.
func TestFuseConcurrentWithCommits(t *testing.T) {
	store := pose.NewStore(2, 0)
	sec := pc(1, make([]r3.Vec, 500)...)
	clouds := []*cloud.PointCloud{pc(0), sec}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			tr := pose.Identity(1)
			tr.Translation = r3.Vec{X: float64(i)}
			if _, err := store.Commit(1, tr); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		fc := Fuse(uint64(i), 0, clouds, store)
		if len(fc.Sources) < 2 {
			continue
		}
		first := fc.Points[0]
		for _, p := range fc.Points {
			if p != first {
				close(stop)
				wg.Wait()
				t.Fatalf("fused cloud mixes transforms: %v and %v", first, p)
			}
		}
		assert.Equal(t, float64(fc.Sources[1].TransformVersion), first.X, "version and translation agree")
	}
	close(stop)
	wg.Wait()
}
