package pipeline

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/depthfuse/internal/capture"
	"github.com/banshee-data/depthfuse/internal/cloud"
	"github.com/banshee-data/depthfuse/internal/fusion"
	"github.com/banshee-data/depthfuse/internal/monitoring"
	"github.com/banshee-data/depthfuse/internal/pose"
	"github.com/banshee-data/depthfuse/internal/storage/sqlite"
)

const degree = math.Pi / 180

// rig is a reference and a secondary yawed 5° and shifted 10cm, with the
// secondary's clock 50ms ahead.
func rig() (ref, sec capture.SyntheticCamera) {
	ref = capture.SyntheticCamera{
		Serial:     "ref-0001",
		Intrinsics: capture.DefaultIntrinsics(),
		Rotation:   capture.IdentityRotation,
		SyncJack:   capture.SyncJack{Out: true},
	}
	sec = capture.SyntheticCamera{
		Serial:      "sec-0002",
		Intrinsics:  capture.DefaultIntrinsics(),
		Rotation:    capture.AxisRotation(5*degree, r3.Vec{Y: 1}),
		Position:    r3.Vec{X: 0.10},
		ClockOffset: 50 * time.Millisecond,
		SyncJack:    capture.SyncJack{In: true},
	}
	return ref, sec
}

func source(cams ...capture.SyntheticCamera) *capture.SyntheticSource {
	return &capture.SyntheticSource{
		Scene:     capture.DefaultScene(),
		Cameras:   cams,
		FrameRate: 30,
		Interval:  5 * time.Millisecond,
		Epoch:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// filteredCount is the number of points cam contributes to a cloud.
func filteredCount(t *testing.T, cam capture.SyntheticCamera, cfg cloud.Config) int {
	t.Helper()
	depth, _ := capture.RenderDepth(capture.DefaultScene(), cam)
	f := &capture.Frame{Width: cam.Intrinsics.Width, Height: cam.Intrinsics.Height, Depth: depth}
	pc, err := cloud.Build(f, cam.Intrinsics, cfg, 0)
	require.NoError(t, err)
	return pc.Len()
}

type running struct {
	s      *Session
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg Config, src capture.Source, opts ...Option) *running {
	t.Helper()
	s, err := NewSession(cfg, src, opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{s: s, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- s.Run(ctx) }()
	t.Cleanup(func() { r.stop(t) })
	return r
}

// next returns the next fused cloud, failing the test after timeout.
func (r *running) next(t *testing.T, timeout time.Duration) *fusion.FusedCloud {
	t.Helper()
	select {
	case fc, ok := <-r.s.Output():
		require.True(t, ok, "output closed")
		return fc
	case <-time.After(timeout):
		t.Fatal("no fused cloud")
		return nil
	}
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	for range r.s.Output() {
	}
	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("session did not stop")
	}
	r.done <- nil // later stop calls return at once
}

func waitFor(t *testing.T, r *running, timeout time.Duration, cond func(*fusion.FusedCloud) bool) *fusion.FusedCloud {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fc := r.next(t, timeout); cond(fc) {
			return fc
		}
	}
	t.Fatal("condition not met")
	return nil
}

func TestSessionEndToEnd(t *testing.T) {
	refCam, secCam := rig()
	cfg := DefaultConfig()
	m := monitoring.NewMetrics()
	r := start(t, cfg, source(refCam, secCam), WithMetrics(m))

	fc := waitFor(t, r, 60*time.Second, func(fc *fusion.FusedCloud) bool { return len(fc.Sources) == 2 })

	refN, secN := filteredCount(t, refCam, cfg.Cloud), filteredCount(t, secCam, cfg.Cloud)
	assert.Equal(t, refN+secN, fc.Len(), "every filtered point of both devices is fused")
	assert.Equal(t, 0, fc.Sources[0].DeviceIndex)
	assert.Equal(t, refN, fc.Sources[0].Points)
	assert.Equal(t, secN, fc.Sources[1].Points)
	assert.GreaterOrEqual(t, fc.Sources[1].TransformVersion, uint64(1))
	assert.Empty(t, fc.Skipped)

	diag := r.s.Diagnostics()
	require.Len(t, diag, 2)
	assert.Equal(t, "reference", diag[0].Role)
	assert.Equal(t, StateRegistered, diag[0].State)
	sec := diag[1]
	assert.Equal(t, "sec-0002", sec.Serial)
	assert.True(t, sec.Connected)
	assert.Equal(t, StateRegistered, sec.State)
	assert.Less(t, sec.Residual, cfg.Registration.MaxResidual)
	assert.GreaterOrEqual(t, sec.Version, uint64(1))
	assert.GreaterOrEqual(t, sec.Accepted, uint64(1))
	require.NotEmpty(t, sec.History)
	assert.Equal(t, monitoring.OutcomeAccepted, sec.History[0].Outcome)

	got, ok := r.s.Transforms().Get(1)
	require.True(t, ok)
	rot, trans := capture.RelativePose(refCam, secCam)
	truth := pose.Transform{Rotation: rot, Translation: trans}
	angle, dist := pose.Distance(truth, *got)
	assert.Less(t, angle/degree, 1.0)
	assert.Less(t, dist, 0.02)

	c := r.s.Counters()
	assert.Greater(t, c.Fused, uint64(0))
	assert.Greater(t, testutil.ToFloat64(m.TicksEmitted), 0.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.TransformVersion.WithLabelValues("1")), 1.0)

	info := r.s.Info()
	assert.True(t, info.Running)
	assert.Equal(t, 2, info.Devices)
	assert.Equal(t, "kdtree", info.Searcher)
}

func TestSessionRegistersSyntheticRig(t *testing.T) {
	cams := capture.SyntheticRig(2)
	cfg := DefaultConfig()
	r := start(t, cfg, source(cams...))

	waitFor(t, r, 60*time.Second, func(fc *fusion.FusedCloud) bool {
		return len(fc.Sources) == 2 && fc.Sources[1].TransformVersion >= 1
	})
	sec := r.s.Diagnostics()[1]
	assert.Equal(t, StateRegistered, sec.State)
	assert.Less(t, sec.Residual, cfg.Registration.MaxResidual/4)

	got, ok := r.s.Transforms().Get(1)
	require.True(t, ok)
	rot, trans := capture.RelativePose(cams[0], cams[1])
	angle, dist := pose.Distance(pose.Transform{Rotation: rot, Translation: trans}, *got)
	assert.Less(t, angle/degree, 0.5)
	assert.Less(t, dist, 0.01)
}

func TestSessionSecondaryDisconnect(t *testing.T) {
	refCam, secCam := rig()
	secCam.DisconnectAfter = 90
	r := start(t, DefaultConfig(), source(refCam, secCam))

	waitFor(t, r, 60*time.Second, func(*fusion.FusedCloud) bool {
		return !r.s.Diagnostics()[1].Connected
	})

	// let clouds fused before the disconnect was handled drain out
	for i := 0; i < 10; i++ {
		r.next(t, 10*time.Second)
	}
	for i := 0; i < 10; i++ {
		fc := r.next(t, 10*time.Second)
		require.Len(t, fc.Sources, 1, "reference only")
		assert.Equal(t, 0, fc.Sources[0].DeviceIndex)
		assert.Contains(t, fc.Skipped, 1)
	}

	sec := r.s.Diagnostics()[1]
	assert.False(t, sec.Connected)
	assert.Equal(t, StateUnregistered, sec.State)
	assert.Contains(t, sec.LastError, ErrDeviceUnavailable.Error())
}

func TestSessionSecondaryFailsToStart(t *testing.T) {
	refCam, secCam := rig()
	secCam.FailStart = true
	r := start(t, DefaultConfig(), source(refCam, secCam))

	for i := 0; i < 5; i++ {
		fc := r.next(t, 10*time.Second)
		assert.Len(t, fc.Sources, 1)
	}
	sec := r.s.Diagnostics()[1]
	assert.False(t, sec.Connected)
	assert.Contains(t, sec.LastError, ErrDeviceUnavailable.Error())
}

func TestSessionReferenceFailureIsFatal(t *testing.T) {
	refCam, secCam := rig()
	refCam.FailStart = true
	s, err := NewSession(DefaultConfig(), source(refCam, secCam))
	require.NoError(t, err)
	err = s.Run(context.Background())
	assert.ErrorIs(t, err, ErrResourceExhausted)
	_, open := <-s.Output()
	assert.False(t, open)

	s, err = NewSession(DefaultConfig(), source())
	require.NoError(t, err)
	assert.ErrorIs(t, s.Run(context.Background()), ErrResourceExhausted)
	assert.Error(t, s.Run(context.Background()), "a session runs once")
}

func TestSessionEndsWithReferenceStream(t *testing.T) {
	refCam, secCam := rig()
	src := source(refCam, secCam)
	src.MaxFrames = 20
	s, err := NewSession(DefaultConfig(), src)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	n := 0
	for range s.Output() {
		n++
	}
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("session did not end")
	}
	assert.Greater(t, n, 0)
	assert.False(t, s.Info().Running)
}

func TestSessionJournal(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) // after both sessions have stopped
	require.NoError(t, db.MigrateUp(nil))
	journal := sqlite.NewJournalStore(db.DB)

	refCam, secCam := rig()
	r := start(t, DefaultConfig(), source(refCam, secCam), WithJournal(journal))
	waitFor(t, r, 60*time.Second, func(fc *fusion.FusedCloud) bool { return len(fc.Sources) == 2 })
	r.stop(t)

	ctx := context.Background()
	sess, err := journal.GetSession(ctx, r.s.ID())
	require.NoError(t, err)
	assert.Equal(t, []string{"ref-0001", "sec-0002"}, sess.Serials)
	assert.False(t, sess.EndedAt.IsZero())

	latest, err := journal.LatestAccepted(ctx, "sec-0002")
	require.NoError(t, err)
	assert.Equal(t, r.s.ID(), latest.SessionID)
	assert.True(t, pose.IsValidRotation(latest.Rotation))

	// a second session starts from the journaled transform
	r2 := start(t, DefaultConfig(), source(refCam, secCam), WithJournal(journal))
	waitFor(t, r2, 60*time.Second, func(fc *fusion.FusedCloud) bool { return len(fc.Sources) == 2 })
	cycles, err := journal.ListByDevice(ctx, "sec-0002", 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(cycles), 2)
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(DefaultConfig(), nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.HistorySize = 0
	_, err = NewSession(cfg, source())
	assert.Error(t, err)

	s, err := NewSession(DefaultConfig(), source())
	require.NoError(t, err)
	assert.Empty(t, s.Diagnostics())
	assert.Nil(t, s.Transforms())
}
