package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/depthfuse/internal/monitoring"
	"github.com/banshee-data/depthfuse/internal/pose"
)

func setupJournal(t *testing.T) (*DB, *JournalStore) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.MigrateUp(nil))
	return db, NewJournalStore(db.DB)
}

func TestMigrations(t *testing.T) {
	db, _ := setupJournal(t)
	version, dirty, err := db.MigrateVersion(nil)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// a second run is a no-op
	require.NoError(t, db.MigrateUp(nil))

	// an on-disk directory works the same as the embedded set
	fresh, err := Open(filepath.Join(t.TempDir(), "other.db"))
	require.NoError(t, err)
	defer fresh.Close()
	require.NoError(t, fresh.MigrateUp(os.DirFS("migrations")))
	version, _, err = fresh.MigrateVersion(os.DirFS("migrations"))
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestSessionLifecycle(t *testing.T) {
	_, js := setupJournal(t)
	ctx := context.Background()

	sess := &Session{Reference: "ref-1", Serials: []string{"ref-1", "sec-1"}, Config: []byte(`{"tick_rate_hz":30}`)}
	require.NoError(t, js.StartSession(ctx, sess))
	require.NotEmpty(t, sess.SessionID)

	end := sess.StartedAt.Add(time.Minute)
	require.NoError(t, js.EndSession(ctx, sess.SessionID, end))

	got, err := js.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sess.Serials, got.Serials)
	assert.Equal(t, "ref-1", got.Reference)
	assert.JSONEq(t, `{"tick_rate_hz":30}`, string(got.Config))
	assert.Equal(t, sess.StartedAt.UnixNano(), got.StartedAt.UnixNano())
	assert.Equal(t, end.UnixNano(), got.EndedAt.UnixNano())

	_, err = js.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, js.EndSession(ctx, "missing", end), ErrNotFound)
}

func TestRecordAndListCycles(t *testing.T) {
	_, js := setupJournal(t)
	ctx := context.Background()
	sess := &Session{Reference: "ref", Serials: []string{"ref", "sec"}}
	require.NoError(t, js.StartSession(ctx, sess))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := pose.FromMat(1, r3.NewRotation(0.1, r3.Vec{Y: 1}).Mat(), r3.Vec{X: 0.1, Y: -0.02, Z: 0.3})
	cycles := []*Cycle{
		{Outcome: monitoring.OutcomeAccepted, Version: 1, Residual: 0.004, Rotation: tr.Rotation, Translation: tr.Translation, Coarse: true},
		{Outcome: monitoring.OutcomeRejected, Residual: 0.03, Error: "residual too high"},
		{Outcome: monitoring.OutcomeAccepted, Version: 2, Residual: 0.003, Rotation: tr.Rotation, Translation: r3.Vec{X: 0.2}},
		{Outcome: monitoring.OutcomeTimeout, Error: "compute timeout"},
	}
	for i, c := range cycles {
		c.SessionID = sess.SessionID
		c.DeviceIndex = 1
		c.Serial = "sec"
		c.Tick = uint64(10 * (i + 1))
		c.Iterations = 12
		c.Duration = 40 * time.Millisecond
		c.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, js.RecordCycle(ctx, c))
		require.NotEmpty(t, c.CycleID)
	}

	all, err := js.ListByDevice(ctx, "sec", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, cycles[3].CycleID, all[0].CycleID, "newest first")
	assert.Equal(t, "compute timeout", all[0].Error)

	first := all[3]
	assert.Equal(t, uint64(10), first.Tick)
	assert.True(t, first.Coarse)
	assert.Equal(t, 40*time.Millisecond, first.Duration)
	assert.Equal(t, tr.Rotation, first.Rotation)
	assert.Equal(t, tr.Translation, first.Translation)
	assert.Equal(t, base.UnixNano(), first.CreatedAt.UnixNano())

	limited, err := js.ListByDevice(ctx, "sec", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	latest, err := js.LatestAccepted(ctx, "sec")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest.Version)
	got := latest.Transform()
	assert.Equal(t, r3.Vec{X: 0.2}, got.Translation)
	assert.True(t, pose.IsValidRotation(got.Rotation))

	_, err = js.LatestAccepted(ctx, "ref")
	assert.ErrorIs(t, err, ErrNotFound)
	none, err := js.ListByDevice(ctx, "nobody", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecordCycleRequiresSession(t *testing.T) {
	_, js := setupJournal(t)
	err := js.RecordCycle(context.Background(), &Cycle{SessionID: "nope", Serial: "sec", Outcome: monitoring.OutcomeFailed})
	assert.Error(t, err, "foreign key enforced")
}

func TestRetryOnBusy(t *testing.T) {
	busy := errors.New("database is locked (5) (SQLITE_BUSY)")

	calls := 0
	err := retryOnBusy(func() error {
		calls++
		if calls < 3 {
			return busy
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	other := errors.New("constraint failed")
	assert.Equal(t, other, retryOnBusy(func() error { calls++; return other }))
	assert.Equal(t, 1, calls)

	calls = 0
	assert.ErrorIs(t, retryOnBusy(func() error { calls++; return busy }), busy)
	assert.Equal(t, busyRetries, calls)

	assert.False(t, isSQLiteBusy(nil))
	assert.True(t, isSQLiteBusy(errors.New("SQLITE_BUSY")))
}
