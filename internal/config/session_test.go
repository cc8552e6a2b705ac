package config

import (
	"testing"
	"time"

	"github.com/banshee-data/depthfuse/internal/registration"
)

func TestToSessionConfigDefaults(t *testing.T) {
	cfg := EmptyTuningConfig().ToSessionConfig()

	if cfg.Clock.TickRate != 30 || cfg.Clock.MaxSkew != 8*time.Millisecond {
		t.Errorf("clock = %+v", cfg.Clock)
	}
	if cfg.Cloud.MinRange != 0.25 || cfg.Cloud.MaxRange != 5.0 {
		t.Errorf("cloud = %+v", cfg.Cloud)
	}
	if cfg.Registration.BatchSize != 4 || cfg.Registration.Interval != 2*time.Second {
		t.Errorf("registration = %+v", cfg.Registration)
	}
	if _, ok := cfg.Registration.Searcher.(registration.KDTreeSearcher); !ok {
		t.Errorf("searcher = %T, want KDTreeSearcher", cfg.Registration.Searcher)
	}
	if cfg.Manager.MaxDevices != 9 || cfg.Manager.SubordinateDelay != 160*time.Microsecond {
		t.Errorf("manager = %+v", cfg.Manager)
	}
	if cfg.HistorySize != 64 {
		t.Errorf("history size = %d", cfg.HistorySize)
	}
}

func TestToSessionConfigOverrides(t *testing.T) {
	tc := EmptyTuningConfig()
	tc.GPUOffload = ptrBool(true)
	tc.OffloadWorkers = ptrInt(3)
	tc.MaxResidualM = ptrFloat64(0.05)
	tc.RegistrationDeadline = ptrString("250ms")
	tc.ReferenceSerial = ptrString("000123")
	tc.PixelStride = ptrInt(2)

	cfg := tc.ToSessionConfig()
	s, ok := cfg.Registration.Searcher.(registration.ParallelSearcher)
	if !ok || s.Workers != 3 {
		t.Errorf("searcher = %#v, want ParallelSearcher with 3 workers", cfg.Registration.Searcher)
	}
	if cfg.Registration.MaxResidual != 0.05 {
		t.Errorf("max residual = %v", cfg.Registration.MaxResidual)
	}
	if cfg.Registration.Deadline != 250*time.Millisecond {
		t.Errorf("deadline = %v", cfg.Registration.Deadline)
	}
	if cfg.Manager.ReferenceSerial != "000123" {
		t.Errorf("reference serial = %q", cfg.Manager.ReferenceSerial)
	}
	if cfg.Cloud.PixelStride != 2 {
		t.Errorf("pixel stride = %d", cfg.Cloud.PixelStride)
	}
}
