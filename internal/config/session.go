package config

import (
	"github.com/banshee-data/depthfuse/internal/capture"
	"github.com/banshee-data/depthfuse/internal/clocksync"
	"github.com/banshee-data/depthfuse/internal/cloud"
	"github.com/banshee-data/depthfuse/internal/pipeline"
	"github.com/banshee-data/depthfuse/internal/registration"
)

// ToSessionConfig maps the tuning values onto a pipeline configuration.
// Unset fields take their defaults.
func (c *TuningConfig) ToSessionConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()

	cfg.Manager = capture.ManagerConfig{
		MaxDevices:       c.GetMaxDevices(),
		SubordinateDelay: c.GetSubordinateDelay(),
		ReferenceSerial:  c.GetReferenceSerial(),
	}

	cfg.Clock = clocksync.Config{
		TickRate: c.GetTickRateHz(),
		MaxSkew:  c.GetMaxSkew(),
		SyncWait: c.GetSyncWait(),
		RingSize: c.GetRingSize(),
	}

	cfg.Cloud = cloud.Config{
		MinRange:    c.GetMinRangeM(),
		MaxRange:    c.GetMaxRangeM(),
		PixelStride: c.GetPixelStride(),
		WithColor:   cfg.Cloud.WithColor,
	}

	reg := registration.DefaultConfig()
	reg.BatchSize = c.GetRegistrationBatchSize()
	reg.Interval = c.GetRegistrationInterval()
	reg.Deadline = c.GetRegistrationDeadline()
	reg.MaxResidual = c.GetMaxResidualM()
	reg.Hysteresis = c.GetHysteresisM()
	reg.VoxelSize = c.GetVoxelSizeM()
	reg.ICP.MaxIterations = c.GetICPMaxIterations()
	reg.ICP.Convergence = c.GetICPConvergenceM()
	reg.ICP.MaxCorrespondence = c.GetMaxCorrespondenceM()
	reg.ICP.MinOverlap = c.GetMinOverlap()
	reg.Searcher = registration.NewSearcher(c.GetGPUOffload(), c.GetOffloadWorkers())
	cfg.Registration = reg

	cfg.HistorySize = c.GetHistorySize()
	return cfg
}
