package pipeline

import (
	"errors"
	"fmt"

	"github.com/banshee-data/depthfuse/internal/capture"
	"github.com/banshee-data/depthfuse/internal/clocksync"
	"github.com/banshee-data/depthfuse/internal/cloud"
	"github.com/banshee-data/depthfuse/internal/registration"
)

// Config collects the settings of every stage. Device counts and the
// reference index are filled in from the enumerated devices when the
// session starts.
type Config struct {
	Manager      capture.ManagerConfig
	Clock        clocksync.Config
	Cloud        cloud.Config
	Registration registration.Config
	// HistorySize bounds the per-device registration history kept for
	// diagnostics.
	HistorySize int
	// OutputBuffer is the capacity of the fused cloud channel.
	OutputBuffer int
}

// DefaultConfig returns defaults for every stage.
func DefaultConfig() Config {
	return Config{
		Manager:      capture.DefaultManagerConfig(),
		Clock:        clocksync.DefaultConfig(),
		Cloud:        cloud.DefaultConfig(),
		Registration: registration.DefaultConfig(),
		HistorySize:  64,
		OutputBuffer: 4,
	}
}

func (c Config) validate() error {
	if c.HistorySize < 1 {
		return fmt.Errorf("history size must be at least 1, got %d", c.HistorySize)
	}
	if c.OutputBuffer < 0 {
		return errors.New("output buffer must be non-negative")
	}
	if c.Cloud.MaxRange <= c.Cloud.MinRange {
		return fmt.Errorf("max range %v must exceed min range %v", c.Cloud.MaxRange, c.Cloud.MinRange)
	}
	return nil
}

// forDevices returns the stage configs sized for devices.
func (c Config) forDevices(n, reference int) (clocksync.Config, registration.Config) {
	clk := c.Clock
	clk.Devices, clk.ReferenceIndex = n, reference
	reg := c.Registration
	reg.Devices, reg.ReferenceIndex = n, reference
	return clk, reg
}
