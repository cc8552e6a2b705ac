package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for a capture session.
// All fields are optional; Get* accessors supply defaults for anything the
// JSON leaves out, so partial files are safe.
type TuningConfig struct {
	// Clock alignment
	TickRateHz *float64 `json:"tick_rate_hz,omitempty"`
	MaxSkew    *string  `json:"max_skew,omitempty"`  // duration string like "8ms"
	SyncWait   *string  `json:"sync_wait,omitempty"` // duration string like "100ms"
	RingSize   *int     `json:"ring_size,omitempty"`

	// Point cloud builder
	MinRangeM   *float64 `json:"min_range_m,omitempty"`
	MaxRangeM   *float64 `json:"max_range_m,omitempty"`
	PixelStride *int     `json:"pixel_stride,omitempty"`

	// Registration
	RegistrationBatchSize *int     `json:"registration_batch_size,omitempty"`
	MaxResidualM          *float64 `json:"max_residual_m,omitempty"`
	HysteresisM           *float64 `json:"hysteresis_m,omitempty"`
	ICPMaxIterations      *int     `json:"icp_max_iterations,omitempty"`
	ICPConvergenceM       *float64 `json:"icp_convergence_m,omitempty"`
	MaxCorrespondenceM    *float64 `json:"max_correspondence_m,omitempty"`
	MinOverlap            *float64 `json:"min_overlap,omitempty"`
	VoxelSizeM            *float64 `json:"voxel_size_m,omitempty"`
	RegistrationInterval  *string  `json:"registration_interval,omitempty"`
	RegistrationDeadline  *string  `json:"registration_deadline,omitempty"`
	GPUOffload            *bool    `json:"gpu_offload,omitempty"`
	OffloadWorkers        *int     `json:"offload_workers,omitempty"`

	// Devices
	SubordinateDelayUsec *int    `json:"subordinate_delay_usec,omitempty"`
	MaxDevices           *int    `json:"max_devices,omitempty"`
	ReferenceSerial      *string `json:"reference_serial,omitempty"`

	// Diagnostics
	HistorySize *int `json:"history_size,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated from
// the built-in defaults. It matches config/tuning.defaults.json.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		TickRateHz:            ptrFloat64(30),
		MaxSkew:               ptrString("8ms"),
		SyncWait:              ptrString("100ms"),
		RingSize:              ptrInt(8),
		MinRangeM:             ptrFloat64(0.25),
		MaxRangeM:             ptrFloat64(5.0),
		PixelStride:           ptrInt(1),
		RegistrationBatchSize: ptrInt(4),
		MaxResidualM:          ptrFloat64(0.02),
		HysteresisM:           ptrFloat64(0.002),
		ICPMaxIterations:      ptrInt(50),
		ICPConvergenceM:       ptrFloat64(1e-6),
		MaxCorrespondenceM:    ptrFloat64(0.10),
		MinOverlap:            ptrFloat64(0.5),
		VoxelSizeM:            ptrFloat64(0.01),
		RegistrationInterval:  ptrString("2s"),
		RegistrationDeadline:  ptrString("1s"),
		GPUOffload:            ptrBool(false),
		OffloadWorkers:        ptrInt(0),
		SubordinateDelayUsec:  ptrInt(160),
		MaxDevices:            ptrInt(9),
		ReferenceSerial:       ptrString(""),
		HistorySize:           ptrInt(64),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/capture/recording/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.TickRateHz != nil && *c.TickRateHz <= 0 {
		return fmt.Errorf("tick_rate_hz must be positive, got %f", *c.TickRateHz)
	}

	for name, v := range map[string]*string{
		"max_skew":              c.MaxSkew,
		"sync_wait":             c.SyncWait,
		"registration_interval": c.RegistrationInterval,
		"registration_deadline": c.RegistrationDeadline,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}
	if c.RegistrationInterval != nil && *c.RegistrationInterval != "" && c.GetRegistrationInterval() <= 0 {
		return fmt.Errorf("registration_interval must be positive, got %s", *c.RegistrationInterval)
	}

	if c.RingSize != nil && *c.RingSize < 1 {
		return fmt.Errorf("ring_size must be at least 1, got %d", *c.RingSize)
	}

	if c.MinRangeM != nil && *c.MinRangeM < 0 {
		return fmt.Errorf("min_range_m must be non-negative, got %f", *c.MinRangeM)
	}
	if c.GetMaxRangeM() <= c.GetMinRangeM() {
		return fmt.Errorf("max_range_m (%f) must exceed min_range_m (%f)", c.GetMaxRangeM(), c.GetMinRangeM())
	}
	if c.PixelStride != nil && *c.PixelStride < 1 {
		return fmt.Errorf("pixel_stride must be at least 1, got %d", *c.PixelStride)
	}

	if c.RegistrationBatchSize != nil && *c.RegistrationBatchSize < 1 {
		return fmt.Errorf("registration_batch_size must be at least 1, got %d", *c.RegistrationBatchSize)
	}
	if c.MaxResidualM != nil && *c.MaxResidualM <= 0 {
		return fmt.Errorf("max_residual_m must be positive, got %f", *c.MaxResidualM)
	}
	if c.HysteresisM != nil && *c.HysteresisM < 0 {
		return fmt.Errorf("hysteresis_m must be non-negative, got %f", *c.HysteresisM)
	}
	if c.ICPMaxIterations != nil && *c.ICPMaxIterations < 1 {
		return fmt.Errorf("icp_max_iterations must be at least 1, got %d", *c.ICPMaxIterations)
	}
	if c.ICPConvergenceM != nil && *c.ICPConvergenceM < 0 {
		return fmt.Errorf("icp_convergence_m must be non-negative, got %f", *c.ICPConvergenceM)
	}
	if c.MaxCorrespondenceM != nil && *c.MaxCorrespondenceM <= 0 {
		return fmt.Errorf("max_correspondence_m must be positive, got %f", *c.MaxCorrespondenceM)
	}
	if c.MinOverlap != nil && (*c.MinOverlap < 0 || *c.MinOverlap > 1) {
		return fmt.Errorf("min_overlap must be between 0 and 1, got %f", *c.MinOverlap)
	}
	if c.VoxelSizeM != nil && *c.VoxelSizeM < 0 {
		return fmt.Errorf("voxel_size_m must be non-negative, got %f", *c.VoxelSizeM)
	}
	if c.OffloadWorkers != nil && *c.OffloadWorkers < 0 {
		return fmt.Errorf("offload_workers must be non-negative, got %d", *c.OffloadWorkers)
	}

	if c.SubordinateDelayUsec != nil && *c.SubordinateDelayUsec < 0 {
		return fmt.Errorf("subordinate_delay_usec must be non-negative, got %d", *c.SubordinateDelayUsec)
	}
	if c.MaxDevices != nil && *c.MaxDevices < 1 {
		return fmt.Errorf("max_devices must be at least 1, got %d", *c.MaxDevices)
	}
	if c.HistorySize != nil && *c.HistorySize < 1 {
		return fmt.Errorf("history_size must be at least 1, got %d", *c.HistorySize)
	}

	return nil
}

// parseDurationOr parses s, falling back to def when unset or unparseable.
func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetTickRateHz returns the tick_rate_hz value or the default.
func (c *TuningConfig) GetTickRateHz() float64 {
	if c.TickRateHz == nil {
		return 30
	}
	return *c.TickRateHz
}

// GetMaxSkew parses and returns MaxSkew as a time.Duration.
func (c *TuningConfig) GetMaxSkew() time.Duration {
	return parseDurationOr(c.MaxSkew, 8*time.Millisecond)
}

// GetSyncWait parses and returns SyncWait as a time.Duration.
func (c *TuningConfig) GetSyncWait() time.Duration {
	return parseDurationOr(c.SyncWait, 100*time.Millisecond)
}

// GetRingSize returns the ring_size value or the default.
func (c *TuningConfig) GetRingSize() int {
	if c.RingSize == nil {
		return 8
	}
	return *c.RingSize
}

// GetMinRangeM returns the min_range_m value or the default.
func (c *TuningConfig) GetMinRangeM() float64 {
	if c.MinRangeM == nil {
		return 0.25
	}
	return *c.MinRangeM
}

// GetMaxRangeM returns the max_range_m value or the default.
func (c *TuningConfig) GetMaxRangeM() float64 {
	if c.MaxRangeM == nil {
		return 5.0
	}
	return *c.MaxRangeM
}

// GetPixelStride returns the pixel_stride value or the default.
func (c *TuningConfig) GetPixelStride() int {
	if c.PixelStride == nil {
		return 1
	}
	return *c.PixelStride
}

// GetRegistrationBatchSize returns K, the number of ticks per registration batch.
func (c *TuningConfig) GetRegistrationBatchSize() int {
	if c.RegistrationBatchSize == nil {
		return 4
	}
	return *c.RegistrationBatchSize
}

// GetMaxResidualM returns the max_residual_m value or the default.
func (c *TuningConfig) GetMaxResidualM() float64 {
	if c.MaxResidualM == nil {
		return 0.02
	}
	return *c.MaxResidualM
}

// GetHysteresisM returns the hysteresis_m value or the default.
func (c *TuningConfig) GetHysteresisM() float64 {
	if c.HysteresisM == nil {
		return 0.002
	}
	return *c.HysteresisM
}

// GetICPMaxIterations returns the icp_max_iterations value or the default.
func (c *TuningConfig) GetICPMaxIterations() int {
	if c.ICPMaxIterations == nil {
		return 50
	}
	return *c.ICPMaxIterations
}

// GetICPConvergenceM returns the icp_convergence_m value or the default.
func (c *TuningConfig) GetICPConvergenceM() float64 {
	if c.ICPConvergenceM == nil {
		return 1e-6
	}
	return *c.ICPConvergenceM
}

// GetMaxCorrespondenceM returns the max_correspondence_m value or the default.
func (c *TuningConfig) GetMaxCorrespondenceM() float64 {
	if c.MaxCorrespondenceM == nil {
		return 0.10
	}
	return *c.MaxCorrespondenceM
}

// GetMinOverlap returns the min_overlap value or the default.
func (c *TuningConfig) GetMinOverlap() float64 {
	if c.MinOverlap == nil {
		return 0.5
	}
	return *c.MinOverlap
}

// GetVoxelSizeM returns the voxel_size_m value or the default. Zero disables
// downsampling.
func (c *TuningConfig) GetVoxelSizeM() float64 {
	if c.VoxelSizeM == nil {
		return 0.01
	}
	return *c.VoxelSizeM
}

// GetRegistrationInterval parses and returns the registration cadence.
func (c *TuningConfig) GetRegistrationInterval() time.Duration {
	return parseDurationOr(c.RegistrationInterval, 2*time.Second)
}

// GetRegistrationDeadline parses and returns the per-cycle deadline.
func (c *TuningConfig) GetRegistrationDeadline() time.Duration {
	return parseDurationOr(c.RegistrationDeadline, time.Second)
}

// GetGPUOffload returns the gpu_offload value or the default.
func (c *TuningConfig) GetGPUOffload() bool {
	if c.GPUOffload == nil {
		return false
	}
	return *c.GPUOffload
}

// GetOffloadWorkers returns the offload_workers value or the default.
// Zero means one worker per GOMAXPROCS.
func (c *TuningConfig) GetOffloadWorkers() int {
	if c.OffloadWorkers == nil {
		return 0
	}
	return *c.OffloadWorkers
}

// GetSubordinateDelay returns the per-subordinate trigger delay.
func (c *TuningConfig) GetSubordinateDelay() time.Duration {
	if c.SubordinateDelayUsec == nil {
		return 160 * time.Microsecond
	}
	return time.Duration(*c.SubordinateDelayUsec) * time.Microsecond
}

// GetMaxDevices returns the max_devices value or the default.
func (c *TuningConfig) GetMaxDevices() int {
	if c.MaxDevices == nil {
		return 9
	}
	return *c.MaxDevices
}

// GetReferenceSerial returns the reference_serial value or "".
func (c *TuningConfig) GetReferenceSerial() string {
	if c.ReferenceSerial == nil {
		return ""
	}
	return *c.ReferenceSerial
}

// GetHistorySize returns the history_size value or the default.
func (c *TuningConfig) GetHistorySize() int {
	if c.HistorySize == nil {
		return 64
	}
	return *c.HistorySize
}
