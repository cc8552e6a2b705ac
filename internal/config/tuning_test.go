package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestDefaultTuningConfig(t *testing.T) {
	cfg := DefaultTuningConfig()

	if cfg.TickRateHz == nil || *cfg.TickRateHz != 30 {
		t.Errorf("Expected TickRateHz 30, got %v", cfg.TickRateHz)
	}
	if cfg.MaxSkew == nil || *cfg.MaxSkew != "8ms" {
		t.Errorf("Expected MaxSkew '8ms', got %v", cfg.MaxSkew)
	}
	if cfg.GPUOffload == nil || *cfg.GPUOffload {
		t.Errorf("Expected GPUOffload false, got %v", cfg.GPUOffload)
	}

	if cfg.GetMaxSkew() != 8*time.Millisecond {
		t.Errorf("GetMaxSkew() = %v, want 8ms", cfg.GetMaxSkew())
	}
	if cfg.GetSubordinateDelay() != 160*time.Microsecond {
		t.Errorf("GetSubordinateDelay() = %v, want 160µs", cfg.GetSubordinateDelay())
	}
	if cfg.GetRegistrationBatchSize() != 4 {
		t.Errorf("GetRegistrationBatchSize() = %d, want 4", cfg.GetRegistrationBatchSize())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

// Every accessor on an empty config must agree with DefaultTuningConfig.
func TestEmptyConfigMatchesDefaults(t *testing.T) {
	empty := EmptyTuningConfig()
	full := DefaultTuningConfig()

	checks := []struct {
		name      string
		got, want interface{}
	}{
		{"tick_rate_hz", empty.GetTickRateHz(), full.GetTickRateHz()},
		{"max_skew", empty.GetMaxSkew(), full.GetMaxSkew()},
		{"sync_wait", empty.GetSyncWait(), full.GetSyncWait()},
		{"ring_size", empty.GetRingSize(), full.GetRingSize()},
		{"min_range_m", empty.GetMinRangeM(), full.GetMinRangeM()},
		{"max_range_m", empty.GetMaxRangeM(), full.GetMaxRangeM()},
		{"pixel_stride", empty.GetPixelStride(), full.GetPixelStride()},
		{"registration_batch_size", empty.GetRegistrationBatchSize(), full.GetRegistrationBatchSize()},
		{"max_residual_m", empty.GetMaxResidualM(), full.GetMaxResidualM()},
		{"hysteresis_m", empty.GetHysteresisM(), full.GetHysteresisM()},
		{"icp_max_iterations", empty.GetICPMaxIterations(), full.GetICPMaxIterations()},
		{"icp_convergence_m", empty.GetICPConvergenceM(), full.GetICPConvergenceM()},
		{"max_correspondence_m", empty.GetMaxCorrespondenceM(), full.GetMaxCorrespondenceM()},
		{"min_overlap", empty.GetMinOverlap(), full.GetMinOverlap()},
		{"voxel_size_m", empty.GetVoxelSizeM(), full.GetVoxelSizeM()},
		{"registration_interval", empty.GetRegistrationInterval(), full.GetRegistrationInterval()},
		{"registration_deadline", empty.GetRegistrationDeadline(), full.GetRegistrationDeadline()},
		{"gpu_offload", empty.GetGPUOffload(), full.GetGPUOffload()},
		{"offload_workers", empty.GetOffloadWorkers(), full.GetOffloadWorkers()},
		{"subordinate_delay_usec", empty.GetSubordinateDelay(), full.GetSubordinateDelay()},
		{"max_devices", empty.GetMaxDevices(), full.GetMaxDevices()},
		{"reference_serial", empty.GetReferenceSerial(), full.GetReferenceSerial()},
		{"history_size", empty.GetHistorySize(), full.GetHistorySize()},
	}
	for _, c := range checks {
		if !reflect.DeepEqual(c.got, c.want) {
			t.Errorf("%s: empty config gives %v, defaults give %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadTuningConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "session.json")

	testJSON := `{
  "tick_rate_hz": 15,
  "max_skew": "12ms",
  "registration_batch_size": 8,
  "gpu_offload": true,
  "offload_workers": 4,
  "reference_serial": "000123"
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.GetTickRateHz() != 15 {
		t.Errorf("GetTickRateHz() = %f, want 15", cfg.GetTickRateHz())
	}
	if cfg.GetMaxSkew() != 12*time.Millisecond {
		t.Errorf("GetMaxSkew() = %v, want 12ms", cfg.GetMaxSkew())
	}
	if cfg.GetRegistrationBatchSize() != 8 {
		t.Errorf("GetRegistrationBatchSize() = %d, want 8", cfg.GetRegistrationBatchSize())
	}
	if !cfg.GetGPUOffload() {
		t.Error("GetGPUOffload() = false, want true")
	}
	if cfg.GetReferenceSerial() != "000123" {
		t.Errorf("GetReferenceSerial() = %q", cfg.GetReferenceSerial())
	}
	// untouched keys keep defaults
	if cfg.GetSyncWait() != 100*time.Millisecond {
		t.Errorf("GetSyncWait() = %v, want default 100ms", cfg.GetSyncWait())
	}
}

func TestLoadTuningConfigMissing(t *testing.T) {
	if _, err := LoadTuningConfig("/nonexistent/path/to/config.json"); err == nil {
		t.Error("Expected error when loading missing file, got nil")
	}
}

func TestLoadTuningConfigInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid_config.json")

	if err := os.WriteFile(configPath, []byte(`{"tick_rate_hz": "fast"`), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	if _, err := LoadTuningConfig(configPath); err == nil {
		t.Error("Expected error when loading invalid JSON, got nil")
	}
}

func TestLoadTuningConfigRejectsInvalidValues(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bad_values.json")

	if err := os.WriteFile(configPath, []byte(`{"min_overlap": 1.5}`), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	if _, err := LoadTuningConfig(configPath); err == nil {
		t.Error("Expected validation error, got nil")
	}
}

func TestLoadTuningConfigRejectsNonJSON(t *testing.T) {
	if _, err := LoadTuningConfig("/some/path/config.yaml"); err == nil {
		t.Error("Expected error for non-.json extension, got nil")
	}
}

func TestLoadTuningConfigRejectsLargeFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "large.json")

	largeData := make([]byte, 2*1024*1024)
	if err := os.WriteFile(configPath, largeData, 0644); err != nil {
		t.Fatalf("Failed to write large file: %v", err)
	}
	if _, err := LoadTuningConfig(configPath); err == nil {
		t.Error("Expected error for file size > 1MB, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *TuningConfig
		wantErr bool
	}{
		{name: "valid config", cfg: DefaultTuningConfig()},
		{name: "empty config is valid", cfg: &TuningConfig{}},
		{name: "zero tick rate", cfg: &TuningConfig{TickRateHz: ptrFloat64(0)}, wantErr: true},
		{name: "unparseable max skew", cfg: &TuningConfig{MaxSkew: ptrString("soon")}, wantErr: true},
		{name: "negative sync wait", cfg: &TuningConfig{SyncWait: ptrString("-1s")}, wantErr: true},
		{name: "empty ring", cfg: &TuningConfig{RingSize: ptrInt(0)}, wantErr: true},
		{name: "inverted range", cfg: &TuningConfig{MinRangeM: ptrFloat64(3), MaxRangeM: ptrFloat64(2)}, wantErr: true},
		{name: "zero stride", cfg: &TuningConfig{PixelStride: ptrInt(0)}, wantErr: true},
		{name: "zero batch", cfg: &TuningConfig{RegistrationBatchSize: ptrInt(0)}, wantErr: true},
		{name: "zero residual bound", cfg: &TuningConfig{MaxResidualM: ptrFloat64(0)}, wantErr: true},
		{name: "negative hysteresis", cfg: &TuningConfig{HysteresisM: ptrFloat64(-0.1)}, wantErr: true},
		{name: "zero iterations", cfg: &TuningConfig{ICPMaxIterations: ptrInt(0)}, wantErr: true},
		{name: "overlap above one", cfg: &TuningConfig{MinOverlap: ptrFloat64(1.1)}, wantErr: true},
		{name: "negative workers", cfg: &TuningConfig{OffloadWorkers: ptrInt(-2)}, wantErr: true},
		{name: "no devices", cfg: &TuningConfig{MaxDevices: ptrInt(0)}, wantErr: true},
		{name: "zero registration interval", cfg: &TuningConfig{RegistrationInterval: ptrString("0s")}, wantErr: true},
		{name: "zero registration deadline disables it", cfg: &TuningConfig{RegistrationDeadline: ptrString("0s")}},
		{name: "unparseable deadline", cfg: &TuningConfig{RegistrationDeadline: ptrString("x")}, wantErr: true},
		{name: "voxel disabled", cfg: &TuningConfig{VoxelSizeM: ptrFloat64(0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetRegistrationInterval(t *testing.T) {
	tests := []struct {
		name string
		cfg  *TuningConfig
		want time.Duration
	}{
		{name: "500 milliseconds", cfg: &TuningConfig{RegistrationInterval: ptrString("500ms")}, want: 500 * time.Millisecond},
		{name: "1 minute", cfg: &TuningConfig{RegistrationInterval: ptrString("1m")}, want: time.Minute},
		{name: "nil pointer returns default", cfg: &TuningConfig{}, want: 2 * time.Second},
		{name: "empty string returns default", cfg: &TuningConfig{RegistrationInterval: ptrString("")}, want: 2 * time.Second},
		{name: "invalid duration returns default", cfg: &TuningConfig{RegistrationInterval: ptrString("invalid")}, want: 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.GetRegistrationInterval(); got != tt.want {
				t.Errorf("GetRegistrationInterval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadDefaultConfigFile(t *testing.T) {
	cfg, err := LoadTuningConfig("../../config/tuning.defaults.json")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultTuningConfig()) {
		t.Errorf("defaults file diverges from DefaultTuningConfig()")
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if cfg.GetMaxDevices() != 9 {
		t.Errorf("GetMaxDevices() = %d, want 9", cfg.GetMaxDevices())
	}
}
