package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEmptyFusionConfigDefaults(t *testing.T) {
	cfg := EmptyFusionConfig()

	if got := cfg.GetAssociationPolicy(); got != PolicyMedian {
		t.Errorf("GetAssociationPolicy() = %q, want %q", got, PolicyMedian)
	}
	if got := cfg.GetMaxExtentMeters(); got != 8.0 {
		t.Errorf("GetMaxExtentMeters() = %f, want 8.0", got)
	}
	if got := cfg.GetGateDistanceMeters(); got != 2.0 {
		t.Errorf("GetGateDistanceMeters() = %f, want 2.0", got)
	}
	if got := cfg.GetMaxLostCycles(); got != 3 {
		t.Errorf("GetMaxLostCycles() = %d, want 3", got)
	}
	if got := cfg.GetHitsToConfirm(); got != 2 {
		t.Errorf("GetHitsToConfirm() = %d, want 2", got)
	}
	if got := cfg.GetMaxTracks(); got != 256 {
		t.Errorf("GetMaxTracks() = %d, want 256", got)
	}
	if cfg.GetEmitCoasting() {
		t.Error("GetEmitCoasting() = true, want false")
	}
	if got := cfg.GetFrameHistoryDepth(); got != 8 {
		t.Errorf("GetFrameHistoryDepth() = %d, want 8", got)
	}
	if got := cfg.GetMailboxSize(); got != 4 {
		t.Errorf("GetMailboxSize() = %d, want 4", got)
	}
	if got := cfg.GetTickPeriod(); got != 400*time.Millisecond {
		t.Errorf("GetTickPeriod() = %v, want 400ms", got)
	}

	cal := cfg.GetCalibration()
	if cal == nil {
		t.Fatal("GetCalibration() returned nil")
	}
	if cal.GetImageWidth() != 1920 || cal.GetImageHeight() != 1080 {
		t.Errorf("image = %dx%d, want 1920x1080", cal.GetImageWidth(), cal.GetImageHeight())
	}
	if cal.GetPointFrame() != PointFrameWorld {
		t.Errorf("GetPointFrame() = %q, want %q", cal.GetPointFrame(), PointFrameWorld)
	}
	if cal.GetNearPlane() != 0.1 {
		t.Errorf("GetNearPlane() = %f, want 0.1", cal.GetNearPlane())
	}
}

func TestGetIntrinsicsFromFOV(t *testing.T) {
	cal := &CalibrationConfig{}
	fx, fy, ppx, ppy := cal.GetIntrinsics()

	// 90° horizontal FOV on a 1920 px wide sensor puts the focal length at w/2.
	if math.Abs(fx-960) > 1e-9 || math.Abs(fy-960) > 1e-9 {
		t.Errorf("focal lengths = %f, %f; want 960", fx, fy)
	}
	if ppx != 960 || ppy != 540 {
		t.Errorf("principal point = (%f, %f), want (960, 540)", ppx, ppy)
	}
}

func TestGetIntrinsicsExplicit(t *testing.T) {
	cal := &CalibrationConfig{
		Fx:  ptrFloat64(500),
		Fy:  ptrFloat64(510),
		Ppx: ptrFloat64(320),
		Ppy: ptrFloat64(240),
	}
	fx, fy, ppx, ppy := cal.GetIntrinsics()
	if fx != 500 || fy != 510 || ppx != 320 || ppy != 240 {
		t.Errorf("GetIntrinsics() = %v %v %v %v, want 500 510 320 240", fx, fy, ppx, ppy)
	}

	// Partial overrides fall back to the FOV model.
	partial := &CalibrationConfig{Fx: ptrFloat64(500)}
	if partial.HasExplicitIntrinsics() {
		t.Error("a lone fx counted as explicit intrinsics")
	}
}

func TestGetMountRotationRad(t *testing.T) {
	cal := &CalibrationConfig{MountYaw: ptrFloat64(90)}
	roll, pitch, yaw := cal.GetMountRotationRad()
	if roll != 0 || pitch != 0 {
		t.Errorf("roll, pitch = %f, %f; want 0", roll, pitch)
	}
	if math.Abs(yaw-math.Pi/2) > 1e-12 {
		t.Errorf("yaw = %f, want pi/2", yaw)
	}
}

func TestLoadFusionConfigJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "fusion.json")

	testJSON := `{
  "gate_distance_meters": 1.5,
  "max_lost_cycles": 5,
  "association_policy": "closest_quartile",
  "tick_period": "100ms",
  "calibration": {"image_width": 640, "image_height": 480, "point_frame": "ego"}
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0o644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadFusionConfig(configPath)
	if err != nil {
		t.Fatalf("LoadFusionConfig failed: %v", err)
	}

	if got := cfg.GetGateDistanceMeters(); got != 1.5 {
		t.Errorf("GetGateDistanceMeters() = %f, want 1.5", got)
	}
	if got := cfg.GetMaxLostCycles(); got != 5 {
		t.Errorf("GetMaxLostCycles() = %d, want 5", got)
	}
	if got := cfg.GetAssociationPolicy(); got != PolicyClosestQuartile {
		t.Errorf("GetAssociationPolicy() = %q, want %q", got, PolicyClosestQuartile)
	}
	if got := cfg.GetTickPeriod(); got != 100*time.Millisecond {
		t.Errorf("GetTickPeriod() = %v, want 100ms", got)
	}
	if got := cfg.GetCalibration().GetImageWidth(); got != 640 {
		t.Errorf("GetImageWidth() = %d, want 640", got)
	}
	if got := cfg.GetCalibration().GetPointFrame(); got != PointFrameEgo {
		t.Errorf("GetPointFrame() = %q, want %q", got, PointFrameEgo)
	}

	// Omitted fields keep defaults.
	if got := cfg.GetHitsToConfirm(); got != 2 {
		t.Errorf("GetHitsToConfirm() = %d, want default 2", got)
	}
}

func TestLoadFusionConfigYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "fusion.yaml")

	testYAML := `
gate_distance_meters: 3.25
emit_coasting: true
calibration:
  fov_deg: 60
  mount_z: 1.6
`
	if err := os.WriteFile(configPath, []byte(testYAML), 0o644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadFusionConfig(configPath)
	if err != nil {
		t.Fatalf("LoadFusionConfig failed: %v", err)
	}
	if got := cfg.GetGateDistanceMeters(); got != 3.25 {
		t.Errorf("GetGateDistanceMeters() = %f, want 3.25", got)
	}
	if !cfg.GetEmitCoasting() {
		t.Error("GetEmitCoasting() = false, want true")
	}
	if got := cfg.GetCalibration().GetFOVDeg(); got != 60 {
		t.Errorf("GetFOVDeg() = %f, want 60", got)
	}
	if got := cfg.GetCalibration().GetMountZ(); got != 1.6 {
		t.Errorf("GetMountZ() = %f, want 1.6", got)
	}
}

func TestLoadFusionConfigErrors(t *testing.T) {
	tmpDir := t.TempDir()

	write := func(t *testing.T, name string, data []byte) string {
		t.Helper()
		p := filepath.Join(tmpDir, name)
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
		return p
	}

	tests := []struct {
		name    string
		path    func(t *testing.T) string
		wantErr string
	}{
		{"bad extension", func(*testing.T) string { return filepath.Join(tmpDir, "fusion.toml") }, "extension"},
		{"missing file", func(*testing.T) string { return filepath.Join(tmpDir, "missing.json") }, ""},
		{"malformed json", func(t *testing.T) string { return write(t, "bad.json", []byte("{not json")) }, "parse"},
		{"too large", func(t *testing.T) string { return write(t, "big.json", make([]byte, 1024*1024+1)) }, "too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFusionConfig(tt.path(t))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     FusionConfig
		wantErr string
	}{
		{"empty ok", FusionConfig{}, ""},
		{"bad policy", FusionConfig{AssociationPolicy: ptrString("mean")}, "association_policy"},
		{"zero gate", FusionConfig{GateDistanceMeters: ptrFloat64(0)}, "gate_distance_meters"},
		{"nan gate", FusionConfig{GateDistanceMeters: ptrFloat64(math.NaN())}, "gate_distance_meters"},
		{"negative lost", FusionConfig{MaxLostCycles: ptrInt(-1)}, "max_lost_cycles"},
		{"zero hits", FusionConfig{HitsToConfirm: ptrInt(0)}, "hits_to_confirm"},
		{"zero tracks", FusionConfig{MaxTracks: ptrInt(0)}, "max_tracks"},
		{"confidence range", FusionConfig{MinConfidence: ptrFloat64(1.5)}, "min_confidence"},
		{"extent", FusionConfig{MaxExtentMeters: ptrFloat64(-2)}, "max_extent_meters"},
		{"history", FusionConfig{FrameHistoryDepth: ptrInt(0)}, "frame_history_depth"},
		{"mailbox", FusionConfig{MailboxSize: ptrInt(0)}, "mailbox_size"},
		{"tick parse", FusionConfig{TickPeriod: ptrString("soon")}, "tick_period"},
		{"tick negative", FusionConfig{TickPeriod: ptrString("-1s")}, "tick_period"},
		{"fov", FusionConfig{Calibration: &CalibrationConfig{FOVDeg: ptrFloat64(180)}}, "fov_deg"},
		{"width", FusionConfig{Calibration: &CalibrationConfig{ImageWidth: ptrInt(0)}}, "image_width"},
		{"point frame", FusionConfig{Calibration: &CalibrationConfig{PointFrame: ptrString("sensor")}}, "point_frame"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() accepted config, want error mentioning %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultFusionConfigRoundTripsDefaults(t *testing.T) {
	cfg := DefaultFusionConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultFusionConfig() invalid: %v", err)
	}
	if cfg.GateDistanceMeters == nil || *cfg.GateDistanceMeters != EmptyFusionConfig().GetGateDistanceMeters() {
		t.Errorf("GateDistanceMeters = %v, want the built-in default", cfg.GateDistanceMeters)
	}
	if cfg.TickPeriod == nil || *cfg.TickPeriod != "400ms" {
		t.Errorf("TickPeriod = %v, want '400ms'", cfg.TickPeriod)
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if cfg == nil {
		t.Fatal("MustLoadDefaultConfig() returned nil")
	}
	// The canonical file must agree with the built-in fallbacks.
	builtin := EmptyFusionConfig()
	if cfg.GetGateDistanceMeters() != builtin.GetGateDistanceMeters() {
		t.Errorf("shipped gate %f differs from built-in %f", cfg.GetGateDistanceMeters(), builtin.GetGateDistanceMeters())
	}
	if cfg.GetMaxLostCycles() != builtin.GetMaxLostCycles() {
		t.Errorf("shipped max_lost_cycles %d differs from built-in %d", cfg.GetMaxLostCycles(), builtin.GetMaxLostCycles())
	}
	if got := cfg.GetTickPeriod(); got != 400*time.Millisecond {
		t.Errorf("GetTickPeriod() = %v, want 400ms", got)
	}
}
