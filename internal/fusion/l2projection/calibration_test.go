package l2projection

import (
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/obstacle-fusion/internal/config"
)

func TestIntrinsicsFromFOV(t *testing.T) {
	in := IntrinsicsFromFOV(1920, 1080, 90)
	if math.Abs(in.Fx-960) > 1e-9 || math.Abs(in.Fy-960) > 1e-9 {
		t.Errorf("focal lengths = %v, %v; want 960", in.Fx, in.Fy)
	}
	if in.Ppx != 960 || in.Ppy != 540 {
		t.Errorf("principal point = (%v, %v), want (960, 540)", in.Ppx, in.Ppy)
	}
	if err := in.CheckValid(); err != nil {
		t.Errorf("CheckValid: %v", err)
	}
}

func TestIntrinsicsCheckValid(t *testing.T) {
	good := IntrinsicsFromFOV(640, 480, 60)
	tests := []struct {
		name   string
		mutate func(*Intrinsics)
	}{
		{"zero width", func(in *Intrinsics) { in.Width = 0 }},
		{"zero height", func(in *Intrinsics) { in.Height = 0 }},
		{"zero fx", func(in *Intrinsics) { in.Fx = 0 }},
		{"nan fy", func(in *Intrinsics) { in.Fy = math.NaN() }},
		{"inf fx", func(in *Intrinsics) { in.Fx = math.Inf(1) }},
		{"negative ppx", func(in *Intrinsics) { in.Ppx = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := good
			tt.mutate(&in)
			if err := in.CheckValid(); !errors.Is(err, ErrCalibrationMissing) {
				t.Errorf("CheckValid() = %v, want ErrCalibrationMissing", err)
			}
		})
	}
}

func TestCameraCalibrationValidate(t *testing.T) {
	cal := CameraCalibration{Intrinsics: IntrinsicsFromFOV(1920, 1080, 90), NearPlane: 0.1}
	if err := cal.Validate(); err != nil {
		t.Fatalf("valid calibration rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*CameraCalibration)
	}{
		{"zero value", func(c *CameraCalibration) { *c = CameraCalibration{} }},
		{"unknown point frame", func(c *CameraCalibration) { c.PointFrame = "sensor" }},
		{"nan mount", func(c *CameraCalibration) { c.Extrinsics.Translation = r3.Vector{X: math.NaN()} }},
		{"negative near plane", func(c *CameraCalibration) { c.NearPlane = -1 }},
	}
	for _, tt := range tests {
		bad := cal
		tt.mutate(&bad)
		if err := bad.Validate(); !errors.Is(err, ErrCalibrationMissing) {
			t.Errorf("%s: Validate() = %v, want ErrCalibrationMissing", tt.name, err)
		}
	}
}

func TestCalibrationFromConfig_ShippedDefaultsMatchBuiltin(t *testing.T) {
	shipped := CalibrationFromConfig(config.MustLoadDefaultConfig().GetCalibration())
	builtin := CalibrationFromConfig(config.EmptyFusionConfig().GetCalibration())
	if shipped != builtin {
		t.Errorf("shipped calibration %+v differs from built-in %+v", shipped, builtin)
	}
}

func TestCalibrationFromConfig_Defaults(t *testing.T) {
	cal := CalibrationFromConfig(config.EmptyFusionConfig().GetCalibration())

	if err := cal.Validate(); err != nil {
		t.Fatalf("default calibration rejected: %v", err)
	}
	if cal.Intrinsics.Width != 1920 || cal.Intrinsics.Height != 1080 {
		t.Errorf("image = %dx%d, want 1920x1080", cal.Intrinsics.Width, cal.Intrinsics.Height)
	}
	if math.Abs(cal.Intrinsics.Fx-960) > 1e-9 {
		t.Errorf("fx = %v, want 960", cal.Intrinsics.Fx)
	}
	if want := (r3.Vector{X: 3, Y: 0, Z: 1}); cal.Extrinsics.Translation != want {
		t.Errorf("mount = %v, want %v", cal.Extrinsics.Translation, want)
	}
	if cal.NearPlane != 0.1 {
		t.Errorf("near plane = %v, want 0.1", cal.NearPlane)
	}
	if cal.PointFrame != PointFrameWorld {
		t.Errorf("point frame = %q, want %q", cal.PointFrame, PointFrameWorld)
	}
}

func TestCalibrationFromConfig_Explicit(t *testing.T) {
	cfg, err := config.ParseFusionConfig([]byte(`{
		"calibration": {
			"image_width": 640, "image_height": 480,
			"fx": 500, "fy": 510, "ppx": 320, "ppy": 240,
			"mount_x": 1.5, "mount_yaw_deg": 90,
			"point_frame": "ego"
		}
	}`), ".json")
	if err != nil {
		t.Fatalf("ParseFusionConfig: %v", err)
	}

	cal := CalibrationFromConfig(cfg.GetCalibration())
	if want := (Intrinsics{Width: 640, Height: 480, Fx: 500, Fy: 510, Ppx: 320, Ppy: 240}); cal.Intrinsics != want {
		t.Errorf("intrinsics = %+v, want %+v", cal.Intrinsics, want)
	}
	if cal.Extrinsics.Translation.X != 1.5 {
		t.Errorf("mount x = %v, want 1.5", cal.Extrinsics.Translation.X)
	}
	if math.Abs(cal.Extrinsics.Yaw-math.Pi/2) > 1e-12 {
		t.Errorf("yaw = %v, want pi/2", cal.Extrinsics.Yaw)
	}
	if cal.PointFrame != PointFrameEgo {
		t.Errorf("point frame = %q, want %q", cal.PointFrame, PointFrameEgo)
	}
}
