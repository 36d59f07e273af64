package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/fusion.defaults.json"

// Association policies accepted by association_policy.
const (
	PolicyMedian          = "median"
	PolicyClosestQuartile = "closest_quartile"
)

// Point frames accepted by calibration.point_frame.
const (
	PointFrameWorld = "world"
	PointFrameEgo   = "ego"
)

// CalibrationConfig describes the camera the bounding boxes were detected in.
// Calibration is process-wide and only read at startup.
type CalibrationConfig struct {
	ImageWidth  *int     `json:"image_width,omitempty" yaml:"image_width,omitempty"`
	ImageHeight *int     `json:"image_height,omitempty" yaml:"image_height,omitempty"`
	FOVDeg      *float64 `json:"fov_deg,omitempty" yaml:"fov_deg,omitempty"`

	// Explicit intrinsics override the FOV-derived pinhole model when Fx is set.
	Fx  *float64 `json:"fx,omitempty" yaml:"fx,omitempty"`
	Fy  *float64 `json:"fy,omitempty" yaml:"fy,omitempty"`
	Ppx *float64 `json:"ppx,omitempty" yaml:"ppx,omitempty"`
	Ppy *float64 `json:"ppy,omitempty" yaml:"ppy,omitempty"`

	// Camera mount in the ego frame (x forward, y right, z up), metres and degrees.
	MountX     *float64 `json:"mount_x,omitempty" yaml:"mount_x,omitempty"`
	MountY     *float64 `json:"mount_y,omitempty" yaml:"mount_y,omitempty"`
	MountZ     *float64 `json:"mount_z,omitempty" yaml:"mount_z,omitempty"`
	MountRoll  *float64 `json:"mount_roll_deg,omitempty" yaml:"mount_roll_deg,omitempty"`
	MountPitch *float64 `json:"mount_pitch_deg,omitempty" yaml:"mount_pitch_deg,omitempty"`
	MountYaw   *float64 `json:"mount_yaw_deg,omitempty" yaml:"mount_yaw_deg,omitempty"`

	NearPlane  *float64 `json:"near_plane,omitempty" yaml:"near_plane,omitempty"`
	PointFrame *string  `json:"point_frame,omitempty" yaml:"point_frame,omitempty"`
}

// FusionConfig represents the root configuration for the fusion stage.
// Fields omitted from a file fall back to the Get* defaults, so partial
// configs are safe.
type FusionConfig struct {
	Calibration *CalibrationConfig `json:"calibration,omitempty" yaml:"calibration,omitempty"`

	// Association params
	AssociationPolicy *string  `json:"association_policy,omitempty" yaml:"association_policy,omitempty"`
	MaxExtentMeters   *float64 `json:"max_extent_meters,omitempty" yaml:"max_extent_meters,omitempty"`
	MinConfidence     *float64 `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty"`

	// Tracker params
	GateDistanceMeters *float64 `json:"gate_distance_meters,omitempty" yaml:"gate_distance_meters,omitempty"`
	MaxLostCycles      *int     `json:"max_lost_cycles,omitempty" yaml:"max_lost_cycles,omitempty"`
	HitsToConfirm      *int     `json:"hits_to_confirm,omitempty" yaml:"hits_to_confirm,omitempty"`
	MaxTracks          *int     `json:"max_tracks,omitempty" yaml:"max_tracks,omitempty"`
	EmitCoasting       *bool    `json:"emit_coasting,omitempty" yaml:"emit_coasting,omitempty"`

	// Pipeline params
	FrameHistoryDepth *int    `json:"frame_history_depth,omitempty" yaml:"frame_history_depth,omitempty"`
	MailboxSize       *int    `json:"mailbox_size,omitempty" yaml:"mailbox_size,omitempty"`
	TickPeriod        *string `json:"tick_period,omitempty" yaml:"tick_period,omitempty"` // duration string like "400ms"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyFusionConfig returns a FusionConfig with all fields set to nil.
func EmptyFusionConfig() *FusionConfig {
	return &FusionConfig{}
}

// DefaultFusionConfig returns a FusionConfig with every field populated
// from the built-in defaults. Useful for writing a starter config file.
func DefaultFusionConfig() *FusionConfig {
	empty := EmptyFusionConfig()
	cal := empty.GetCalibration()
	return &FusionConfig{
		Calibration: &CalibrationConfig{
			ImageWidth:  ptrInt(cal.GetImageWidth()),
			ImageHeight: ptrInt(cal.GetImageHeight()),
			FOVDeg:      ptrFloat64(cal.GetFOVDeg()),
			MountX:      ptrFloat64(cal.GetMountX()),
			MountY:      ptrFloat64(cal.GetMountY()),
			MountZ:      ptrFloat64(cal.GetMountZ()),
			MountRoll:   ptrFloat64(0),
			MountPitch:  ptrFloat64(0),
			MountYaw:    ptrFloat64(0),
			NearPlane:   ptrFloat64(cal.GetNearPlane()),
			PointFrame:  ptrString(cal.GetPointFrame()),
		},
		AssociationPolicy:  ptrString(empty.GetAssociationPolicy()),
		MaxExtentMeters:    ptrFloat64(empty.GetMaxExtentMeters()),
		MinConfidence:      ptrFloat64(empty.GetMinConfidence()),
		GateDistanceMeters: ptrFloat64(empty.GetGateDistanceMeters()),
		MaxLostCycles:      ptrInt(empty.GetMaxLostCycles()),
		HitsToConfirm:      ptrInt(empty.GetHitsToConfirm()),
		MaxTracks:          ptrInt(empty.GetMaxTracks()),
		EmitCoasting:       ptrBool(empty.GetEmitCoasting()),
		FrameHistoryDepth:  ptrInt(empty.GetFrameHistoryDepth()),
		MailboxSize:        ptrInt(empty.GetMailboxSize()),
		TickPeriod:         ptrString(empty.GetTickPeriod().String()),
	}
}

// LoadFusionConfig loads a FusionConfig from a JSON or YAML file.
// The file is validated to ensure it has a known extension and is under
// the max file size.
func LoadFusionConfig(path string) (*FusionConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
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

	cfg, err := ParseFusionConfig(data, ext)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseFusionConfig decodes and validates config bytes. ext selects the
// decoder (".json" or ".yaml"/".yml").
func ParseFusionConfig(data []byte, ext string) (*FusionConfig, error) {
	cfg := EmptyFusionConfig()
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *FusionConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/, cmd/fusion/
		"../../../" + DefaultConfigPath,    // from internal/fusion/<layer>/
		"../../../../" + DefaultConfigPath, // from internal/fusion/storage/sqlite/
	}
	for _, path := range candidates {
		if cfg, err := LoadFusionConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Validate checks that the configuration values are valid.
func (c *FusionConfig) Validate() error {
	if c.Calibration != nil {
		if err := c.Calibration.Validate(); err != nil {
			return fmt.Errorf("calibration: %w", err)
		}
	}

	if c.AssociationPolicy != nil {
		switch *c.AssociationPolicy {
		case PolicyMedian, PolicyClosestQuartile:
		default:
			return fmt.Errorf("association_policy must be %q or %q, got %q", PolicyMedian, PolicyClosestQuartile, *c.AssociationPolicy)
		}
	}
	if c.MaxExtentMeters != nil && (!finite(*c.MaxExtentMeters) || *c.MaxExtentMeters <= 0) {
		return fmt.Errorf("max_extent_meters must be positive, got %f", *c.MaxExtentMeters)
	}
	if c.MinConfidence != nil && (*c.MinConfidence < 0 || *c.MinConfidence > 1) {
		return fmt.Errorf("min_confidence must be between 0 and 1, got %f", *c.MinConfidence)
	}
	if c.GateDistanceMeters != nil && (!finite(*c.GateDistanceMeters) || *c.GateDistanceMeters <= 0) {
		return fmt.Errorf("gate_distance_meters must be positive, got %f", *c.GateDistanceMeters)
	}
	if c.MaxLostCycles != nil && *c.MaxLostCycles < 0 {
		return fmt.Errorf("max_lost_cycles must be non-negative, got %d", *c.MaxLostCycles)
	}
	if c.HitsToConfirm != nil && *c.HitsToConfirm < 1 {
		return fmt.Errorf("hits_to_confirm must be at least 1, got %d", *c.HitsToConfirm)
	}
	if c.MaxTracks != nil && *c.MaxTracks < 1 {
		return fmt.Errorf("max_tracks must be at least 1, got %d", *c.MaxTracks)
	}
	if c.FrameHistoryDepth != nil && *c.FrameHistoryDepth < 1 {
		return fmt.Errorf("frame_history_depth must be at least 1, got %d", *c.FrameHistoryDepth)
	}
	if c.MailboxSize != nil && *c.MailboxSize < 1 {
		return fmt.Errorf("mailbox_size must be at least 1, got %d", *c.MailboxSize)
	}
	if c.TickPeriod != nil && *c.TickPeriod != "" {
		d, err := time.ParseDuration(*c.TickPeriod)
		if err != nil {
			return fmt.Errorf("invalid tick_period '%s': %w", *c.TickPeriod, err)
		}
		if d <= 0 {
			return fmt.Errorf("tick_period must be positive, got %s", d)
		}
	}
	return nil
}

// Validate checks the calibration section.
func (c *CalibrationConfig) Validate() error {
	if c.ImageWidth != nil && *c.ImageWidth <= 0 {
		return fmt.Errorf("image_width must be positive, got %d", *c.ImageWidth)
	}
	if c.ImageHeight != nil && *c.ImageHeight <= 0 {
		return fmt.Errorf("image_height must be positive, got %d", *c.ImageHeight)
	}
	if c.FOVDeg != nil && (*c.FOVDeg <= 0 || *c.FOVDeg >= 180) {
		return fmt.Errorf("fov_deg must be in (0, 180), got %f", *c.FOVDeg)
	}
	if c.Fx != nil && *c.Fx <= 0 {
		return fmt.Errorf("fx must be positive, got %f", *c.Fx)
	}
	if c.Fy != nil && *c.Fy <= 0 {
		return fmt.Errorf("fy must be positive, got %f", *c.Fy)
	}
	if c.NearPlane != nil && *c.NearPlane < 0 {
		return fmt.Errorf("near_plane must be non-negative, got %f", *c.NearPlane)
	}
	if c.PointFrame != nil {
		switch *c.PointFrame {
		case PointFrameWorld, PointFrameEgo:
		default:
			return fmt.Errorf("point_frame must be %q or %q, got %q", PointFrameWorld, PointFrameEgo, *c.PointFrame)
		}
	}
	return nil
}

// GetCalibration returns the calibration section, never nil.
func (c *FusionConfig) GetCalibration() *CalibrationConfig {
	if c.Calibration == nil {
		return &CalibrationConfig{}
	}
	return c.Calibration
}

// GetAssociationPolicy returns the association_policy value or the default.
func (c *FusionConfig) GetAssociationPolicy() string {
	if c.AssociationPolicy == nil || *c.AssociationPolicy == "" {
		return PolicyMedian
	}
	return *c.AssociationPolicy
}

// GetMaxExtentMeters returns the max_extent_meters value or the default.
func (c *FusionConfig) GetMaxExtentMeters() float64 {
	if c.MaxExtentMeters == nil {
		return 8.0
	}
	return *c.MaxExtentMeters
}

// GetMinConfidence returns the min_confidence value or the default.
func (c *FusionConfig) GetMinConfidence() float64 {
	if c.MinConfidence == nil {
		return 0
	}
	return *c.MinConfidence
}

// GetGateDistanceMeters returns the gate_distance_meters value or the default.
func (c *FusionConfig) GetGateDistanceMeters() float64 {
	if c.GateDistanceMeters == nil {
		return 2.0
	}
	return *c.GateDistanceMeters
}

// GetMaxLostCycles returns the max_lost_cycles value or the default.
func (c *FusionConfig) GetMaxLostCycles() int {
	if c.MaxLostCycles == nil {
		return 3
	}
	return *c.MaxLostCycles
}

// GetHitsToConfirm returns the hits_to_confirm value or the default.
func (c *FusionConfig) GetHitsToConfirm() int {
	if c.HitsToConfirm == nil {
		return 2
	}
	return *c.HitsToConfirm
}

// GetMaxTracks returns the max_tracks value or the default.
func (c *FusionConfig) GetMaxTracks() int {
	if c.MaxTracks == nil {
		return 256
	}
	return *c.MaxTracks
}

// GetEmitCoasting returns the emit_coasting value or the default.
func (c *FusionConfig) GetEmitCoasting() bool {
	if c.EmitCoasting == nil {
		return false
	}
	return *c.EmitCoasting
}

// GetFrameHistoryDepth returns the frame_history_depth value or the default.
func (c *FusionConfig) GetFrameHistoryDepth() int {
	if c.FrameHistoryDepth == nil {
		return 8
	}
	return *c.FrameHistoryDepth
}

// GetMailboxSize returns the mailbox_size value or the default.
func (c *FusionConfig) GetMailboxSize() int {
	if c.MailboxSize == nil {
		return 4
	}
	return *c.MailboxSize
}

// GetTickPeriod parses and returns the TickPeriod as a time.Duration.
func (c *FusionConfig) GetTickPeriod() time.Duration {
	if c.TickPeriod == nil || *c.TickPeriod == "" {
		return 400 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.TickPeriod)
	if err != nil {
		return 400 * time.Millisecond // default on parse error
	}
	return d
}

// GetImageWidth returns the image_width value or the default.
func (c *CalibrationConfig) GetImageWidth() int {
	if c.ImageWidth == nil {
		return 1920
	}
	return *c.ImageWidth
}

// GetImageHeight returns the image_height value or the default.
func (c *CalibrationConfig) GetImageHeight() int {
	if c.ImageHeight == nil {
		return 1080
	}
	return *c.ImageHeight
}

// GetFOVDeg returns the fov_deg value or the default.
func (c *CalibrationConfig) GetFOVDeg() float64 {
	if c.FOVDeg == nil {
		return 90
	}
	return *c.FOVDeg
}

// HasExplicitIntrinsics reports whether fx/fy/ppx/ppy were all provided.
func (c *CalibrationConfig) HasExplicitIntrinsics() bool {
	return c.Fx != nil && c.Fy != nil && c.Ppx != nil && c.Ppy != nil
}

// GetIntrinsics returns fx, fy, ppx, ppy, derived from the FOV unless all
// four were set explicitly.
func (c *CalibrationConfig) GetIntrinsics() (fx, fy, ppx, ppy float64) {
	if c.HasExplicitIntrinsics() {
		return *c.Fx, *c.Fy, *c.Ppx, *c.Ppy
	}
	w := float64(c.GetImageWidth())
	h := float64(c.GetImageHeight())
	f := w / (2.0 * math.Tan(c.GetFOVDeg()*math.Pi/360.0))
	return f, f, w / 2.0, h / 2.0
}

// GetMountX returns the mount_x value or the default.
func (c *CalibrationConfig) GetMountX() float64 {
	if c.MountX == nil {
		return 3.0
	}
	return *c.MountX
}

// GetMountY returns the mount_y value or the default.
func (c *CalibrationConfig) GetMountY() float64 {
	if c.MountY == nil {
		return 0
	}
	return *c.MountY
}

// GetMountZ returns the mount_z value or the default.
func (c *CalibrationConfig) GetMountZ() float64 {
	if c.MountZ == nil {
		return 1.0
	}
	return *c.MountZ
}

// GetMountRotationRad returns roll, pitch and yaw of the mount in radians.
func (c *CalibrationConfig) GetMountRotationRad() (roll, pitch, yaw float64) {
	deg := func(p *float64) float64 {
		if p == nil {
			return 0
		}
		return *p * math.Pi / 180.0
	}
	return deg(c.MountRoll), deg(c.MountPitch), deg(c.MountYaw)
}

// GetNearPlane returns the near_plane value or the default.
func (c *CalibrationConfig) GetNearPlane() float64 {
	if c.NearPlane == nil {
		return 0.1
	}
	return *c.NearPlane
}

// GetPointFrame returns the point_frame value or the default.
func (c *CalibrationConfig) GetPointFrame() string {
	if c.PointFrame == nil || *c.PointFrame == "" {
		return PointFrameWorld
	}
	return *c.PointFrame
}
