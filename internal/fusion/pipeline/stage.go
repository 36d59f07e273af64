package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/banshee-data/obstacle-fusion/internal/config"
	"github.com/banshee-data/obstacle-fusion/internal/fusion/l1sensors"
	"github.com/banshee-data/obstacle-fusion/internal/fusion/l2projection"
	"github.com/banshee-data/obstacle-fusion/internal/fusion/l3association"
	"github.com/banshee-data/obstacle-fusion/internal/fusion/l4tracks"
	"github.com/banshee-data/obstacle-fusion/internal/telemetry"
	"github.com/banshee-data/obstacle-fusion/internal/timeutil"
)

// ErrNoGeometry marks a cycle skipped because no point cloud/pose pair has
// been received at or before the detection timestamp.
var ErrNoGeometry = errors.New("no point cloud/pose available")

// Skip reasons reported in Output.SkipReason.
const (
	SkipNoGeometry = "no_geometry"
	SkipOutOfOrder = "out_of_order"
)

// StageConfig holds dependencies for the fusion stage.
type StageConfig struct {
	ID          string // Optional: defaults to a random uuid
	Calibration l2projection.CameraCalibration
	Association l3association.Config
	Tracker     l4tracks.TrackerConfig

	// FrameHistoryDepth is the number of complete frames kept for
	// temporal alignment. Defaults to 8.
	FrameHistoryDepth int

	Sinks   []ObstacleSink
	Metrics *telemetry.Metrics // Optional
	Clock   timeutil.Clock     // Optional: defaults to the wall clock
}

// StageConfigFromTuning builds a StageConfig from a loaded FusionConfig.
func StageConfigFromTuning(cfg *config.FusionConfig) StageConfig {
	return StageConfig{
		Calibration:       l2projection.CalibrationFromConfig(cfg.GetCalibration()),
		Association:       l3association.ConfigFromTuning(cfg),
		Tracker:           l4tracks.TrackerConfigFromTuning(cfg),
		FrameHistoryDepth: cfg.GetFrameHistoryDepth(),
	}
}

// CycleStats records what happened to one batch of boxes.
type CycleStats struct {
	Boxes       int
	Malformed   int
	Projected   int
	Association l3association.Stats
	Tracks      l4tracks.UpdateStats
	Duration    time.Duration
}

// Output is the result of one fusion cycle, published on the obstacles topic.
type Output struct {
	StageID string
	Tick    uint64 // tick of the bounding box batch

	BatchTimestamp time.Time
	ProcessedAt    time.Time

	// Geometry used; zero when the cycle was skipped.
	FrameTick      uint64
	FrameTimestamp time.Time
	Stale          bool // frame tick differs from the batch tick

	Skipped    bool
	SkipReason string

	Obstacles []l4tracks.Obstacle
	Stats     CycleStats
}

// FusionStage converts bounding box batches into tracked 3D obstacles.
//
// OnPointCloud and OnPose may be called concurrently with OnCycle: each
// cycle captures an immutable frame snapshot at its start. The aggregator
// is only updated from OnCycle.
type FusionStage struct {
	id          string
	calibration l2projection.CameraCalibration
	association atomic.Pointer[l3association.Config]

	store      *l1sensors.FrameStore
	aggregator *l4tracks.Aggregator
	sinks      []ObstacleSink
	metrics    *telemetry.Metrics
	clock      timeutil.Clock

	cycles atomic.Uint64
}

// NewFusionStage validates the calibration and builds the stage. A missing
// or invalid calibration is fatal and returns ErrCalibrationMissing.
func NewFusionStage(cfg StageConfig) (*FusionStage, error) {
	if err := cfg.Calibration.Validate(); err != nil {
		return nil, fmt.Errorf("fusion stage: %w", err)
	}
	depth := cfg.FrameHistoryDepth
	if depth <= 0 {
		depth = config.EmptyFusionConfig().GetFrameHistoryDepth()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}

	s := &FusionStage{
		id:          id,
		calibration: cfg.Calibration,
		store:       l1sensors.NewFrameStore(depth),
		aggregator:  l4tracks.NewAggregator(cfg.Tracker),
		sinks:       cfg.Sinks,
		metrics:     cfg.Metrics,
		clock:       clock,
	}
	assoc := cfg.Association
	s.association.Store(&assoc)

	diagf("stage %s ready: %dx%d fx=%.1f near=%.2f frame=%s policy=%s gate=%.2fm max_lost=%d",
		s.id, cfg.Calibration.Intrinsics.Width, cfg.Calibration.Intrinsics.Height,
		cfg.Calibration.Intrinsics.Fx, cfg.Calibration.NearPlane, pointFrameName(cfg.Calibration.PointFrame),
		assoc.Policy, cfg.Tracker.GateDistance, cfg.Tracker.MaxLostCycles)
	return s, nil
}

func pointFrameName(f l2projection.PointFrame) string {
	if f == "" {
		return string(l2projection.PointFrameWorld)
	}
	return string(f)
}

// ID returns the stage instance id.
func (s *FusionStage) ID() string { return s.id }

// Store exposes the frame store for read-only inspection.
func (s *FusionStage) Store() *l1sensors.FrameStore { return s.store }

// Aggregator exposes the aggregator for snapshots and tuning.
func (s *FusionStage) Aggregator() *l4tracks.Aggregator { return s.aggregator }

// Calibration returns the process-wide calibration.
func (s *FusionStage) Calibration() l2projection.CameraCalibration { return s.calibration }

// ApplyTuning updates association and tracking parameters at runtime.
// Calibration is fixed for the lifetime of the stage.
func (s *FusionStage) ApplyTuning(cfg *config.FusionConfig) {
	assoc := l3association.ConfigFromTuning(cfg)
	s.association.Store(&assoc)

	tuned := l4tracks.TrackerConfigFromTuning(cfg)
	s.aggregator.UpdateConfig(func(c *l4tracks.TrackerConfig) {
		history := c.MaxHistoryLength
		*c = tuned
		c.MaxHistoryLength = history
	})
	diagf("tuning applied: policy=%s gate=%.2fm max_lost=%d hits=%d",
		assoc.Policy, tuned.GateDistance, tuned.MaxLostCycles, tuned.HitsToConfirm)
}

// OnPointCloud stores the cloud half of a tick. Non-finite points are
// dropped with a diagnostic; the remainder is kept.
func (s *FusionStage) OnPointCloud(tick uint64, ts time.Time, points []l1sensors.Point) error {
	clean, err := l1sensors.CleanPoints(points)
	if err != nil {
		diagf("lidar_pc tick %d: %v", tick, err)
	}
	resets := s.store.Resets()
	if frame, ok := s.store.PutPointCloud(tick, ts, clean); ok {
		tracef("frame %d published (%d points)", frame.Tick, len(frame.Points))
	}
	s.checkTickReset(resets, tick, ts)
	return err
}

// OnPose stores the pose half of a tick. Invalid poses are dropped.
func (s *FusionStage) OnPose(p l1sensors.Pose) error {
	if err := p.Validate(); err != nil {
		opsf("position tick %d dropped: %v", p.Tick, err)
		return err
	}
	resets := s.store.Resets()
	if frame, ok := s.store.PutPose(p.Normalized()); ok {
		tracef("frame %d published (%d points)", frame.Tick, len(frame.Points))
	}
	s.checkTickReset(resets, p.Tick, p.Timestamp)
	return nil
}

func (s *FusionStage) checkTickReset(before, tick uint64, ts time.Time) {
	if s.store.Resets() != before {
		opsf("geometry tick sequence restarted at tick %d (%s); unmatched halves of the previous sequence dropped",
			tick, ts.Format(time.RFC3339Nano))
	}
}

// OnCycle fuses one batch of boxes against the most recent frame at or
// before the batch timestamp and publishes the result to every sink.
// It never waits for geometry: without a frame the cycle is skipped and an
// empty obstacle list is emitted.
func (s *FusionStage) OnCycle(ctx context.Context, batch l1sensors.BoxBatch) (Output, error) {
	start := s.clock.Now()
	cycle := s.cycles.Add(1)

	ctx, span := telemetry.StartSpan(ctx, "fusion.cycle",
		attribute.Int64("fusion.tick", int64(batch.Tick)),
		attribute.Int("fusion.boxes", len(batch.Boxes)),
	)
	defer span.End()

	out := Output{
		StageID:        s.id,
		Tick:           batch.Tick,
		BatchTimestamp: batch.Timestamp,
		Obstacles:      []l4tracks.Obstacle{},
	}
	out.Stats.Boxes = len(batch.Boxes)

	boxes, verr := l1sensors.ValidateBoxes(batch.Boxes)
	if verr != nil {
		out.Stats.Malformed = len(l1sensors.Errors(verr))
		diagf("cycle %d tick %d: dropped %d malformed boxes: %v", cycle, batch.Tick, out.Stats.Malformed, verr)
	}

	frame, ok := s.store.At(batch.Timestamp)
	if !ok {
		out.Skipped = true
		out.SkipReason = SkipNoGeometry
		span.SetAttributes(attribute.String("fusion.skip", SkipNoGeometry))
		tracef("cycle %d tick %d skipped: %v", cycle, batch.Tick, ErrNoGeometry)
		s.finish(ctx, &out, start, telemetry.OutcomeSkipped)
		return out, nil
	}
	out.FrameTick = frame.Tick
	out.FrameTimestamp = frame.Timestamp
	out.Stale = frame.Tick != batch.Tick
	if out.Stale {
		tracef("cycle %d tick %d using frame %d (%s older)", cycle, batch.Tick, frame.Tick, batch.Timestamp.Sub(frame.Timestamp))
	}

	_, pspan := telemetry.StartSpan(ctx, "fusion.project", attribute.Int("fusion.points", len(frame.Points)))
	projected := l2projection.Project(frame.Points, frame.Pose, s.calibration)
	pspan.SetAttributes(attribute.Int("fusion.projected", len(projected)))
	pspan.End()
	out.Stats.Projected = len(projected)

	_, aspan := telemetry.StartSpan(ctx, "fusion.associate")
	estimates, astats := l3association.Associate(boxes, projected, frame.Timestamp, *s.association.Load())
	aspan.SetAttributes(attribute.Int("fusion.estimates", len(estimates)))
	aspan.End()
	out.Stats.Association = astats

	_, gspan := telemetry.StartSpan(ctx, "fusion.aggregate")
	obstacles, err := s.aggregator.Update(estimates, frame.Timestamp)
	if err != nil {
		gspan.RecordError(err)
		gspan.SetStatus(codes.Error, err.Error())
		gspan.End()
		span.SetStatus(codes.Error, err.Error())

		out.Skipped = true
		out.SkipReason = SkipOutOfOrder
		opsf("cycle %d tick %d rejected: %v", cycle, batch.Tick, err)
		s.finish(ctx, &out, start, telemetry.OutcomeError)
		return out, err
	}
	gspan.End()
	out.Obstacles = obstacles
	out.Stats.Tracks = s.aggregator.LastStats()

	tracef("cycle %d tick %d frame %d: %s | %s", cycle, batch.Tick, frame.Tick, astats, out.Stats.Tracks)
	s.finish(ctx, &out, start, telemetry.OutcomeFused)
	return out, nil
}

func (s *FusionStage) finish(ctx context.Context, out *Output, start time.Time, outcome string) {
	out.ProcessedAt = s.clock.Now()
	out.Stats.Duration = s.clock.Since(start)

	cm := telemetry.CycleMetrics{
		Outcome:       outcome,
		Duration:      out.Stats.Duration,
		Stale:         out.Stale,
		Boxes:         out.Stats.Boxes,
		Malformed:     out.Stats.Malformed,
		LowConfidence: out.Stats.Association.LowConfidence,
		Unmatched:     out.Stats.Association.Unmatched,
		Estimated:     out.Stats.Association.Estimates,
		Projected:     out.Stats.Projected,
		Created:       out.Stats.Tracks.Created,
		Lost:          out.Stats.Tracks.Lost,
	}
	cm.Tentative, cm.Confirmed = s.aggregator.TrackCounts()
	s.metrics.RecordCycle(cm)

	s.publish(ctx, *out)
}

func (s *FusionStage) publish(ctx context.Context, out Output) {
	for _, sink := range s.sinks {
		if isNilInterface(sink) {
			continue
		}
		if err := sink.Publish(ctx, out); err != nil {
			opsf("sink %s failed for tick %d: %v", sinkName(sink), out.Tick, err)
			s.metrics.RecordSinkError(sinkName(sink))
		}
	}
}
