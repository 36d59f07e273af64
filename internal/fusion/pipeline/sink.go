package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/banshee-data/obstacle-fusion/internal/fusion/l1sensors"
	"github.com/banshee-data/obstacle-fusion/internal/fusion/l4tracks"
)

// ObstacleSink receives the output of every fusion cycle, skipped cycles
// included. Publish errors are logged and never stop the pipeline.
type ObstacleSink interface {
	Publish(ctx context.Context, out Output) error
}

// SinkFunc adapts a function to ObstacleSink.
type SinkFunc func(ctx context.Context, out Output) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, out Output) error { return f(ctx, out) }

// namedSink is implemented by sinks that want a stable label in logs and metrics.
type namedSink interface {
	Name() string
}

func sinkName(s ObstacleSink) string {
	if n, ok := s.(namedSink); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// isNilInterface checks if an interface value is nil or contains a nil pointer.
func isNilInterface(i interface{}) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// ObstacleRows flattens obstacles into the obstacles topic rows.
func ObstacleRows(obstacles []l4tracks.Obstacle) []l1sensors.ObstacleRow {
	return lo.Map(obstacles, func(o l4tracks.Obstacle, _ int) l1sensors.ObstacleRow {
		return l1sensors.ObstacleRow{Position: o.Centroid, Confidence: o.Confidence, ClassID: o.ClassID}
	})
}

// TopicSink encodes every output into the obstacles wire layout and hands
// it to send as a message stamped with the batch tick. An empty obstacle
// list is still sent.
type TopicSink struct {
	send func(ctx context.Context, msg Message) error
}

// NewTopicSink creates a TopicSink.
func NewTopicSink(send func(ctx context.Context, msg Message) error) *TopicSink {
	return &TopicSink{send: send}
}

// Name implements namedSink.
func (s *TopicSink) Name() string { return "topic" }

// Publish implements ObstacleSink.
func (s *TopicSink) Publish(ctx context.Context, out Output) error {
	return s.send(ctx, Message{
		Topic:     TopicObstacles,
		Tick:      out.Tick,
		Timestamp: out.BatchTimestamp,
		Data:      l1sensors.EncodeObstacles(ObstacleRows(out.Obstacles)),
	})
}

// ObstacleJSON is the JSON lines form of one obstacle.
type ObstacleJSON struct {
	ID         uint64      `json:"id"`
	State      string      `json:"state"`
	Label      string      `json:"label"`
	ClassID    int         `json:"class_id"`
	Confidence float64     `json:"confidence"`
	Position   [3]float64  `json:"position"`
	Extent     [3]float64  `json:"extent"`
	Velocity   *[3]float64 `json:"velocity,omitempty"`
	Support    int         `json:"support"`
	Timestamp  time.Time   `json:"timestamp"`
}

// OutputJSON is the JSON lines form of one cycle.
type OutputJSON struct {
	Tick           uint64         `json:"tick"`
	BatchTimestamp time.Time      `json:"batch_ts"`
	FrameTick      uint64         `json:"frame_tick,omitempty"`
	Stale          bool           `json:"stale,omitempty"`
	Skipped        bool           `json:"skipped,omitempty"`
	SkipReason     string         `json:"skip_reason,omitempty"`
	Obstacles      []ObstacleJSON `json:"obstacles"`
}

// ToJSON converts an Output to its JSON lines form.
func ToJSON(out Output) OutputJSON {
	return OutputJSON{
		Tick:           out.Tick,
		BatchTimestamp: out.BatchTimestamp,
		FrameTick:      out.FrameTick,
		Stale:          out.Stale,
		Skipped:        out.Skipped,
		SkipReason:     out.SkipReason,
		Obstacles: lo.Map(out.Obstacles, func(o l4tracks.Obstacle, _ int) ObstacleJSON {
			j := ObstacleJSON{
				ID:         o.ID,
				State:      string(o.State),
				Label:      o.Label,
				ClassID:    o.ClassID,
				Confidence: o.Confidence,
				Position:   [3]float64{o.Centroid.X, o.Centroid.Y, o.Centroid.Z},
				Extent:     [3]float64{o.Extent.X, o.Extent.Y, o.Extent.Z},
				Support:    o.Support,
				Timestamp:  o.Timestamp,
			}
			if o.HasVelocity {
				j.Velocity = &[3]float64{o.Velocity.X, o.Velocity.Y, o.Velocity.Z}
			}
			return j
		}),
	}
}

// JSONLinesSink writes one JSON object per cycle.
type JSONLinesSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLinesSink creates a sink writing to w.
func NewJSONLinesSink(w io.Writer) *JSONLinesSink {
	return &JSONLinesSink{enc: json.NewEncoder(w)}
}

// Name implements namedSink.
func (s *JSONLinesSink) Name() string { return "jsonl" }

// Publish implements ObstacleSink.
func (s *JSONLinesSink) Publish(_ context.Context, out Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(ToJSON(out))
}

// LatestSink keeps the most recent output for the debug monitor.
type LatestSink struct {
	mu   sync.RWMutex
	last Output
	has  bool
}

// Name implements namedSink.
func (s *LatestSink) Name() string { return "latest" }

// Publish implements ObstacleSink.
func (s *LatestSink) Publish(_ context.Context, out Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = out
	s.has = true
	return nil
}

// Latest returns the most recent output.
func (s *LatestSink) Latest() (Output, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.has
}
