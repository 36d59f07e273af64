package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/obstacle-fusion/internal/fusion/l1sensors"
	"github.com/banshee-data/obstacle-fusion/internal/fusion/l4tracks"
)

func nan() float64 { return math.NaN() }

func sampleOutput() Output {
	return Output{
		Tick:           7,
		BatchTimestamp: t0,
		FrameTick:      6,
		Stale:          true,
		Obstacles: []l4tracks.Obstacle{
			{ID: 1, State: l4tracks.TrackConfirmed, Centroid: r3.Vector{X: 5, Y: 0.05, Z: 1}, Label: "car", ClassID: 2, Confidence: 0.9, Support: 2, Timestamp: t0,
				Velocity: r3.Vector{X: 2.5}, HasVelocity: true},
			{ID: 4, State: l4tracks.TrackTentative, Centroid: r3.Vector{X: 12, Y: -3, Z: 0.5}, Label: "person", ClassID: 0, Confidence: 0.6, Support: 9, Timestamp: t0},
		},
	}
}

func TestTopicSink_EncodesObstacleRows(t *testing.T) {
	var got Message
	sink := NewTopicSink(func(_ context.Context, msg Message) error {
		got = msg
		return nil
	})

	if err := sink.Publish(context.Background(), sampleOutput()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got.Topic != TopicObstacles || got.Tick != 7 || !got.Timestamp.Equal(t0) {
		t.Errorf("message header = %q tick %d at %v", got.Topic, got.Tick, got.Timestamp)
	}

	rows, err := l1sensors.DecodeObstacles(got.Data)
	if err != nil {
		t.Fatalf("DecodeObstacles: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("decoded %d rows, want 2", len(rows))
	}
	near := func(a, b float64) bool { return math.Abs(a-b) <= 1e-6 }
	if !near(rows[0].Position.X, 5) || !near(rows[0].Position.Y, 0.05) {
		t.Errorf("row 0 position = %v, want (5, 0.05, _)", rows[0].Position)
	}
	if !near(rows[0].Confidence, 0.9) {
		t.Errorf("row 0 confidence = %v, want 0.9", rows[0].Confidence)
	}
	if rows[0].ClassID != 2 || rows[1].ClassID != 0 {
		t.Errorf("class ids = %d, %d; want 2, 0", rows[0].ClassID, rows[1].ClassID)
	}
}

func TestTopicSink_EmptyOutputStillSent(t *testing.T) {
	calls := 0
	sink := NewTopicSink(func(_ context.Context, msg Message) error {
		calls++
		if len(msg.Data) != 0 {
			t.Errorf("skipped output carried %d bytes", len(msg.Data))
		}
		return nil
	})
	if err := sink.Publish(context.Background(), Output{Skipped: true}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if calls != 1 {
		t.Errorf("publisher called %d times, want 1", calls)
	}
}

func TestJSONLinesSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONLinesSink(&buf)

	outs := []Output{
		sampleOutput(),
		{Tick: 8, BatchTimestamp: t0.Add(time.Second), Obstacles: []l4tracks.Obstacle{}},
	}
	for _, out := range outs {
		if err := sink.Publish(context.Background(), out); err != nil {
			t.Fatalf("Publish tick %d: %v", out.Tick, err)
		}
	}

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("wrote %d lines, want 2", len(lines))
	}

	var first OutputJSON
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if first.Tick != 7 || !first.Stale {
		t.Errorf("first line tick=%d stale=%v, want 7 true", first.Tick, first.Stale)
	}
	if len(first.Obstacles) != 2 {
		t.Fatalf("first line has %d obstacles, want 2", len(first.Obstacles))
	}
	if v := first.Obstacles[0].Velocity; v == nil || v[0] != 2.5 {
		t.Errorf("first velocity = %v, want [2.5 0 0]", v)
	}
	if first.Obstacles[1].Velocity != nil {
		t.Errorf("tentative obstacle without velocity encoded %v", first.Obstacles[1].Velocity)
	}
	if first.Obstacles[0].State != "confirmed" {
		t.Errorf("state = %q, want confirmed", first.Obstacles[0].State)
	}

	if !strings.Contains(string(lines[1]), `"obstacles":[]`) {
		t.Errorf("empty cycle encoded as %s", lines[1])
	}
}

func TestSinkName(t *testing.T) {
	tests := []struct {
		sink ObstacleSink
		want string
	}{
		{NewTopicSink(nil), "topic"},
		{NewJSONLinesSink(&bytes.Buffer{}), "jsonl"},
		{&LatestSink{}, "latest"},
		{SinkFunc(nil), "pipeline.SinkFunc"},
	}
	for _, tt := range tests {
		if got := sinkName(tt.sink); got != tt.want {
			t.Errorf("sinkName(%T) = %q, want %q", tt.sink, got, tt.want)
		}
	}
}

func TestIsNilInterface(t *testing.T) {
	var nilSink *LatestSink
	nils := []ObstacleSink{nil, nilSink, SinkFunc(nil)}
	for i, s := range nils {
		if !isNilInterface(s) {
			t.Errorf("case %d (%T) not reported nil", i, s)
		}
	}
	if isNilInterface(&LatestSink{}) {
		t.Error("non-nil sink reported nil")
	}
}
