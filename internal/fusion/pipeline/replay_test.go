package pipeline

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/obstacle-fusion/internal/timeutil"
)

func recordScenario(t *testing.T, ticks int) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := NewReplayWriter(&buf)
	for i := 1; i <= ticks; i++ {
		tick := uint64(i)
		ts := t0.Add(time.Duration(i-1) * 400 * time.Millisecond)
		msgs := append(geometryMessages(tick, ts), bboxMessage(tick, ts))
		for _, m := range msgs {
			if err := w.Write(m); err != nil {
				t.Fatalf("write %s tick %d: %v", m.Topic, tick, err)
			}
		}
	}
	return &buf
}

func TestReplay_Synchronous(t *testing.T) {
	rec := newTickRecorder()
	n := newTestNode(t, NodeConfig{MailboxSize: 1}, rec)

	stats, err := Replay(context.Background(), recordScenario(t, 3), n, ReplayOptions{Synchronous: true})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if want := (ReplayStats{Messages: 9, Cycles: 3}); stats != want {
		t.Errorf("stats = %v, want %v", stats, want)
	}
	if got := rec.Ticks(); !slices.Equal(got, []uint64{1, 2, 3}) {
		t.Errorf("published ticks = %v, want [1 2 3]", got)
	}
	if n.Dropped() != 0 {
		t.Errorf("dropped %d batches in synchronous replay", n.Dropped())
	}

	last := rec.outs[len(rec.outs)-1]
	if len(last.Obstacles) != 1 {
		t.Fatalf("last cycle has %d obstacles, want 1", len(last.Obstacles))
	}
	if last.Obstacles[0].ID != 1 || last.Stale {
		t.Errorf("last obstacle id=%d stale=%v, want id 1 on fresh geometry", last.Obstacles[0].ID, last.Stale)
	}
}

func TestReplay_PacedUsesRecordedGaps(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	n := newTestNode(t, NodeConfig{})

	_, err := Replay(context.Background(), recordScenario(t, 3), n, ReplayOptions{Clock: clock, Paced: true, Synchronous: true})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	want := []time.Duration{400 * time.Millisecond, 400 * time.Millisecond}
	if got := clock.Sleeps(); !slices.Equal(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
}

func TestReplay_SkipsBadLines(t *testing.T) {
	n := newTestNode(t, NodeConfig{})
	input := strings.Join([]string{
		`not json`,
		``,
		`{"topic":"lanes","tick":1,"ts":"2023-11-14T22:13:20Z","data":""}`,
		`{"topic":"lidar_pc","tick":1,"ts":"2023-11-14T22:13:20Z","data":"AAAA"}`,
	}, "\n")

	stats, err := Replay(context.Background(), strings.NewReader(input), n, ReplayOptions{Synchronous: true})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if stats.Messages != 2 || stats.Malformed != 3 {
		t.Errorf("stats = %v, want messages=2 malformed=3", stats)
	}
}

func TestReplay_Cancelled(t *testing.T) {
	n := newTestNode(t, NodeConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Replay(ctx, recordScenario(t, 1), n, ReplayOptions{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Replay() = %v, want context.Canceled", err)
	}
}

func TestReplay_CancelDuringRecordedGap(t *testing.T) {
	var buf bytes.Buffer
	w := NewReplayWriter(&buf)
	msgs := append(geometryMessages(1, t0), geometryMessages(2, t0.Add(time.Minute))...)
	for _, m := range msgs {
		if err := w.Write(m); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	n := newTestNode(t, NodeConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	began := time.Now()
	stats, err := Replay(ctx, &buf, n, ReplayOptions{Paced: true})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Replay() = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(began); elapsed >= 10*time.Second {
		t.Errorf("Replay waited %v through the recorded gap", elapsed)
	}
	if stats.Messages != 3 {
		t.Errorf("delivered %d messages, want 3 (nothing after the gap)", stats.Messages)
	}
}
