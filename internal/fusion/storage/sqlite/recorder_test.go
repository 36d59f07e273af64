package sqlite

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/obstacle-fusion/internal/config"
	"github.com/banshee-data/obstacle-fusion/internal/fusion/l4tracks"
	"github.com/banshee-data/obstacle-fusion/internal/fusion/pipeline"
)

var t0 = time.Unix(1_700_000_000, 0)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "fusion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func cycle(tick uint64, ts time.Time, obstacles ...l4tracks.Obstacle) pipeline.Output {
	return pipeline.Output{
		Tick:           tick,
		BatchTimestamp: ts,
		FrameTick:      tick,
		FrameTimestamp: ts,
		Obstacles:      obstacles,
	}
}

func TestMigrations(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "fusion.db"))
	require.NoError(t, err)
	defer db.Close()

	v, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateUp())
	require.NoError(t, db.MigrateUp(), "second run is a no-op")
	v, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)

	require.NoError(t, db.MigrateDown())
	v, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
}

func TestRecorder_PublishAndQuery(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec, err := NewRecorder(ctx, db, "stage-1", config.MustLoadDefaultConfig())
	require.NoError(t, err)
	assert.NotEmpty(t, rec.RunID())

	car := l4tracks.Obstacle{
		ID: 1, State: l4tracks.TrackTentative, Label: "car", ClassID: 2, Confidence: 0.9, Support: 2,
		Centroid: r3.Vector{X: 5, Y: 0.05, Z: 1}, Extent: r3.Vector{Y: 0.1}, Timestamp: t0,
	}
	require.NoError(t, rec.Publish(ctx, cycle(1, t0, car)))

	t1 := t0.Add(400 * time.Millisecond)
	car.State = l4tracks.TrackConfirmed
	car.Centroid.X = 6
	car.Timestamp = t1
	car.Velocity = r3.Vector{X: 2.5}
	car.HasVelocity = true
	require.NoError(t, rec.Publish(ctx, cycle(2, t1, car)))

	skipped := pipeline.Output{Tick: 3, BatchTimestamp: t1.Add(time.Second), Skipped: true, SkipReason: pipeline.SkipNoGeometry}
	require.NoError(t, rec.Publish(ctx, skipped))
	assert.Equal(t, uint64(3), rec.Cycles())

	all, err := db.ListObstacles(ctx, rec.RunID(), 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, uint64(1), all[0].Tick)
	assert.Equal(t, "tentative", all[0].State)
	assert.Nil(t, all[0].Velocity)
	assert.True(t, all[0].Timestamp.Equal(t0))
	assert.InDelta(t, 0.1, all[0].Extent.Y, 1e-12)

	require.NotNil(t, all[1].Velocity)
	assert.Equal(t, 2.5, all[1].Velocity.X)
	assert.Equal(t, "confirmed", all[1].State)

	limited, err := db.ListObstacles(ctx, rec.RunID(), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	trail, err := db.TrackTrail(ctx, rec.RunID(), 1)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, 5.0, trail[0].Position.X)
	assert.Equal(t, 6.0, trail[1].Position.X)

	runs, err := db.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "stage-1", runs[0].StageID)
	assert.Equal(t, 3, runs[0].Cycles)
	assert.Equal(t, 2, runs[0].Obstacles)
	assert.True(t, runs[0].FinishedAt.IsZero())
	assert.Contains(t, runs[0].ConfigJSON, "gate_distance_meters")

	require.NoError(t, rec.Close(ctx))
	require.NoError(t, rec.Close(ctx))
	assert.Error(t, rec.Publish(ctx, cycle(4, t1)))

	runs, err = db.ListRuns(ctx)
	require.NoError(t, err)
	assert.False(t, runs[0].FinishedAt.IsZero())
}

func TestRecorder_AsPipelineSink(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rec, err := NewRecorder(ctx, db, "stage", nil)
	require.NoError(t, err)

	var sink pipeline.ObstacleSink = rec
	require.NoError(t, sink.Publish(ctx, cycle(1, t0)))

	latest, err := db.LatestRunID(ctx)
	require.NoError(t, err)
	assert.Equal(t, rec.RunID(), latest)
}

func TestLatestRunID_Empty(t *testing.T) {
	db := openTestDB(t)
	_, err := db.LatestRunID(context.Background())
	assert.ErrorIs(t, err, ErrNoRuns)
}

func TestRunsAreSeparate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	a, err := NewRecorder(ctx, db, "a", nil)
	require.NoError(t, err)
	b, err := NewRecorder(ctx, db, "b", nil)
	require.NoError(t, err)
	require.NotEqual(t, a.RunID(), b.RunID())

	require.NoError(t, a.Publish(ctx, cycle(1, t0, l4tracks.Obstacle{ID: 1, Label: "car", Timestamp: t0})))

	got, err := db.ListObstacles(ctx, b.RunID(), 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAttachAdminRoutes(t *testing.T) {
	db := openTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/tailsql/", nil)
	_, pattern := mux.Handler(req)
	assert.NotEmpty(t, pattern, "debug routes are mounted")
}
