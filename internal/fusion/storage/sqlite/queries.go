package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/golang/geo/r3"
)

// ErrNoRuns is returned when the database holds no recorded run.
var ErrNoRuns = errors.New("no recorded runs")

// Run summarises one recording.
type Run struct {
	RunID      string
	StageID    string
	StartedAt  time.Time
	FinishedAt time.Time // zero while the run is open
	Cycles     int
	Obstacles  int
	ConfigJSON string
}

// ObstacleRecord is one recorded obstacle observation.
type ObstacleRecord struct {
	RunID      string
	CycleID    int64
	Tick       uint64
	TrackID    uint64
	State      string
	Label      string
	ClassID    int
	Confidence float64
	Position   r3.Vector
	Extent     r3.Vector
	Velocity   *r3.Vector
	Support    int
	Timestamp  time.Time
}

// ListRuns returns every run, newest first.
func (db *DB) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.run_id, r.stage_id, r.started_unix_ns, r.finished_unix_ns, r.config_json,
			(SELECT COUNT(*) FROM fusion_cycles c WHERE c.run_id = r.run_id),
			(SELECT COUNT(*) FROM fusion_obstacles o WHERE o.run_id = r.run_id)
		FROM fusion_runs r
		ORDER BY r.started_unix_ns DESC, r.rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.RunID, &r.StageID, &started, &finished, &r.ConfigJSON, &r.Cycles, &r.Obstacles); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, started)
		if finished.Valid {
			r.FinishedAt = time.Unix(0, finished.Int64)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRunID returns the most recently started run.
func (db *DB) LatestRunID(ctx context.Context) (string, error) {
	var id string
	err := db.QueryRowContext(ctx,
		`SELECT run_id FROM fusion_runs ORDER BY started_unix_ns DESC, rowid DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoRuns
	}
	return id, err
}

const obstacleColumns = `o.run_id, o.cycle_id, c.tick, o.track_id, o.state, o.label, o.class_id, o.confidence,
	o.x, o.y, o.z, o.extent_x, o.extent_y, o.extent_z, o.vx, o.vy, o.vz, o.support, o.evidence_unix_ns`

// ListObstacles returns the recorded observations of a run in cycle order.
// limit <= 0 returns everything.
func (db *DB) ListObstacles(ctx context.Context, runID string, limit int) ([]ObstacleRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	return db.queryObstacles(ctx, `
		SELECT `+obstacleColumns+`
		FROM fusion_obstacles o JOIN fusion_cycles c ON c.cycle_id = o.cycle_id
		WHERE o.run_id = ?
		ORDER BY o.cycle_id, o.track_id
		LIMIT ?`, runID, limit)
}

// TrackTrail returns every observation of one track in time order.
func (db *DB) TrackTrail(ctx context.Context, runID string, trackID uint64) ([]ObstacleRecord, error) {
	return db.queryObstacles(ctx, `
		SELECT `+obstacleColumns+`
		FROM fusion_obstacles o JOIN fusion_cycles c ON c.cycle_id = o.cycle_id
		WHERE o.run_id = ? AND o.track_id = ?
		ORDER BY o.evidence_unix_ns, o.cycle_id`, runID, int64(trackID))
}

func (db *DB) queryObstacles(ctx context.Context, query string, args ...any) ([]ObstacleRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ObstacleRecord
	for rows.Next() {
		var rec ObstacleRecord
		var tick, trackID, evidence int64
		var vx, vy, vz sql.NullFloat64
		if err := rows.Scan(
			&rec.RunID, &rec.CycleID, &tick, &trackID, &rec.State, &rec.Label, &rec.ClassID, &rec.Confidence,
			&rec.Position.X, &rec.Position.Y, &rec.Position.Z, &rec.Extent.X, &rec.Extent.Y, &rec.Extent.Z,
			&vx, &vy, &vz, &rec.Support, &evidence,
		); err != nil {
			return nil, err
		}
		rec.Tick = uint64(tick)
		rec.TrackID = uint64(trackID)
		rec.Timestamp = time.Unix(0, evidence)
		if vx.Valid && vy.Valid && vz.Valid {
			rec.Velocity = &r3.Vector{X: vx.Float64, Y: vy.Float64, Z: vz.Float64}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
