package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/obstacle-fusion/internal/fusion/pipeline"
)

// Recorder appends every fusion cycle of one run to the database. It
// implements pipeline.ObstacleSink.
type Recorder struct {
	db    *DB
	runID string

	mu     sync.Mutex
	closed bool

	cycles atomic.Uint64
}

// NewRecorder starts a new run. tuning is stored as JSON alongside the run
// so recorded output can be matched to the parameters that produced it.
func NewRecorder(ctx context.Context, db *DB, stageID string, tuning any) (*Recorder, error) {
	cfgJSON := []byte("{}")
	if tuning != nil {
		b, err := json.Marshal(tuning)
		if err != nil {
			return nil, fmt.Errorf("encode run config: %w", err)
		}
		cfgJSON = b
	}

	runID := uuid.NewString()
	_, err := db.ExecContext(ctx,
		`INSERT INTO fusion_runs (run_id, stage_id, started_unix_ns, config_json) VALUES (?, ?, ?, ?)`,
		runID, stageID, time.Now().UnixNano(), string(cfgJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &Recorder{db: db, runID: runID}, nil
}

// RunID returns the id of the run being recorded.
func (r *Recorder) RunID() string { return r.runID }

// Cycles returns how many cycles have been written.
func (r *Recorder) Cycles() uint64 { return r.cycles.Load() }

// Name implements the pipeline sink naming hook.
func (r *Recorder) Name() string { return "sqlite" }

// Publish writes one cycle and its obstacles in a single transaction.
func (r *Recorder) Publish(ctx context.Context, out pipeline.Output) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("recorder for run %s is closed", r.runID)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var frameTick, frameTS sql.NullInt64
	if !out.FrameTimestamp.IsZero() {
		frameTick = sql.NullInt64{Int64: int64(out.FrameTick), Valid: true}
		frameTS = sql.NullInt64{Int64: out.FrameTimestamp.UnixNano(), Valid: true}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO fusion_cycles (
			run_id, tick, batch_unix_ns, frame_tick, frame_unix_ns, stale, skipped, skip_reason,
			boxes, malformed, projected, estimates, duration_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.runID, int64(out.Tick), out.BatchTimestamp.UnixNano(), frameTick, frameTS,
		out.Stale, out.Skipped, out.SkipReason,
		out.Stats.Boxes, out.Stats.Malformed, out.Stats.Projected, out.Stats.Association.Estimates,
		int64(out.Stats.Duration),
	)
	if err != nil {
		return fmt.Errorf("insert cycle %d: %w", out.Tick, err)
	}
	cycleID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fusion_obstacles (
			cycle_id, run_id, track_id, state, label, class_id, confidence,
			x, y, z, extent_x, extent_y, extent_z, vx, vy, vz, support, evidence_unix_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range out.Obstacles {
		var vx, vy, vz sql.NullFloat64
		if o.HasVelocity {
			vx = sql.NullFloat64{Float64: o.Velocity.X, Valid: true}
			vy = sql.NullFloat64{Float64: o.Velocity.Y, Valid: true}
			vz = sql.NullFloat64{Float64: o.Velocity.Z, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			cycleID, r.runID, int64(o.ID), string(o.State), o.Label, o.ClassID, o.Confidence,
			o.Centroid.X, o.Centroid.Y, o.Centroid.Z, o.Extent.X, o.Extent.Y, o.Extent.Z,
			vx, vy, vz, o.Support, o.Timestamp.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert obstacle %d: %w", o.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	r.cycles.Add(1)
	return nil
}

// Close marks the run finished. Further Publish calls fail.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	_, err := r.db.ExecContext(ctx,
		`UPDATE fusion_runs SET finished_unix_ns = ? WHERE run_id = ?`,
		time.Now().UnixNano(), r.runID,
	)
	return err
}
