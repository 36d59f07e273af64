package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/obstacle-fusion/internal/fusion/pipeline"
	"github.com/banshee-data/obstacle-fusion/internal/fusion/storage/sqlite"
	"github.com/banshee-data/obstacle-fusion/internal/httputil"
	"github.com/banshee-data/obstacle-fusion/internal/telemetry"
	"github.com/banshee-data/obstacle-fusion/internal/version"
)

// Config contains the dependencies of the debug server.
type Config struct {
	Address string
	Stage   *pipeline.FusionStage
	Latest  *pipeline.LatestSink // Optional: enables /api/obstacles
	Node    *pipeline.Node       // Optional: adds mailbox counters to /healthz
	Metrics *telemetry.Metrics   // Optional: enables /metrics
	DB      *sqlite.DB           // Optional: enables /api/runs and tailsql
}

// Server is the debug HTTP server.
type Server struct {
	cfg    Config
	server *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Stage == nil {
		return nil, errors.New("monitor requires a fusion stage")
	}
	s := &Server{cfg: cfg}
	mux, err := s.setupRoutes()
	if err != nil {
		return nil, err
	}
	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) setupRoutes() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/tracks", s.handleTracks)
	mux.HandleFunc("/api/obstacles", s.handleLatest)
	mux.HandleFunc("/debug/obstacles/scatter", s.handleScatter)
	mux.HandleFunc("/debug/obstacles/plot.png", s.handlePlot)
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", s.cfg.Metrics.Handler())
	}
	if s.cfg.DB != nil {
		mux.HandleFunc("/api/runs", s.handleRuns)
		if err := s.cfg.DB.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// Start serves in the background until ctx is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		log.Printf("Starting fusion monitor on %s", s.cfg.Address)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("monitor server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("monitor shutdown: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	StageID   string `json:"stage_id"`
	Frames    int    `json:"frames"`
	Discarded uint64 `json:"discarded_halves"`
	Tentative int    `json:"tentative_tracks"`
	Confirmed int    `json:"confirmed_tracks"`
	Created   uint64 `json:"tracks_created"`
	Lost      uint64 `json:"tracks_lost"`
	Pending   int    `json:"mailbox_pending"`
	Dropped   uint64 `json:"mailbox_dropped"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGet(w, r) {
		return
	}
	st := s.cfg.Stage
	resp := healthResponse{
		Status:    "ok",
		Version:   version.String(),
		StageID:   st.ID(),
		Frames:    st.Store().Len(),
		Discarded: st.Store().Discarded(),
	}
	resp.Tentative, resp.Confirmed = st.Aggregator().TrackCounts()
	resp.Created, resp.Lost = st.Aggregator().Totals()
	if s.cfg.Node != nil {
		resp.Pending = s.cfg.Node.Pending()
		resp.Dropped = s.cfg.Node.Dropped()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGet(w, r) {
		return
	}
	out := pipeline.ToJSON(pipeline.Output{Obstacles: s.cfg.Stage.Aggregator().Snapshot()})
	httputil.WriteJSON(w, http.StatusOK, out.Obstacles)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGet(w, r) {
		return
	}
	if s.cfg.Latest == nil {
		httputil.NotFound(w, "latest output is not tracked")
		return
	}
	out, ok := s.cfg.Latest.Latest()
	if !ok {
		httputil.NotFound(w, "no cycle has run yet")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pipeline.ToJSON(out))
}

// trails resolves the trails to draw: a recorded run when run_id is given
// (or run_id=latest), otherwise the live tracks.
func (s *Server) trails(r *http.Request) ([]Trail, string, error) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" || s.cfg.DB == nil {
		return TrailsFromObstacles(s.cfg.Stage.Aggregator().Snapshot()), "live", nil
	}
	if runID == "latest" {
		id, err := s.cfg.DB.LatestRunID(r.Context())
		if err != nil {
			return nil, "", err
		}
		runID = id
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}
	records, err := s.cfg.DB.ListObstacles(r.Context(), runID, limit)
	if err != nil {
		return nil, "", err
	}
	return TrailsFromRecords(records), "run " + runID, nil
}

func (s *Server) handleScatter(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGet(w, r) {
		return
	}
	trails, source, err := s.trails(r)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	var buf bytes.Buffer
	if err := renderScatter(&buf, fmt.Sprintf("%s tracks=%d", source, len(trails)), trails); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handlePlot(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGet(w, r) {
		return
	}
	trails, source, err := s.trails(r)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	var buf bytes.Buffer
	if err := WriteBirdsEyePNG(&buf, "Fused obstacles ("+source+")", trails); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

type runResponse struct {
	RunID      string     `json:"run_id"`
	StageID    string     `json:"stage_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Cycles     int        `json:"cycles"`
	Obstacles  int        `json:"obstacles"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGet(w, r) {
		return
	}
	runs, err := s.cfg.DB.ListRuns(r.Context())
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		rr := runResponse{
			RunID:     run.RunID,
			StageID:   run.StageID,
			StartedAt: run.StartedAt,
			Cycles:    run.Cycles,
			Obstacles: run.Obstacles,
		}
		if !run.FinishedAt.IsZero() {
			finished := run.FinishedAt
			rr.FinishedAt = &finished
		}
		resp = append(resp, rr)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
