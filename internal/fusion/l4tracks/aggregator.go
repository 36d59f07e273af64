package l4tracks

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/obstacle-fusion/internal/config"
	"github.com/banshee-data/obstacle-fusion/internal/fusion/l3association"
)

// TrackState represents the lifecycle state of a track.
type TrackState string

const (
	TrackTentative TrackState = "tentative" // New track, needs confirmation
	TrackConfirmed TrackState = "confirmed" // Re-observed enough times
	TrackLost      TrackState = "lost"      // Terminal, removed from the live set
)

// DefaultMaxHistoryLength bounds the per-track centroid trail.
const DefaultMaxHistoryLength = 32

// ErrOutOfOrder is returned by Update when the cycle timestamp precedes the
// previous update. The live set is left untouched.
var ErrOutOfOrder = errors.New("cycle timestamp precedes last update")

// TrackerConfig holds configuration parameters for the aggregator.
type TrackerConfig struct {
	GateDistance     float64 // Max centroid distance for a match (metres)
	MaxLostCycles    int     // Consecutive misses tolerated before a track is lost
	HitsToConfirm    int     // Consecutive hits needed for confirmation
	MaxTracks        int     // Maximum number of live tracks
	EmitCoasting     bool    // Also emit live tracks that were not observed this cycle
	MaxHistoryLength int     // Maximum centroid trail length
}

// DefaultTrackerConfig returns the production defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfigFromTuning(config.EmptyFusionConfig())
}

// TrackerConfigFromTuning builds a TrackerConfig from a loaded FusionConfig.
func TrackerConfigFromTuning(cfg *config.FusionConfig) TrackerConfig {
	return TrackerConfig{
		GateDistance:     cfg.GetGateDistanceMeters(),
		MaxLostCycles:    cfg.GetMaxLostCycles(),
		HitsToConfirm:    cfg.GetHitsToConfirm(),
		MaxTracks:        cfg.GetMaxTracks(),
		EmitCoasting:     cfg.GetEmitCoasting(),
		MaxHistoryLength: DefaultMaxHistoryLength,
	}
}

// TrackPoint is one entry in a track's centroid trail.
type TrackPoint struct {
	Position  r3.Vector
	Timestamp time.Time
}

// Obstacle is the published view of a tracked object.
type Obstacle struct {
	ID    uint64
	State TrackState

	Centroid   r3.Vector
	Extent     r3.Vector
	Label      string
	ClassID    int
	Confidence float64
	Support    int

	// Timestamp is the time of the evidence behind Centroid.
	Timestamp time.Time
	FirstSeen time.Time

	Velocity    r3.Vector
	HasVelocity bool

	Hits   int // Consecutive cycles matched
	Misses int // Consecutive cycles unmatched

	History []TrackPoint
}

// Speed is the magnitude of the velocity estimate in m/s.
func (o Obstacle) Speed() float64 { return o.Velocity.Norm() }

func (o *Obstacle) clone() Obstacle {
	c := *o
	c.History = append([]TrackPoint(nil), o.History...)
	return c
}

// UpdateStats summarises one Update call.
type UpdateStats struct {
	Estimates int
	Matched   int
	Created   int
	Lost      int
	Rejected  int // new tracks refused because MaxTracks was reached
	Live      int
}

func (s UpdateStats) String() string {
	return fmt.Sprintf("estimates=%d matched=%d created=%d lost=%d rejected=%d live=%d",
		s.Estimates, s.Matched, s.Created, s.Lost, s.Rejected, s.Live)
}

// Aggregator assigns stable ids to estimates across cycles.
//
// Only one goroutine should call Update; the lock makes each update atomic
// with respect to Snapshot readers and UpdateConfig.
type Aggregator struct {
	Config TrackerConfig

	tracks      map[uint64]*Obstacle
	nextID      uint64
	lastUpdate  time.Time
	hasUpdated  bool
	lastStats   UpdateStats
	totalLost   uint64
	totalTracks uint64

	mu sync.RWMutex
}

// NewAggregator creates an aggregator with an empty live set.
func NewAggregator(cfg TrackerConfig) *Aggregator {
	return &Aggregator{
		Config: cfg,
		tracks: make(map[uint64]*Obstacle),
		nextID: 1,
	}
}

// UpdateConfig applies fn to the configuration under the aggregator lock.
func (a *Aggregator) UpdateConfig(fn func(*TrackerConfig)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.Config)
}

// Reset clears every track and restarts id allocation.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tracks = make(map[uint64]*Obstacle)
	a.nextID = 1
	a.lastUpdate = time.Time{}
	a.hasUpdated = false
	a.lastStats = UpdateStats{}
	a.totalLost = 0
	a.totalTracks = 0
}

type candidate struct {
	trackID  uint64
	estimate int
	dist     float64
}

// Update folds one cycle of estimates into the live set and returns the
// obstacles observed this cycle sorted by id (plus coasting tracks when
// EmitCoasting is set). An empty estimate set ages every track.
func (a *Aggregator) Update(estimates []l3association.Estimate, ts time.Time) ([]Obstacle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.hasUpdated && ts.Before(a.lastUpdate) {
		return nil, fmt.Errorf("%w: %s < %s", ErrOutOfOrder, ts.Format(time.RFC3339Nano), a.lastUpdate.Format(time.RFC3339Nano))
	}
	a.lastUpdate = ts
	a.hasUpdated = true

	stats := UpdateStats{Estimates: len(estimates)}

	// Step 1: gate every (track, estimate) pair on label and distance.
	var cands []candidate
	for id, tr := range a.tracks {
		for ei, e := range estimates {
			if e.Label != tr.Label {
				continue
			}
			d := e.Centroid.Distance(tr.Centroid)
			if d <= a.Config.GateDistance {
				cands = append(cands, candidate{trackID: id, estimate: ei, dist: d})
			}
		}
	}

	// Step 2: global greedy assignment, nearest first; ties go to the
	// earliest-created id, then to the earliest estimate.
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		if cands[i].trackID != cands[j].trackID {
			return cands[i].trackID < cands[j].trackID
		}
		return cands[i].estimate < cands[j].estimate
	})
	matchedTrack := make(map[uint64]bool)
	matchedEstimate := make([]bool, len(estimates))
	for _, c := range cands {
		if matchedTrack[c.trackID] || matchedEstimate[c.estimate] {
			continue
		}
		matchedTrack[c.trackID] = true
		matchedEstimate[c.estimate] = true
		a.observe(a.tracks[c.trackID], estimates[c.estimate])
		stats.Matched++
	}

	// Step 3: age unmatched tracks; more than MaxLostCycles misses is terminal.
	for id, tr := range a.tracks {
		if matchedTrack[id] {
			continue
		}
		tr.Misses++
		tr.Hits = 0
		if tr.Misses > a.Config.MaxLostCycles {
			tr.State = TrackLost
			delete(a.tracks, id)
			stats.Lost++
			a.totalLost++
		}
	}

	// Step 4: unmatched estimates start tentative tracks.
	for ei, e := range estimates {
		if matchedEstimate[ei] {
			continue
		}
		if a.Config.MaxTracks > 0 && len(a.tracks) >= a.Config.MaxTracks {
			stats.Rejected++
			continue
		}
		id := a.initTrack(e)
		matchedTrack[id] = true
		stats.Created++
	}

	out := make([]Obstacle, 0, len(a.tracks))
	for id, tr := range a.tracks {
		if matchedTrack[id] || a.Config.EmitCoasting {
			out = append(out, tr.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	stats.Live = len(a.tracks)
	a.lastStats = stats
	return out, nil
}

func (a *Aggregator) initTrack(e l3association.Estimate) uint64 {
	id := a.nextID
	a.nextID++
	a.totalTracks++

	state := TrackTentative
	if a.Config.HitsToConfirm <= 1 {
		state = TrackConfirmed
	}
	a.tracks[id] = &Obstacle{
		ID:         id,
		State:      state,
		Centroid:   e.Centroid,
		Extent:     e.Extent,
		Label:      e.Label,
		ClassID:    e.ClassID,
		Confidence: e.Confidence,
		Support:    e.Support(),
		Timestamp:  e.Timestamp,
		FirstSeen:  e.Timestamp,
		Hits:       1,
		History:    []TrackPoint{{Position: e.Centroid, Timestamp: e.Timestamp}},
	}
	return id
}

func (a *Aggregator) observe(tr *Obstacle, e l3association.Estimate) {
	if dt := e.Timestamp.Sub(tr.Timestamp); dt > 0 {
		tr.Velocity = e.Centroid.Sub(tr.Centroid).Mul(1 / dt.Seconds())
		tr.HasVelocity = true
	}

	tr.Centroid = e.Centroid
	tr.Extent = e.Extent
	tr.ClassID = e.ClassID
	tr.Confidence = e.Confidence
	tr.Support = e.Support()
	tr.Timestamp = e.Timestamp
	tr.Hits++
	tr.Misses = 0

	if tr.State == TrackTentative && tr.Hits >= a.Config.HitsToConfirm {
		tr.State = TrackConfirmed
	}

	tr.History = append(tr.History, TrackPoint{Position: e.Centroid, Timestamp: e.Timestamp})
	if limit := a.Config.MaxHistoryLength; limit > 0 && len(tr.History) > limit {
		tr.History = tr.History[len(tr.History)-limit:]
	}
}

// Snapshot returns copies of every live track sorted by id.
func (a *Aggregator) Snapshot() []Obstacle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Obstacle, 0, len(a.tracks))
	for _, tr := range a.tracks {
		out = append(out, tr.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of the live track with the given id.
func (a *Aggregator) Get(id uint64) (Obstacle, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	tr, ok := a.tracks[id]
	if !ok {
		return Obstacle{}, false
	}
	return tr.clone(), true
}

// TrackCounts returns the number of live tracks by state.
func (a *Aggregator) TrackCounts() (tentative, confirmed int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, tr := range a.tracks {
		switch tr.State {
		case TrackTentative:
			tentative++
		case TrackConfirmed:
			confirmed++
		}
	}
	return tentative, confirmed
}

// LastStats returns the summary of the most recent Update.
func (a *Aggregator) LastStats() UpdateStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastStats
}

// Totals returns the number of tracks ever created and ever lost.
func (a *Aggregator) Totals() (created, lost uint64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.totalTracks, a.totalLost
}
