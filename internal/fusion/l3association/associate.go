package l3association

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/obstacle-fusion/internal/config"
	"github.com/banshee-data/obstacle-fusion/internal/fusion/l1sensors"
	"github.com/banshee-data/obstacle-fusion/internal/fusion/l2projection"
)

// Policy selects how the representative position of a box is resolved
// from its matched points.
type Policy string

const (
	// PolicyMedian takes the component-wise median of the matched world
	// points. Even counts average the two middle values.
	PolicyMedian Policy = config.PolicyMedian
	// PolicyClosestQuartile takes the matched point at the 25th percentile
	// of depth, which rejects background points leaking into the box.
	PolicyClosestQuartile Policy = config.PolicyClosestQuartile
)

// Config holds association parameters.
type Config struct {
	Policy Policy
	// MaxExtent clips each axis of the estimated extent, in metres.
	// Zero disables clipping.
	MaxExtent float64
	// MinConfidence drops boxes below this detector confidence.
	MinConfidence float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyFusionConfig())
}

// ConfigFromTuning extracts the association parameters from a FusionConfig.
func ConfigFromTuning(cfg *config.FusionConfig) Config {
	return Config{
		Policy:        Policy(cfg.GetAssociationPolicy()),
		MaxExtent:     cfg.GetMaxExtentMeters(),
		MinConfidence: cfg.GetMinConfidence(),
	}
}

// Estimate is an anonymous 3D obstacle observation resolved from one box.
type Estimate struct {
	Centroid r3.Vector
	// Extent is the axis-aligned size of the matched points (x, y, z).
	Extent     r3.Vector
	Label      string
	ClassID    int
	Confidence float64
	// Timestamp is the time of the geometry the estimate was resolved from.
	Timestamp time.Time
	// Members indexes the supporting points in the projected input.
	Members []int
	// BoxIndex is the position of the source box in the input batch.
	BoxIndex int
}

// Support is the number of LIDAR points backing the estimate.
func (e Estimate) Support() int { return len(e.Members) }

// Stats summarises one association pass.
type Stats struct {
	Boxes         int
	Estimates     int
	Unmatched     int // boxes with zero supporting points
	LowConfidence int // boxes under MinConfidence
	MatchedPoints int
}

func (s Stats) String() string {
	return fmt.Sprintf("boxes=%d estimates=%d unmatched=%d low_conf=%d points=%d",
		s.Boxes, s.Estimates, s.Unmatched, s.LowConfidence, s.MatchedPoints)
}

// Associate resolves one estimate per box that contains at least one
// projected point. Boxes with no support are dropped and counted in Stats.
// at is stamped on every estimate and should be the geometry timestamp.
//
// Associate is pure and safe to call concurrently.
func Associate(boxes []l1sensors.BoundingBox2D, projected []l2projection.Projected, at time.Time, cfg Config) ([]Estimate, Stats) {
	st := Stats{Boxes: len(boxes)}
	estimates := make([]Estimate, 0, len(boxes))

	for bi, box := range boxes {
		if box.Confidence < cfg.MinConfidence {
			st.LowConfidence++
			continue
		}

		var members []int
		for pi, p := range projected {
			if box.Contains(p.Pixel.X, p.Pixel.Y) {
				members = append(members, pi)
			}
		}
		if len(members) == 0 {
			st.Unmatched++
			continue
		}

		centroid, extent := resolve(projected, members, cfg)
		estimates = append(estimates, Estimate{
			Centroid:   centroid,
			Extent:     extent,
			Label:      box.Label,
			ClassID:    box.ClassID,
			Confidence: box.Confidence,
			Timestamp:  at,
			Members:    members,
			BoxIndex:   bi,
		})
		st.MatchedPoints += len(members)
	}

	st.Estimates = len(estimates)
	return estimates, st
}

func resolve(projected []l2projection.Projected, members []int, cfg Config) (centroid, extent r3.Vector) {
	xs := make([]float64, len(members))
	ys := make([]float64, len(members))
	zs := make([]float64, len(members))
	for i, m := range members {
		w := projected[m].World
		xs[i], ys[i], zs[i] = w.X, w.Y, w.Z
	}

	extent = r3.Vector{
		X: clip(floats.Max(xs)-floats.Min(xs), cfg.MaxExtent),
		Y: clip(floats.Max(ys)-floats.Min(ys), cfg.MaxExtent),
		Z: clip(floats.Max(zs)-floats.Min(zs), cfg.MaxExtent),
	}

	switch cfg.Policy {
	case PolicyClosestQuartile:
		centroid = closestQuartile(projected, members)
	default:
		centroid = r3.Vector{X: median(xs), Y: median(ys), Z: median(zs)}
	}
	return centroid, extent
}

// median never fails here: the input is non-empty.
func median(v []float64) float64 {
	m, err := stats.Median(v)
	if err != nil {
		return math.NaN()
	}
	return m
}

func closestQuartile(projected []l2projection.Projected, members []int) r3.Vector {
	order := make([]int, len(members))
	copy(order, members)
	sort.SliceStable(order, func(i, j int) bool {
		return projected[order[i]].Depth < projected[order[j]].Depth
	})
	return projected[order[len(order)/4]].World
}

func clip(v, limit float64) float64 {
	if limit > 0 && v > limit {
		return limit
	}
	return v
}
