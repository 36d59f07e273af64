package monitor

import (
	"fmt"
	"io"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/samber/lo"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/obstacle-fusion/internal/fusion/l4tracks"
	"github.com/banshee-data/obstacle-fusion/internal/fusion/storage/sqlite"
)

// Trail is the centroid history of one track in world coordinates.
type Trail struct {
	TrackID uint64
	Label   string
	Points  []r3.Vector
}

// TrailsFromObstacles builds trails from live tracks.
func TrailsFromObstacles(obstacles []l4tracks.Obstacle) []Trail {
	return lo.Map(obstacles, func(o l4tracks.Obstacle, _ int) Trail {
		pts := lo.Map(o.History, func(p l4tracks.TrackPoint, _ int) r3.Vector { return p.Position })
		if len(pts) == 0 {
			pts = []r3.Vector{o.Centroid}
		}
		return Trail{TrackID: o.ID, Label: o.Label, Points: pts}
	})
}

// TrailsFromRecords groups recorded observations into per-track trails
// sorted by track id. Records are expected in time order.
func TrailsFromRecords(records []sqlite.ObstacleRecord) []Trail {
	byTrack := lo.GroupBy(records, func(r sqlite.ObstacleRecord) uint64 { return r.TrackID })
	ids := lo.Keys(byTrack)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return lo.Map(ids, func(id uint64, _ int) Trail {
		recs := byTrack[id]
		return Trail{
			TrackID: id,
			Label:   recs[len(recs)-1].Label,
			Points:  lo.Map(recs, func(r sqlite.ObstacleRecord, _ int) r3.Vector { return r.Position }),
		}
	})
}

// WriteBirdsEyePNG renders trails as a top-down X/Y plot. The last point
// of each trail is drawn as a marker.
func WriteBirdsEyePNG(w io.Writer, title string, trails []Trail) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	for i, tr := range trails {
		if len(tr.Points) == 0 {
			continue
		}
		xys := make(plotter.XYs, len(tr.Points))
		for j, pt := range tr.Points {
			xys[j] = plotter.XY{X: pt.X, Y: pt.Y}
		}
		colour := plotutil.Color(i)

		if len(xys) > 1 {
			line, err := plotter.NewLine(xys)
			if err != nil {
				return fmt.Errorf("track %d: %w", tr.TrackID, err)
			}
			line.Color = colour
			line.Width = vg.Points(1)
			p.Add(line)
		}

		head, err := plotter.NewScatter(xys[len(xys)-1:])
		if err != nil {
			return fmt.Errorf("track %d: %w", tr.TrackID, err)
		}
		head.GlyphStyle.Color = colour
		head.GlyphStyle.Radius = vg.Points(3)
		p.Add(head)
		p.Legend.Add(fmt.Sprintf("%d %s", tr.TrackID, tr.Label), head)
	}

	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}
