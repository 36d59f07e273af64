package main

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/spf13/cobra"

	"github.com/banshee-data/obstacle-fusion/internal/fusion/l1sensors"
	"github.com/banshee-data/obstacle-fusion/internal/fusion/l2projection"
	"github.com/banshee-data/obstacle-fusion/internal/fusion/pipeline"
)

type demoOptions struct {
	*rootOptions
	Output string
	Ticks  int
	Speed  float64
}

func newDemoCommand(root *rootOptions) *cobra.Command {
	opts := &demoOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Write a synthetic topic log: a receding car and a crossing pedestrian",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out, closeOut, err := openOutput(opts.Output, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer closeOut()

			cal := l2projection.CalibrationFromConfig(cfg.GetCalibration())
			if err := cal.Validate(); err != nil {
				return err
			}
			w := pipeline.NewReplayWriter(out)
			start := time.Unix(1_700_000_000, 0).UTC()
			for i := 0; i < opts.Ticks; i++ {
				ts := start.Add(time.Duration(i) * cfg.GetTickPeriod())
				for _, msg := range demoTick(uint64(i+1), ts, float64(i)*cfg.GetTickPeriod().Seconds(), opts.Speed, cal) {
					if err := w.Write(msg); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Output, "out", "-", "topic log path, - for stdout")
	cmd.Flags().IntVar(&opts.Ticks, "ticks", 25, "number of ticks to generate")
	cmd.Flags().Float64Var(&opts.Speed, "speed", 2.0, "car speed away from the ego vehicle in m/s")
	return cmd
}

// cluster returns a regular grid of points centred on c.
func cluster(c r3.Vector, nx, ny, nz int, step float64) []l1sensors.Point {
	var pts []l1sensors.Point
	for i := 0; i < nx; i++ {
		for j := 0; j < ny; j++ {
			for k := 0; k < nz; k++ {
				pts = append(pts, l1sensors.Point{Position: r3.Vector{
					X: c.X + (float64(i)-float64(nx-1)/2)*step,
					Y: c.Y + (float64(j)-float64(ny-1)/2)*step,
					Z: c.Z + (float64(k)-float64(nz-1)/2)*step,
				}})
			}
		}
	}
	return pts
}

// boxAround projects pts and returns the padded pixel rectangle around
// them, or false when nothing is visible.
func boxAround(pts []l1sensors.Point, pose l1sensors.Pose, cal l2projection.CameraCalibration, classID int, conf float64) (l1sensors.BoundingBox2D, bool) {
	projected := l2projection.Project(pts, pose, cal)
	if len(projected) == 0 {
		return l1sensors.BoundingBox2D{}, false
	}
	b := l1sensors.BoundingBox2D{
		MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1),
		ClassID: classID, Label: l1sensors.LabelName(classID), Confidence: conf,
	}
	for _, p := range projected {
		b.MinX = math.Min(b.MinX, p.Pixel.X)
		b.MaxX = math.Max(b.MaxX, p.Pixel.X)
		b.MinY = math.Min(b.MinY, p.Pixel.Y)
		b.MaxY = math.Max(b.MaxY, p.Pixel.Y)
	}
	// Whole pixels on the wire; widen outwards so every point stays inside.
	b.MinX, b.MinY = math.Floor(b.MinX)-2, math.Floor(b.MinY)-2
	b.MaxX, b.MaxY = math.Ceil(b.MaxX)+2, math.Ceil(b.MaxY)+2
	return b, true
}

func demoTick(tick uint64, ts time.Time, elapsed, speed float64, cal l2projection.CameraCalibration) []pipeline.Message {
	pose := l1sensors.IdentityPose(tick, ts)

	car := cluster(r3.Vector{X: 15 + speed*elapsed, Y: 0.5, Z: 0.8}, 4, 3, 2, 0.4)
	person := cluster(r3.Vector{X: 10, Y: -4 + 0.8*elapsed, Z: 0.9}, 1, 2, 4, 0.25)
	// A wall far behind both objects leaks background points into the boxes.
	wall := cluster(r3.Vector{X: 60, Y: 0, Z: 1}, 1, 11, 3, 2.0)

	var points []l1sensors.Point
	points = append(points, car...)
	points = append(points, person...)
	points = append(points, wall...)

	var boxes []l1sensors.BoundingBox2D
	if b, ok := boxAround(car, pose, cal, 2, 0.87); ok {
		boxes = append(boxes, b)
	}
	if b, ok := boxAround(person, pose, cal, 0, 0.74); ok {
		boxes = append(boxes, b)
	}

	return []pipeline.Message{
		{Topic: pipeline.TopicLidarPC, Tick: tick, Timestamp: ts, Data: l1sensors.EncodePointCloud(points)},
		{Topic: pipeline.TopicPosition, Tick: tick, Timestamp: ts, Data: l1sensors.EncodePose(pose)},
		{Topic: pipeline.TopicBBox, Tick: tick, Timestamp: ts, Data: l1sensors.EncodeBoxes(boxes)},
	}
}
