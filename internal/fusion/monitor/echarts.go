package monitor

import (
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/samber/lo"
)

// renderScatter writes an interactive top-down scatter of trails, one
// series per label so the legend toggles object classes.
func renderScatter(w io.Writer, subtitle string, trails []Trail) error {
	byLabel := lo.GroupBy(trails, func(t Trail) string { return t.Label })
	labels := lo.Keys(byLabel)
	sort.Strings(labels)

	maxAbs := 1.0
	for _, tr := range trails {
		for _, p := range tr.Points {
			maxAbs = math.Max(maxAbs, math.Max(math.Abs(p.X), math.Abs(p.Y)))
		}
	}
	pad := maxAbs * 1.05

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Fused obstacles", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Fused obstacles (bird's eye)", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)

	for _, label := range labels {
		var data []opts.ScatterData
		for _, tr := range byLabel[label] {
			for i, p := range tr.Points {
				size := 4
				if i == len(tr.Points)-1 {
					size = 10
				}
				data = append(data, opts.ScatterData{
					Name:       fmt.Sprintf("track %d", tr.TrackID),
					Value:      []interface{}{p.X, p.Y, p.Z},
					SymbolSize: size,
				})
			}
		}
		scatter.AddSeries(label, data)
	}
	return scatter.Render(w)
}
