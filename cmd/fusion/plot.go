package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/obstacle-fusion/internal/fusion/monitor"
	"github.com/banshee-data/obstacle-fusion/internal/fusion/storage/sqlite"
)

func newPlotCommand() *cobra.Command {
	var (
		dbPath string
		runID  string
		out    string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "plot",
		Short: "Render a bird's-eye PNG of the track trails in a recorded run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := sqlite.Open(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			if runID == "" || runID == "latest" {
				if runID, err = db.LatestRunID(ctx); err != nil {
					return err
				}
			}
			records, err := db.ListObstacles(ctx, runID, limit)
			if err != nil {
				return err
			}

			w, closeOut, err := openOutput(out, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			title := fmt.Sprintf("run %s (%d observations)", runID, len(records))
			if err := monitor.WriteBirdsEyePNG(w, title, monitor.TrailsFromRecords(records)); err != nil {
				closeOut()
				return err
			}
			return closeOut()
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database written by run --db")
	cmd.Flags().StringVar(&runID, "run", "latest", "run id to plot")
	cmd.Flags().StringVar(&out, "out", "trails.png", "PNG path, - for stdout")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum observations to plot, 0 for all")
	_ = cmd.MarkFlagRequired("db")
	return cmd
}
