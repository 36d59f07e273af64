package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/obstacle-fusion/internal/fusion/storage/sqlite"
)

func newMigrateCommand() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:       "migrate up|down|version",
		Short:     "Manage the recording database schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := sqlite.OpenDB(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			switch args[0] {
			case "up":
				err = db.MigrateUp()
			case "down":
				err = db.MigrateDown()
			}
			if err != nil {
				return err
			}
			v, dirty, err := db.MigrateVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", v, dirty)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path")
	_ = cmd.MarkFlagRequired("db")
	return cmd
}
