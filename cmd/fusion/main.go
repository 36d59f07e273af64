// Command fusion runs the obstacle localization fusion stage over recorded
// topic logs and inspects its recorded output.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/obstacle-fusion/internal/config"
	"github.com/banshee-data/obstacle-fusion/internal/version"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "fusion",
		Short:         "Fuse 2D detections with LIDAR geometry into tracked 3D obstacles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "tuning config (.json/.yaml); built-in defaults when empty")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newDemoCommand(opts))
	cmd.AddCommand(newPlotCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	})
	return cmd
}

func (o *rootOptions) loadConfig() (*config.FusionConfig, error) {
	if o.ConfigPath == "" {
		return config.EmptyFusionConfig(), nil
	}
	return config.LoadFusionConfig(o.ConfigPath)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fusion:", err)
		os.Exit(1)
	}
}
