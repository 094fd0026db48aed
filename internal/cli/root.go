package cli

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "feedcal",
	Short: "Feedback calibration and account trust service",
	Long: "feedcal turns like/dislike/save/skip/mute feedback into per-source score calibration " +
		"and time-decayed per-account trust policies.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server URL for remote commands (default $FEEDCAL_URL)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(shownCmd)
	rootCmd.AddCommand(recomputeCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(calibrationCmd)
	rootCmd.AddCommand(migrateCmd)
}
