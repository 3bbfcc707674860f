package cmd

import (
	"runtime"

	"github.com/marcus/gradesync/internal/output"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Print the gradesync version",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput {
			return output.JSON(map[string]string{"version": version, "go": runtime.Version()})
		}
		output.Info("gradesync %s (%s)", version, runtime.Version())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
