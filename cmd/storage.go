package cmd

import (
	"errors"

	"github.com/marcus/gradesync/internal/models"
	"github.com/marcus/gradesync/internal/output"
	"github.com/marcus/gradesync/internal/settings"
	"github.com/spf13/cobra"
)

var storageCmd = &cobra.Command{
	Use:     "storage",
	Short:   "Show or change the storage mode and auto-sync settings",
	GroupID: "sync",
}

var storageShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return fail(err)
		}
		defer a.Close()
		return printSettings(a.settings.Get())
	},
}

var storageSetCmd = &cobra.Command{
	Use:     "set",
	Short:   "Change storage settings",
	Example: `  gradesync storage set --mode local
  gradesync storage set --auto-sync=false
  gradesync storage set --mode hybrid --interval 15`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var p settings.Patch
		flags := cmd.Flags()
		if flags.Changed("mode") {
			raw, _ := flags.GetString("mode")
			mode, err := settings.ParseMode(raw)
			if err != nil {
				return fail(err)
			}
			p.StorageMode = &mode
		}
		if flags.Changed("auto-sync") {
			v, _ := flags.GetBool("auto-sync")
			p.AutoSync = &v
		}
		if flags.Changed("interval") {
			v, _ := flags.GetInt("interval")
			p.SyncInterval = &v
		}
		if p.StorageMode == nil && p.AutoSync == nil && p.SyncInterval == nil {
			return fail(errors.New("nothing to change (use --mode, --auto-sync or --interval)"))
		}

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return fail(err)
		}
		defer a.Close()

		updated, err := a.settings.Update(cmd.Context(), p)
		if err != nil {
			return fail(err)
		}
		return printSettings(updated)
	},
}

func printSettings(s models.StorageSettings) error {
	if jsonOutput {
		return output.JSON(s)
	}
	auto := "off"
	if s.AutoSync {
		auto = "on"
	}
	last := "never"
	if s.LastSyncTime != nil {
		last = output.FormatTimeAgo(*s.LastSyncTime)
	}
	output.Info("mode %s  auto-sync %s  interval %d min  last sync %s",
		output.FormatMode(s.StorageMode), auto, s.SyncInterval, last)
	return nil
}

func init() {
	storageSetCmd.Flags().String("mode", "", "local, cloud or hybrid")
	storageSetCmd.Flags().Bool("auto-sync", true, "sync on an interval")
	storageSetCmd.Flags().Int("interval", 0, "minutes between automatic passes (1-1440)")

	storageCmd.AddCommand(storageShowCmd, storageSetCmd)
	rootCmd.AddCommand(storageCmd)
}
