package cmd

import (
	"github.com/marcus/gradesync/internal/output"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show storage mode, connectivity and queue state",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return fail(err)
		}
		defer a.Close()

		st, err := a.engine.GetStorageStatus(cmd.Context())
		if err != nil {
			return fail(err)
		}
		if jsonOutput {
			return output.JSON(st)
		}
		output.Info("%s", output.FormatStorageStatus(output.StatusView{
			Online:       st.IsOnline,
			Pending:      st.PendingSyncCount,
			LastSyncTime: st.LastSyncTime,
			Mode:         st.Mode,
			AutoSync:     st.AutoSync,
			SyncInterval: st.SyncInterval,
			Syncing:      st.Syncing,
		}))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
