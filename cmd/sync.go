package cmd

import (
	"sort"

	"github.com/marcus/gradesync/internal/output"
	"github.com/marcus/gradesync/internal/syncengine"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued changes to the remote",
	Long:  `Runs one sync pass: every pending change is pushed in order. Failed changes
are retried on later passes until they reach the retry ceiling.

With --download the pass is followed by a full download that replaces local
data with the remote copy. The download refuses to run while changes remain
queued unless --force is given.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		download, _ := cmd.Flags().GetBool("download")
		force, _ := cmd.Flags().GetBool("force")

		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return fail(err)
		}
		defer a.Close()

		release, _, err := a.ownPasses(cmd.Context())
		if err != nil {
			return fail(err)
		}
		defer release()

		if download {
			return runDownload(cmd, a, force)
		}

		if !a.net.Online() {
			pending, _ := a.queue.PendingCount(cmd.Context())
			if jsonOutput {
				return output.JSON(map[string]any{"online": false, "pending": pending})
			}
			output.Warning("remote unreachable, %d changes stay queued", pending)
			return nil
		}

		res, err := a.engine.SyncPendingChanges(cmd.Context())
		if err != nil {
			return fail(err)
		}
		if jsonOutput {
			return output.JSON(res)
		}
		printPass(res)
		return nil
	},
}

func printPass(res syncengine.PassResult) {
	if res.Synced == 0 && res.Failed == 0 {
		output.Info("Nothing to sync")
		return
	}
	output.Success("synced %d changes", res.Synced)
	if res.Failed > 0 {
		output.Warning("%d changes failed (%d at the retry ceiling)", res.Failed, res.Exhausted)
	}
}

func runDownload(cmd *cobra.Command, a *app, force bool) error {
	res, err := a.engine.DownloadCloudData(cmd.Context(), syncengine.DownloadOptions{Force: force})
	if err != nil {
		return fail(err)
	}
	if jsonOutput {
		return output.JSON(res)
	}
	printPass(res.Push)

	names := make([]string, 0, len(res.Collections))
	for name := range res.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	output.Success("downloaded %d collections", len(names))
	for _, name := range names {
		output.Info("  %-20s %d", name, res.Collections[name])
	}
	return nil
}

func init() {
	syncCmd.Flags().Bool("download", false, "replace local data with the remote copy after pushing")
	syncCmd.Flags().Bool("force", false, "download even if queued changes could not be pushed")
	rootCmd.AddCommand(syncCmd)
}
