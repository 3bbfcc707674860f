package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/marcus/gradesync/internal/models"
	"github.com/marcus/gradesync/internal/output"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	Short:   "Inspect and manage the sync queue",
	GroupID: "sync",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued changes in order",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		if status != "" && !models.EntryStatus(status).Valid() {
			return fail(fmt.Errorf("invalid status %q (pending, syncing, synced, failed)", status))
		}

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return fail(err)
		}
		defer a.Close()

		entries, err := a.queue.List(cmd.Context())
		if err != nil {
			return fail(err)
		}
		shown := make([]*models.SyncQueueEntry, 0, len(entries))
		for _, e := range entries {
			if status == "" || e.Status == models.EntryStatus(status) {
				shown = append(shown, e)
			}
		}
		if jsonOutput {
			return output.JSON(shown)
		}
		if len(shown) == 0 {
			output.Info("Queue is empty")
			return nil
		}
		for _, e := range shown {
			output.Info("%s", output.FormatEntryShort(e))
		}
		return nil
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count queued changes by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return fail(err)
		}
		defer a.Close()

		st, err := a.queue.Stats(cmd.Context())
		if err != nil {
			return fail(err)
		}
		if jsonOutput {
			return output.JSON(st)
		}
		output.Info("pending %d  syncing %d  synced %d  failed %d  exhausted %d  total %d",
			st.Pending, st.Syncing, st.Synced, st.Failed, st.Exhausted, st.Total)
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Reset an entry's retries so the next pass attempts it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return fail(err)
		}
		defer a.Close()

		if err := a.queue.ResetRetries(cmd.Context(), args[0]); err != nil {
			return fail(err)
		}
		if jsonOutput {
			return output.JSON(map[string]string{"retried": args[0]})
		}
		output.Success("entry %s reset to pending", output.ShortID(args[0]))
		return nil
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Drop one entry from the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return fail(err)
		}
		defer a.Close()

		if err := a.queue.Remove(cmd.Context(), args[0]); err != nil {
			return fail(err)
		}
		if jsonOutput {
			return output.JSON(map[string]string{"removed": args[0]})
		}
		output.Success("removed %s", output.ShortID(args[0]))
		return nil
	},
}

func bulkQueueCmd(use, short, verb string, op func(*app, *cobra.Command) (int, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return fail(err)
			}
			defer a.Close()

			n, err := op(a, cmd)
			if err != nil {
				return fail(err)
			}
			if jsonOutput {
				return output.JSON(map[string]int{verb: n})
			}
			output.Success("%s %d entries", verb, n)
			return nil
		},
	}
}

var queueClearCmd = bulkQueueCmd("clear", "Remove every entry, pushed or not", "removed",
	func(a *app, cmd *cobra.Command) (int, error) { return a.queue.Clear(cmd.Context()) })

var queuePurgeCmd = bulkQueueCmd("purge", "Remove entries already pushed", "removed",
	func(a *app, cmd *cobra.Command) (int, error) { return a.queue.PurgeSynced(cmd.Context()) })

var queueRequeueCmd = bulkQueueCmd("requeue", "Return failed and interrupted entries to pending", "requeued",
	func(a *app, cmd *cobra.Command) (int, error) {
		release, n, err := a.ownPasses(cmd.Context())
		if err != nil {
			return 0, err
		}
		release()
		return n, nil
	})

var queueOpCmd = &cobra.Command{
	Use:     "op <operation>",
	Short:   "Queue a named remote operation",
	Example: `  gradesync queue op results.publish --school sch1 --payload '{"test_id":"t1"}'`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		school, _ := cmd.Flags().GetString("school")
		if school == "" {
			school = cfg.GetSchoolID()
		}
		raw, _ := cmd.Flags().GetString("payload")
		var payload any
		if raw != "" {
			if !json.Valid([]byte(raw)) {
				return fail(errors.New("payload is not valid JSON"))
			}
			payload = json.RawMessage(raw)
		}

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return fail(err)
		}
		defer a.Close()

		e, err := a.store.QueueOperation(cmd.Context(), args[0], school, payload)
		if err != nil {
			return fail(err)
		}
		if jsonOutput {
			return output.JSON(e)
		}
		output.Success("queued %s (%s)", e.Action, output.ShortID(e.ID))
		return nil
	},
}

func init() {
	queueListCmd.Flags().String("status", "", "only entries with this status")
	queueOpCmd.Flags().String("school", "", "school the operation applies to")
	queueOpCmd.Flags().String("payload", "", "operation payload JSON")

	queueCmd.AddCommand(queueListCmd, queueStatsCmd, queueRetryCmd, queueRemoveCmd,
		queueClearCmd, queuePurgeCmd, queueRequeueCmd, queueOpCmd)
	rootCmd.AddCommand(queueCmd)
}
