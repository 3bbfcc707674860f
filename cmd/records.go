package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/marcus/gradesync/internal/models"
	"github.com/marcus/gradesync/internal/output"
	"github.com/spf13/cobra"
)

var errRecordNotFound = errors.New("record not found")

// readPayload returns --data, or the contents of --file ("-" is stdin).
func readPayload(cmd *cobra.Command) ([]byte, error) {
	data, _ := cmd.Flags().GetString("data")
	file, _ := cmd.Flags().GetString("file")
	switch {
	case data != "" && file != "":
		return nil, errors.New("use either --data or --file, not both")
	case data != "":
		return []byte(data), nil
	case file == "-":
		return io.ReadAll(cmd.InOrStdin())
	case file != "":
		return os.ReadFile(file)
	}
	return nil, errors.New("record required (--data '{...}' or --file path)")
}

var putCmd = &cobra.Command{
	Use:   "put <collection> [id]",
	Short: "Create or update a record",
	Long:  `Writes a JSON record to the local store. Outside local mode the change is
queued for the remote. An id argument fills in or must match the record's id.`,
	Example: `  gradesync put students s1 --data '{"school_id":"sch1","name":"Ali"}'
  gradesync put test_results --file result.json`,
	GroupID: "data",
	Args:    cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(cmd)
		if err != nil {
			return fail(err)
		}
		rec, err := models.DecodeRecord(payload)
		if err != nil {
			return fail(err)
		}
		if len(args) == 2 {
			switch rec.ID() {
			case "":
				rec["id"] = args[1]
			case args[1]:
			default:
				return fail(fmt.Errorf("record id %q does not match argument %q", rec.ID(), args[1]))
			}
		}

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return fail(err)
		}
		defer a.Close()

		action, err := a.store.Put(cmd.Context(), args[0], rec)
		if err != nil {
			return fail(err)
		}
		if jsonOutput {
			return output.JSON(map[string]any{"action": action, "record": rec})
		}
		output.Success("%s %s/%s", action, args[0], rec.ID())
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:     "get <collection> <id>",
	Short:   "Print one record",
	GroupID: "data",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return fail(err)
		}
		defer a.Close()

		rec, err := a.store.Get(cmd.Context(), args[0], args[1])
		if err != nil {
			return fail(err)
		}
		if rec == nil {
			return fail(fmt.Errorf("%w: %s/%s", errRecordNotFound, args[0], args[1]))
		}
		return output.JSON(rec)
	},
}

var listCmd = &cobra.Command{
	Use:     "list <collection>",
	Aliases: []string{"ls"},
	Short:   "List records in a collection",
	GroupID: "data",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		school, _ := cmd.Flags().GetString("school")
		if school == "" {
			school = cfg.GetSchoolID()
		}

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return fail(err)
		}
		defer a.Close()

		records, err := a.store.List(cmd.Context(), args[0], school)
		if err != nil {
			return fail(err)
		}
		if jsonOutput {
			if records == nil {
				records = []models.Record{}
			}
			return output.JSON(records)
		}
		if len(records) == 0 {
			output.Info("No records")
			return nil
		}
		for _, r := range records {
			line, _ := json.Marshal(r)
			output.Info("%s", line)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <collection> <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a record",
	GroupID: "data",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return fail(err)
		}
		defer a.Close()

		if err := a.store.Delete(cmd.Context(), args[0], args[1]); err != nil {
			return fail(err)
		}
		if jsonOutput {
			return output.JSON(map[string]string{"deleted": args[1]})
		}
		output.Success("deleted %s/%s", args[0], args[1])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <collection> <file>",
	Short: "Import a JSON array of records",
	Long:  `Writes every record in one transaction after validating all of them. With
--replace, local records missing from the file are deleted.`,
	GroupID: "data",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		replace, _ := cmd.Flags().GetBool("replace")

		var data []byte
		var err error
		if args[1] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[1])
		}
		if err != nil {
			return fail(err)
		}
		var records []models.Record
		if err := json.Unmarshal(data, &records); err != nil {
			return fail(fmt.Errorf("parse %s: %w", args[1], err))
		}

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return fail(err)
		}
		defer a.Close()

		res, err := a.store.Import(cmd.Context(), args[0], records, replace)
		if err != nil {
			return fail(err)
		}
		if jsonOutput {
			return output.JSON(res)
		}
		output.Success("imported %s: %d added, %d updated, %d deleted", args[0], res.Added, res.Updated, res.Deleted)
		return nil
	},
}

func init() {
	putCmd.Flags().String("data", "", "record JSON")
	putCmd.Flags().String("file", "", "read record JSON from file (- for stdin)")
	listCmd.Flags().String("school", "", "only records of this school")
	importCmd.Flags().Bool("replace", false, "delete local records missing from the file")

	rootCmd.AddCommand(putCmd, getCmd, listCmd, deleteCmd, importCmd)
}
