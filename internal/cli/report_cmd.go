package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/buildmend/internal/db"
	"github.com/lucasnoah/buildmend/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Inspect past runs",
}

var reportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent run IDs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		journal, err := openJournal()
		if err != nil {
			return err
		}
		defer journal.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		ids, err := journal.RecentRunIDs(limit)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			cmd.Println("No runs recorded.")
			return nil
		}
		for _, id := range ids {
			cmd.Println(id)
		}
		return nil
	},
}

var reportShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print the saved report for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := report.DefaultDir()
		if err != nil {
			return err
		}
		r, err := report.Load(filepath.Join(dir, args[0]+".json"))
		if err != nil {
			return err
		}
		s, err := r.JSON()
		if err != nil {
			return err
		}
		cmd.Println(s)
		return nil
	},
}

var reportEventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "Print the journaled event stream for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		journal, err := openJournal()
		if err != nil {
			return err
		}
		defer journal.Close()

		events, err := journal.RunEvents(args[0])
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return fmt.Errorf("no events for run %q", args[0])
		}
		w := cmd.OutOrStdout()
		for _, e := range events {
			line := fmt.Sprintf("%s  %-22s", e.Timestamp, e.Event)
			if e.Unit != "" {
				line += fmt.Sprintf("  unit=%s attempt=%d", e.Unit, e.Attempt)
			}
			if e.Detail != "" {
				line += "  " + e.Detail
			}
			fmt.Fprintln(w, line)
		}
		return nil
	},
}

func openJournal() (*db.DB, error) {
	path, err := db.DefaultDBPath()
	if err != nil {
		return nil, err
	}
	journal, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := journal.Migrate(); err != nil {
		journal.Close()
		return nil, err
	}
	return journal, nil
}

func init() {
	reportListCmd.Flags().Int("limit", 10, "maximum number of runs to list")
	reportCmd.AddCommand(reportListCmd)
	reportCmd.AddCommand(reportShowCmd)
	reportCmd.AddCommand(reportEventsCmd)
}
