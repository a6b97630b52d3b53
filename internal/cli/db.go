package cli

import (
	"github.com/spf13/cobra"

	"github.com/lucasnoah/buildmend/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Run journal management",
}

var dbPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the journal database path",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := db.DefaultDBPath()
		if err != nil {
			return err
		}
		cmd.Println(path)
		return nil
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply journal schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		journal, err := openJournal()
		if err != nil {
			return err
		}
		defer journal.Close()
		cmd.Println("Journal schema is up to date.")
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate the journal (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		journal, err := openJournal()
		if err != nil {
			return err
		}
		defer journal.Close()
		if err := journal.Reset(); err != nil {
			return err
		}
		cmd.Println("Journal reset.")
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbPathCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
