package cli

import (
	"github.com/spf13/cobra"

	"github.com/lucasnoah/buildmend/internal/config"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var configFile string

var rootCmd = &cobra.Command{
	Use:   "buildmend",
	Short: "buildmend — a self-healing build orchestrator",
	Long: `buildmend drives multi-unit builds through toolchain version gates, lock
freshness checks, and a classify-remediate-retry loop that fixes common
failure causes (stale locks, corrupt caches, toolchain conflicts) on its own.

All state is stored in ~/.buildmend/ (SQLite for the run journal, JSON for
reports and failure artifacts).`,
}

func Execute() error {
	return rootCmd.Execute()
}

// loadBuildConfig resolves the -f flag or falls back to the default search
// locations.
func loadBuildConfig() (*config.BuildConfig, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "file", "f", "", "path to build config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(preflightCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}
