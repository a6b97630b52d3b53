package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/buildmend/internal/config"
	"github.com/lucasnoah/buildmend/internal/db"
	"github.com/lucasnoah/buildmend/internal/orchestrator"
	"github.com/lucasnoah/buildmend/internal/progress"
	"github.com/lucasnoah/buildmend/internal/report"
	"github.com/lucasnoah/buildmend/internal/runner"
)

var (
	buildOverrideGate bool
	buildResume       bool
	buildRestart      bool
	buildJSON         bool
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Run the build pipeline with self-healing retries",
	Long: `Runs preflight version gates and the lock freshness check, then builds every
unit in order. Failures are classified against the signature table and
remediated before a retry; budgets from the config bound both loops.

Ctrl-C interrupts the run cleanly: partial output is kept in the failure
artifact and nothing is retried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadBuildConfig()
		if err != nil {
			return err
		}
		if buildResume {
			cfg.Build.Retries.ResumeMode = config.ResumeModeResume
		}
		if buildRestart {
			cfg.Build.Retries.ResumeMode = config.ResumeModeRestart
		}

		exec := &runner.ExecRunner{}
		out := cmd.OutOrStdout()
		sink := progress.SinkFunc(func(u progress.Update) {
			eta := ""
			if u.ETASeconds != nil {
				eta = fmt.Sprintf(" eta %s", (time.Duration(*u.ETASeconds) * time.Second))
			}
			fmt.Fprintf(out, "[%3d%%] %s%s\n", u.OverallPercent, u.StepID, eta)
		})

		orch, err := orchestrator.New(cfg, exec, exec, sink)
		if err != nil {
			return err
		}
		orch.SetOverrideVersionGate(buildOverrideGate)

		if dbPath, err := db.DefaultDBPath(); err == nil {
			if journal, err := db.Open(dbPath); err == nil {
				defer journal.Close()
				if journal.Migrate() == nil {
					orch.SetJournal(journal)
				}
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rep, runErr := orch.Run(ctx)

		if dir, derr := report.DefaultDir(); derr == nil {
			if path, serr := rep.Save(dir); serr == nil {
				fmt.Fprintf(out, "report: %s\n", path)
			}
			if a := orch.FailureArtifact(); a != nil {
				if path, serr := a.Save(dir); serr == nil {
					fmt.Fprintf(out, "failure artifact: %s\n", path)
				}
			}
		}

		if buildJSON {
			s, jerr := rep.JSON()
			if jerr != nil {
				return jerr
			}
			fmt.Fprintln(out, s)
		} else {
			printRunSummary(cmd, rep)
		}
		return runErr
	},
}

func printRunSummary(cmd *cobra.Command, rep *report.Run) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "run %s: %s", rep.RunID, rep.Status)
	if rep.Reason != "" {
		fmt.Fprintf(w, " (%s)", rep.Reason)
	}
	fmt.Fprintf(w, " after %d attempt(s)\n", rep.GlobalAttempts)
	for _, u := range rep.Units {
		fmt.Fprintf(w, "  %-20s %-16s retries=%d elapsed=%.1fs\n", u.ID, u.Status, u.RetryCount, u.ElapsedSeconds)
	}
	for _, r := range rep.Remediations {
		mark := "failed"
		if r.Fixed {
			mark = "fixed"
		}
		fmt.Fprintf(w, "  remediation %s on %s: %s (%s)\n", r.Kind, r.Unit, r.Detail, mark)
	}
	for _, warn := range rep.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
}

func init() {
	buildCmd.Flags().BoolVar(&buildOverrideGate, "override-version-gate", false, "proceed despite missing or too-old toolchain versions")
	buildCmd.Flags().BoolVar(&buildResume, "resume", false, "global retries resume from the failed unit")
	buildCmd.Flags().BoolVar(&buildRestart, "restart", false, "global retries restart the whole pipeline")
	buildCmd.Flags().BoolVar(&buildJSON, "json", false, "print the full run report as JSON")
	buildCmd.MarkFlagsMutuallyExclusive("resume", "restart")
}
