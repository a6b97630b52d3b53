package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/buildmend/internal/config"
	"github.com/lucasnoah/buildmend/internal/lockfile"
	"github.com/lucasnoah/buildmend/internal/runner"
	verspec "github.com/lucasnoah/buildmend/internal/version"
)

var preflightVerbose bool

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Check version gates and lock freshness without building",
	Long: `Probes every configured subject (toolchain, libraries, dependencies with a
probe command), compares the found versions against the declared bounds, and
checks whether the lock artifact is newer than its declaration files. Nothing
is built and nothing is modified.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadBuildConfig()
		if err != nil {
			return err
		}
		if errs := config.Validate(cfg); len(errs) > 0 {
			cmd.Println("Configuration errors:")
			for _, e := range errs {
				cmd.Printf("  - %s\n", e)
			}
			return fmt.Errorf("config has %d validation error(s)", len(errs))
		}

		b := cfg.Build
		exec := &runner.ExecRunner{}
		ctx := cmd.Context()

		var subjects []config.Subject
		if b.Toolchain.Name != "" {
			subjects = append(subjects, b.Toolchain)
		}
		subjects = append(subjects, b.Libraries...)
		for _, dep := range b.Dependencies {
			if dep.Probe != "" {
				subjects = append(subjects, dep)
			}
		}

		w := cmd.OutOrStdout()
		okCount, warnCount, errCount := 0, 0, 0
		for _, s := range subjects {
			res, raw := probeSubject(ctx, exec, b.Dir, s)
			if preflightVerbose && raw != "" {
				fmt.Fprintf(w, "  $ %s\n    %s\n", s.Probe, firstLine(raw))
			}
			switch res.Status {
			case verspec.StatusOk:
				okCount++
				fmt.Fprintf(w, "  ok       %s %s (>= %s)\n", s.Name, res.Found, res.Required)
			case verspec.StatusTooNew:
				warnCount++
				fmt.Fprintf(w, "  warning  %s %s is newer than tested maximum %s\n", s.Name, res.Found, *res.MaxTested)
			case verspec.StatusTooOld:
				errCount++
				fmt.Fprintf(w, "  error    %s %s is older than required %s\n", s.Name, res.Found, res.Required)
			case verspec.StatusMissing:
				errCount++
				fmt.Fprintf(w, "  error    %s not found (need >= %s)\n", s.Name, res.Required)
			}
		}

		if b.Lock.File != "" {
			checker := lockfile.NewChecker(b.Lock.File, b.Lock.Declarations, b.Lock.Regenerate, b.Dir, exec)
			fresh, ferr := checker.Freshness()
			switch {
			case ferr != nil:
				errCount++
				fmt.Fprintf(w, "  error    lock %s: %v\n", b.Lock.File, ferr)
			case fresh == lockfile.Fresh:
				okCount++
				fmt.Fprintf(w, "  ok       lock %s is fresh\n", b.Lock.File)
			default:
				warnCount++
				fmt.Fprintf(w, "  warning  lock %s is stale; 'buildmend build' will regenerate it\n", b.Lock.File)
			}
		}

		fmt.Fprintf(w, "\n%d ok, %d warning(s), %d error(s)\n", okCount, warnCount, errCount)
		if errCount > 0 {
			return fmt.Errorf("preflight found %d error(s)", errCount)
		}
		return nil
	},
}

// probeSubject runs one version probe and checks the result against the
// subject's declared bounds. The raw probe output is returned for verbose
// display.
func probeSubject(ctx context.Context, cmd runner.CommandRunner, dir string, s config.Subject) (verspec.CheckResult, string) {
	spec, err := s.VersionSpec()
	if err != nil {
		return verspec.Missing(verspec.Spec{Subject: s.Name}), ""
	}

	stdout, stderr, exitCode, err := cmd.Run(ctx, dir, s.Probe)
	out := stdout
	if strings.TrimSpace(out) == "" {
		out = stderr
	}
	if err != nil || exitCode != 0 {
		return verspec.Missing(spec), out
	}
	found, err := verspec.ExtractFromOutput(out)
	if err != nil {
		return verspec.Missing(spec), out
	}
	return verspec.Check(found, spec), out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func init() {
	preflightCmd.Flags().BoolVarP(&preflightVerbose, "verbose", "v", false, "show raw probe output")
}
