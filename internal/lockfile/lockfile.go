package lockfile

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lucasnoah/buildmend/internal/runner"
)

// Freshness classifies a lock artifact relative to its declaration files.
type Freshness int

const (
	Fresh Freshness = iota
	Stale
)

func (f Freshness) String() string {
	if f == Fresh {
		return "fresh"
	}
	return "stale"
}

// ErrIrrecoverable indicates the lock could not be brought up to date: the
// pipeline must not start building against a lock it cannot trust.
var ErrIrrecoverable = fmt.Errorf("lockfile: irrecoverable")

// Checker compares a lock artifact against the declaration files it governs
// and regenerates it through an external build-tool call when stale.
type Checker struct {
	LockPath     string
	Declarations []string
	Regenerate   string // external command, run in Dir
	Dir          string

	cmd     runner.CommandRunner
	timeout time.Duration
}

// NewChecker creates a Checker that shells out through cmd for regeneration.
func NewChecker(lockPath string, declarations []string, regenerate string, dir string, cmd runner.CommandRunner) *Checker {
	return &Checker{
		LockPath:     lockPath,
		Declarations: declarations,
		Regenerate:   regenerate,
		Dir:          dir,
		cmd:          cmd,
		timeout:      5 * time.Minute,
	}
}

// SetTimeout overrides the regeneration timeout (for testing).
func (c *Checker) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Freshness reports whether the lock artifact is newer than every declaration
// that governs it. A missing lock is stale; a missing declaration is a
// configuration error.
func (c *Checker) Freshness() (Freshness, error) {
	lockInfo, err := os.Stat(c.LockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Stale, nil
		}
		return Stale, fmt.Errorf("stat lock %s: %w", c.LockPath, err)
	}

	for _, decl := range c.Declarations {
		declInfo, err := os.Stat(decl)
		if err != nil {
			return Stale, fmt.Errorf("stat declaration %s: %w", decl, err)
		}
		if declInfo.ModTime().After(lockInfo.ModTime()) {
			return Stale, nil
		}
	}
	return Fresh, nil
}

// Ensure brings the lock artifact up to date: when stale it runs the
// regeneration command and re-checks. A failed regeneration, or a lock that
// is still stale afterwards, is irrecoverable and must stop the pipeline
// before any unit builds.
func (c *Checker) Ensure(ctx context.Context) error {
	fresh, err := c.Freshness()
	if err != nil {
		return err
	}
	if fresh == Fresh {
		return nil
	}

	if err := c.regenerate(ctx); err != nil {
		return err
	}

	fresh, err = c.Freshness()
	if err != nil {
		return err
	}
	if fresh != Fresh {
		return fmt.Errorf("%w: lock %s still stale after regeneration", ErrIrrecoverable, c.LockPath)
	}
	return nil
}

// Remove deletes the lock artifact. Used by the regenerate-lock remediation,
// which rebuilds from scratch rather than updating in place.
func (c *Checker) Remove() error {
	if err := os.Remove(c.LockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock %s: %w", c.LockPath, err)
	}
	return nil
}

// RemoveAndRegenerate deletes and rebuilds the lock artifact.
func (c *Checker) RemoveAndRegenerate(ctx context.Context) error {
	if err := c.Remove(); err != nil {
		return err
	}
	return c.regenerate(ctx)
}

func (c *Checker) regenerate(ctx context.Context) error {
	if c.Regenerate == "" {
		return fmt.Errorf("%w: no regenerate command configured", ErrIrrecoverable)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, stderr, exitCode, err := c.cmd.Run(ctx, c.Dir, c.Regenerate)
	if err != nil {
		return fmt.Errorf("%w: regenerate: %v", ErrIrrecoverable, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("%w: regenerate exited %d: %s", ErrIrrecoverable, exitCode, tail(stderr, 500))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "…" + s[len(s)-n:]
	}
	return s
}
