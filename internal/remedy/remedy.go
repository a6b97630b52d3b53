package remedy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lucasnoah/buildmend/internal/classify"
	"github.com/lucasnoah/buildmend/internal/lockfile"
	"github.com/lucasnoah/buildmend/internal/runner"
)

// minFreeBytes is the disk headroom below which the disk-space check reports
// the build tree unusable.
const minFreeBytes = 100 << 20

// Context scopes a remediation to the currently failing build. Side effects
// stay inside this tree; the remediator never touches other units.
type Context struct {
	Dir        string
	Lock       *lockfile.Checker
	Caches     map[string]string // namespace → directory
	PinCommand string            // template, e.g. "cargo update -p {crate} --precise {version}"
	Backoff    time.Duration     // wait-retry sleep interval
}

// Attempt records one remediation action, successful or not. Every attempt
// is surfaced — nothing the remediator does is silent.
type Attempt struct {
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
	Fixed  bool      `json:"fixed"`
	At     time.Time `json:"at"`
}

// Result reports whether the symptom cleared plus the attempts made.
type Result struct {
	Fixed    bool
	Attempts []Attempt
}

// Remediator executes the corrective action recommended by the classifier.
type Remediator struct {
	cmd   runner.CommandRunner
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a Remediator that shells out through cmd for pin attempts.
func New(cmd runner.CommandRunner) *Remediator {
	return &Remediator{
		cmd:   cmd,
		sleep: sleepCtx,
		now:   time.Now,
	}
}

// SetSleep overrides the wait-retry sleeper (for testing).
func (r *Remediator) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	r.sleep = fn
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Remediate dispatches on the match's remediation kind. Unknown or no-op
// kinds return NotFixed immediately; the orchestrator then falls back to the
// generic chain.
func (r *Remediator) Remediate(ctx context.Context, m classify.Match, rc Context) Result {
	switch m.Remedy {
	case classify.RemedyPinDowngrade:
		return r.pinDowngrade(ctx, m, rc)
	case classify.RemedyRegenerateLock:
		return r.regenerateLock(ctx, rc)
	case classify.RemedyClearCache:
		return r.clearCaches(rc)
	case classify.RemedyWaitRetry:
		return r.waitRetry(ctx, rc)
	default:
		return Result{Fixed: false}
	}
}

// pinDowngrade searches progressively older versions of the offending
// dependency, applying each candidate until a pin attempt is accepted or the
// space is exhausted. Acceptance is the pin command succeeding, not a full
// rebuild.
func (r *Remediator) pinDowngrade(ctx context.Context, m classify.Match, rc Context) Result {
	var res Result
	if m.Extract == nil || rc.PinCommand == "" {
		return res
	}

	cands := NewCandidates(m.Extract.CrateVersion)
	for {
		cand, ok := cands.Next()
		if !ok {
			break
		}

		cmd := strings.NewReplacer(
			"{crate}", m.Extract.Crate,
			"{version}", cand.String(),
		).Replace(rc.PinCommand)

		_, _, exitCode, err := r.cmd.Run(ctx, rc.Dir, cmd)
		att := Attempt{
			Kind:   string(classify.RemedyPinDowngrade),
			Detail: fmt.Sprintf("pin %s to %s", m.Extract.Crate, cand),
			Fixed:  err == nil && exitCode == 0,
			At:     r.now(),
		}
		res.Attempts = append(res.Attempts, att)

		if att.Fixed {
			res.Fixed = true
			return res
		}
		if ctx.Err() != nil {
			return res
		}
	}
	return res
}

func (r *Remediator) regenerateLock(ctx context.Context, rc Context) Result {
	var res Result
	if rc.Lock == nil {
		return res
	}
	err := rc.Lock.RemoveAndRegenerate(ctx)
	res.Attempts = append(res.Attempts, Attempt{
		Kind:   string(classify.RemedyRegenerateLock),
		Detail: detailOrOK("delete and rebuild lock artifact", err),
		Fixed:  err == nil,
		At:     r.now(),
	})
	res.Fixed = err == nil
	return res
}

// clearCaches purges every configured cache namespace. Directories are
// removed and recreated empty so later steps can assume they exist.
func (r *Remediator) clearCaches(rc Context) Result {
	var res Result
	if len(rc.Caches) == 0 {
		return res
	}

	fixed := true
	var cleared []string
	for ns, dir := range rc.Caches {
		if err := os.RemoveAll(dir); err != nil {
			fixed = false
			cleared = append(cleared, fmt.Sprintf("%s: %v", ns, err))
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fixed = false
			cleared = append(cleared, fmt.Sprintf("%s: %v", ns, err))
			continue
		}
		cleared = append(cleared, ns)
	}

	res.Attempts = append(res.Attempts, Attempt{
		Kind:   string(classify.RemedyClearCache),
		Detail: "purged " + strings.Join(cleared, ", "),
		Fixed:  fixed,
		At:     r.now(),
	})
	res.Fixed = fixed
	return res
}

// waitRetry sleeps a fixed backoff interval. No work is performed — this
// handles transient external-lock contention.
func (r *Remediator) waitRetry(ctx context.Context, rc Context) Result {
	backoff := rc.Backoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	err := r.sleep(ctx, backoff)
	var res Result
	res.Attempts = append(res.Attempts, Attempt{
		Kind:   string(classify.RemedyWaitRetry),
		Detail: fmt.Sprintf("waited %s for external lock", backoff),
		Fixed:  err == nil,
		At:     r.now(),
	})
	res.Fixed = err == nil
	return res
}

// genericStep is one entry in the fallback chain. applies gates on a log
// keyword — a cheap plausibility test, not verified by a rebuild.
type genericStep struct {
	name    string
	applies func(log string) bool
	run     func(r *Remediator, ctx context.Context, rc Context) (string, error)
}

var genericChain = []genericStep{
	{
		name: "clear_cache",
		applies: func(log string) bool {
			return containsAny(log, "checksum", "corrupt", "cache")
		},
		run: func(r *Remediator, _ context.Context, rc Context) (string, error) {
			res := r.clearCaches(rc)
			if !res.Fixed {
				return "cache purge failed", fmt.Errorf("cache purge failed")
			}
			return "purged configured caches", nil
		},
	},
	{
		name: "regenerate_lock",
		applies: func(log string) bool {
			return strings.Contains(strings.ToLower(log), "lock")
		},
		run: func(r *Remediator, ctx context.Context, rc Context) (string, error) {
			if rc.Lock == nil {
				return "", fmt.Errorf("no lock configured")
			}
			if err := rc.Lock.RemoveAndRegenerate(ctx); err != nil {
				return "", err
			}
			return "rebuilt lock artifact", nil
		},
	},
	{
		name: "check_permissions",
		applies: func(log string) bool {
			return containsAny(log, "permission denied", "operation not permitted")
		},
		run: func(_ *Remediator, _ context.Context, rc Context) (string, error) {
			return checkWritable(rc.Dir)
		},
	},
	{
		name: "check_disk_space",
		applies: func(log string) bool {
			return containsAny(log, "no space", "disk quota")
		},
		run: func(_ *Remediator, _ context.Context, rc Context) (string, error) {
			return checkDiskSpace(rc.Dir)
		},
	},
}

// GenericChain walks the fallback strategies in order, applying each one
// whose log keyword matches, until one reports success or all are exhausted.
func (r *Remediator) GenericChain(ctx context.Context, log string, rc Context) Result {
	var res Result
	for _, step := range genericChain {
		if !step.applies(log) {
			continue
		}
		detail, err := step.run(r, ctx, rc)
		att := Attempt{
			Kind:   step.name,
			Detail: detailOrOK(detail, err),
			Fixed:  err == nil,
			At:     r.now(),
		}
		res.Attempts = append(res.Attempts, att)
		if err == nil {
			res.Fixed = true
			return res
		}
	}
	return res
}

// checkWritable probes the build tree with a throwaway file.
func checkWritable(dir string) (string, error) {
	probe := filepath.Join(dir, ".buildmend-probe")
	if err := os.WriteFile(probe, []byte("probe"), 0o644); err != nil {
		return "", fmt.Errorf("build tree not writable: %w", err)
	}
	os.Remove(probe)
	return "build tree is writable", nil
}

// checkDiskSpace verifies the filesystem holding the build tree has headroom.
func checkDiskSpace(dir string) (string, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return "", fmt.Errorf("statfs %s: %w", dir, err)
	}
	free := uint64(st.Bavail) * uint64(st.Bsize)
	if free < minFreeBytes {
		return "", fmt.Errorf("only %d bytes free under %s", free, dir)
	}
	return fmt.Sprintf("%d bytes free", free), nil
}

func containsAny(s string, subs ...string) bool {
	s = strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func detailOrOK(detail string, err error) string {
	if err != nil {
		if detail != "" {
			return detail + ": " + err.Error()
		}
		return err.Error()
	}
	return detail
}
