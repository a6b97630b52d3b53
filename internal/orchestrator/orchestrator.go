package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/buildmend/internal/classify"
	"github.com/lucasnoah/buildmend/internal/config"
	"github.com/lucasnoah/buildmend/internal/db"
	"github.com/lucasnoah/buildmend/internal/lockfile"
	"github.com/lucasnoah/buildmend/internal/progress"
	"github.com/lucasnoah/buildmend/internal/remedy"
	"github.com/lucasnoah/buildmend/internal/report"
	"github.com/lucasnoah/buildmend/internal/runner"
	"github.com/lucasnoah/buildmend/internal/version"
)

// Terminal errors. ErrRemediationExhausted and ErrRetryBudgetExceeded also
// mark the abandonment of a single global attempt; they only become terminal
// when no global retries remain.
var (
	ErrConfiguration        = errors.New("configuration error")
	ErrPreflight            = errors.New("preflight failed")
	ErrRetryBudgetExceeded  = errors.New("retry budget exceeded")
	ErrRemediationExhausted = errors.New("remediation exhausted")
	ErrInterrupted          = errors.New("build interrupted")
)

// Reason strings recorded in the final report.
const (
	ReasonConfiguration = "configuration_error"
	ReasonPreflight     = "preflight_failed"
	ReasonRetryBudget   = "retry_budget_exceeded"
	ReasonInterrupted   = "interrupted"
)

// UnitStatus is the lifecycle state of one build unit.
type UnitStatus string

const (
	UnitPending        UnitStatus = "pending"
	UnitBuilding       UnitStatus = "building"
	UnitDone           UnitStatus = "done"
	UnitFailed         UnitStatus = "failed"
	UnitRetryScheduled UnitStatus = "retry_scheduled"
)

// Unit is the runtime state of one schedulable build item. RetryCount counts
// failed attempts; an attempt numbered RetryCount+1 is in flight while the
// unit is Building.
type Unit struct {
	ID         string
	Ordinal    int
	Command    string
	Dir        string
	Weight     int
	Timeout    time.Duration
	Status     UnitStatus
	RetryCount int
	Elapsed    time.Duration
}

// logTailMax bounds the rolling log buffer kept for failure artifacts.
const logTailMax = 400

// Orchestrator drives the whole pipeline: preflight gates, sequential unit
// builds, failure classification, remediation, and the two retry loops.
type Orchestrator struct {
	cfg        *config.BuildConfig
	units      []*Unit
	unitRunner runner.UnitRunner
	cmd        runner.CommandRunner
	rem        *remedy.Remediator
	lock       *lockfile.Checker
	tracker    *progress.Tracker
	journal    *db.DB
	backoff    time.Duration

	runID        string
	overrideGate bool
	now          func() time.Time

	toolchainProbe string // raw probe output, attached to failure artifacts
	logTail        []string
	warnings       []string
	remediations   []report.Remediation
	artifact       *report.Artifact
}

// New validates the config and assembles an Orchestrator. unitRunner streams
// the long-running unit builds; cmd runs the short probe, lock, and pin
// commands. A nil sink disables live progress.
func New(cfg *config.BuildConfig, unitRunner runner.UnitRunner, cmd runner.CommandRunner, sink progress.Sink) (*Orchestrator, error) {
	if errs := config.Validate(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(msgs, "; "))
	}

	b := cfg.Build
	units := make([]*Unit, len(b.Units))
	steps := make([]progress.Step, len(b.Units))
	for i, uc := range b.Units {
		var timeout time.Duration
		if uc.Timeout != "" {
			timeout, _ = time.ParseDuration(uc.Timeout) // validated above
		}
		units[i] = &Unit{
			ID:      uc.ID,
			Ordinal: i,
			Command: uc.Command,
			Dir:     uc.Dir,
			Weight:  uc.Weight,
			Timeout: timeout,
			Status:  UnitPending,
		}
		steps[i] = progress.Step{Name: uc.ID, Weight: uc.Weight}
	}

	tracker, err := progress.NewTracker(steps, sink)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	backoff, _ := time.ParseDuration(b.Retries.Backoff) // validated above

	o := &Orchestrator{
		cfg:        cfg,
		units:      units,
		unitRunner: unitRunner,
		cmd:        cmd,
		rem:        remedy.New(cmd),
		tracker:    tracker,
		backoff:    backoff,
		runID:      time.Now().UTC().Format("20060102-150405"),
		now:        time.Now,
	}
	if b.Lock.File != "" {
		o.lock = lockfile.NewChecker(b.Lock.File, b.Lock.Declarations, b.Lock.Regenerate, b.Dir, cmd)
	}
	return o, nil
}

// SetJournal attaches the event journal. Journaling is best-effort; a nil
// journal is valid and disables it.
func (o *Orchestrator) SetJournal(d *db.DB) { o.journal = d }

// SetOverrideVersionGate downgrades hard preflight version failures to
// warnings. The build proceeds at the operator's risk.
func (o *Orchestrator) SetOverrideVersionGate(on bool) { o.overrideGate = on }

// SetRunID overrides the generated run ID.
func (o *Orchestrator) SetRunID(id string) { o.runID = id }

// SetNow overrides the clock (for testing).
func (o *Orchestrator) SetNow(fn func() time.Time) { o.now = fn }

// SetRemediator replaces the remediator (for testing).
func (o *Orchestrator) SetRemediator(r *remedy.Remediator) { o.rem = r }

// RunID returns the identifier this run journals and reports under.
func (o *Orchestrator) RunID() string { return o.runID }

// Units returns the live unit states in pipeline order.
func (o *Orchestrator) Units() []*Unit { return o.units }

// FailureArtifact returns the bug-report artifact assembled for a terminal
// failure, or nil when the run succeeded.
func (o *Orchestrator) FailureArtifact() *report.Artifact { return o.artifact }

// Run executes the pipeline to completion: preflight, then up to global_max
// whole-pipeline attempts. The returned report is always non-nil and reflects
// the final state even when err is non-nil.
func (o *Orchestrator) Run(ctx context.Context) (*report.Run, error) {
	rep := &report.Run{RunID: o.runID, StartedAt: o.now()}
	o.logEvent("run_started", "", 0, o.cfg.Build.Name)

	if err := o.preflight(ctx); err != nil {
		o.captureArtifact("", ReasonPreflight)
		return o.finish(rep, report.StatusFailed, ReasonPreflight, err)
	}
	o.logEvent("preflight_ok", "", 0, "")

	o.tracker.Start()

	globalMax := o.cfg.Build.Retries.GlobalMax
	startIdx := 0
	var lastErr error
	for attempt := 1; attempt <= globalMax; attempt++ {
		rep.GlobalAttempts = attempt

		err := o.runAttempt(ctx, startIdx)
		if err == nil {
			o.tracker.Finish()
			return o.finish(rep, report.StatusSucceeded, "", nil)
		}
		if errors.Is(err, ErrInterrupted) {
			o.captureArtifact(o.failedUnitID(), ReasonInterrupted)
			return o.finish(rep, report.StatusInterrupted, ReasonInterrupted, err)
		}

		lastErr = err
		if attempt == globalMax {
			break
		}
		o.logEvent("global_retry", o.failedUnitID(), attempt, err.Error())
		startIdx = o.rewind()
	}

	o.captureArtifact(o.failedUnitID(), ReasonRetryBudget)
	return o.finish(rep, report.StatusFailed, ReasonRetryBudget,
		fmt.Errorf("%w after %d global attempts: %v", ErrRetryBudgetExceeded, globalMax, lastErr))
}

// runAttempt executes one whole-pipeline attempt, sequentially, starting at
// startIdx. Units already Done (resume mode) are skipped.
func (o *Orchestrator) runAttempt(ctx context.Context, startIdx int) error {
	for i := startIdx; i < len(o.units); i++ {
		u := o.units[i]
		if u.Status == UnitDone {
			continue
		}
		if err := o.runUnit(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

// runUnit drives one unit through its build-classify-remediate-retry loop
// until it is Done or the per-unit budget forces Failed.
func (o *Orchestrator) runUnit(ctx context.Context, u *Unit) error {
	perMax := o.cfg.Build.Retries.PerUnitMax

	for {
		attemptNo := u.RetryCount + 1
		u.Status = UnitBuilding
		_ = o.tracker.Advance(u.ID, 0)
		o.logEvent("unit_building", u.ID, attemptNo, "")

		start := o.now()
		log, exitCode, runErr := o.buildOnce(ctx, u)
		dur := o.now().Sub(start)
		u.Elapsed += dur

		if ctx.Err() != nil {
			u.Status = UnitFailed
			o.logUnitRun(u, attemptNo, "interrupted", exitCode, dur)
			return fmt.Errorf("unit %s: %w: %v", u.ID, ErrInterrupted, ctx.Err())
		}

		if runErr == nil && exitCode == 0 {
			u.Status = UnitDone
			_ = o.tracker.CompleteStep(u.ID)
			o.logUnitRun(u, attemptNo, "done", 0, dur)
			return nil
		}

		match, known := classify.Classify(log)
		o.logUnitRun(u, attemptNo, "failed", exitCode, dur)
		o.logEvent("unit_failed", u.ID, attemptNo,
			fmt.Sprintf("category=%s signature=%s", match.Category, match.Signature))

		// An interrupt found in the log is terminal, never remediated.
		if match.Category == classify.CategoryInterrupted {
			u.Status = UnitFailed
			return fmt.Errorf("unit %s: %w: %s", u.ID, ErrInterrupted, match.Line)
		}

		rc := o.remedyContext(u)
		var res remedy.Result
		if known && match.Remedy != classify.RemedyNone {
			res = o.rem.Remediate(ctx, match, rc)
		}
		if !res.Fixed {
			fallback := o.rem.GenericChain(ctx, log, rc)
			res.Attempts = append(res.Attempts, fallback.Attempts...)
			res.Fixed = fallback.Fixed
		}
		o.recordRemediations(u.ID, res.Attempts)

		if ctx.Err() != nil {
			u.Status = UnitFailed
			return fmt.Errorf("unit %s: %w: %v", u.ID, ErrInterrupted, ctx.Err())
		}

		u.RetryCount++
		if !res.Fixed {
			u.Status = UnitFailed
			return fmt.Errorf("unit %s: %w (category %s)", u.ID, ErrRemediationExhausted, match.Category)
		}
		if u.RetryCount >= perMax {
			u.Status = UnitFailed
			return fmt.Errorf("unit %s: %w (%d failed attempts)", u.ID, ErrRetryBudgetExceeded, u.RetryCount)
		}

		u.Status = UnitRetryScheduled
		o.logEvent("unit_retry_scheduled", u.ID, u.RetryCount+1, "")
	}
}

// buildOnce runs a single build attempt, draining the line stream into the
// rolling log tail and the progress tracker as it arrives.
func (o *Orchestrator) buildOnce(ctx context.Context, u *Unit) (string, int, error) {
	runCtx := ctx
	if u.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, u.Timeout)
		defer cancel()
	}

	proc, err := o.unitRunner.Start(runCtx, u.Dir, u.Command)
	if err != nil {
		return "", -1, err
	}

	var sb strings.Builder
	markers := 0
	for line := range proc.Lines() {
		sb.WriteString(line)
		sb.WriteByte('\n')
		o.appendTail(line)
		if pct, ok := localProgress(line, &markers, u.Weight); ok {
			_ = o.tracker.Advance(u.ID, pct)
		}
	}

	exitCode, waitErr := proc.Wait()
	return sb.String(), exitCode, waitErr
}

var (
	// Build tools that print an explicit "[n/m]" counter are read directly.
	ratioRe = regexp.MustCompile(`\[\s*(\d+)\s*/\s*(\d+)\s*\]`)
	// Otherwise each compilation marker counts one sub-task against the
	// unit's weight, which doubles as the expected sub-task count.
	markerRe = regexp.MustCompile(`^\s*(?:Compiling|Building|Checking|Documenting|Downloading)\b`)
)

func localProgress(line string, markers *int, weight int) (int, bool) {
	if m := ratioRe.FindStringSubmatch(line); m != nil {
		n, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		if total > 0 {
			return clampLocal(n * 100 / total), true
		}
	}
	if markerRe.MatchString(line) {
		*markers++
		return clampLocal(*markers * 100 / max(weight, 1)), true
	}
	return 0, false
}

// clampLocal caps in-flight local progress at 99; only CompleteStep folds the
// unit's full weight in.
func clampLocal(pct int) int {
	if pct > 99 {
		return 99
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// preflight runs the version gates and brings the lock artifact up to date.
// TooOld and Missing are hard failures unless overridden; TooNew is always a
// soft warning.
func (o *Orchestrator) preflight(ctx context.Context) error {
	b := o.cfg.Build

	var subjects []config.Subject
	if b.Toolchain.Name != "" {
		subjects = append(subjects, b.Toolchain)
	}
	subjects = append(subjects, b.Libraries...)
	for _, dep := range b.Dependencies {
		// Dependency packages without a probe are enforced by the lock
		// tooling during the build, not here.
		if dep.Probe != "" {
			subjects = append(subjects, dep)
		}
	}

	var gateFailures []string
	for i, s := range subjects {
		res, probeOut, err := o.checkSubject(ctx, s)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPreflight, err)
		}
		if i == 0 && s.Name == b.Toolchain.Name {
			o.toolchainProbe = probeOut
		}

		switch res.Status {
		case version.StatusMissing:
			gateFailures = append(gateFailures, fmt.Sprintf("%s: not found (need >= %s)", s.Name, res.Required))
		case version.StatusTooOld:
			gateFailures = append(gateFailures,
				fmt.Sprintf("%s %s is older than required %s", s.Name, res.Found, res.Required))
		case version.StatusTooNew:
			o.warnings = append(o.warnings,
				fmt.Sprintf("%s %s is newer than tested maximum %s", s.Name, res.Found, *res.MaxTested))
		}
	}

	if len(gateFailures) > 0 {
		if !o.overrideGate {
			return fmt.Errorf("%w: %s", ErrPreflight, strings.Join(gateFailures, "; "))
		}
		for _, f := range gateFailures {
			o.warnings = append(o.warnings, "version gate overridden: "+f)
		}
		o.logEvent("version_gate_overridden", "", 0, strings.Join(gateFailures, "; "))
	}

	if o.lock != nil {
		if err := o.lock.Ensure(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrPreflight, err)
		}
	}
	return nil
}

// checkSubject probes one subject and compares the found version against its
// declared bounds. A failed probe or unparseable output reports Missing.
func (o *Orchestrator) checkSubject(ctx context.Context, s config.Subject) (version.CheckResult, string, error) {
	spec, err := s.VersionSpec()
	if err != nil {
		return version.CheckResult{}, "", err
	}

	stdout, stderr, exitCode, err := o.cmd.Run(ctx, o.cfg.Build.Dir, s.Probe)
	out := stdout
	if strings.TrimSpace(out) == "" {
		out = stderr
	}
	if err != nil || exitCode != 0 {
		return version.Missing(spec), out, nil
	}

	found, err := version.ExtractFromOutput(out)
	if err != nil {
		return version.Missing(spec), out, nil
	}
	return version.Check(found, spec), out, nil
}

// rewind prepares unit and tracker state for the next global attempt and
// returns the index to resume from. Restart mode wipes everything; resume
// mode keeps completed units and their folded-in progress.
func (o *Orchestrator) rewind() int {
	if o.cfg.Build.Retries.ResumeMode == config.ResumeModeResume {
		start := 0
		for start < len(o.units) && o.units[start].Status == UnitDone {
			start++
		}
		for _, u := range o.units[start:] {
			u.Status = UnitPending
			u.RetryCount = 0
		}
		if start < len(o.units) {
			_ = o.tracker.Advance(o.units[start].ID, 0)
		}
		return start
	}

	for _, u := range o.units {
		u.Status = UnitPending
		u.RetryCount = 0
		u.Elapsed = 0
	}
	o.tracker.Reset()
	return 0
}

// remedyContext scopes remediation side effects to the failing unit's tree.
func (o *Orchestrator) remedyContext(u *Unit) remedy.Context {
	return remedy.Context{
		Dir:        u.Dir,
		Lock:       o.lock,
		Caches:     o.cfg.Build.Caches,
		PinCommand: o.cfg.Build.Lock.Pin,
		Backoff:    o.backoff,
	}
}

// finish freezes the report: final status, per-unit outcomes, remediations,
// and warnings. Always returns the report alongside the terminal error.
func (o *Orchestrator) finish(rep *report.Run, status report.Status, reason string, err error) (*report.Run, error) {
	rep.Status = status
	rep.Reason = reason
	rep.FinishedAt = o.now()
	rep.Remediations = o.remediations
	rep.Warnings = o.warnings

	rep.Units = make([]report.UnitResult, len(o.units))
	for i, u := range o.units {
		rep.Units[i] = report.UnitResult{
			ID:             u.ID,
			Status:         string(u.Status),
			RetryCount:     u.RetryCount,
			ElapsedSeconds: u.Elapsed.Seconds(),
		}
	}

	o.logEvent("run_"+string(status), "", rep.GlobalAttempts, reason)
	return rep, err
}

// captureArtifact assembles the external bug-report bundle for a terminal
// failure.
func (o *Orchestrator) captureArtifact(unit, reason string) {
	o.artifact = report.NewArtifact(o.runID, unit, reason, o.logTail,
		report.DefaultLogTail, report.CollectEnvironment(o.toolchainProbe))
}

// failedUnitID returns the most recently failed unit, or "".
func (o *Orchestrator) failedUnitID() string {
	for i := len(o.units) - 1; i >= 0; i-- {
		if o.units[i].Status == UnitFailed {
			return o.units[i].ID
		}
	}
	return ""
}

func (o *Orchestrator) appendTail(line string) {
	o.logTail = append(o.logTail, line)
	if len(o.logTail) > logTailMax {
		o.logTail = o.logTail[len(o.logTail)-logTailMax:]
	}
}

func (o *Orchestrator) recordRemediations(unit string, attempts []remedy.Attempt) {
	for _, a := range attempts {
		o.remediations = append(o.remediations, report.Remediation{
			Unit:   unit,
			Kind:   a.Kind,
			Detail: a.Detail,
			Fixed:  a.Fixed,
		})
		if o.journal != nil {
			_ = o.journal.LogRemediation(o.runID, unit, a.Kind, a.Detail, a.Fixed)
		}
	}
}

func (o *Orchestrator) logEvent(event, unit string, attempt int, detail string) {
	if o.journal == nil {
		return
	}
	_ = o.journal.LogRunEvent(o.runID, event, unit, attempt, detail)
}

func (o *Orchestrator) logUnitRun(u *Unit, attempt int, status string, exitCode int, dur time.Duration) {
	if o.journal == nil {
		return
	}
	_ = o.journal.LogUnitRun(o.runID, u.ID, attempt, status, exitCode, int(dur.Milliseconds()), "")
}
