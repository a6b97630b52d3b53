package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucasnoah/buildmend/internal/config"
	"github.com/lucasnoah/buildmend/internal/progress"
	"github.com/lucasnoah/buildmend/internal/runner"
)

// --- Mocks ---

// fakeProc replays a canned line stream and exit code.
type fakeProc struct {
	lines chan string
	exit  int
}

func newFakeProc(lines []string, exit int) *fakeProc {
	ch := make(chan string, len(lines))
	for _, l := range lines {
		ch <- l
	}
	close(ch)
	return &fakeProc{lines: ch, exit: exit}
}

func (p *fakeProc) Lines() <-chan string { return p.lines }
func (p *fakeProc) Wait() (int, error)   { return p.exit, nil }

type unitResult struct {
	lines []string
	exit  int
}

// fakeUnitRunner hands out scripted results in call order; once the script
// runs out the last entry repeats, which models a persistently failing build.
type fakeUnitRunner struct {
	script  []unitResult
	idx     int
	started []string
}

func (f *fakeUnitRunner) Start(ctx context.Context, dir, command string) (runner.Proc, error) {
	f.started = append(f.started, command)
	r := unitResult{exit: 0}
	if f.idx < len(f.script) {
		r = f.script[f.idx]
		f.idx++
	} else if len(f.script) > 0 {
		r = f.script[len(f.script)-1]
	}
	return newFakeProc(r.lines, r.exit), nil
}

type cmdReply struct {
	stdout string
	exit   int
}

// fakeCmd answers short-lived commands (probes, pins) by substring match.
type fakeCmd struct {
	replies map[string]cmdReply
	calls   []string
}

func (f *fakeCmd) Run(ctx context.Context, dir, command string) (string, string, int, error) {
	f.calls = append(f.calls, command)
	for sub, r := range f.replies {
		if strings.Contains(command, sub) {
			return r.stdout, "", r.exit, nil
		}
	}
	return "", "", 0, nil
}

// --- Test helpers ---

func testConfig(t *testing.T) *config.BuildConfig {
	t.Helper()
	dir := t.TempDir()
	return &config.BuildConfig{Build: config.Build{
		Name: "demo",
		Dir:  dir,
		Toolchain: config.Subject{
			Name: "rustc", Probe: "rustc --version",
			Minimum: "1.85.0", MaximumTested: "1.87.0",
		},
		Lock: config.Lock{
			Pin: "cargo update -p {crate} --precise {version}",
		},
		Units: []config.Unit{
			{ID: "core", Command: "build-core", Weight: 40, Dir: dir},
			{ID: "library", Command: "build-library", Weight: 60, Dir: dir},
		},
		Retries: config.Retries{
			PerUnitMax: 2, GlobalMax: 3,
			ResumeMode: config.ResumeModeRestart, Backoff: "1ms",
		},
		Caches: map[string]string{"registry": filepath.Join(dir, "cache")},
	}}
}

func okToolchain() *fakeCmd {
	return &fakeCmd{replies: map[string]cmdReply{
		"rustc --version": {stdout: "rustc 1.85.0 (4d91de4e4 2025-02-17)"},
	}}
}

type sinkRecorder struct {
	updates []progress.Update
}

func (s *sinkRecorder) Progress(u progress.Update) { s.updates = append(s.updates, u) }

func newTestOrchestrator(t *testing.T, cfg *config.BuildConfig, units *fakeUnitRunner, cmd *fakeCmd) (*Orchestrator, *sinkRecorder) {
	t.Helper()
	sink := &sinkRecorder{}
	o, err := New(cfg, units, cmd, sink)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	o.SetRunID("test-run")
	return o, sink
}

// --- Tests ---

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Build.Units = nil

	_, err := New(cfg, &fakeUnitRunner{}, okToolchain(), nil)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestRun_AllUnitsSucceed(t *testing.T) {
	units := &fakeUnitRunner{script: []unitResult{
		{lines: []string{"   Compiling core v0.1.0", "    Finished dev"}, exit: 0},
		{lines: []string{"   Compiling library v0.1.0"}, exit: 0},
	}}
	o, sink := newTestOrchestrator(t, testConfig(t), units, okToolchain())

	rep, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if rep.Status != "succeeded" {
		t.Errorf("status %q", rep.Status)
	}
	if rep.GlobalAttempts != 1 {
		t.Errorf("global attempts %d", rep.GlobalAttempts)
	}
	for _, u := range rep.Units {
		if u.Status != string(UnitDone) || u.RetryCount != 0 {
			t.Errorf("unit %s: %+v", u.ID, u)
		}
	}
	if got := units.started; len(got) != 2 || got[0] != "build-core" || got[1] != "build-library" {
		t.Errorf("started %v", got)
	}

	// Progress never regresses and ends at exactly 100.
	last := 0
	for _, u := range sink.updates {
		if u.OverallPercent < last {
			t.Errorf("progress regressed: %d after %d", u.OverallPercent, last)
		}
		last = u.OverallPercent
	}
	if last != 100 {
		t.Errorf("final progress %d, want 100", last)
	}
}

func TestRun_RemediatedRetrySucceeds(t *testing.T) {
	units := &fakeUnitRunner{script: []unitResult{
		{lines: []string{"error: checksum mismatch for `foo v1.2.0`"}, exit: 101},
		{lines: []string{"   Compiling core v0.1.0"}, exit: 0},
		{lines: []string{"   Compiling library v0.1.0"}, exit: 0},
	}}
	o, _ := newTestOrchestrator(t, testConfig(t), units, okToolchain())

	rep, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if rep.Status != "succeeded" {
		t.Fatalf("status %q, reason %q", rep.Status, rep.Reason)
	}
	if rep.Units[0].RetryCount != 1 {
		t.Errorf("core retry count %d, want 1", rep.Units[0].RetryCount)
	}
	found := false
	for _, r := range rep.Remediations {
		if r.Unit == "core" && r.Kind == "clear_cache" && r.Fixed {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a fixed clear_cache remediation, got %v", rep.Remediations)
	}
}

func TestRun_PinDowngrade(t *testing.T) {
	units := &fakeUnitRunner{script: []unitResult{
		{lines: []string{"error: package `foo v2.3.1` cannot be built because it requires rustc 1.90 or newer"}, exit: 101},
		{lines: []string{"   Compiling core v0.1.0"}, exit: 0},
		{lines: []string{"   Compiling library v0.1.0"}, exit: 0},
	}}
	cmd := okToolchain()
	o, _ := newTestOrchestrator(t, testConfig(t), units, cmd)

	rep, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if rep.Status != "succeeded" {
		t.Fatalf("status %q, reason %q", rep.Status, rep.Reason)
	}
	found := false
	for _, r := range rep.Remediations {
		if r.Kind == "pin_downgrade" && r.Detail == "pin foo to 2.3.0" && r.Fixed {
			found = true
		}
	}
	if !found {
		t.Errorf("expected pin to 2.3.0, got %v", rep.Remediations)
	}
	pinned := false
	for _, c := range cmd.calls {
		if strings.Contains(c, "--precise 2.3.0") {
			pinned = true
		}
	}
	if !pinned {
		t.Errorf("pin command never ran: %v", cmd.calls)
	}
}

// A pipeline that fails on every attempt must terminate after exactly
// global_max whole-pipeline attempts, with the per-unit budget burned inside
// each one, and must never reach the units behind the failing one.
func TestRun_BudgetsTerminate(t *testing.T) {
	units := &fakeUnitRunner{script: []unitResult{
		{lines: []string{"error: checksum mismatch for `foo v1.2.0`"}, exit: 101},
	}}
	o, _ := newTestOrchestrator(t, testConfig(t), units, okToolchain())

	rep, err := o.Run(context.Background())
	if !errors.Is(err, ErrRetryBudgetExceeded) {
		t.Fatalf("expected ErrRetryBudgetExceeded, got %v", err)
	}

	if rep.Status != "failed" || rep.Reason != ReasonRetryBudget {
		t.Errorf("status %q reason %q", rep.Status, rep.Reason)
	}
	if rep.GlobalAttempts != 3 {
		t.Errorf("global attempts %d, want 3", rep.GlobalAttempts)
	}
	// 2 per-unit attempts per global attempt, 3 global attempts, core only.
	if len(units.started) != 6 {
		t.Errorf("started %d builds, want 6: %v", len(units.started), units.started)
	}
	for _, c := range units.started {
		if c != "build-core" {
			t.Errorf("later unit started despite abandonment: %v", units.started)
		}
	}
	if rep.Units[0].Status != string(UnitFailed) || rep.Units[0].RetryCount != 2 {
		t.Errorf("core %+v", rep.Units[0])
	}
	if rep.Units[1].Status != string(UnitPending) {
		t.Errorf("library %+v", rep.Units[1])
	}
	if o.FailureArtifact() == nil {
		t.Error("expected a failure artifact")
	}
}

func TestRun_RemediationExhaustedAbandonsAttempt(t *testing.T) {
	// Plain compile error: no remedy applies and no generic step matches, so
	// each global attempt burns a single build, not the per-unit budget.
	units := &fakeUnitRunner{script: []unitResult{
		{lines: []string{"error[E0308]: mismatched types"}, exit: 101},
	}}
	o, _ := newTestOrchestrator(t, testConfig(t), units, okToolchain())

	rep, err := o.Run(context.Background())
	if !errors.Is(err, ErrRetryBudgetExceeded) {
		t.Fatalf("expected ErrRetryBudgetExceeded, got %v", err)
	}
	if rep.GlobalAttempts != 3 {
		t.Errorf("global attempts %d, want 3", rep.GlobalAttempts)
	}
	if len(units.started) != 3 {
		t.Errorf("started %d builds, want 3", len(units.started))
	}
}

func TestRun_ResumeModeSkipsDoneUnits(t *testing.T) {
	cfg := testConfig(t)
	cfg.Build.Retries.ResumeMode = config.ResumeModeResume
	cfg.Build.Retries.GlobalMax = 2

	units := &fakeUnitRunner{script: []unitResult{
		{lines: []string{"   Compiling core v0.1.0"}, exit: 0},
		{lines: []string{"error[E0308]: mismatched types"}, exit: 101},
	}}
	o, _ := newTestOrchestrator(t, cfg, units, okToolchain())

	rep, err := o.Run(context.Background())
	if !errors.Is(err, ErrRetryBudgetExceeded) {
		t.Fatalf("expected ErrRetryBudgetExceeded, got %v", err)
	}

	want := []string{"build-core", "build-library", "build-library"}
	if len(units.started) != len(want) {
		t.Fatalf("started %v, want %v", units.started, want)
	}
	for i, c := range units.started {
		if c != want[i] {
			t.Errorf("start %d: %q, want %q", i, c, want[i])
		}
	}
	if rep.Units[0].Status != string(UnitDone) {
		t.Errorf("core must stay done across the resume, got %+v", rep.Units[0])
	}
}

func TestRun_PreflightTooOldBlocks(t *testing.T) {
	cmd := &fakeCmd{replies: map[string]cmdReply{
		"rustc --version": {stdout: "rustc 1.84.9"},
	}}
	units := &fakeUnitRunner{}
	o, _ := newTestOrchestrator(t, testConfig(t), units, cmd)

	rep, err := o.Run(context.Background())
	if !errors.Is(err, ErrPreflight) {
		t.Fatalf("expected ErrPreflight, got %v", err)
	}
	if rep.Status != "failed" || rep.Reason != ReasonPreflight {
		t.Errorf("status %q reason %q", rep.Status, rep.Reason)
	}
	if len(units.started) != 0 {
		t.Errorf("no unit may build after a failed gate, got %v", units.started)
	}
	a := o.FailureArtifact()
	if a == nil || a.Reason != ReasonPreflight {
		t.Errorf("artifact %+v", a)
	}
}

func TestRun_PreflightMissingToolchain(t *testing.T) {
	cmd := &fakeCmd{replies: map[string]cmdReply{
		"rustc --version": {stdout: "command not found", exit: 127},
	}}
	o, _ := newTestOrchestrator(t, testConfig(t), &fakeUnitRunner{}, cmd)

	_, err := o.Run(context.Background())
	if !errors.Is(err, ErrPreflight) {
		t.Fatalf("expected ErrPreflight, got %v", err)
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error %v", err)
	}
}

func TestRun_OverrideVersionGate(t *testing.T) {
	cmd := &fakeCmd{replies: map[string]cmdReply{
		"rustc --version": {stdout: "rustc 1.84.9"},
	}}
	units := &fakeUnitRunner{script: []unitResult{
		{exit: 0},
		{exit: 0},
	}}
	o, _ := newTestOrchestrator(t, testConfig(t), units, cmd)
	o.SetOverrideVersionGate(true)

	rep, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Status != "succeeded" {
		t.Errorf("status %q", rep.Status)
	}
	found := false
	for _, w := range rep.Warnings {
		if strings.Contains(w, "version gate overridden") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an override warning, got %v", rep.Warnings)
	}
}

func TestRun_TooNewWarns(t *testing.T) {
	cmd := &fakeCmd{replies: map[string]cmdReply{
		"rustc --version": {stdout: "rustc 1.88.0"},
	}}
	units := &fakeUnitRunner{script: []unitResult{{exit: 0}, {exit: 0}}}
	o, _ := newTestOrchestrator(t, testConfig(t), units, cmd)

	rep, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Status != "succeeded" {
		t.Errorf("a too-new toolchain must not block, got %q", rep.Status)
	}
	found := false
	for _, w := range rep.Warnings {
		if strings.Contains(w, "newer than tested maximum 1.87.0") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings %v", rep.Warnings)
	}
}

func TestRun_InterruptIsTerminal(t *testing.T) {
	units := &fakeUnitRunner{script: []unitResult{
		{lines: []string{"   Compiling core v0.1.0", "signal: interrupt"}, exit: 130},
	}}
	o, _ := newTestOrchestrator(t, testConfig(t), units, okToolchain())

	rep, err := o.Run(context.Background())
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if rep.Status != "interrupted" || rep.Reason != ReasonInterrupted {
		t.Errorf("status %q reason %q", rep.Status, rep.Reason)
	}
	if len(rep.Remediations) != 0 {
		t.Errorf("an interrupt must never be remediated, got %v", rep.Remediations)
	}
	if len(units.started) != 1 {
		t.Errorf("no retry after an interrupt, got %d starts", len(units.started))
	}
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	units := &fakeUnitRunner{script: []unitResult{
		{lines: []string{"partial output"}, exit: -1},
	}}
	o, _ := newTestOrchestrator(t, testConfig(t), units, okToolchain())

	rep, err := o.Run(ctx)
	if !errors.Is(err, ErrInterrupted) && !errors.Is(err, ErrPreflight) {
		t.Fatalf("expected interrupt or preflight error under a dead context, got %v", err)
	}
	if rep.Status == "succeeded" {
		t.Error("run must not succeed under a cancelled context")
	}
}
