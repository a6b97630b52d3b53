package progress

import (
	"fmt"
	"time"
)

// Update is one emission of the live progress feed. It carries everything a
// presentation layer needs; rendering (terminal bar, log line, structured
// event) is out of scope here.
type Update struct {
	OverallPercent int    `json:"overall_percent"`
	StepID         string `json:"step_id"`
	StepPercent    int    `json:"step_percent"`
	ETASeconds     *int64 `json:"eta_seconds,omitempty"` // nil when no estimate yet
}

// Sink receives progress updates. Implementations must be cheap; the tracker
// calls them synchronously on every meaningful change.
type Sink interface {
	Progress(u Update)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(u Update)

func (f SinkFunc) Progress(u Update) { f(u) }

// Step is one weighted entry in the tracked pipeline.
type Step struct {
	Name   string
	Weight int
}

// Tracker maintains weighted-step progress and converts elapsed time into an
// ETA. The step list and total weight are fixed at construction; completed
// weight only grows.
type Tracker struct {
	steps        []Step
	index        map[string]int
	totalWeight  int
	completed    int // sum of weights of completed steps
	currentIdx   int
	currentLocal int // 0–100 within the current step
	startTime    time.Time
	finished     bool
	lastOverall  int
	sink         Sink
	now          func() time.Time
}

// NewTracker builds a Tracker over the ordered step list. Weights must be
// positive and step names unique.
func NewTracker(steps []Step, sink Sink) (*Tracker, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("progress: no steps")
	}
	index := make(map[string]int, len(steps))
	total := 0
	for i, s := range steps {
		if s.Weight <= 0 {
			return nil, fmt.Errorf("progress: step %q has non-positive weight %d", s.Name, s.Weight)
		}
		if _, dup := index[s.Name]; dup {
			return nil, fmt.Errorf("progress: duplicate step %q", s.Name)
		}
		index[s.Name] = i
		total += s.Weight
	}
	return &Tracker{
		steps:       steps,
		index:       index,
		totalWeight: total,
		sink:        sink,
		now:         time.Now,
	}, nil
}

// SetNow overrides the clock (for testing).
func (t *Tracker) SetNow(fn func() time.Time) {
	t.now = fn
}

// Start records the wall-clock start used for ETA extrapolation.
func (t *Tracker) Start() {
	t.startTime = t.now()
	t.emit()
}

// Advance updates the local percentage of the named step. Out-of-range
// values are clamped; regressions within a step are allowed (a retried step
// starts over) but never lower the overall figure below what was already
// completed.
func (t *Tracker) Advance(stepID string, localPercent int) error {
	i, ok := t.index[stepID]
	if !ok {
		return fmt.Errorf("progress: unknown step %q", stepID)
	}
	if localPercent < 0 {
		localPercent = 0
	}
	if localPercent > 100 {
		localPercent = 100
	}
	t.currentIdx = i
	t.currentLocal = localPercent
	t.emit()
	return nil
}

// CompleteStep marks the named step done, folding its weight into the
// completed total and advancing the current index.
func (t *Tracker) CompleteStep(stepID string) error {
	i, ok := t.index[stepID]
	if !ok {
		return fmt.Errorf("progress: unknown step %q", stepID)
	}
	t.completed += t.steps[i].Weight
	if t.completed > t.totalWeight {
		t.completed = t.totalWeight
	}
	t.currentIdx = i + 1
	t.currentLocal = 0
	t.emit()
	return nil
}

// Reset rewinds progress to the beginning of the pipeline without touching
// the start time. Used when a global retry restarts the whole run — elapsed
// wall clock is kept so the ETA stays honest.
func (t *Tracker) Reset() {
	t.completed = 0
	t.currentIdx = 0
	t.currentLocal = 0
	t.emit()
}

// Finish marks the whole pipeline complete. Only here does the overall
// figure reach 100 — while running it is clamped to 99 so the display never
// flashes a premature "100%" before the final unit truly finishes.
func (t *Tracker) Finish() {
	t.finished = true
	t.completed = t.totalWeight
	t.currentIdx = len(t.steps)
	t.currentLocal = 0
	t.emit()
}

// Overall returns the current 0–100 figure.
func (t *Tracker) Overall() int {
	if t.finished {
		return 100
	}
	inFlight := 0
	if t.currentIdx < len(t.steps) {
		inFlight = t.steps[t.currentIdx].Weight * t.currentLocal / 100
	}
	pct := (t.completed + inFlight) * 100 / t.totalWeight
	if pct > 99 {
		pct = 99
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

// ETA extrapolates remaining seconds from elapsed time and percent complete.
// The linear model assumes a uniform work rate — it is an estimate, not a
// guarantee. Returns nil while percent is zero (no basis for an estimate).
func (t *Tracker) ETA() *int64 {
	pct := t.Overall()
	if pct <= 0 || t.startTime.IsZero() {
		return nil
	}
	elapsed := t.now().Sub(t.startTime)
	remaining := int64(elapsed.Seconds()) * int64(100-pct) / int64(pct)
	return &remaining
}

// CurrentStep returns the name of the step currently in flight, or "" when
// the pipeline is finished.
func (t *Tracker) CurrentStep() string {
	if t.currentIdx >= len(t.steps) {
		return ""
	}
	return t.steps[t.currentIdx].Name
}

func (t *Tracker) emit() {
	if t.sink == nil {
		return
	}
	overall := t.Overall()
	// Suppress no-op emissions except the terminal one.
	if overall == t.lastOverall && !t.finished && overall != 0 {
		return
	}
	t.lastOverall = overall
	t.sink.Progress(Update{
		OverallPercent: overall,
		StepID:         t.CurrentStep(),
		StepPercent:    t.currentLocal,
		ETASeconds:     t.ETA(),
	})
}
