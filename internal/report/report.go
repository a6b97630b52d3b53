package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Status is the final pipeline outcome.
type Status string

const (
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// UnitResult summarizes one build unit's final state.
type UnitResult struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	RetryCount     int     `json:"retry_count"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// Remediation records one triggered remediation and its outcome.
type Remediation struct {
	Unit   string `json:"unit,omitempty"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
	Fixed  bool   `json:"fixed"`
}

// Run is the structured per-run report handed to collaborators: final status,
// per-unit outcomes, every remediation attempted, and any soft warnings
// (e.g. toolchain newer than the tested range).
type Run struct {
	RunID          string        `json:"run_id"`
	Status         Status        `json:"status"`
	Reason         string        `json:"reason,omitempty"`
	GlobalAttempts int           `json:"global_attempts"`
	Units          []UnitResult  `json:"units"`
	Remediations   []Remediation `json:"remediations,omitempty"`
	Warnings       []string      `json:"warnings,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
}

// JSON returns the report as indented JSON.
func (r *Run) JSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DefaultDir returns ~/.buildmend/reports, creating it if needed.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".buildmend", "reports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return dir, nil
}

// Save writes the report as <dir>/<run_id>.json.
func (r *Run) Save(dir string) (string, error) {
	data, err := r.JSON()
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	path := filepath.Join(dir, r.RunID+".json")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// Load reads a previously saved report.
func Load(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var r Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", path, err)
	}
	return &r, nil
}
