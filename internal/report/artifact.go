package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// DefaultLogTail is how many trailing log lines a failure artifact keeps.
const DefaultLogTail = 200

// Environment is a summary of the machine the failure happened on, suitable
// for attaching to an external bug report.
type Environment struct {
	OS        string            `json:"os"`
	Arch      string            `json:"arch"`
	NumCPU    int               `json:"num_cpu"`
	Toolchain string            `json:"toolchain,omitempty"` // raw probe output
	Vars      map[string]string `json:"vars,omitempty"`
}

// envPrefixes selects which environment variables make it into the summary.
var envPrefixes = []string{"CARGO_", "RUSTUP_", "RUSTC_", "CC", "CXX", "BUILDMEND_"}

// CollectEnvironment snapshots the host environment. toolchainProbe is the
// raw output of the configured version probe (may be empty when the probe
// itself failed — that is part of what the artifact documents).
func CollectEnvironment(toolchainProbe string) Environment {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		for _, p := range envPrefixes {
			if strings.HasPrefix(k, p) {
				vars[k] = v
				break
			}
		}
	}
	return Environment{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		NumCPU:    runtime.NumCPU(),
		Toolchain: strings.TrimSpace(toolchainProbe),
		Vars:      vars,
	}
}

// Artifact bundles everything an external bug-report submission needs after
// an unrecoverable failure. The submission mechanism itself lives outside
// this tool.
type Artifact struct {
	RunID       string      `json:"run_id"`
	Unit        string      `json:"unit,omitempty"`
	Reason      string      `json:"reason"`
	LogTail     []string    `json:"log_tail"`
	Environment Environment `json:"environment"`
	CreatedAt   time.Time   `json:"created_at"`
}

// NewArtifact builds an artifact keeping at most n trailing log lines.
func NewArtifact(runID, unit, reason string, logLines []string, n int, env Environment) *Artifact {
	if n <= 0 {
		n = DefaultLogTail
	}
	if len(logLines) > n {
		logLines = logLines[len(logLines)-n:]
	}
	// Copy so the caller's buffer can keep growing.
	tail := make([]string, len(logLines))
	copy(tail, logLines)

	return &Artifact{
		RunID:       runID,
		Unit:        unit,
		Reason:      reason,
		LogTail:     tail,
		Environment: env,
		CreatedAt:   time.Now().UTC(),
	}
}

// Save writes the artifact as <dir>/<run_id>-failure.json.
func (a *Artifact) Save(dir string) (string, error) {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal artifact: %w", err)
	}
	path := filepath.Join(dir, a.RunID+"-failure.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}
