package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a build configuration from the given YAML file path.
// After parsing, it applies defaults to fields that don't specify their own values.
func Load(path string) (*BuildConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg BuildConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a build config in standard locations and loads the
// first one found. Search order: ./buildmend.yaml, ~/.buildmend/config.yaml
func LoadDefault() (*BuildConfig, error) {
	candidates := []string{"buildmend.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".buildmend", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no build config found (searched: %v)", candidates)
}

// applyDefaults fills in probe commands, unit weights, retry budgets, and
// expands home-relative paths.
func applyDefaults(cfg *BuildConfig) {
	b := &cfg.Build

	if b.Dir == "" {
		b.Dir = "."
	}

	if b.Toolchain.Name != "" && b.Toolchain.Probe == "" {
		b.Toolchain.Probe = b.Toolchain.Name + " --version"
	}
	for i := range b.Libraries {
		if b.Libraries[i].Probe == "" && b.Libraries[i].Name != "" {
			b.Libraries[i].Probe = b.Libraries[i].Name + " --version"
		}
	}

	for i := range b.Units {
		if b.Units[i].Weight <= 0 {
			b.Units[i].Weight = 1
		}
		if b.Units[i].Dir == "" {
			b.Units[i].Dir = b.Dir
		}
	}

	if b.Retries.PerUnitMax <= 0 {
		b.Retries.PerUnitMax = 2
	}
	if b.Retries.GlobalMax <= 0 {
		b.Retries.GlobalMax = 3
	}
	if b.Retries.ResumeMode == "" {
		b.Retries.ResumeMode = ResumeModeRestart
	}
	if b.Retries.Backoff == "" {
		b.Retries.Backoff = "5s"
	}

	for ns, dir := range b.Caches {
		b.Caches[ns] = expandHome(dir)
	}
	b.Lock.File = expandHome(b.Lock.File)
	for i := range b.Lock.Declarations {
		b.Lock.Declarations[i] = expandHome(b.Lock.Declarations[i])
	}
}

// expandHome rewrites a leading ~/ to the user's home directory.
func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
