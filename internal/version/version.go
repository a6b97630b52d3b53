package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Triple is a semantic version as (major, minor, patch).
// Components missing from the source string default to 0.
type Triple struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

func (t Triple) String() string {
	return fmt.Sprintf("%d.%d.%d", t.Major, t.Minor, t.Patch)
}

// Parse converts a version string like "1.85" or "1.85.3" into a Triple.
// A non-numeric component is a caller error, never silently zeroed.
func Parse(s string) (Triple, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "v")
	if s == "" {
		return Triple{}, fmt.Errorf("empty version string")
	}

	parts := strings.SplitN(s, ".", 4)
	if len(parts) > 3 {
		return Triple{}, fmt.Errorf("version %q has more than three components", s)
	}

	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Triple{}, fmt.Errorf("version %q: component %q is not numeric", s, p)
		}
		if n < 0 {
			return Triple{}, fmt.Errorf("version %q: component %q is negative", s, p)
		}
		nums[i] = n
	}

	return Triple{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// Compare returns -1 if a < b, 0 if a == b, +1 if a > b,
// comparing lexicographically on (major, minor, patch).
func Compare(a, b Triple) int {
	if a.Major != b.Major {
		return sign(a.Major - b.Major)
	}
	if a.Minor != b.Minor {
		return sign(a.Minor - b.Minor)
	}
	return sign(a.Patch - b.Patch)
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// Spec declares the acceptable version range for one subject (the toolchain,
// a system library, or a dependency package). Minimum is always set;
// MaximumTested is optional — nil means no ceiling.
type Spec struct {
	Subject       string
	Minimum       Triple
	MaximumTested *Triple
}

// Status classifies the outcome of a version check.
type Status int

const (
	StatusMissing Status = iota
	StatusTooOld
	StatusTooNew
	StatusOk
)

func (s Status) String() string {
	switch s {
	case StatusMissing:
		return "missing"
	case StatusTooOld:
		return "too_old"
	case StatusTooNew:
		return "too_new"
	case StatusOk:
		return "ok"
	default:
		return "unknown"
	}
}

// CheckResult is the outcome of checking a found version against a Spec.
// Found is only meaningful when Status != StatusMissing.
type CheckResult struct {
	Subject   string  `json:"subject"`
	Status    Status  `json:"-"`
	StatusStr string  `json:"status"`
	Found     Triple  `json:"found"`
	Required  Triple  `json:"required"`
	MaxTested *Triple `json:"max_tested,omitempty"`
}

// Check compares a found version against a spec. Results are computed fresh
// on every call — system state can change between checks (e.g. after a
// remediation step runs), so nothing is cached.
func Check(found Triple, spec Spec) CheckResult {
	r := CheckResult{
		Subject:   spec.Subject,
		Found:     found,
		Required:  spec.Minimum,
		MaxTested: spec.MaximumTested,
	}

	if Compare(found, spec.Minimum) < 0 {
		r.Status = StatusTooOld
	} else if spec.MaximumTested != nil && Compare(found, *spec.MaximumTested) > 0 {
		r.Status = StatusTooNew
	} else {
		r.Status = StatusOk
	}
	r.StatusStr = r.Status.String()
	return r
}

// Missing builds the result for a subject whose version could not be probed
// at all (binary not installed, probe command failed).
func Missing(spec Spec) CheckResult {
	return CheckResult{
		Subject:   spec.Subject,
		Status:    StatusMissing,
		StatusStr: StatusMissing.String(),
		Required:  spec.Minimum,
		MaxTested: spec.MaximumTested,
	}
}

// tripleRe finds the first x.y or x.y.z token in probe output like
// "rustc 1.85.0 (4d91de4e4 2025-02-17)".
var tripleRe = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

// ExtractFromOutput pulls the first version triple out of a probe command's
// output. Returns an error when no triple is present.
func ExtractFromOutput(out string) (Triple, error) {
	m := tripleRe.FindStringSubmatch(out)
	if m == nil {
		return Triple{}, fmt.Errorf("no version found in output %q", firstLine(out))
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch := 0
	if m[3] != "" {
		patch, _ = strconv.Atoi(m[3])
	}
	return Triple{Major: major, Minor: minor, Patch: patch}, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
