package remedy

import "github.com/lucasnoah/buildmend/internal/version"

// Candidates generates downgrade candidates for a dependency in strictly
// decreasing order: progressively older patch versions first (patch-1 … 0),
// then progressively older minor versions (minor-1.0, minor-2.0, … 0.0).
// The sequence is lazy, finite, and restartable via Reset.
type Candidates struct {
	start version.Triple
	patch int
	minor int
}

// NewCandidates returns the candidate sequence for downgrading from current.
func NewCandidates(current version.Triple) *Candidates {
	c := &Candidates{start: current}
	c.Reset()
	return c
}

// Reset rewinds the sequence to the first candidate.
func (c *Candidates) Reset() {
	c.patch = c.start.Patch - 1
	c.minor = c.start.Minor - 1
}

// Next yields the next candidate. The second return is false once the space
// is exhausted.
func (c *Candidates) Next() (version.Triple, bool) {
	if c.patch >= 0 {
		v := version.Triple{Major: c.start.Major, Minor: c.start.Minor, Patch: c.patch}
		c.patch--
		return v, true
	}
	if c.minor >= 0 {
		v := version.Triple{Major: c.start.Major, Minor: c.minor, Patch: 0}
		c.minor--
		return v, true
	}
	return version.Triple{}, false
}
