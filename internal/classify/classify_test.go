package classify

import (
	"testing"

	"github.com/lucasnoah/buildmend/internal/version"
)

func TestClassify_CrateRequirementExtraction(t *testing.T) {
	log := "   Compiling foo v2.3.1\n" +
		"error: package `foo v2.3.1` cannot be built because it requires rustc 1.90 or newer\n"

	m, ok := Classify(log)
	if !ok {
		t.Fatal("expected a match")
	}
	if m.Signature != "crate-requires-newer-toolchain" {
		t.Fatalf("matched %q", m.Signature)
	}
	if m.Remedy != RemedyPinDowngrade {
		t.Errorf("remedy %q, want pin_downgrade", m.Remedy)
	}
	if m.Extract == nil {
		t.Fatal("expected extraction")
	}
	if m.Extract.Crate != "foo" {
		t.Errorf("crate %q", m.Extract.Crate)
	}
	if m.Extract.CrateVersion != (version.Triple{Major: 2, Minor: 3, Patch: 1}) {
		t.Errorf("crate version %v", m.Extract.CrateVersion)
	}
	if m.Extract.RequiredToolchain != (version.Triple{Major: 1, Minor: 90, Patch: 0}) {
		t.Errorf("required toolchain %v", m.Extract.RequiredToolchain)
	}
}

func TestClassify_BacktickAtForm(t *testing.T) {
	log := "error: crate `serde_json`@1.0.140 requires toolchain >= 1.88\n"
	m, ok := Classify(log)
	if !ok || m.Signature != "crate-requires-newer-toolchain" {
		t.Fatalf("matched %q ok=%v", m.Signature, ok)
	}
	if m.Extract == nil || m.Extract.Crate != "serde_json" {
		t.Fatalf("extract %+v", m.Extract)
	}
	if m.Extract.RequiredToolchain != (version.Triple{Major: 1, Minor: 88, Patch: 0}) {
		t.Errorf("required %v", m.Extract.RequiredToolchain)
	}
}

func TestClassify_ExtractionFallsThrough(t *testing.T) {
	// Matches the crate-requirement shape but the required version is
	// unparseable, so the specific signature must be skipped in favor of the
	// next less-specific one.
	log := "error: package `bar v1.2.0` cannot be built because it requires rustc nightly or newer\n" +
		"some other context requires rustc 1 here\n"

	m, ok := Classify(log)
	if !ok {
		t.Fatal("expected a match")
	}
	if m.Signature != "toolchain-requirement" {
		t.Errorf("matched %q, want toolchain-requirement", m.Signature)
	}
	if m.Remedy != RemedyRegenerateLock {
		t.Errorf("remedy %q", m.Remedy)
	}
}

func TestClassify_OrderingSpecificBeforeGeneric(t *testing.T) {
	// A log with both a checksum mismatch and a compile error must classify
	// as cache corruption — the generic compile-error pattern is tried last.
	log := "error: checksum for `baz v0.4.2` changed between lock files\n" +
		"error: could not compile `baz`\n"

	m, ok := Classify(log)
	if !ok {
		t.Fatal("expected a match")
	}
	if m.Category != CategoryCacheCorruption {
		t.Errorf("category %q, want cache_corruption", m.Category)
	}
	if m.Remedy != RemedyClearCache {
		t.Errorf("remedy %q", m.Remedy)
	}
}

func TestClassify_Interrupted(t *testing.T) {
	log := "   Compiling core v1.0.0\nsignal: interrupt\n"
	m, ok := Classify(log)
	if !ok {
		t.Fatal("expected a match")
	}
	if m.Category != CategoryInterrupted {
		t.Errorf("category %q, want interrupted", m.Category)
	}
	if m.Remedy != RemedyNone {
		t.Errorf("remedy %q, want none — user aborts are not remediated", m.Remedy)
	}
}

func TestClassify_Categories(t *testing.T) {
	cases := []struct {
		log      string
		category Category
		remedy   Remedy
	}{
		{"Blocking waiting for file lock on package cache\n", CategoryRegistryContention, RemedyWaitRetry},
		{"error: failed to select a version for `tokio`\n", CategoryLockConflict, RemedyRegenerateLock},
		{"error: Permission denied (os error 13)\n", CategoryPermissionDenied, RemedyNone},
		{"error: No space left on device (os error 28)\n", CategoryDiskFull, RemedyNone},
		{"error[E0308]: mismatched types\n", CategoryCompileError, RemedyNone},
	}
	for _, c := range cases {
		m, ok := Classify(c.log)
		if !ok {
			t.Errorf("no match for %q", c.log)
			continue
		}
		if m.Category != c.category {
			t.Errorf("log %q: category %q, want %q", c.log, m.Category, c.category)
		}
		if m.Remedy != c.remedy {
			t.Errorf("log %q: remedy %q, want %q", c.log, m.Remedy, c.remedy)
		}
	}
}

func TestClassify_Unknown(t *testing.T) {
	m, ok := Classify("everything is fine, nothing to see here\n")
	if ok {
		t.Fatalf("unexpected match %q", m.Signature)
	}
	if m.Category != CategoryUnknown {
		t.Errorf("category %q, want unknown", m.Category)
	}
}

func TestClassify_MatchLineCaptured(t *testing.T) {
	log := "line one\nerror: No space left on device\nline three\n"
	m, _ := Classify(log)
	if m.Line != "error: No space left on device" {
		t.Errorf("line %q", m.Line)
	}
}
