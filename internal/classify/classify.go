package classify

import (
	"regexp"
	"strings"

	"github.com/lucasnoah/buildmend/internal/version"
)

// Category is the failure taxonomy entry a log was matched to.
type Category string

const (
	CategoryToolchainConflict  Category = "toolchain_conflict"
	CategoryLockConflict       Category = "lock_conflict"
	CategoryCacheCorruption    Category = "cache_corruption"
	CategoryRegistryContention Category = "registry_contention"
	CategoryPermissionDenied   Category = "permission_denied"
	CategoryDiskFull           Category = "disk_full"
	CategoryInterrupted        Category = "interrupted"
	CategoryCompileError       Category = "compile_error"
	CategoryUnknown            Category = "unknown"
)

// Remedy names the remediation strategy recommended for a category.
type Remedy string

const (
	RemedyPinDowngrade   Remedy = "pin_downgrade"
	RemedyRegenerateLock Remedy = "regenerate_lock"
	RemedyClearCache     Remedy = "clear_cache"
	RemedyWaitRetry      Remedy = "wait_retry"
	RemedyNone           Remedy = "none"
)

// Extract holds the structured fields pulled out of a matched log line.
// Present only for signatures that extract (e.g. a dependency naming the
// toolchain version it requires).
type Extract struct {
	Crate             string
	CrateVersion      version.Triple
	RequiredToolchain version.Triple
}

// Match is the classification result for one build log.
type Match struct {
	Signature string
	Category  Category
	Remedy    Remedy
	Extract   *Extract
	Line      string // the log line that triggered the match
}

// signature pairs a matcher with its taxonomy entry. The matcher is a
// predicate plus optional extractor so that new signatures are data, not
// control flow.
type signature struct {
	name     string
	category Category
	remedy   Remedy
	re       *regexp.Regexp
	// extract pulls structured fields from the matched log. When it reports
	// false despite the pattern matching, classification falls through to the
	// next less-specific signature instead of failing outright.
	extract func(log string) (*Extract, bool)
}

// Cargo emits either of:
//
//	package `foo v2.3.1` cannot be built because it requires rustc 1.90 or newer
//	crate `foo`@2.3.1 requires toolchain >= 1.90
var (
	crateRequiresRe = regexp.MustCompile(
		"(?:package|crate) `([A-Za-z0-9_-]+)`?[ @]v?([0-9][0-9.]*)`?" +
			"[^\n]*requires (?:rustc|toolchain) (?:>= ?|≥ ?)?([0-9][0-9.]*)")
)

func extractCrateRequirement(log string) (*Extract, bool) {
	m := crateRequiresRe.FindStringSubmatch(log)
	if m == nil {
		return nil, false
	}
	crateVer, err := version.Parse(m[2])
	if err != nil {
		return nil, false
	}
	required, err := version.Parse(m[3])
	if err != nil {
		return nil, false
	}
	return &Extract{Crate: m[1], CrateVersion: crateVer, RequiredToolchain: required}, true
}

// signatures is ordered most specific first; the first match in declaration
// order is authoritative. Several categories' textual signatures overlap
// (e.g. any failing build contains "error"), so the generic compile-error
// pattern must stay last.
var signatures = []signature{
	{
		name:     "interrupted",
		category: CategoryInterrupted,
		remedy:   RemedyNone,
		re:       regexp.MustCompile(`(?i)signal: (?:interrupt|terminated)|context canceled|build interrupted by user`),
	},
	{
		name:     "crate-requires-newer-toolchain",
		category: CategoryToolchainConflict,
		remedy:   RemedyPinDowngrade,
		re:       regexp.MustCompile("(?:package|crate) `[A-Za-z0-9_-]+`?[ @]v?[0-9][0-9.]*`?[^\n]*requires (?:rustc|toolchain)"),
		extract:  extractCrateRequirement,
	},
	{
		name:     "toolchain-requirement",
		category: CategoryToolchainConflict,
		remedy:   RemedyRegenerateLock,
		re:       regexp.MustCompile(`requires (?:rustc|toolchain) [0-9]`),
	},
	{
		name:     "registry-lock-contention",
		category: CategoryRegistryContention,
		remedy:   RemedyWaitRetry,
		re:       regexp.MustCompile(`(?i)blocking waiting for file lock|waiting for.*package cache|could not lock (?:the )?registry`),
	},
	{
		name:     "cache-corruption",
		category: CategoryCacheCorruption,
		remedy:   RemedyClearCache,
		re:       regexp.MustCompile(`(?i)checksum (?:mismatch|for .* changed)|corrupt(?:ed)? (?:cache|package|archive)|invalid tarball`),
	},
	{
		name:     "lock-version-conflict",
		category: CategoryLockConflict,
		remedy:   RemedyRegenerateLock,
		re:       regexp.MustCompile(`(?i)failed to select a version|lock file version .* requires|needs to be updated but .* is locked|version conflict`),
	},
	{
		name:     "permission-denied",
		category: CategoryPermissionDenied,
		remedy:   RemedyNone,
		re:       regexp.MustCompile(`(?i)permission denied|operation not permitted`),
	},
	{
		name:     "disk-full",
		category: CategoryDiskFull,
		remedy:   RemedyNone,
		re:       regexp.MustCompile(`(?i)no space left on device|disk quota exceeded`),
	},
	{
		name:     "compile-error",
		category: CategoryCompileError,
		remedy:   RemedyNone,
		re:       regexp.MustCompile(`(?m)^error(\[E[0-9]+\])?: |compilation failed|could not compile`),
	},
}

// Classify scans a build log against the signature table in declared order
// and returns the first authoritative match. The second return is false when
// no signature matched at all; callers treat that as CategoryUnknown.
func Classify(log string) (Match, bool) {
	for _, sig := range signatures {
		loc := sig.re.FindStringIndex(log)
		if loc == nil {
			continue
		}

		m := Match{
			Signature: sig.name,
			Category:  sig.category,
			Remedy:    sig.remedy,
			Line:      lineAt(log, loc[0]),
		}

		if sig.extract != nil {
			ex, ok := sig.extract(log)
			if !ok {
				// Pattern matched but the structured fields are unusable;
				// fall through so a generic strategy still gets attempted.
				continue
			}
			m.Extract = ex
		}

		return m, true
	}
	return Match{Signature: "unknown", Category: CategoryUnknown, Remedy: RemedyNone}, false
}

// lineAt returns the full log line containing byte offset off.
func lineAt(log string, off int) string {
	start := strings.LastIndexByte(log[:off], '\n') + 1
	end := strings.IndexByte(log[off:], '\n')
	if end < 0 {
		return log[start:]
	}
	return log[start : off+end]
}
