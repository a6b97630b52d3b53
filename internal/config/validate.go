package config

import (
	"fmt"
	"time"

	"github.com/lucasnoah/buildmend/internal/version"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a BuildConfig for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
// A non-empty result is a ConfigurationError: the pipeline never starts.
func Validate(cfg *BuildConfig) []ValidationError {
	var errs []ValidationError
	b := cfg.Build

	if b.Name == "" {
		errs = append(errs, ValidationError{Field: "build.name", Message: "is required"})
	}
	if len(b.Units) == 0 {
		errs = append(errs, ValidationError{Field: "build.units", Message: "at least one unit is required"})
	}

	validateSubject(b.Toolchain, "build.toolchain", true, &errs)
	for i, lib := range b.Libraries {
		validateSubject(lib, fmt.Sprintf("build.libraries[%d]", i), true, &errs)
	}
	for i, dep := range b.Dependencies {
		validateSubject(dep, fmt.Sprintf("build.dependencies[%d]", i), false, &errs)
	}

	unitIDs := make(map[string]bool)
	for i, u := range b.Units {
		prefix := fmt.Sprintf("build.units[%d]", i)
		if u.ID == "" {
			errs = append(errs, ValidationError{Field: prefix + ".id", Message: "is required"})
			continue
		}
		if unitIDs[u.ID] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".id",
				Message: fmt.Sprintf("duplicate unit ID %q", u.ID),
			})
		}
		unitIDs[u.ID] = true

		if u.Command == "" {
			errs = append(errs, ValidationError{Field: prefix + ".command", Message: "is required"})
		}
		if u.Weight < 0 {
			errs = append(errs, ValidationError{
				Field:   prefix + ".weight",
				Message: fmt.Sprintf("must not be negative, got %d", u.Weight),
			})
		}
		if u.Timeout != "" {
			if _, err := time.ParseDuration(u.Timeout); err != nil {
				errs = append(errs, ValidationError{
					Field:   prefix + ".timeout",
					Message: fmt.Sprintf("invalid duration %q", u.Timeout),
				})
			}
		}
	}

	if b.Lock.File != "" {
		if b.Lock.Regenerate == "" {
			errs = append(errs, ValidationError{
				Field:   "build.lock.regenerate",
				Message: "is required when a lock file is configured",
			})
		}
		if len(b.Lock.Declarations) == 0 {
			errs = append(errs, ValidationError{
				Field:   "build.lock.declarations",
				Message: "at least one declaration file is required when a lock file is configured",
			})
		}
	}

	if b.Retries.ResumeMode != ResumeModeRestart && b.Retries.ResumeMode != ResumeModeResume {
		errs = append(errs, ValidationError{
			Field:   "build.retries.resume_mode",
			Message: fmt.Sprintf("must be %q or %q, got %q", ResumeModeRestart, ResumeModeResume, b.Retries.ResumeMode),
		})
	}
	if b.Retries.Backoff != "" {
		if _, err := time.ParseDuration(b.Retries.Backoff); err != nil {
			errs = append(errs, ValidationError{
				Field:   "build.retries.backoff",
				Message: fmt.Sprintf("invalid duration %q", b.Retries.Backoff),
			})
		}
	}

	return errs
}

// validateSubject checks one subject's version bounds. Subjects with a
// minimum must parse; a configured maximum below the minimum is rejected.
func validateSubject(s Subject, prefix string, named bool, errs *[]ValidationError) {
	if s.Name == "" && s.Minimum == "" && s.MaximumTested == "" {
		return // absent subject, nothing to check
	}
	if named && s.Name == "" {
		*errs = append(*errs, ValidationError{Field: prefix + ".name", Message: "is required"})
	}

	if s.Minimum == "" {
		*errs = append(*errs, ValidationError{Field: prefix + ".minimum", Message: "is required"})
		return
	}
	min, err := version.Parse(s.Minimum)
	if err != nil {
		*errs = append(*errs, ValidationError{Field: prefix + ".minimum", Message: err.Error()})
		return
	}

	if s.MaximumTested == "" {
		return
	}
	max, err := version.Parse(s.MaximumTested)
	if err != nil {
		*errs = append(*errs, ValidationError{Field: prefix + ".maximum_tested", Message: err.Error()})
		return
	}
	if version.Compare(max, min) < 0 {
		*errs = append(*errs, ValidationError{
			Field:   prefix + ".maximum_tested",
			Message: fmt.Sprintf("%s is below minimum %s", s.MaximumTested, s.Minimum),
		})
	}
}

// VersionSpec converts a configured subject into a resolver spec. Malformed
// versions surface as errors — Validate catches them earlier in normal flow.
func (s Subject) VersionSpec() (version.Spec, error) {
	min, err := version.Parse(s.Minimum)
	if err != nil {
		return version.Spec{}, fmt.Errorf("subject %s: %w", s.Name, err)
	}
	spec := version.Spec{Subject: s.Name, Minimum: min}
	if s.MaximumTested != "" {
		max, err := version.Parse(s.MaximumTested)
		if err != nil {
			return version.Spec{}, fmt.Errorf("subject %s: %w", s.Name, err)
		}
		spec.MaximumTested = &max
	}
	return spec, nil
}
