package config

// BuildConfig is the top-level configuration structure parsed from build YAML.
type BuildConfig struct {
	Build Build `yaml:"build"`
}

// Build defines the full pipeline: version gates, lock artifact, build units,
// and retry budgets.
type Build struct {
	Name         string            `yaml:"name"`
	Dir          string            `yaml:"dir"`
	Toolchain    Subject           `yaml:"toolchain"`
	Libraries    []Subject         `yaml:"libraries"`
	Dependencies []Subject         `yaml:"dependencies"`
	Lock         Lock              `yaml:"lock"`
	Units        []Unit            `yaml:"units"`
	Retries      Retries           `yaml:"retries"`
	Caches       map[string]string `yaml:"caches"`
}

// Subject declares version bounds for one checked subject: the toolchain, a
// system library, or a dependency package. Probe is the external command
// whose output carries the installed version.
type Subject struct {
	Name          string `yaml:"name"`
	Probe         string `yaml:"probe"`
	Minimum       string `yaml:"minimum"`
	MaximumTested string `yaml:"maximum_tested"`
}

// Lock describes the dependency lock artifact and the declaration files that
// govern it.
type Lock struct {
	File         string   `yaml:"file"`
	Declarations []string `yaml:"declarations"`
	Regenerate   string   `yaml:"regenerate"`
	Pin          string   `yaml:"pin"` // template with {crate} and {version}
}

// Unit is one schedulable build item. Weight is a static estimate of the
// unit's share of total work, used only for progress math.
type Unit struct {
	ID      string `yaml:"id"`
	Command string `yaml:"command"`
	Weight  int    `yaml:"weight"`
	Dir     string `yaml:"dir"`
	Timeout string `yaml:"timeout"`
}

// Retries holds the per-unit and global retry budgets.
type Retries struct {
	PerUnitMax int    `yaml:"per_unit_max"`
	GlobalMax  int    `yaml:"global_max"`
	ResumeMode string `yaml:"resume_mode"` // "restart" (default) or "resume"
	Backoff    string `yaml:"backoff"`
}

// Resume modes for global retries.
const (
	ResumeModeRestart = "restart"
	ResumeModeResume  = "resume"
)
