package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/kolkov/probekit/internal/ir"
	"github.com/kolkov/probekit/internal/monitor/detector"
)

// Color modes for report rendering.
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

// Config holds all configuration for probekit.
type Config struct {
	// Modes are the analyses run by `probekit run`.
	Modes []string `yaml:"modes" json:"modes" jsonschema:"title=Modes,description=Analyses to run (race symbolic memsafety coverage)" env:"PROBEKIT_MODES"`

	// Timeout bounds one program run. Zero disables it.
	Timeout time.Duration `yaml:"timeout" json:"timeout" jsonschema:"title=Timeout,description=Wall-clock limit of one run (e.g. 30s); 0 disables" env:"PROBEKIT_TIMEOUT"`

	Color   string `yaml:"color" json:"color" jsonschema:"title=Color,enum=auto,enum=always,enum=never" env:"PROBEKIT_COLOR"`
	Snippet bool   `yaml:"snippet" json:"snippet" jsonschema:"title=Snippet,description=Show the source line of a memory-safety violation" env:"PROBEKIT_SNIPPET"`

	// Isolate runs every program in a child process.
	Isolate bool `yaml:"isolate" json:"isolate" jsonschema:"title=Isolate,description=Run programs in a child process" env:"PROBEKIT_ISOLATE"`

	// TestMode hides thread ids and addresses so reports are reproducible.
	TestMode bool `yaml:"test_mode" json:"test_mode" jsonschema:"title=Test Mode" env:"PROBEKIT_TEST_MODE"`

	Race     RaceConfig     `yaml:"race" json:"race"`
	Memory   MemoryConfig   `yaml:"memory" json:"memory"`
	Coverage CoverageConfig `yaml:"coverage" json:"coverage"`
	Symbolic SymbolicConfig `yaml:"symbolic" json:"symbolic"`
	Fuzz     FuzzConfig     `yaml:"fuzz" json:"fuzz"`
}

// RaceConfig configures race detection.
type RaceConfig struct {
	Algorithm string `yaml:"algorithm" json:"algorithm" jsonschema:"title=Algorithm,enum=hybrid,enum=lockset" env:"PROBEKIT_RACE_ALGORITHM"`
	Coalesce  bool   `yaml:"coalesce" json:"coalesce" jsonschema:"title=Coalesce,description=Merge race probes of one read-modify-write" env:"PROBEKIT_RACE_COALESCE"`
}

// MemoryConfig configures memory-safety checking.
type MemoryConfig struct {
	Redzone uint64 `yaml:"redzone" json:"redzone" jsonschema:"title=Redzone,description=Poisoned bytes around each allocation,minimum=1,maximum=4096" env:"PROBEKIT_REDZONE"`
}

// CoverageConfig configures the coverage report.
type CoverageConfig struct {
	ListLimit int    `yaml:"list_limit" json:"list_limit" jsonschema:"title=List Limit,description=Uncovered entries shown per cell,minimum=1" env:"PROBEKIT_COVERAGE_LIMIT"`
	Out       string `yaml:"out,omitempty" json:"out,omitempty" jsonschema:"title=Output File,description=Also write the plain coverage table here" env:"PROBEKIT_COVERAGE_OUT"`
}

// SymbolicConfig bounds symbolic exploration.
type SymbolicConfig struct {
	MaxPaths      int           `yaml:"max_paths" json:"max_paths" jsonschema:"title=Max Paths,description=0 means unlimited" env:"PROBEKIT_MAX_PATHS"`
	MaxDuration   time.Duration `yaml:"max_duration" json:"max_duration" jsonschema:"title=Max Duration,description=0 means unlimited" env:"PROBEKIT_MAX_DURATION"`
	SolverTimeout time.Duration `yaml:"solver_timeout" json:"solver_timeout" jsonschema:"title=Solver Timeout" env:"PROBEKIT_SOLVER_TIMEOUT"`
	Workers       int           `yaml:"workers" json:"workers" jsonschema:"title=Workers,minimum=1" env:"PROBEKIT_WORKERS"`
}

// FuzzConfig bounds fuzzing campaigns.
type FuzzConfig struct {
	// Input is how a seed reaches the program: stdin or arg.
	Input       string        `yaml:"input" json:"input" jsonschema:"title=Input,enum=stdin,enum=arg" env:"PROBEKIT_FUZZ_INPUT"`
	MaxRuns     int           `yaml:"max_runs" json:"max_runs" jsonschema:"title=Max Runs,description=0 means unlimited" env:"PROBEKIT_FUZZ_MAX_RUNS"`
	MaxDuration time.Duration `yaml:"max_duration" json:"max_duration" jsonschema:"title=Max Duration,description=0 means unlimited" env:"PROBEKIT_FUZZ_MAX_DURATION"`
	Workers     int           `yaml:"workers" json:"workers" jsonschema:"title=Workers,minimum=1" env:"PROBEKIT_FUZZ_WORKERS"`
	CrashDir    string        `yaml:"crash_dir" json:"crash_dir" jsonschema:"title=Crash Directory,description=Where minimized crashes are written" env:"PROBEKIT_FUZZ_CRASH_DIR"`
}

// Fuzz input modes.
const (
	FuzzInputStdin = "stdin"
	FuzzInputArg   = "arg"
)

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Modes:    []string{ir.ModeRace, ir.ModeMemSafety, ir.ModeCoverage},
		Timeout:  30 * time.Second,
		Color:    ColorAuto,
		Snippet:  true,
		Isolate:  true,
		TestMode: false,
		Race: RaceConfig{
			Algorithm: string(detector.Hybrid),
		},
		Memory: MemoryConfig{
			Redzone: 32,
		},
		Coverage: CoverageConfig{
			ListLimit: 5,
		},
		Symbolic: SymbolicConfig{
			MaxPaths:      64,
			MaxDuration:   2 * time.Minute,
			SolverTimeout: 5 * time.Second,
			Workers:       4,
		},
		Fuzz: FuzzConfig{
			Input:       FuzzInputStdin,
			MaxRuns:     10000,
			MaxDuration: 5 * time.Minute,
			Workers:     4,
			CrashDir:    "crashes",
		},
	}
}

// globalConfigFilePath returns the global config file path (~/.probekit/config.yaml)
func globalConfigFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".probekit/config.yaml"
	}
	return filepath.Join(home, ".probekit", "config.yaml")
}

// projectConfigFilePath returns the project-level config file path (./.probekit/config.yaml)
func projectConfigFilePath() string {
	return ".probekit/config.yaml"
}

// Load reads configuration with the following priority (highest to lowest):
// 1. Environment variables
// 2. Project-level config (./.probekit/config.yaml)
// 3. Global config (~/.probekit/config.yaml)
// 4. Defaults
func Load() (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range []string{globalConfigFilePath(), projectConfigFilePath()} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile reads configuration from a specific YAML file path
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	if data, err := os.ReadFile(path); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the specified YAML file path.
// It creates parent directories if they don't exist.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies PROBEKIT_* environment variables to the config.
// Malformed numbers and durations are errors, not silently ignored.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PROBEKIT_MODES"); v != "" {
		cfg.Modes = splitList(v)
	}
	if err := envDuration("PROBEKIT_TIMEOUT", &cfg.Timeout); err != nil {
		return err
	}
	if v := os.Getenv("PROBEKIT_COLOR"); v != "" {
		cfg.Color = v
	}
	if v := os.Getenv("PROBEKIT_SNIPPET"); v != "" {
		cfg.Snippet = parseBool(v)
	}
	if v := os.Getenv("PROBEKIT_ISOLATE"); v != "" {
		cfg.Isolate = parseBool(v)
	}
	if v := os.Getenv("PROBEKIT_TEST_MODE"); v != "" {
		cfg.TestMode = parseBool(v)
	}
	if v := os.Getenv("PROBEKIT_RACE_ALGORITHM"); v != "" {
		cfg.Race.Algorithm = v
	}
	if v := os.Getenv("PROBEKIT_RACE_COALESCE"); v != "" {
		cfg.Race.Coalesce = parseBool(v)
	}
	if v := os.Getenv("PROBEKIT_REDZONE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("PROBEKIT_REDZONE: %w", err)
		}
		cfg.Memory.Redzone = n
	}
	if err := envInt("PROBEKIT_COVERAGE_LIMIT", &cfg.Coverage.ListLimit); err != nil {
		return err
	}
	if v := os.Getenv("PROBEKIT_COVERAGE_OUT"); v != "" {
		cfg.Coverage.Out = v
	}
	if err := envInt("PROBEKIT_MAX_PATHS", &cfg.Symbolic.MaxPaths); err != nil {
		return err
	}
	if err := envDuration("PROBEKIT_MAX_DURATION", &cfg.Symbolic.MaxDuration); err != nil {
		return err
	}
	if err := envDuration("PROBEKIT_SOLVER_TIMEOUT", &cfg.Symbolic.SolverTimeout); err != nil {
		return err
	}
	if err := envInt("PROBEKIT_WORKERS", &cfg.Symbolic.Workers); err != nil {
		return err
	}
	if v := os.Getenv("PROBEKIT_FUZZ_INPUT"); v != "" {
		cfg.Fuzz.Input = v
	}
	if err := envInt("PROBEKIT_FUZZ_MAX_RUNS", &cfg.Fuzz.MaxRuns); err != nil {
		return err
	}
	if err := envDuration("PROBEKIT_FUZZ_MAX_DURATION", &cfg.Fuzz.MaxDuration); err != nil {
		return err
	}
	if v := os.Getenv("PROBEKIT_FUZZ_CRASH_DIR"); v != "" {
		cfg.Fuzz.CrashDir = v
	}
	return envInt("PROBEKIT_FUZZ_WORKERS", &cfg.Fuzz.Workers)
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that the configuration has valid fields
func (c *Config) Validate() error {
	for _, m := range c.Modes {
		if !slices.Contains(ir.Modes, m) {
			return fmt.Errorf("invalid mode: %s (must be one of %s)", m, strings.Join(ir.Modes, ", "))
		}
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	switch c.Color {
	case ColorAuto, ColorAlways, ColorNever:
	default:
		return fmt.Errorf("invalid color: %s (must be 'auto', 'always' or 'never')", c.Color)
	}
	if _, err := detector.ParseAlgorithm(c.Race.Algorithm); err != nil {
		return fmt.Errorf("invalid race.algorithm: %w", err)
	}
	if c.Memory.Redzone == 0 || c.Memory.Redzone > 4096 {
		return fmt.Errorf("memory.redzone must be between 1 and 4096")
	}
	if c.Coverage.ListLimit <= 0 {
		return fmt.Errorf("coverage.list_limit must be positive")
	}
	if c.Symbolic.MaxPaths < 0 {
		return fmt.Errorf("symbolic.max_paths must be non-negative")
	}
	if c.Symbolic.MaxDuration < 0 || c.Symbolic.SolverTimeout < 0 {
		return fmt.Errorf("symbolic durations must be non-negative")
	}
	if c.Symbolic.Workers <= 0 {
		return fmt.Errorf("symbolic.workers must be positive")
	}
	switch c.Fuzz.Input {
	case FuzzInputStdin, FuzzInputArg:
	default:
		return fmt.Errorf("invalid fuzz.input: %s (must be 'stdin' or 'arg')", c.Fuzz.Input)
	}
	if c.Fuzz.MaxRuns < 0 || c.Fuzz.MaxDuration < 0 {
		return fmt.Errorf("fuzz budget must be non-negative")
	}
	if c.Fuzz.Workers <= 0 {
		return fmt.Errorf("fuzz.workers must be positive")
	}
	return nil
}

// Schema returns the JSON schema of the configuration file.
func Schema() ([]byte, error) {
	reflector := new(jsonschema.Reflector)
	bts, err := json.MarshalIndent(reflector.Reflect(&Config{}), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return bts, nil
}
