package grader

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// LogConfig controls the logger's destination and verbosity. Grounded on
// original_source/grader/src/properties/log_conf.rs.
type LogConfig struct {
	Path  string `yaml:"path,omitempty"`
	Level string `yaml:"level,omitempty"`
}

// DefaultLogConfig is the log config used when the file has no log section:
// info level and an empty Path, which setupLogger sends to stdout.
func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info"}
}

// ParseLevel maps the config's textual level to a logrus level, matching
// log_level_from_string's accepted spellings (including the "warn"/"warning"
// and "fatal"/"critical" aliases).
func (c LogConfig) ParseLevel() (logrus.Level, error) {
	switch c.Level {
	case "", "info":
		return logrus.InfoLevel, nil
	case "fatal", "critical":
		return logrus.FatalLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "warning", "warn":
		return logrus.WarnLevel, nil
	case "trace":
		return logrus.TraceLevel, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", c.Level)
	}
}

// EndpointsConfig names the two coordinator RPC endpoints.
type EndpointsConfig struct {
	CoursesContent string `yaml:"courses_content"`
	Submissions    string `yaml:"submissions"`
}

// RpcConfig configures C7's connection to the coordinator. Grounded on
// original_source/grader/src/properties/rpc_conf.rs.
type RpcConfig struct {
	Endpoints        EndpointsConfig `yaml:"endpoints"`
	PrivateToken     string          `yaml:"private_token,omitempty"`
	PrivateTokenFile string          `yaml:"private_token_file,omitempty"`
}

// resolveToken returns the configured token, reading it from
// PrivateTokenFile (resolved relative to confDir) when set, matching the
// source's preference for a token file over an inline token.
func (c RpcConfig) resolveToken(confDir string) (string, error) {
	if c.PrivateTokenFile == "" {
		return c.PrivateToken, nil
	}
	path := resolveRelative(confDir, c.PrivateTokenFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read private token file: %w", err)
	}
	return trimTrailingNewline(string(data)), nil
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

// JobsConfig bounds the worker pool. Grounded on
// original_source/grader/src/properties/jobs_conf.rs.
type JobsConfig struct {
	Workers          int    `yaml:"workers,omitempty"`
	ArchSpecificOnly bool   `yaml:"arch_specific_only,omitempty"`
	Name             string `yaml:"name,omitempty"`
}

// resolveWorkers clamps Workers to [1, runtime.NumCPU()], treating 0 or an
// out-of-range value as "use every core" exactly as the source's
// JobsConfig::from_yaml does.
func (c JobsConfig) resolveWorkers() int {
	max := runtime.NumCPU()
	if c.Workers <= 0 || c.Workers > max {
		return max
	}
	return c.Workers
}

// ProcessResourceLimits is the POSIX rlimit set a sandboxed process runs
// under, expressed with the OCI runtime-spec's own rlimit and Linux resource
// types so operators can author grading-limit overrides in the same shape
// tooling elsewhere in their stack already understands.
type ProcessResourceLimits struct {
	Rlimits   []specs.POSIXRlimit  `yaml:"rlimits,omitempty"`
	Resources *specs.LinuxResources `yaml:"resources,omitempty"`
}

// rlimitsFromGradingLimits translates a GradingLimits into the POSIX rlimit
// list expressed through runtime-spec's POSIXRlimit. Like sandbox_linux.go's
// setupPosixLimits it sets RLIMIT_CPU and RLIMIT_NOFILE from the non-zero
// limits; unlike it, RLIMIT_NPROC comes from ProcCountLimit (and is omitted
// when that is zero) instead of the fixed 5000 backstop, and no RLIMIT_STACK
// entry is produced.
func rlimitsFromGradingLimits(limits GradingLimits) []specs.POSIXRlimit {
	var rlimits []specs.POSIXRlimit
	if limits.CPUTimeLimitSec > 0 {
		cpu := uint64(limits.CPUTimeLimitSec)
		rlimits = append(rlimits, specs.POSIXRlimit{Type: "RLIMIT_CPU", Soft: cpu, Hard: cpu})
	}
	if limits.FDCountLimit > 0 {
		fds := uint64(limits.FDCountLimit)
		rlimits = append(rlimits, specs.POSIXRlimit{Type: "RLIMIT_NOFILE", Soft: fds, Hard: fds})
	}
	if limits.ProcCountLimit > 0 {
		procs := uint64(limits.ProcCountLimit)
		rlimits = append(rlimits, specs.POSIXRlimit{Type: "RLIMIT_NPROC", Soft: procs, Hard: procs})
	}
	return rlimits
}

// linuxResourcesFromGradingLimits fills the memory cgroup limit runtime-spec
// expresses, left unenforced at process-setup time per the Open Question
// decision recorded in DESIGN.md — a future cgroup v2 writer is the natural
// consumer of this value.
func linuxResourcesFromGradingLimits(limits GradingLimits) *specs.LinuxResources {
	if limits.MemoryMaxLimitMB <= 0 {
		return nil
	}
	bytesLimit := int64(limits.MemoryMaxLimitMB) * 1024 * 1024
	return &specs.LinuxResources{
		Memory: &specs.LinuxMemory{Limit: &bytesLimit},
	}
}

// GraderConfig aggregates every sub-config the worker needs. Grounded on
// original_source/grader/src/properties/grader_conf.rs.
type GraderConfig struct {
	Log                    LogConfig       `yaml:"log,omitempty"`
	Rpc                    RpcConfig       `yaml:"rpc"`
	Jobs                   JobsConfig      `yaml:"jobs,omitempty"`
	Locations              LocationsConfig `yaml:"locations"`
	DefaultLimits          GradingLimits   `yaml:"default_limits,omitempty"`
	DefaultBuildProperties BuildProperties `yaml:"default_build_properties,omitempty"`
}

// LoadGraderConfig reads and resolves a YAML config file, making every
// relative path in it absolute against the file's own directory — matching
// resolve_relative's role in the source.
func LoadGraderConfig(path string) (GraderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return GraderConfig{}, fmt.Errorf("read config: %w", err)
	}
	var config GraderConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return GraderConfig{}, fmt.Errorf("parse config: %w", err)
	}

	confDir := filepath.Dir(path)
	config.Locations.WorkingDirectory = resolveRelative(confDir, config.Locations.WorkingDirectory)
	config.Locations.CacheDirectory = resolveRelative(confDir, config.Locations.CacheDirectory)
	config.Locations.SystemRoot = resolveRelative(confDir, config.Locations.SystemRoot)

	token, err := config.Rpc.resolveToken(confDir)
	if err != nil {
		return GraderConfig{}, err
	}
	config.Rpc.PrivateToken = token

	if config.Jobs.Name == "" {
		config.Jobs.Name = "default"
	}
	config.Jobs.Workers = config.Jobs.resolveWorkers()

	if config.Log == (LogConfig{}) {
		config.Log = DefaultLogConfig()
	}
	return config, nil
}

// CLIOverrides holds the flags cmd/grader/main.go accepts that take priority
// over whatever the config file says, applied in ApplyCLIOverrides.
type CLIOverrides struct {
	Name     string
	LogPath  string
	LogLevel string
}

// ApplyCLIOverrides layers non-empty CLI flag values on top of a loaded
// config, matching GraderConfig::from_args's override order (YAML first,
// flags win).
func (c *GraderConfig) ApplyCLIOverrides(o CLIOverrides) {
	if o.LogPath != "" {
		c.Log.Path = o.LogPath
	}
	if o.LogLevel != "" {
		c.Log.Level = o.LogLevel
	}
	if o.Name != "" {
		c.Jobs.Name = o.Name
	}
}

// resolveRelative joins part onto base unless part is already absolute,
// matching original_source/grader/src/properties.rs's resolve_relative.
func resolveRelative(base, part string) string {
	if part == "" || filepath.IsAbs(part) {
		return part
	}
	return filepath.Join(base, part)
}
