package grader

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "grader.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o640); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadGraderConfigResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, `
rpc:
  endpoints:
    courses_content: "grpc://coordinator:9000"
    submissions: "grpc://coordinator:9001"
  private_token: "secret"
locations:
  working_directory: "work"
  cache_directory: "cache"
  system_environment: "/srv/system-root"
`)

	config, err := LoadGraderConfig(path)
	if err != nil {
		t.Fatalf("LoadGraderConfig: %v", err)
	}
	if want := filepath.Join(dir, "work"); config.Locations.WorkingDirectory != want {
		t.Errorf("WorkingDirectory = %q, want %q", config.Locations.WorkingDirectory, want)
	}
	if config.Locations.SystemRoot != "/srv/system-root" {
		t.Errorf("SystemRoot = %q, want unchanged absolute path", config.Locations.SystemRoot)
	}
	if config.Jobs.Name != "default" {
		t.Errorf("Jobs.Name = %q, want default", config.Jobs.Name)
	}
	if config.Jobs.Workers <= 0 {
		t.Errorf("Jobs.Workers = %d, want a positive clamp", config.Jobs.Workers)
	}
	if config.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want default info", config.Log.Level)
	}
}

func TestLoadGraderConfigReadsPrivateTokenFile(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token.txt")
	if err := os.WriteFile(tokenPath, []byte("file-token\n"), 0o640); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	path := writeConfigFile(t, dir, `
rpc:
  endpoints:
    courses_content: "grpc://coordinator:9000"
    submissions: "grpc://coordinator:9001"
  private_token_file: "token.txt"
locations:
  working_directory: "work"
  cache_directory: "cache"
  system_environment: "/srv/system-root"
`)

	config, err := LoadGraderConfig(path)
	if err != nil {
		t.Fatalf("LoadGraderConfig: %v", err)
	}
	if config.Rpc.PrivateToken != "file-token" {
		t.Errorf("PrivateToken = %q, want file-token", config.Rpc.PrivateToken)
	}
}

func TestJobsConfigResolveWorkersClampsToNumCPU(t *testing.T) {
	huge := JobsConfig{Workers: 1 << 30}
	if got := huge.resolveWorkers(); got <= 0 {
		t.Errorf("resolveWorkers() = %d, want positive clamp", got)
	}
	zero := JobsConfig{Workers: 0}
	if got := zero.resolveWorkers(); got <= 0 {
		t.Errorf("resolveWorkers() with 0 = %d, want positive", got)
	}
}

func TestApplyCLIOverrides(t *testing.T) {
	config := GraderConfig{Log: LogConfig{Level: "info"}, Jobs: JobsConfig{Name: "default"}}
	config.ApplyCLIOverrides(CLIOverrides{Name: "worker-1", LogLevel: "debug"})
	if config.Jobs.Name != "worker-1" {
		t.Errorf("Jobs.Name = %q, want worker-1", config.Jobs.Name)
	}
	if config.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", config.Log.Level)
	}
	if config.Log.Path != "" {
		t.Errorf("Log.Path = %q, want unchanged empty string", config.Log.Path)
	}
}

func TestRlimitsFromGradingLimits(t *testing.T) {
	limits := GradingLimits{CPUTimeLimitSec: 2, FDCountLimit: 16, ProcCountLimit: 4}
	rlimits := rlimitsFromGradingLimits(limits)
	if len(rlimits) != 3 {
		t.Fatalf("rlimitsFromGradingLimits returned %d entries, want 3", len(rlimits))
	}
	for _, r := range rlimits {
		if r.Soft != r.Hard {
			t.Errorf("rlimit %s: soft %d != hard %d", r.Type, r.Soft, r.Hard)
		}
	}
}

func TestLinuxResourcesFromGradingLimitsNilWhenUnset(t *testing.T) {
	if got := linuxResourcesFromGradingLimits(GradingLimits{}); got != nil {
		t.Errorf("linuxResourcesFromGradingLimits(zero) = %v, want nil", got)
	}
	resources := linuxResourcesFromGradingLimits(GradingLimits{MemoryMaxLimitMB: 64})
	if resources == nil || resources.Memory == nil || *resources.Memory.Limit != 64*1024*1024 {
		t.Errorf("linuxResourcesFromGradingLimits(64MB) = %+v, want 64MiB memory limit", resources)
	}
}
