//go:build linux

package grader

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestMain lets the test binary serve as its own sandbox stage when Runner
// re-execs it, the way cmd/grader/main.go does for the grader binary.
func TestMain(m *testing.M) {
	if handled, code := SandboxMain(); handled {
		os.Exit(code)
	}
	os.Exit(m.Run())
}

func TestPrepareOverlayPaths(t *testing.T) {
	options, mergeDir := overlayMountOptions("/opt/system", "/cache/course/problem", "/work/000007")
	wantMerge := filepath.Join("/work/000007", "mergedir")
	if mergeDir != wantMerge {
		t.Errorf("mergeDir = %q, want %q", mergeDir, wantMerge)
	}
	wantOptions := "lowerdir=/opt/system:/cache/course/problem/lowerdir,upperdir=/work/000007/upperdir,workdir=/work/000007/workdir"
	if options != wantOptions {
		t.Errorf("options = %q, want %q", options, wantOptions)
	}
}

func TestOptionsApply(t *testing.T) {
	r := New(nil, nil, "/sys", "/problem", "/work/1",
		WithSelfExecutable("/bin/fake-init"),
		WithExtraEnv("FOO=bar", "BAZ=qux"))
	if r.selfExecutable != "/bin/fake-init" {
		t.Errorf("selfExecutable = %q, want /bin/fake-init", r.selfExecutable)
	}
	if len(r.extraEnv) != 2 || r.extraEnv[0] != "FOO=bar" {
		t.Errorf("extraEnv = %v", r.extraEnv)
	}
}

func TestGetExitStatusBeforeFinishErrors(t *testing.T) {
	r := New(nil, nil, "/sys", "/problem", "/work/1")
	if _, err := r.GetExitStatus(); err == nil {
		t.Error("GetExitStatus on a fresh Runner did not error")
	}
}

func TestResetClearsState(t *testing.T) {
	r := New(nil, nil, "/sys", "/problem", "/work/1")
	result := Finished(0)
	r.exitResult = &result
	r.stdoutBuf = []byte("leftover")
	r.Reset()
	if r.exitResult != nil || r.stdoutBuf != nil {
		t.Error("Reset did not clear previous run state")
	}
}

func TestSandboxConfigJSONRoundTrip(t *testing.T) {
	cfg := sandboxConfig{
		AllowNetwork:     true,
		MountOverlayOpts: "lowerdir=a:b,upperdir=c,workdir=d",
		MergeDir:         "/work/1/mergedir",
		InitialCwd:       "/build",
		CPUTimeLimitSec:  10,
		StackSizeLimitMB: 4,
		FDCountLimit:     20,
		Program:          "/build/solution",
		Arguments:        []string{"--fast"},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got sandboxConfig
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != cfg {
		t.Errorf("round-tripped config = %+v, want %+v", got, cfg)
	}
}

// TestRunCommandUnderSandbox exercises the full re-exec chain against a real
// binary. It requires unprivileged user namespaces and an overlay-capable
// filesystem at os.TempDir(); environments without either (many CI sandboxes
// disable CLONE_NEWUSER) cause Start to fail, which is reported as a skip
// rather than a failure since it reflects the host, not the implementation.
func TestRunCommandUnderSandbox(t *testing.T) {
	dir := t.TempDir()
	systemRoot := filepath.Join(dir, "system")
	problemRoot := filepath.Join(dir, "problem")
	submissionRoot := filepath.Join(dir, "work")
	m := Manager{}
	for _, p := range []string{systemRoot, filepath.Join(problemRoot, "lowerdir"), submissionRoot} {
		if err := m.Mkdir(p); err != nil {
			t.Fatalf("mkdir %s: %v", p, err)
		}
	}

	r := New(nil, nil, systemRoot, problemRoot, submissionRoot)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := r.RunCommand(ctx, "/bin/true", nil)
	if err != nil {
		t.Skipf("sandbox unavailable in this environment: %v", err)
	}
	if !out.Exit.IsSuccess() {
		t.Errorf("exit = %v, want success", out.Exit)
	}
}

// TestRunCommandWithInputPipesStdin runs /bin/cat, which echoes whatever it
// reads on stdin back to stdout; a mismatch would mean WriteStdin's goroutine
// either never delivered the buffer or raced the read loop into a deadlock.
func TestRunCommandWithInputPipesStdin(t *testing.T) {
	dir := t.TempDir()
	systemRoot := filepath.Join(dir, "system")
	problemRoot := filepath.Join(dir, "problem")
	submissionRoot := filepath.Join(dir, "work")
	m := Manager{}
	for _, p := range []string{systemRoot, filepath.Join(problemRoot, "lowerdir"), submissionRoot} {
		if err := m.Mkdir(p); err != nil {
			t.Fatalf("mkdir %s: %v", p, err)
		}
	}

	r := New(nil, nil, systemRoot, problemRoot, submissionRoot)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := r.RunCommandWithInput(ctx, "/bin/cat", nil, []byte("hello sandbox"))
	if err != nil {
		t.Skipf("sandbox unavailable in this environment: %v", err)
	}
	if !out.Exit.IsSuccess() {
		t.Errorf("exit = %v, want success", out.Exit)
	}
	if string(out.Stdout) != "hello sandbox" {
		t.Errorf("stdout = %q, want %q", out.Stdout, "hello sandbox")
	}
}
