//go:build linux

package grader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Runner owns one submission's isolated execution environment: the overlay
// mount, the sandboxed process tree, and the stdio/log pipes connecting it to
// the grader. Grounded on original_source/grader/src/runner/runner_impl.rs;
// the two-level fork the source does with nix::unistd::fork is expressed here
// as a chain of self re-exec stages (SandboxMain), the idiomatic Go substitute
// for forking a running multi-threaded binary in place.
type Runner struct {
	logger *logrus.Entry
	limits *GradingLimits

	systemRoot      string
	problemRoot     string
	submissionRoot  string
	relativeWorkdir string

	selfExecutable string
	extraEnv       []string

	monitor    *ProcessMonitor
	exitResult *ExitResult

	stdoutBuf []byte
	stderrBuf []byte
}

// Option configures a Runner at construction time. Grounded on the functional
// options pattern the teacher library built its Spec/Exec configuration
// surface from.
type Option func(*Runner)

// WithSelfExecutable overrides the binary Runner re-execs into the sandbox
// stages. Tests that cannot rely on /proc/self/exe pointing at a real init
// entry point use this to point at a stub.
func WithSelfExecutable(path string) Option {
	return func(r *Runner) { r.selfExecutable = path }
}

// WithExtraEnv appends additional KEY=VALUE entries to every sandbox stage's
// environment.
func WithExtraEnv(env ...string) Option {
	return func(r *Runner) { r.extraEnv = append(r.extraEnv, env...) }
}

// New builds a Runner for one submission. limits may be nil, meaning no
// resource caps are enforced beyond the fork-bomb backstop.
func New(logger *logrus.Entry, limits *GradingLimits, systemRoot, problemRoot, submissionRoot string, opts ...Option) *Runner {
	r := &Runner{
		logger:          logger,
		limits:          limits,
		systemRoot:      systemRoot,
		problemRoot:     problemRoot,
		submissionRoot:  submissionRoot,
		relativeWorkdir: "/",
	}
	self, err := os.Executable()
	if err != nil {
		self = "/proc/self/exe"
	}
	r.selfExecutable = self
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetRelativeWorkdir sets the directory (relative to the overlay merge root)
// the sandboxed process starts in. Default is "/".
func (r *Runner) SetRelativeWorkdir(path string) {
	r.relativeWorkdir = path
}

// Reset drops the previous run's monitor and exit result so the Runner can be
// reused for the next command (SPEC_FULL.md §4.3.3).
func (r *Runner) Reset() {
	if r.monitor != nil {
		r.monitor.Close()
	}
	r.monitor = nil
	r.exitResult = nil
	r.stdoutBuf = nil
	r.stderrBuf = nil
}

// overlayMountOptions builds the `mount -t overlay -o ...` option string and
// merge-mount target for one submission, with no filesystem side effects.
func overlayMountOptions(systemRoot, problemRoot, submissionRoot string) (options, mergeDir string) {
	workdirPath := filepath.Join(submissionRoot, "workdir")
	mergedirPath := filepath.Join(submissionRoot, "mergedir")
	lowerdir := fmt.Sprintf("%s:%s", systemRoot, filepath.Join(problemRoot, "lowerdir"))
	upperdir := filepath.Join(submissionRoot, "upperdir")
	options = fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lowerdir, upperdir, workdirPath)
	return options, mergedirPath
}

func (r *Runner) prepareOverlay() (overlayOptions, mergeDir string, err error) {
	workdirPath := filepath.Join(r.submissionRoot, "workdir")
	mergedirPath := filepath.Join(r.submissionRoot, "mergedir")
	m := Manager{}
	if err := m.Mkdir(workdirPath); err != nil {
		return "", "", err
	}
	if err := m.Mkdir(mergedirPath); err != nil {
		return "", "", err
	}
	options, mergeDir := overlayMountOptions(r.systemRoot, r.problemRoot, r.submissionRoot)
	return options, mergeDir, nil
}

// Start launches program under the sandbox and returns once the first-level
// sandbox stage has been spawned; it does not wait for completion. Callers
// drain events with ProcessEventsUntilFinished.
func (r *Runner) Start(ctx context.Context, program string, arguments []string) error {
	r.Reset()

	overlayOptions, mergeDir, err := r.prepareOverlay()
	if err != nil {
		return newRunnerError(RunnerErrOverlayMount, err, "prepare overlay for %s", r.submissionRoot)
	}

	cfg := sandboxConfig{
		Program:          program,
		Arguments:        arguments,
		MountOverlayOpts: overlayOptions,
		MergeDir:         mergeDir,
		InitialCwd:       r.relativeWorkdir,
	}
	allowNetwork := false
	if r.limits != nil {
		allowNetwork = r.limits.AllowNetwork
		cfg.CPUTimeLimitSec = r.limits.CPUTimeLimitSec
		cfg.StackSizeLimitMB = r.limits.StackSizeLimitMB
		cfg.FDCountLimit = r.limits.FDCountLimit
	}
	cfg.AllowNetwork = allowNetwork

	pid, stdinFD, stdoutFD, stderrFD, logFD, err := spawnStage0(r.selfExecutable, r.extraEnv, cfg)
	if err != nil {
		return err
	}

	realTimeLimitSec, stdoutLimitMB, stderrLimitMB := int32(0), int32(0), int32(0)
	if r.limits != nil {
		realTimeLimitSec = r.limits.RealTimeLimitSec
		stdoutLimitMB = r.limits.StdoutSizeLimitMB
		stderrLimitMB = r.limits.StderrSizeLimitMB
	}

	monitor, err := NewProcessMonitor(pid, stdinFD, stdoutFD, stderrFD, logFD, realTimeLimitSec, stdoutLimitMB, stderrLimitMB)
	if err != nil {
		return newRunnerError(RunnerErrFork, err, "start process monitor for pid %d", pid)
	}
	r.monitor = monitor
	return nil
}

// ProcessEventsUntilFinished drains the sandbox's stdio and log events until
// a terminal ExitResult is available.
func (r *Runner) ProcessEventsUntilFinished(ctx context.Context) error {
	if r.monitor == nil {
		return newRunnerError(RunnerErrUnknown, nil, "process not started")
	}

	for {
		event, err := r.monitor.NextEvent(ctx)
		if err != nil {
			return newRunnerError(RunnerErrUnknown, err, "sandbox setup failed")
		}
		switch event.Kind {
		case EventFinished:
			result := event.Exit
			r.exitResult = &result
			return nil
		case EventTimeout:
			result := Timeout()
			r.exitResult = &result
			return nil
		case EventStdoutLimit:
			result := StdoutLimitResult()
			r.exitResult = &result
			return nil
		case EventStderrLimit:
			result := StderrLimitResult()
			r.exitResult = &result
			return nil
		case EventStdoutData:
			r.stdoutBuf = append(r.stdoutBuf, event.Data...)
		case EventStderrData:
			r.stderrBuf = append(r.stderrBuf, event.Data...)
		case EventDebugMessage:
			if r.logger != nil {
				r.logger.Debug(event.Debug)
			}
		}
	}
}

// GetExitStatus returns the terminal result of the most recent run.
func (r *Runner) GetExitStatus() (ExitResult, error) {
	if r.exitResult == nil {
		return ExitResult{}, newRunnerError(RunnerErrUnknown, nil, "process not finished")
	}
	return *r.exitResult, nil
}

// Kill is reserved for stopping a running sandbox from the parent side. It
// is not implemented: it always returns an error and leaves the child alone.
func (r *Runner) Kill() error {
	return errors.New("not implemented")
}

// RunCommand is the synchronous convenience wrapper: reset, start, drain,
// consolidate. No stdin is piped to the child.
func (r *Runner) RunCommand(ctx context.Context, program string, arguments []string) (CommandOutput, error) {
	return r.RunCommandWithInput(ctx, program, arguments, nil)
}

// RunCommandWithInput is RunCommand plus a fixed stdin buffer, used by the
// test-running phase of the submission pipeline: stdin is written from a
// separate goroutine so a child that produces output before consuming all
// of its input can never deadlock against this call.
func (r *Runner) RunCommandWithInput(ctx context.Context, program string, arguments []string, stdin []byte) (CommandOutput, error) {
	if err := r.Start(ctx, program, arguments); err != nil {
		return CommandOutput{}, err
	}
	go func() {
		if err := r.monitor.WriteStdin(stdin); err != nil && r.logger != nil {
			r.logger.WithError(err).Debug("stdin write failed")
		}
	}()
	if err := r.ProcessEventsUntilFinished(ctx); err != nil {
		return CommandOutput{}, err
	}
	exit, err := r.GetExitStatus()
	if err != nil {
		return CommandOutput{}, err
	}
	return CommandOutput{Exit: exit, Stdout: r.stdoutBuf, Stderr: r.stderrBuf}, nil
}
