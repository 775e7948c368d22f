//go:build linux

package grader

import "fmt"

// SourceProcessError is the per-file failure record produced when a compiler,
// formatter, or diff invocation rejects one solution file.
type SourceProcessError struct {
	FileName string
	Message  string
}

func (e SourceProcessError) Error() string {
	return fmt.Sprintf("%s: %s", e.FileName, e.Message)
}

// BuildError is the load-bearing sum type behind the Builder component: a
// failure is either a SystemError (the worker's own fault, aborts the
// submission as CHECK_FAILED) or a UserError (the student's fault, aborts
// with a student-visible status). Callers must not collapse this into a bare
// error string — the two cases drive different SolutionStatus outcomes.
type BuildError interface {
	error
	isBuildError()
}

// SystemError wraps an unexpected failure: a process that could not be
// started, a filesystem error, an overlay mount refusal.
type SystemError struct {
	Cause error
}

func (e SystemError) Error() string { return "system error: " + e.Cause.Error() }
func (e SystemError) Unwrap() error { return e.Cause }
func (SystemError) isBuildError()   {}

// UserError wraps one or more SourceProcessError records attributable to the
// student's own code.
type UserError struct {
	Errors []SourceProcessError
}

func (e UserError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d source errors", len(e.Errors))
}
func (UserError) isBuildError() {}

// RunnerErrorCode classifies a sandbox construction failure reported over the
// child's out-of-band log pipe, mirroring the category the original worker
// attributes the fault to.
type RunnerErrorCode int

const (
	RunnerErrUnknown RunnerErrorCode = iota
	RunnerErrNamespace
	RunnerErrOverlayMount
	RunnerErrRlimit
	RunnerErrFork
	RunnerErrExec
)

// RunnerError is returned by Runner.Start/RunCommand for any failure that
// precedes or interrupts the child's exec, as opposed to a normal non-zero
// ExitResult which is not an error at this layer.
type RunnerError struct {
	Code    RunnerErrorCode
	Message string
	cause   error
}

func (e *RunnerError) Error() string { return e.Message }
func (e *RunnerError) Unwrap() error { return e.cause }
func (e *RunnerError) Is(target error) bool {
	t, ok := target.(*RunnerError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newRunnerError(code RunnerErrorCode, cause error, format string, args ...any) *RunnerError {
	return &RunnerError{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}
