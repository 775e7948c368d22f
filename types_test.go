//go:build linux

package grader

import "testing"

func TestExitResultIsSuccess(t *testing.T) {
	tests := []struct {
		name   string
		result ExitResult
		want   bool
	}{
		{"finished zero", Finished(0), true},
		{"finished nonzero", Finished(1), false},
		{"killed", Killed(9), false},
		{"timeout", Timeout(), false},
		{"stdout limit", StdoutLimitResult(), false},
		{"stderr limit", StderrLimitResult(), false},
	}

	for _, tt := range tests {
		if got := tt.result.IsSuccess(); got != tt.want {
			t.Errorf("%s: IsSuccess() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestExitResultString(t *testing.T) {
	tests := []struct {
		result ExitResult
		want   string
	}{
		{Finished(0), "finished(0)"},
		{Finished(42), "finished(42)"},
		{Killed(11), "killed(11)"},
		{Timeout(), "timeout"},
		{StdoutLimitResult(), "stdout_limit"},
		{StderrLimitResult(), "stderr_limit"},
	}

	for _, tt := range tests {
		if got := tt.result.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestSolutionStatusConstants(t *testing.T) {
	tests := []struct {
		status SolutionStatus
		want   string
	}{
		{StatusPendingReview, "PENDING_REVIEW"},
		{StatusStyleCheckError, "STYLE_CHECK_ERROR"},
		{StatusCompilationError, "COMPILATION_ERROR"},
		{StatusWrongAnswer, "WRONG_ANSWER"},
		{StatusRuntimeError, "RUNTIME_ERROR"},
		{StatusTimeLimit, "TIME_LIMIT"},
		{StatusValgrindErrors, "VALGRIND_ERRORS"},
		{StatusCheckFailed, "CHECK_FAILED"},
		{StatusOK, "OK"},
	}

	for _, tt := range tests {
		if string(tt.status) != tt.want {
			t.Errorf("SolutionStatus %v = %q, want %q", tt.status, string(tt.status), tt.want)
		}
	}
}
