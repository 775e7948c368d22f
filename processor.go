//go:build linux

package grader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// ProcessorState names one step of the submission pipeline (SPEC_FULL.md
// §4.5): Queued → Stored → StyleChecked → Built → Tested → Done.
type ProcessorState int

const (
	StateQueued ProcessorState = iota
	StateStored
	StateStyleChecked
	StateBuilt
	StateTested
	StateDone
)

// TestOutcome is the result of running one grading test case.
type TestOutcome struct {
	Index    int
	Status   SolutionStatus
	Message  string
}

// SubmissionResult is what a finished SubmissionProcessor.Run hands back to
// its caller (JobsManager): the terminal status plus every phase's log, for
// the coordinator's own record-keeping.
type SubmissionResult struct {
	SubmissionID   int64
	Status         SolutionStatus
	StyleErrorLog  string
	BuildErrorLog  string
	TestLog        string
	TestOutcomes   []TestOutcome
}

// SubmissionProcessor drives one submission through every grading phase.
// Grounded on original_source/grader/src/processor.rs, whose own
// process_stored_submission stops right after check_style; the Build and
// Test phases below are this module's supplement (SPEC_FULL.md §9).
type SubmissionProcessor struct {
	logger     *logrus.Entry
	storage    Manager
	builders   BuilderFactory
	defaults   GradingLimits
	systemRoot string

	submission Submission
	state      ProcessorState
}

// NewSubmissionProcessor builds a processor for one submission.
func NewSubmissionProcessor(logger *logrus.Entry, storage Manager, builders BuilderFactory, defaults GradingLimits, systemRoot string, submission Submission) *SubmissionProcessor {
	return &SubmissionProcessor{
		logger:     logger,
		storage:    storage,
		builders:   builders,
		defaults:   defaults,
		systemRoot: systemRoot,
		submission: submission,
	}
}

// Run executes the full pipeline and never returns an error itself: any
// system failure is folded into a CheckFailed SubmissionResult, matching the
// source's own run()'s catch-all that turns a failed process_submission into
// SolutionStatus::CheckFailed rather than propagating an error to the caller.
func (p *SubmissionProcessor) Run(ctx context.Context) SubmissionResult {
	result, err := p.processSubmission(ctx)
	if err != nil {
		p.logger.WithError(err).Error("submission processing failed")
		return SubmissionResult{
			SubmissionID:  p.submission.ID,
			Status:        StatusCheckFailed,
			BuildErrorLog: err.Error(),
		}
	}
	p.logger.WithField("status", result.Status).Info("submission done")
	return result
}

func (p *SubmissionProcessor) processSubmission(ctx context.Context) (SubmissionResult, error) {
	if _, err := p.storage.StoreSubmission(p.submission); err != nil {
		return SubmissionResult{}, fmt.Errorf("store submission: %w", err)
	}
	p.state = StateStored

	problemRoot := p.storage.ProblemRoot(p.submission.CourseDataID, p.submission.ProblemID)
	options, err := p.storage.LoadGradingOptions(problemRoot)
	if err != nil {
		return SubmissionResult{}, fmt.Errorf("load grading options: %w", err)
	}

	builder, err := p.builders.CreateBuilder(buildSystemFromString(options.BuildSystem), p.submission, p.systemRoot, problemRoot)
	if err != nil {
		return SubmissionResult{}, fmt.Errorf("select builder: %w", err)
	}

	result := SubmissionResult{SubmissionID: p.submission.ID}

	submissionRoot := p.storage.SubmissionRoot(p.submission.ID)

	if styleErr := builder.CheckStyle(ctx, p.submission, options.StyleCheckers); styleErr != nil {
		switch e := styleErr.(type) {
		case SystemError:
			p.writeLog(submissionRoot, "stylecheck.log", e.Error())
			return SubmissionResult{}, e
		case UserError:
			result.Status = StatusStyleCheckError
			result.StyleErrorLog = e.Error()
			p.writeLog(submissionRoot, "stylecheck.log", e.Error())
			return result, nil
		}
	}
	p.writeLog(submissionRoot, "stylecheck.log", "style check passed")
	p.state = StateStyleChecked

	target := executableTargetFromOptions(options)
	artifacts, buildErr := builder.Build(ctx, p.submission, target)
	if buildErr != nil {
		switch e := buildErr.(type) {
		case SystemError:
			p.writeLog(submissionRoot, "build.log", e.Error())
			return SubmissionResult{}, e
		case UserError:
			result.Status = StatusCompilationError
			result.BuildErrorLog = e.Error()
			p.writeLog(submissionRoot, "build.log", e.Error())
			return result, nil
		}
	}
	p.writeLog(submissionRoot, "build.log", "build succeeded")
	p.state = StateBuilt

	if len(artifacts) == 0 {
		result.Status = StatusOK
		p.writeLog(submissionRoot, "test.log", "no executable produced, nothing to test")
		return result, nil
	}

	limits := p.defaults.UpdatedWith(options.Limits)
	outcomes, testStatus, testLog, err := p.runTests(ctx, artifacts[0], options, limits)
	if err != nil {
		p.writeLog(submissionRoot, "test.log", err.Error())
		return SubmissionResult{}, err
	}
	p.state = StateTested
	result.Status = testStatus
	result.TestLog = testLog
	result.TestOutcomes = outcomes
	if testLog == "" {
		testLog = "no tests configured"
	}
	p.writeLog(submissionRoot, "test.log", testLog)
	p.state = StateDone
	return result, nil
}

// writeLog persists one phase's human-readable aggregated message to
// build/<name> under the submission root (SPEC_FULL.md §4.5). Failing to
// write a log is logged, not fatal: it must never override a phase's own
// classification of the submission.
func (p *SubmissionProcessor) writeLog(submissionRoot, name, message string) {
	path := filepath.Join(submissionRoot, "upperdir", "build", name)
	if err := p.storage.StoreBinary(path, []byte(message), false); err != nil {
		p.logger.WithError(err).WithField("log", name).Error("failed to write phase log")
	}
}

// runTests runs artifact's primary executable against every configured test
// case (SPEC_FULL.md §4.5's Built→Tested supplement), stopping at the first
// failing case and classifying it per the exact-byte-match / exit-status
// rules the spec describes.
func (p *SubmissionProcessor) runTests(ctx context.Context, artifact BuildArtifact, options GradingOptionsDoc, limits GradingLimits) ([]TestOutcome, SolutionStatus, string, error) {
	if len(artifact.FileNames) == 0 {
		return nil, StatusCheckFailed, "", fmt.Errorf("built artifact has no executable")
	}
	submissionRoot := p.storage.SubmissionRoot(p.submission.ID)
	problemRoot := p.storage.ProblemRoot(p.submission.CourseDataID, p.submission.ProblemID)
	executable := "/build/" + artifact.FileNames[0]

	var outcomes []TestOutcome
	var log []string
	for i, tc := range options.Tests {
		runner := New(p.logger, &limits, p.systemRoot, problemRoot, submissionRoot)
		runner.SetRelativeWorkdir("/build")

		args := splitTestArgs(tc.Args)
		output, err := runner.RunCommandWithInput(ctx, executable, args, []byte(tc.Stdin))
		if err != nil {
			return outcomes, StatusCheckFailed, "", fmt.Errorf("test %d: %w", i+1, err)
		}

		outcome := TestOutcome{Index: i + 1}
		switch {
		case output.Exit.Kind == ExitTimeout:
			outcome.Status = StatusTimeLimit
			outcome.Message = "time limit exceeded"
		case !output.Exit.IsSuccess():
			outcome.Status = StatusRuntimeError
			outcome.Message = output.Exit.String()
		case string(output.Stdout) != tc.Stdout:
			outcome.Status = StatusWrongAnswer
			outcome.Message = fmt.Sprintf("test %d: stdout mismatch", i+1)
		case tc.Stderr != "" && string(output.Stderr) != tc.Stderr:
			outcome.Status = StatusWrongAnswer
			outcome.Message = fmt.Sprintf("test %d: stderr mismatch", i+1)
		default:
			outcome.Status = StatusOK
			outcome.Message = "passed"
		}
		outcomes = append(outcomes, outcome)
		log = append(log, fmt.Sprintf("test %d: %s", i+1, outcome.Message))

		if outcome.Status != StatusOK {
			return outcomes, outcome.Status, strings.Join(log, "\n"), nil
		}
	}
	return outcomes, StatusOK, strings.Join(log, "\n"), nil
}

func splitTestArgs(args string) []string {
	if args == "" {
		return nil
	}
	return tokenSetSliceOrdered(args)
}

// tokenSetSliceOrdered tokenizes a whitespace-separated argument line while
// preserving the original order, unlike the set-semantics tokenSet used for
// build property merging.
func tokenSetSliceOrdered(s string) []string {
	var result []string
	field := ""
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			if field != "" {
				result = append(result, field)
				field = ""
			}
			continue
		}
		field += string(r)
	}
	if field != "" {
		result = append(result, field)
	}
	return result
}

func buildSystemFromString(name string) BuildSystem {
	switch name {
	case "clang":
		return BuildSystemClangToolchain
	case "skip":
		return BuildSystemSkip
	default:
		return BuildSystemAutodetect
	}
}

func executableTargetFromOptions(options GradingOptionsDoc) ExecutableTarget {
	switch options.ExecutableTarget {
	case "native_with_valgrind":
		return TargetNativeWithValgrind
	case "native_with_sanitizers":
		return TargetNativeWithSanitizers
	case "native_with_sanitizers_and_valgrind":
		return TargetNativeWithSanitizersAndValgrind
	default:
		return TargetNative
	}
}
