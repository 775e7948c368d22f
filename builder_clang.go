//go:build linux

package grader

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
)

// clangToolchain builds and style-checks C/C++/GNU-asm submissions with the
// Clang toolchain. Grounded on
// original_source/grader/src/builders/clang.rs.
type clangToolchain struct {
	logger      *logrus.Entry
	storage     Manager
	defaults    BuildProperties
	systemRoot  string
	problemRoot string
}

func newClangToolchain(logger *logrus.Entry, storage Manager, defaults BuildProperties, systemRoot, problemRoot string) clangToolchain {
	return clangToolchain{logger: logger, storage: storage, defaults: defaults, systemRoot: systemRoot, problemRoot: problemRoot}
}

func (c clangToolchain) canBuild(submission Submission) bool {
	return c.hasC(submission) || c.hasCxx(submission) || c.hasGNUAsm(submission)
}

func (c clangToolchain) hasC(s Submission) bool    { return hasFileWithSuffix(s.SolutionFiles, ".c") }
func (c clangToolchain) hasGNUAsm(s Submission) bool {
	return hasFileWithSuffix(s.SolutionFiles, ".S") || hasFileWithSuffix(s.SolutionFiles, ".s")
}
func (c clangToolchain) hasCxx(s Submission) bool {
	return hasFileWithSuffix(s.SolutionFiles, ".cpp") ||
		hasFileWithSuffix(s.SolutionFiles, ".cxx") ||
		hasFileWithSuffix(s.SolutionFiles, ".cc")
}

// languageBucket picks the effective build properties bucket by the priority
// the source documents: C++ beats GNU-asm beats C.
func (c clangToolchain) languageBucket(s Submission) (LanguageBuildProperties, error) {
	switch {
	case c.hasCxx(s):
		return c.defaults.Cxx, nil
	case c.hasGNUAsm(s):
		return c.defaults.S, nil
	case c.hasC(s):
		return c.defaults.C, nil
	default:
		return nil, fmt.Errorf("unsupported build toolchain for submission %d", s.ID)
	}
}

func sanitizerOptions(props LanguageBuildProperties, target ExecutableTarget) map[string]struct{} {
	allow := target == TargetNativeWithSanitizers || target == TargetNativeWithSanitizersAndValgrind
	if !allow {
		return nil
	}
	sanitizers, ok := props["sanitizers"]
	if !ok {
		return nil
	}
	result := tokenSet(sanitizers)
	flags := make(map[string]struct{}, len(result)+1)
	for tok := range result {
		flags["-fsanitize="+tok] = struct{}{}
	}
	flags["-fno-sanitize-recover=all"] = struct{}{}
	return flags
}

// Build runs the full C4 build pipeline: merge properties, decide which of
// the plain/sanitized targets to produce, compile then link each.
func (c clangToolchain) Build(ctx context.Context, submission Submission, target ExecutableTarget) ([]BuildArtifact, BuildError) {
	bucket, err := c.languageBucket(submission)
	if err != nil {
		return nil, SystemError{Cause: err}
	}
	options, err := c.storage.LoadGradingOptions(c.problemRoot)
	if err != nil {
		return nil, SystemError{Cause: err}
	}

	var langOverride LanguageBuildProperties
	switch {
	case c.hasCxx(submission):
		langOverride = options.BuildProperties.Cxx
	case c.hasGNUAsm(submission):
		langOverride = options.BuildProperties.S
	default:
		langOverride = options.BuildProperties.C
	}
	buildProps := bucket.UpdatedWith(langOverride)

	linkOptions := tokenSet(buildProps["link_options"])
	_, noStdLib := linkOptions["-nostdlib"]

	sanitizers := sanitizerOptions(buildProps, target)
	enableSanitizerTarget := len(sanitizers) > 0 && !noStdLib
	hasNativeTarget := target == TargetNative || target == TargetNativeWithValgrind || target == TargetNativeWithSanitizersAndValgrind
	enablePlainTarget := hasNativeTarget || !enableSanitizerTarget

	var artifacts []BuildArtifact
	if enablePlainTarget {
		artifact, buildErr := c.buildTarget(ctx, submission, buildProps, TargetNative, nil)
		if buildErr != nil {
			return nil, buildErr
		}
		artifacts = append(artifacts, artifact)
	}
	if enableSanitizerTarget {
		artifact, buildErr := c.buildTarget(ctx, submission, buildProps, TargetNativeWithSanitizers, sanitizers)
		if buildErr != nil {
			return nil, buildErr
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, nil
}

func (c clangToolchain) buildTarget(ctx context.Context, submission Submission, buildProps LanguageBuildProperties, target ExecutableTarget, sanitizerOpts map[string]struct{}) (BuildArtifact, BuildError) {
	objectSuffix := ".o"
	if target == TargetNativeWithSanitizers {
		objectSuffix = ".san.o"
	}

	compiler, ok := buildProps["compiler"]
	if !ok || compiler == "" {
		return BuildArtifact{}, SystemError{Cause: fmt.Errorf("compiler not set in configuration")}
	}

	compileOptions := tokenSet(buildProps["compile_options"])
	for tok := range sanitizerOpts {
		compileOptions[tok] = struct{}{}
	}

	var objectFiles []string
	var compileErrors []SourceProcessError
	for _, source := range submission.SolutionFiles {
		if !isCompilableSource(source.Name) {
			continue
		}
		outName := source.Name + objectSuffix
		if err := c.compileFile(ctx, submission, compiler, source.Name, outName, compileOptions); err != nil {
			switch e := err.(type) {
			case SystemError:
				return BuildArtifact{}, e
			case UserError:
				compileErrors = append(compileErrors, e.Errors...)
			}
			continue
		}
		objectFiles = append(objectFiles, outName)
	}
	if len(compileErrors) > 0 {
		return BuildArtifact{}, UserError{Errors: compileErrors}
	}

	linkOptions := tokenSet(buildProps["link_options"])
	artifactName := "solution"
	if target != TargetNative {
		artifactName = "solution-san"
	}
	if err := c.linkExecutable(ctx, submission, compiler, objectFiles, artifactName, linkOptions); err != nil {
		return BuildArtifact{}, err
	}

	return BuildArtifact{Target: target, FileNames: []string{artifactName}}, nil
}

func (c clangToolchain) createRunner(submission Submission) *Runner {
	submissionRoot := c.storage.SubmissionRoot(submission.ID)
	return New(c.logger, nil, c.systemRoot, c.problemRoot, submissionRoot)
}

func (c clangToolchain) compileFile(ctx context.Context, submission Submission, compiler, sourceName, outName string, options map[string]struct{}) BuildError {
	runner := c.createRunner(submission)
	runner.SetRelativeWorkdir("/build")
	args := make([]string, 0, len(options)+4)
	args = append(args, setToSlice(options)...)
	args = append(args, "-c", "-o", outName, sourceName)

	result, err := runner.RunCommand(ctx, compiler, args)
	if err != nil {
		return SystemError{Cause: err}
	}
	if !result.Exit.IsSuccess() {
		return UserError{Errors: []SourceProcessError{{FileName: sourceName, Message: string(result.Stderr)}}}
	}
	return nil
}

func (c clangToolchain) linkExecutable(ctx context.Context, submission Submission, linker string, objectFiles []string, outName string, options map[string]struct{}) BuildError {
	runner := c.createRunner(submission)
	runner.SetRelativeWorkdir("/build")
	args := make([]string, 0, len(options)+2+len(objectFiles))
	args = append(args, setToSlice(options)...)
	args = append(args, "-o", outName)
	args = append(args, objectFiles...)

	result, err := runner.RunCommand(ctx, linker, args)
	if err != nil {
		return SystemError{Cause: err}
	}
	if !result.Exit.IsSuccess() {
		return UserError{Errors: []SourceProcessError{{FileName: outName, Message: string(result.Stderr)}}}
	}
	return nil
}

// CheckStyle runs clang-format plus a diff for every source file whose
// extension is covered by styleRules, collecting one SourceProcessError per
// file whose formatting disagrees with clang-format's own opinion.
func (c clangToolchain) CheckStyle(ctx context.Context, submission Submission, styleRules []StyleCheckerRule) BuildError {
	runner := c.createRunner(submission)
	runner.SetRelativeWorkdir("/build")
	submissionRoot := c.storage.SubmissionRoot(submission.ID)

	var userErrors []SourceProcessError
	for _, source := range submission.SolutionFiles {
		suffix := filepath.Ext(source.Name)
		if !styleApplies(styleRules, suffix) {
			continue
		}

		formatted, err := runner.RunCommand(ctx, "clang-format", []string{"-style=file", source.Name})
		if err != nil {
			return SystemError{Cause: err}
		}
		if !formatted.Exit.IsSuccess() {
			return SystemError{Cause: fmt.Errorf("clang-format failed: %s", formatted.Exit.String())}
		}

		formattedName := source.Name + ".formatted"
		formattedPath := filepath.Join(submissionRoot, "upperdir", "build", formattedName)
		if err := c.storage.StoreBinary(formattedPath, formatted.Stdout, false); err != nil {
			return SystemError{Cause: err}
		}

		diff, err := runner.RunCommand(ctx, "diff", []string{source.Name, formattedName})
		if err != nil {
			return SystemError{Cause: err}
		}
		if !diff.Exit.IsSuccess() {
			message := string(diff.Stdout) + "\n" + string(diff.Stderr)
			userErrors = append(userErrors, SourceProcessError{FileName: source.Name, Message: message})
			continue
		}
		runner.Reset()
	}

	if len(userErrors) == 0 {
		return nil
	}
	return UserError{Errors: userErrors}
}

func styleApplies(rules []StyleCheckerRule, suffix string) bool {
	for _, r := range rules {
		if r.StyleFile != "" && equalFoldSuffix(r.Language, suffix) {
			return true
		}
	}
	return false
}

func equalFoldSuffix(ruleSuffix, fileSuffix string) bool {
	trimmedRule := trimLeadingDot(ruleSuffix)
	trimmedFile := trimLeadingDot(fileSuffix)
	return trimmedRule != "" && trimmedRule == trimmedFile
}

func trimLeadingDot(s string) string {
	if len(s) > 0 && s[0] == '.' {
		return s[1:]
	}
	return s
}

// setToSlice returns set's members sorted, for deterministic argv ordering
// (map iteration order would otherwise make compiler invocations vary
// needlessly between runs of the same submission).
func setToSlice(set map[string]struct{}) []string {
	result := make([]string, 0, len(set))
	for tok := range set {
		result = append(result, tok)
	}
	sort.Strings(result)
	return result
}
