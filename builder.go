//go:build linux

package grader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// ExecutableTarget selects which build variant(s) a submission produces.
// Grounded on original_source/grader/src/builders/clang.rs's target matching.
type ExecutableTarget int

const (
	TargetNative ExecutableTarget = iota
	TargetNativeWithValgrind
	TargetNativeWithSanitizers
	TargetNativeWithSanitizersAndValgrind
)

// BuildSystem selects which Builder implementation handles a submission.
type BuildSystem int

const (
	BuildSystemAutodetect BuildSystem = iota
	BuildSystemClangToolchain
	BuildSystemSkip
)

// BuildArtifact is one compiled-and-linked executable produced by a Builder.
type BuildArtifact struct {
	Target    ExecutableTarget
	FileNames []string
}

// Builder compiles a submission and checks its source style. Grounded on
// original_source/grader/src/builders.rs's Builder trait.
type Builder interface {
	Build(ctx context.Context, submission Submission, target ExecutableTarget) ([]BuildArtifact, BuildError)
	CheckStyle(ctx context.Context, submission Submission, styleRules []StyleCheckerRule) BuildError
}

// builderDetection lets a BuilderFactory auto-pick a toolchain from the
// submitted files alone, mirroring the source's BuilderDetection trait.
type builderDetection interface {
	canBuild(submission Submission) bool
}

// BuilderFactory selects a Builder implementation for a submission, either by
// explicit GradingOptionsDoc.BuildSystem selection or by autodetection over
// solution file extensions.
type BuilderFactory struct {
	logger  *logrus.Entry
	storage Manager
	props   BuildProperties
}

// NewBuilderFactory builds a factory sharing one storage.Manager and one set
// of default build properties across every submission it builds a Builder
// for.
func NewBuilderFactory(logger *logrus.Entry, storage Manager, props BuildProperties) BuilderFactory {
	return BuilderFactory{logger: logger, storage: storage, props: props}
}

// CreateBuilder returns the Builder configured by buildSystem, autodetecting
// over submission's solution files when buildSystem is BuildSystemAutodetect.
func (f BuilderFactory) CreateBuilder(buildSystem BuildSystem, submission Submission, systemRoot, problemRoot string) (Builder, error) {
	switch buildSystem {
	case BuildSystemAutodetect:
		return f.detectBuilder(submission, systemRoot, problemRoot)
	case BuildSystemClangToolchain:
		return newClangToolchain(f.logger.WithField("builder", "clang_toolchain"), f.storage, f.props, systemRoot, problemRoot), nil
	case BuildSystemSkip:
		return voidToolchain{logger: f.logger.WithField("builder", "void_toolchain")}, nil
	default:
		return nil, fmt.Errorf("unknown build system %d", buildSystem)
	}
}

func (f BuilderFactory) detectBuilder(submission Submission, systemRoot, problemRoot string) (Builder, error) {
	clang := newClangToolchain(f.logger.WithField("builder", "clang_toolchain_autodetected"), f.storage, f.props, systemRoot, problemRoot)
	if clang.canBuild(submission) {
		return clang, nil
	}
	void := voidToolchain{logger: f.logger.WithField("builder", "void_toolchain_autodetected")}
	if void.canBuild(submission) {
		return void, nil
	}
	return nil, fmt.Errorf("can't detect build system from submitted files")
}

// hasFileWithSuffix reports whether any solution file's name ends in suffix,
// case-insensitively, matching has_file_by_pattern in the source.
func hasFileWithSuffix(files []File, suffix string) bool {
	for _, f := range files {
		if strings.HasSuffix(strings.ToLower(f.Name), strings.ToLower(suffix)) {
			return true
		}
	}
	return false
}

func isCompilableSource(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".c", ".s", ".cxx", ".cpp", ".cc":
		return true
	default:
		return false
	}
}

// voidToolchain never builds anything (BuildSystemSkip / problems with no
// compiled artifact); it accepts every submission and always passes style
// checking, matching the source's VoidToolchain.
type voidToolchain struct {
	logger *logrus.Entry
}

func (voidToolchain) canBuild(Submission) bool { return true }

func (v voidToolchain) Build(context.Context, Submission, ExecutableTarget) ([]BuildArtifact, BuildError) {
	return nil, SystemError{Cause: fmt.Errorf("void toolchain cannot build an executable")}
}

func (v voidToolchain) CheckStyle(context.Context, Submission, []StyleCheckerRule) BuildError {
	return nil
}
