//go:build linux

package grader

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestClangToolchainDetection(t *testing.T) {
	defaults := DefaultBuildProperties()
	tc := newClangToolchain(logrus.NewEntry(logrus.New()), Manager{}, defaults, "/sys", "/problem")

	cases := []struct {
		name  string
		files []File
		want  bool
	}{
		{"c file", []File{{Name: "main.c"}}, true},
		{"cxx file", []File{{Name: "main.cpp"}}, true},
		{"asm file", []File{{Name: "start.S"}}, true},
		{"unrelated", []File{{Name: "readme.txt"}}, false},
	}
	for _, tt := range cases {
		got := tc.canBuild(Submission{SolutionFiles: tt.files})
		if got != tt.want {
			t.Errorf("%s: canBuild = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestClangToolchainLanguageBucketPriority(t *testing.T) {
	defaults := DefaultBuildProperties()
	tc := newClangToolchain(logrus.NewEntry(logrus.New()), Manager{}, defaults, "/sys", "/problem")

	mixed := Submission{SolutionFiles: []File{{Name: "main.c"}, {Name: "helper.cpp"}}}
	bucket, err := tc.languageBucket(mixed)
	if err != nil {
		t.Fatalf("languageBucket: %v", err)
	}
	if bucket["compiler"] != defaults.Cxx["compiler"] {
		t.Errorf("mixed C+C++ submission picked %q, want the C++ bucket", bucket["compiler"])
	}
}

func TestSanitizerOptionsOnlyForSanitizerTargets(t *testing.T) {
	props := LanguageBuildProperties{"sanitizers": "undefined address"}

	none := sanitizerOptions(props, TargetNative)
	if len(none) != 0 {
		t.Errorf("TargetNative produced sanitizer flags: %v", none)
	}

	flags := sanitizerOptions(props, TargetNativeWithSanitizers)
	if _, ok := flags["-fsanitize=undefined"]; !ok {
		t.Errorf("missing -fsanitize=undefined in %v", flags)
	}
	if _, ok := flags["-fno-sanitize-recover=all"]; !ok {
		t.Errorf("missing -fno-sanitize-recover=all in %v", flags)
	}
}

func TestVoidToolchainAcceptsAnySubmissionAndPassesStyle(t *testing.T) {
	v := voidToolchain{logger: logrus.NewEntry(logrus.New())}
	if !v.canBuild(Submission{}) {
		t.Error("voidToolchain.canBuild returned false")
	}
	if err := v.CheckStyle(context.Background(), Submission{}, nil); err != nil {
		t.Errorf("voidToolchain.CheckStyle = %v, want nil", err)
	}
}

func TestStyleAppliesMatchesBySuffix(t *testing.T) {
	rules := []StyleCheckerRule{{Language: "c", StyleFile: "google.clang-format"}}
	if !styleApplies(rules, ".c") {
		t.Error("styleApplies(.c) = false, want true")
	}
	if styleApplies(rules, ".py") {
		t.Error("styleApplies(.py) = true, want false")
	}
}

func TestBuilderFactoryCreateBuilderSkip(t *testing.T) {
	f := NewBuilderFactory(logrus.NewEntry(logrus.New()), Manager{}, DefaultBuildProperties())
	b, err := f.CreateBuilder(BuildSystemSkip, Submission{}, "/sys", "/problem")
	if err != nil {
		t.Fatalf("CreateBuilder: %v", err)
	}
	if _, ok := b.(voidToolchain); !ok {
		t.Errorf("CreateBuilder(BuildSystemSkip) = %T, want voidToolchain", b)
	}
}
