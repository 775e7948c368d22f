package grader

import (
	"sort"
	"strings"
)

// LanguageBuildProperties is a freeform key/value bag where each value is a
// whitespace-separated token set (compiler flags, sanitizer names, …).
type LanguageBuildProperties map[string]string

// UpdatedWith merges override on top of the receiver using set-union-minus-
// disable semantics: for every key k present in the receiver, the effective
// value is tokenize(self[k]) union tokenize(override[k]) minus
// tokenize(override["disable_"+k]). Keys absent from the receiver are never
// introduced by an override — the receiver's key set is authoritative.
func (p LanguageBuildProperties) UpdatedWith(override LanguageBuildProperties) LanguageBuildProperties {
	result := make(LanguageBuildProperties, len(p))
	for key, value := range p {
		set := tokenSet(value)
		if add, ok := override[key]; ok {
			for tok := range tokenSet(add) {
				set[tok] = struct{}{}
			}
		}
		if sub, ok := override["disable_"+key]; ok {
			for tok := range tokenSet(sub) {
				delete(set, tok)
			}
		}
		result[key] = setToString(set)
	}
	return result
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		set[tok] = struct{}{}
	}
	return set
}

func setToString(set map[string]struct{}) string {
	toks := make([]string, 0, len(set))
	for tok := range set {
		toks = append(toks, tok)
	}
	sort.Strings(toks)
	return strings.Join(toks, " ")
}

// BuildProperties buckets language-specific build settings by the source
// language a submission is written in.
type BuildProperties struct {
	C    LanguageBuildProperties `yaml:"c,omitempty"`
	Cxx  LanguageBuildProperties `yaml:"cxx,omitempty"`
	S    LanguageBuildProperties `yaml:"s,omitempty"`
	Java LanguageBuildProperties `yaml:"java,omitempty"`
}

// DefaultBuildProperties mirrors the worker's own compiled-in defaults: clang
// for C/assembler, clang++ for C++, javac for Java, with -Werror everywhere
// and the undefined+address sanitizers enabled for C and C++.
func DefaultBuildProperties() BuildProperties {
	return BuildProperties{
		C: LanguageBuildProperties{
			"compiler":        "clang",
			"compile_options": "-O2 -g -Werror",
			"sanitizers":      "undefined address",
		},
		Cxx: LanguageBuildProperties{
			"compiler":        "clang++",
			"compile_options": "-O2 -g -Werror",
			"sanitizers":      "undefined address",
		},
		S: LanguageBuildProperties{
			"compiler":        "clang",
			"compile_options": "-O0 -g -Werror",
		},
		Java: LanguageBuildProperties{
			"compiler":        "javac",
			"compile_options": "-g -Werror",
		},
	}
}

// GradingLimits bounds one sandboxed execution. A zero field means "unset"
// and is not applied during merges or sandbox construction.
type GradingLimits struct {
	StackSizeLimitMB  int32 `yaml:"stack_size_limit_mb,omitempty"`
	MemoryMaxLimitMB  int32 `yaml:"memory_max_limit_mb,omitempty"`
	CPUTimeLimitSec   int32 `yaml:"cpu_time_limit_sec,omitempty"`
	RealTimeLimitSec  int32 `yaml:"real_time_limit_sec,omitempty"`
	ProcCountLimit    int32 `yaml:"proc_count_limit,omitempty"`
	FDCountLimit      int32 `yaml:"fd_count_limit,omitempty"`
	StdoutSizeLimitMB int32 `yaml:"stdout_size_limit_mb,omitempty"`
	StderrSizeLimitMB int32 `yaml:"stderr_size_limit_mb,omitempty"`
	AllowNetwork      bool  `yaml:"allow_network,omitempty"`
	NewProcDelayMsec  int32 `yaml:"new_proc_delay_msec,omitempty"`
}

// DefaultGradingLimits are the limits applied when neither the config file
// nor a problem's grading options specify one.
func DefaultGradingLimits() GradingLimits {
	return GradingLimits{
		StackSizeLimitMB:  4,
		MemoryMaxLimitMB:  64,
		CPUTimeLimitSec:   1,
		RealTimeLimitSec:  5,
		ProcCountLimit:    20,
		FDCountLimit:      20,
		StdoutSizeLimitMB: 1,
		StderrSizeLimitMB: 1,
		AllowNetwork:      false,
		NewProcDelayMsec:  0,
	}
}

// UpdatedWith overrides each non-zero field of other onto a copy of the
// receiver. AllowNetwork only ever turns on, never back off, matching the
// worker's own override direction (a problem can demand network access but
// cannot force it off once the operator's default allows it).
func (l GradingLimits) UpdatedWith(other GradingLimits) GradingLimits {
	result := l
	if other.StackSizeLimitMB != 0 {
		result.StackSizeLimitMB = other.StackSizeLimitMB
	}
	if other.MemoryMaxLimitMB != 0 {
		result.MemoryMaxLimitMB = other.MemoryMaxLimitMB
	}
	if other.CPUTimeLimitSec != 0 {
		result.CPUTimeLimitSec = other.CPUTimeLimitSec
	}
	if other.RealTimeLimitSec != 0 {
		result.RealTimeLimitSec = other.RealTimeLimitSec
	}
	if other.ProcCountLimit != 0 {
		result.ProcCountLimit = other.ProcCountLimit
	}
	if other.FDCountLimit != 0 {
		result.FDCountLimit = other.FDCountLimit
	}
	if other.StdoutSizeLimitMB != 0 {
		result.StdoutSizeLimitMB = other.StdoutSizeLimitMB
	}
	if other.StderrSizeLimitMB != 0 {
		result.StderrSizeLimitMB = other.StderrSizeLimitMB
	}
	if other.AllowNetwork {
		result.AllowNetwork = true
	}
	if other.NewProcDelayMsec != 0 {
		result.NewProcDelayMsec = other.NewProcDelayMsec
	}
	return result
}
