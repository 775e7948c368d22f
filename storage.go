package grader

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LocationsConfig names the two on-disk roots the worker owns.
type LocationsConfig struct {
	WorkingDirectory string `yaml:"working_directory"`
	CacheDirectory   string `yaml:"cache_directory"`
	SystemRoot       string `yaml:"system_environment"`
}

// File is one named byte blob, logically a solution source file or a
// problem's test data file.
type File struct {
	Name string
	Data []byte
}

// TestCase is one grading-options test entry.
type TestCase struct {
	StdinData           *File
	StdoutReference      *File
	StderrReference      *File
	CommandLineArguments string
}

// ProblemContentResponse is the logical RPC payload carrying a fetched
// problem's build and test fixtures.
type ProblemContentResponse struct {
	CourseDataID    string
	ProblemID       string
	LastModified    int64
	HasData         bool
	BuildFiles      []File
	StyleFiles      []File
	GradingOptions  GradingOptionsDoc
	TestCases       []TestCase
}

// GradingOptionsDoc is the on-disk shape of grading_options.yaml.
type GradingOptionsDoc struct {
	Limits          GradingLimits      `yaml:"limits,omitempty"`
	BuildSystem     string             `yaml:"build_system,omitempty"`
	ExecutableTarget string            `yaml:"executable_target,omitempty"`
	BuildProperties BuildProperties    `yaml:"build_properties,omitempty"`
	StyleCheckers   []StyleCheckerRule `yaml:"style_checkers,omitempty"`
	Tests           []TestEntryDoc     `yaml:"tests,omitempty"`
}

// StyleCheckerRule maps a language bucket to its .clang-format style file.
type StyleCheckerRule struct {
	Language  string `yaml:"language"`
	StyleFile string `yaml:"style_file"`
}

// TestEntryDoc is one test case as recorded in grading_options.yaml.
type TestEntryDoc struct {
	Stdin  string `yaml:"stdin,omitempty"`
	Stdout string `yaml:"stdout,omitempty"`
	Stderr string `yaml:"stderr,omitempty"`
	Args   string `yaml:"args,omitempty"`
}

// SubmissionDoc is the on-disk shape of submission.yaml.
type SubmissionDoc struct {
	ID             int64    `yaml:"id"`
	CourseID       string   `yaml:"course_id"`
	ProblemID      string   `yaml:"problem_id"`
	SolutionFiles  []string `yaml:"solution_files"`
}

// Submission is the logical in-memory representation of one grading request.
type Submission struct {
	ID            int64
	CourseDataID  string
	ProblemID     string
	SolutionFiles []File
}

// Manager implements the canonical on-disk layout (SPEC_FULL.md §4.1). It is
// a cheap, comparable value: concurrent callers share one Manager by value,
// writing under distinct submission IDs so paths never collide.
type Manager struct {
	locations LocationsConfig
}

// NewManager creates both roots if missing and returns a ready Manager.
func NewManager(locations LocationsConfig) (Manager, error) {
	m := Manager{locations: locations}
	if err := m.Mkdir(locations.CacheDirectory); err != nil {
		return Manager{}, err
	}
	if err := m.Mkdir(locations.WorkingDirectory); err != nil {
		return Manager{}, err
	}
	return m, nil
}

// Mkdir recursively creates path and sets mode 0o770 on the final component.
func (m Manager) Mkdir(path string) error {
	if err := os.MkdirAll(path, 0o770); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return os.Chmod(path, 0o770)
}

// ProblemRoot returns the cache directory for (courseID, problemID), mapping
// ':' to '/' in the problem id the way nested problem identifiers do.
func (m Manager) ProblemRoot(courseID, problemID string) string {
	dir := strings.ReplaceAll(problemID, ":", "/")
	return filepath.Join(m.locations.CacheDirectory, courseID, dir)
}

// SubmissionRoot returns the working directory for one submission id,
// zero-padded to six digits.
func (m Manager) SubmissionRoot(submissionID int64) string {
	return filepath.Join(m.locations.WorkingDirectory, fmt.Sprintf("%06d", submissionID))
}

// ProblemTimestamp reads timestamp.txt; a missing or malformed file is
// treated as a cache miss (timestamp 0), never an error, matching the way a
// first-ever fetch for a problem has no prior cache entry to compare.
func (m Manager) ProblemTimestamp(courseID, problemID string) int64 {
	path := filepath.Join(m.ProblemRoot(courseID, problemID), "timestamp.txt")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	stamp, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return stamp
}

// StoreProblem stages the fetched problem content into a sibling directory
// and renames it into place, closing the non-atomicity gap the reference
// worker leaves open (SPEC_FULL.md §12): the previous generation is moved
// aside by rename and deleted only after the new one is in place, so
// concurrent readers never observe a partially wiped directory (between the
// two renames the problem directory is briefly absent).
func (m Manager) StoreProblem(resp ProblemContentResponse) error {
	root := m.ProblemRoot(resp.CourseDataID, resp.ProblemID)
	staging := root + ".staging"
	_ = os.RemoveAll(staging)

	buildDir := filepath.Join(staging, "lowerdir", "build")
	testsDir := filepath.Join(staging, "lowerdir", "tests")
	if err := m.Mkdir(buildDir); err != nil {
		return err
	}
	if err := m.Mkdir(testsDir); err != nil {
		return err
	}

	for _, f := range resp.BuildFiles {
		if err := m.storeFileTo(buildDir, f, false); err != nil {
			return err
		}
	}
	for _, f := range resp.StyleFiles {
		if err := m.storeFileTo(buildDir, f, false); err != nil {
			return err
		}
	}

	testNumber := 1
	for _, tc := range resp.TestCases {
		if err := m.storeOptionalFileTo(testsDir, tc.StdinData, true); err != nil {
			return err
		}
		if err := m.storeOptionalFileTo(testsDir, tc.StdoutReference, true); err != nil {
			return err
		}
		if err := m.storeOptionalFileTo(testsDir, tc.StderrReference, true); err != nil {
			return err
		}
		if tc.CommandLineArguments != "" {
			argsPath := filepath.Join(testsDir, fmt.Sprintf("%03d.args", testNumber))
			if err := m.storePlainText(argsPath, tc.CommandLineArguments); err != nil {
				return err
			}
		}
		testNumber++
	}
	if err := m.storePlainText(filepath.Join(testsDir, ".tests_count"), fmt.Sprintf("%d\n", len(resp.TestCases))); err != nil {
		return err
	}

	optsYAML, err := yaml.Marshal(resp.GradingOptions)
	if err != nil {
		return fmt.Errorf("marshal grading_options.yaml: %w", err)
	}
	if err := m.StoreBinary(filepath.Join(staging, "grading_options.yaml"), optsYAML, false); err != nil {
		return err
	}
	if err := m.storePlainText(filepath.Join(staging, "timestamp.txt"), fmt.Sprintf("%d\n", resp.LastModified)); err != nil {
		return err
	}

	previous := root + ".previous"
	_ = os.RemoveAll(previous)
	if err := os.Rename(root, previous); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("retire problem cache %s: %w", root, err)
	}
	if err := os.Rename(staging, root); err != nil {
		return fmt.Errorf("activate problem cache %s: %w", root, err)
	}
	_ = os.RemoveAll(previous)
	return nil
}

// StoreSubmission writes each solution file into upperdir/build and a
// submission.yaml summary (SPEC_FULL.md §9 — the reference worker omits this
// file despite its own on-disk format documentation naming it).
func (m Manager) StoreSubmission(s Submission) (int64, error) {
	root := m.SubmissionRoot(s.ID)
	buildDir := filepath.Join(root, "upperdir", "build")

	names := make([]string, 0, len(s.SolutionFiles))
	for _, f := range s.SolutionFiles {
		if err := m.storeFileTo(buildDir, f, false); err != nil {
			return 0, err
		}
		names = append(names, f.Name)
	}

	doc := SubmissionDoc{
		ID:            s.ID,
		CourseID:      s.CourseDataID,
		ProblemID:     s.ProblemID,
		SolutionFiles: names,
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("marshal submission.yaml: %w", err)
	}
	if err := m.StoreBinary(filepath.Join(root, "submission.yaml"), data, false); err != nil {
		return 0, err
	}
	return s.ID, nil
}

// LoadSubmission reads submission.yaml back from a submission root.
func (m Manager) LoadSubmission(root string) (SubmissionDoc, error) {
	var doc SubmissionDoc
	data, err := os.ReadFile(filepath.Join(root, "submission.yaml"))
	if err != nil {
		return doc, fmt.Errorf("load submission: %w", err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse submission.yaml: %w", err)
	}
	return doc, nil
}

// LoadGradingOptions reads grading_options.yaml back from a problem root.
func (m Manager) LoadGradingOptions(root string) (GradingOptionsDoc, error) {
	var doc GradingOptionsDoc
	data, err := os.ReadFile(filepath.Join(root, "grading_options.yaml"))
	if err != nil {
		return doc, fmt.Errorf("load grading options: %w", err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse grading_options.yaml: %w", err)
	}
	return doc, nil
}

func (m Manager) storeFileTo(dir string, f File, gzipped bool) error {
	return m.StoreBinary(filepath.Join(dir, f.Name), f.Data, gzipped)
}

func (m Manager) storeOptionalFileTo(dir string, f *File, gzipped bool) error {
	if f == nil {
		return nil
	}
	return m.storeFileTo(dir, *f, gzipped)
}

func (m Manager) storePlainText(path, text string) error {
	return m.StoreBinary(path, []byte(text), false)
}

// StoreBinary ensures path's parent exists, gzip-decodes data when gzipped is
// set, writes the file, and sets mode 0o660.
func (m Manager) StoreBinary(path string, data []byte, gzipped bool) error {
	if err := m.Mkdir(filepath.Dir(path)); err != nil {
		return err
	}

	toWrite := data
	if gzipped {
		decoded, err := gunzip(data)
		if err != nil {
			return fmt.Errorf("gunzip %s: %w", path, err)
		}
		toWrite = decoded
	}

	if err := os.WriteFile(path, toWrite, 0o660); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Chmod(path, 0o660)
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
