//go:build linux

package grader

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestJobsManager(t *testing.T) *JobsManager {
	t.Helper()
	logger := logrus.NewEntry(logrus.New())
	storage := newTestManager(t)
	builders := NewBuilderFactory(logger, storage, DefaultBuildProperties())
	return NewJobsManager(logger, storage, builders, DefaultGradingLimits(), t.TempDir(), JobsConfig{Workers: 2})
}

func TestJobsManagerFreeWorkersStartsAtCapacity(t *testing.T) {
	j := newTestJobsManager(t)
	if got := j.freeWorkers(); got != 2 {
		t.Errorf("freeWorkers() = %d, want 2", got)
	}
}

func TestJobsManagerDropsDuplicateInProgress(t *testing.T) {
	j := newTestJobsManager(t)
	j.inProgress[42] = struct{}{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbound := make(chan Submission, 1)
	status := make(chan int, 4)
	finished := make(chan SubmissionResult, 1)

	go j.Serve(ctx, inbound, status, finished)
	inbound <- Submission{ID: 42, CourseDataID: "course1", ProblemID: "problem1"}

	select {
	case <-finished:
		t.Fatal("duplicate in-progress submission should not have been dispatched")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestJobsManagerForwardsFinishedSubmission(t *testing.T) {
	j := newTestJobsManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbound := make(chan Submission, 1)
	status := make(chan int, 4)
	finished := make(chan SubmissionResult, 1)

	go j.Serve(ctx, inbound, status, finished)
	inbound <- Submission{ID: 7, CourseDataID: "course1", ProblemID: "missing-problem"}

	select {
	case result := <-finished:
		if result.SubmissionID != 7 {
			t.Errorf("finished submission id = %d, want 7", result.SubmissionID)
		}
		if result.Status != StatusCheckFailed {
			t.Errorf("finished submission status = %v, want StatusCheckFailed (uncached problem)", result.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finished submission")
	}
}
