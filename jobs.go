//go:build linux

package grader

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// JobsManager owns the bounded worker pool and in-progress bookkeeping (C6).
// Grounded on original_source/grader/src/jobs.rs: the thread_pool there
// becomes a semaphore-gated goroutine-per-submission pool here, since Go
// has no direct equivalent of a pre-sized OS thread pool that blocks
// `execute` callers once full — each dispatched submission gets its own
// goroutine, which acquires a slot of a bounded semaphore before running, so
// at most capacity submissions are processed at once.
type JobsManager struct {
	logger  *logrus.Entry
	storage Manager
	builders BuilderFactory
	defaults GradingLimits
	systemRoot string

	capacity int64
	sem      *semaphore.Weighted

	inProgress map[int64]struct{}
	internalDone chan SubmissionResult
}

// NewJobsManager builds a manager with a pool sized by jobs.resolveWorkers.
func NewJobsManager(logger *logrus.Entry, storage Manager, builders BuilderFactory, defaults GradingLimits, systemRoot string, jobs JobsConfig) *JobsManager {
	capacity := int64(jobs.resolveWorkers())
	return &JobsManager{
		logger:       logger,
		storage:      storage,
		builders:     builders,
		defaults:     defaults,
		systemRoot:   systemRoot,
		capacity:     capacity,
		sem:          semaphore.NewWeighted(capacity),
		inProgress:   make(map[int64]struct{}),
		internalDone: make(chan SubmissionResult),
	}
}

// freeWorkers reports how many pool slots are currently unused, matching
// get_free_workers_count's capacity-minus-active arithmetic. in-progress
// count tracks dispatched-but-not-yet-finished submissions directly rather
// than querying the semaphore, since Weighted exposes no "current weight"
// accessor.
func (j *JobsManager) freeWorkers() int {
	return int(j.capacity) - len(j.inProgress)
}

// Serve runs the C6 main loop until ctx is cancelled: it publishes the free
// worker count on status, dispatches inbound submissions (dropping
// duplicates already in flight), and forwards completions to finished.
// Grounded on jobs.rs's serve() select loop.
func (j *JobsManager) Serve(ctx context.Context, inbound <-chan Submission, status chan<- int, finished chan<- SubmissionResult) {
	for {
		select {
		case status <- j.freeWorkers():
		default:
			// status has no ready receiver this tick; drop rather than block,
			// matching the source's log-and-continue on a failed status send.
		}

		select {
		case <-ctx.Done():
			j.logger.Debug("job manager shutting down")
			return

		case submission, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			if _, busy := j.inProgress[submission.ID]; busy {
				j.logger.WithField("submission_id", submission.ID).Error("enqueued submission already in progress")
				continue
			}
			j.logger.WithField("submission_id", submission.ID).Debug("enqueued submission")
			j.inProgress[submission.ID] = struct{}{}
			j.launch(ctx, submission)

		case result := <-j.internalDone:
			j.logger.WithField("submission_id", result.SubmissionID).Info("submission finished")
			select {
			case finished <- result:
			case <-ctx.Done():
				return
			}
			delete(j.inProgress, result.SubmissionID)
		}
	}
}

// launch acquires one pool slot (blocking in its own goroutine, never in
// Serve's select loop) and runs the submission's processor, handing the
// result back over internalDone.
func (j *JobsManager) launch(ctx context.Context, submission Submission) {
	go func() {
		if err := j.sem.Acquire(ctx, 1); err != nil {
			// Context cancelled while waiting for a slot: report the
			// submission as failed rather than lose it silently.
			select {
			case j.internalDone <- SubmissionResult{SubmissionID: submission.ID, Status: StatusCheckFailed, BuildErrorLog: err.Error()}:
			case <-ctx.Done():
			}
			return
		}
		defer j.sem.Release(1)

		result := j.runProcessor(ctx, submission)

		select {
		case j.internalDone <- result:
		case <-ctx.Done():
		}
	}()
}

// runProcessor runs one submission's processor with a recover() boundary: a
// panic inside C5/C4/C3 must not crash the manager's goroutine, matching the
// ambient-stack requirement that no panic escapes a pool worker.
func (j *JobsManager) runProcessor(ctx context.Context, submission Submission) (result SubmissionResult) {
	entry := j.logger.WithField("submission_id", submission.ID)
	defer func() {
		if r := recover(); r != nil {
			entry.WithField("panic", r).Error("submission processor panicked")
			result = SubmissionResult{SubmissionID: submission.ID, Status: StatusCheckFailed, BuildErrorLog: "internal error"}
		}
	}()
	processor := NewSubmissionProcessor(entry, j.storage, j.builders, j.defaults, j.systemRoot, submission)
	return processor.Run(ctx)
}
