//go:build linux

package grader

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// ReconnectTimeout is how long Client waits after a recoverable stream error
// before re-establishing the submissions stream, matching
// original_source/grader/src/rpc.rs's RECONNECT_TIMEOUT.
const ReconnectTimeout = 10 * time.Second

// ServiceStatus mirrors the wire enum a Client reports on its status stream.
type ServiceStatus int

const (
	ServiceStatusUnknown ServiceStatus = iota
	ServiceStatusIdle
	ServiceStatusBusy
	ServiceStatusShuttingDown
)

// ConnectedServiceProperties is what a Client declares about itself once,
// at stream setup.
type ConnectedServiceProperties struct {
	Name             string
	Arch             string
	PerformanceRating float64
	ArchSpecificOnly bool
	Workers          int
}

// ConnectedServiceStatus is the periodic status push a Client makes as free
// worker capacity changes.
type ConnectedServiceStatus struct {
	Properties ConnectedServiceProperties
	Status     ServiceStatus
	Capacity   int
}

// ProblemContentRequest asks the coordinator for a problem's build/test
// fixtures, naming the cached timestamp already on disk so the coordinator
// can reply "not changed" cheaply.
type ProblemContentRequest struct {
	CourseDataID    string
	ProblemID       string
	CachedTimestamp int64
}

// SubmissionsService is the transport-agnostic contract for the submissions
// RPC channel. A concrete implementation (gRPC, HTTP/2, or a test double)
// satisfies this interface; C7 itself never depends on a wire library.
type SubmissionsService interface {
	SetServiceStatus(ctx context.Context, status ConnectedServiceStatus) error
	ReceiveSubmissions(ctx context.Context, props ConnectedServiceProperties) (<-chan Submission, <-chan error)
	UpdateGraderOutput(ctx context.Context, result SubmissionResult) error
}

// CourseContentService is the transport-agnostic contract for fetching
// problem content on a cache miss.
type CourseContentService interface {
	GetProblemFullContent(ctx context.Context, req ProblemContentRequest) (ProblemContentResponse, error)
}

// RecoverableError wraps a stream error the Client should reconnect after,
// rather than surface as fatal — the Go equivalent of
// RpcConnection::error_can_be_recovered's single matched gRPC code.
type RecoverableError struct {
	Cause error
}

func (e RecoverableError) Error() string { return e.Cause.Error() }
func (e RecoverableError) Unwrap() error { return e.Cause }

// gradingPlatformArch maps runtime.GOARCH onto the wire arch identifiers the
// source's make_grading_platform enumerates; an unrecognised arch is fatal,
// matching the source's own panic.
func gradingPlatformArch(goarch string) (string, error) {
	switch goarch {
	case "386":
		return "x86", nil
	case "amd64":
		return "x86_64", nil
	case "arm":
		return "armv7", nil
	case "arm64":
		return "aarch64", nil
	default:
		return "", fmt.Errorf("unsupported platform to run grader: %s", goarch)
	}
}

// Client drives C7: it owns the two logical service connections and the
// long-lived dialogue with the coordinator. Grounded on
// original_source/grader/src/rpc.rs's RpcConnection.
type Client struct {
	logger *logrus.Entry

	submissions SubmissionsService
	content     CourseContentService
	storage     Manager

	properties ConnectedServiceProperties
}

// NewClient builds a Client from already-constructed service connections
// (the wire transport itself — dialing, TLS, interceptors — is assembled by
// the caller and is out of scope for this module).
func NewClient(logger *logrus.Entry, submissions SubmissionsService, content CourseContentService, storage Manager, jobs JobsConfig) (*Client, error) {
	arch, err := gradingPlatformArch(runtime.GOARCH)
	if err != nil {
		logger.Fatal(err)
	}
	return &Client{
		logger:      logger,
		submissions: submissions,
		content:     content,
		storage:     storage,
		properties: ConnectedServiceProperties{
			Name:              jobs.Name,
			Arch:              arch,
			PerformanceRating: 1.0,
			ArchSpecificOnly:  jobs.ArchSpecificOnly,
			Workers:           jobs.resolveWorkers(),
		},
	}, nil
}

// Serve runs the reconnect-on-recoverable-error loop forever until ctx is
// cancelled or a non-recoverable error occurs. statusUpdates carries free
// worker counts from C6 to forward as ConnectedServiceStatus pushes;
// toProcess is where freshly fetched submissions are forwarded for C6 to
// pick up; finished carries completed SubmissionResults from C6 to push
// upstream via UpdateGraderOutput.
func (c *Client) Serve(ctx context.Context, statusUpdates <-chan int, toProcess chan<- Submission, finished <-chan SubmissionResult) error {
	for {
		err := c.serveUntilDisconnected(ctx, statusUpdates, toProcess, finished)
		if err == nil {
			return nil
		}
		var recoverable RecoverableError
		if !errorsAsRecoverable(err, &recoverable) {
			c.logger.WithError(err).Error("connection error")
			return err
		}
		c.logger.WithError(err).Debugf("got recoverable RPC error, reconnecting after %s", ReconnectTimeout)

		select {
		case <-time.After(ReconnectTimeout):
		case <-ctx.Done():
			return nil
		}
	}
}

func errorsAsRecoverable(err error, target *RecoverableError) bool {
	for err != nil {
		if r, ok := err.(RecoverableError); ok {
			*target = r
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func (c *Client) serveUntilDisconnected(ctx context.Context, statusUpdates <-chan int, toProcess chan<- Submission, finished <-chan SubmissionResult) error {
	if err := c.submissions.SetServiceStatus(ctx, ConnectedServiceStatus{
		Properties: c.properties,
		Status:     ServiceStatusIdle,
		Capacity:   c.properties.Workers,
	}); err != nil {
		return err
	}

	incoming, streamErr := c.submissions.ReceiveSubmissions(ctx, c.properties)

	for {
		select {
		case <-ctx.Done():
			return nil

		case submission, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			c.logger.WithFields(logrus.Fields{"submission_id": submission.ID, "problem_id": submission.ProblemID}).Debug("got submission")
			id, err := c.fetchSubmission(ctx, submission)
			if err != nil {
				c.logger.WithError(err).Error("failed to fetch submission")
				continue
			}
			submission.ID = id
			select {
			case toProcess <- submission:
			case <-ctx.Done():
				return nil
			}

		case err, ok := <-streamErr:
			if !ok {
				continue
			}
			return err

		case free := <-statusUpdates:
			status := ServiceStatusBusy
			if free > 0 {
				status = ServiceStatusIdle
			}
			if err := c.submissions.SetServiceStatus(ctx, ConnectedServiceStatus{
				Properties: c.properties,
				Status:     status,
				Capacity:   free,
			}); err != nil {
				c.logger.WithError(err).Error("failed to push service status")
			}

		case result := <-finished:
			if err := c.submissions.UpdateGraderOutput(ctx, result); err != nil {
				c.logger.WithError(err).Error("failed to push finished submission")
			}
		}
	}
}

// fetchSubmission caches the submission's problem content and persists the
// submission itself, returning the submission id StoreSubmission reports
// back. The cache is
// refreshed when either the server says HasData (it decided the content
// changed) or its LastModified no longer matches what's on disk, so a server
// that forgets to honor CachedTimestamp doesn't leave a stale cache behind.
// Grounded on RpcConnection::fetch_submission.
func (c *Client) fetchSubmission(ctx context.Context, submission Submission) (int64, error) {
	if len(submission.SolutionFiles) == 0 {
		return 0, fmt.Errorf("submission %d has no solution files", submission.ID)
	}

	cachedTimestamp := c.storage.ProblemTimestamp(submission.CourseDataID, submission.ProblemID)
	content, err := c.content.GetProblemFullContent(ctx, ProblemContentRequest{
		CourseDataID:    submission.CourseDataID,
		ProblemID:       submission.ProblemID,
		CachedTimestamp: cachedTimestamp,
	})
	if err != nil {
		return 0, fmt.Errorf("fetch problem content: %w", err)
	}
	if content.HasData || content.LastModified != cachedTimestamp {
		if err := c.storage.StoreProblem(content); err != nil {
			return 0, fmt.Errorf("store problem: %w", err)
		}
	}

	return c.storage.StoreSubmission(submission)
}
