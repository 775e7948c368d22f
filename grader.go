//go:build linux

package grader

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Grader is the root object wiring C1/C6/C7 together (C8). Grounded on
// original_source/grader/src/grader.rs.
type Grader struct {
	config  GraderConfig
	logger  *logrus.Entry
	storage Manager
	builders BuilderFactory
	client  *Client
}

// NewGrader builds every component Run needs, opening the
// log sink and constructing the storage.Manager before anything else can
// fail loudly. submissions/content are the concrete transport
// implementations the caller assembled (SPEC_FULL.md leaves the wire
// transport itself out of scope for this module).
func NewGrader(config GraderConfig, submissions SubmissionsService, content CourseContentService) (*Grader, error) {
	logger, err := setupLogger(config.Log)
	if err != nil {
		return nil, fmt.Errorf("setup logger: %w", err)
	}

	storage, err := NewManager(config.Locations)
	if err != nil {
		return nil, fmt.Errorf("setup storage: %w", err)
	}

	client, err := NewClient(logger.WithField("name", "rpc_client"), submissions, content, storage, config.Jobs)
	if err != nil {
		return nil, fmt.Errorf("setup rpc client: %w", err)
	}

	builders := NewBuilderFactory(logger.WithField("name", "builders"), storage, config.DefaultBuildProperties)

	logger.Info("grader initialized")
	return &Grader{
		config:   config,
		logger:   logger,
		storage:  storage,
		builders: builders,
		client:   client,
	}, nil
}

// setupLogger maps LogConfig.{Path, Level} onto a logrus.Logger, matching
// Grader::setup_logger's "" /stdout/stderr/file-path dispatch, and the
// source's own panic-on-bad-level via an unparseable Level being fatal at
// call time in cmd/grader/main.go instead (no os.Exit buried in a library
// constructor).
func setupLogger(config LogConfig) (*logrus.Entry, error) {
	logger := logrus.New()
	switch config.Path {
	case "", "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(config.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", config.Path, err)
		}
		logger.SetOutput(file)
	}

	level, err := config.ParseLevel()
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	return logrus.NewEntry(logger), nil
}

// setupSignalHandler cancels the returned context's CancelFunc on SIGINT or
// SIGTERM, matching Grader::setup_signals_handler.
func setupSignalHandler(ctx context.Context, logger *logrus.Entry) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.WithField("signal", sig).Info("shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// Run wires C6 and C7 together over three channels and blocks until ctx is
// cancelled or the RpcClient returns a non-recoverable error. Grounded on
// Grader::main's channel construction and goroutine spawn.
func (g *Grader) Run(ctx context.Context) error {
	ctx, cancel := setupSignalHandler(ctx, g.logger)
	defer cancel()

	g.logger.WithField("pid", os.Getpid()).Info("grader serving")

	status := make(chan int)
	finished := make(chan SubmissionResult)
	toProcess := make(chan Submission)

	jobsManager := NewJobsManager(g.logger.WithField("name", "jobs_manager"), g.storage, g.builders, g.config.DefaultLimits, g.config.Locations.SystemRoot, g.config.Jobs)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		jobsManager.Serve(ctx, toProcess, status, finished)
		return nil
	})
	group.Go(func() error {
		return g.client.Serve(ctx, status, toProcess, finished)
	})

	return group.Wait()
}
