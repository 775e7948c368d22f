//go:build linux

// Command grader runs one Yajudge grading worker: it loads a YAML config
// file, connects to the coordinator, and processes submissions until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	grader "github.com/victor-yacovlev/yajudge"
)

// newTransport constructs the concrete SubmissionsService/CourseContentService
// pair this worker talks to. The wire protocol itself (Protobuf/IDL messages
// and generated stubs) is explicitly out of scope for this module — only the
// logical interfaces are specified — so the binary built from this package
// alone has no transport wired in; a deployment links one in by replacing
// this variable from another file built alongside main.go (a build-tagged
// file of package main, never fabricated protobuf/gRPC code invented here).
var newTransport func(cfg grader.RpcConfig) (grader.SubmissionsService, grader.CourseContentService, error)

func main() {
	if handled, code := grader.SandboxMain(); handled {
		os.Exit(code)
	}

	var (
		configPath string
		overrides  grader.CLIOverrides
	)

	rootCmd := &cobra.Command{
		Use:   "grader",
		Short: "Starts the Yajudge grader service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, overrides)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "C", "", "path to the grader config file")
	rootCmd.Flags().StringVarP(&overrides.Name, "name", "N", "", "worker name reported to the coordinator")
	rootCmd.Flags().StringVarP(&overrides.LogPath, "log-path", "L", "", "log destination: stdout, stderr, or a file path")
	rootCmd.Flags().StringVarP(&overrides.LogLevel, "log-level", "l", "", "trace, debug, info, warning, error, critical")
	if err := rootCmd.MarkFlagRequired("config"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, overrides grader.CLIOverrides) error {
	config, err := grader.LoadGraderConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	config.ApplyCLIOverrides(overrides)

	if newTransport == nil {
		return fmt.Errorf("no RPC transport linked into this binary; build with a transport package that sets newTransport")
	}
	submissions, content, err := newTransport(config.Rpc)
	if err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}

	g, err := grader.NewGrader(config, submissions, content)
	if err != nil {
		return fmt.Errorf("init grader: %w", err)
	}
	return g.Run(ctx)
}
