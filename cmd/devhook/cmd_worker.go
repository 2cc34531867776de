package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"devhook/pkg/config"
	"devhook/pkg/execx"
	"devhook/pkg/logging"
	"devhook/pkg/sandbox"
	"devhook/pkg/wire"

	"github.com/spf13/cobra"
)

// newWorkerCmd creates the "devhook worker" subcommand.
// The scheduler spawns this for each task; it reads one request envelope
// from stdin, runs the agent inside the slot's sandbox, and writes one
// response envelope to stdout. Humans normally never run it directly.
func newWorkerCmd() *cobra.Command {
	var taskID string
	var devName string
	var repoName string
	var repoPath string
	var timeoutSecs int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a single task in a sandbox (spawned by serve)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if taskID == "" {
				return fmt.Errorf("--task-id is required")
			}
			if devName == "" {
				return fmt.Errorf("--dev-name is required")
			}
			if repoName == "" {
				return fmt.Errorf("--repo-name is required")
			}
			if repoPath == "" {
				return fmt.Errorf("--repo-path is required")
			}
			return runWorker(cmd.Context(), taskID, devName, repoName, repoPath, timeoutSecs)
		},
	}

	cmd.Flags().StringVar(&taskID, "task-id", "", "task identifier (required)")
	cmd.Flags().StringVar(&devName, "dev-name", "", "execution slot name (required)")
	cmd.Flags().StringVar(&repoName, "repo-name", "", "repository full name, owner/repo (required)")
	cmd.Flags().StringVar(&repoPath, "repo-path", "", "path to the cached repository clone (required)")
	cmd.Flags().IntVar(&timeoutSecs, "timeout", 0, "hard deadline in seconds, 0 for none")

	return cmd
}

func runWorker(ctx context.Context, taskID, devName, repoName, repoPath string, timeoutSecs int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With(
		"task_id", taskID, "slot", devName)

	if timeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
		defer cancel()
	}

	r := &wire.Runner{
		TaskID:   taskID,
		Slot:     devName,
		RepoName: repoName,
		RepoPath: repoPath,
		Runtime:  sandbox.NewDockerRuntime(cfg.WorkspaceDir, "", &execx.Runner{}, logger),
		Logger:   logger,
	}
	if code := r.Run(ctx, os.Stdin, os.Stdout); code != 0 {
		os.Exit(code)
	}
	return nil
}
