package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"devhook/pkg/artifacts"
	"devhook/pkg/config"
	"devhook/pkg/execx"
	"devhook/pkg/github"
	"devhook/pkg/logging"
	"devhook/pkg/repocache"
	"devhook/pkg/sandbox"
	"devhook/pkg/scheduler"
	"devhook/pkg/webhook"

	"github.com/spf13/cobra"
)

// newServeCmd creates the "devhook serve" subcommand.
func newServeCmd() *cobra.Command {
	var devMode bool
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and slot scheduler",
		Long: `Starts the devhook daemon: the HTTP webhook receiver, one worker
goroutine per execution slot, and the idle sandbox reaper. Runs until
SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if devMode {
				cfg.DevMode = true
				cfg = cfg.WithDefaults()
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().BoolVar(&devMode, "dev", false, "dev mode: skip signature checks, enable /test-event")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address override, e.g. 127.0.0.1:9000")

	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("devhook starting",
		"listen", cfg.ListenAddr, "slots", cfg.Slots, "dev_mode", cfg.DevMode)

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	journal, err := scheduler.OpenJournal(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer func() { _ = journal.Close() }()

	runner := &execx.Runner{}
	repos := repocache.New(cfg.RepoCacheDir, cfg.GitHubToken, runner, logger)
	runtime := sandbox.NewDockerRuntime(cfg.WorkspaceDir, "", runner, logger)
	notifier := github.NewClient(cfg.GitHubToken)

	sched := scheduler.New(scheduler.Config{
		Slots:          cfg.Slots,
		TaskTimeout:    cfg.TaskTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		ReaperInterval: cfg.ReaperInterval,
		WorkspaceRoot:  cfg.WorkspaceDir,
	}, repos, runtime, notifier, scheduler.NewExecLauncher(), journal, logger)

	if cfg.Artifacts.Bucket != "" {
		uploader, err := artifacts.New(ctx, artifacts.Config{
			Bucket: cfg.Artifacts.Bucket,
			Prefix: cfg.Artifacts.Prefix,
			Region: cfg.Artifacts.Region,
		})
		if err != nil {
			logger.Warn("artifact uploads disabled", "error", err)
		} else {
			sched.SetArtifactUploader(uploader)
			logger.Info("artifact uploads enabled", "bucket", cfg.Artifacts.Bucket)
		}
	}

	server := webhook.New(webhook.Config{
		Path:          cfg.WebhookPath,
		Secret:        cfg.WebhookSecret,
		MentionedUser: cfg.MentionedUser,
		DevMode:       cfg.DevMode,
	}, sched, logger)
	server.SetEventLog(journal)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		errCh <- sched.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			stop()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	// Wait for the scheduler to kill in-flight work and stop sandboxes.
	if err := <-errCh; err != nil {
		return err
	}
	logger.Info("devhook stopped")
	return nil
}
