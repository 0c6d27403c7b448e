package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"membank/internal/lockfile"
	"membank/internal/mcpserve"
)

func newServeCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server over stdio (the default entry point for AI clients)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
}

func runServe(parent context.Context, flags *rootFlags) error {
	a, err := buildApp(flags)
	if err != nil {
		return err
	}

	// One writer per corpus. Read-only dashboards do not lock.
	lock, err := lockfile.Acquire(a.paths.LockFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			a.logger.Warn("release lock: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	corpusWatcher, err := a.startCorpusWatcher()
	if err != nil {
		return err
	}
	defer corpusWatcher.Stop()

	settingsWatcher, err := a.startSettingsWatcher()
	if err != nil {
		a.logger.Warn("settings watcher unavailable: %v", err)
	} else {
		defer settingsWatcher.Stop()
	}

	if a.backups != nil {
		a.backups.Run(ctx, a.backupInterval())
	}

	dp, err := a.dispatcher()
	if err != nil {
		return err
	}

	srv := mcpserve.New(mcpserve.Info{Name: "membank", Version: version}, dp,
		a.logger)
	a.logger.Info("membank %s serving MCP on stdio (corpus %s)", version, a.paths.Root)
	if err := srv.Run(ctx, os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}
