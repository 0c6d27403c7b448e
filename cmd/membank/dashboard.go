package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"membank/internal/bridge"
)

func newDashboardCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Run the local HTTP/WebSocket dashboard bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDashboard(cmd.Context(), flags)
		},
	}
}

func runDashboard(parent context.Context, flags *rootFlags) error {
	a, err := buildApp(flags)
	if err != nil {
		return err
	}

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

	dp, err := a.dispatcher()
	if err != nil {
		return err
	}

	srv := bridge.New(bridge.Deps{
		Settings:   a.settings,
		Memories:   a.memories,
		Tasks:      a.tasks,
		Dispatcher: dp,
		Events:     a.events,
		Backups:    a.backups,
	}, a.paths.PortFile, a.logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
