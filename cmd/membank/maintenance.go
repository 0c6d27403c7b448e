package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"membank/internal/dropoff"
	"membank/internal/task"
)

func newBackupCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Take one corpus snapshot and rotate old archives",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(flags)
			if err != nil {
				return err
			}
			backups := a.backups
			if backups == nil {
				// Explicit invocation snapshots even with auto_backup off.
				backups = newBackupManager(a.settings.Current(), a.paths)
			}
			dest, err := backups.Snapshot()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", dest)
			return nil
		},
	}
}

func newDropoffCommand(flags *rootFlags) *cobra.Command {
	var summary string
	var project string
	var recent int
	cmd := &cobra.Command{
		Use:   "dropoff",
		Short: "Write a session handoff document from recent memories and tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(flags)
			if err != nil {
				return err
			}
			result, err := a.dropoffs.Generate(dropoff.Input{
				SessionSummary:    summary,
				RecentMemoryCount: recent,
				Project:           project,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dropoff written to %s (%d memories, %d tasks)\n",
				result.Path, result.Memories, result.Tasks)
			return nil
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "session summary to embed")
	cmd.Flags().StringVar(&project, "project", "", "restrict to one project")
	cmd.Flags().IntVar(&recent, "recent", 0, "recent memory count (default 5)")
	return cmd
}

func newMigrateTasksCommand(flags *rootFlags) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "migrate-tasks",
		Short: "Convert the task tree between the flat and files layouts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, paths, err := loadSettings(flags)
			if err != nil {
				return err
			}
			from := store.Current().Tasks.Layout
			if to == "" {
				if from == task.LayoutFlat {
					to = task.LayoutFiles
				} else {
					to = task.LayoutFlat
				}
			}
			report, err := task.Migrate(paths.Tasks, from, to, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"Migrated %d tasks across %d projects from %s to %s\n",
				report.Tasks, report.Projects, report.From, report.To)
			fmt.Fprintf(cmd.OutOrStdout(),
				"Update tasks.layout in %s to %q before the next serve\n",
				paths.Settings, to)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", `target layout, "flat" or "files" (default: the other one)`)
	return cmd
}
