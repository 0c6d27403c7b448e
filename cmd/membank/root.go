package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"membank/internal/backup"
	"membank/internal/bus"
	"membank/internal/config"
	"membank/internal/dispatch"
	"membank/internal/dropoff"
	"membank/internal/logging"
	"membank/internal/memory"
	"membank/internal/registry"
	"membank/internal/semantic"
	"membank/internal/task"
	"membank/internal/watch"
)

const version = "1.0.0"

type rootFlags struct {
	rootDir    string
	configFile string
	logLevel   string
	quiet      bool
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "membank",
		Short:         "File-backed memory and task server with an MCP stdio interface",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.rootDir, "root", "", "corpus root directory (default: settings root_dir or .)")
	cmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "settings file (default: <root>/data/settings.json)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level")
	cmd.PersistentFlags().BoolVar(&flags.quiet, "quiet", false, "suppress stderr diagnostics")

	cmd.AddCommand(newServeCommand(flags))
	cmd.AddCommand(newDashboardCommand(flags))
	cmd.AddCommand(newBackupCommand(flags))
	cmd.AddCommand(newDropoffCommand(flags))
	cmd.AddCommand(newMigrateTasksCommand(flags))
	return cmd
}

// app carries the engines shared by every subcommand.
type app struct {
	flags    *rootFlags
	settings *config.Store
	paths    config.Paths
	logger   logging.Logger

	events   *bus.Bus
	ring     *watch.SelfWriteRing
	memories *memory.Store
	tasks    *task.Store
	projects *registry.Registry
	dropoffs *dropoff.Generator
	backups  *backup.Manager
}

// loadSettings resolves the settings file, applies flag overrides, and
// configures process-wide logging.
func loadSettings(flags *rootFlags) (*config.Store, config.Paths, error) {
	root := flags.rootDir
	if root == "" {
		root = "."
	}
	configFile := flags.configFile
	if configFile == "" {
		configFile = filepath.Join(root, "data", "settings.json")
	}
	settings, err := config.Load(configFile)
	if err != nil {
		return nil, config.Paths{}, err
	}
	if flags.rootDir != "" {
		settings.RootDir = flags.rootDir
	}

	level := settings.Logging.Level
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	logging.Configure(logging.Options{
		Level:    logging.ParseLevel(level),
		Quiet:    flags.quiet || config.Quiet() || config.MCPMode(),
		FilePath: settings.Logging.File,
	})

	store := config.NewStore(settings)
	return store, settings.ResolvePaths(), nil
}

// buildApp loads settings and constructs the stores. The caller decides
// whether to take the writer lock and whether to start watchers.
func buildApp(flags *rootFlags) (*app, error) {
	store, paths, err := loadSettings(flags)
	if err != nil {
		return nil, err
	}
	settings := store.Current()
	logger := logging.NewComponentLogger("membank")

	for _, dir := range []string{paths.Root, paths.Memories, paths.Tasks, paths.Data} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	events := bus.New(logging.NewComponentLogger("bus"))
	ring := watch.NewSelfWriteRing(0)
	index := semantic.New(settings.Features.SemanticSearchProvider, logging.NewComponentLogger("semantic"))

	memories := memory.NewStore(paths.Memories, logging.NewComponentLogger("memory"),
		memory.WithBus(events),
		memory.WithSelfWriteRing(ring),
		memory.WithSemanticIndex(index),
		memory.WithWeights(memory.Weights{
			Recency:     settings.Search.RecencyWeight,
			Relevance:   settings.Search.RelevanceWeight,
			Interaction: settings.Search.InteractionWeight,
			Importance:  settings.Search.ImportanceWeight,
		}))
	if err := memories.Load(); err != nil {
		return nil, err
	}

	tasks, err := task.NewStore(paths.Tasks, settings.Tasks.Layout, logging.NewComponentLogger("task"),
		task.WithBus(events),
		task.WithSelfWriteRing(ring))
	if err != nil {
		return nil, err
	}
	if err := tasks.Load(); err != nil {
		return nil, err
	}

	projects := registry.New(paths.Registry, logging.NewComponentLogger("registry"))
	if err := projects.Load(); err != nil {
		return nil, err
	}

	a := &app{
		flags:    flags,
		settings: store,
		paths:    paths,
		logger:   logger,
		events:   events,
		ring:     ring,
		memories: memories,
		tasks:    tasks,
		projects: projects,
		dropoffs: dropoff.New(paths.Dropoffs, memories, tasks, logging.NewComponentLogger("dropoff")),
	}
	if settings.Features.AutoBackup {
		a.backups = newBackupManager(settings, paths)
	}
	return a, nil
}

func newBackupManager(settings config.Settings, paths config.Paths) *backup.Manager {
	sources := []string{paths.Memories, paths.Tasks, paths.Data}
	return backup.New(paths.Backups, sources, settings.Features.MaxBackups,
		logging.NewComponentLogger("backup"))
}

func (a *app) backupInterval() time.Duration {
	return time.Duration(a.settings.Current().Features.BackupIntervalSec) * time.Second
}

// dispatcher assembles the tool catalog over the app's stores.
func (a *app) dispatcher() (*dispatch.Dispatcher, error) {
	settings := a.settings.Current()
	deps := dispatch.Deps{
		Memories: a.memories,
		Tasks:    a.tasks,
		Registry: a.projects,
		Dropoff:  a.dropoffs,
		Backups:  a.backups,
	}
	dp, err := dispatch.New(logging.NewComponentLogger("dispatch"), dispatch.Catalog(deps),
		dispatch.WithMaxTools(settings.MCP.MaxTools),
		dispatch.WithDefaultLayers(settings.MCP.DefaultLayers))
	if err != nil {
		return nil, err
	}
	dispatch.Bind(dp)
	return dp, nil
}

// startCorpusWatcher attaches the filesystem watcher over both store roots.
func (a *app) startCorpusWatcher() (*watch.Watcher, error) {
	watcher := watch.New(logging.NewComponentLogger("watch"), []watch.Root{
		{Dir: a.paths.Memories, Reconciler: a.memories},
		{Dir: a.paths.Tasks, Reconciler: a.tasks},
	})
	if err := watcher.Start(); err != nil {
		return nil, err
	}
	return watcher, nil
}

// startSettingsWatcher hot-reloads the settings file and announces changes
// on the bus.
func (a *app) startSettingsWatcher() (*config.Watcher, error) {
	watcher, err := config.NewWatcher(a.paths.Settings, a.settings,
		logging.NewComponentLogger("config"), func(next config.Settings) {
			logging.Configure(logging.Options{
				Level:    logging.ParseLevel(next.Logging.Level),
				Quiet:    a.flags.quiet || config.Quiet() || config.MCPMode(),
				FilePath: next.Logging.File,
			})
			a.events.Publish(bus.Event{Kind: bus.SettingsChanged})
		})
	if err != nil {
		return nil, err
	}
	if err := watcher.Start(); err != nil {
		return nil, err
	}
	return watcher, nil
}
