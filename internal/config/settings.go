// Package config owns the process-wide settings object: schema, defaults,
// disk loading with environment overrides, copy-on-write snapshots, and the
// settings-file watcher.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// ServerSettings configures the dashboard bridge.
type ServerSettings struct {
	Port        int      `mapstructure:"port" json:"port"`
	Host        string   `mapstructure:"host" json:"host"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
}

// FeatureSettings toggles optional subsystems.
type FeatureSettings struct {
	AutoBackup             bool   `mapstructure:"auto_backup" json:"auto_backup"`
	BackupIntervalSec      int    `mapstructure:"backup_interval_sec" json:"backup_interval_sec"`
	MaxBackups             int    `mapstructure:"max_backups" json:"max_backups"`
	EnableWebSocket        bool   `mapstructure:"enable_websocket" json:"enable_websocket"`
	SemanticSearchProvider string `mapstructure:"semantic_search_provider" json:"semantic_search_provider"`
}

// MCPSettings shapes the advertised tool catalog.
type MCPSettings struct {
	MaxTools      int      `mapstructure:"max_tools" json:"max_tools"`
	DefaultLayers []string `mapstructure:"default_layers" json:"default_layers"`
}

// TaskSettings selects the task persistence layout.
type TaskSettings struct {
	// Layout is "flat" (tasks.json per project) or "files" (task-<id>.md).
	Layout string `mapstructure:"layout" json:"layout"`
}

// LoggingSettings configures diagnostic output.
type LoggingSettings struct {
	Level string `mapstructure:"level" json:"level"`
	File  string `mapstructure:"file" json:"file"`
}

// SearchSettings tunes composite ranking weights.
type SearchSettings struct {
	RecencyWeight     float64 `mapstructure:"recency_weight" json:"recency_weight"`
	RelevanceWeight   float64 `mapstructure:"relevance_weight" json:"relevance_weight"`
	InteractionWeight float64 `mapstructure:"interaction_weight" json:"interaction_weight"`
	ImportanceWeight  float64 `mapstructure:"importance_weight" json:"importance_weight"`
}

// Settings is the full recognized schema of data/settings.json.
type Settings struct {
	RootDir   string          `mapstructure:"root_dir" json:"root_dir"`
	MemoryDir string          `mapstructure:"memory_dir" json:"memory_dir"`
	TaskDir   string          `mapstructure:"task_dir" json:"task_dir"`
	Server    ServerSettings  `mapstructure:"server" json:"server"`
	Features  FeatureSettings `mapstructure:"features" json:"features"`
	MCP       MCPSettings     `mapstructure:"mcp" json:"mcp"`
	Tasks     TaskSettings    `mapstructure:"tasks" json:"tasks"`
	Logging   LoggingSettings `mapstructure:"logging" json:"logging"`
	Search    SearchSettings  `mapstructure:"search" json:"search"`
}

// Default returns the settings applied before any file or env override.
func Default() Settings {
	return Settings{
		RootDir: ".",
		Server: ServerSettings{
			Port: 3001,
			Host: "127.0.0.1",
		},
		Features: FeatureSettings{
			AutoBackup:             true,
			BackupIntervalSec:      3600,
			MaxBackups:             10,
			EnableWebSocket:        true,
			SemanticSearchProvider: "none",
		},
		MCP: MCPSettings{
			MaxTools:      0,
			DefaultLayers: []string{"core"},
		},
		Tasks: TaskSettings{
			Layout: "flat",
		},
		Logging: LoggingSettings{
			Level: "info",
		},
		Search: SearchSettings{
			RecencyWeight:     0.30,
			RelevanceWeight:   0.25,
			InteractionWeight: 0.25,
			ImportanceWeight:  0.20,
		},
	}
}

// Paths resolves the on-disk layout rooted at the configured directories.
type Paths struct {
	Root      string
	Memories  string
	Tasks     string
	Data      string
	Backups   string
	Dropoffs  string
	Settings  string
	Registry  string
	PortFile  string
	LockFile  string
	Semantics string
}

// ResolvePaths derives every corpus location from settings plus the
// MEMORY_DIR / TASK_DIR environment overrides.
func (s Settings) ResolvePaths() Paths {
	root := strings.TrimSpace(s.RootDir)
	if root == "" {
		root = "."
	}
	memories := firstNonEmpty(os.Getenv("MEMORY_DIR"), s.MemoryDir, filepath.Join(root, "memories"))
	tasks := firstNonEmpty(os.Getenv("TASK_DIR"), s.TaskDir, filepath.Join(root, "tasks"))
	data := filepath.Join(root, "data")
	return Paths{
		Root:      root,
		Memories:  memories,
		Tasks:     tasks,
		Data:      data,
		Backups:   filepath.Join(root, "backups"),
		Dropoffs:  filepath.Join(root, "session-dropoffs"),
		Settings:  filepath.Join(data, "settings.json"),
		Registry:  filepath.Join(data, "projects-registry.json"),
		PortFile:  filepath.Join(root, ".dashboard-port"),
		LockFile:  filepath.Join(root, ".mcp.lock"),
		Semantics: filepath.Join(data, "semantic-index"),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Quiet reports whether console diagnostics are suppressed (MCP_QUIET).
func Quiet() bool {
	v := strings.ToLower(os.Getenv("MCP_QUIET"))
	return v == "true" || v == "1"
}

// MCPMode reports whether the process was launched by an AI client
// (MCP_MODE), which forces quiet console output.
func MCPMode() bool {
	v := strings.ToLower(os.Getenv("MCP_MODE"))
	return v == "true" || v == "1"
}
