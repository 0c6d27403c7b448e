package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/spf13/viper"
)

// Load reads settings from path (JSON), layering file values over defaults.
// A missing file is not an error: defaults apply.
func Load(path string) (Settings, error) {
	settings := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return settings, nil
		}
		return settings, fmt.Errorf("read settings %s: %w", path, err)
	}
	if err := v.Unmarshal(&settings); err != nil {
		return settings, fmt.Errorf("decode settings %s: %w", path, err)
	}
	return normalize(settings), nil
}

func normalize(s Settings) Settings {
	if s.Server.Port <= 0 {
		s.Server.Port = 3001
	}
	if s.Server.Host == "" {
		s.Server.Host = "127.0.0.1"
	}
	if s.Features.BackupIntervalSec <= 0 {
		s.Features.BackupIntervalSec = 3600
	}
	if s.Features.MaxBackups <= 0 {
		s.Features.MaxBackups = 10
	}
	if s.Features.SemanticSearchProvider == "" {
		s.Features.SemanticSearchProvider = "none"
	}
	if s.Tasks.Layout == "" {
		s.Tasks.Layout = "flat"
	}
	if s.Logging.Level == "" {
		s.Logging.Level = "info"
	}
	if len(s.MCP.DefaultLayers) == 0 {
		s.MCP.DefaultLayers = []string{"core"}
	}
	w := &s.Search
	if w.RecencyWeight <= 0 && w.RelevanceWeight <= 0 && w.InteractionWeight <= 0 && w.ImportanceWeight <= 0 {
		s.Search = Default().Search
	}
	return s
}

// Store publishes settings snapshots copy-on-write: readers take an immutable
// snapshot reference, writers replace the whole value.
type Store struct {
	current atomic.Pointer[Settings]

	mu   sync.Mutex
	subs []chan Settings
}

// NewStore seeds a store with the initial snapshot.
func NewStore(initial Settings) *Store {
	s := &Store{}
	s.current.Store(&initial)
	return s
}

// Current returns the live snapshot. The returned value must not be mutated.
func (s *Store) Current() Settings {
	return *s.current.Load()
}

// Replace publishes a new snapshot and notifies subscribers.
func (s *Store) Replace(next Settings) {
	next = normalize(next)
	s.current.Store(&next)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- next:
		default:
		}
	}
}

// Updates returns a channel receiving each published snapshot. The channel
// holds one pending update; intermediate snapshots may be skipped.
func (s *Store) Updates() <-chan Settings {
	ch := make(chan Settings, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}
