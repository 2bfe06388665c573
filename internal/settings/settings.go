// Package settings holds the runtime-tunable knobs of the orchestrator,
// persisted as a small JSON file next to the deployment.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Settings are optional runtime-tunable knobs.
type Settings struct {
	MaxConcurrent   int    `json:"max_concurrent,omitempty"`
	RebuildPolicy   string `json:"rebuild_policy,omitempty"`
	PollIntervalSec int    `json:"poll_interval_sec,omitempty"`
	BatchSize       int    `json:"batch_size,omitempty"`
	AutoBuild       *bool  `json:"auto_build,omitempty"`
}

var mu sync.Mutex

const (
	defaultMaxConcurrent = 4
	defaultRebuildPolicy = "implicit"
	defaultPollInterval  = 30
	defaultBatchSize     = 10
)

// BoolValue reads an optional flag; nil counts as false.
func BoolValue(b *bool) bool { return b != nil && *b }

// ApplyDefaults fills zero-values with sane defaults. Explicit false flags
// are kept.
func ApplyDefaults(s Settings) Settings {
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = defaultMaxConcurrent
	}
	if s.RebuildPolicy == "" {
		s.RebuildPolicy = defaultRebuildPolicy
	}
	if s.PollIntervalSec <= 0 {
		s.PollIntervalSec = defaultPollInterval
	}
	if s.BatchSize <= 0 {
		s.BatchSize = defaultBatchSize
	}
	if s.AutoBuild == nil {
		v := true
		s.AutoBuild = &v
	}
	return s
}

// Load reads settings from path; defaults apply when the file is missing.
func Load(path string) Settings {
	mu.Lock()
	defer mu.Unlock()
	if path == "" {
		return ApplyDefaults(Settings{})
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ApplyDefaults(Settings{})
	}
	var s Settings
	_ = json.Unmarshal(data, &s)
	return ApplyDefaults(s)
}

// Save writes settings to path, creating parent directories.
func Save(path string, s Settings) error {
	mu.Lock()
	defer mu.Unlock()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
