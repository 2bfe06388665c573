package graph

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Catalog is an in-memory set of known configurations. It resolves
// dependencies that a request references without listing them.
type Catalog struct {
	mu      sync.RWMutex
	configs map[string]Config
}

// NewCatalog returns a catalog pre-populated with configs.
func NewCatalog(configs ...Config) *Catalog {
	c := &Catalog{configs: make(map[string]Config, len(configs))}
	for _, cfg := range configs {
		c.configs[cfg.ID] = cfg
	}
	return c
}

// Resolve implements Resolver.
func (c *Catalog) Resolve(id string) (Config, bool) {
	if c == nil {
		return Config{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.configs[id]
	return cfg, ok
}

// Put inserts or replaces a configuration.
func (c *Catalog) Put(cfg Config) {
	c.mu.Lock()
	c.configs[cfg.ID] = cfg
	c.mu.Unlock()
}

// IDs returns the sorted ids of all known configurations.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.configs))
	for id := range c.configs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LoadResult captures configuration seeding stats.
type LoadResult struct {
	Files   int
	Loaded  int
	Skipped int
	Errors  []string
}

// LoadConfigDir reads YAML configuration files from dir into the catalog.
// Each file holds a list of configurations. A missing directory is not an error.
func (c *Catalog) LoadConfigDir(dir string) (LoadResult, error) {
	var res LoadResult
	if dir == "" {
		return res, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, err
	}
	if !info.IsDir() {
		return res, fmt.Errorf("config path is not a directory: %s", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return res, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		res.Files++
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", entry.Name(), err))
			continue
		}
		var configs []Config
		if err := yaml.Unmarshal(data, &configs); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", entry.Name(), err))
			continue
		}
		for _, cfg := range configs {
			if errs := ValidateConfig(cfg); len(errs) > 0 {
				label := cfg.ID
				if label == "" {
					label = "unknown-id"
				}
				res.Errors = append(res.Errors, fmt.Sprintf("%s:%s: %s", entry.Name(), label, strings.Join(errs, "; ")))
				res.Skipped++
				continue
			}
			c.Put(cfg)
			res.Loaded++
		}
	}
	return res, nil
}

// ValidateConfig returns human-readable problems with a configuration.
func ValidateConfig(cfg Config) []string {
	var errs []string
	if strings.TrimSpace(cfg.ID) == "" {
		errs = append(errs, "id is required")
	}
	if cfg.Revision < 0 {
		errs = append(errs, "revision must be >= 0")
	}
	switch cfg.Options.Alignment {
	case "", PreferPersistent, PreferTemporary:
	default:
		errs = append(errs, fmt.Sprintf("unknown alignment preference %q", cfg.Options.Alignment))
	}
	for _, dep := range cfg.Dependencies {
		if strings.TrimSpace(dep) == "" {
			errs = append(errs, "empty dependency id")
		}
	}
	return errs
}
