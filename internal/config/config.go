// Package config loads and validates the workspace YAML configuration that
// governs every LumenFlow core operation: git remote behaviour, on-disk
// directory layout, lane definitions, and quality gates.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the workspace configuration file, rooted at the repo.
const ConfigFileName = "software-delivery.yaml"

// Config is the parsed and normalized workspace configuration.
type Config struct {
	SoftwareDelivery SoftwareDelivery `yaml:"software_delivery"`
	Directories      Directories      `yaml:"directories"`
	Lanes            LanesConfig      `yaml:"lanes"`
	Gates            Gates            `yaml:"gates"`

	// RepoRoot is the absolute path to the repository root this config was
	// loaded from. Not serialized.
	RepoRoot string `yaml:"-"`
}

// SoftwareDelivery carries the git.* settings.
type SoftwareDelivery struct {
	Git GitConfig `yaml:"git"`
}

// GitConfig controls mainline naming and push-retry behaviour.
type GitConfig struct {
	MainBranch         string       `yaml:"mainBranch"`
	LaneBranchPrefix   string       `yaml:"laneBranchPrefix"`
	AgentBranchPattern []string     `yaml:"agentBranchPatterns"`
	RequireRemote      *bool        `yaml:"requireRemote,omitempty"`
	PushRetry          PushRetry    `yaml:"push_retry"`
}

// PushRetry controls the micro-worktree merger's push-rejection retry loop.
type PushRetry struct {
	Enabled    *bool `yaml:"enabled,omitempty"`
	Retries    int   `yaml:"retries"`
	MinDelayMs int   `yaml:"min_delay_ms"`
	MaxDelayMs int   `yaml:"max_delay_ms"`
	Jitter     *bool `yaml:"jitter,omitempty"`
}

// Directories maps logical state areas to on-disk paths, relative to RepoRoot.
type Directories struct {
	WUDir      string `yaml:"wuDir"`
	StatusPath string `yaml:"statusPath"`
	BacklogPath string `yaml:"backlogPath"`
	Docs       string `yaml:"docs"`
	AI         string `yaml:"ai"`
	Claude     string `yaml:"claude"`
	MemoryBank string `yaml:"memoryBank"`
}

// LanesConfig holds the lane partition definitions.
type LanesConfig struct {
	Definitions []LaneDefinition `yaml:"definitions"`
}

// LaneDefinition is one named partition of the repository.
type LaneDefinition struct {
	Name     string   `yaml:"name"`
	Globs    []string `yaml:"globs"`
	WIPLimit int      `yaml:"wipLimit"`
}

// Gates holds quality-gate configuration consumed by the external gate
// runner collaborator; the core only threads it through untouched.
type Gates struct {
	CoChange       []string `yaml:"co_change"`
	LaneHealthMode string   `yaml:"lane_health_mode"`
}

// Default values applied when the workspace YAML omits a setting.
const (
	DefaultMainBranch  = "main"
	DefaultRetries     = 3
	DefaultMinDelayMs  = 100
	DefaultMaxDelayMs  = 1000
	DefaultWIPLimit    = 1
)

func boolPtr(b bool) *bool { return &b }

// Load reads and validates the workspace configuration rooted at repoRoot.
// A missing file yields an all-defaults Config, never an error.
func Load(repoRoot string) (*Config, error) {
	path := filepath.Join(repoRoot, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := defaultConfig()
			cfg.RepoRoot = repoRoot
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.RepoRoot = repoRoot
	cfg.applyDefaults()
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		SoftwareDelivery: SoftwareDelivery{
			Git: GitConfig{
				MainBranch:    DefaultMainBranch,
				RequireRemote: boolPtr(true),
				PushRetry: PushRetry{
					Enabled:    boolPtr(true),
					Retries:    DefaultRetries,
					MinDelayMs: DefaultMinDelayMs,
					MaxDelayMs: DefaultMaxDelayMs,
					Jitter:     boolPtr(true),
				},
			},
		},
		Directories: Directories{
			WUDir:       "wus",
			StatusPath:  "STATUS.md",
			BacklogPath: "BACKLOG.md",
			Docs:        "docs",
			AI:          ".ai",
			Claude:      ".claude",
			MemoryBank:  ".memory-bank",
		},
	}
}

func (c *Config) applyDefaults() {
	g := &c.SoftwareDelivery.Git
	if strings.TrimSpace(g.MainBranch) == "" {
		g.MainBranch = DefaultMainBranch
	}
	if g.RequireRemote == nil {
		g.RequireRemote = boolPtr(true)
	}
	if g.PushRetry.Enabled == nil {
		g.PushRetry.Enabled = boolPtr(true)
	}
	if g.PushRetry.Retries == 0 {
		g.PushRetry.Retries = DefaultRetries
	}
	if g.PushRetry.MinDelayMs == 0 {
		g.PushRetry.MinDelayMs = DefaultMinDelayMs
	}
	if g.PushRetry.MaxDelayMs == 0 {
		g.PushRetry.MaxDelayMs = DefaultMaxDelayMs
	}
	if g.PushRetry.Jitter == nil {
		g.PushRetry.Jitter = boolPtr(true)
	}
	if strings.TrimSpace(c.Directories.WUDir) == "" {
		c.Directories.WUDir = "wus"
	}
	if strings.TrimSpace(c.Directories.StatusPath) == "" {
		c.Directories.StatusPath = "STATUS.md"
	}
	if strings.TrimSpace(c.Directories.BacklogPath) == "" {
		c.Directories.BacklogPath = "BACKLOG.md"
	}
	for i := range c.Lanes.Definitions {
		if c.Lanes.Definitions[i].WIPLimit == 0 {
			c.Lanes.Definitions[i].WIPLimit = DefaultWIPLimit
		}
	}
}

func (c *Config) normalize() {
	g := &c.SoftwareDelivery.Git
	g.MainBranch = strings.TrimSpace(g.MainBranch)
	g.LaneBranchPrefix = strings.TrimSpace(g.LaneBranchPrefix)
	for i := range c.Lanes.Definitions {
		c.Lanes.Definitions[i].Name = strings.TrimSpace(c.Lanes.Definitions[i].Name)
	}
}

func (c *Config) validate() error {
	g := c.SoftwareDelivery.Git
	if g.PushRetry.Retries < 0 {
		return fmt.Errorf("push_retry.retries must be >= 0")
	}
	if g.PushRetry.MinDelayMs <= 0 || g.PushRetry.MaxDelayMs <= 0 {
		return fmt.Errorf("push_retry delays must be positive")
	}
	if g.PushRetry.MinDelayMs > g.PushRetry.MaxDelayMs {
		return fmt.Errorf("push_retry.min_delay_ms must be <= max_delay_ms")
	}
	seen := map[string]bool{}
	for _, lane := range c.Lanes.Definitions {
		if lane.Name == "" {
			return fmt.Errorf("lanes.definitions: name is required")
		}
		if seen[lane.Name] {
			return fmt.Errorf("lanes.definitions: duplicate lane %q", lane.Name)
		}
		seen[lane.Name] = true
		if len(lane.Globs) == 0 {
			return fmt.Errorf("lanes.definitions[%s]: at least one glob is required", lane.Name)
		}
		if lane.WIPLimit < 0 {
			return fmt.Errorf("lanes.definitions[%s]: wipLimit must be >= 0", lane.Name)
		}
	}
	return nil
}

// RequireRemote reports whether remote operations are mandatory.
func (c *Config) RequireRemote() bool {
	if c == nil || c.SoftwareDelivery.Git.RequireRemote == nil {
		return true
	}
	return *c.SoftwareDelivery.Git.RequireRemote
}

// PushRetryEnabled reports whether push-retry-with-rebase is enabled.
func (c *Config) PushRetryEnabled() bool {
	if c == nil || c.SoftwareDelivery.Git.PushRetry.Enabled == nil {
		return true
	}
	return *c.SoftwareDelivery.Git.PushRetry.Enabled
}

// PushRetryDelays returns the configured min/max backoff delays.
func (c *Config) PushRetryDelays() (min, max time.Duration) {
	pr := c.SoftwareDelivery.Git.PushRetry
	return time.Duration(pr.MinDelayMs) * time.Millisecond, time.Duration(pr.MaxDelayMs) * time.Millisecond
}

// PushRetryJitter reports whether jitter should be applied to backoff delays.
func (c *Config) PushRetryJitter() bool {
	if c == nil || c.SoftwareDelivery.Git.PushRetry.Jitter == nil {
		return true
	}
	return *c.SoftwareDelivery.Git.PushRetry.Jitter
}

// MainBranch returns the configured mainline branch name.
func (c *Config) MainBranch() string {
	if c == nil || c.SoftwareDelivery.Git.MainBranch == "" {
		return DefaultMainBranch
	}
	return c.SoftwareDelivery.Git.MainBranch
}

// LaneByName finds a configured lane definition.
func (c *Config) LaneByName(name string) (LaneDefinition, bool) {
	for _, lane := range c.Lanes.Definitions {
		if lane.Name == name {
			return lane, true
		}
	}
	return LaneDefinition{}, false
}
