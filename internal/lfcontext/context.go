// Package lfcontext carries the shared runtime dependencies every LumenFlow
// component needs, replacing the ambient globals an ad-hoc implementation
// would reach for with a single explicit object threaded through
// constructors.
package lfcontext

import (
	"fmt"
	"os"

	"github.com/hellmai/lumenflow/internal/config"
	"github.com/hellmai/lumenflow/internal/gitrepo"
	"github.com/hellmai/lumenflow/internal/layout"
	"github.com/hellmai/lumenflow/internal/lflog"
	"github.com/hellmai/lumenflow/internal/procprobe"
)

// Context carries the config, layout, git adapter, logger, and process
// prober that every component needs. It is built once per process and
// passed by pointer into component constructors.
type Context struct {
	Config   *config.Config
	Layout   *layout.Layout
	Git      *gitrepo.Repo
	Logger   *lflog.Logger
	Probe    procprobe.Prober
	ForceEnv bool // LUMENFLOW_FORCE observed at startup
}

// New builds a Context from a loaded config, rooted at repoRoot.
func New(cfg *config.Config, logger *lflog.Logger) (*Context, error) {
	lay := layout.New(cfg)
	repo, err := gitrepo.Open(cfg.RepoRoot)
	if err != nil {
		return nil, err
	}
	return &Context{
		Config:   cfg,
		Layout:   lay,
		Git:      repo,
		Logger:   logger,
		Probe:    procprobe.New(),
		ForceEnv: os.Getenv("LUMENFLOW_FORCE") == "1",
	}, nil
}

// truthy matches the loose "1/true/yes" shape CI env vars use in the wild
// (CI, GITHUB_ACTIONS) rather than requiring an exact "1".
func truthy(v string) bool {
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	default:
		return false
	}
}

// CheckHeadless enforces the LUMENFLOW_HEADLESS policy: unattended
// execution is only permitted when paired with an explicit admin or CI
// marker, to stop a runaway agent session from mutating mainline with no
// human anywhere in the loop.
func CheckHeadless() error {
	if os.Getenv("LUMENFLOW_HEADLESS") != "1" {
		return nil
	}
	if truthy(os.Getenv("LUMENFLOW_ADMIN")) || truthy(os.Getenv("CI")) || truthy(os.Getenv("GITHUB_ACTIONS")) {
		return nil
	}
	return fmt.Errorf("lfcontext: LUMENFLOW_HEADLESS=1 requires LUMENFLOW_ADMIN=1, CI, or GITHUB_ACTIONS to be set")
}

// WithLogger returns a shallow copy of ctx bound to a different logger,
// e.g. to attach per-operation fields without mutating the shared context.
func (c *Context) WithLogger(l *lflog.Logger) *Context {
	clone := *c
	clone.Logger = l
	return &clone
}
