// Package lanes holds the lane registry and the advisory lock manager.
// Locks are plain files whose existence denotes ownership; nothing here
// relies on OS-level mandatory locking.
package lanes

import (
	"fmt"
	"sync"

	"github.com/gobwas/glob"
	"github.com/hellmai/lumenflow/internal/config"
)

// Lane is a named file-path partition with an optional WIP limit.
type Lane struct {
	Name     string
	Globs    []string
	WIPLimit int

	compiled []glob.Glob
}

// Matches reports whether path matches any of the lane's globs.
func (l *Lane) Matches(path string) bool {
	for _, g := range l.compiled {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// Registry holds compiled lane definitions, keyed by name.
type Registry struct {
	mu    sync.RWMutex
	lanes map[string]*Lane
	order []string
}

// NewRegistry compiles a Registry from workspace config.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{lanes: map[string]*Lane{}}
	for _, def := range cfg.Lanes.Definitions {
		lane := &Lane{Name: def.Name, Globs: def.Globs, WIPLimit: def.WIPLimit}
		for _, pattern := range def.Globs {
			g, err := glob.Compile(pattern, '/')
			if err != nil {
				return nil, fmt.Errorf("lanes: lane %s: bad glob %q: %w", def.Name, pattern, err)
			}
			lane.compiled = append(lane.compiled, g)
		}
		r.mu.Lock()
		r.lanes[def.Name] = lane
		r.order = append(r.order, def.Name)
		r.mu.Unlock()
	}
	return r, nil
}

// Get returns the named lane.
func (r *Registry) Get(name string) (*Lane, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lane, ok := r.lanes[name]
	return lane, ok
}

// Names returns all lane names in declaration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// All returns every registered lane.
func (r *Registry) All() []*Lane {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Lane, 0, len(r.lanes))
	for _, name := range r.order {
		out = append(out, r.lanes[name])
	}
	return out
}
