// Package layout resolves every on-disk path the core reads or writes from
// a loaded workspace Config: a single place that knows the directory
// structure so the rest of the core never hardcodes path joins.
package layout

import (
	"os"
	"path/filepath"

	"github.com/hellmai/lumenflow/internal/config"
)

// Standard sub-paths under the repo root. Some are configurable via
// directories.*; the rest (event log, locks, stamps, delegation registry)
// are fixed relative to a single statePrefix.
const (
	StatePrefix        = ".lumenflow"
	EventLogFile       = "wu-events.jsonl"
	DelegationRegistry = "delegation-registry.jsonl"
	AuditLogFile       = "audit.jsonl"
	LocksDir           = "locks"
	StampsDir          = "stamps"
	LogsDir            = "logs"
	SignalsFile        = "signals.jsonl"
	SignalReceiptsFile = "signal-receipts.jsonl"
)

// Layout is a bound view over a Config, rooted at RepoRoot.
type Layout struct {
	cfg *config.Config
}

// New builds a Layout for the given config.
func New(cfg *config.Config) *Layout {
	return &Layout{cfg: cfg}
}

func (l *Layout) root() string { return l.cfg.RepoRoot }

// StatePrefixDir returns <repoRoot>/.lumenflow.
func (l *Layout) StatePrefixDir() string {
	return filepath.Join(l.root(), StatePrefix)
}

// EventLogPath returns <statePrefix>/wu-events.jsonl.
func (l *Layout) EventLogPath() string {
	return filepath.Join(l.StatePrefixDir(), EventLogFile)
}

// DelegationRegistryPath returns <statePrefix>/delegation-registry.jsonl.
func (l *Layout) DelegationRegistryPath() string {
	return filepath.Join(l.StatePrefixDir(), DelegationRegistry)
}

// AuditLogPath returns <statePrefix>/audit.jsonl.
func (l *Layout) AuditLogPath() string {
	return filepath.Join(l.StatePrefixDir(), AuditLogFile)
}

// LocksDirPath returns <statePrefix>/locks.
func (l *Layout) LocksDirPath() string {
	return filepath.Join(l.StatePrefixDir(), LocksDir)
}

// LockPath returns <statePrefix>/locks/<lane>.lock.
func (l *Layout) LockPath(lane string) string {
	return filepath.Join(l.LocksDirPath(), lane+".lock")
}

// StampsDirPath returns <statePrefix>/stamps.
func (l *Layout) StampsDirPath() string {
	return filepath.Join(l.StatePrefixDir(), StampsDir)
}

// StampPath returns <statePrefix>/stamps/WU-<n>.done.
func (l *Layout) StampPath(wuID string) string {
	return filepath.Join(l.StampsDirPath(), wuID+".done")
}

// LogsDirPath returns <statePrefix>/logs.
func (l *Layout) LogsDirPath() string {
	return filepath.Join(l.StatePrefixDir(), LogsDir)
}

// WUDir returns the configured WU records directory.
func (l *Layout) WUDir() string {
	return filepath.Join(l.root(), l.cfg.Directories.WUDir)
}

// WURecordPath returns <wuDir>/WU-<n>.yaml.
func (l *Layout) WURecordPath(wuID string) string {
	return filepath.Join(l.WUDir(), wuID+".yaml")
}

// BacklogPath returns the configured materialised backlog view path.
func (l *Layout) BacklogPath() string {
	return filepath.Join(l.root(), l.cfg.Directories.BacklogPath)
}

// StatusPath returns the configured materialised status view path.
func (l *Layout) StatusPath() string {
	return filepath.Join(l.root(), l.cfg.Directories.StatusPath)
}

// MemoryDir returns the configured memory-bank directory (signal bus home).
func (l *Layout) MemoryDir() string {
	return filepath.Join(l.root(), l.cfg.Directories.MemoryBank)
}

// SignalsPath returns <memoryDir>/signals.jsonl.
func (l *Layout) SignalsPath() string {
	return filepath.Join(l.MemoryDir(), SignalsFile)
}

// SignalReceiptsPath returns <memoryDir>/signal-receipts.jsonl.
func (l *Layout) SignalReceiptsPath() string {
	return filepath.Join(l.MemoryDir(), SignalReceiptsFile)
}

// EnsureDirs creates every directory the core writes into. Idempotent.
func (l *Layout) EnsureDirs() error {
	dirs := []string{
		l.StatePrefixDir(),
		l.LocksDirPath(),
		l.StampsDirPath(),
		l.LogsDirPath(),
		l.WUDir(),
		l.MemoryDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
