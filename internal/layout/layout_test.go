package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hellmai/lumenflow/internal/config"
)

func TestPathsAreRootedUnderStatePrefix(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	lay := New(cfg)

	require.Equal(t, filepath.Join(cfg.RepoRoot, StatePrefix, EventLogFile), lay.EventLogPath())
	require.Equal(t, filepath.Join(cfg.RepoRoot, StatePrefix, LocksDir, "backend.lock"), lay.LockPath("backend"))
	require.Equal(t, filepath.Join(cfg.RepoRoot, StatePrefix, StampsDir, "WU-1.done"), lay.StampPath("WU-1"))
	require.Equal(t, filepath.Join(cfg.RepoRoot, "wus", "WU-1.yaml"), lay.WURecordPath("WU-1"))
}

func TestEnsureDirsCreatesEveryStateDirectory(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	lay := New(cfg)

	require.NoError(t, lay.EnsureDirs())
	for _, dir := range []string{lay.StatePrefixDir(), lay.LocksDirPath(), lay.StampsDirPath(), lay.LogsDirPath(), lay.WUDir(), lay.MemoryDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}
