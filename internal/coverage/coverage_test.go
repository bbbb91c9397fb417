package coverage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hellmai/lumenflow/internal/config"
	"github.com/hellmai/lumenflow/internal/lanes"
)

func writeFile(t *testing.T, root, rel string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("package x\n"), 0o644))
}

// Lane A (src/**) and lane B (src/api/**) overlap on any file under
// src/api; the report must name both lanes alongside concrete evidence.
func TestAnalyseDetectsOverlap(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/api/handler.go")
	writeFile(t, root, "src/other.go")

	cfg := &config.Config{Lanes: config.LanesConfig{Definitions: []config.LaneDefinition{
		{Name: "A", Globs: []string{"src/**"}},
		{Name: "B", Globs: []string{"src/api/**"}},
	}}}
	registry, err := lanes.NewRegistry(cfg)
	require.NoError(t, err)

	report, err := Analyse(registry, root)
	require.NoError(t, err)
	require.False(t, report.Healthy)
	require.Len(t, report.Overlaps, 1)
	require.Equal(t, [2]string{"A", "B"}, report.Overlaps[0].Lanes)
	require.Contains(t, report.Overlaps[0].Files, "src/api/handler.go")
}

func TestAnalyseNoOverlapIsHealthy(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "backend/server.go")
	writeFile(t, root, "frontend/app.tsx")

	cfg := &config.Config{Lanes: config.LanesConfig{Definitions: []config.LaneDefinition{
		{Name: "backend", Globs: []string{"backend/**"}},
		{Name: "frontend", Globs: []string{"frontend/**"}},
	}}}
	registry, err := lanes.NewRegistry(cfg)
	require.NoError(t, err)

	report, err := Analyse(registry, root)
	require.NoError(t, err)
	require.True(t, report.Healthy)
	require.Empty(t, report.Overlaps)
	require.Empty(t, report.Uncovered)
}

func TestAnalyseFlagsUncoveredCodeFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "backend/server.go")
	writeFile(t, root, "orphan/unowned.go")

	cfg := &config.Config{Lanes: config.LanesConfig{Definitions: []config.LaneDefinition{
		{Name: "backend", Globs: []string{"backend/**"}},
	}}}
	registry, err := lanes.NewRegistry(cfg)
	require.NoError(t, err)

	report, err := Analyse(registry, root)
	require.NoError(t, err)
	require.False(t, report.Healthy)
	require.Contains(t, report.Uncovered, "orphan/unowned.go")
}
