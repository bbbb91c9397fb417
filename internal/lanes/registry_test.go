package lanes

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hellmai/lumenflow/internal/config"
)

func TestRegistryCompilesAndMatches(t *testing.T) {
	cfg := &config.Config{
		Lanes: config.LanesConfig{
			Definitions: []config.LaneDefinition{
				{Name: "backend", Globs: []string{"internal/**"}, WIPLimit: 1},
				{Name: "frontend", Globs: []string{"web/**"}, WIPLimit: 0},
			},
		},
	}
	reg, err := NewRegistry(cfg)
	require.NoError(t, err)

	require.Equal(t, []string{"backend", "frontend"}, reg.Names())

	backend, ok := reg.Get("backend")
	require.True(t, ok)
	require.True(t, backend.Matches("internal/wu/records.go"))
	require.False(t, backend.Matches("web/app.tsx"))

	_, ok = reg.Get("missing")
	require.False(t, ok)

	require.Len(t, reg.All(), 2)
}

func TestRegistryRejectsBadGlob(t *testing.T) {
	cfg := &config.Config{
		Lanes: config.LanesConfig{
			Definitions: []config.LaneDefinition{
				{Name: "broken", Globs: []string{"["}},
			},
		},
	}
	_, err := NewRegistry(cfg)
	require.Error(t, err)
}
