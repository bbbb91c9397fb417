package views

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hellmai/lumenflow/internal/wu"
)

func TestGenerateGroupsAndSortsByStatus(t *testing.T) {
	recs := []*wu.Record{
		{ID: "WU-2", Status: wu.Ready, Lane: "backend", Title: "second"},
		{ID: "WU-1", Status: wu.Ready, Lane: "backend", Title: "first"},
		{ID: "WU-3", Status: wu.InProgress, Lane: "frontend", Title: "third", AssignedTo: "a@b.com"},
	}
	out := Generate(recs)
	require.Contains(t, out, "## In Progress")
	require.Contains(t, out, "## Ready")
	require.Contains(t, out, "## Done\n\n_none_")
	idxWU1 := indexOf(out, "WU-1")
	idxWU2 := indexOf(out, "WU-2")
	require.Less(t, idxWU1, idxWU2, "WU-1 should sort before WU-2 within its group")
}

func TestGenerateStatusCountsAndInProgress(t *testing.T) {
	recs := []*wu.Record{
		{ID: "WU-1", Status: wu.Ready},
		{ID: "WU-2", Status: wu.InProgress, AssignedTo: "a@b.com", Title: "doing it"},
		{ID: "WU-3", Status: wu.Done},
	}
	out := GenerateStatus(recs)
	require.Contains(t, out, "Ready: 1")
	require.Contains(t, out, "In Progress: 1")
	require.Contains(t, out, "Done: 1")
	require.Contains(t, out, "WU-2: doing it (a@b.com)")
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
