package wu

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidIDAndIDNumber(t *testing.T) {
	require.True(t, ValidID("WU-42"))
	require.False(t, ValidID("wu-42"))
	require.False(t, ValidID("WU-"))
	n, err := IDNumber("WU-42")
	require.NoError(t, err)
	require.Equal(t, 42, n)
	_, err = IDNumber("bogus")
	require.Error(t, err)
}

func TestStoreSaveLoadDeleteList(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wus")
	store := NewStore(dir)

	require.False(t, store.Exists("WU-1"))
	require.NoError(t, store.Save(&Record{ID: "WU-1", Status: Ready, Lane: "backend", Title: "first"}))
	require.NoError(t, store.Save(&Record{ID: "WU-2", Status: Ready, Lane: "frontend", Title: "second"}))
	require.True(t, store.Exists("WU-1"))

	rec, err := store.Load("WU-1")
	require.NoError(t, err)
	require.Equal(t, "first", rec.Title)
	require.Equal(t, Ready, rec.Status)

	recs, err := store.List()
	require.NoError(t, err)
	require.Len(t, recs, 2)

	require.NoError(t, store.Delete("WU-1"))
	require.False(t, store.Exists("WU-1"))
	require.NoError(t, store.Delete("WU-1")) // idempotent

	recs, err = store.List()
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestStoreListOnMissingDir(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "does-not-exist"))
	recs, err := store.List()
	require.NoError(t, err)
	require.Nil(t, recs)
}
