package delegation

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordPickupCompletionFolds(t *testing.T) {
	reg, err := Open(filepath.Join(t.TempDir(), "delegation-registry.jsonl"))
	require.NoError(t, err)

	require.NoError(t, reg.Record("D-1", "WU-5", "backend", "WU-1"))
	require.NoError(t, reg.RecordPickup("D-1", "agent@example.com"))
	require.NoError(t, reg.RecordCompletion("D-1"))

	state, err := reg.LoadState()
	require.NoError(t, err)
	require.Contains(t, state, "D-1")
	rec := state["D-1"]
	require.Equal(t, Completed, rec.Status)
	require.Equal(t, "WU-5", rec.TargetWUID)
	require.Equal(t, "agent@example.com", rec.PickedUpBy)
	require.NotNil(t, rec.LastCheckpoint)
}

func TestRecordFailureTimeoutVsCrashed(t *testing.T) {
	reg, err := Open(filepath.Join(t.TempDir(), "delegation-registry.jsonl"))
	require.NoError(t, err)

	require.NoError(t, reg.Record("D-timeout", "WU-1", "backend", "WU-0"))
	require.NoError(t, reg.RecordFailure("D-timeout", "timeout"))

	require.NoError(t, reg.Record("D-crash", "WU-2", "backend", "WU-0"))
	require.NoError(t, reg.RecordFailure("D-crash", "agent process exited"))

	state, err := reg.LoadState()
	require.NoError(t, err)
	require.Equal(t, Timeout, state["D-timeout"].Status)
	require.Equal(t, Crashed, state["D-crash"].Status)
}

func TestPendingDelegationAgeReflectsDelegatedAt(t *testing.T) {
	reg, err := Open(filepath.Join(t.TempDir(), "delegation-registry.jsonl"))
	require.NoError(t, err)
	require.NoError(t, reg.Record("D-1", "WU-9", "backend", "WU-1"))

	state, err := reg.LoadState()
	require.NoError(t, err)
	rec := state["D-1"]
	require.Equal(t, Pending, rec.Status)
	require.Less(t, rec.Age(), time.Minute)
}

func TestRecoveryEventsFold(t *testing.T) {
	reg, err := Open(filepath.Join(t.TempDir(), "delegation-registry.jsonl"))
	require.NoError(t, err)
	require.NoError(t, reg.Record("D-1", "WU-1", "backend", "WU-0"))
	require.NoError(t, reg.RecordRecovery("D-1", RecoveryRetried))

	state, err := reg.LoadState()
	require.NoError(t, err)
	rec := state["D-1"]
	require.Equal(t, 1, rec.RecoveryAttempts)
	require.Equal(t, RecoveryRetried, rec.LastRecovery)
	require.Equal(t, Pending, rec.Status, "a retried delegation is pending again, not failed")
	require.Less(t, rec.Age(), time.Minute, "retry re-arms the stuck clock")

	require.NoError(t, reg.RecordRecovery("D-1", RecoveryEscalatedStuck))
	state, err = reg.LoadState()
	require.NoError(t, err)
	require.Equal(t, 2, state["D-1"].RecoveryAttempts)
	require.Equal(t, RecoveryEscalatedStuck, state["D-1"].LastRecovery)
}

func TestReadAllOnMissingFileIsEmpty(t *testing.T) {
	reg, err := Open(filepath.Join(t.TempDir(), "sub", "delegation-registry.jsonl"))
	require.NoError(t, err)
	events, err := reg.ReadAll()
	require.NoError(t, err)
	require.Nil(t, events)
}
