package monitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hellmai/lumenflow/internal/delegation"
	"github.com/hellmai/lumenflow/internal/escalation"
	"github.com/hellmai/lumenflow/internal/lanes"
	"github.com/hellmai/lumenflow/internal/lflog"
	"github.com/hellmai/lumenflow/internal/signalbus"
)

type fakeProber struct{ alive map[int32]bool }

func (f *fakeProber) Alive(pid int32, _ time.Time) bool { return f.alive[pid] }

func newTestMonitor(t *testing.T) (*Monitor, *delegation.Registry, *lanes.LockManager) {
	t.Helper()
	reg, err := delegation.Open(filepath.Join(t.TempDir(), "delegation-registry.jsonl"))
	require.NoError(t, err)
	locks := lanes.NewLockManager(t.TempDir(), &fakeProber{alive: map[int32]bool{1: true}})
	logger, err := lflog.New(filepath.Join(t.TempDir(), "logs"), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	return New(reg, locks, logger), reg, locks
}

func TestRunCycleFlagsStuckDelegation(t *testing.T) {
	m, reg, _ := newTestMonitor(t)
	m.WithThreshold(time.Millisecond)

	require.NoError(t, reg.Record("D-1", "WU-1", "backend", "WU-0"))
	time.Sleep(5 * time.Millisecond)

	result, err := m.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Stuck, 1)
	require.Equal(t, "D-1", result.Stuck[0].ID)
	require.NotEmpty(t, result.Suggestions)
}

func TestRunCycleSkipsFreshDelegation(t *testing.T) {
	m, reg, _ := newTestMonitor(t)

	require.NoError(t, reg.Record("D-1", "WU-1", "backend", "WU-0"))

	result, err := m.RunCycle(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Stuck)
	require.Equal(t, 1, result.StatusCounts[delegation.Pending])
}

func TestRunCycleReportsZombieLock(t *testing.T) {
	m, _, locks := newTestMonitor(t)
	require.NoError(t, locks.Acquire("backend", "WU-1", 999)) // dead pid -> zombie

	result, err := m.RunCycle(context.Background())
	require.NoError(t, err)
	require.Contains(t, result.Zombies, "backend")
}

type fakeReleaser struct {
	released []string
}

func (f *fakeReleaser) Release(_ context.Context, wuID, _ string) error {
	f.released = append(f.released, wuID)
	return nil
}

type fakeBlocker struct{}

func (fakeBlocker) Block(context.Context, string, string) error { return nil }

// One rung of the recovery ladder fires per cycle: retry, then release,
// then an escalation handoff, after which the delegation is left alone.
// Threshold 0 makes every pending delegation count as stuck immediately.
func TestRecoveryLadderRetriesReleasesThenEscalates(t *testing.T) {
	m, reg, _ := newTestMonitor(t)
	m.WithThreshold(0)

	sigDir := t.TempDir()
	bus, err := signalbus.Open(filepath.Join(sigDir, "signals.jsonl"), filepath.Join(sigDir, "signal-receipts.jsonl"))
	require.NoError(t, err)
	logger, err := lflog.New(filepath.Join(t.TempDir(), "logs"), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	rel := &fakeReleaser{}
	m.WithRecovery(RecoveryPolicy{MaxRetries: 1}, bus, rel)
	m.WithEscalation(escalation.New(bus, fakeBlocker{}, logger))

	require.NoError(t, reg.Record("D-1", "WU-9", "backend", "WU-1"))

	result, err := m.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, result.RecoveryOutcomes, 1)
	require.Equal(t, delegation.RecoveryRetried, result.RecoveryOutcomes[0].Outcome)
	require.Empty(t, rel.released)

	result, err = m.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, result.RecoveryOutcomes, 1)
	require.Equal(t, delegation.RecoveryReleased, result.RecoveryOutcomes[0].Outcome)
	require.Equal(t, []string{"WU-9"}, rel.released)

	result, err = m.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, result.RecoveryOutcomes, 1)
	require.Equal(t, delegation.RecoveryEscalatedStuck, result.RecoveryOutcomes[0].Outcome)
	// The handoff signal ladders to a bug WU within the same cycle.
	require.Len(t, result.EscalationOutcomes, 1)
	require.NotNil(t, result.EscalationOutcomes[0].BugWU)

	result, err = m.RunCycle(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.RecoveryOutcomes, "an escalated delegation belongs to the escalation engine")
	require.Empty(t, result.EscalationOutcomes)

	state, err := reg.LoadState()
	require.NoError(t, err)
	require.Equal(t, 3, state["D-1"].RecoveryAttempts)
	require.Equal(t, delegation.RecoveryEscalatedStuck, state["D-1"].LastRecovery)
}

func TestWatchStopsOnCancel(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	ctx, cancel := context.WithCancel(context.Background())

	cycles := 0
	done := make(chan error, 1)
	go func() {
		done <- m.Watch(ctx, time.Millisecond, func(*CycleResult, error) {
			cycles++
			if cycles >= 2 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch loop did not stop after cancel")
	}
	require.GreaterOrEqual(t, cycles, 2)
}
