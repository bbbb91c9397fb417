package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hellmai/lumenflow/internal/audit"
	"github.com/hellmai/lumenflow/internal/config"
	"github.com/hellmai/lumenflow/internal/eventlog"
	"github.com/hellmai/lumenflow/internal/gitrepo"
	"github.com/hellmai/lumenflow/internal/lanes"
	"github.com/hellmai/lumenflow/internal/layout"
	"github.com/hellmai/lumenflow/internal/lfcontext"
	"github.com/hellmai/lumenflow/internal/lflog"
	"github.com/hellmai/lumenflow/internal/merge"
	"github.com/hellmai/lumenflow/internal/procprobe"
	"github.com/hellmai/lumenflow/internal/wu"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
	return string(out)
}

// fakeProber treats every PID as alive: these tests exercise lane admission
// and lifecycle transitions, not zombie-lock detection (covered by
// internal/lanes's own tests), so locks should behave as always-live.
type fakeProber struct{}

func (fakeProber) Alive(int32, time.Time) bool { return true }

// newTestEngine builds a full Engine over a local-only git repo (no remote),
// so every merge.Merger.Run commits straight onto local main, the
// local-only mode a workspace with no configured remote gets.
func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	repoDir := t.TempDir()
	runGit(t, repoDir, "init", "-q", "-b", "main")
	runGit(t, repoDir, "config", "user.email", "test@example.com")
	runGit(t, repoDir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "README.md"), []byte("hi\n"), 0o644))
	// Lane locks and the core log are runtime state the merger never
	// commits; keep them out of the clean-tree checks below.
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, ".gitignore"), []byte(".lumenflow/locks/\n.lumenflow/logs/\n"), 0o644))
	runGit(t, repoDir, "add", "-A")
	runGit(t, repoDir, "commit", "-q", "-m", "init")

	cfg, err := config.Load(repoDir)
	require.NoError(t, err)
	cfg.Lanes.Definitions = []config.LaneDefinition{{Name: "backend", Globs: []string{"backend/**"}, WIPLimit: 1}}
	falseVal := false
	cfg.SoftwareDelivery.Git.RequireRemote = &falseVal

	lay := layout.New(cfg)
	require.NoError(t, lay.EnsureDirs())

	logger, err := lflog.New(lay.LogsDirPath(), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	repo, err := gitrepo.Open(repoDir)
	require.NoError(t, err)

	auditLog, err := audit.Open(lay.AuditLogPath())
	require.NoError(t, err)

	merger := merge.New(repo, cfg, logger, auditLog)
	store := wu.NewStore(lay.WUDir())
	events, err := eventlog.Open(lay.EventLogPath())
	require.NoError(t, err)
	laneRegistry, err := lanes.NewRegistry(cfg)
	require.NoError(t, err)
	locks := lanes.NewLockManager(lay.LocksDirPath(), fakeProber{})

	ctx := &lfcontext.Context{Config: cfg, Layout: lay, Git: repo, Logger: logger, Probe: procprobe.New()}
	return New(ctx, store, events, laneRegistry, locks, merger), repoDir
}

// requireCleanAndCommitted asserts the repo's working tree has nothing
// outstanding and that HEAD's subject line contains want -- i.e. the last
// operation's mutation actually reached a git commit on local main, not
// just a file write somewhere on disk the merger never saw.
func requireCleanAndCommitted(t *testing.T, repoDir, want string) {
	t.Helper()
	status := runGit(t, repoDir, "status", "--porcelain")
	require.Empty(t, status, "working tree must be clean: every mutation should be committed by the merger")
	subject := strings.TrimSpace(runGit(t, repoDir, "log", "-1", "--pretty=%s"))
	require.Contains(t, subject, want)
}

func TestCreateClaimCompleteLifecycle(t *testing.T) {
	eng, repoDir := newTestEngine(t)
	ctx := context.Background()
	agentWS := filepath.Join(t.TempDir(), "agent-workspace")

	require.NoError(t, eng.Create(ctx, "WU-1", "backend", "Build the thing"))
	requireCleanAndCommitted(t, repoDir, "wu-create: WU-1")

	rec, err := eng.store.Load("WU-1")
	require.NoError(t, err)
	require.Equal(t, wu.Ready, rec.Status)

	require.NoError(t, eng.Claim(ctx, "WU-1", "agent@example.com", wu.ModeWorktree, 1, agentWS))
	requireCleanAndCommitted(t, repoDir, "wu-claim: WU-1")

	rec, err = eng.store.Load("WU-1")
	require.NoError(t, err)
	require.Equal(t, wu.InProgress, rec.Status)
	require.Equal(t, "agent@example.com", rec.AssignedTo)
	require.NotEmpty(t, rec.BaselineMainSHA)
	require.Equal(t, agentWS, rec.WorktreePath, "worktree_path must be the agent's durable workspace, not the merge scratch dir")

	// The event log committed on local main must record the claim too --
	// proof the mutation travelled through the merger, not a direct write.
	data, err := os.ReadFile(eng.ctx.Layout.EventLogPath())
	require.NoError(t, err)
	require.Contains(t, string(data), `"type":"claim"`)

	require.NoError(t, os.MkdirAll(filepath.Join(repoDir, "backend"), 0o755))

	stampsDir := eng.ctx.Layout.StampsDirPath()
	_, err = wu.CreateStamp(stampsDir, "WU-1", "Build the thing", time.Now().UTC())
	require.NoError(t, err)
	// Complete requires the stamp to be already committed on mainline.
	runGit(t, repoDir, "add", "-A")
	runGit(t, repoDir, "commit", "-q", "-m", "stamp WU-1")

	require.NoError(t, eng.Complete(ctx, "WU-1"))
	requireCleanAndCommitted(t, repoDir, "wu-complete: WU-1")

	rec, err = eng.store.Load("WU-1")
	require.NoError(t, err)
	require.Equal(t, wu.Done, rec.Status)

	// Lane lock must be released on completion so another WU can claim it.
	require.NoError(t, eng.Create(ctx, "WU-2", "backend", "Second thing"))
	require.NoError(t, eng.Claim(ctx, "WU-2", "other@example.com", wu.ModeWorktree, 1, filepath.Join(t.TempDir(), "ws2")))
}

func TestClaimRequiresWorktreePathInWorktreeMode(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Create(ctx, "WU-1", "backend", "first"))
	err := eng.Claim(ctx, "WU-1", "a@example.com", wu.ModeWorktree, 1, "")
	require.Error(t, err, "claimed_mode=worktree without a caller-supplied workspace path must be rejected")

	rec, loadErr := eng.store.Load("WU-1")
	require.NoError(t, loadErr)
	require.Equal(t, wu.Ready, rec.Status, "rejected claim must not mutate the WU")
}

func TestClaimFailsWhenLaneLocked(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Create(ctx, "WU-1", "backend", "first"))
	require.NoError(t, eng.Create(ctx, "WU-2", "backend", "second"))
	require.NoError(t, eng.Claim(ctx, "WU-1", "a@example.com", wu.ModeWorktree, 1, filepath.Join(t.TempDir(), "ws1")))

	err := eng.Claim(ctx, "WU-2", "b@example.com", wu.ModeWorktree, 1, filepath.Join(t.TempDir(), "ws2"))
	require.Error(t, err)

	rec, loadErr := eng.store.Load("WU-2")
	require.NoError(t, loadErr)
	require.Equal(t, wu.Ready, rec.Status, "failed claim must not leave WU-2 in_progress")
}

func TestClaimFailsWhenLaneAtWIPLimit(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Create(ctx, "WU-1", "backend", "first"))
	require.NoError(t, eng.Create(ctx, "WU-2", "backend", "second"))
	require.NoError(t, eng.Claim(ctx, "WU-1", "a@example.com", wu.ModeWorktree, 1, filepath.Join(t.TempDir(), "ws1")))

	// Simulate a zombie reclaim handing the lane lock back while WU-1 is
	// still in_progress: the WIP count, not the lock, must refuse admission.
	require.NoError(t, os.Remove(eng.ctx.Layout.LockPath("backend")))

	err := eng.Claim(ctx, "WU-2", "b@example.com", wu.ModeWorktree, 1, filepath.Join(t.TempDir(), "ws2"))
	require.Error(t, err)

	rec, loadErr := eng.store.Load("WU-2")
	require.NoError(t, loadErr)
	require.Equal(t, wu.Ready, rec.Status)
}

func TestClaimOnBranchCommitsToWorkingBranchNotMain(t *testing.T) {
	eng, repoDir := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Create(ctx, "WU-1", "backend", "branchy work"))
	mainSHA := strings.TrimSpace(runGit(t, repoDir, "rev-parse", "main"))

	runGit(t, repoDir, "checkout", "-q", "-b", "agent/wu-1")
	require.NoError(t, eng.ClaimOnBranch(ctx, "WU-1", "a@example.com", 1, "agent/wu-1"))

	subject := strings.TrimSpace(runGit(t, repoDir, "log", "-1", "--pretty=%s"))
	require.Contains(t, subject, "wu-claim: WU-1")

	// Canonical mainline state is untouched at claim time.
	require.Equal(t, mainSHA, strings.TrimSpace(runGit(t, repoDir, "rev-parse", "main")))

	rec, err := eng.store.Load("WU-1")
	require.NoError(t, err)
	require.Equal(t, wu.InProgress, rec.Status)
	require.Equal(t, wu.ModeBranchPR, rec.ClaimedMode)
	require.Equal(t, "agent/wu-1", rec.ClaimedBranch)
}

func TestClaimOnBranchRequiresBranchCheckedOut(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Create(ctx, "WU-1", "backend", "branchy work"))
	err := eng.ClaimOnBranch(ctx, "WU-1", "a@example.com", 1, "agent/not-checked-out")
	require.Error(t, err)

	rec, loadErr := eng.store.Load("WU-1")
	require.NoError(t, loadErr)
	require.Equal(t, wu.Ready, rec.Status)
}

func TestCompleteFailsWithoutStamp(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Create(ctx, "WU-1", "backend", "first"))
	require.NoError(t, eng.Claim(ctx, "WU-1", "a@example.com", wu.ModeWorktree, 1, filepath.Join(t.TempDir(), "ws1")))

	err := eng.Complete(ctx, "WU-1")
	require.Error(t, err)
}

func TestReleaseReturnsWUToReadyAndFreesLane(t *testing.T) {
	eng, repoDir := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Create(ctx, "WU-1", "backend", "first"))
	require.NoError(t, eng.Claim(ctx, "WU-1", "a@example.com", wu.ModeWorktree, 1, filepath.Join(t.TempDir(), "ws1")))
	require.NoError(t, eng.Release(ctx, "WU-1", "needs rework"))
	requireCleanAndCommitted(t, repoDir, "wu-release: WU-1")

	rec, err := eng.store.Load("WU-1")
	require.NoError(t, err)
	require.Equal(t, wu.Ready, rec.Status)
	require.Empty(t, rec.AssignedTo)
	require.Empty(t, rec.WorktreePath)

	require.NoError(t, eng.Create(ctx, "WU-2", "backend", "second"))
	require.NoError(t, eng.Claim(ctx, "WU-2", "b@example.com", wu.ModeWorktree, 1, filepath.Join(t.TempDir(), "ws2")))
}

func TestBlockAndUnblock(t *testing.T) {
	eng, repoDir := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Create(ctx, "WU-1", "backend", "first"))
	require.NoError(t, eng.Claim(ctx, "WU-1", "a@example.com", wu.ModeWorktree, 1, filepath.Join(t.TempDir(), "ws1")))
	require.NoError(t, eng.Block(ctx, "WU-1", "waiting on design review"))
	requireCleanAndCommitted(t, repoDir, "wu-block: WU-1")

	rec, err := eng.store.Load("WU-1")
	require.NoError(t, err)
	require.Equal(t, wu.Blocked, rec.Status)

	require.NoError(t, eng.Unblock(ctx, "WU-1"))
	requireCleanAndCommitted(t, repoDir, "wu-unblock: WU-1")

	rec, err = eng.store.Load("WU-1")
	require.NoError(t, err)
	require.Equal(t, wu.InProgress, rec.Status)
}

func TestDeleteRemovesRecordStampAndEvents(t *testing.T) {
	eng, repoDir := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Create(ctx, "WU-1", "backend", "first"))
	require.NoError(t, eng.Delete(ctx, "WU-1"))
	requireCleanAndCommitted(t, repoDir, "wu-delete: WU-1")

	require.False(t, eng.store.Exists("WU-1"))
}
