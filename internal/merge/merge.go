// Package merge is the micro-worktree merger: the single atomic commit
// primitive every mutating core operation funnels through. Each mutation
// stages in an ephemeral worktree on a temp branch, commits once, and
// races the result onto origin/main with rebase-and-retry.
package merge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hellmai/lumenflow/internal/audit"
	"github.com/hellmai/lumenflow/internal/config"
	"github.com/hellmai/lumenflow/internal/gitrepo"
	"github.com/hellmai/lumenflow/internal/lfcontext"
	"github.com/hellmai/lumenflow/internal/lferrors"
	"github.com/hellmai/lumenflow/internal/lflog"
)

// Mode selects how the sync preamble treats local main.
type Mode int

const (
	// Standard fast-forwards local main to origin/main before branching.
	Standard Mode = iota
	// PushOnly never touches local main; the worktree bases off origin/main
	// directly. This is the default and common case for core mutations.
	PushOnly
	// LocalOnly skips the sync preamble entirely (no configured remote).
	LocalOnly
)

// Operation describes one caller-supplied atomic mutation.
type Operation struct {
	// Name identifies the operation for the temp branch name and the
	// pre-push FORCE allowlist (e.g. "wu-claim", "wu-complete").
	Name string
	// WUID is the work unit this operation concerns.
	WUID string
	// Mode selects the sync preamble behaviour.
	Mode Mode
	// Execute performs the mutation inside worktreePath and returns the
	// commit message plus the specific paths to stage; an empty
	// filesToCommit stages everything (including deletions).
	Execute func(worktreePath string) (commitMessage string, filesToCommit []string, err error)
}

// RetryExhaustionError is raised when push-with-retry exhausts its budget.
type RetryExhaustionError struct {
	Operation string
	Retries   int
}

func (e *RetryExhaustionError) Error() string {
	return fmt.Sprintf("merge: %s exhausted %d push retries", e.Operation, e.Retries)
}

// Merger drives the micro-worktree protocol against a single repo.
type Merger struct {
	repo   *gitrepo.Repo
	cfg    *config.Config
	logger *lflog.Logger
	audit  *audit.Log
	remote string
}

// Test instrumentation hooks. Nil in production; a test in this package may
// set these to observe the push-reject/fetch/rebase retry loop without
// mocking git itself.
var (
	testBeforePush func(attempt int)
	testOnFetch    func()
	testOnRebase   func()
)

// New builds a Merger bound to repo/cfg, logging to logger and recording
// FORCE-bypass usage to auditLog.
func New(repo *gitrepo.Repo, cfg *config.Config, logger *lflog.Logger, auditLog *audit.Log) *Merger {
	return &Merger{repo: repo, cfg: cfg, logger: logger, audit: auditLog, remote: "origin"}
}

// Run executes the full protocol for op and returns the final commit SHA on
// the mainline branch.
func (m *Merger) Run(ctx context.Context, op Operation) (string, error) {
	if err := lfcontext.CheckHeadless(); err != nil {
		return "", lferrors.New(lferrors.HeadlessRefused, op.Name, err).WithWU(op.WUID)
	}

	main := m.cfg.MainBranch()

	if op.Mode != LocalOnly {
		if err := m.repo.Fetch(ctx, m.remote); err != nil {
			return "", lferrors.New(lferrors.BranchError, op.Name, err).WithWU(op.WUID)
		}
		if testOnFetch != nil {
			testOnFetch()
		}
	}
	if op.Mode == Standard {
		if err := m.fastForwardLocalMain(ctx, main); err != nil {
			return "", lferrors.New(lferrors.BranchError, op.Name, err).WithWU(op.WUID)
		}
	}

	baseRef := main
	if op.Mode != LocalOnly {
		baseRef = m.remote + "/" + main
	}

	tmpDir, err := os.MkdirTemp("", fmt.Sprintf("lumenflow-%s-%s-*", op.Name, op.WUID))
	if err != nil {
		return "", lferrors.New(lferrors.WorktreeError, op.Name, err).WithWU(op.WUID)
	}
	worktreePath := filepath.Join(tmpDir, "wt")
	tmpBranch := fmt.Sprintf("tmp/%s/%s-%d", op.Name, op.WUID, rand.Int31())

	defer m.cleanup(ctx, worktreePath, tmpBranch)

	if err := m.repo.WorktreeAdd(ctx, worktreePath, tmpBranch, baseRef); err != nil {
		return "", lferrors.New(lferrors.WorktreeError, op.Name, err).WithWU(op.WUID)
	}

	commitMessage, files, err := op.Execute(worktreePath)
	if err != nil {
		return "", err
	}
	if err := m.commit(ctx, worktreePath, commitMessage, files); err != nil {
		return "", lferrors.New(lferrors.TransactionError, op.Name, err).WithWU(op.WUID)
	}
	if op.Mode == LocalOnly {
		if err := m.mergeLocalOnly(ctx, tmpBranch, main); err != nil {
			return "", lferrors.New(lferrors.BranchError, op.Name, err).WithWU(op.WUID)
		}
		sha, _ := (&gitrepo.Repo{Dir: m.repo.Dir}).CurrentSHA(ctx)
		return sha, nil
	}

	if err := m.pushWithRetry(ctx, op, worktreePath, tmpBranch, main, baseRef); err != nil {
		return "", err
	}
	sha, err := (&gitrepo.Repo{Dir: worktreePath}).CurrentSHA(ctx)
	if err != nil {
		return "", lferrors.New(lferrors.BranchError, op.Name, err).WithWU(op.WUID)
	}
	return sha, nil
}

// RunOnBranch is the branch-PR variant of the protocol: the mutation is
// committed on the caller's current working branch -- which must
// already be checked out -- and pushed to that same branch on the remote.
// origin/main is left untouched; done later merges via Run. No ephemeral
// worktree is involved because the branch's checkout is exclusively owned by
// its claimant, so there is no race to lose.
func (m *Merger) RunOnBranch(ctx context.Context, op Operation, branch string) (string, error) {
	if err := lfcontext.CheckHeadless(); err != nil {
		return "", lferrors.New(lferrors.HeadlessRefused, op.Name, err).WithWU(op.WUID)
	}
	if branch == "" {
		return "", lferrors.New(lferrors.BranchError, op.Name, nil).WithWU(op.WUID)
	}

	current, err := m.repo.CurrentBranch(ctx)
	if err != nil {
		return "", lferrors.New(lferrors.BranchError, op.Name, err).WithWU(op.WUID)
	}
	if current != branch {
		return "", lferrors.New(lferrors.BranchError, op.Name,
			fmt.Errorf("branch %s is not checked out (current: %s)", branch, current)).WithWU(op.WUID)
	}

	commitMessage, files, err := op.Execute(m.repo.Dir)
	if err != nil {
		return "", err
	}
	if err := m.commit(ctx, m.repo.Dir, commitMessage, files); err != nil {
		return "", lferrors.New(lferrors.TransactionError, op.Name, err).WithWU(op.WUID)
	}

	if op.Mode != LocalOnly {
		m.stampForceBypass(op)
		if err := m.repo.Push(ctx, m.repo.Dir, m.remote, branch); err != nil {
			return "", lferrors.New(lferrors.BranchError, op.Name, err).WithWU(op.WUID)
		}
	}
	return m.repo.CurrentSHA(ctx)
}

func (m *Merger) fastForwardLocalMain(ctx context.Context, main string) error {
	// Fast-forward only: a local main that has diverged from origin is an
	// operator problem, not something a core operation may rewrite.
	_, err := gitrepo.Run(ctx, m.repo.Dir, "merge", "--ff-only", m.remote+"/"+main)
	return err
}

func (m *Merger) mergeLocalOnly(ctx context.Context, tmpBranch, main string) error {
	_, err := gitrepo.Run(ctx, m.repo.Dir, "merge", "--ff-only", tmpBranch)
	return err
}

func (m *Merger) commit(ctx context.Context, worktreePath, message string, files []string) error {
	wt := &gitrepo.Repo{Dir: worktreePath}
	if len(files) == 0 {
		return wt.CommitAll(ctx, worktreePath, message)
	}
	if _, err := gitrepo.Run(ctx, worktreePath, append([]string{"add", "--"}, files...)...); err != nil {
		return err
	}
	_, err := gitrepo.Run(ctx, worktreePath, "commit", "-m", message)
	return err
}

// pushWithRetry pushes under the FORCE bypass and, on rejection, fetches
// and rebases the temp branch onto the advanced origin/main before
// retrying, with exponential backoff and jitter.
func (m *Merger) pushWithRetry(ctx context.Context, op Operation, worktreePath, tmpBranch, main, baseRef string) error {
	prevTool, hadTool := os.LookupEnv("LUMENFLOW_WU_TOOL")
	_ = os.Setenv("LUMENFLOW_WU_TOOL", op.Name)
	defer func() {
		if hadTool {
			_ = os.Setenv("LUMENFLOW_WU_TOOL", prevTool)
		} else {
			_ = os.Unsetenv("LUMENFLOW_WU_TOOL")
		}
	}()

	wt := &gitrepo.Repo{Dir: worktreePath}
	refspec := tmpBranch + ":" + main

	if !m.cfg.PushRetryEnabled() {
		m.stampForceBypass(op)
		if err := wt.Push(ctx, worktreePath, m.remote, refspec); err != nil {
			return lferrors.New(lferrors.BranchError, op.Name, err).WithWU(op.WUID)
		}
		return nil
	}

	retries := m.cfg.SoftwareDelivery.Git.PushRetry.Retries
	minDelay, maxDelay := m.cfg.PushRetryDelays()

	backoff := retry.NewExponential(minDelay)
	backoff = retry.WithCappedDuration(maxDelay, backoff)
	if m.cfg.PushRetryJitter() {
		backoff = retry.WithJitterPercent(20, backoff)
	}
	backoff = retry.WithMaxRetries(uint64(retries), backoff)

	attempt := 0

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if testBeforePush != nil {
			testBeforePush(attempt)
		}
		m.stampForceBypass(op)
		pushErr := wt.Push(ctx, worktreePath, m.remote, refspec)
		if pushErr == nil {
			return nil
		}
		if !gitrepo.IsRejectedPush(pushErr) {
			return pushErr
		}
		m.logger.Warn("push rejected, rebasing and retrying",
			lflog.String("operation", op.Name), lflog.String("wu", op.WUID), lflog.Int("attempt", attempt))
		if fetchErr := m.repo.Fetch(ctx, m.remote); fetchErr != nil {
			return retry.RetryableError(fetchErr)
		}
		if testOnFetch != nil {
			testOnFetch()
		}
		if rebaseErr := wt.RebaseOnto(ctx, worktreePath, m.remote+"/"+main); rebaseErr != nil {
			wt.RebaseAbort(ctx, worktreePath)
			return lferrors.New(lferrors.RebaseConflict, op.Name, rebaseErr).WithWU(op.WUID)
		}
		if testOnRebase != nil {
			testOnRebase()
		}
		return retry.RetryableError(pushErr)
	})
	if err != nil {
		// Only an exhausted rejection loop is a retry exhaustion; a rebase
		// conflict or a non-rejection push failure (auth, network) surfaces
		// as itself.
		var lfErr *lferrors.Error
		if errors.As(err, &lfErr) {
			return err
		}
		if gitrepo.IsRejectedPush(err) {
			return &RetryExhaustionError{Operation: op.Name, Retries: retries}
		}
		return lferrors.New(lferrors.BranchError, op.Name, err).WithWU(op.WUID)
	}
	return nil
}

// stampForceBypass honours LUMENFLOW_FORCE/LUMENFLOW_FORCE_REASON: every
// use is audit-logged, best-effort, never failing the parent op.
func (m *Merger) stampForceBypass(op Operation) {
	if os.Getenv("LUMENFLOW_FORCE") != "1" {
		return
	}
	reason := os.Getenv("LUMENFLOW_FORCE_REASON")
	if m.audit != nil {
		_ = m.audit.Record(audit.Entry{
			Operation: op.Name,
			WUID:      op.WUID,
			Reason:    reason,
			Timestamp: time.Now().UTC(),
		})
	}
}

func (m *Merger) cleanup(ctx context.Context, worktreePath, tmpBranch string) {
	if err := m.repo.WorktreeRemove(ctx, worktreePath, true); err != nil {
		m.logger.Warn("worktree remove failed, forcing directory cleanup",
			lflog.String("path", worktreePath), lflog.Err(err))
	}
	if _, err := os.Stat(worktreePath); err == nil {
		_ = os.RemoveAll(worktreePath)
	}
	_ = os.RemoveAll(filepath.Dir(worktreePath))
	_ = m.repo.DeleteLocalBranch(ctx, tmpBranch, true)
	_ = m.repo.WorktreePrune(ctx)
}
