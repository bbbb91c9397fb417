// Package recovery classifies inconsistent on-disk/remote state by joining
// the YAML record, the event log, the git branch and worktree lists, and
// the locks directory, proposing a remediation for each issue found.
// Classification across many WUs runs concurrently via
// golang.org/x/sync/errgroup.
package recovery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hellmai/lumenflow/internal/eventlog"
	"github.com/hellmai/lumenflow/internal/gitrepo"
	"github.com/hellmai/lumenflow/internal/lanes"
	"github.com/hellmai/lumenflow/internal/wu"
)

// IssueCode identifies a class of inconsistency.
type IssueCode string

const (
	PartialClaim       IssueCode = "PARTIAL_CLAIM"
	OrphanClaim        IssueCode = "ORPHAN_CLAIM"
	InconsistentState  IssueCode = "INCONSISTENT_STATE"
	OrphanBranch       IssueCode = "ORPHAN_BRANCH"
	StaleLock          IssueCode = "STALE_LOCK"
	LeftoverWorktree   IssueCode = "LEFTOVER_WORKTREE"
)

// ActionKind is the category of remediation proposed for an issue.
type ActionKind string

const (
	Resume  ActionKind = "resume"
	Reset   ActionKind = "reset"
	Nuke    ActionKind = "nuke"
	Cleanup ActionKind = "cleanup"
)

// Action is a proposed remediation for one Issue.
type Action struct {
	Kind          ActionKind
	Command       string
	RequiresForce bool
	Warning       string
}

// Issue is one detected inconsistency for a WU.
type Issue struct {
	WUID   string
	Code   IssueCode
	Detail string
	Action Action
}

// Analyser joins on-disk state to classify inconsistencies.
type Analyser struct {
	store  *wu.Store
	events *eventlog.Log
	git    *gitrepo.Repo
	locks  *lanes.LockManager
}

// New builds an Analyser over the given collaborators.
func New(store *wu.Store, events *eventlog.Log, git *gitrepo.Repo, locks *lanes.LockManager) *Analyser {
	return &Analyser{store: store, events: events, git: git, locks: locks}
}

// Classify analyses a single WU id and returns every issue found. It only
// reads; the caller decides whether to display each Action.Command or
// execute it.
func (a *Analyser) Classify(ctx context.Context, wuID string, branches, worktrees map[string]bool) ([]Issue, error) {
	var issues []Issue

	rec, recErr := a.store.Load(wuID)
	entries, err := a.events.ForWU(wuID)
	if err != nil {
		return nil, fmt.Errorf("recovery: load events for %s: %w", wuID, err)
	}
	derivedStatus := eventlog.FoldStatus(entries)

	tmpBranchExists := false
	for b := range branches {
		if strings.Contains(b, "/"+wuID) || strings.HasSuffix(b, wuID) {
			tmpBranchExists = true
			break
		}
	}
	worktreeExists := false
	for w := range worktrees {
		if strings.Contains(w, wuID) {
			worktreeExists = true
			break
		}
	}

	if recErr == nil && rec != nil {
		if string(rec.Status) != derivedStatus && derivedStatus != "" {
			issues = append(issues, Issue{
				WUID: wuID, Code: InconsistentState,
				Detail: fmt.Sprintf("yaml status=%s event-log status=%s", rec.Status, derivedStatus),
				Action: Action{Kind: Reset, Command: fmt.Sprintf("lumenflow recover --wu %s --reset", wuID), RequiresForce: true,
					Warning: "resets the YAML record to match the event log; verify no in-flight work is lost"},
			})
		}
		if rec.Status == wu.Ready && worktreeExists {
			issues = append(issues, Issue{
				WUID: wuID, Code: PartialClaim,
				Detail: "worktree exists but status is ready",
				Action: Action{Kind: Resume, Command: fmt.Sprintf("lumenflow claim %s --resume", wuID), RequiresForce: false,
					Warning: "resuming assumes the existing worktree's changes are still wanted"},
			})
		}
		if rec.Status == wu.InProgress && !worktreeExists && rec.ClaimedMode == wu.ModeWorktree {
			issues = append(issues, Issue{
				WUID: wuID, Code: OrphanClaim,
				Detail: "status is in_progress but no worktree exists",
				Action: Action{Kind: Reset, Command: fmt.Sprintf("lumenflow release %s --reason orphan_claim", wuID), RequiresForce: false,
					Warning: "releases the claim so the WU can be reclaimed"},
			})
		}
	}

	if tmpBranchExists && (recErr != nil || rec == nil || rec.Status != wu.InProgress) {
		issues = append(issues, Issue{
			WUID: wuID, Code: OrphanBranch,
			Detail: "temp branch exists with no matching in_progress claim",
			Action: Action{Kind: Cleanup, Command: fmt.Sprintf("git branch -D tmp/*/%s", wuID), RequiresForce: true,
				Warning: "deletes a stray branch; confirm it carries no unmerged work"},
		})
	}
	if worktreeExists && (recErr != nil || rec == nil || rec.Status == wu.Done || rec.Status == wu.Deleted) {
		issues = append(issues, Issue{
			WUID: wuID, Code: LeftoverWorktree,
			Detail: "worktree exists for a completed or deleted WU",
			Action: Action{Kind: Cleanup, Command: fmt.Sprintf("lumenflow cleanup --wu %s --worktree", wuID), RequiresForce: true,
				Warning: "force-removes the worktree directory and prunes git's administrative files"},
		})
	}

	return issues, nil
}

// ClassifyAll runs Classify concurrently across every wuID; the analysis
// is read-only, so distinct WUs are safe to fan out.
func (a *Analyser) ClassifyAll(ctx context.Context, wuIDs []string) ([]Issue, error) {
	branches, err := a.listBranchSet(ctx)
	if err != nil {
		return nil, err
	}
	worktrees, err := a.listWorktreeSet(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var all []Issue
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range wuIDs {
		id := id
		g.Go(func() error {
			issues, err := a.Classify(gctx, id, branches, worktrees)
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, issues...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for lane, rec := range mustListLocks(a.locks) {
		if a.locks.IsZombie(rec) {
			all = append(all, Issue{
				WUID: rec.WUID, Code: StaleLock,
				Detail: fmt.Sprintf("lane %s lock held by pid %d is stale", lane, rec.PID),
				Action: Action{Kind: Cleanup, Command: fmt.Sprintf("lumenflow unlock --lane %s --reason stale", lane), RequiresForce: true,
					Warning: "reclaims the lane lock; ensure the owning process is truly gone"},
			})
		}
	}
	return all, nil
}

func mustListLocks(m *lanes.LockManager) map[string]lanes.LockRecord {
	locks, err := m.ListLocks()
	if err != nil {
		return nil
	}
	return locks
}

func (a *Analyser) listBranchSet(ctx context.Context) (map[string]bool, error) {
	branches, err := a.git.ListBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: list branches: %w", err)
	}
	set := map[string]bool{}
	for _, b := range branches {
		set[b] = true
	}
	return set, nil
}

func (a *Analyser) listWorktreeSet(ctx context.Context) (map[string]bool, error) {
	worktrees, err := a.git.ListWorktrees(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: list worktrees: %w", err)
	}
	set := map[string]bool{}
	for _, w := range worktrees {
		set[w] = true
	}
	return set, nil
}
