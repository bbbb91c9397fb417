// Package engine wires the event log, WU record store, state machine,
// lane locks, and micro-worktree merger into the seven WU lifecycle
// operations: create, claim, release, block, unblock, complete, delete.
// Every mutation is funneled through the merger so the event log, the WU
// record, and the materialised views are always committed together --
// which means every write a merge.Operation.Execute closure performs must
// land inside the worktreePath it is handed, never on the bound Context's
// real repo root, or the merger has nothing to commit.
package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hellmai/lumenflow/internal/eventlog"
	"github.com/hellmai/lumenflow/internal/lanes"
	"github.com/hellmai/lumenflow/internal/layout"
	"github.com/hellmai/lumenflow/internal/lfcontext"
	"github.com/hellmai/lumenflow/internal/lferrors"
	"github.com/hellmai/lumenflow/internal/lflog"
	"github.com/hellmai/lumenflow/internal/merge"
	"github.com/hellmai/lumenflow/internal/views"
	"github.com/hellmai/lumenflow/internal/wu"
)

// Engine exposes the WU lifecycle operations over a bound Context. store
// and events are read from for pre-flight checks (current status, lane,
// existence) before a merge.Operation is even built; the mutation itself
// always goes through freshly-scoped instances bound to the ephemeral
// worktree the merger hands to Execute, so the reader and the writer never
// silently diverge onto different trees.
type Engine struct {
	ctx    *lfcontext.Context
	store  *wu.Store
	events *eventlog.Log
	lanes  *lanes.Registry
	locks  *lanes.LockManager
	merger *merge.Merger
}

// New builds an Engine. store/events/locks are typically obtained from
// ctx.Layout; callers wire them explicitly so tests can substitute
// in-memory fakes.
func New(ctx *lfcontext.Context, store *wu.Store, events *eventlog.Log, laneRegistry *lanes.Registry, locks *lanes.LockManager, merger *merge.Merger) *Engine {
	return &Engine{ctx: ctx, store: store, events: events, lanes: laneRegistry, locks: locks, merger: merger}
}

// mergeMode selects push-only vs. local-only per the workspace's
// requireRemote setting: a repo with no configured remote merges every
// operation straight onto local main instead of racing a push that can
// never succeed.
func (e *Engine) mergeMode() merge.Mode {
	if e.ctx.Config.RequireRemote() {
		return merge.PushOnly
	}
	return merge.LocalOnly
}

// scopedLayout builds a Layout rooted at worktreePath instead of the real
// repo root, by cloning the bound Config with RepoRoot overridden. Every
// path the layout computes (wu dir, event log, backlog/status views) is a
// join against RepoRoot, so this is enough to make wu.Store/eventlog.Log
// read and write inside the merger's ephemeral worktree.
func (e *Engine) scopedLayout(worktreePath string) *layout.Layout {
	cfg := *e.ctx.Config
	cfg.RepoRoot = worktreePath
	return layout.New(&cfg)
}

// openScoped opens a wu.Store and eventlog.Log scoped to worktreePath,
// ready for use inside a merge.Operation's Execute closure.
func (e *Engine) openScoped(worktreePath string) (*wu.Store, *eventlog.Log, *layout.Layout, error) {
	lay := e.scopedLayout(worktreePath)
	store := wu.NewStore(lay.WUDir())
	events, err := eventlog.Open(lay.EventLogPath())
	if err != nil {
		return nil, nil, nil, err
	}
	return store, events, lay, nil
}

// regenerateViews rewrites the backlog and status markdown from scratch,
// reading store and writing through lay -- both scoped to the worktree the
// caller is committing in,
// so the views land in the same commit as the mutation that produced them.
func (e *Engine) regenerateViews(store *wu.Store, lay *layout.Layout) error {
	recs, err := store.List()
	if err != nil {
		return err
	}
	if err := os.WriteFile(lay.BacklogPath(), []byte(views.Generate(recs)), 0o644); err != nil {
		return err
	}
	return os.WriteFile(lay.StatusPath(), []byte(views.GenerateStatus(recs)), 0o644)
}

// NextID returns the first unused WU id after the highest one on record.
func (e *Engine) NextID() (string, error) {
	recs, err := e.store.List()
	if err != nil {
		return "", lferrors.New(lferrors.YAMLParseError, "next-id", err)
	}
	max := 0
	for _, r := range recs {
		if n, err := wu.IDNumber(r.ID); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("WU-%d", max+1), nil
}

// Create appends a create event and writes a fresh ready-status WU record.
func (e *Engine) Create(ctx context.Context, wuID, lane, title string) error {
	if !wu.ValidID(wuID) {
		return lferrors.New(lferrors.InvalidWUID, "create", nil).WithWU(wuID)
	}
	if _, ok := e.lanes.Get(lane); !ok {
		return lferrors.New(lferrors.InvalidLane, "create", nil).WithLane(lane)
	}
	if e.store.Exists(wuID) {
		return lferrors.New(lferrors.StateError, "create", nil).WithWU(wuID)
	}

	op := merge.Operation{
		Name: "wu-create",
		WUID: wuID,
		Mode: e.mergeMode(),
		Execute: func(worktreePath string) (string, []string, error) {
			store, events, lay, err := e.openScoped(worktreePath)
			if err != nil {
				return "", nil, err
			}
			rec := &wu.Record{ID: wuID, Status: wu.Ready, Lane: lane, Title: title}
			if err := store.Save(rec); err != nil {
				return "", nil, err
			}
			if err := events.Append(eventlog.Entry{WUID: wuID, Type: eventlog.Create, Lane: lane, Title: title}); err != nil {
				return "", nil, err
			}
			if err := e.regenerateViews(store, lay); err != nil {
				return "", nil, err
			}
			return fmt.Sprintf("wu-create: %s", wuID), nil, nil
		},
	}
	_, err := e.merger.Run(ctx, op)
	return err
}

// Claim transitions a WU from ready to in_progress, acquiring its lane
// lock and recording the baseline SHA. branch_pr claims do not go through
// here; they use ClaimOnBranch, whose lock policy differs (the documented
// Open Question decision).
//
// agentWorktreePath is the agent's own durable workspace and is only
// meaningful (and required) when mode is wu.ModeWorktree; it has nothing
// to do with the merger's ephemeral merge-scratch worktree, which is
// deleted by the time Claim returns and must never be persisted as the
// WU's worktree_path.
func (e *Engine) Claim(ctx context.Context, wuID, agentEmail string, mode wu.ClaimedMode, pid int32, agentWorktreePath string) error {
	if mode == wu.ModeWorktree && agentWorktreePath == "" {
		return lferrors.New(lferrors.WorktreeError, "claim", nil).WithWU(wuID)
	}
	if mode == wu.ModeBranchPR {
		return lferrors.New(lferrors.BranchError, "claim",
			fmt.Errorf("branch_pr claims go through ClaimOnBranch")).WithWU(wuID)
	}

	rec, err := e.store.Load(wuID)
	if err != nil {
		return lferrors.New(lferrors.WUNotFound, "claim", err).WithWU(wuID)
	}
	if err := wu.AssertTransition(rec.Status, wu.InProgress, wuID); err != nil {
		return err
	}

	lane, ok := e.lanes.Get(rec.Lane)
	if !ok {
		return lferrors.New(lferrors.InvalidLane, "claim", nil).WithLane(rec.Lane)
	}
	if err := e.checkWIPLimit(rec.Lane, lane.WIPLimit); err != nil {
		return err
	}
	if err := e.locks.Acquire(rec.Lane, wuID, pid); err != nil {
		return lferrors.New(lferrors.WUAlreadyClaimed, "claim", err).WithWU(wuID).WithLane(rec.Lane)
	}

	baselineSHA, err := e.ctx.Git.CurrentSHA(ctx)
	if err != nil {
		_ = e.locks.Release(rec.Lane)
		return lferrors.New(lferrors.BranchError, "claim", err).WithWU(wuID)
	}

	op := merge.Operation{
		Name: "wu-claim",
		WUID: wuID,
		Mode: e.mergeMode(),
		Execute: func(worktreePath string) (string, []string, error) {
			store, events, lay, err := e.openScoped(worktreePath)
			if err != nil {
				return "", nil, err
			}
			current, err := store.Load(wuID)
			if err != nil {
				return "", nil, err
			}
			current.Status = wu.InProgress
			current.AssignedTo = agentEmail
			current.ClaimedAt = time.Now().UTC().Format(time.RFC3339)
			current.ClaimedMode = mode
			current.BaselineMainSHA = baselineSHA
			if mode == wu.ModeWorktree {
				current.WorktreePath = agentWorktreePath
			}
			if err := store.Save(current); err != nil {
				return "", nil, err
			}
			if err := events.Append(eventlog.Entry{
				WUID: wuID, Type: eventlog.Claim, AssignedTo: agentEmail,
				ClaimedMode: string(mode), BaselineSHA: baselineSHA,
			}); err != nil {
				return "", nil, err
			}
			if err := e.regenerateViews(store, lay); err != nil {
				return "", nil, err
			}
			return fmt.Sprintf("wu-claim: %s by %s", wuID, agentEmail), nil, nil
		},
	}
	if _, err := e.merger.Run(ctx, op); err != nil {
		_ = e.locks.Release(rec.Lane)
		return lferrors.New(lferrors.TransactionError, "claim", err).WithWU(wuID)
	}
	return nil
}

// ClaimOnBranch claims a WU in branch_pr mode: the claim metadata is
// committed on the caller's current working
// branch and pushed to that branch directly, leaving origin/main's canonical
// state untouched until complete merges via the normal protocol. The branch
// must already be checked out in the bound repository.
func (e *Engine) ClaimOnBranch(ctx context.Context, wuID, agentEmail string, pid int32, branch string) error {
	if branch == "" {
		return lferrors.New(lferrors.BranchError, "claim", nil).WithWU(wuID)
	}
	rec, err := e.store.Load(wuID)
	if err != nil {
		return lferrors.New(lferrors.WUNotFound, "claim", err).WithWU(wuID)
	}
	if err := wu.AssertTransition(rec.Status, wu.InProgress, wuID); err != nil {
		return err
	}
	lane, ok := e.lanes.Get(rec.Lane)
	if !ok {
		return lferrors.New(lferrors.InvalidLane, "claim", nil).WithLane(rec.Lane)
	}
	if err := e.checkWIPLimit(rec.Lane, lane.WIPLimit); err != nil {
		return err
	}
	skipLock := lane.WIPLimit == 0
	if !skipLock {
		if err := e.locks.Acquire(rec.Lane, wuID, pid); err != nil {
			return lferrors.New(lferrors.WUAlreadyClaimed, "claim", err).WithWU(wuID).WithLane(rec.Lane)
		}
	}

	baselineSHA, err := e.ctx.Git.CurrentSHA(ctx)
	if err != nil {
		if !skipLock {
			_ = e.locks.Release(rec.Lane)
		}
		return lferrors.New(lferrors.BranchError, "claim", err).WithWU(wuID)
	}

	op := merge.Operation{
		Name: "wu-claim",
		WUID: wuID,
		Mode: e.mergeMode(),
		Execute: func(worktreePath string) (string, []string, error) {
			store, events, lay, err := e.openScoped(worktreePath)
			if err != nil {
				return "", nil, err
			}
			current, err := store.Load(wuID)
			if err != nil {
				return "", nil, err
			}
			current.Status = wu.InProgress
			current.AssignedTo = agentEmail
			current.ClaimedAt = time.Now().UTC().Format(time.RFC3339)
			current.ClaimedMode = wu.ModeBranchPR
			current.ClaimedBranch = branch
			current.BaselineMainSHA = baselineSHA
			if err := store.Save(current); err != nil {
				return "", nil, err
			}
			if err := events.Append(eventlog.Entry{
				WUID: wuID, Type: eventlog.Claim, AssignedTo: agentEmail,
				ClaimedMode: string(wu.ModeBranchPR), ClaimedBranch: branch, BaselineSHA: baselineSHA,
			}); err != nil {
				return "", nil, err
			}
			if err := e.regenerateViews(store, lay); err != nil {
				return "", nil, err
			}
			return fmt.Sprintf("wu-claim: %s by %s", wuID, agentEmail), nil, nil
		},
	}
	if _, err := e.merger.RunOnBranch(ctx, op, branch); err != nil {
		if !skipLock {
			_ = e.locks.Release(rec.Lane)
		}
		return lferrors.New(lferrors.TransactionError, "claim", err).WithWU(wuID)
	}
	return nil
}

// checkWIPLimit enforces admission rule (b): the lane's in_progress count
// must be under its WIP limit. The lane lock alone is not enough -- a
// zombie reclaim can hand the lock to a new claimant while the previous
// WU is still recorded in_progress.
func (e *Engine) checkWIPLimit(laneName string, limit int) error {
	if limit <= 0 {
		return nil
	}
	recs, err := e.store.List()
	if err != nil {
		return lferrors.New(lferrors.YAMLParseError, "claim", err).WithLane(laneName)
	}
	inProgress := 0
	for _, r := range recs {
		if r.Lane == laneName && r.Status == wu.InProgress {
			inProgress++
		}
	}
	if inProgress >= limit {
		return lferrors.New(lferrors.LockError, "claim", nil).WithLane(laneName).
			WithSuggestions(fmt.Sprintf("lumenflow status --lane %s", laneName))
	}
	return nil
}

// Release reverts a WU to ready and releases its lane lock. It doubles as
// the compensating operation when post-claim work fails after the claim
// has already pushed.
func (e *Engine) Release(ctx context.Context, wuID, reason string) error {
	rec, err := e.store.Load(wuID)
	if err != nil {
		return lferrors.New(lferrors.WUNotFound, "release", err).WithWU(wuID)
	}
	if err := wu.AssertTransition(rec.Status, wu.Ready, wuID); err != nil {
		return err
	}
	lane := rec.Lane

	op := merge.Operation{
		Name: "wu-release",
		WUID: wuID,
		Mode: e.mergeMode(),
		Execute: func(worktreePath string) (string, []string, error) {
			store, events, lay, err := e.openScoped(worktreePath)
			if err != nil {
				return "", nil, err
			}
			current, err := store.Load(wuID)
			if err != nil {
				return "", nil, err
			}
			current.Status = wu.Ready
			current.AssignedTo = ""
			current.ClaimedAt = ""
			current.ClaimedMode = ""
			current.ClaimedBranch = ""
			current.WorktreePath = ""
			current.BaselineMainSHA = ""
			if err := store.Save(current); err != nil {
				return "", nil, err
			}
			if err := events.Append(eventlog.Entry{WUID: wuID, Type: eventlog.Release, Reason: reason}); err != nil {
				return "", nil, err
			}
			if err := e.regenerateViews(store, lay); err != nil {
				return "", nil, err
			}
			return fmt.Sprintf("wu-release: %s", wuID), nil, nil
		},
	}
	_, err = e.merger.Run(ctx, op)
	if relErr := e.locks.Release(lane); relErr != nil {
		e.ctx.Logger.Warn("release: failed to release lane lock after compensating push",
			lflog.String("lane", lane), lflog.Err(relErr))
	}
	return err
}

// Block transitions a WU to blocked with a reason.
func (e *Engine) Block(ctx context.Context, wuID, reason string) error {
	rec, err := e.store.Load(wuID)
	if err != nil {
		return lferrors.New(lferrors.WUNotFound, "block", err).WithWU(wuID)
	}
	if err := wu.AssertTransition(rec.Status, wu.Blocked, wuID); err != nil {
		return err
	}
	op := merge.Operation{
		Name: "wu-block",
		WUID: wuID,
		Mode: e.mergeMode(),
		Execute: func(worktreePath string) (string, []string, error) {
			store, events, lay, err := e.openScoped(worktreePath)
			if err != nil {
				return "", nil, err
			}
			current, err := store.Load(wuID)
			if err != nil {
				return "", nil, err
			}
			current.Status = wu.Blocked
			if err := store.Save(current); err != nil {
				return "", nil, err
			}
			if err := events.Append(eventlog.Entry{WUID: wuID, Type: eventlog.Block, Reason: reason}); err != nil {
				return "", nil, err
			}
			if err := e.regenerateViews(store, lay); err != nil {
				return "", nil, err
			}
			return fmt.Sprintf("wu-block: %s", wuID), nil, nil
		},
	}
	_, err = e.merger.Run(ctx, op)
	return err
}

// Unblock transitions a blocked WU back to in_progress.
func (e *Engine) Unblock(ctx context.Context, wuID string) error {
	rec, err := e.store.Load(wuID)
	if err != nil {
		return lferrors.New(lferrors.WUNotFound, "unblock", err).WithWU(wuID)
	}
	if err := wu.AssertTransition(rec.Status, wu.InProgress, wuID); err != nil {
		return err
	}
	op := merge.Operation{
		Name: "wu-unblock",
		WUID: wuID,
		Mode: e.mergeMode(),
		Execute: func(worktreePath string) (string, []string, error) {
			store, events, lay, err := e.openScoped(worktreePath)
			if err != nil {
				return "", nil, err
			}
			current, err := store.Load(wuID)
			if err != nil {
				return "", nil, err
			}
			current.Status = wu.InProgress
			if err := store.Save(current); err != nil {
				return "", nil, err
			}
			if err := events.Append(eventlog.Entry{WUID: wuID, Type: eventlog.Unblock}); err != nil {
				return "", nil, err
			}
			if err := e.regenerateViews(store, lay); err != nil {
				return "", nil, err
			}
			return fmt.Sprintf("wu-unblock: %s", wuID), nil, nil
		},
	}
	_, err = e.merger.Run(ctx, op)
	return err
}

// Complete requires a completion stamp to exist, appends a complete event,
// and writes status=done. The stamp precondition is checked
// against the real repo root: it must already be present on mainline
// (written by a prior committed operation), not merely inside the
// ephemeral worktree this call will create.
func (e *Engine) Complete(ctx context.Context, wuID string) error {
	rec, err := e.store.Load(wuID)
	if err != nil {
		return lferrors.New(lferrors.WUNotFound, "complete", err).WithWU(wuID)
	}
	if err := wu.AssertTransition(rec.Status, wu.Done, wuID); err != nil {
		return err
	}
	if !wu.StampExists(e.ctx.Layout.StampsDirPath(), wuID) {
		return lferrors.New(lferrors.FileNotFound, "complete", nil).WithWU(wuID).
			WithPath(e.ctx.Layout.StampPath(wuID)).
			WithSuggestions(fmt.Sprintf("lumenflow complete %s --create-stamp", wuID))
	}

	op := merge.Operation{
		Name: "wu-complete",
		WUID: wuID,
		Mode: e.mergeMode(),
		Execute: func(worktreePath string) (string, []string, error) {
			store, events, lay, err := e.openScoped(worktreePath)
			if err != nil {
				return "", nil, err
			}
			current, err := store.Load(wuID)
			if err != nil {
				return "", nil, err
			}
			current.Status = wu.Done
			if err := store.Save(current); err != nil {
				return "", nil, err
			}
			if err := events.Append(eventlog.Entry{WUID: wuID, Type: eventlog.Complete}); err != nil {
				return "", nil, err
			}
			if err := e.regenerateViews(store, lay); err != nil {
				return "", nil, err
			}
			return fmt.Sprintf("wu-complete: %s", wuID), nil, nil
		},
	}
	if _, err := e.merger.Run(ctx, op); err != nil {
		return err
	}
	if rec.Lane != "" {
		_ = e.locks.Release(rec.Lane)
	}
	return nil
}

// Delete removes the YAML record, the stamp, and this WU's events from the
// log (preserving malformed lines), then regenerates views.
func (e *Engine) Delete(ctx context.Context, wuID string) error {
	op := merge.Operation{
		Name: "wu-delete",
		WUID: wuID,
		Mode: e.mergeMode(),
		Execute: func(worktreePath string) (string, []string, error) {
			store, events, lay, err := e.openScoped(worktreePath)
			if err != nil {
				return "", nil, err
			}
			if err := store.Delete(wuID); err != nil {
				return "", nil, err
			}
			if err := wu.RemoveStamp(lay.StampsDirPath(), wuID); err != nil {
				return "", nil, err
			}
			if err := events.RemoveWU(wuID); err != nil {
				return "", nil, err
			}
			if err := e.regenerateViews(store, lay); err != nil {
				return "", nil, err
			}
			return fmt.Sprintf("wu-delete: %s", wuID), nil, nil
		},
	}
	_, err := e.merger.Run(ctx, op)
	return err
}
