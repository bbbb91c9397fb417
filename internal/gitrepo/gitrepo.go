// Package gitrepo is the single, strictly-validated git adapter used by
// the core. It shells out to the system git binary rather than linking a
// pure-Go git implementation: operations must behave exactly like whatever
// git the operator has installed (hooks, credential helpers, partial
// clones), which only the real binary guarantees.
package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Repo is a git working copy rooted at Dir.
type Repo struct {
	Dir string
}

// Open validates that dir is inside a git work tree and returns a Repo
// bound to it.
func Open(dir string) (*Repo, error) {
	r := &Repo{Dir: dir}
	out, err := r.run(context.Background(), "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return nil, fmt.Errorf("gitrepo: %s is not a git work tree: %w", dir, err)
	}
	if strings.TrimSpace(out) != "true" {
		return nil, fmt.Errorf("gitrepo: %s is not a git work tree", dir)
	}
	return r, nil
}

func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	if r.Dir == "" {
		return "", fmt.Errorf("gitrepo: empty repo dir")
	}
	if len(args) == 0 {
		return "", fmt.Errorf("gitrepo: empty argument list")
	}
	for _, a := range args {
		if a == "" {
			return "", fmt.Errorf("gitrepo: empty argument in %v", args)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.String(), fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}
	return stdout.String(), nil
}

// Run executes an arbitrary git subcommand in dir. Exported for callers
// (the merger) that need operations this adapter doesn't wrap directly,
// while still going through the single validated exec.Command path.
func Run(ctx context.Context, dir string, args ...string) (string, error) {
	r := &Repo{Dir: dir}
	return r.run(ctx, args...)
}

// CurrentBranch returns the name of the checked-out branch.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	return strings.TrimSpace(out), err
}

// CurrentSHA returns the HEAD commit SHA.
func (r *Repo) CurrentSHA(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "HEAD")
	return strings.TrimSpace(out), err
}

// BranchExists reports whether a local branch exists.
func (r *Repo) BranchExists(ctx context.Context, branch string) bool {
	_, err := r.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// RemoteBranchExists reports whether a branch exists on the given remote.
func (r *Repo) RemoteBranchExists(ctx context.Context, remote, branch string) bool {
	out, err := r.run(ctx, "ls-remote", "--heads", remote, branch)
	return err == nil && strings.TrimSpace(out) != ""
}

// Fetch fetches the given remote.
func (r *Repo) Fetch(ctx context.Context, remote string) error {
	_, err := r.run(ctx, "fetch", remote)
	return err
}

// WorktreeAdd creates a new worktree at path tracking baseBranch on a new
// branch newBranch.
func (r *Repo) WorktreeAdd(ctx context.Context, path, newBranch, baseBranch string) error {
	_, err := r.run(ctx, "worktree", "add", "-b", newBranch, path, baseBranch)
	return err
}

// WorktreeRemove removes a worktree, optionally forcing removal of
// uncommitted changes.
func (r *Repo) WorktreeRemove(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	_, err := r.run(ctx, args...)
	return err
}

// WorktreePrune removes stale worktree administrative metadata.
func (r *Repo) WorktreePrune(ctx context.Context) error {
	_, err := r.run(ctx, "worktree", "prune")
	return err
}

// CommitAll stages every change under dir (relative to the repo) and
// commits with message. Returns nil, without error, if there is nothing to
// commit.
func (r *Repo) CommitAll(ctx context.Context, worktreeDir, message string) error {
	addCmd := &Repo{Dir: worktreeDir}
	if _, err := addCmd.run(ctx, "add", "-A"); err != nil {
		return err
	}
	out, err := addCmd.run(ctx, "status", "--porcelain")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) == "" {
		return nil
	}
	_, err = addCmd.run(ctx, "commit", "-m", message)
	return err
}

// Push pushes branch to remote. Returns the raw error so callers can detect
// rejection and retry.
func (r *Repo) Push(ctx context.Context, worktreeDir, remote, branch string) error {
	pushCmd := &Repo{Dir: worktreeDir}
	_, err := pushCmd.run(ctx, "push", remote, branch)
	return err
}

// RebaseOnto rebases the current branch of worktreeDir onto upstream.
func (r *Repo) RebaseOnto(ctx context.Context, worktreeDir, upstream string) error {
	rebaseCmd := &Repo{Dir: worktreeDir}
	_, err := rebaseCmd.run(ctx, "rebase", upstream)
	return err
}

// RebaseAbort aborts an in-progress rebase, best-effort.
func (r *Repo) RebaseAbort(ctx context.Context, worktreeDir string) {
	rebaseCmd := &Repo{Dir: worktreeDir}
	_, _ = rebaseCmd.run(ctx, "rebase", "--abort")
}

// IsRejectedPush reports whether err looks like a non-fast-forward push
// rejection (as opposed to e.g. a network failure or auth error).
func IsRejectedPush(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "fetch first") ||
		strings.Contains(msg, "non-fast-forward") ||
		strings.Contains(msg, "rejected")
}

// DeleteRemoteBranch deletes branch on remote, best-effort.
func (r *Repo) DeleteRemoteBranch(ctx context.Context, remote, branch string) error {
	_, err := r.run(ctx, "push", remote, "--delete", branch)
	return err
}

// DeleteLocalBranch deletes a local branch, optionally forced.
func (r *Repo) DeleteLocalBranch(ctx context.Context, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := r.run(ctx, "branch", flag, branch)
	return err
}

// ListWorktrees returns the paths of all registered worktrees (porcelain
// parse of `git worktree list --porcelain`).
func (r *Repo) ListWorktrees(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths, nil
}

// ListBranches returns all local branch names.
func (r *Repo) ListBranches(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}
