// Package gitops wraps the git operations that bracket a run: feature-branch
// creation at the start, per-stage commits, and the merge back to the base
// branch on completion. Every operation returns a StepResult instead of an
// error because git gating is best-effort: a failed step downgrades the run
// to non-git mode, it never stops the run.
package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

// branchSlugMax caps the objective slug inside a branch name.
const branchSlugMax = 24

// StepResult is the outcome of one git step.
type StepResult struct {
	OK      bool
	Message string
}

type runGitFn func(ctx context.Context, dir string, args ...string) (string, error)

// Runner executes git commands in one working directory.
type Runner struct {
	dir    string
	runGit runGitFn
	logger *slog.Logger
}

func NewRunner(dir string) *Runner {
	return &Runner{
		dir:    dir,
		runGit: execGit,
		logger: slog.Default().With("component", "gitops"),
	}
}

// IsRepo reports whether the directory is inside a git work tree.
func (r *Runner) IsRepo(ctx context.Context) bool {
	out, err := r.runGit(ctx, r.dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// CurrentBranch returns the checked-out branch name.
func (r *Runner) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.runGit(ctx, r.dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// IsDirty reports uncommitted changes, untracked files included.
func (r *Runner) IsDirty(ctx context.Context) (bool, error) {
	out, err := r.runGit(ctx, r.dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("checking work tree: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// Stash saves uncommitted changes, untracked files included, under a label
// so the user can recover them.
func (r *Runner) Stash(ctx context.Context, label string) StepResult {
	out, err := r.runGit(ctx, r.dir, "stash", "push", "--include-untracked", "-m", label)
	if err != nil {
		return r.failed("stash", out, err)
	}
	return StepResult{OK: true, Message: "stashed uncommitted changes"}
}

// CreateBranch creates and checks out a new branch.
func (r *Runner) CreateBranch(ctx context.Context, name string) StepResult {
	out, err := r.runGit(ctx, r.dir, "checkout", "-b", name)
	if err != nil {
		return r.failed("create branch", out, err)
	}
	return StepResult{OK: true, Message: "created branch " + name}
}

// Checkout switches to an existing branch.
func (r *Runner) Checkout(ctx context.Context, name string) StepResult {
	out, err := r.runGit(ctx, r.dir, "checkout", name)
	if err != nil {
		return r.failed("checkout", out, err)
	}
	return StepResult{OK: true, Message: "checked out " + name}
}

// Commit stages everything and commits. An empty work tree is not a failure.
func (r *Runner) Commit(ctx context.Context, message string) StepResult {
	if out, err := r.runGit(ctx, r.dir, "add", "-A"); err != nil {
		return r.failed("stage changes", out, err)
	}
	out, err := r.runGit(ctx, r.dir, "commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") {
			return StepResult{OK: true, Message: "nothing to commit"}
		}
		return r.failed("commit", out, err)
	}
	return StepResult{OK: true, Message: "committed: " + message}
}

// Merge merges a branch into the current one with a merge commit.
func (r *Runner) Merge(ctx context.Context, branch string) StepResult {
	out, err := r.runGit(ctx, r.dir, "merge", "--no-ff", branch, "-m", "Merge "+branch)
	if err != nil {
		// Leave the work tree clean for the caller to retry by hand.
		if abortOut, abortErr := r.runGit(ctx, r.dir, "merge", "--abort"); abortErr != nil {
			r.logger.Warn("Merge abort failed", "output", strings.TrimSpace(abortOut), "error", abortErr)
		}
		return r.failed("merge", out, err)
	}
	return StepResult{OK: true, Message: "merged " + branch}
}

// DeleteBranch force-deletes a branch.
func (r *Runner) DeleteBranch(ctx context.Context, name string) StepResult {
	out, err := r.runGit(ctx, r.dir, "branch", "-D", name)
	if err != nil {
		return r.failed("delete branch", out, err)
	}
	return StepResult{OK: true, Message: "deleted branch " + name}
}

func (r *Runner) failed(step, out string, err error) StepResult {
	msg := fmt.Sprintf("%s failed: %v", step, err)
	if trimmed := strings.TrimSpace(out); trimmed != "" {
		msg = fmt.Sprintf("%s: %s", msg, trimmed)
	}
	r.logger.Warn("Git step failed", "step", step, "error", err)
	return StepResult{OK: false, Message: msg}
}

// BranchName derives the deterministic feature branch for a run:
// kkcode/<objective-slug>-<session-prefix>.
func BranchName(sessionID, objective string) string {
	id := sessionID
	if len(id) > 8 {
		id = id[:8]
	}
	slug := slugify(objective)
	if slug == "" {
		return "kkcode/run-" + id
	}
	return fmt.Sprintf("kkcode/%s-%s", slug, id)
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= branchSlugMax {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

// CommitMessage formats the per-stage commit message.
func CommitMessage(stageID, stageName string) string {
	if stageName != "" {
		return fmt.Sprintf("kkcode: stage %s (%s) complete", stageID, stageName)
	}
	return fmt.Sprintf("kkcode: stage %s complete", stageID)
}

// FinalCommitMessage formats the end-of-run commit message.
func FinalCommitMessage(state *models.SessionState) string {
	return fmt.Sprintf("kkcode: finalize run %s", state.SessionID)
}

func execGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
