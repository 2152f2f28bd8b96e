// Package worktree implements per-workflow git worktree allocation:
// create a worktree from a base branch, or reuse an operator-provisioned
// path. Git plumbing is exec-wrapped with the same retry-on-transient-lock
// idiom internal/merge uses for index-stage reads.
package worktree

import (
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	retryInitialDelay = 200 * time.Millisecond
	retryMaxAttempts  = 6
	retryMultiplier   = 2
)

var transientPatterns = []string{
	"index file open failed",
	"index.lock",
	"cannot lock ref",
	"already exists",
}

func isTransient(msg string) bool {
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// repo wraps git operations against the workflow's source repository.
type repo struct {
	dir       string
	sleepFunc func(time.Duration)
}

func newRepo(dir string) *repo {
	return &repo{dir: dir, sleepFunc: time.Sleep}
}

func (r *repo) run(args ...string) (string, error) {
	delay := retryInitialDelay
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		cmd := exec.Command("git", args...)
		cmd.Dir = r.dir
		out, err := cmd.CombinedOutput()
		if err == nil {
			return strings.TrimSpace(string(out)), nil
		}
		msg := strings.TrimSpace(string(out))
		if !isTransient(msg) || attempt == retryMaxAttempts-1 {
			return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), msg, err)
		}
		r.sleepFunc(delay)
		delay *= retryMultiplier
	}
	return "", nil // unreachable — loop always returns
}

// branchExists reports whether branch resolves in this repo.
func (r *repo) branchExists(branch string) bool {
	_, err := r.run("rev-parse", "--verify", branch)
	return err == nil
}

// createWorktree adds a new worktree at path on a fresh branch newBranch,
// forked from baseBranch.
func (r *repo) createWorktree(path, newBranch, baseBranch string) error {
	_, err := r.run("worktree", "add", "-b", newBranch, path, baseBranch)
	return err
}

// removeWorktree removes the worktree at path, forcing removal even if it
// has uncommitted changes (the caller has already decided it's disposable).
func (r *repo) removeWorktree(path string) error {
	_, err := r.run("worktree", "remove", "--force", path)
	return err
}

// currentBranch returns the checked-out branch name for the worktree at
// path.
func currentBranch(path string) (string, error) {
	r := &repo{dir: path, sleepFunc: time.Sleep}
	return r.run("rev-parse", "--abbrev-ref", "HEAD")
}
