package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Manager allocates worktrees for the workflow engine (satisfies
// workflow.Worktree structurally). One Manager serves every workflow
// running against a single source repository; worktrees live under
// RepoDir/.orchestrator/worktrees/<branch-suffix>.
type Manager struct {
	repoDir      string
	branchPrefix string
	repo         *repo
}

// Config configures a Manager.
type Config struct {
	// RepoDir is the source repository's working directory (the
	// repository worktrees are created *from*, not a worktree itself).
	RepoDir string
	// BranchPrefix namespaces branches this orchestrator creates, so they
	// don't collide with human branches. Default "orchestrator/".
	BranchPrefix string
}

// New creates a Manager rooted at cfg.RepoDir.
func New(cfg Config) (*Manager, error) {
	if cfg.RepoDir == "" {
		return nil, fmt.Errorf("worktree: RepoDir is required")
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "orchestrator/"
	}
	return &Manager{repoDir: cfg.RepoDir, branchPrefix: cfg.BranchPrefix, repo: newRepo(cfg.RepoDir)}, nil
}

func (m *Manager) worktreesDir() string {
	return filepath.Join(m.repoDir, ".orchestrator", "worktrees")
}

// Allocate implements workflow.Worktree. If reusePath is non-empty, the
// operator has pre-provisioned a worktree; it is used as-is after
// confirming it exists and is checked out onto some branch. Otherwise a
// fresh worktree is created from baseBranch on a new branch under the
// orchestrator's branch prefix.
func (m *Manager) Allocate(ctx context.Context, baseBranch, reusePath string) (path, branch string, err error) {
	if reusePath != "" {
		info, statErr := os.Stat(reusePath)
		if statErr != nil || !info.IsDir() {
			return "", "", fmt.Errorf("worktree: reuse path %q is not a directory: %w", reusePath, statErr)
		}
		branch, err := currentBranch(reusePath)
		if err != nil {
			return "", "", fmt.Errorf("worktree: resolving branch for reused path %q: %w", reusePath, err)
		}
		return reusePath, branch, nil
	}

	if baseBranch == "" {
		baseBranch = "main"
	}
	if !m.repo.branchExists(baseBranch) {
		return "", "", fmt.Errorf("worktree: base branch %q does not exist", baseBranch)
	}

	suffix := uuid.NewString()
	newBranch := m.branchPrefix + suffix
	worktreePath := filepath.Join(m.worktreesDir(), suffix)

	if err := os.MkdirAll(m.worktreesDir(), 0o755); err != nil {
		return "", "", fmt.Errorf("worktree: preparing worktrees directory: %w", err)
	}
	if err := m.repo.createWorktree(worktreePath, newBranch, baseBranch); err != nil {
		return "", "", fmt.Errorf("worktree: creating worktree: %w", err)
	}

	return worktreePath, newBranch, nil
}

// Release removes a worktree this Manager created, for callers that clean
// up after a workflow completes or is cancelled. Reused (operator-owned)
// worktrees should not be passed here — the caller owns their lifecycle.
func (m *Manager) Release(path string) error {
	if path == "" {
		return nil
	}
	if err := m.repo.removeWorktree(path); err != nil {
		return fmt.Errorf("worktree: removing worktree %q: %w", path, err)
	}
	return nil
}
