package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ralph-labs/ralphd/internal/safety"
)

// worktreeMarkerName records which branch a worktree directory was
// materialized for, so a restart can tell a live worktree from a detached
// leftover.
const worktreeMarkerName = ".ralph-worktree"

// WorktreePool owns the worktree directories for one repository. Creation
// uses filesystem primitives only; two tasks of the same repo can never
// share a path because the directory name is derived from the task path.
type WorktreePool struct {
	repoRoot string
	root     string
}

// NewWorktreePool builds a pool rooted at root for the repo checked out at
// repoRoot.
func NewWorktreePool(repoRoot, root string) *WorktreePool {
	return &WorktreePool{repoRoot: repoRoot, root: root}
}

// Ensure creates (or reuses) the worktree directory for taskPath on the
// given branch, refusing any path that resolves to the repository's main
// checkout.
func (p *WorktreePool) Ensure(taskPath, branch string) (string, error) {
	dir := filepath.Join(p.root, safety.SlugForPath(taskPath))
	if err := safety.CheckWorktree(p.repoRoot, dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("worker: create worktree: %w", err)
	}
	marker := filepath.Join(dir, worktreeMarkerName)
	if _, err := os.Stat(marker); os.IsNotExist(err) {
		if err := os.WriteFile(marker, []byte(branch+"\n"), 0o600); err != nil {
			return "", fmt.Errorf("worker: write worktree marker: %w", err)
		}
	}
	return dir, nil
}

// Branch reads the branch a worktree was materialized for, or "" when the
// directory is detached (no marker).
func (p *WorktreePool) Branch(dir string) string {
	b, err := os.ReadFile(filepath.Join(dir, worktreeMarkerName))
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(string(b), "\n")
}

// Recover attempts to re-materialize a detached worktree: if the recorded
// directory exists but has lost its branch marker, the marker is rewritten
// for the recovery branch; if the directory is gone, it is recreated. The
// safety check against the repo root is never skipped.
func (p *WorktreePool) Recover(taskPath, recoveryBranch string) (string, error) {
	dir := filepath.Join(p.root, safety.SlugForPath(taskPath))
	if err := safety.CheckWorktree(p.repoRoot, dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("worker: recover worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, worktreeMarkerName), []byte(recoveryBranch+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("worker: write recovery marker: %w", err)
	}
	return dir, nil
}
