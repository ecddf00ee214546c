// Package vcs runs version-control operations for workspace provisioning.
// Core packages depend on the Executor interface; GitExecutor implements it
// with git worktrees.
package vcs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// WorkspaceSpec describes an isolated checkout to create.
type WorkspaceSpec struct {
	RepoDir string // parent repository working directory
	Path    string // worktree path to create
	Branch  string // branch created at BaseRef
	BaseRef string // commit-ish the branch starts from; default main
}

// Executor provisions and removes isolated checkouts.
type Executor interface {
	CreateWorkspace(ctx context.Context, spec WorkspaceSpec) error
	RemoveWorkspace(ctx context.Context, path, repoDir string) error
}

// GitExecutor implements Executor with git worktrees.
type GitExecutor struct{}

// CreateWorkspace runs `git worktree add -b <branch> <path> <baseRef>` in the
// parent repository. If the branch survives from an earlier run, the worktree
// is attached to it instead.
func (GitExecutor) CreateWorkspace(ctx context.Context, spec WorkspaceSpec) error {
	if spec.RepoDir == "" {
		return fmt.Errorf("vcs: repo directory is required")
	}
	if spec.Path == "" {
		return fmt.Errorf("vcs: workspace path is required")
	}
	if spec.Branch == "" {
		return fmt.Errorf("vcs: branch name is required")
	}

	baseRef := spec.BaseRef
	if baseRef == "" {
		baseRef = "main"
	}

	if err := os.MkdirAll(filepath.Dir(spec.Path), 0o755); err != nil {
		return fmt.Errorf("vcs: create workspace parent: %w", err)
	}
	if _, err := os.Stat(spec.Path); err == nil {
		return fmt.Errorf("vcs: workspace path already exists: %s", spec.Path)
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", spec.Branch, spec.Path, baseRef)
	cmd.Dir = spec.RepoDir
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	// A crash between branch creation and record keeping can leave the
	// branch behind; attach the worktree to it instead of failing.
	if strings.Contains(string(out), "already exists") {
		attach := exec.CommandContext(ctx, "git", "worktree", "add", spec.Path, spec.Branch)
		attach.Dir = spec.RepoDir
		if attachOut, attachErr := attach.CombinedOutput(); attachErr != nil {
			os.RemoveAll(spec.Path)
			return fmt.Errorf("vcs: attach worktree to branch %q: %s", spec.Branch, strings.TrimSpace(string(attachOut)))
		}
		return nil
	}

	os.RemoveAll(spec.Path)
	return fmt.Errorf("vcs: worktree add %q: %s", spec.Branch, strings.TrimSpace(string(out)))
}

// RemoveWorkspace runs `git worktree remove --force <path>` in the parent
// repository. When git refuses because the worktree is broken, the directory
// is removed directly and the stale registration pruned.
func (GitExecutor) RemoveWorkspace(ctx context.Context, path, repoDir string) error {
	if path == "" {
		return fmt.Errorf("vcs: workspace path is required")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		pruneWorktrees(ctx, repoDir)
		return nil
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", path)
	if repoDir != "" {
		cmd.Dir = repoDir
	}
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	if rmErr := os.RemoveAll(path); rmErr != nil {
		return fmt.Errorf("vcs: worktree remove %s: %s: %w", path, strings.TrimSpace(string(out)), rmErr)
	}
	pruneWorktrees(ctx, repoDir)
	return nil
}

// Version reports the installed git version for environment checks.
func Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "git", "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("vcs: git not available: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func pruneWorktrees(ctx context.Context, repoDir string) {
	if repoDir == "" {
		return
	}
	prune := exec.CommandContext(ctx, "git", "worktree", "prune")
	prune.Dir = repoDir
	prune.Run()
}
