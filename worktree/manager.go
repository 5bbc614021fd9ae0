// Package worktree manages the throwaway git worktrees implementor runs
// execute in. Each run gets a worktree under <repo>/.worktrees/<branch> whose
// branch is force-reset from the default branch; the worktree and branch are
// removed when the run ends, however it ends.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// worktreesDir is the repo-relative directory holding run worktrees.
const worktreesDir = ".worktrees"

// branchPattern restricts branch names to what the engine generates. Anything
// else is rejected before it reaches a git invocation.
var branchPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*$`)

// Manager creates and removes run worktrees for one repository.
type Manager struct {
	repoRoot      string
	defaultBranch string
	// setupCommand runs in a fresh worktree to install dependencies; empty
	// skips the step.
	setupCommand []string
	logger       *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithSetupCommand sets the dependency-install command run in new worktrees.
func WithSetupCommand(argv []string) Option {
	return func(m *Manager) { m.setupCommand = argv }
}

// NewManager creates a worktree manager rooted at repoRoot.
func NewManager(repoRoot, defaultBranch string, opts ...Option) *Manager {
	m := &Manager{
		repoRoot:      repoRoot,
		defaultBranch: defaultBranch,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Path returns the worktree directory for a branch.
func (m *Manager) Path(branch string) string {
	return filepath.Join(m.repoRoot, worktreesDir, branch)
}

func validateBranch(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name is required")
	}
	if strings.Contains(branch, "..") || !branchPattern.MatchString(branch) {
		return fmt.Errorf("invalid branch name %q", branch)
	}
	return nil
}

// Create provisions a fresh worktree for branch, force-resetting the branch
// from the default branch. Any stale worktree at the same path is removed
// first. On failure the partial worktree is cleaned up before returning.
func (m *Manager) Create(ctx context.Context, branch string) (string, error) {
	if err := validateBranch(branch); err != nil {
		return "", err
	}
	path := m.Path(branch)

	// A previous run may have died without cleanup.
	if _, err := os.Stat(path); err == nil {
		m.logger.Warn("removing stale worktree", "path", path)
		if err := m.Remove(ctx, branch); err != nil {
			return "", fmt.Errorf("removing stale worktree: %w", err)
		}
	}

	if _, err := m.runGit(ctx, "worktree", "add", "--force", "-B", branch, path, m.defaultBranch); err != nil {
		m.Cleanup(ctx, branch)
		return "", fmt.Errorf("creating worktree for %s: %w", branch, err)
	}

	if len(m.setupCommand) > 0 {
		cmd := exec.CommandContext(ctx, m.setupCommand[0], m.setupCommand[1:]...)
		cmd.Dir = path
		if output, err := cmd.CombinedOutput(); err != nil {
			m.Cleanup(ctx, branch)
			return "", fmt.Errorf("worktree setup failed: %w: %s", err, output)
		}
	}
	return path, nil
}

// Remove deletes the worktree and its branch. Errors on the branch deletion
// are tolerated; the branch may never have been created.
func (m *Manager) Remove(ctx context.Context, branch string) error {
	if err := validateBranch(branch); err != nil {
		return err
	}
	path := m.Path(branch)

	if _, err := m.runGit(ctx, "worktree", "remove", "--force", path); err != nil {
		// The worktree record may be gone while the directory lingers.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("removing worktree %s: %w", path, rmErr)
		}
		if _, err := m.runGit(ctx, "worktree", "prune"); err != nil {
			m.logger.Warn("worktree prune failed", "error", err)
		}
	}

	if _, err := m.runGit(ctx, "branch", "-D", branch); err != nil {
		m.logger.Debug("branch delete skipped", "branch", branch, "error", err)
	}
	return nil
}

// Cleanup is Remove with errors demoted to logs, for failure paths where the
// run's own error must win.
func (m *Manager) Cleanup(ctx context.Context, branch string) {
	if err := m.Remove(ctx, branch); err != nil {
		m.logger.Warn("worktree cleanup failed", "branch", branch, "error", err)
	}
}

// Diff returns the unified diff of the worktree against the default branch,
// staged and unstaged changes included.
func (m *Manager) Diff(ctx context.Context, branch string) (string, error) {
	if err := validateBranch(branch); err != nil {
		return "", err
	}
	path := m.Path(branch)

	// Untracked files are invisible to git diff until tracked.
	cmd := exec.CommandContext(ctx, "git", "add", "-A")
	cmd.Dir = path
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("staging worktree changes: %w: %s", err, output)
	}

	cmd = exec.CommandContext(ctx, "git", "diff", "--cached", m.defaultBranch)
	cmd.Dir = path
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("diffing worktree against %s: %w", m.defaultBranch, err)
	}
	return string(output), nil
}

// DiffBlobs returns the unified diff between two blobs.
func (m *Manager) DiffBlobs(ctx context.Context, oldSHA, newSHA string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", oldSHA, newSHA)
	cmd.Dir = m.repoRoot
	output, err := cmd.Output()
	if err != nil {
		// git diff exits 1 when the blobs differ under certain configs; an
		// ExitError with output is still a valid diff.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return string(output), nil
		}
		return "", fmt.Errorf("diffing blobs: %w", err)
	}
	return string(output), nil
}

// CleanupOrphans removes every worktree left behind by previous processes.
// Called once at startup.
func (m *Manager) CleanupOrphans(ctx context.Context) error {
	root := filepath.Join(m.repoRoot, worktreesDir)
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading worktrees dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		// Branch directories nest (decree/wi-42); walk one level down for
		// grouped branches, otherwise remove directly.
		m.removeTree(ctx, root, entry.Name())
	}

	if _, err := m.runGit(ctx, "worktree", "prune"); err != nil {
		m.logger.Warn("worktree prune failed", "error", err)
	}
	return nil
}

func (m *Manager) removeTree(ctx context.Context, root, name string) {
	path := filepath.Join(root, name)
	if gitDirExists(path) {
		m.logger.Info("removing orphaned worktree", "path", path)
		m.Cleanup(ctx, name)
		return
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		m.logger.Warn("orphan scan failed", "path", path, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			m.removeTree(ctx, root, filepath.Join(name, entry.Name()))
		}
	}
}

// gitDirExists reports whether path is a worktree checkout (worktrees carry a
// .git file, not a directory).
func gitDirExists(path string) bool {
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

// runGit executes a git command at the repository root.
func (m *Manager) runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoRoot
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, output)
	}
	return string(output), nil
}
