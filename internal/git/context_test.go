package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func setupTestRepo(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()

	cmd := exec.Command("git", "init", "-b", "main")
	cmd.Dir = tmpDir
	if err := cmd.Run(); err != nil {
		t.Fatalf("failed to init git repo: %v", err)
	}

	cmd = exec.Command("git", "config", "user.email", "test@test.com")
	cmd.Dir = tmpDir
	cmd.Run()

	cmd = exec.Command("git", "config", "user.name", "Test User")
	cmd.Dir = tmpDir
	cmd.Run()

	testFile := filepath.Join(tmpDir, "README.md")
	if err := os.WriteFile(testFile, []byte("# Test\n"), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	cmd = exec.Command("git", "add", ".")
	cmd.Dir = tmpDir
	cmd.Run()

	cmd = exec.Command("git", "commit", "-m", "Initial commit")
	cmd.Dir = tmpDir
	if err := cmd.Run(); err != nil {
		t.Fatalf("failed to create initial commit: %v", err)
	}

	return tmpDir
}

func TestNewContext(t *testing.T) {
	repo := setupTestRepo(t)

	g, err := NewContext(repo)
	if err != nil {
		t.Fatalf("NewContext() failed: %v", err)
	}
	if g.RepoPath() != repo {
		t.Errorf("RepoPath() = %s, want %s", g.RepoPath(), repo)
	}
}

func TestNewContext_NotARepo(t *testing.T) {
	_, err := NewContext(t.TempDir())
	if !errors.Is(err, ErrNotGitRepo) {
		t.Errorf("NewContext() error = %v, want ErrNotGitRepo", err)
	}
}

func TestContext_CurrentBranch(t *testing.T) {
	g, err := NewContext(setupTestRepo(t))
	if err != nil {
		t.Fatalf("NewContext() failed: %v", err)
	}

	branch, err := g.CurrentBranch(context.Background())
	if err != nil {
		t.Fatalf("CurrentBranch() failed: %v", err)
	}
	if branch != "main" {
		t.Errorf("CurrentBranch() = %s, want main", branch)
	}
}

func TestContext_StatusAndStash(t *testing.T) {
	repo := setupTestRepo(t)
	g, err := NewContext(repo)
	if err != nil {
		t.Fatalf("NewContext() failed: %v", err)
	}
	ctx := context.Background()

	clean, err := g.IsClean(ctx)
	if err != nil {
		t.Fatalf("IsClean() failed: %v", err)
	}
	if !clean {
		t.Error("fresh repo should be clean")
	}

	if err := os.WriteFile(filepath.Join(repo, "dirty.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	clean, err = g.IsClean(ctx)
	if err != nil {
		t.Fatalf("IsClean() failed: %v", err)
	}
	if clean {
		t.Error("repo with untracked file should be dirty")
	}

	if err := g.Stash(ctx); err != nil {
		t.Fatalf("Stash() failed: %v", err)
	}

	clean, err = g.IsClean(ctx)
	if err != nil {
		t.Fatalf("IsClean() failed: %v", err)
	}
	if !clean {
		t.Error("repo should be clean after stash")
	}
}

func TestContext_AddWorktree_NewBranch(t *testing.T) {
	repo := setupTestRepo(t)
	g, err := NewContext(repo)
	if err != nil {
		t.Fatalf("NewContext() failed: %v", err)
	}
	ctx := context.Background()

	wtPath := filepath.Join(t.TempDir(), "acme-api_task-1")
	if err := g.AddWorktree(ctx, wtPath, "issue-7", ""); err != nil {
		t.Fatalf("AddWorktree() failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(wtPath, "README.md")); err != nil {
		t.Errorf("worktree missing repo content: %v", err)
	}
	if !g.BranchExists(ctx, "issue-7") {
		t.Error("branch issue-7 should exist after worktree add")
	}

	checkedOut, where := g.IsBranchCheckedOut(ctx, "issue-7")
	if !checkedOut {
		t.Error("issue-7 should be checked out")
	}
	if where == "" {
		t.Error("expected worktree path for checked out branch")
	}
}

func TestContext_AddWorktree_BranchCheckedOutElsewhere(t *testing.T) {
	repo := setupTestRepo(t)
	g, err := NewContext(repo)
	if err != nil {
		t.Fatalf("NewContext() failed: %v", err)
	}
	ctx := context.Background()

	base := t.TempDir()
	first := filepath.Join(base, "first")
	if err := g.AddWorktree(ctx, first, "issue-7", ""); err != nil {
		t.Fatalf("first AddWorktree() failed: %v", err)
	}

	second := filepath.Join(base, "second")
	err = g.AddWorktree(ctx, second, "issue-7", "")
	if !errors.Is(err, ErrBranchCheckedOut) {
		t.Errorf("AddWorktree() error = %v, want ErrBranchCheckedOut", err)
	}
}

func TestContext_AddWorktree_PathExists(t *testing.T) {
	g, err := NewContext(setupTestRepo(t))
	if err != nil {
		t.Fatalf("NewContext() failed: %v", err)
	}

	existing := t.TempDir()
	err = g.AddWorktree(context.Background(), existing, "issue-8", "")
	if !errors.Is(err, ErrWorktreeExists) {
		t.Errorf("AddWorktree() error = %v, want ErrWorktreeExists", err)
	}
}

func TestContext_RemoveWorktree_Dirty(t *testing.T) {
	g, err := NewContext(setupTestRepo(t))
	if err != nil {
		t.Fatalf("NewContext() failed: %v", err)
	}
	ctx := context.Background()

	wtPath := filepath.Join(t.TempDir(), "wt")
	if err := g.AddWorktree(ctx, wtPath, "issue-9", ""); err != nil {
		t.Fatalf("AddWorktree() failed: %v", err)
	}

	// Dirty the worktree so plain remove refuses and the force path runs.
	if err := os.WriteFile(filepath.Join(wtPath, "wip.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := g.RemoveWorktree(ctx, wtPath); err != nil {
		t.Fatalf("RemoveWorktree() failed: %v", err)
	}

	worktrees, err := g.ListWorktrees(ctx)
	if err != nil {
		t.Fatalf("ListWorktrees() failed: %v", err)
	}
	for _, wt := range worktrees {
		if wt.Path == wtPath {
			t.Errorf("worktree %s still registered after removal", wtPath)
		}
	}
}

func TestContext_DeleteBranch(t *testing.T) {
	g, err := NewContext(setupTestRepo(t))
	if err != nil {
		t.Fatalf("NewContext() failed: %v", err)
	}
	ctx := context.Background()

	wtPath := filepath.Join(t.TempDir(), "wt")
	if err := g.AddWorktree(ctx, wtPath, "short-lived", ""); err != nil {
		t.Fatalf("AddWorktree() failed: %v", err)
	}
	if err := g.RemoveWorktree(ctx, wtPath); err != nil {
		t.Fatalf("RemoveWorktree() failed: %v", err)
	}

	if err := g.DeleteBranch(ctx, "short-lived", true); err != nil {
		t.Fatalf("DeleteBranch() failed: %v", err)
	}
	if g.BranchExists(ctx, "short-lived") {
		t.Error("branch should be gone after delete")
	}
}

func TestClone_LocalSource(t *testing.T) {
	src := setupTestRepo(t)
	dest := filepath.Join(t.TempDir(), "repositories", "acme-api")

	if err := Clone(context.Background(), nil, src, dest, time.Minute); err != nil {
		t.Fatalf("Clone() failed: %v", err)
	}

	g, err := NewContext(dest)
	if err != nil {
		t.Fatalf("NewContext() on clone failed: %v", err)
	}

	url, err := g.GetRemoteURL(context.Background(), "origin")
	if err != nil {
		t.Fatalf("GetRemoteURL() failed: %v", err)
	}
	if url != src {
		t.Errorf("GetRemoteURL() = %s, want %s", url, src)
	}
}

func TestContext_InWorktree(t *testing.T) {
	repo := setupTestRepo(t)
	g, err := NewContext(repo)
	if err != nil {
		t.Fatalf("NewContext() failed: %v", err)
	}
	ctx := context.Background()

	wtPath := filepath.Join(t.TempDir(), "wt")
	if err := g.AddWorktree(ctx, wtPath, "issue-10", ""); err != nil {
		t.Fatalf("AddWorktree() failed: %v", err)
	}

	wg := g.InWorktree(wtPath)
	branch, err := wg.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch() in worktree failed: %v", err)
	}
	if branch != "issue-10" {
		t.Errorf("CurrentBranch() = %s, want issue-10", branch)
	}

	// Main clone context is unaffected.
	branch, err = g.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch() failed: %v", err)
	}
	if branch != "main" {
		t.Errorf("CurrentBranch() = %s, want main", branch)
	}
}

func TestExecRunner_CommandError(t *testing.T) {
	r := NewExecRunner()
	out, err := r.Run(context.Background(), t.TempDir(), "git", "rev-parse", "--git-dir")
	if err == nil {
		t.Fatal("expected error outside a repository")
	}

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error type = %T, want *CommandError", err)
	}
	if cmdErr.Output == "" {
		t.Error("CommandError.Output should carry git's message")
	}
	if out == "" {
		t.Error("Run() should return the error message as output")
	}
}

func TestExecRunner_ContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	r := NewExecRunner()
	_, err := r.Run(ctx, t.TempDir(), "sleep", "5")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want DeadlineExceeded", err)
	}
}
