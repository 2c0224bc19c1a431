// Package vcs keeps each task's text file in its own git repository so
// every save is auditable and revertible.
package vcs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Reason classifies why a working directory failed its check.
type Reason string

const (
	ReasonPath         Reason = "Path"
	ReasonFormat       Reason = "Format"
	ReasonUncommitted  Reason = "Uncommitted"
	ReasonEmpty        Reason = "Empty"
	ReasonInconsistent Reason = "Inconsistent"
)

// RepoError reports a failed repository check.
type RepoError struct {
	Dir    string
	Reason Reason
}

func (e *RepoError) Error() string {
	return fmt.Sprintf("text repository %s: %s", e.Dir, e.Reason)
}

// IsReason reports whether err is a RepoError with the given reason.
func IsReason(err error, reason Reason) bool {
	var re *RepoError
	return errors.As(err, &re) && re.Reason == reason
}

// Git versions single files in isolated directories. It does not guard a
// directory against concurrent use; callers hold the task lock.
type Git struct {
	Author string
	Email  string
	now    func() time.Time
}

// New creates a Git committing as author.
func New(author, email string) *Git {
	return &Git{Author: author, Email: email, now: time.Now}
}

// Init creates an empty repository in dir.
func (g *Git) Init(dir string) error {
	if _, err := git.PlainInit(dir, false); err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	return nil
}

// Check verifies that dir is a repository with at least one commit and
// no uncommitted changes. A non-empty commitID must be the head commit.
func (g *Git) Check(dir, commitID string) error {
	if _, err := os.Stat(dir); err != nil {
		return &RepoError{Dir: dir, Reason: ReasonPath}
	}
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return &RepoError{Dir: dir, Reason: ReasonFormat}
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return &RepoError{Dir: dir, Reason: ReasonEmpty}
	}
	if err != nil {
		return fmt.Errorf("failed to read head: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	if !status.IsClean() {
		return &RepoError{Dir: dir, Reason: ReasonUncommitted}
	}
	if commitID != "" && head.Hash().String() != commitID {
		return &RepoError{Dir: dir, Reason: ReasonInconsistent}
	}
	return nil
}

// Commit stages file (relative to dir) and commits it, returning the
// commit id and time.
func (g *Git) Commit(dir, file, message string) (string, time.Time, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to open worktree: %w", err)
	}
	if _, err := wt.Add(file); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to stage %s: %w", file, err)
	}
	when := g.now()
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author:            &object.Signature{Name: g.Author, Email: g.Email, When: when},
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to commit: %w", err)
	}
	return hash.String(), when, nil
}

// Revert restores file to its content at commitID and records that as a
// new commit, keeping the history in between.
func (g *Git) Revert(dir, file, commitID, message string) (string, time.Time, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to open repository: %w", err)
	}
	commit, err := repo.CommitObject(plumbing.NewHash(commitID))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to find commit %s: %w", commitID, err)
	}
	f, err := commit.File(file)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to read %s at %s: %w", file, commitID, err)
	}
	content, err := f.Contents()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to read %s at %s: %w", file, commitID, err)
	}
	if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to restore %s: %w", file, err)
	}
	if message == "" {
		message = fmt.Sprintf("reverted '%s' to %s", file, commitID)
	}
	return g.Commit(dir, file, message)
}

// Rollback hard-resets the working directory to commitID, or to the head
// commit when commitID is empty. Later history is lost.
func (g *Git) Rollback(dir, commitID string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	var hash plumbing.Hash
	if commitID == "" {
		head, err := repo.Head()
		if err != nil {
			return fmt.Errorf("failed to read head: %w", err)
		}
		hash = head.Hash()
	} else {
		hash = plumbing.NewHash(commitID)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: hash, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("failed to reset to %s: %w", hash, err)
	}
	return nil
}
