// Package gitops wraps the version-control operations the engine needs:
// head/branch inspection, status partitions, staging, commits, hard resets,
// and diff statistics.
//
// All operations are best-effort. Opening a directory that is not a git
// repository yields a Service whose queries return zero values with ok=false
// and whose mutations return errors; nothing in this package panics or
// raises for a missing repository.
package gitops

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
)

// ErrNoRepository is returned by mutating operations when the working tree
// is not inside a git repository.
var ErrNoRepository = errors.New("not a git repository")

// StatusInfo partitions the working tree into the three change sets the
// engine cares about.
type StatusInfo struct {
	// Staged files have index changes.
	Staged []string

	// Modified files have unstaged worktree changes to tracked files.
	Modified []string

	// Untracked files are not known to the index.
	Untracked []string
}

// Changed returns the union of all three sets, deduplicated and sorted.
func (s StatusInfo) Changed() []string {
	seen := make(map[string]bool)
	var out []string
	for _, group := range [][]string{s.Staged, s.Modified, s.Untracked} {
		for _, f := range group {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Service provides git operations for one working tree.
type Service struct {
	root   string
	repo   *git.Repository
	logger *zap.Logger

	authorName  string
	authorEmail string
}

// Option configures a Service.
type Option func(*Service)

// WithAuthor sets the commit author identity.
func WithAuthor(name, email string) Option {
	return func(s *Service) {
		s.authorName = name
		s.authorEmail = email
	}
}

// Open creates a Service for the repository at root.
//
// A missing repository is not an error: the returned Service reports
// Available() == false and degrades per-operation.
func Open(root string, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		root:        root,
		logger:      logger,
		authorName:  "phaserun",
		authorEmail: "phaserun@localhost",
	}
	for _, opt := range opts {
		opt(s)
	}

	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		logger.Debug("no git repository at root",
			zap.String("root", root),
			zap.Error(err),
		)
		return s
	}
	s.repo = repo
	return s
}

// Available reports whether a git repository was found.
func (s *Service) Available() bool {
	return s.repo != nil
}

// Root returns the working tree root the service was opened with.
func (s *Service) Root() string {
	return s.root
}

// Head returns the current commit hash, or ok=false when there is no
// repository or no commits yet.
func (s *Service) Head() (string, bool) {
	if s.repo == nil {
		return "", false
	}
	ref, err := s.repo.Head()
	if err != nil {
		return "", false
	}
	return ref.Hash().String(), true
}

// Branch returns the current branch name, or ok=false on detached HEAD,
// unborn branch, or missing repository.
func (s *Service) Branch() (string, bool) {
	if s.repo == nil {
		return "", false
	}
	ref, err := s.repo.Head()
	if err != nil {
		return "", false
	}
	if !ref.Name().IsBranch() {
		return "", false
	}
	return ref.Name().Short(), true
}

// Status partitions the working tree into staged, modified, and untracked
// file lists. A missing repository yields an empty StatusInfo and no error.
func (s *Service) Status() (StatusInfo, error) {
	var info StatusInfo
	if s.repo == nil {
		return info, nil
	}
	wt, err := s.repo.Worktree()
	if err != nil {
		return info, fmt.Errorf("opening worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return info, fmt.Errorf("reading status: %w", err)
	}

	for path, fs := range status {
		if fs.Worktree == git.Untracked {
			info.Untracked = append(info.Untracked, path)
			continue
		}
		if fs.Staging != git.Unmodified {
			info.Staged = append(info.Staged, path)
		}
		if fs.Worktree != git.Unmodified {
			info.Modified = append(info.Modified, path)
		}
	}
	sort.Strings(info.Staged)
	sort.Strings(info.Modified)
	sort.Strings(info.Untracked)
	return info, nil
}

// Stage adds a file to the index.
func (s *Service) Stage(path string) error {
	if s.repo == nil {
		return ErrNoRepository
	}
	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if _, err := wt.Add(path); err != nil {
		return fmt.Errorf("staging %s: %w", path, err)
	}
	return nil
}

// Commit records the staged changes and returns the new commit hash.
func (s *Service) Commit(message string) (string, error) {
	if s.repo == nil {
		return "", ErrNoRepository
	}
	wt, err := s.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree: %w", err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  s.authorName,
			Email: s.authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	return hash.String(), nil
}

// CommitStats returns added and removed line counts for a commit, diffed
// against its first parent (or the empty tree for a root commit).
func (s *Service) CommitStats(hash string) (added, removed int, err error) {
	if s.repo == nil {
		return 0, 0, ErrNoRepository
	}
	commit, err := s.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return 0, 0, fmt.Errorf("loading commit %s: %w", hash, err)
	}
	stats, err := commit.Stats()
	if err != nil {
		return 0, 0, fmt.Errorf("computing stats for %s: %w", hash, err)
	}
	for _, fs := range stats {
		added += fs.Addition
		removed += fs.Deletion
	}
	return added, removed, nil
}

// ResetHard resets the working tree and index to the given commit.
func (s *Service) ResetHard(hash string) error {
	if s.repo == nil {
		return ErrNoRepository
	}
	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	err = wt.Reset(&git.ResetOptions{
		Commit: plumbing.NewHash(hash),
		Mode:   git.HardReset,
	})
	if err != nil {
		return fmt.Errorf("hard reset to %s: %w", hash, err)
	}
	return nil
}

// TrackedFiles lists all files in the HEAD commit tree.
func (s *Service) TrackedFiles() ([]string, error) {
	if s.repo == nil {
		return nil, ErrNoRepository
	}
	ref, err := s.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}
	commit, err := s.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("loading HEAD commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("loading HEAD tree: %w", err)
	}

	var files []string
	err = tree.Files().ForEach(func(f *object.File) error {
		files = append(files, f.Name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking HEAD tree: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// Push pushes the current branch to the named remote. Already-up-to-date is
// not an error.
func (s *Service) Push(remote string) error {
	if s.repo == nil {
		return ErrNoRepository
	}
	err := s.repo.Push(&git.PushOptions{RemoteName: remote})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pushing to %s: %w", remote, err)
	}
	return nil
}
