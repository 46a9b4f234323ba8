// Package templates keeps a local checkout of the scan template
// repository (nuclei templates and friends) in sync. Stage runners read
// templates straight from the checkout directory.
package templates

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/reconpoint/engine/internal/config"
	"github.com/reconpoint/engine/pkg/logger"
)

const defaultBranch = "main"

// Store manages a local clone of the template repository.
// Thread-safe; Sync may be called from the scheduler while stage
// runners read the directory.
type Store struct {
	cfg config.TemplatesConfig
	log *logger.Logger

	mu       sync.Mutex
	repo     *git.Repository
	worktree *git.Worktree
}

// NewStore creates a template store. The repository is cloned lazily on
// the first Sync.
func NewStore(cfg config.TemplatesConfig, log *logger.Logger) *Store {
	return &Store{
		cfg: cfg,
		log: log.With("component", "templates"),
	}
}

// Dir returns the local checkout directory handed to stage runners.
func (s *Store) Dir() string {
	return s.cfg.Dir
}

// Sync clones the template repository on first use and pulls updates
// afterwards. An up-to-date checkout is not an error.
func (s *Store) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.repo == nil {
		if err := s.open(ctx); err != nil {
			return err
		}
		return nil
	}

	err := s.worktree.PullContext(ctx, &git.PullOptions{RemoteName: "origin"})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pull templates: %w", err)
	}

	head, err := s.repo.Head()
	if err != nil {
		return fmt.Errorf("read templates HEAD: %w", err)
	}
	s.log.Info("templates up to date", "commit", head.Hash().String()[:12])
	return nil
}

// open opens an existing checkout or clones a fresh one.
func (s *Store) open(ctx context.Context) error {
	repo, err := git.PlainOpen(s.cfg.Dir)
	if err == nil {
		s.repo = repo
		s.worktree, err = repo.Worktree()
		if err != nil {
			s.repo = nil
			return fmt.Errorf("open templates worktree: %w", err)
		}
		return nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return fmt.Errorf("open templates repo: %w", err)
	}

	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create templates dir: %w", err)
	}

	branch := s.cfg.Branch
	if branch == "" {
		branch = defaultBranch
	}

	opts := &git.CloneOptions{
		URL:           s.cfg.RepoURL,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         1,
	}

	repo, err = git.PlainCloneContext(ctx, s.cfg.Dir, false, opts)
	if err != nil {
		// Repos that never renamed their default branch.
		if branch == defaultBranch {
			opts.ReferenceName = plumbing.NewBranchReferenceName("master")
			repo, err = git.PlainCloneContext(ctx, s.cfg.Dir, false, opts)
		}
		if err != nil {
			return fmt.Errorf("clone templates repo: %w", err)
		}
	}

	s.repo = repo
	s.worktree, err = repo.Worktree()
	if err != nil {
		s.repo = nil
		return fmt.Errorf("open templates worktree: %w", err)
	}

	s.log.Info("templates cloned", "url", s.cfg.RepoURL, "dir", s.cfg.Dir)
	return nil
}
