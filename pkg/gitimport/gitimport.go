// Package gitimport fetches rule repositories over git.
package gitimport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	gogithttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/yarawesome/yarawesome/pkg/errs"
)

// Options describes the repository to clone.
type Options struct {
	URL       string `json:"url"`
	Branch    string `json:"branch,omitempty"`
	AuthToken string `json:"-"`
	// Shallow defaults to true.
	Shallow *bool `json:"shallow,omitempty"`
}

// Checkout is a cloned working tree. Remove deletes it.
type Checkout struct {
	Dir    string
	Commit string
}

// Remove deletes the working tree.
func (c *Checkout) Remove() error {
	if c == nil || c.Dir == "" {
		return nil
	}
	return os.RemoveAll(c.Dir)
}

// Clone clones opts.URL into a new temporary directory.
func Clone(ctx context.Context, opts Options, logger *slog.Logger) (*Checkout, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("git import: missing repository url: %w", errs.ErrInvalidRequest)
	}

	dir, err := os.MkdirTemp("", "yarawesome-git-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	cloneOpts := &gogit.CloneOptions{
		URL:          opts.URL,
		SingleBranch: true,
	}
	if opts.Branch != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(opts.Branch)
	}
	if opts.Shallow == nil || *opts.Shallow {
		cloneOpts.Depth = 1
	}
	if opts.AuthToken != "" {
		cloneOpts.Auth = &gogithttp.BasicAuth{
			Username: "git",
			Password: opts.AuthToken,
		}
	}

	logger.Info("cloning rule repository", "url", opts.URL, "branch", opts.Branch, "dir", dir)
	repo, err := gogit.PlainCloneContext(ctx, dir, false, cloneOpts)
	if err != nil {
		os.RemoveAll(dir)
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, errs.NotFoundf("repository %s", opts.URL)
		}
		return nil, fmt.Errorf("git clone failed for %s: %w", opts.URL, err)
	}

	ref, err := repo.Head()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("read HEAD of %s: %w", opts.URL, err)
	}
	return &Checkout{Dir: dir, Commit: ref.Hash().String()}, nil
}
