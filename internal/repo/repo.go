// Package repo keeps a local working copy of the deployed repository in
// sync with its remote and answers questions about incoming changes.
package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrCloneFailed means the working copy could not be created.
	ErrCloneFailed = errors.New("repo: clone failed")
	// ErrNoIncoming is returned by EarliestIncoming when the remote has nothing new.
	ErrNoIncoming = errors.New("repo: no incoming changesets")
)

// Repository is a clone of URL at Path tracking Branch.
type Repository struct {
	URL    string
	Path   string
	Branch string

	run Runner
	log *slog.Logger
}

// New returns a Repository using r for git invocations. A nil runner uses
// the git binary from PATH.
func New(url, path, branch string, r Runner) *Repository {
	if r == nil {
		r = ExecRunner{}
	}
	return &Repository{URL: url, Path: path, Branch: branch, run: r, log: slog.Default()}
}

// WithLogger replaces the logger used for recoverable sync problems.
func (r *Repository) WithLogger(l *slog.Logger) *Repository {
	if l != nil {
		r.log = l
	}
	return r
}

func (r *Repository) remoteRef() string { return "origin/" + r.Branch }

// Exists reports whether Path holds a working copy.
func (r *Repository) Exists() bool {
	_, err := os.Stat(filepath.Join(r.Path, ".git"))
	return err == nil
}

// EnsureCloned clones the repository when the local path is absent.
func (r *Repository) EnsureCloned(ctx context.Context) error {
	if r.Exists() {
		return nil
	}
	return r.clone(ctx)
}

func (r *Repository) clone(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(r.Path), 0o750); err != nil {
		return fmt.Errorf("%w: %v", ErrCloneFailed, err)
	}
	if _, err := r.run.Run(ctx, "", "clone", "--quiet", "--branch", r.Branch, r.URL, r.Path); err != nil {
		return fmt.Errorf("%w: %v", ErrCloneFailed, err)
	}
	return nil
}

func (r *Repository) fetch(ctx context.Context) error {
	_, err := r.run.Run(ctx, r.Path, "fetch", "--quiet", "origin", r.Branch)
	return err
}

// Update moves the working copy to the remote tip of Branch, discarding
// local modifications. When fetching or checking out fails the working copy
// is removed and cloned again.
func (r *Repository) Update(ctx context.Context) error {
	err := r.fetch(ctx)
	if err == nil {
		_, err = r.run.Run(ctx, r.Path, "checkout", "--quiet", "--force", "-B", r.Branch, r.remoteRef())
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.log.Warn("Repository update failed, recloning", "path", r.Path, "error", err)
	if rmErr := os.RemoveAll(r.Path); rmErr != nil {
		return fmt.Errorf("remove working copy: %w", rmErr)
	}
	return r.clone(ctx)
}

// CurrentChangeset returns the id of the checked out changeset.
func (r *Repository) CurrentChangeset(ctx context.Context) (string, error) {
	out, err := r.run.Run(ctx, r.Path, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CurrentAuthor returns the author name of the checked out changeset.
func (r *Repository) CurrentAuthor(ctx context.Context) (string, error) {
	out, err := r.run.Run(ctx, r.Path, "log", "-1", "--format=%an")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (r *Repository) incoming(ctx context.Context) ([]string, error) {
	if err := r.fetch(ctx); err != nil {
		return nil, err
	}
	out, err := r.run.Run(ctx, r.Path, "rev-list", "--topo-order", "--reverse", "HEAD.."+r.remoteRef())
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

// HasIncoming reports whether the remote branch has changesets the working
// copy lacks. The working copy itself is not modified.
func (r *Repository) HasIncoming(ctx context.Context) (bool, error) {
	ids, err := r.incoming(ctx)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

// EarliestIncoming returns the oldest changeset not yet in the working copy.
func (r *Repository) EarliestIncoming(ctx context.Context) (string, error) {
	ids, err := r.incoming(ctx)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", ErrNoIncoming
	}
	return ids[0], nil
}

// AffectedFiles returns every path touched by the changesets from `from`
// through `to`, both included. from == to covers that single changeset.
func (r *Repository) AffectedFiles(ctx context.Context, from, to string) (map[string]struct{}, error) {
	// from^@ names all parents of from, so excluding them keeps from itself.
	out, err := r.run.Run(ctx, r.Path, "log", "--format=", "--name-only", "--no-renames", to, "--not", from+"^@")
	if err != nil {
		return nil, err
	}
	files := make(map[string]struct{})
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files[line] = struct{}{}
		}
	}
	return files, nil
}
