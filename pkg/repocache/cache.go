// Package repocache maintains local working copies of the repositories
// tasks run against. A copy is cloned on first use and pulled on every
// subsequent use; a failed pull discards the copy and re-clones rather
// than leaving a possibly diverged tree in place.
package repocache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"devhook/pkg/execx"
)

// Cache manages the repository cache directory.
type Cache struct {
	dir    string
	token  string // optional; used for authenticated clones
	runner execx.CommandRunner
	logger *slog.Logger
}

// New creates a Cache rooted at dir. token may be empty for public repos.
func New(dir, token string, runner execx.CommandRunner, logger *slog.Logger) *Cache {
	return &Cache{
		dir:    dir,
		token:  token,
		runner: runner,
		logger: logger.With("component", "repocache"),
	}
}

// Path returns the local directory a repository maps to without touching
// the filesystem.
func (c *Cache) Path(repoName string) string {
	return filepath.Join(c.dir, strings.ReplaceAll(repoName, "/", "-"))
}

// Ensure makes the local copy of repoName present and current, then reads
// its optional DEVS.yml. Clone failures propagate; pull failures are
// recovered by deleting the copy and cloning fresh.
func (c *Cache) Ensure(ctx context.Context, repoName string) (string, DevsOptions, error) {
	if err := validateRepoName(repoName); err != nil {
		return "", DevsOptions{}, err
	}

	path := c.Path(repoName)

	if c.isRepo(path) {
		if _, err := c.runner.Run(ctx, "git", "-C", path, "pull", "--ff-only"); err != nil {
			// A diverged, corrupt, or force-pushed copy fails the pull.
			// Discard and re-clone instead of trying to repair it.
			c.logger.Warn("pull failed, re-cloning",
				"repo", repoName, "path", path, "error", err)
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return "", DevsOptions{}, fmt.Errorf("remove stale copy %s: %w", path, rmErr)
			}
			if err := c.clone(ctx, repoName, path); err != nil {
				return "", DevsOptions{}, err
			}
		}
	} else {
		if err := c.clone(ctx, repoName, path); err != nil {
			return "", DevsOptions{}, err
		}
	}

	opts := c.readOptions(path)
	return path, opts, nil
}

// Remove deletes the local copy of repoName, if any.
func (c *Cache) Remove(repoName string) error {
	if err := validateRepoName(repoName); err != nil {
		return err
	}
	if err := os.RemoveAll(c.Path(repoName)); err != nil {
		return fmt.Errorf("remove repo copy %s: %w", repoName, err)
	}
	return nil
}

func (c *Cache) clone(ctx context.Context, repoName, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if _, err := c.runner.Run(ctx, "git", "clone", c.cloneURL(repoName), path); err != nil {
		return fmt.Errorf("clone %s: %w", repoName, err)
	}
	c.logger.Info("repository cloned", "repo", repoName, "path", path)
	return nil
}

// cloneURL builds the HTTPS clone URL, embedding the token when configured.
func (c *Cache) cloneURL(repoName string) string {
	if c.token != "" {
		return fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", c.token, repoName)
	}
	return fmt.Sprintf("https://github.com/%s.git", repoName)
}

func (c *Cache) isRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && info.IsDir()
}

// validateRepoName enforces the owner/repo shape before repoName is used in
// filepath operations, to rule out traversal.
func validateRepoName(repoName string) error {
	parts := strings.Split(repoName, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("invalid repository name %q", repoName)
	}
	for _, p := range parts {
		if p == "." || p == ".." || strings.ContainsAny(p, `\:`) {
			return fmt.Errorf("invalid repository name %q", repoName)
		}
	}
	return nil
}
