package repocache

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// OptionsFile is the per-repository options file read from the repo root.
const OptionsFile = "DEVS.yml"

// DevsOptions are the per-repository execution options. The zero value is
// not valid; use DefaultOptions or Cache.Ensure.
type DevsOptions struct {
	// DefaultBranch is the branch the agent starts from.
	DefaultBranch string `yaml:"default_branch" json:"default_branch"`
	// PromptExtra is appended verbatim to the agent prompt.
	PromptExtra string `yaml:"prompt_extra" json:"prompt_extra"`
	// SingleQueue forces all tasks for this repository onto one slot,
	// serializing their execution.
	SingleQueue bool `yaml:"single_queue" json:"single_queue"`
}

// DefaultOptions returns the options used when DEVS.yml is absent.
func DefaultOptions() DevsOptions {
	return DevsOptions{DefaultBranch: "main"}
}

// readOptions parses DEVS.yml at the repo root. Missing file, malformed
// YAML, and unknown keys all degrade to defaults; a repo can never break
// the scheduler through its options file.
func (c *Cache) readOptions(repoPath string) DevsOptions {
	opts := DefaultOptions()

	data, err := os.ReadFile(filepath.Join(repoPath, OptionsFile)) //nolint:gosec // path is cache-internal
	if err != nil {
		return opts
	}

	if err := yaml.Unmarshal(data, &opts); err != nil {
		c.logger.Warn("ignoring malformed options file",
			"path", filepath.Join(repoPath, OptionsFile), "error", err)
		return DefaultOptions()
	}
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "main"
	}
	return opts
}
