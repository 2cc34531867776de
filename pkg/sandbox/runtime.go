// Package sandbox abstracts the heavyweight execution environment a slot
// runs tasks in. The production implementation drives the docker CLI; the
// scheduler and worker only see the ExecutionRuntime interface.
package sandbox

import "context"

// ExecutionRuntime manages the sandbox bound to a slot. Implementations
// may block on slow process-table operations; callers that must stay
// responsive invoke them from the worker subprocess, never from the
// scheduler loop.
type ExecutionRuntime interface {
	// CreateWorkspace provisions a fresh working directory for slot seeded
	// from repoPath and returns its path. An existing workspace for the
	// slot is replaced.
	CreateWorkspace(ctx context.Context, slot, repoPath string) (string, error)

	// EnsureRunning makes the slot's sandbox exist and run with workspace
	// mounted. Idempotent.
	EnsureRunning(ctx context.Context, slot, workspace string) error

	// Exec runs argv inside the slot's sandbox with workdir as the working
	// directory and returns combined stdout.
	Exec(ctx context.Context, slot, workdir string, argv ...string) ([]byte, error)

	// Stop halts and removes the slot's sandbox. Stopping an absent
	// sandbox is not an error.
	Stop(ctx context.Context, slot string) error

	// RemoveWorkspace deletes the slot's workspace directory, if any.
	RemoveWorkspace(ctx context.Context, slot string) error
}
