// Package sandbox implements the local execution jail: session lifecycle
// (create/touch/expire/delete), validated command execution inside a
// contained working directory, and archive-based file transfer. All
// operations on the host run through this package; callers never touch
// sandbox directories or spawn processes directly.
package sandbox

import (
	"context"
	"time"
)

// Record is the metadata bound to one session identifier.
type Record struct {
	// SessionID is the opaque caller-chosen identifier.
	SessionID string

	// RootPath is the absolute directory exclusively owned by this record.
	// It is created only by the registry, never supplied by a caller.
	RootPath string

	// WorkspaceName is the writable subdirectory under RootPath that
	// relative user paths resolve against.
	WorkspaceName string

	CreatedAt time.Time
	ExpiresAt time.Time

	// TTL is the renewal duration applied on touch.
	TTL time.Duration
}

// Expired reports whether the record's lifetime has elapsed at now.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// ExecRequest describes one command execution inside a sandbox.
type ExecRequest struct {
	// Command is the program and arguments as a literal vector; it is
	// never passed through a shell.
	Command []string

	// Workdir is the caller-supplied working directory, sanitized against
	// the sandbox before use. Empty = the workspace root.
	Workdir string

	// Env is overlaid on the base environment.
	Env map[string]string

	// Timeout is the wall-clock bound. Zero = the executor default.
	Timeout time.Duration
}

// ExecResult captures the outcome of a sandboxed command. Ordinary failure
// classes (rejection, timeout, missing binary, spawn error) are folded in,
// never raised.
type ExecResult struct {
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
}

// RecordStore persists sandbox records across restarts. Implementations
// must be safe for concurrent use.
type RecordStore interface {
	Save(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]Record, error)
}
