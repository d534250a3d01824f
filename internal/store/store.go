// Package store defines the narrow contract the session core uses to
// read and write persisted session metadata. The backing relational
// store is a fact-of-record owned by the wider system; the core only
// interprets the session id, socket path, and the daemon's pid and
// start time. Role and workflow reference pass through untouched for
// the orchestration layer.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session record does not exist.
var ErrNotFound = errors.New("session record not found")

// Record is one persisted session's metadata.
type Record struct {
	// SessionID is the unique session identifier.
	SessionID string

	// SocketPath is where the session's daemon listens.
	SocketPath string

	// DaemonPID and DaemonStartTime identify the daemon process. The
	// pair confirms identity on rediscovery, because pids are reused
	// by the operating system.
	DaemonPID       int
	DaemonStartTime uint64

	// Role tags what the session is for (e.g. "agent", "review").
	// Opaque to the core.
	Role string

	// WorkflowRef points at whatever higher-level workflow entity the
	// session serves. Opaque to the core.
	WorkflowRef string

	CreatedAt time.Time
}

// Store is the read/write contract against the fact-of-record.
type Store interface {
	// Put inserts or replaces the record for its session id.
	Put(ctx context.Context, rec Record) error

	// Get returns the record for a session id, or ErrNotFound.
	Get(ctx context.Context, sessionID string) (Record, error)

	// List returns all records, ordered by creation time.
	List(ctx context.Context) ([]Record, error)

	// Delete removes a session's record. Deleting a missing record is
	// not an error: teardown must be idempotent.
	Delete(ctx context.Context, sessionID string) error

	// Close releases the underlying storage.
	Close() error
}
