// Package constants centralizes naming conventions and default
// timeouts shared by the session daemon and its supervising manager.
package constants

import "time"

// SocketPrefix is the filename prefix for per-session daemon sockets
// inside the run directory: <run-dir>/termd-<session-id>.sock.
const SocketPrefix = "termd-"

// SocketSuffix is the daemon socket filename extension.
const SocketSuffix = ".sock"

// InfoSuffix is appended to a socket path to name the daemon's startup
// info file (pid, start time, dimensions).
const InfoSuffix = ".json"

// RunDirPerm restricts the socket directory to its owner. The directory
// mode is the entire authentication boundary: no credentials are
// exchanged in the handshake.
const RunDirPerm = 0o700

// SocketPerm restricts individual socket and info files to their owner.
const SocketPerm = 0o600

// HandshakeTimeout bounds how long the daemon waits for a connecting
// client's HELLO before dropping the connection.
const HandshakeTimeout = 5 * time.Second

// SpawnTimeout bounds how long the manager waits for a freshly launched
// daemon's socket to appear.
const SpawnTimeout = 10 * time.Second

// DefaultPingInterval is the manager's liveness probe cadence.
const DefaultPingInterval = 15 * time.Second

// DefaultPongTimeout is how long the manager waits for a PONG before
// declaring the connection dead.
const DefaultPongTimeout = 5 * time.Second

// DefaultKillGrace is the pause between the graceful terminate signal
// and the forced kill during session teardown.
const DefaultKillGrace = 3 * time.Second

// DefaultRestartDelay is the pause before a SPAWN when restart policy
// applies.
const DefaultRestartDelay = time.Second

// DefaultMaxRestarts is the default consecutive-restart ceiling.
const DefaultMaxRestarts = 3

// DefaultRestartReset is how long a session must run continuously
// before its restart counter returns to zero.
const DefaultRestartReset = 60 * time.Second

// SocketName returns the socket filename for a session id.
func SocketName(sessionID string) string {
	return SocketPrefix + sessionID + SocketSuffix
}
