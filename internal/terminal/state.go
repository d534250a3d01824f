package terminal

import "github.com/cluesmith/codev/internal/termproto"

// State is a session's lifecycle phase as the manager sees it.
type State string

const (
	// StateStarting covers the window between launching the daemon and
	// completing the controller handshake.
	StateStarting State = "starting"

	// StateRunning means the daemon is attached and its child is alive.
	StateRunning State = "running"

	// StateRestarting means the child exited and a replacement spawn is
	// pending under the restart policy.
	StateRestarting State = "restarting"

	// StateExited means the child terminated and no further restart
	// will be attempted. The daemon stays up for inspection until the
	// session is killed.
	StateExited State = "exited"

	// StateGone means the daemon process itself no longer exists, or a
	// process with its pid exists but is not the daemon.
	StateGone State = "gone"
)

// ExitReason explains why a session stopped being supervised as a
// running child.
type ExitReason string

const (
	// ReasonNone means the session has not reached a terminal state.
	ReasonNone ExitReason = ""

	// ReasonExited means the child terminated and the restart policy
	// did not (or was not configured to) respawn it.
	ReasonExited ExitReason = "exited"

	// ReasonRestartBudgetExceeded means the child kept crashing until
	// the restart ceiling was hit.
	ReasonRestartBudgetExceeded ExitReason = "restart-budget-exceeded"

	// ReasonStale means the daemon process disappeared or its pid now
	// belongs to a different process.
	ReasonStale ExitReason = "stale"
)

// Status is a point-in-time snapshot of a session.
type Status struct {
	SessionID string
	State     State

	// ChildPID is the child pid reported at handshake time. A respawn
	// replaces the child without a new handshake, so after a restart
	// this is the original child's pid.
	ChildPID int

	// Restarts counts respawns in the current restart window.
	Restarts int

	// Reason is set once the session reaches a terminal state.
	Reason ExitReason

	// LastExit is the most recent child termination, nil while no exit
	// has been observed.
	LastExit *termproto.Exit
}
