package termproto

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Client types announced in HELLO.
const (
	// ClientController is the supervising controller's connection.
	// Exclusive: a new controller connection displaces the previous one.
	// Privileged: SIGNAL and SPAWN are honored only from it.
	ClientController = "controller"

	// ClientDirectAttach is any other interactive viewer (for example
	// codev-attach). Non-exclusive and unprivileged for supervisory
	// actions.
	ClientDirectAttach = "direct-attach"
)

// Hello is the client→daemon handshake payload.
type Hello struct {
	Version    int    `json:"version"`
	ClientType string `json:"clientType"`
}

// Welcome is the daemon→client handshake reply. StartTime is the
// daemon's own process start time, used together with the PID to
// disambiguate PID reuse on rediscovery.
type Welcome struct {
	ChildPID  int    `json:"childPid"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	StartTime uint64 `json:"startTime"`
}

// Resize changes the PTY dimensions.
type Resize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Signal names a signal to deliver to the child. Only names in the
// allow-list are accepted; see LookupSignal.
type Signal struct {
	Name string `json:"name"`
}

// Exit reports child termination. Signal is empty when the child exited
// normally.
type Exit struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// Spawn carries the launch parameters for a replacement child. Sent by
// the supervising manager when restart policy applies.
type Spawn struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
	Cols    int      `json:"cols,omitempty"`
	Rows    int      `json:"rows,omitempty"`
}

// ErrSignalNotAllowed is returned for signal names outside the allow-list.
var ErrSignalNotAllowed = errors.New("signal not in allow-list")

// signalAllowList maps the portable signal names accepted on the wire to
// OS signals. Anything else is rejected: clients never get to deliver
// arbitrary signal numbers to the child.
var signalAllowList = map[string]unix.Signal{
	"interrupt":     unix.SIGINT,
	"terminate":     unix.SIGTERM,
	"kill":          unix.SIGKILL,
	"hangup":        unix.SIGHUP,
	"window-change": unix.SIGWINCH,
}

// LookupSignal resolves a wire signal name against the allow-list.
func LookupSignal(name string) (unix.Signal, error) {
	sig, ok := signalAllowList[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrSignalNotAllowed, name)
	}
	return sig, nil
}

// CheckVersion validates a HELLO version against ours. A newer client is
// tolerated (the caller should log a warning); an older one is rejected.
// The boolean reports whether the client is newer than us.
func CheckVersion(clientVersion int) (newer bool, err error) {
	if clientVersion < Version {
		return false, fmt.Errorf("protocol version %d is older than minimum %d", clientVersion, Version)
	}
	return clientVersion > Version, nil
}
