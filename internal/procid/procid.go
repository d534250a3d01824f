// Package procid confirms process identity using the (pid, start time)
// pair. A bare liveness check is not enough to decide whether a
// recorded daemon is still the same process: the operating system
// reuses process ids, so a stale record can point at an unrelated
// process. The start time disambiguates: a reused pid never shares the
// original's start time.
package procid

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ErrUnsupported is returned by StartTime on platforms without a
// readable process start time. Callers should fall back to treating the
// session as gone rather than trusting a bare pid match.
var ErrUnsupported = errors.New("process start time not available on this platform")

// Alive reports whether a process with the given pid exists. A
// permission error still means the process exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Matches reports whether pid is alive and refers to the same process
// that was recorded with startTime. Any failure to read the current
// start time counts as a mismatch: when identity cannot be confirmed,
// the session must be treated as gone.
func Matches(pid int, startTime uint64) bool {
	if !Alive(pid) {
		return false
	}
	current, err := StartTime(pid)
	if err != nil {
		return false
	}
	return current == startTime
}
