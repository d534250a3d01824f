package procid

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// StartTime returns the process start time in clock ticks since boot,
// read from field 22 of /proc/<pid>/stat.
func StartTime(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, fmt.Errorf("reading stat for pid %d: %w", pid, err)
	}

	// The comm field (2) is parenthesized and may itself contain spaces
	// and parentheses, so split after the last ')'.
	s := string(data)
	close := strings.LastIndexByte(s, ')')
	if close < 0 || close+2 > len(s) {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(s[close+2:])

	// Fields here start at stat field 3 (state); start time is field 22.
	const startTimeIndex = 22 - 3
	if len(fields) <= startTimeIndex {
		return 0, fmt.Errorf("malformed stat for pid %d: %d fields after comm", pid, len(fields))
	}
	ticks, err := strconv.ParseUint(fields[startTimeIndex], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing start time for pid %d: %w", pid, err)
	}
	return ticks, nil
}
