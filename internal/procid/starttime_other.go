//go:build !linux

package procid

// StartTime is unavailable off Linux; Matches degrades to "gone".
func StartTime(pid int) (uint64, error) {
	return 0, ErrUnsupported
}
