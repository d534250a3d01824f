package termd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cluesmith/codev/internal/constants"
	"github.com/cluesmith/codev/internal/util"
)

// Info is the daemon's identity record. It is printed as one JSON line
// on stdout at startup (the launching manager captures it to learn the
// pid/start-time pair) and written beside the socket as
// <socket>.json so tools like codev-attach can resolve a session id to
// a socket without the metadata store.
type Info struct {
	SessionID  string `json:"session_id"`
	PID        int    `json:"pid"`
	StartTime  uint64 `json:"start_time"`
	SocketPath string `json:"socket"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

// Announce writes the startup info line to w.
func (d *Daemon) Announce(w io.Writer) error {
	data, err := json.Marshal(d.Info())
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// writeInfoFile persists the info record beside the socket, owner-only.
func (d *Daemon) writeInfoFile() error {
	return util.AtomicWriteJSON(d.cfg.SocketPath+constants.InfoSuffix, d.Info(), constants.SocketPerm)
}

// ReadInfo loads a daemon info file.
func ReadInfo(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("parsing info file %s: %w", path, err)
	}
	return info, nil
}

// ParseInfoLine parses the startup announcement line a daemon prints.
func ParseInfoLine(line []byte) (Info, error) {
	var info Info
	if err := json.Unmarshal(line, &info); err != nil {
		return Info{}, fmt.Errorf("parsing daemon announcement: %w", err)
	}
	if info.PID <= 0 {
		return Info{}, fmt.Errorf("daemon announcement missing pid: %q", line)
	}
	return info, nil
}
