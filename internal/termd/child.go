package termd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/cluesmith/codev/internal/termproto"
)

// ErrChildRunning is returned for a SPAWN while the current child is
// still alive. Replacement is for exited children only.
var ErrChildRunning = errors.New("child process still running")

// startChild launches sp on a fresh PTY and begins the output pump.
// Empty spawn fields fall back to the daemon's original launch
// parameters so a bare SPAWN restarts the same command.
func (d *Daemon) startChild(sp termproto.Spawn) error {
	if sp.Command == "" {
		sp.Command = d.cfg.Command
		sp.Args = d.cfg.Args
	}
	if sp.Dir == "" {
		sp.Dir = d.cfg.Dir
	}
	if len(sp.Env) == 0 {
		sp.Env = d.cfg.Env
	}

	d.mu.Lock()
	cols, rows := d.cols, d.rows
	d.mu.Unlock()
	if sp.Cols > 0 {
		cols = sp.Cols
	}
	if sp.Rows > 0 {
		rows = sp.Rows
	}

	cmd := exec.Command(sp.Command, sp.Args...)
	cmd.Dir = sp.Dir
	if len(sp.Env) > 0 {
		cmd.Env = sp.Env
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return fmt.Errorf("pty start: %w", err)
	}

	d.mu.Lock()
	d.ptmx = ptmx
	d.childPID = cmd.Process.Pid
	d.childRunning = true
	d.lastExit = nil
	d.cols, d.rows = cols, rows
	d.mu.Unlock()

	d.log.Info("child started", "pid", cmd.Process.Pid, "command", sp.Command)
	go d.pumpOutput(ptmx, cmd)
	return nil
}

// respawn replaces an exited child with a freshly started one. Issued
// by the supervising manager when restart policy applies.
func (d *Daemon) respawn(sp termproto.Spawn) error {
	d.mu.Lock()
	running := d.childRunning
	d.mu.Unlock()
	if running {
		return ErrChildRunning
	}
	return d.startChild(sp)
}

// pumpOutput reads child output until the PTY closes, feeding the
// replay buffer and all connections, then records the exit and
// broadcasts it. Runs once per child; a SPAWN starts a new pump.
func (d *Daemon) pumpOutput(ptmx *os.File, cmd *exec.Cmd) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			d.broadcastOutput(data)
		}
		if err != nil {
			// EIO is the normal end of a PTY stream on Linux.
			break
		}
	}

	_ = cmd.Wait()
	exit := exitStatus(cmd)

	d.mu.Lock()
	d.childRunning = false
	d.lastExit = &exit
	if d.ptmx == ptmx {
		d.ptmx = nil
	}
	sessionOver := d.everAttached && len(d.conns) == 0
	d.mu.Unlock()
	ptmx.Close()

	d.log.Info("child exited", "code", exit.Code, "signal", exit.Signal)
	d.broadcastExit(exit)
	if sessionOver {
		d.finish()
	}
}

// exitStatus extracts the wire-level exit report from a waited command.
func exitStatus(cmd *exec.Cmd) termproto.Exit {
	state := cmd.ProcessState
	if state == nil {
		return termproto.Exit{Code: -1}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := unix.Signal(ws.Signal())
		return termproto.Exit{
			Code:   128 + int(sig),
			Signal: unix.SignalName(sig),
		}
	}
	return termproto.Exit{Code: state.ExitCode()}
}

// writeChild forwards client input to the PTY. Input after the child
// has exited is silently discarded.
func (d *Daemon) writeChild(data []byte) {
	d.mu.Lock()
	ptmx := d.ptmx
	d.mu.Unlock()
	if ptmx == nil {
		return
	}
	if _, err := ptmx.Write(data); err != nil {
		d.log.Warn("writing to child", "error", err)
	}
}

// resize applies new PTY dimensions. Last write wins; there is no merge
// logic across clients.
func (d *Daemon) resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	d.mu.Lock()
	d.cols, d.rows = cols, rows
	ptmx := d.ptmx
	d.mu.Unlock()
	if ptmx == nil {
		return
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		d.log.Warn("resizing pty", "error", err)
	}
}

// signalChild delivers an allow-listed signal to the child.
func (d *Daemon) signalChild(sig unix.Signal, name string) {
	d.mu.Lock()
	pid := d.childPID
	running := d.childRunning
	d.mu.Unlock()
	if !running || pid <= 0 {
		return
	}
	d.log.Info("delivering signal", "signal", name, "pid", pid)
	if err := unix.Kill(pid, sig); err != nil {
		d.log.Warn("delivering signal", "signal", name, "error", err)
	}
}
