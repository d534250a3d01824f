package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cluesmith/codev/internal/constants"
	"github.com/cluesmith/codev/internal/termd"
)

// LaunchSpec describes one daemon to start.
type LaunchSpec struct {
	SessionID  string
	SocketPath string

	Command string
	Args    []string
	Dir     string
	Env     []string

	Cols, Rows  int
	ReplayBytes int
}

// Launcher starts a session daemon and reports its identity. The
// returned Info must describe a daemon whose socket already accepts
// connections.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (termd.Info, error)
}

// ExecLauncher launches daemons by executing the codev-termd binary in
// its own session, detached from the manager's process group so that a
// manager crash or restart never takes sessions down with it.
type ExecLauncher struct {
	// DaemonPath is the codev-termd binary. Empty means resolve
	// "codev-termd" from PATH.
	DaemonPath string

	// LogDir, when set, gives each daemon a per-session log file.
	LogDir string
}

func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (termd.Info, error) {
	bin := l.DaemonPath
	if bin == "" {
		bin = "codev-termd"
	}

	args := []string{
		"--session-id", spec.SessionID,
		"--socket", spec.SocketPath,
	}
	if spec.Cols > 0 {
		args = append(args, "--cols", strconv.Itoa(spec.Cols))
	}
	if spec.Rows > 0 {
		args = append(args, "--rows", strconv.Itoa(spec.Rows))
	}
	if spec.ReplayBytes > 0 {
		args = append(args, "--replay-bytes", strconv.Itoa(spec.ReplayBytes))
	}
	if spec.Dir != "" {
		args = append(args, "--dir", spec.Dir)
	}
	for _, kv := range spec.Env {
		args = append(args, "--env", kv)
	}
	if l.LogDir != "" {
		args = append(args, "--log-file", filepath.Join(l.LogDir, spec.SessionID+".log"))
	}
	args = append(args, "--", spec.Command)
	args = append(args, spec.Args...)

	cmd := exec.Command(bin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return termd.Info{}, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return termd.Info{}, fmt.Errorf("starting daemon: %w", err)
	}

	info, err := readAnnouncement(ctx, stdout)
	if err != nil {
		// The daemon may have failed before announcing; reap it so it
		// does not linger as a zombie.
		cmd.Process.Kill()
		cmd.Wait()
		return termd.Info{}, err
	}

	if err := waitForSocket(ctx, spec.SocketPath); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return termd.Info{}, err
	}

	// The daemon outlives us. Release our handle; identity from here on
	// is the announced pid/start-time pair, not the process handle.
	go cmd.Wait()
	return info, nil
}

// readAnnouncement reads the single startup JSON line the daemon prints
// on stdout, bounded by the spawn timeout.
func readAnnouncement(ctx context.Context, r io.Reader) (termd.Info, error) {
	type result struct {
		line []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(r).ReadBytes('\n')
		ch <- result{line, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return termd.Info{}, fmt.Errorf("reading daemon announcement: %w", res.err)
		}
		return termd.ParseInfoLine(res.line)
	case <-time.After(constants.SpawnTimeout):
		return termd.Info{}, fmt.Errorf("daemon did not announce within %s", constants.SpawnTimeout)
	case <-ctx.Done():
		return termd.Info{}, ctx.Err()
	}
}

// waitForSocket blocks until the daemon's socket exists. The watch is
// registered before the existence check so a socket created in between
// cannot be missed.
func waitForSocket(ctx context.Context, socketPath string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating socket watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(socketPath)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(socketPath), err)
	}
	if _, err := os.Stat(socketPath); err == nil {
		return nil
	}

	timeout := time.NewTimer(constants.SpawnTimeout)
	defer timeout.Stop()
	for {
		select {
		case ev := <-watcher.Events:
			if ev.Name == socketPath && ev.Op.Has(fsnotify.Create) {
				return nil
			}
		case err := <-watcher.Errors:
			return fmt.Errorf("watching for socket: %w", err)
		case <-timeout.C:
			return fmt.Errorf("socket %s did not appear within %s", socketPath, constants.SpawnTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
