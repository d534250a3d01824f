package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/cluesmith/codev/internal/config"
	"github.com/cluesmith/codev/internal/constants"
	"github.com/cluesmith/codev/internal/style"
	"github.com/cluesmith/codev/internal/termd"
	"github.com/cluesmith/codev/internal/terminal"
	"github.com/cluesmith/codev/internal/termproto"
)

// detachKey is Ctrl-\, chosen to stay clear of the control characters
// interactive programs actually use. Raw mode keeps the terminal from
// turning it into SIGQUIT.
const detachKey = 0x1c

var (
	flagSocket string
	flagRunDir string
	flagConfig string
)

func init() {
	rootCmd.Flags().StringVar(&flagSocket, "socket", "", "Attach to a socket path directly instead of resolving a session id")
	rootCmd.Flags().StringVar(&flagRunDir, "run-dir", "", "Runtime directory to resolve sessions in (default: from config)")
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "Config file (default: $XDG_CONFIG_HOME/codev/config.toml)")
}

// resolveSocket turns the command line into a socket path.
func resolveSocket(args []string) (string, error) {
	if flagSocket != "" {
		return flagSocket, nil
	}
	if len(args) == 0 {
		return "", errors.New("a session id or --socket is required")
	}
	runDir, err := resolveRunDir()
	if err != nil {
		return "", err
	}
	socketPath := filepath.Join(runDir, constants.SocketName(args[0]))

	// The info file tells a missing session apart from a daemon that is
	// merely not listening yet.
	if _, err := os.Stat(socketPath); err != nil {
		if _, infoErr := termd.ReadInfo(socketPath + constants.InfoSuffix); infoErr != nil {
			return "", fmt.Errorf("no session %q in %s", args[0], runDir)
		}
		return "", fmt.Errorf("session %q exists but its socket is missing", args[0])
	}
	return socketPath, nil
}

func resolveRunDir() (string, error) {
	if flagRunDir != "" {
		return flagRunDir, nil
	}
	path := flagConfig
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", err
	}
	return cfg.ResolveRunDir(), nil
}

func runAttach(cmd *cobra.Command, args []string) error {
	socketPath, err := resolveSocket(args)
	if err != nil {
		return err
	}

	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		return errors.New("stdin is not a terminal")
	}

	done := make(chan error, 1)
	client, err := terminal.Dial(context.Background(), socketPath, termproto.ClientDirectAttach, terminal.Events{
		OnReplay: func(data []byte) { os.Stdout.Write(data) },
		OnData:   func(data []byte) { os.Stdout.Write(data) },
		OnExit: func(exit termproto.Exit) {
			notice := fmt.Sprintf("session child exited with code %d", exit.Code)
			if exit.Signal != "" {
				notice = fmt.Sprintf("session child killed by %s", exit.Signal)
			}
			fmt.Fprintf(os.Stdout, "\r\n%s\r\n", style.Banner.Render(notice))
		},
		OnClosed: func(err error) { done <- err },
	})
	if err != nil {
		return err
	}
	defer client.Close()

	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("entering raw mode: %w", err)
	}
	defer term.Restore(stdinFd, oldState)

	// Match the session's PTY to this terminal, now and on every window
	// size change.
	syncSize(client, stdinFd)
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			syncSize(client, stdinFd)
		}
	}()

	go forwardInput(client, done)

	err = <-done
	term.Restore(stdinFd, oldState)
	fmt.Fprintf(os.Stdout, "\r\n%s\r\n", style.Banner.Render("detached"))
	if err != nil {
		return fmt.Errorf("connection lost: %w", err)
	}
	return nil
}

func syncSize(client *terminal.Client, fd int) {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return
	}
	client.Resize(cols, rows)
}

// forwardInput pumps stdin to the session until the detach key is
// pressed or stdin closes.
func forwardInput(client *terminal.Client, done chan<- error) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			data := buf[:n]
			if i := bytes.IndexByte(data, detachKey); i >= 0 {
				if i > 0 {
					client.Write(data[:i])
				}
				done <- nil
				return
			}
			if werr := client.Write(data); werr != nil {
				done <- werr
				return
			}
		}
		if err != nil {
			done <- nil
			return
		}
	}
}
