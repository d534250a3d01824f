// codev-termd is the per-session terminal daemon. It owns one
// pseudo-terminal and one child process, serves the framed socket
// protocol to any number of clients, and exits when the child is gone
// and the last client detaches.
//
// It is normally launched by the codev session manager, which captures
// the one-line JSON announcement printed on stdout to learn the
// daemon's identity. Running it by hand works too:
//
//	codev-termd --session-id dev --socket /tmp/termd-dev.sock -- bash
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cluesmith/codev/internal/termd"
	"github.com/cluesmith/codev/internal/version"
)

var (
	flagSessionID   string
	flagSocket      string
	flagDir         string
	flagEnv         []string
	flagCols        int
	flagRows        int
	flagReplayBytes int
	flagLogFile     string
)

var rootCmd = &cobra.Command{
	Use:   "codev-termd --socket <path> [flags] -- <command> [args...]",
	Short: "Terminal session daemon",
	Long: `codev-termd runs one child process on a pseudo-terminal and serves
its I/O over a unix domain socket. Clients attach and detach freely;
the session outlives all of them until the child exits and the last
client disconnects.`,
	Version:       version.String(),
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

func init() {
	rootCmd.Flags().StringVar(&flagSessionID, "session-id", "", "Session identifier (default: random UUID)")
	rootCmd.Flags().StringVar(&flagSocket, "socket", "", "Unix socket path to listen on")
	rootCmd.Flags().StringVar(&flagDir, "dir", "", "Working directory for the child")
	rootCmd.Flags().StringArrayVar(&flagEnv, "env", nil, "Environment for the child as KEY=VALUE (repeatable; default: inherit)")
	rootCmd.Flags().IntVar(&flagCols, "cols", 80, "Initial terminal width")
	rootCmd.Flags().IntVar(&flagRows, "rows", 24, "Initial terminal height")
	rootCmd.Flags().IntVar(&flagReplayBytes, "replay-bytes", 0, "Replay buffer capacity in bytes (default: 1 MiB)")
	rootCmd.Flags().StringVar(&flagLogFile, "log-file", "", "Log destination (default: stderr)")
	rootCmd.MarkFlagRequired("socket")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	sessionID := flagSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	logDst := io.Writer(os.Stderr)
	if flagLogFile != "" {
		f, err := os.OpenFile(flagLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		logDst = f
	}
	logger := slog.New(slog.NewJSONHandler(logDst, nil))

	d, err := termd.New(termd.Config{
		SessionID:   sessionID,
		SocketPath:  flagSocket,
		Command:     args[0],
		Args:        args[1:],
		Dir:         flagDir,
		Env:         flagEnv,
		Cols:        flagCols,
		Rows:        flagRows,
		ReplayBytes: flagReplayBytes,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	// The launching manager reads this line to learn our pid and start
	// time before the socket is up.
	if err := d.Announce(os.Stdout); err != nil {
		return fmt.Errorf("announcing: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "codev-termd:", err)
		os.Exit(1)
	}
}
