// codev-attach is the interactive viewer for codev terminal sessions.
// It attaches a real terminal to a session daemon's socket: buffered
// output replays first, then live output streams, and keystrokes are
// forwarded to the child. Detaching leaves the session running.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cluesmith/codev/internal/style"
	"github.com/cluesmith/codev/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "codev-attach <session-id>",
	Short: "Attach a terminal to a running codev session",
	Long: `codev-attach connects the current terminal to a session daemon.

The session's buffered output is replayed first, so the screen shows
what happened before you attached. Press ` + "`Ctrl-\\`" + ` to detach; the
session keeps running. Any number of viewers can attach to the same
session at once.`,
	Version:       version.String(),
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runAttach,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, style.Error.Render("codev-attach:"), err)
		os.Exit(1)
	}
}
