package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cluesmith/codev/internal/constants"
	"github.com/cluesmith/codev/internal/procid"
	"github.com/cluesmith/codev/internal/style"
	"github.com/cluesmith/codev/internal/termd"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions in the runtime directory",
	Long: `Lists every session whose daemon left an info file in the runtime
directory, with a liveness check against the recorded pid and start
time. Sessions shown as gone have a dead daemon; their files are left
in place for the session manager to clean up.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	runDir, err := resolveRunDir()
	if err != nil {
		return err
	}
	pattern := filepath.Join(runDir, constants.SocketPrefix+"*"+constants.SocketSuffix+constants.InfoSuffix)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		fmt.Println(style.Muted.Render("no sessions in " + runDir))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, style.Header.Render("SESSION")+"\t"+
		style.Header.Render("STATE")+"\t"+
		style.Header.Render("PID")+"\t"+
		style.Header.Render("SOCKET"))
	for _, path := range matches {
		info, err := termd.ReadInfo(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", style.Muted.Render("skipping "+path+": "+err.Error()))
			continue
		}
		state := "gone"
		if procid.Matches(info.PID, info.StartTime) {
			state = "running"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			style.SessionID.Render(info.SessionID),
			style.State(state).Render(strings.ToUpper(state)),
			info.PID,
			style.Muted.Render(info.SocketPath))
	}
	return w.Flush()
}
