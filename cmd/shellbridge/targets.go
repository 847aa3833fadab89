package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/shellbridge/internal/target"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Print the targets the bridge sees",
	Long: `Connect, scan and attach the existing targets once, print them and exit.

Examples:
  shellbridge targets
  shellbridge targets --json`,
	Args: cobra.NoArgs,
	RunE: runTargets,
}

var targetsJSON bool

func init() {
	targetsCmd.Flags().BoolVar(&targetsJSON, "json", false, "Print JSON instead of a table")
}

func runTargets(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := startBridge(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	snapshots := b.host.Targets()
	if targetsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snapshots)
	}
	return printTargets(os.Stdout, snapshots)
}

func printTargets(w io.Writer, snapshots []target.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATE\tSESSION\tURL\tNOTE")
	for _, s := range snapshots {
		session := "-"
		if s.Attached != nil {
			session = s.Attached.SessionID
		}
		note := s.LastError
		if note == "" && !s.Eligible {
			note = "ineligible"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Info.TargetID, s.Info.Type, s.State, session, s.Info.URL, note)
	}
	return tw.Flush()
}
