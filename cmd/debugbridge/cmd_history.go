package main

import (
	"context"
	"fmt"

	"debugbridge/internal/journal"

	"github.com/spf13/cobra"
)

var (
	historyLimit   int
	historySession string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently finished commands from the journal",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of commands to show")
	historyCmd.Flags().StringVar(&historySession, "session", "", "Only show commands of this session id")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if !cfg.Journal.Enabled {
		return fmt.Errorf("the command journal is disabled (journal.enabled in %s)", cfgFile)
	}
	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	recs, err := j.Recent(ctx, historySession, historyLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(recs) == 0 {
		fmt.Fprintf(out, "no commands recorded in %s\n", j.Path())
		return nil
	}
	fmt.Fprint(out, newStyles().formatRecords(recs))
	return nil
}
