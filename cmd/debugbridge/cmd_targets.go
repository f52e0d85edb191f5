package main

import (
	"context"
	"encoding/json"
	"fmt"

	"debugbridge/internal/config"
	"debugbridge/internal/discovery"
	"debugbridge/internal/transport"

	"github.com/spf13/cobra"
)

var (
	targetsType string
	targetsJSON bool
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List the browser's inspectable targets",
	Args:  cobra.NoArgs,
	RunE:  runTargets,
}

func init() {
	targetsCmd.Flags().StringVar(&targetsType, "type", "page", "Only list targets of this type (empty for all)")
	targetsCmd.Flags().BoolVar(&targetsJSON, "json", false, "Print JSON")
}

func runTargets(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	targets, err := listTargets(ctx)
	if err != nil {
		return err
	}
	if targetsType != "" {
		targets = discovery.FilterType(targets, targetsType)
	}

	out := cmd.OutOrStdout()
	if targetsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(targets)
	}
	if len(targets) == 0 {
		fmt.Fprintln(out, "no targets")
		return nil
	}
	fmt.Fprint(out, newStyles().formatTargets(targets))
	return nil
}

func listTargets(ctx context.Context) ([]transport.Target, error) {
	if cfg.Transport.Kind == config.TransportPipe {
		b, err := openBridge(ctx, browserRef)
		if err != nil {
			return nil, err
		}
		defer b.Close()
		return discovery.QueryTargets(ctx, b.session, "")
	}
	controlURL, err := browserControlURL()
	if err != nil {
		return nil, err
	}
	return discovery.ListTargets(ctx, newEndpoint(), controlURL)
}
