// Package main implements the debugbridge CLI: launch a browser, list its
// targets, send protocol commands and stream events.
package main

import (
	"fmt"
	"os"
	"time"

	"debugbridge/internal/config"
	"debugbridge/internal/logging"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile     string
	verbose     bool
	devtoolsURL string
	transportID string
	timeout     time.Duration

	// Loaded in PersistentPreRunE
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "debugbridge",
	Short: "Bridge to the Chrome DevTools Protocol",
	Long: `debugbridge attaches to inspectable browser targets and speaks the
DevTools protocol: commands are correlated with their replies by id, events
are streamed as they arrive, and every finished command is journaled.

Point it at a running browser with --devtools (or DEBUGBRIDGE_DEVTOOLS_URL),
or start one with "debugbridge launch".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if devtoolsURL != "" {
			loaded.Transport.DevToolsURL = devtoolsURL
		}
		if transportID != "" {
			loaded.Transport.Kind = transportID
		}
		if verbose {
			loaded.Logging.Level = "debug"
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", cfgFile, err)
		}
		cfg = loaded

		if err := logging.Initialize(cfg.Logging.Options()); err != nil {
			return err
		}
		logging.Boot("debugbridge %s starting (config %s, transport %s)", cmd.Name(), cfgFile, cfg.Transport.Kind)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath(), "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&devtoolsURL, "devtools", "", "DevTools address of a running browser (port, host:port or ws:// URL)")
	rootCmd.PersistentFlags().StringVar(&transportID, "transport", "", "Transport: websocket or pipe (default from config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Timeout for attach and one-shot commands")

	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if hint := exitHint(err); hint != "" {
			fmt.Fprintln(os.Stderr, "hint:", hint)
		}
		os.Exit(1)
	}
}
