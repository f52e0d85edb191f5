package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"debugbridge/internal/discovery"
	"debugbridge/internal/logging"

	"github.com/spf13/cobra"
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch a browser and publish its control URL",
	Long: `Starts Chrome through the rod launcher (binary, headless mode and flags
from the browser section of the config) and keeps it running until
interrupted. Other commands find it through the published control URL.`,
	Args: cobra.NoArgs,
	RunE: runLaunch,
}

func runLaunch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := discovery.Launch(ctx, discovery.LaunchOptions{
		Bin:      cfg.Browser.Bin,
		Headless: cfg.Browser.Headless,
		Flags:    cfg.Browser.Flags,
	})
	if err != nil {
		return err
	}
	defer b.Close()

	controlFile := controlFilePath()
	if err := os.MkdirAll(filepath.Dir(controlFile), 0o755); err == nil {
		if err := os.WriteFile(controlFile, []byte(b.ControlURL), 0o644); err != nil {
			logging.BootWarn("failed to write browser control file: %v", err)
		}
	}
	defer func() {
		if err := os.Remove(controlFile); err != nil && !os.IsNotExist(err) {
			logging.BootWarn("failed to remove browser control file: %v", err)
		}
	}()

	st := newStyles()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", st.Header.Render("Browser launched."), b.ControlURL)
	fmt.Fprintf(out, "%s %d\n", st.Muted.Render("pid"), b.PID())
	fmt.Fprintln(out, st.Muted.Render("Press Ctrl+C to shut down"))

	<-ctx.Done()
	logging.Get(logging.CategoryCLI).Info("shutting down browser")
	return nil
}
