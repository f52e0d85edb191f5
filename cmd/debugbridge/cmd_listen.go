package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"debugbridge/internal/config"
	"debugbridge/internal/debugger"
	"debugbridge/internal/lifecycle"
	"debugbridge/internal/logging"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	listenEnable []string
	listenFilter string
)

var listenCmd = &cobra.Command{
	Use:   "listen <target>",
	Short: "Stream protocol events from a target",
	Long: `Attaches to a target, enables the requested domains and prints every
event until interrupted or the target goes away.

Example:
  debugbridge listen example.com --enable Page,Network,Runtime --filter Network.`,
	Args: cobra.ExactArgs(1),
	RunE: runListen,
}

func init() {
	listenCmd.Flags().StringSliceVar(&listenEnable, "enable", []string{"Page"}, "Domains to enable")
	listenCmd.Flags().StringVar(&listenFilter, "filter", "", "Only print events whose method starts with this prefix")
}

// errTargetGone ends listen when the target detaches on its own.
var errTargetGone = errors.New("target went away")

func runListen(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher := lifecycle.NewNavigationWatcher()
	events := debugger.NewEventChannel(cfg.GetEventBuffer())

	attachCtx, cancel := context.WithTimeout(ctx, timeout)
	b, err := openBridge(attachCtx, args[0], debugger.WithLifecycle(watcher))
	cancel()
	if err != nil {
		return err
	}
	defer b.Close()

	b.session.Subscribe(debugger.SubscriberFunc(func(n debugger.Notification) {
		if ev, ok := n.(debugger.Event); ok {
			watcher.Observe(ev.Method, ev.Params)
		}
	}))
	b.session.Subscribe(events)
	stopNav := watcher.Subscribe(func(ev lifecycle.FrameReplaced) {
		logging.Get(logging.CategoryCLI).Debug("document replaced: %s -> %s", ev.Old, ev.New)
	})
	defer stopNav()

	if err := enableDomains(ctx, b, listenEnable); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return printEvents(gctx, cmd.OutOrStdout(), events, listenFilter)
	})
	if _, err := os.Stat(cfgFile); err == nil {
		g.Go(func() error {
			return config.Watch(gctx, cfgFile, func(c *config.Config) {
				if prev := logging.Level(); prev != c.Logging.Level {
					logging.SetLevel(c.Logging.Level)
					logging.Get(logging.CategoryCLI).Info("log level %s -> %s", prev, logging.Level())
				}
			})
		})
	}

	err = g.Wait()
	if dropped := events.Dropped(); dropped > 0 {
		logging.Get(logging.CategoryCLI).Warn("dropped %d events on a full buffer", dropped)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func enableDomains(ctx context.Context, b *bridge, domains []string) error {
	for _, d := range domains {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if err := b.session.Invoke(ctx, d+".enable", nil, nil, b.callOpts...); err != nil {
			return fmt.Errorf("enable %s: %w", d, err)
		}
	}
	return nil
}

// printEvents writes notifications until ctx ends or the target detaches.
func printEvents(ctx context.Context, out io.Writer, events *debugger.EventChannel, prefix string) error {
	st := newStyles()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-events.C():
			if ev, ok := n.(debugger.Event); ok && prefix != "" && !strings.HasPrefix(ev.Method, prefix) {
				continue
			}
			fmt.Fprintln(out, st.formatNotification(time.Now(), n))
			if d, ok := n.(debugger.Detached); ok {
				return fmt.Errorf("%w: %v", errTargetGone, d.Reason)
			}
		}
	}
}
