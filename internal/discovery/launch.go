// Package discovery finds inspectable targets: it launches or locates a
// Chrome instance and lists the pages it exposes.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"debugbridge/internal/logging"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
)

// ErrNoBrowser means neither a debugger URL nor a browser binary was usable.
var ErrNoBrowser = errors.New("no browser available")

// LaunchOptions controls how a browser is found or started.
type LaunchOptions struct {
	// DebuggerURL connects to an already running browser. It may be a port,
	// host:port, or a ws:// URL. When set nothing is launched.
	DebuggerURL string
	// Bin is the browser executable; empty lets the launcher pick one.
	Bin      string
	Headless bool
	// Flags are extra command line switches in --name or --name=value form.
	Flags []string
}

// Browser is a running (or connected) browser.
type Browser struct {
	ControlURL string

	launcher  *launcher.Launcher
	closeOnce sync.Once
}

// Launched reports whether this process started the browser.
func (b *Browser) Launched() bool {
	return b.launcher != nil
}

// PID returns the browser process id, or 0 when it was not launched here.
func (b *Browser) PID() int {
	if b.launcher == nil {
		return 0
	}
	return b.launcher.PID()
}

// Close kills a launched browser and removes its profile directory. It does
// nothing for a browser that was only connected to.
func (b *Browser) Close() {
	if b.launcher == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.launcher.Kill()
		b.launcher.Cleanup()
		logging.Get(logging.CategoryDiscovery).Info("browser %s stopped", b.ControlURL)
	})
}

// Launch connects to opts.DebuggerURL when set, otherwise starts a browser
// through the rod launcher.
func Launch(ctx context.Context, opts LaunchOptions) (*Browser, error) {
	log := logging.Get(logging.CategoryDiscovery)

	if opts.DebuggerURL != "" {
		u, err := ResolveControlURL(opts.DebuggerURL)
		if err != nil {
			return nil, err
		}
		log.Info("using running browser at %s", u)
		return &Browser{ControlURL: u}, nil
	}

	timer := logging.StartTimer(logging.CategoryDiscovery, "launch browser")
	defer timer.Stop()

	l := newLauncher(ctx, opts)
	u, err := l.Launch()
	if err != nil && opts.Bin != "" && len(opts.Flags) > 0 {
		// Retry without the extra flags; a bad switch is the usual cause.
		log.Warn("launch with flags %v failed: %v, retrying without", opts.Flags, err)
		l = newLauncher(ctx, LaunchOptions{Bin: opts.Bin, Headless: opts.Headless})
		u, err = l.Launch()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: launch chrome: %v", ErrNoBrowser, err)
	}
	log.Info("launched browser pid %d at %s", l.PID(), u)
	return &Browser{ControlURL: u, launcher: l}, nil
}

func newLauncher(ctx context.Context, opts LaunchOptions) *launcher.Launcher {
	l := launcher.New().Context(ctx).Headless(opts.Headless)
	if opts.Bin != "" {
		l = l.Bin(opts.Bin)
	}
	for _, f := range ParseFlags(opts.Flags) {
		l = l.Set(f.Name, f.Values...)
	}
	return l
}

// Flag is one parsed browser switch.
type Flag struct {
	Name   flags.Flag
	Values []string
}

// ParseFlags turns --name and --name=value strings into launcher flags.
// Empty entries are skipped.
func ParseFlags(raw []string) []Flag {
	out := make([]Flag, 0, len(raw))
	for _, r := range raw {
		s := strings.TrimLeft(strings.TrimSpace(r), "-")
		if s == "" {
			continue
		}
		name, val, hasVal := strings.Cut(s, "=")
		f := Flag{Name: flags.Flag(name)}
		if hasVal {
			f.Values = []string{val}
		}
		out = append(out, f)
	}
	return out
}

// ResolveControlURL normalizes addr into a browser websocket URL. A ws URL
// with a /devtools/ path is returned as is; anything else ("9222",
// "host:9222", "http://host:9222") is resolved by asking the browser.
func ResolveControlURL(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("%w: empty debugger address", ErrNoBrowser)
	}
	if (strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://")) && strings.Contains(addr, "/devtools/") {
		return addr, nil
	}
	u, err := launcher.ResolveURL(addr)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %s: %v", ErrNoBrowser, addr, err)
	}
	return u, nil
}
