package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"debugbridge/internal/config"
	"debugbridge/internal/debugger"
	"debugbridge/internal/discovery"
	"debugbridge/internal/journal"
	"debugbridge/internal/logging"
	"debugbridge/internal/transport"

	"github.com/go-rod/rod/lib/launcher"
)

// browserRef names the browser-level target on the command line.
const browserRef = "browser"

// controlFilePath is where "launch" publishes the control URL of the browser
// it started.
func controlFilePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(".debugbridge", "control.txt")
	}
	return filepath.Join(dir, "debugbridge", "control.txt")
}

// browserControlURL picks the browser to talk to: the configured DevTools
// address first, then the one published by "launch".
func browserControlURL() (string, error) {
	if cfg.Transport.DevToolsURL != "" {
		return discovery.ResolveControlURL(cfg.Transport.DevToolsURL)
	}
	data, err := os.ReadFile(controlFilePath())
	if err == nil {
		if u := strings.TrimSpace(string(data)); u != "" {
			return u, nil
		}
	}
	return "", fmt.Errorf("%w: set --devtools or run \"debugbridge launch\" first", discovery.ErrNoBrowser)
}

// newEndpoint builds the configured transport.
func newEndpoint() transport.Endpoint {
	if cfg.Transport.Kind == config.TransportPipe {
		bin := cfg.Browser.Bin
		if bin == "" {
			bin, _ = launcher.LookPath()
		}
		args := append([]string{}, cfg.Browser.Flags...)
		if cfg.Browser.Headless {
			args = append(args, "--headless=new")
		}
		return transport.NewPipeEndpoint(bin, append(args, "about:blank"))
	}
	return transport.NewWebSocketEndpoint(transport.WebSocketConfig{
		HandshakeTimeout: cfg.GetHandshakeTimeout(),
		WriteTimeout:     cfg.GetWriteTimeout(),
		MaxMessageBytes:  cfg.GetMaxMessageBytes(),
	})
}

// openJournal opens the configured journal, or returns nil when disabled.
func openJournal() (*journal.Journal, error) {
	if !cfg.Journal.Enabled {
		return nil, nil
	}
	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return j, nil
}

// bridge is an attached session and what it takes to tear it down.
type bridge struct {
	session *debugger.Session
	target  transport.Target
	// callOpts address commands to a flattened child session when the
	// transport only reaches the browser.
	callOpts []debugger.CallOption
	journal  *journal.Journal
}

// Close detaches and flushes the journal.
func (b *bridge) Close() {
	if err := b.session.Close(); err != nil {
		logging.Get(logging.CategoryCLI).Warn("close session: %v", err)
	}
	if b.journal != nil {
		if err := b.journal.Close(); err != nil {
			logging.Get(logging.CategoryCLI).Warn("close journal: %v", err)
		}
	}
}

// openBridge attaches a session to the target named by ref: "browser", a
// target id, an id prefix or a URL fragment.
func openBridge(ctx context.Context, ref string, opts ...debugger.Option) (*bridge, error) {
	j, err := openJournal()
	if err != nil {
		return nil, err
	}
	opts = append([]debugger.Option{debugger.WithCommandTimeout(cfg.GetCommandTimeout())}, opts...)
	if j != nil {
		opts = append(opts, debugger.WithRecorder(j))
	}
	ep := newEndpoint()
	b := &bridge{session: debugger.New(ep, opts...), journal: j}

	if err := b.attach(ctx, ep, ref); err != nil {
		b.Close()
		return nil, err
	}
	logging.Get(logging.CategoryCLI).Info("session %s attached to %s", b.session.ID(), b.target)
	return b, nil
}

func (b *bridge) attach(ctx context.Context, ep transport.Endpoint, ref string) error {
	attachOpts := []debugger.AttachOption{debugger.WithProtocolVersion(cfg.Session.ProtocolVersion)}

	if cfg.Transport.Kind == config.TransportPipe {
		b.target = discovery.BrowserTarget("")
		if err := b.session.Attach(ctx, b.target, attachOpts...); err != nil {
			return err
		}
		if ref == browserRef {
			return nil
		}
		targets, err := discovery.QueryTargets(ctx, b.session, "")
		if err != nil {
			return err
		}
		target, err := discovery.FindTarget(targets, ref)
		if err != nil {
			return err
		}
		sid, err := discovery.AttachFlat(ctx, b.session, target.ID)
		if err != nil {
			return err
		}
		b.target = target
		b.callOpts = []debugger.CallOption{debugger.WithSessionID(sid)}
		return nil
	}

	controlURL, err := browserControlURL()
	if err != nil {
		return err
	}
	if ref == browserRef {
		b.target = discovery.BrowserTarget(controlURL)
	} else {
		targets, err := discovery.ListTargets(ctx, ep, controlURL)
		if err != nil {
			return err
		}
		if b.target, err = discovery.FindTarget(targets, ref); err != nil {
			return err
		}
	}
	return b.session.Attach(ctx, b.target, attachOpts...)
}

// exitHint turns well-known failures into short advice.
func exitHint(err error) string {
	switch {
	case errors.Is(err, transport.ErrTargetOwned):
		return "another debugger (DevTools window?) is attached to that target"
	case errors.Is(err, discovery.ErrAmbiguousTarget):
		return "use a longer id prefix; \"debugbridge targets\" lists them"
	case errors.Is(err, transport.ErrNoTarget):
		return "the target is gone or not inspectable"
	case errors.Is(err, discovery.ErrNoBrowser):
		return "no browser to talk to"
	}
	return ""
}
