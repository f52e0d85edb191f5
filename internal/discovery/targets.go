package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"debugbridge/internal/debugger"
	"debugbridge/internal/logging"
	"debugbridge/internal/transport"

	"github.com/go-rod/rod/lib/proto"
)

// ErrAmbiguousTarget means a prefix or URL fragment matched several targets.
var ErrAmbiguousTarget = errors.New("target reference is ambiguous")

// BrowserTarget returns the browser-level target behind controlURL.
func BrowserTarget(controlURL string) transport.Target {
	return transport.Target{ID: "browser", Type: "browser", WebSocketURL: controlURL}
}

// ListTargets asks the browser at controlURL for its targets. It attaches a
// short-lived session to the browser target, so it fails with
// transport.ErrTargetOwned if endpoint already holds that target.
func ListTargets(ctx context.Context, endpoint transport.Endpoint, controlURL string) ([]transport.Target, error) {
	sess := debugger.New(endpoint)
	defer sess.Close()

	if err := sess.Attach(ctx, BrowserTarget(controlURL)); err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return QueryTargets(ctx, sess, controlURL)
}

// QueryTargets lists targets through a session already attached to the
// browser target. controlURL, when known, is used to fill in per-target
// websocket URLs.
func QueryTargets(ctx context.Context, sess *debugger.Session, controlURL string) ([]transport.Target, error) {
	req := proto.TargetGetTargets{}
	var res proto.TargetGetTargetsResult
	if err := sess.Invoke(ctx, req.ProtoReq(), req, &res); err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	out := make([]transport.Target, 0, len(res.TargetInfos))
	for _, info := range res.TargetInfos {
		out = append(out, targetFromInfo(controlURL, info))
	}
	logging.Get(logging.CategoryDiscovery).Debug("browser reported %d targets", len(out))
	return out, nil
}

// AttachFlat attaches the browser session to targetID in flattened mode and
// returns the child session id to pass with debugger.WithSessionID.
func AttachFlat(ctx context.Context, sess *debugger.Session, targetID string) (string, error) {
	req := proto.TargetAttachToTarget{TargetID: proto.TargetTargetID(targetID), Flatten: true}
	var res proto.TargetAttachToTargetResult
	if err := sess.Invoke(ctx, req.ProtoReq(), req, &res); err != nil {
		return "", fmt.Errorf("attach to %s: %w", targetID, err)
	}
	return string(res.SessionID), nil
}

func targetFromInfo(controlURL string, info *proto.TargetTargetInfo) transport.Target {
	t := transport.Target{
		ID:    string(info.TargetID),
		Type:  string(info.Type),
		Title: info.Title,
		URL:   info.URL,
	}
	if controlURL != "" {
		t.WebSocketURL = PageURL(controlURL, t.ID)
	}
	return t
}

// PageURL builds the per-target websocket URL on the same host as
// controlURL. It returns "" when controlURL cannot be parsed.
func PageURL(controlURL, targetID string) string {
	u, err := url.Parse(controlURL)
	if err != nil || u.Host == "" {
		return ""
	}
	u.Path = "/devtools/page/" + targetID
	u.RawQuery = ""
	return u.String()
}

// FilterType returns the targets of the given type, e.g. "page".
func FilterType(targets []transport.Target, typ string) []transport.Target {
	var out []transport.Target
	for _, t := range targets {
		if t.Type == typ {
			out = append(out, t)
		}
	}
	return out
}

// FindTarget resolves ref against targets: an exact id wins, then a unique
// id prefix, then a unique URL substring.
func FindTarget(targets []transport.Target, ref string) (transport.Target, error) {
	if ref == "" {
		return transport.Target{}, transport.ErrNoTarget
	}
	for _, t := range targets {
		if t.ID == ref {
			return t, nil
		}
	}

	matchers := []struct {
		kind  string
		match func(transport.Target) bool
	}{
		{"id prefix", func(t transport.Target) bool { return strings.HasPrefix(t.ID, ref) }},
		{"url", func(t transport.Target) bool { return strings.Contains(t.URL, ref) }},
	}
	for _, m := range matchers {
		var found []transport.Target
		for _, t := range targets {
			if m.match(t) {
				found = append(found, t)
			}
		}
		switch len(found) {
		case 0:
			continue
		case 1:
			return found[0], nil
		default:
			return transport.Target{}, fmt.Errorf("%w: %q matches %d targets by %s", ErrAmbiguousTarget, ref, len(found), m.kind)
		}
	}
	return transport.Target{}, fmt.Errorf("%w: %q", transport.ErrNoTarget, ref)
}
