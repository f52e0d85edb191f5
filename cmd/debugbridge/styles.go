package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"debugbridge/internal/debugger"
	"debugbridge/internal/transport"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorMuted   = lipgloss.Color("#8a94a6")
	colorAccent  = lipgloss.Color("#8BC34A")
	colorInfo    = lipgloss.Color("#2196F3")
	colorWarning = lipgloss.Color("#FFC107")
	colorError   = lipgloss.Color("#e53935")
)

// styles groups the terminal styles used by the CLI output.
type styles struct {
	Header  lipgloss.Style
	Muted   lipgloss.Style
	Method  lipgloss.Style
	Session lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	OK      lipgloss.Style
}

func newStyles() styles {
	return styles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
		Muted:   lipgloss.NewStyle().Foreground(colorMuted),
		Method:  lipgloss.NewStyle().Bold(true).Foreground(colorInfo),
		Session: lipgloss.NewStyle().Foreground(colorMuted).Italic(true),
		Warning: lipgloss.NewStyle().Bold(true).Foreground(colorWarning),
		Error:   lipgloss.NewStyle().Foreground(colorError),
		OK:      lipgloss.NewStyle().Foreground(colorAccent),
	}
}

// maxParamsWidth caps event params on one line.
const maxParamsWidth = 160

// formatNotification renders one notification as a single line.
func (s styles) formatNotification(at time.Time, n debugger.Notification) string {
	stamp := s.Muted.Render(at.Format("15:04:05.000"))
	switch n := n.(type) {
	case debugger.Event:
		line := stamp + " " + s.Method.Render(n.Method)
		if n.SessionID != "" {
			line += " " + s.Session.Render("["+shorten(n.SessionID, 8)+"]")
		}
		if p := compactJSON(n.Params); p != "" && p != "{}" {
			line += " " + shorten(p, maxParamsWidth)
		}
		return line
	case debugger.Detached:
		what := "detached"
		if n.Involuntary {
			what = "target closed"
		}
		line := stamp + " " + s.Warning.Render(what) + " " + n.Target.String()
		if n.Cause != nil {
			line += " " + s.Error.Render(n.Cause.Error())
		}
		return line
	default:
		return stamp + fmt.Sprintf(" %v", n)
	}
}

// formatTargets renders a target table.
func (s styles) formatTargets(targets []transport.Target) string {
	idW, typeW := len("ID"), len("TYPE")
	for _, t := range targets {
		idW = max(idW, len(t.ID))
		typeW = max(typeW, len(t.Type))
	}
	var b strings.Builder
	b.WriteString(s.Header.Render(fmt.Sprintf("%-*s  %-*s  %s", idW, "ID", typeW, "TYPE", "TITLE / URL")))
	b.WriteByte('\n')
	for _, t := range targets {
		title := t.Title
		if title == "" {
			title = t.URL
		} else if t.URL != "" {
			title += " " + s.Muted.Render(t.URL)
		}
		fmt.Fprintf(&b, "%-*s  %-*s  %s\n", idW, t.ID, typeW, t.Type, title)
	}
	return b.String()
}

// formatRecords renders journal entries, newest first.
func (s styles) formatRecords(recs []debugger.CommandRecord) string {
	var b strings.Builder
	b.WriteString(s.Header.Render(fmt.Sprintf("%-19s  %-8s  %6s  %-14s  %9s  %s", "FINISHED", "SESSION", "ID", "OUTCOME", "LATENCY", "METHOD")))
	b.WriteByte('\n')
	for _, r := range recs {
		outcome := fmt.Sprintf("%-14s", r.Outcome)
		if r.Outcome == debugger.OutcomeOK {
			outcome = s.OK.Render(outcome)
		} else {
			outcome = s.Error.Render(outcome)
		}
		fmt.Fprintf(&b, "%-19s  %-8s  %6d  %s  %9s  %s",
			r.FinishedAt.Local().Format("2006-01-02 15:04:05"), shorten(r.SessionID, 8), r.RequestID,
			outcome, r.Latency.Round(time.Microsecond), r.Method)
		if r.Error != "" {
			b.WriteString(" " + s.Muted.Render(r.Error))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
