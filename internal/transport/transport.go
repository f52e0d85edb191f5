// Package transport provides endpoints that carry raw protocol frames between
// a debugger session and an inspectable target.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNoTarget means the target is not inspectable or cannot be reached.
	ErrNoTarget = errors.New("no target available")
	// ErrTargetOwned means another session already holds the target.
	ErrTargetOwned = errors.New("another debugger is already attached to this target")
	// ErrUnsupportedProtocol means the requested protocol version is rejected.
	ErrUnsupportedProtocol = errors.New("requested protocol version is not supported")
	// ErrConnClosed is returned by Send after the connection has closed.
	ErrConnClosed = errors.New("connection closed")
)

// Target describes an inspectable unit, typically a page.
type Target struct {
	ID           string `json:"id" yaml:"id"`
	Type         string `json:"type,omitempty" yaml:"type,omitempty"`
	Title        string `json:"title,omitempty" yaml:"title,omitempty"`
	URL          string `json:"url,omitempty" yaml:"url,omitempty"`
	WebSocketURL string `json:"webSocketDebuggerUrl,omitempty" yaml:"websocket_url,omitempty"`
}

func (t Target) String() string {
	if t.URL != "" {
		return fmt.Sprintf("%s (%s)", t.ID, t.URL)
	}
	return t.ID
}

// Sink receives callbacks from an attached connection. DispatchMessage is
// called once per incoming frame, in arrival order, from a single goroutine.
// Closed is called at most once, only when the connection ends without a
// local Close.
type Sink interface {
	DispatchMessage(raw []byte)
	Closed(err error)
}

// Conn is an attached, exclusively owned connection to one target.
type Conn interface {
	Send(raw []byte) error
	Close() error
}

// Endpoint attaches to targets.
type Endpoint interface {
	Attach(ctx context.Context, target Target, sink Sink) (Conn, error)
}

// VersionChecker is implemented by endpoints that can validate a requested
// protocol version before attaching.
type VersionChecker interface {
	SupportsProtocolVersion(version string) bool
}

// SupportedProtocolVersions lists the protocol versions the bundled endpoints
// accept. The empty string means "whatever the target speaks".
var SupportedProtocolVersions = []string{"", "1.2", "1.3"}

func supportsVersion(version string) bool {
	for _, v := range SupportedProtocolVersions {
		if v == version {
			return true
		}
	}
	return false
}

// Claims enforces exclusive ownership of targets: one live connection per
// target id.
type Claims struct {
	mu    sync.Mutex
	owned map[string]struct{}
}

// NewClaims creates an empty ownership table.
func NewClaims() *Claims {
	return &Claims{owned: make(map[string]struct{})}
}

// Acquire claims id. It fails with ErrTargetOwned when id is held.
func (c *Claims) Acquire(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.owned[id]; held {
		return fmt.Errorf("target %s: %w", id, ErrTargetOwned)
	}
	c.owned[id] = struct{}{}
	return nil
}

// Release frees id. Releasing an unheld id is a no-op.
func (c *Claims) Release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.owned, id)
}

// Held reports whether id is currently claimed.
func (c *Claims) Held(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, held := c.owned[id]
	return held
}
