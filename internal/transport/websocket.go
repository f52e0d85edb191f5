package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"debugbridge/internal/logging"

	"github.com/gorilla/websocket"
)

// WebSocketConfig holds websocket endpoint settings.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int64
}

// DefaultWebSocketConfig returns sensible defaults. DevTools frames (DOM
// snapshots, heap chunks) can be large, hence the generous read limit.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageBytes:  64 << 20,
	}
}

// WebSocketEndpoint attaches to targets through their DevTools websocket URL.
type WebSocketEndpoint struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
	claims *Claims
}

// NewWebSocketEndpoint creates a websocket endpoint with its own ownership
// table. Share the endpoint to share ownership.
func NewWebSocketEndpoint(cfg WebSocketConfig) *WebSocketEndpoint {
	return &WebSocketEndpoint{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		claims: NewClaims(),
	}
}

// SupportsProtocolVersion implements VersionChecker.
func (e *WebSocketEndpoint) SupportsProtocolVersion(version string) bool {
	return supportsVersion(version)
}

// Attach dials the target and starts its reader goroutine.
func (e *WebSocketEndpoint) Attach(ctx context.Context, target Target, sink Sink) (Conn, error) {
	if target.WebSocketURL == "" {
		return nil, fmt.Errorf("target %s has no websocket url: %w", target.ID, ErrNoTarget)
	}
	key := target.ID
	if key == "" {
		key = target.WebSocketURL
	}
	if err := e.claims.Acquire(key); err != nil {
		return nil, err
	}

	ws, resp, err := e.dialer.DialContext(ctx, target.WebSocketURL, nil)
	if err != nil {
		e.claims.Release(key)
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("dial %s: %w", target.WebSocketURL, ErrNoTarget)
		}
		return nil, fmt.Errorf("dial %s: %w", target.WebSocketURL, err)
	}
	if e.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(e.cfg.MaxMessageBytes)
	}

	c := &wsConn{
		ws:           ws,
		sink:         sink,
		writeTimeout: e.cfg.WriteTimeout,
		release:      func() { e.claims.Release(key) },
		done:         make(chan struct{}),
	}
	go c.readLoop()
	logging.TransportDebug("websocket attached to %s", target)
	return c, nil
}

type wsConn struct {
	ws           *websocket.Conn
	sink         Sink
	writeTimeout time.Duration

	writeMu     sync.Mutex
	closing     atomic.Bool
	closeOnce   sync.Once
	releaseOnce sync.Once
	release     func()
	done        chan struct{}
}

func (c *wsConn) Send(raw []byte) error {
	if c.closing.Load() {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close does not wait for the reader: it may be called from inside a Sink
// callback running on the reader goroutine.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
		c.writeMu.Unlock()
		c.releaseOnce.Do(c.release)
	})
	return err
}

func (c *wsConn) readLoop() {
	defer close(c.done)
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.releaseOnce.Do(c.release)
			if c.closing.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Transport("websocket closed by target: %v", err)
			} else {
				logging.TransportWarn("websocket read failed: %v", err)
			}
			c.sink.Closed(normalizeCloseErr(err))
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.sink.DispatchMessage(data)
	}
}

func normalizeCloseErr(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Errorf("%w: %v", ErrConnClosed, closeErr)
	}
	return err
}
