// Package debugger implements a debugging-protocol session: it attaches to a
// target through a transport endpoint, correlates command replies by id, and
// forwards protocol events to subscribers.
//
// A Session moves Detached -> Attaching -> Attached and back to Detached on
// Detach, transport closure, or a failed attach. Every transition out of
// Attached cancels all pending commands. Ids keep increasing across
// re-attaches, so a reply addressed to an earlier attachment can never match
// a newer command.
package debugger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"debugbridge/internal/lifecycle"
	"debugbridge/internal/logging"
	"debugbridge/internal/protocol"
	"debugbridge/internal/registry"
	"debugbridge/internal/transport"

	"github.com/google/uuid"
)

// State is the attachment state of a Session.
type State int32

const (
	StateDetached State = iota
	StateAttaching
	StateAttached
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StateAttaching:
		return "attaching"
	case StateAttached:
		return "attached"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used for session diagnostics. The session id is
// attached to every entry.
func WithLogger(l *logging.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithCodec replaces the default JSON value codec.
func WithCodec(c protocol.Codec) Option {
	return func(s *Session) {
		s.codec = c
	}
}

// WithLifecycle subscribes the session to frame replacement notifications
// while attached.
func WithLifecycle(o lifecycle.Observer) Option {
	return func(s *Session) {
		s.observer = o
	}
}

// WithRecorder reports every finished command to r.
func WithRecorder(r Recorder) Option {
	return func(s *Session) {
		s.recorder = r
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// WithCommandTimeout sets the default timeout used by Invoke.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.commandTimeout = d
	}
}

// AttachOption configures one Attach call.
type AttachOption func(*attachConfig)

type attachConfig struct {
	protocolVersion string
}

// WithProtocolVersion requests a specific protocol version.
func WithProtocolVersion(v string) AttachOption {
	return func(c *attachConfig) {
		c.protocolVersion = v
	}
}

// Session is one debugger attached (or attachable) to one target at a time.
type Session struct {
	id             string
	endpoint       transport.Endpoint
	registry       *registry.Registry
	codec          protocol.Codec
	observer       lifecycle.Observer
	recorder       Recorder
	logger         *logging.Logger
	now            func() time.Time
	commandTimeout time.Duration
	subs           subscriberList

	// mu serializes transitions and command writes. The delivery path never
	// takes it for replies or events: it reads state and generation
	// atomically.
	mu            sync.Mutex
	state         atomic.Int32
	generation    atomic.Uint64
	target        transport.Target
	conn          transport.Conn
	stopLifecycle func()
}

// New creates a detached session that attaches through endpoint.
func New(endpoint transport.Endpoint, opts ...Option) *Session {
	s := &Session{
		id:       uuid.NewString(),
		endpoint: endpoint,
		codec:    protocol.JSONCodec{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry = registry.NewWithClock(s.now)
	return s
}

// ID returns the session's correlation id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// IsAttached reports whether a target is attached.
func (s *Session) IsAttached() bool {
	return s.State() == StateAttached
}

// Target returns the attached target.
func (s *Session) Target() (transport.Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateAttached {
		return transport.Target{}, false
	}
	return s.target, true
}

// Pending returns the in-flight commands ordered by id.
func (s *Session) Pending() []registry.Entry {
	return s.registry.Snapshot()
}

func (s *Session) log() *logging.Logger {
	if s.logger != nil {
		return s.logger.With("session_id", s.id)
	}
	return logging.Get(logging.CategorySession).With("session_id", s.id)
}

// Attach connects to target. It fails with ErrAlreadyAttached while attached
// and with *AttachError when the endpoint cannot attach; in that case the
// session stays detached.
func (s *Session) Attach(ctx context.Context, target transport.Target, opts ...AttachOption) error {
	cfg := attachConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	s.mu.Lock()
	switch s.State() {
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateAttached, StateAttaching:
		s.mu.Unlock()
		return ErrAlreadyAttached
	}
	if vc, ok := s.endpoint.(transport.VersionChecker); ok && !vc.SupportsProtocolVersion(cfg.protocolVersion) {
		s.mu.Unlock()
		return &AttachError{Target: target.ID, Err: transport.ErrUnsupportedProtocol}
	}
	gen := s.generation.Add(1)
	s.state.Store(int32(StateAttaching))
	s.mu.Unlock()

	timer := logging.StartTimer(logging.CategorySession, "attach "+target.ID)
	conn, err := s.endpoint.Attach(ctx, target, &attachment{session: s, gen: gen})
	timer.StopWithThreshold(2 * time.Second)

	s.mu.Lock()
	if err != nil {
		if s.generation.Load() == gen {
			s.state.Store(int32(StateDetached))
		}
		s.mu.Unlock()
		s.log().Warn("attach to %s failed: %v", target, err)
		return &AttachError{Target: target.ID, Err: err}
	}
	if s.generation.Load() != gen || s.State() != StateAttaching {
		// Detached, closed, or lost the connection while attaching.
		state := s.State()
		s.mu.Unlock()
		_ = conn.Close()
		if state == StateClosed {
			return ErrSessionClosed
		}
		return &AttachError{Target: target.ID, Err: transport.ErrConnClosed}
	}
	s.conn = conn
	s.target = target
	if s.observer != nil {
		s.stopLifecycle = s.observer.Subscribe(func(ev lifecycle.FrameReplaced) {
			s.frameReplaced(gen, ev)
		})
	}
	s.state.Store(int32(StateAttached))
	s.mu.Unlock()

	s.log().Info("attached to %s", target)
	return nil
}

// Detach cancels every pending command with ErrDetached, releases the
// connection and notifies subscribers. Detaching a detached session is a
// no-op.
func (s *Session) Detach() error {
	return s.shutdown(StateDetached)
}

// Close detaches, removes every subscriber, and makes the session unusable.
func (s *Session) Close() error {
	err := s.shutdown(StateClosed)
	s.subs.clear()
	return err
}

func (s *Session) shutdown(next State) error {
	s.mu.Lock()
	prev := s.State()
	if prev == StateClosed || (prev == StateDetached && next == StateDetached) {
		s.mu.Unlock()
		return nil
	}
	conn, stop, target := s.resetLocked(next)
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if n := s.registry.CancelAll(ErrDetached); n > 0 {
		s.log().Info("detach cancelled %d pending commands", n)
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if prev == StateAttached {
		s.log().Info("detached from %s", target)
		s.subs.publish(Detached{Target: target, Reason: ErrDetached})
	}
	return err
}

// resetLocked moves to next and invalidates the current attachment. It
// returns what the caller must release after unlocking.
func (s *Session) resetLocked(next State) (transport.Conn, func(), transport.Target) {
	conn, stop, target := s.conn, s.stopLifecycle, s.target
	s.conn = nil
	s.stopLifecycle = nil
	s.target = transport.Target{}
	s.generation.Add(1)
	s.state.Store(int32(next))
	return conn, stop, target
}

// Subscribe registers sub for events and detach notifications.
// Subscribers are invoked in registration order.
func (s *Session) Subscribe(sub Subscriber) *Subscription {
	id := s.subs.add(sub)
	return &Subscription{list: &s.subs, id: id}
}

// dispatch handles one incoming frame from attachment gen.
func (s *Session) dispatch(gen uint64, raw []byte) {
	if s.generation.Load() != gen {
		return
	}
	msg, err := protocol.DecodeMessage(raw)
	if err != nil {
		s.log().Warn("dropping malformed frame (%d bytes): %v", len(raw), err)
		return
	}

	if msg.IsReply() {
		outcome := registry.Outcome{Result: msg.Result}
		if msg.Error != nil {
			outcome = registry.Outcome{Err: newProtocolError(msg.ID, msg.Error)}
		}
		if s.registry.Resolve(msg.ID, outcome) {
			return
		}
		if msg.Method == "" {
			// Stale reply: the request was resolved, cancelled or abandoned.
			return
		}
	}
	if msg.Method == "" {
		s.log().Debug("dropping frame without id or method")
		return
	}

	s.subs.publish(Event{
		Method:    msg.Method,
		Params:    msg.Params,
		SessionID: msg.SessionID,
	})
}

// targetClosed handles loss of the transport for attachment gen.
func (s *Session) targetClosed(gen uint64, cause error) {
	s.mu.Lock()
	if s.generation.Load() != gen {
		s.mu.Unlock()
		return
	}
	prev := s.State()
	conn, stop, target := s.resetLocked(StateDetached)
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	n := s.registry.CancelAll(ErrTargetClosed)
	if conn != nil {
		_ = conn.Close()
	}
	s.log().Warn("target %s closed (%v), cancelled %d pending commands", target, cause, n)
	if prev == StateAttached {
		s.subs.publish(Detached{Target: target, Reason: ErrTargetClosed, Involuntary: true, Cause: cause})
	}
}

// frameReplaced handles a lifecycle notification for attachment gen. The
// attachment itself survives.
func (s *Session) frameReplaced(gen uint64, ev lifecycle.FrameReplaced) {
	if s.generation.Load() != gen || s.State() != StateAttached {
		return
	}
	n := s.registry.CancelAll(ErrNavigation)
	s.log().Info("frame replaced (%s -> %s), cancelled %d pending commands", ev.Old, ev.New, n)
}

// attachment is the transport.Sink for one attach generation. Callbacks from
// an older generation are ignored.
type attachment struct {
	session *Session
	gen     uint64
}

func (a *attachment) DispatchMessage(raw []byte) {
	a.session.dispatch(a.gen, raw)
}

func (a *attachment) Closed(err error) {
	a.session.targetClosed(a.gen, err)
}

var _ transport.Sink = (*attachment)(nil)
