package debugger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"debugbridge/internal/protocol"
	"debugbridge/internal/registry"
)

// CallOption configures a single command.
type CallOption func(*callConfig)

type callConfig struct {
	sessionID string
}

// WithSessionID addresses the command to a flattened child session.
func WithSessionID(id string) CallOption {
	return func(c *callConfig) {
		c.sessionID = id
	}
}

// Call is the pending result of SendCommand. It completes exactly once: with
// the reply, with a cancellation, or with the caller's context error when the
// caller stops waiting.
type Call struct {
	session *Session
	id      protocol.RequestID
	method  string
	started time.Time

	completed atomic.Bool
	done      chan struct{}
	result    json.RawMessage
	err       error
}

// ID returns the request id written to the transport.
func (c *Call) ID() protocol.RequestID {
	return c.id
}

// Method returns the command's method name.
func (c *Call) Method() string {
	return c.method
}

// Done is closed when the call completes.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call completes or ctx ends. When ctx ends first the
// request is abandoned: its registry entry is removed, so a late reply is
// dropped, and ctx.Err() is returned.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
	}
	if c.session.registry.Remove(c.id) {
		c.complete(nil, ctx.Err())
	} else {
		// Lost the race with a reply or cancellation already in flight.
		<-c.done
	}
	return c.result, c.err
}

// Resolve implements registry.Continuation.
func (c *Call) Resolve(result json.RawMessage) {
	c.complete(result, nil)
}

// Reject implements registry.Continuation.
func (c *Call) Reject(err error) {
	var perr *ProtocolError
	switch {
	case errors.As(err, &perr):
		cp := *perr
		cp.ID, cp.Method = c.id, c.method
		err = &cp
	case IsCancellation(err):
		err = &CancelledError{ID: c.id, Method: c.method, Reason: err}
	}
	c.complete(nil, err)
}

func (c *Call) complete(result json.RawMessage, err error) {
	if !c.completed.CompareAndSwap(false, true) {
		panic(&registry.InvariantError{ID: c.id, Reason: "continuation fired twice"})
	}
	c.result, c.err = result, err
	// The recorder sees the command before any waiter returns.
	c.session.recordCall(c, err)
	close(c.done)
}

var _ registry.Continuation = (*Call)(nil)

// SendCommand writes {id, method, params} to the target and returns the
// pending Call. It fails with ErrNotAttached, without writing, while the
// session is detached. Commands reach the transport in call order.
func (s *Session) SendCommand(ctx context.Context, method string, params any, opts ...CallOption) (*Call, error) {
	if method == "" {
		return nil, fmt.Errorf("send command: empty method")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := callConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	payload, err := s.codec.Encode(params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	call := &Call{
		session: s,
		method:  method,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.State() != StateAttached {
		s.mu.Unlock()
		return nil, ErrNotAttached
	}
	conn := s.conn
	call.id = s.registry.Allocate()
	call.started = s.now()
	s.registry.Insert(call.id, method, call)

	data, err := protocol.EncodeCommand(protocol.Command{
		ID:        call.id,
		Method:    method,
		Params:    payload,
		SessionID: cfg.sessionID,
	})
	if err == nil {
		err = conn.Send(data)
	}
	s.mu.Unlock()

	if err != nil {
		s.registry.Remove(call.id)
		s.log().Warn("send %s (id %d) failed: %v", method, call.id, err)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	s.log().Debug("sent %s (id %d)", method, call.id)
	return call, nil
}

// Invoke sends a command, waits for its reply and decodes the result into
// result (which may be nil). The session's command timeout applies when ctx
// has no deadline.
func (s *Session) Invoke(ctx context.Context, method string, params, result any, opts ...CallOption) error {
	if _, ok := ctx.Deadline(); !ok && s.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.commandTimeout)
		defer cancel()
	}
	call, err := s.SendCommand(ctx, method, params, opts...)
	if err != nil {
		return err
	}
	raw, err := call.Wait(ctx)
	if err != nil {
		return err
	}
	return s.codec.Decode(raw, result)
}

func (s *Session) recordCall(c *Call, err error) {
	if s.recorder == nil {
		return
	}
	rec := CommandRecord{
		SessionID:  s.id,
		RequestID:  c.id,
		Method:     c.method,
		Outcome:    classify(err),
		Latency:    s.now().Sub(c.started),
		FinishedAt: s.now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	s.recorder.Record(rec)
}
