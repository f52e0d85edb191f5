package debugger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"debugbridge/internal/lifecycle"
	"debugbridge/internal/logging"
	"debugbridge/internal/protocol"
	"debugbridge/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeEndpoint plays the target. Tests drive the Sink directly, standing in
// for the transport's delivery goroutine.
type fakeEndpoint struct {
	mu         sync.Mutex
	attachErr  error
	rejectVers bool
	sink       transport.Sink
	conn       *fakeConn
	attaches   int
}

func (e *fakeEndpoint) Attach(_ context.Context, target transport.Target, sink transport.Sink) (transport.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attachErr != nil {
		return nil, e.attachErr
	}
	e.attaches++
	e.sink = sink
	e.conn = &fakeConn{}
	return e.conn, nil
}

func (e *fakeEndpoint) SupportsProtocolVersion(v string) bool {
	return !(e.rejectVers && v != "")
}

func (e *fakeEndpoint) currentSink() transport.Sink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sink
}

func (e *fakeEndpoint) deliver(frame string) {
	e.currentSink().DispatchMessage([]byte(frame))
}

func (e *fakeEndpoint) reply(id protocol.RequestID, result string) {
	e.deliver(fmt.Sprintf(`{"id":%d,"result":%s}`, id, result))
}

type fakeConn struct {
	mu      sync.Mutex
	sent    []protocol.Command
	closed  bool
	closes  int
	sendErr error
}

func (c *fakeConn) Send(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrConnClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	var cmd protocol.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return err
	}
	c.sent = append(c.sent, cmd)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closes++
	return nil
}

func (c *fakeConn) commands() []protocol.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Command, len(c.sent))
	copy(out, c.sent)
	return out
}

var page = transport.Target{ID: "PAGE-1", Type: "page", URL: "https://example.test/"}

func attached(t *testing.T, opts ...Option) (*Session, *fakeEndpoint) {
	t.Helper()
	ep := &fakeEndpoint{}
	s := New(ep, opts...)
	require.NoError(t, s.Attach(context.Background(), page))
	t.Cleanup(func() { _ = s.Close() })
	return s, ep
}

func send(t *testing.T, s *Session, method string) *Call {
	t.Helper()
	call, err := s.SendCommand(context.Background(), method, map[string]any{})
	require.NoError(t, err)
	return call
}

func wait(t *testing.T, call *Call) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return call.Wait(ctx)
}

func TestScenario_PageEnable(t *testing.T) {
	s, ep := attached(t)

	call := send(t, s, "Page.enable")
	assert.Equal(t, protocol.RequestID(1), call.ID())

	cmds := ep.conn.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, protocol.RequestID(1), cmds[0].ID)
	assert.Equal(t, "Page.enable", cmds[0].Method)
	assert.JSONEq(t, `{}`, string(cmds[0].Params))

	ep.reply(1, `{}`)
	res, err := wait(t, call)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(res))
	assert.Empty(t, s.Pending())
}

func TestScenario_OutOfOrderReplies(t *testing.T) {
	s, ep := attached(t)

	a := send(t, s, "A")
	b := send(t, s, "B")
	require.Equal(t, protocol.RequestID(1), a.ID())
	require.Equal(t, protocol.RequestID(2), b.ID())

	ep.reply(2, `{"from":"B"}`)
	ep.reply(1, `{"from":"A"}`)

	resA, err := wait(t, a)
	require.NoError(t, err)
	resB, err := wait(t, b)
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":"A"}`, string(resA))
	assert.JSONEq(t, `{"from":"B"}`, string(resB))

	cmds := ep.conn.commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "A", cmds[0].Method, "transport order follows call order")
	assert.Equal(t, "B", cmds[1].Method)
}

func TestScenario_TargetClosed(t *testing.T) {
	s, ep := attached(t)
	notes := NewEventChannel(4)
	s.Subscribe(notes)

	call := send(t, s, "Runtime.evaluate")
	ep.currentSink().Closed(errors.New("renderer crashed"))

	_, err := wait(t, call)
	assert.ErrorIs(t, err, ErrTargetClosed)
	var cerr *CancelledError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "Runtime.evaluate", cerr.Method)
	assert.False(t, s.IsAttached())
	assert.Equal(t, StateDetached, s.State())

	n := <-notes.C()
	det, ok := n.(Detached)
	require.True(t, ok)
	assert.True(t, det.Involuntary)
	assert.ErrorIs(t, det.Reason, ErrTargetClosed)
	assert.EqualError(t, det.Cause, "renderer crashed")
	assert.Equal(t, page.ID, det.Target.ID)
}

func TestScenario_FrameReplaced(t *testing.T) {
	notifier := lifecycle.NewNotifier()
	s, ep := attached(t, WithLifecycle(notifier))

	call := send(t, s, "DOM.getDocument")
	notifier.Notify(lifecycle.FrameReplaced{Old: "L1", New: "L2"})

	_, err := wait(t, call)
	assert.ErrorIs(t, err, ErrNavigation)
	assert.True(t, s.IsAttached())

	// The attachment survives and keeps working.
	next := send(t, s, "DOM.getDocument")
	ep.reply(next.ID(), `{"root":{}}`)
	_, err = wait(t, next)
	assert.NoError(t, err)
}

func TestLifecycleSubscriptionFollowsAttachment(t *testing.T) {
	notifier := lifecycle.NewNotifier()
	s, _ := attached(t, WithLifecycle(notifier))
	assert.Equal(t, 1, notifier.Len())

	require.NoError(t, s.Detach())
	assert.Zero(t, notifier.Len())

	// Notifications while detached are ignored.
	notifier.Notify(lifecycle.FrameReplaced{})
}

func TestSendCommand_WhileDetached(t *testing.T) {
	ep := &fakeEndpoint{}
	s := New(ep)

	_, err := s.SendCommand(context.Background(), "Page.enable", nil)
	assert.ErrorIs(t, err, ErrNotAttached)
	assert.Zero(t, ep.attaches)

	require.NoError(t, s.Attach(context.Background(), page))
	require.NoError(t, s.Detach())
	conn := ep.conn

	_, err = s.SendCommand(context.Background(), "Page.enable", nil)
	assert.ErrorIs(t, err, ErrNotAttached)
	assert.Empty(t, conn.commands(), "no transport write while detached")
}

func TestIDsNeverRepeatAcrossReattach(t *testing.T) {
	ep := &fakeEndpoint{}
	s := New(ep)
	defer s.Close()

	var last protocol.RequestID
	for round := 0; round < 3; round++ {
		require.NoError(t, s.Attach(context.Background(), page))
		for i := 0; i < 5; i++ {
			call := send(t, s, "M")
			require.Greater(t, call.ID(), last)
			last = call.ID()
		}
		require.NoError(t, s.Detach())
	}
	assert.Equal(t, protocol.RequestID(15), last)
}

func TestDuplicateReplyIsNoop(t *testing.T) {
	var rec recordingRecorder
	s, ep := attached(t, WithRecorder(&rec))
	events := NewEventChannel(4)
	s.Subscribe(events)

	call := send(t, s, "Page.navigate")
	ep.reply(call.ID(), `{"frameId":"F"}`)
	// A second Resolve of the same Call would panic; the registry must drop it.
	ep.reply(call.ID(), `{"frameId":"DUP"}`)

	res, err := wait(t, call)
	require.NoError(t, err)
	assert.JSONEq(t, `{"frameId":"F"}`, string(res))
	assert.Len(t, rec.all(), 1)
	assert.Empty(t, events.C(), "stale replies never reach subscribers")
}

func TestDetachThenReplyIsNoop(t *testing.T) {
	s, ep := attached(t)
	sink := ep.currentSink()

	call := send(t, s, "Debugger.pause")
	require.NoError(t, s.Detach())

	_, err := wait(t, call)
	assert.ErrorIs(t, err, ErrDetached)
	assert.True(t, IsCancellation(err))
	assert.True(t, ep.conn.closed)

	assert.NotPanics(t, func() {
		sink.DispatchMessage([]byte(fmt.Sprintf(`{"id":%d,"result":{}}`, call.ID())))
	})
	assert.NoError(t, s.Detach(), "redundant detach succeeds")
	assert.Equal(t, 1, ep.conn.closes)
}

func TestDetachNotifiesSubscribers(t *testing.T) {
	s, _ := attached(t)
	notes := NewEventChannel(4)
	s.Subscribe(notes)

	require.NoError(t, s.Detach())
	det, ok := (<-notes.C()).(Detached)
	require.True(t, ok)
	assert.False(t, det.Involuntary)
	assert.ErrorIs(t, det.Reason, ErrDetached)

	require.NoError(t, s.Detach())
	assert.Empty(t, notes.C(), "redundant detach does not notify")
}

func TestCancelAllConcurrentWithSendCommand(t *testing.T) {
	s, _ := attached(t)
	const n = 100

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		calls []*Call
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			call, err := s.SendCommand(context.Background(), "M", nil)
			if err != nil {
				assert.ErrorIs(t, err, ErrNotAttached)
				return
			}
			mu.Lock()
			calls = append(calls, call)
			mu.Unlock()
		}()
	}
	close(start)
	require.NoError(t, s.Detach())
	wg.Wait()

	for _, call := range calls {
		select {
		case <-call.Done():
		default:
			t.Fatalf("call %d never completed", call.ID())
		}
		_, err := call.Wait(context.Background())
		assert.ErrorIs(t, err, ErrDetached)
	}
	assert.Empty(t, s.Pending())
}

func TestAttachErrors(t *testing.T) {
	t.Run("endpoint failure", func(t *testing.T) {
		ep := &fakeEndpoint{attachErr: fmt.Errorf("target P: %w", transport.ErrTargetOwned)}
		s := New(ep)
		err := s.Attach(context.Background(), page)

		var aerr *AttachError
		require.ErrorAs(t, err, &aerr)
		assert.Equal(t, page.ID, aerr.Target)
		assert.ErrorIs(t, err, transport.ErrTargetOwned)
		assert.False(t, s.IsAttached())
		assert.Equal(t, StateDetached, s.State())
	})

	t.Run("already attached", func(t *testing.T) {
		s, _ := attached(t)
		err := s.Attach(context.Background(), transport.Target{ID: "OTHER"})
		assert.ErrorIs(t, err, ErrAlreadyAttached)
		tgt, ok := s.Target()
		require.True(t, ok)
		assert.Equal(t, page.ID, tgt.ID)
	})

	t.Run("unsupported protocol version", func(t *testing.T) {
		ep := &fakeEndpoint{rejectVers: true}
		s := New(ep)
		err := s.Attach(context.Background(), page, WithProtocolVersion("0.1"))
		assert.ErrorIs(t, err, transport.ErrUnsupportedProtocol)
		assert.Zero(t, ep.attaches)
		assert.False(t, s.IsAttached())
	})

	t.Run("closed session", func(t *testing.T) {
		s := New(&fakeEndpoint{})
		require.NoError(t, s.Close())
		assert.ErrorIs(t, s.Attach(context.Background(), page), ErrSessionClosed)
	})
}

func TestProtocolErrorIsCommandFailure(t *testing.T) {
	s, ep := attached(t)

	call := send(t, s, "Foo.bar")
	ep.deliver(fmt.Sprintf(`{"id":%d,"error":{"code":-32601,"message":"'Foo.bar' wasn't found"}}`, call.ID()))

	_, err := wait(t, call)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, -32601, perr.Code)
	assert.Equal(t, "Foo.bar", perr.Method)
	assert.Equal(t, call.ID(), perr.ID)
	assert.False(t, IsCancellation(err))
	assert.True(t, s.IsAttached(), "a failed command does not poison the session")
}

func TestEventsForwardedInRegistrationOrder(t *testing.T) {
	s, ep := attached(t)

	var order []string
	first := s.Subscribe(SubscriberFunc(func(n Notification) {
		if ev, ok := n.(Event); ok {
			order = append(order, "first:"+ev.Method)
		}
	}))
	s.Subscribe(SubscriberFunc(func(n Notification) {
		if ev, ok := n.(Event); ok {
			order = append(order, "second:"+ev.Method)
			assert.JSONEq(t, `{"timestamp":1}`, string(ev.Params))
		}
	}))

	ep.deliver(`{"method":"Page.loadEventFired","params":{"timestamp":1}}`)
	first.Unsubscribe()
	first.Unsubscribe()
	ep.deliver(`{"method":"Page.loadEventFired","params":{"timestamp":1}}`)

	assert.Equal(t, []string{
		"first:Page.loadEventFired",
		"second:Page.loadEventFired",
		"second:Page.loadEventFired",
	}, order)
}

func TestUnmatchedIDWithMethodIsForwarded(t *testing.T) {
	s, ep := attached(t)
	events := NewEventChannel(4)
	s.Subscribe(events)

	ep.deliver(`{"id":999,"method":"Target.receivedMessageFromTarget","params":{}}`)
	ep.deliver(`{"id":998,"result":{}}`)
	ep.deliver(`not json`)

	require.Len(t, events.C(), 1)
	ev := (<-events.C()).(Event)
	assert.Equal(t, "Target.receivedMessageFromTarget", ev.Method)
}

func TestEventSessionID(t *testing.T) {
	s, ep := attached(t)
	events := NewEventChannel(1)
	s.Subscribe(events)

	ep.deliver(`{"method":"Runtime.consoleAPICalled","params":{},"sessionId":"CHILD"}`)
	ev := (<-events.C()).(Event)
	assert.Equal(t, "CHILD", ev.SessionID)
}

func TestSubscriberMayReenterSession(t *testing.T) {
	s, ep := attached(t)

	var followUp *Call
	s.Subscribe(SubscriberFunc(func(n Notification) {
		if ev, ok := n.(Event); ok && ev.Method == "Debugger.paused" {
			call, err := s.SendCommand(context.Background(), "Debugger.resume", nil)
			require.NoError(t, err)
			followUp = call
		}
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		ep.deliver(`{"method":"Debugger.paused","params":{}}`)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber deadlocked re-entering the session")
	}
	require.NotNil(t, followUp)
	assert.Equal(t, "Debugger.resume", ep.conn.commands()[0].Method)
}

func TestAbandonedCallIgnoresLateReply(t *testing.T) {
	var rec recordingRecorder
	s, ep := attached(t, WithRecorder(&rec))

	call := send(t, s, "Slow.call")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := call.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.Pending())

	ep.reply(call.ID(), `{}`)
	_, err = call.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled, "outcome is fixed once completed")

	recs := rec.all()
	require.Len(t, recs, 1)
	assert.Equal(t, OutcomeAbandoned, recs[0].Outcome)
}

func TestSendFailureIsReportedToCaller(t *testing.T) {
	s, ep := attached(t)
	ep.conn.sendErr = errors.New("broken pipe")

	_, err := s.SendCommand(context.Background(), "Page.enable", nil)
	assert.ErrorContains(t, err, "broken pipe")
	assert.Empty(t, s.Pending())
	assert.True(t, s.IsAttached())
}

func TestSendCommandWithSessionID(t *testing.T) {
	s, ep := attached(t)

	_, err := s.SendCommand(context.Background(), "Runtime.enable", nil, WithSessionID("CHILD"))
	require.NoError(t, err)
	cmds := ep.conn.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "CHILD", cmds[0].SessionID)
	assert.Nil(t, cmds[0].Params)
}

func TestInvoke(t *testing.T) {
	s, ep := attached(t, WithCommandTimeout(time.Second))

	go func() {
		for {
			if cmds := ep.conn.commands(); len(cmds) > 0 {
				ep.reply(cmds[0].ID, `{"result":{"type":"number","value":2}}`)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var out struct {
		Result struct {
			Type  string `json:"type"`
			Value int    `json:"value"`
		} `json:"result"`
	}
	err := s.Invoke(context.Background(), "Runtime.evaluate", map[string]any{"expression": "1+1"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "number", out.Result.Type)
	assert.Equal(t, 2, out.Result.Value)
}

func TestInvoke_TimesOut(t *testing.T) {
	s, _ := attached(t, WithCommandTimeout(20*time.Millisecond))

	err := s.Invoke(context.Background(), "Never.answers", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, s.Pending())
}

func TestStaleAttachmentCallbacksIgnored(t *testing.T) {
	ep := &fakeEndpoint{}
	s := New(ep)
	defer s.Close()

	require.NoError(t, s.Attach(context.Background(), page))
	oldSink := ep.currentSink()
	require.NoError(t, s.Detach())
	require.NoError(t, s.Attach(context.Background(), page))

	call := send(t, s, "M")
	oldSink.Closed(errors.New("late close from old socket"))
	oldSink.DispatchMessage([]byte(fmt.Sprintf(`{"id":%d,"result":{"stale":true}}`, call.ID())))

	assert.True(t, s.IsAttached())
	select {
	case <-call.Done():
		t.Fatal("old attachment resolved a new command")
	default:
	}
	ep.reply(call.ID(), `{}`)
	_, err := wait(t, call)
	assert.NoError(t, err)
}

func TestCloseRemovesSubscribers(t *testing.T) {
	s, _ := attached(t)
	notes := NewEventChannel(4)
	s.Subscribe(notes)

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.Zero(t, s.subs.len())
	_, ok := (<-notes.C()).(Detached)
	assert.True(t, ok, "detach notification delivered before teardown")
	assert.NoError(t, s.Close())
}

func TestEventChannelOverflow(t *testing.T) {
	ch := NewEventChannel(2)
	ch.Notify(Event{Method: "a"})
	ch.Notify(Event{Method: "b"})
	ch.Notify(Event{Method: "c"})
	assert.EqualValues(t, 1, ch.Dropped())

	ch.Notify(Detached{Reason: ErrTargetClosed})
	assert.EqualValues(t, 2, ch.Dropped())

	assert.Equal(t, "b", (<-ch.C()).(Event).Method)
	_, ok := (<-ch.C()).(Detached)
	assert.True(t, ok, "detach notification is never dropped")
}

type recordingRecorder struct {
	mu   sync.Mutex
	recs []CommandRecord
}

func (r *recordingRecorder) Record(rec CommandRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recordingRecorder) all() []CommandRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CommandRecord, len(r.recs))
	copy(out, r.recs)
	return out
}

func TestRecorderOutcomes(t *testing.T) {
	var rec recordingRecorder
	s, ep := attached(t, WithRecorder(&rec))

	ok := send(t, s, "Ok.call")
	bad := send(t, s, "Bad.call")
	cut := send(t, s, "Cut.call")
	ep.reply(ok.ID(), `{}`)
	ep.deliver(fmt.Sprintf(`{"id":%d,"error":{"code":1,"message":"nope"}}`, bad.ID()))
	require.NoError(t, s.Detach())
	<-cut.Done()

	recs := rec.all()
	require.Len(t, recs, 3)
	got := map[string]Outcome{}
	for _, r := range recs {
		got[r.Method] = r.Outcome
		assert.Equal(t, s.ID(), r.SessionID)
	}
	assert.Equal(t, map[string]Outcome{
		"Ok.call":  OutcomeOK,
		"Bad.call": OutcomeProtocolError,
		"Cut.call": OutcomeCancelled,
	}, got)
}

func TestWithLoggerTagsSessionID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logging.InitializeWithCore(core, nil)
	t.Cleanup(func() { logging.InitializeWithCore(zapcore.NewNopCore(), nil) })

	s, ep := attached(t, WithLogger(logging.Get(logging.CategoryTransport)))
	ep.deliver(`not json`)

	var found bool
	for _, entry := range logs.All() {
		if entry.LoggerName != string(logging.CategoryTransport) {
			continue
		}
		if entry.ContextMap()["session_id"] == s.ID() {
			found = true
		}
	}
	assert.True(t, found, "entries carry the session id under the supplied logger")
}
