package debugger

import (
	"encoding/json"
	"errors"
	"fmt"

	"debugbridge/internal/protocol"
)

var (
	// ErrAlreadyAttached is returned by Attach while a target is attached.
	ErrAlreadyAttached = errors.New("debugger is already attached to the target")
	// ErrNotAttached is returned by SendCommand while detached.
	ErrNotAttached = errors.New("no debugger attached")
	// ErrSessionClosed is returned once Close has been called.
	ErrSessionClosed = errors.New("debugger session closed")

	// ErrDetached cancels pending commands on a caller-initiated Detach.
	ErrDetached = errors.New("debugger detached while handling command")
	// ErrTargetClosed cancels pending commands when the transport goes away.
	ErrTargetClosed = errors.New("target closed while handling command")
	// ErrNavigation cancels pending commands when the document is replaced.
	ErrNavigation = errors.New("target navigated while handling command")
)

// AttachError reports a failed Attach. The session stays detached.
type AttachError struct {
	Target string
	Err    error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach to %s: %v", e.Target, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}

// ProtocolError is an error reply from the target for one command. It is
// the command's own failure, not a session fault.
type ProtocolError struct {
	ID      protocol.RequestID
	Method  string
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *ProtocolError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("%s: protocol error %d: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

func newProtocolError(id protocol.RequestID, payload *protocol.ErrorPayload) *ProtocolError {
	return &ProtocolError{
		ID:      id,
		Code:    payload.Code,
		Message: payload.Message,
		Data:    payload.Data,
	}
}

// CancelledError is delivered to a pending command whose session ended.
// errors.Is matches it against ErrDetached, ErrTargetClosed or
// ErrNavigation.
type CancelledError struct {
	ID     protocol.RequestID
	Method string
	Reason error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s (id %d): %v", e.Method, e.ID, e.Reason)
}

func (e *CancelledError) Unwrap() error {
	return e.Reason
}

// IsCancellation reports whether err means the command was cancelled by a
// session transition rather than answered by the target.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrDetached) || errors.Is(err, ErrTargetClosed) || errors.Is(err, ErrNavigation)
}
