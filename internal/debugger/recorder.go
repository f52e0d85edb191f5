package debugger

import (
	"errors"
	"time"

	"debugbridge/internal/protocol"
)

// Outcome classifies how a command finished.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeProtocolError Outcome = "protocol_error"
	OutcomeCancelled     Outcome = "cancelled"
	OutcomeAbandoned     Outcome = "abandoned"
)

// CommandRecord describes one finished command.
type CommandRecord struct {
	SessionID  string
	RequestID  protocol.RequestID
	Method     string
	Outcome    Outcome
	Error      string
	Latency    time.Duration
	FinishedAt time.Time
}

// Recorder receives a record for every finished command. Record is called
// on the delivery goroutine and must not block on I/O.
type Recorder interface {
	Record(rec CommandRecord)
}

func classify(err error) Outcome {
	var perr *ProtocolError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &perr):
		return OutcomeProtocolError
	case IsCancellation(err):
		return OutcomeCancelled
	default:
		return OutcomeAbandoned
	}
}
