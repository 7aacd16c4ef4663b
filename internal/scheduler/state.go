package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle position of a work unit.
type State int

const (
	StatePending State = iota
	StateConnecting
	StateActive
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateConnecting:
		return "Connecting"
	case StateActive:
		return "Active"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Pending may fail directly when the lifetime expires before the unit starts.
var transitions = map[State][]State{
	StatePending:    {StateConnecting, StateFailed},
	StateConnecting: {StateActive, StateFailed},
	StateActive:     {StateCompleted, StateFailed},
}

// ErrIllegalTransition is returned for a transition outside the state machine.
var ErrIllegalTransition = errors.New("illegal work unit transition")

func checkTransition(from, to State) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// ErrorKind classifies why a work unit failed.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindConn is a connection establishment failure.
	KindConn
	// KindStream is a failure on an established connection.
	KindStream
	// KindTimeout is an idle, handshake or lifetime expiry.
	KindTimeout
	// KindCanceled is an external cancellation of the run.
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConn:
		return "ConnError"
	case KindStream:
		return "StreamError"
	case KindTimeout:
		return "Timeout"
	case KindCanceled:
		return "Canceled"
	default:
		return "unknown"
	}
}

// UnitError is the error recorded for a failed work unit.
type UnitError struct {
	Kind ErrorKind
	Err  error
}

func (e *UnitError) Error() string { return e.Kind.String() + ": " + e.Err.Error() }

func (e *UnitError) Unwrap() error { return e.Err }

// ErrLifetimeExpired is the cause attached to the run context when the
// process lifetime elapses.
var ErrLifetimeExpired = errors.New("process lifetime expired")

// Outcome is the single record emitted for every work unit.
type Outcome struct {
	Index    int
	URL      string
	State    State
	Status   int
	Bytes    int64
	Elapsed  time.Duration
	Kind     ErrorKind
	Err      error
	Digest   string
	ConnID   string
	StreamID int64
}

// Succeeded reports whether the request completed.
func (o Outcome) Succeeded() bool { return o.State == StateCompleted }
