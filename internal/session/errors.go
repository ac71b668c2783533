package session

import (
	"errors"
	"fmt"

	"github.com/goodtune/parkmeter/internal/gateway"
)

// Kind classifies a failed transition
type Kind int

const (
	// KindPrecondition failures are rejected before the gateway is called
	KindPrecondition Kind = iota
	// KindRemote failures come from the parking server or the network
	KindRemote
	// KindStorage failures come from the durable store
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	case KindRemote:
		return "remote"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

var (
	ErrNoActiveSession  = errors.New("no active parking session")
	ErrSessionActive    = errors.New("a parking session is already active")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrBusy             = errors.New("another session change is in progress")
)

// Error is returned by every Store transition. State is left as it was
// before the call.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a network failure the caller may retry
func IsTransient(err error) bool {
	return gateway.IsTransport(err)
}

// KindOf returns the kind of a session error, or -1 for other errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return -1
}

func preconditionError(op string, sentinel error, message string) *Error {
	return &Error{Kind: KindPrecondition, Op: op, Message: message, Err: sentinel}
}

func storageError(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Message: "local session data unavailable", Err: err}
}

func remoteError(op string, err error) *Error {
	e := &Error{Kind: KindRemote, Op: op, Err: err}

	var rejected *gateway.RejectedError
	if errors.As(err, &rejected) {
		e.Message = rejected.Message
		if e.Message == "" {
			e.Message = "rejected by parking server"
		}
	} else if gateway.IsTransport(err) {
		e.Message = "parking server unreachable, try again"
	}
	return e
}
