// Package fault classifies errors into the kinds the gateway reacts to
// differently: transport faults are recovered by the event loop, persistence
// faults degrade to no-ops, external faults become apologies and user input
// faults become usage hints.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies how an error must be handled.
type Kind string

const (
	KindUnknown     Kind = "unknown"
	KindTransport   Kind = "transport"
	KindPersistence Kind = "persistence"
	KindExternal    Kind = "external"
	KindUserInput   Kind = "user_input"
)

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s fault", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns err tagged with kind. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transport tags err as a transport fault.
func Transport(op string, err error) error { return Wrap(KindTransport, op, err) }

// Persistence tags err as a persistence fault.
func Persistence(op string, err error) error { return Wrap(KindPersistence, op, err) }

// External tags err as an external-call fault.
func External(op string, err error) error { return Wrap(KindExternal, op, err) }

// UserInput returns a user input fault with a formatted message.
func UserInput(op string, format string, args ...any) error {
	return &Error{Kind: KindUserInput, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the outermost kind attached to err, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
