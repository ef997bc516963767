package pgee

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is reported when subscribe, unsubscribe, or publish is
	// attempted with no live connection handle.
	ErrNotConnected = errors.New("pgee: not connected")

	// ErrNoProvider is reported by Connect when the emitter was built without
	// a connection provider or a caller-supplied handle.
	ErrNoProvider = errors.New("pgee: no connection provider configured")

	// ErrPayloadTooLarge is reported when a serialized publish payload
	// exceeds PostgreSQL's NOTIFY limit (see NotifyPayloadLimit).
	ErrPayloadTooLarge = errors.New("pgee: payload exceeds NOTIFY limit")
)

// CommandError reports a LISTEN, UNLISTEN, or NOTIFY command the database
// rejected or failed. Registry and listener state are left unchanged when
// one occurs.
type CommandError struct {
	Op      string // "LISTEN", "UNLISTEN", or "NOTIFY"
	Channel string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("pgee: %s %q: %v", e.Op, e.Channel, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ConnError reports an asynchronous failure of the underlying session. It
// has no originating call to attach a callback to, so it is only ever
// delivered as a fired "error" event. The caller decides whether to close
// and reconnect.
type ConnError struct {
	Err error
}

func (e *ConnError) Error() string { return "pgee: connection: " + e.Err.Error() }

func (e *ConnError) Unwrap() error { return e.Err }
