package pgee

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/cjihrig/pgee/pkg/metrics"
	"go.uber.org/zap"
)

// Reserved local event names. They share a namespace with caller-chosen
// channel names, so a channel literally named "error" or "listen" collides
// with control events. Known ambiguity; see the README.
const (
	EventError    = "error"
	EventConnect  = "connect"
	EventListen   = "listen"
	EventUnlisten = "unlisten"
)

// NotifyPayloadLimit is PostgreSQL's hard cap on a NOTIFY payload.
const NotifyPayloadLimit = 8000

// Listener receives the payload of a fired event.
type Listener func(payload any)

// ListenerID identifies an attached listener for removal.
type ListenerID uint64

// ResultFunc receives the outcome of Connect, Subscribe, and Unsubscribe:
// the settled channel name ("" for Connect) and a nil error on success.
type ResultFunc func(channel string, err error)

// Result is the payload fired on the connect, listen, and unlisten events
// when no ResultFunc was supplied. It carries the same pair a ResultFunc
// would have received.
type Result struct {
	Channel string
	Err     error
}

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// Emitter bridges LISTEN/NOTIFY and a local listener table. All public
// operations report failures through the result convention or the "error"
// event; none return an error synchronously. Safe for concurrent use.
type Emitter struct {
	mu         sync.Mutex
	conn       Conn
	provider   Provider
	codec      Codec
	logger     *zap.Logger
	reg        *registry
	listeners  map[string][]listenerEntry
	nextID     ListenerID
	router     *router
	connecting *pending

	// connMu serializes command execution against the router's notification
	// wait; the session is not safe for concurrent use.
	connMu sync.Mutex
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithConn hands the emitter an already-established session. Borrowed
// handles are never closed or released by the emitter; Close only detaches
// from them.
func WithConn(conn Conn) Option {
	return func(e *Emitter) { e.conn = conn }
}

// WithProvider sets the capability Connect uses to acquire an owned session.
func WithProvider(p Provider) Option {
	return func(e *Emitter) { e.provider = p }
}

// WithCodec replaces the default JSON payload codec.
func WithCodec(c Codec) Option {
	return func(e *Emitter) { e.codec = c }
}

// WithLogger sets the logger. Defaults to a production zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Emitter) { e.logger = l }
}

// New builds an Emitter. With WithConn the borrowed session is used as-is
// and its notification stream is attached immediately; otherwise Connect
// acquires an owned session from the configured Provider.
func New(opts ...Option) *Emitter {
	e := &Emitter{
		codec:     JSONCodec{},
		reg:       newRegistry(),
		listeners: make(map[string][]listenerEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			fmt.Fprintf(os.Stderr, "pgee: failed to create default logger: %v\n", err)
			logger = zap.NewNop()
		}
		e.logger = logger
	}
	e.router = &router{e: e}
	if e.conn != nil {
		e.router.attach(e.conn, nil)
	}
	return e
}

// On attaches fn under event and returns an id for Off. A listener may be
// attached whether or not the channel is subscribed, and there is no cap on
// listeners per event.
func (e *Emitter) On(event string, fn Listener) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.listeners[event] = append(e.listeners[event], listenerEntry{id: id, fn: fn})
	return id
}

// Off removes the listener registered under id. It reports whether a
// listener was removed.
func (e *Emitter) Off(event string, id ListenerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.listeners[event]
	for i, ent := range entries {
		if ent.id == id {
			entries = append(entries[:i], entries[i+1:]...)
			if len(entries) == 0 {
				delete(e.listeners, event)
			} else {
				e.listeners[event] = entries
			}
			return true
		}
	}
	return false
}

// RemoveAllListeners drops every listener attached under event.
func (e *Emitter) RemoveAllListeners(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, event)
}

// ListenerCount returns the number of listeners attached under event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[event])
}

// Channels returns a snapshot of the currently subscribed channel names, in
// subscription order.
func (e *Emitter) Channels() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg.names()
}

// Connect ensures the emitter holds a live session. Idempotent: with a
// handle already present the result is reported immediately, and concurrent
// calls share a single acquisition. The outcome is delivered through cb, or
// the "connect" event when cb is nil.
func (e *Emitter) Connect(ctx context.Context, cb ResultFunc) {
	e.mu.Lock()
	if e.conn != nil {
		e.mu.Unlock()
		e.report(cb, EventConnect, "", nil)
		return
	}
	if e.provider == nil {
		e.mu.Unlock()
		e.report(cb, EventConnect, "", ErrNoProvider)
		return
	}
	if p := e.connecting; p != nil {
		e.mu.Unlock()
		go func() {
			<-p.done
			e.report(cb, EventConnect, "", p.err)
		}()
		return
	}
	p := &pending{done: make(chan struct{})}
	e.connecting = p
	provider := e.provider
	e.mu.Unlock()

	go func() {
		conn, release, err := provider(ctx)
		if err != nil {
			err = fmt.Errorf("pgee: acquire connection: %w", err)
		}
		e.mu.Lock()
		e.connecting = nil
		if err == nil {
			e.conn = conn
			e.router.attach(conn, release)
		}
		e.mu.Unlock()
		p.err = err
		close(p.done)
		if err != nil {
			e.logger.Error("connect failed", zap.Error(err))
		} else {
			e.logger.Debug("connected")
		}
		e.report(cb, EventConnect, "", err)
	}()
}

// Close detaches the emitter from its session: the notification router
// stops, every local listener is removed, and the registry is cleared. An
// owned handle is released back to its provider; a borrowed one is left
// untouched. No-op when no handle is present.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.conn == nil {
		e.mu.Unlock()
		return
	}
	e.router.detach()
	e.conn = nil
	e.reg.clear()
	e.listeners = make(map[string][]listenerEntry)
	e.mu.Unlock()
	e.logger.Debug("closed")
}

// sessionLost clears connection state after an asynchronous session
// failure. The router loop is about to release the handle, so the
// subscriptions it backed are void; local listeners survive for a
// reconnect.
func (e *Emitter) sessionLost(conn Conn) {
	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
		e.reg.clear()
	}
	e.mu.Unlock()
}

// Publish sends message to channel via pg_notify. Fire-and-forget: a
// successful publish emits nothing locally, and failures surface as fired
// "error" events rather than a returned error. Publishing on the reserved
// "error" channel fires the error event locally with message as its value
// and issues no database command.
func (e *Emitter) Publish(ctx context.Context, channel string, message any) {
	if channel == EventError {
		e.fireError(message)
		return
	}
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		metrics.PublishErrors.Inc()
		e.fireError(ErrNotConnected)
		return
	}
	payload, err := e.codec.Marshal(message)
	if err != nil {
		metrics.PublishErrors.Inc()
		e.fireError(fmt.Errorf("pgee: encode payload for %q: %w", channel, err))
		return
	}
	if len(payload) > NotifyPayloadLimit {
		metrics.PublishErrors.Inc()
		e.fireError(fmt.Errorf("%w: %d bytes on %q", ErrPayloadTooLarge, len(payload), channel))
		return
	}
	go func() {
		metrics.Commands.WithLabelValues("notify").Inc()
		if err := e.exec(ctx, conn, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
			metrics.CommandErrors.WithLabelValues("notify").Inc()
			metrics.PublishErrors.Inc()
			e.fireError(&CommandError{Op: "NOTIFY", Channel: channel, Err: err})
			return
		}
		e.logger.Debug("published", zap.String("channel", channel))
	}()
}

// exec runs one command on the shared session, serialized against the
// router's notification wait. The router releases connMu at least once per
// waitInterval, so a queued command runs within that bound.
func (e *Emitter) exec(ctx context.Context, conn Conn, sql string, args ...any) error {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	_, err := conn.Exec(ctx, sql, args...)
	return err
}

// fire delivers payload to every listener attached under event, in
// attachment order, outside the emitter lock so listeners can re-enter the
// public API. It returns the number of listeners reached.
func (e *Emitter) fire(event string, payload any) int {
	e.mu.Lock()
	entries := make([]listenerEntry, len(e.listeners[event]))
	copy(entries, e.listeners[event])
	e.mu.Unlock()
	for _, ent := range entries {
		ent.fn(payload)
	}
	return len(entries)
}

// fireError fires the reserved error event. An error nobody listens for is
// logged so it is not lost silently.
func (e *Emitter) fireError(v any) {
	if e.fire(EventError, v) == 0 {
		e.logger.Warn("unhandled error event", zap.Any("error", v))
	}
}

// report applies the result convention shared by connect, subscribe, and
// unsubscribe: invoke cb when supplied, otherwise fire the named event with
// the same (channel, err) pair.
func (e *Emitter) report(cb ResultFunc, event, channel string, err error) {
	if cb != nil {
		cb(channel, err)
		return
	}
	e.fire(event, Result{Channel: channel, Err: err})
}
