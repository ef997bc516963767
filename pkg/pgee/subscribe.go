package pgee

import (
	"context"
	"fmt"

	"github.com/cjihrig/pgee/pkg/metrics"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// channelName coerces a subscribe/unsubscribe argument to the string form
// used for registry membership checks and database commands. Non-string
// values go through fmt.Sprint, so a nil channel subscribes the literal
// name "<nil>".
func channelName(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// quoteChannel renders name as a double-quoted identifier for LISTEN and
// UNLISTEN. Embedded quotes are escaped; nothing else is sanitized.
func quoteChannel(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// Subscribe registers interest in a channel. listener, when non-nil, is
// attached under the coerced channel name once the subscription settles.
//
// A LISTEN command is issued only when the channel is neither registered nor
// already in flight: a second Subscribe racing an unsettled first one waits
// for that command's outcome instead of issuing a duplicate, and both report
// the same settled channel name. The outcome is delivered through cb, or the
// "listen" event when cb is nil; on command failure registry and listener
// state are unchanged for every waiting caller, and a command that settles
// after Close (or after the session was lost) is discarded.
func (e *Emitter) Subscribe(ctx context.Context, channel any, listener Listener, cb ResultFunc) {
	name := channelName(channel)

	e.mu.Lock()
	if e.conn == nil {
		e.mu.Unlock()
		e.report(cb, EventListen, name, ErrNotConnected)
		return
	}
	if e.reg.contains(name) {
		// Already subscribed: no command round-trip.
		if listener != nil {
			e.attachLocked(name, listener)
		}
		e.mu.Unlock()
		e.report(cb, EventListen, name, nil)
		return
	}
	if p, ok := e.reg.waiting(name, opListen); ok {
		// A LISTEN for this channel is in flight. Settle with the in-flight
		// command's outcome; the listener attaches only on success, same as
		// the issuing call.
		conn := e.conn
		e.mu.Unlock()
		go func() {
			<-p.done
			if p.err == nil && listener != nil {
				e.mu.Lock()
				if e.conn == conn {
					e.attachLocked(name, listener)
				}
				e.mu.Unlock()
			}
			e.report(cb, EventListen, name, p.err)
		}()
		return
	}
	p := e.reg.begin(name, opListen)
	conn := e.conn
	e.mu.Unlock()

	go func() {
		metrics.Commands.WithLabelValues("listen").Inc()
		execErr := e.exec(ctx, conn, "LISTEN "+quoteChannel(name))
		var err error
		if execErr != nil {
			metrics.CommandErrors.WithLabelValues("listen").Inc()
			err = &CommandError{Op: "LISTEN", Channel: name, Err: execErr}
		}
		e.mu.Lock()
		if e.conn == conn {
			e.reg.settle(name)
			if err == nil {
				// Re-check at completion time: add is a no-op if a racing
				// call already landed the entry.
				e.reg.add(name)
				if listener != nil {
					e.attachLocked(name, listener)
				}
			}
		}
		e.mu.Unlock()
		p.err = err
		close(p.done)
		if err != nil {
			e.logger.Error("subscribe failed", zap.String("channel", name), zap.Error(err))
		} else {
			e.logger.Debug("subscribed", zap.String("channel", name))
		}
		e.report(cb, EventListen, name, err)
	}()
}

// Unsubscribe stops receiving a channel's notifications. Unsubscribing a
// channel that was never registered is not an error: no command is issued
// and success is reported with the coerced name. removeListeners also drops
// every local listener attached under the channel.
//
// The in-flight guard mirrors Subscribe: a second Unsubscribe racing an
// unsettled first one waits for that command's outcome, and the registry
// removal at completion time tolerates a racing call having already removed
// the entry.
func (e *Emitter) Unsubscribe(ctx context.Context, channel any, removeListeners bool, cb ResultFunc) {
	name := channelName(channel)

	e.mu.Lock()
	if e.conn == nil {
		e.mu.Unlock()
		e.report(cb, EventUnlisten, name, ErrNotConnected)
		return
	}
	if !e.reg.contains(name) {
		if removeListeners {
			delete(e.listeners, name)
		}
		e.mu.Unlock()
		e.report(cb, EventUnlisten, name, nil)
		return
	}
	if p, ok := e.reg.waiting(name, opUnlisten); ok {
		conn := e.conn
		e.mu.Unlock()
		go func() {
			<-p.done
			if p.err == nil && removeListeners {
				e.mu.Lock()
				if e.conn == conn {
					delete(e.listeners, name)
				}
				e.mu.Unlock()
			}
			e.report(cb, EventUnlisten, name, p.err)
		}()
		return
	}
	p := e.reg.begin(name, opUnlisten)
	conn := e.conn
	e.mu.Unlock()

	go func() {
		metrics.Commands.WithLabelValues("unlisten").Inc()
		execErr := e.exec(ctx, conn, "UNLISTEN "+quoteChannel(name))
		var err error
		if execErr != nil {
			metrics.CommandErrors.WithLabelValues("unlisten").Inc()
			err = &CommandError{Op: "UNLISTEN", Channel: name, Err: execErr}
		}
		e.mu.Lock()
		if e.conn == conn {
			e.reg.settle(name)
			if err == nil {
				e.reg.remove(name)
				if removeListeners {
					delete(e.listeners, name)
				}
			}
		}
		e.mu.Unlock()
		p.err = err
		close(p.done)
		if err != nil {
			e.logger.Error("unsubscribe failed", zap.String("channel", name), zap.Error(err))
		} else {
			e.logger.Debug("unsubscribed", zap.String("channel", name))
		}
		e.report(cb, EventUnlisten, name, err)
	}()
}

// attachLocked appends a listener entry under name. Caller holds e.mu.
func (e *Emitter) attachLocked(name string, fn Listener) {
	e.nextID++
	e.listeners[name] = append(e.listeners[name], listenerEntry{id: e.nextID, fn: fn})
}
