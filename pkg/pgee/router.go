package pgee

import (
	"context"
	"errors"
	"time"

	"github.com/cjihrig/pgee/pkg/metrics"
	"go.uber.org/zap"
)

// waitInterval bounds each notification wait so the session lock is released
// periodically and pending commands can run. The session is not safe for
// concurrent use; see Emitter.exec.
const waitInterval = 250 * time.Millisecond

// router owns the single notification loop attached to an active session.
// Attach/detach is explicit emitter state rather than a hook swapped at
// runtime; exactly one loop runs per live connection.
type router struct {
	e      *Emitter
	cancel context.CancelFunc
}

// attach starts the loop on conn. release, when non-nil, is invoked by the
// loop on exit: the loop owns returning the handle to its provider, so the
// session cannot be released while a wait is still in progress. Caller holds
// the emitter mutex.
func (r *router) attach(conn Conn, release func()) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.loop(ctx, conn, release)
}

// detach stops the loop. Caller holds the emitter mutex.
func (r *router) detach() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *router) loop(ctx context.Context, conn Conn, release func()) {
	if release != nil {
		defer release()
	}
	e := r.e
	for {
		if ctx.Err() != nil {
			return
		}

		e.connMu.Lock()
		waitCtx, cancel := context.WithTimeout(ctx, waitInterval)
		n, err := conn.WaitForNotification(waitCtx)
		cancel()
		e.connMu.Unlock()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// Wait window elapsed; queued commands get the session now.
				continue
			}
			// Asynchronous session failure. Drop the handle first so later
			// operations report ErrNotConnected instead of executing on a
			// session this loop is about to release, then forward the
			// failure as a local error event; the caller decides whether
			// to reconnect.
			e.sessionLost(conn)
			e.logger.Error("notification wait failed", zap.Error(err))
			e.fireError(&ConnError{Err: err})
			return
		}
		e.route(n.Channel, n.Payload)
	}
}

// route decodes and delivers one inbound notification. A payload that fails
// to decode is delivered raw; decode failure never suppresses delivery. With
// zero listeners attached the event is dropped.
func (e *Emitter) route(channel, payload string) {
	v, err := e.codec.Unmarshal([]byte(payload))
	if err != nil {
		v = payload
	}
	metrics.NotificationsRouted.WithLabelValues(channel).Inc()
	if e.fire(channel, v) == 0 {
		metrics.NotificationsDropped.WithLabelValues(channel).Inc()
		e.logger.Debug("notification dropped, no listeners", zap.String("channel", channel))
	}
}
