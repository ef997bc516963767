// Package pgee republishes PostgreSQL's LISTEN/NOTIFY primitive as an
// in-process event stream, and in-process emits as outbound `pg_notify`
// calls.
//
// An Emitter owns (or borrows) a single database session. Subscribe issues
// `LISTEN "<channel>"` once per channel, de-duplicating concurrent requests
// for the same channel while a command is in flight, and a router goroutine
// dispatches inbound notifications to local listeners by channel name.
// Publish is fire-and-forget: failures surface as fired "error" events.
//
// The emitter is not a broker: nothing is persisted, events with no
// listeners are dropped, and ordering is whatever NOTIFY provides.
package pgee
