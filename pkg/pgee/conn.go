package pgee

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Conn is the session surface the emitter needs: executing
// LISTEN/UNLISTEN/NOTIFY commands and blocking for asynchronous
// notifications. *pgx.Conn satisfies it directly; pool connections are
// adapted by PoolProvider.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

// Provider yields a connection handle the emitter will own. The returned
// release func is invoked exactly once when the emitter's use of the handle
// ends; it must return the session to whatever pool or dialer produced it.
type Provider func(ctx context.Context) (conn Conn, release func(), err error)

// PoolProvider adapts a *pgxpool.Pool into a Provider. A single connection
// is acquired for the lifetime of the emitter and released back to the pool
// on Close. LISTEN state is per-session, so the handle must not be shared.
func PoolProvider(pool *pgxpool.Pool) Provider {
	return func(ctx context.Context) (Conn, func(), error) {
		pc, err := pool.Acquire(ctx)
		if err != nil {
			return nil, nil, err
		}
		return &poolConn{pc}, pc.Release, nil
	}
}

// ConnectProvider dials a dedicated connection from a connection string.
// Release closes the connection.
func ConnectProvider(connString string) Provider {
	return func(ctx context.Context) (Conn, func(), error) {
		conn, err := pgx.Connect(ctx, connString)
		if err != nil {
			return nil, nil, err
		}
		release := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = conn.Close(closeCtx)
		}
		return conn, release, nil
	}
}

// poolConn lifts WaitForNotification, which pgxpool.Conn keeps on the
// underlying *pgx.Conn, onto the pool connection.
type poolConn struct {
	*pgxpool.Conn
}

func (c *poolConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return c.Conn.Conn().WaitForNotification(ctx)
}
