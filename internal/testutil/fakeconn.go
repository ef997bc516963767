// Package testutil provides an in-memory stand-in for the database session
// so the emitter can be exercised without PostgreSQL.
package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
)

// FakeConn records executed commands and lets tests inject notifications and
// failures. Hold/Release gates command completion so in-flight races can be
// constructed deterministically.
type FakeConn struct {
	mu      sync.Mutex
	cmds    []string
	args    [][]any
	execErr func(sql string) error
	gate    chan struct{}
	notifs  chan *pgconn.Notification
	waitErr chan error
}

func NewFakeConn() *FakeConn {
	return &FakeConn{
		notifs:  make(chan *pgconn.Notification, 16),
		waitErr: make(chan error, 1),
	}
}

// Exec records the command. With a gate held (see Hold) it blocks until
// Release or context cancellation, keeping the command in flight.
func (c *FakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return pgconn.CommandTag{}, ctx.Err()
		}
	}

	c.mu.Lock()
	c.cmds = append(c.cmds, sql)
	c.args = append(c.args, args)
	fail := c.execErr
	c.mu.Unlock()

	if fail != nil {
		if err := fail(sql); err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag("OK"), nil
}

// WaitForNotification delivers notifications injected through Notify, or an
// error injected through FailWait.
func (c *FakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n := <-c.notifs:
		return n, nil
	case err := <-c.waitErr:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify injects one inbound notification.
func (c *FakeConn) Notify(channel, payload string) {
	c.notifs <- &pgconn.Notification{Channel: channel, Payload: payload}
}

// FailWait makes the next WaitForNotification call return err.
func (c *FakeConn) FailWait(err error) {
	c.waitErr <- err
}

// Hold blocks subsequent Exec calls until Release.
func (c *FakeConn) Hold() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = make(chan struct{})
}

// Release unblocks held Exec calls.
func (c *FakeConn) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate != nil {
		close(c.gate)
		c.gate = nil
	}
}

// FailWith makes every subsequent Exec return err. Pass nil to restore
// success.
func (c *FakeConn) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.execErr = nil
		return
	}
	c.execErr = func(string) error { return err }
}

// Commands returns a snapshot of every executed SQL command, in order.
func (c *FakeConn) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.cmds))
	copy(out, c.cmds)
	return out
}

// CommandArgs returns the arguments of the i-th executed command.
func (c *FakeConn) CommandArgs(i int) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.args[i]
}

// CommandCount returns how many executed commands start with prefix.
func (c *FakeConn) CommandCount(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cmd := range c.cmds {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}
	return n
}
