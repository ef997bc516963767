package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cjihrig/pgee/internal/testutil"
	"github.com/cjihrig/pgee/pkg/pgee"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type sinkMsg struct {
	channel string
	payload string
}

type fakeSink struct {
	mu   sync.Mutex
	name string
	msgs []sinkMsg
	err  error
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Publish(channel string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, sinkMsg{channel, string(payload)})
	return nil
}

func (s *fakeSink) Close() error { return nil }

func (s *fakeSink) messages() []sinkMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkMsg, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func newBridgeEmitter(t *testing.T) (*pgee.Emitter, *testutil.FakeConn) {
	t.Helper()
	fc := testutil.NewFakeConn()
	e := pgee.New(pgee.WithConn(fc), pgee.WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(e.Close)
	return e, fc
}

func TestBridgeForwards(t *testing.T) {
	ctx := context.Background()
	e, fc := newBridgeEmitter(t)
	sink := &fakeSink{name: "fake"}

	b := New(e, zaptest.NewLogger(t), sink)
	require.NoError(t, b.Attach(ctx, []string{"foo", "bar"}))
	assert.Equal(t, 2, fc.CommandCount("LISTEN"))

	fc.Notify("foo", `{"a": 1}`)

	require.Eventually(t, func() bool {
		return len(sink.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msg := sink.messages()[0]
	assert.Equal(t, "foo", msg.channel)
	assert.JSONEq(t, `{"a":1}`, msg.payload)
}

func TestBridgeForwardsToAllSinks(t *testing.T) {
	ctx := context.Background()
	e, fc := newBridgeEmitter(t)
	broken := &fakeSink{name: "broken", err: errors.New("sink down")}
	healthy := &fakeSink{name: "healthy"}

	b := New(e, zaptest.NewLogger(t), broken, healthy)
	require.NoError(t, b.Attach(ctx, []string{"foo"}))

	// A failing sink never stops the others.
	fc.Notify("foo", `"x"`)
	fc.Notify("foo", `"y"`)

	require.Eventually(t, func() bool {
		return len(healthy.messages()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, broken.messages())
}

func TestBridgeAttachPropagatesSubscribeErrors(t *testing.T) {
	ctx := context.Background()
	e, fc := newBridgeEmitter(t)
	fc.FailWith(errors.New("permission denied"))

	b := New(e, zaptest.NewLogger(t), &fakeSink{name: "fake"})
	err := b.Attach(ctx, []string{"foo"})

	var cmdErr *pgee.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "LISTEN", cmdErr.Op)
}

func TestBridgeCloseClosesSinks(t *testing.T) {
	e, _ := newBridgeEmitter(t)
	b := New(e, zaptest.NewLogger(t), &fakeSink{name: "fake"})
	assert.NoError(t, b.Close())
}
