package pgee

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cjihrig/pgee/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subscribeOK(t *testing.T, e *Emitter, channel any, listener Listener) {
	t.Helper()
	cb, ch := resultFunc()
	e.Subscribe(context.Background(), channel, listener, cb)
	require.NoError(t, awaitResult(t, ch).err)
}

func unsubscribeOK(t *testing.T, e *Emitter, channel any, removeListeners bool) {
	t.Helper()
	cb, ch := resultFunc()
	e.Unsubscribe(context.Background(), channel, removeListeners, cb)
	require.NoError(t, awaitResult(t, ch).err)
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("NotConnected", func(t *testing.T) {
		e := newTestEmitter(t)
		cb, ch := resultFunc()
		e.Subscribe(ctx, "foo", nil, cb)
		r := awaitResult(t, ch)
		assert.ErrorIs(t, r.err, ErrNotConnected)
		assert.Equal(t, "foo", r.channel)
	})

	t.Run("IssuesListenOnce", func(t *testing.T) {
		fc := testutil.NewFakeConn()
		e := newTestEmitter(t, WithConn(fc))

		subscribeOK(t, e, "foo", nil)
		subscribeOK(t, e, "foo", nil)

		assert.Equal(t, 1, fc.CommandCount("LISTEN"))
		assert.Equal(t, []string{"foo"}, e.Channels())
	})

	t.Run("QuotesChannelName", func(t *testing.T) {
		fc := testutil.NewFakeConn()
		e := newTestEmitter(t, WithConn(fc))

		subscribeOK(t, e, "foo", nil)
		assert.Equal(t, []string{`LISTEN "foo"`}, fc.Commands())
	})

	t.Run("AlreadyPresentAttachesListener", func(t *testing.T) {
		fc := testutil.NewFakeConn()
		e := newTestEmitter(t, WithConn(fc))

		subscribeOK(t, e, "foo", func(any) {})
		// Fast path: listener attached, no second command.
		subscribeOK(t, e, "foo", func(any) {})

		assert.Equal(t, 1, fc.CommandCount("LISTEN"))
		assert.Equal(t, 2, e.ListenerCount("foo"))
	})

	t.Run("CommandFailureLeavesStateUnchanged", func(t *testing.T) {
		fc := testutil.NewFakeConn()
		fc.FailWith(errors.New("permission denied"))
		e := newTestEmitter(t, WithConn(fc))

		cb, ch := resultFunc()
		e.Subscribe(ctx, "foo", func(any) {}, cb)
		r := awaitResult(t, ch)

		var cmdErr *CommandError
		require.ErrorAs(t, r.err, &cmdErr)
		assert.Equal(t, "LISTEN", cmdErr.Op)
		assert.Equal(t, "foo", cmdErr.Channel)
		assert.Empty(t, e.Channels())
		assert.Equal(t, 0, e.ListenerCount("foo"))

		// Recovers once the database cooperates.
		fc.FailWith(nil)
		subscribeOK(t, e, "foo", nil)
		assert.Equal(t, []string{"foo"}, e.Channels())
	})

	t.Run("ResultEventWhenNoCallback", func(t *testing.T) {
		fc := testutil.NewFakeConn()
		e := newTestEmitter(t, WithConn(fc))

		got := make(chan Result, 1)
		e.On(EventListen, func(payload any) { got <- payload.(Result) })
		e.Subscribe(ctx, "foo", nil, nil)

		select {
		case r := <-got:
			assert.NoError(t, r.Err)
			assert.Equal(t, "foo", r.Channel)
		case <-time.After(2 * time.Second):
			t.Fatal("listen event not fired")
		}
	})
}

func TestConcurrentSubscribeRace(t *testing.T) {
	ctx := context.Background()
	fc := testutil.NewFakeConn()
	e := newTestEmitter(t, WithConn(fc))

	// Hold the LISTEN in flight, then issue a second subscribe for the same
	// channel before the first settles.
	fc.Hold()
	cb1, ch1 := resultFunc()
	cb2, ch2 := resultFunc()
	e.Subscribe(ctx, "foo", nil, cb1)
	e.Subscribe(ctx, "foo", nil, cb2)
	fc.Release()

	r1 := awaitResult(t, ch1)
	r2 := awaitResult(t, ch2)
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Equal(t, "foo", r1.channel)
	assert.Equal(t, "foo", r2.channel)

	assert.Equal(t, 1, fc.CommandCount("LISTEN"))
	assert.Equal(t, []string{"foo"}, e.Channels())
}

func TestConcurrentSubscribeRaceAttachesBothListeners(t *testing.T) {
	ctx := context.Background()
	fc := testutil.NewFakeConn()
	e := newTestEmitter(t, WithConn(fc))

	fc.Hold()
	cb1, ch1 := resultFunc()
	cb2, ch2 := resultFunc()
	e.Subscribe(ctx, "foo", func(any) {}, cb1)
	e.Subscribe(ctx, "foo", func(any) {}, cb2)
	fc.Release()

	require.NoError(t, awaitResult(t, ch1).err)
	require.NoError(t, awaitResult(t, ch2).err)
	assert.Equal(t, 2, e.ListenerCount("foo"))
}

func TestSubscribeSettlingAfterCloseIsDiscarded(t *testing.T) {
	ctx := context.Background()
	fc := testutil.NewFakeConn()
	e := newTestEmitter(t, WithConn(fc))

	// Hold the LISTEN in flight, close the emitter, then let it settle.
	fc.Hold()
	cb, ch := resultFunc()
	e.Subscribe(ctx, "foo", func(any) {}, cb)
	e.Close()
	fc.Release()

	awaitResult(t, ch)
	assert.Empty(t, e.Channels())
	assert.Equal(t, 0, e.ListenerCount("foo"))
}

func TestJoinedSubscribeFailureLeavesNoListener(t *testing.T) {
	ctx := context.Background()
	fc := testutil.NewFakeConn()
	fc.FailWith(errors.New("permission denied"))
	e := newTestEmitter(t, WithConn(fc))

	fc.Hold()
	cb1, ch1 := resultFunc()
	cb2, ch2 := resultFunc()
	e.Subscribe(ctx, "foo", func(any) {}, cb1)
	e.Subscribe(ctx, "foo", func(any) {}, cb2)
	fc.Release()

	require.Error(t, awaitResult(t, ch1).err)
	require.Error(t, awaitResult(t, ch2).err)

	// Neither the issuer's listener nor the joiner's survives the failed
	// command.
	assert.Equal(t, 0, e.ListenerCount("foo"))
	assert.Empty(t, e.Channels())
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("NotConnected", func(t *testing.T) {
		e := newTestEmitter(t)
		cb, ch := resultFunc()
		e.Unsubscribe(ctx, "foo", false, cb)
		assert.ErrorIs(t, awaitResult(t, ch).err, ErrNotConnected)
	})

	t.Run("UnknownChannelIsIdempotent", func(t *testing.T) {
		fc := testutil.NewFakeConn()
		e := newTestEmitter(t, WithConn(fc))

		cb, ch := resultFunc()
		e.Unsubscribe(ctx, "never-subscribed", false, cb)
		r := awaitResult(t, ch)
		require.NoError(t, r.err)
		assert.Equal(t, "never-subscribed", r.channel)
		assert.Empty(t, fc.Commands())
	})

	t.Run("UnknownChannelRemoveListeners", func(t *testing.T) {
		fc := testutil.NewFakeConn()
		e := newTestEmitter(t, WithConn(fc))

		e.On("foo", func(any) {})
		e.On("foo", func(any) {})
		unsubscribeOK(t, e, "foo", true)

		assert.Equal(t, 0, e.ListenerCount("foo"))
		assert.Empty(t, fc.Commands())
	})

	t.Run("IssuesUnlisten", func(t *testing.T) {
		fc := testutil.NewFakeConn()
		e := newTestEmitter(t, WithConn(fc))

		subscribeOK(t, e, "foo", func(any) {})
		unsubscribeOK(t, e, "foo", false)

		assert.Equal(t, 1, fc.CommandCount("UNLISTEN"))
		assert.Empty(t, e.Channels())
		// Listeners survive unless removeListeners is set.
		assert.Equal(t, 1, e.ListenerCount("foo"))
	})

	t.Run("RemoveListeners", func(t *testing.T) {
		fc := testutil.NewFakeConn()
		e := newTestEmitter(t, WithConn(fc))

		subscribeOK(t, e, "foo", func(any) {})
		unsubscribeOK(t, e, "foo", true)
		assert.Equal(t, 0, e.ListenerCount("foo"))
	})

	t.Run("CommandFailureLeavesRegistry", func(t *testing.T) {
		fc := testutil.NewFakeConn()
		e := newTestEmitter(t, WithConn(fc))

		subscribeOK(t, e, "foo", nil)
		fc.FailWith(errors.New("backend shutdown"))

		cb, ch := resultFunc()
		e.Unsubscribe(ctx, "foo", false, cb)
		r := awaitResult(t, ch)

		var cmdErr *CommandError
		require.ErrorAs(t, r.err, &cmdErr)
		assert.Equal(t, "UNLISTEN", cmdErr.Op)
		assert.Equal(t, []string{"foo"}, e.Channels())
	})
}

func TestConcurrentUnsubscribeRace(t *testing.T) {
	ctx := context.Background()
	fc := testutil.NewFakeConn()
	e := newTestEmitter(t, WithConn(fc))

	subscribeOK(t, e, "foo", nil)

	fc.Hold()
	cb1, ch1 := resultFunc()
	cb2, ch2 := resultFunc()
	e.Unsubscribe(ctx, "foo", false, cb1)
	e.Unsubscribe(ctx, "foo", false, cb2)
	fc.Release()

	r1 := awaitResult(t, ch1)
	r2 := awaitResult(t, ch2)
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Equal(t, "foo", r1.channel)
	assert.Equal(t, "foo", r2.channel)

	assert.Equal(t, 1, fc.CommandCount("UNLISTEN"))
	assert.Empty(t, e.Channels())
}

func TestSubscribeUnsubscribeCycles(t *testing.T) {
	t.Run("DuplicatePairs", func(t *testing.T) {
		// subscribe, subscribe, unsubscribe, unsubscribe: the duplicates hit
		// the fast paths, so exactly two commands reach the database.
		fc := testutil.NewFakeConn()
		e := newTestEmitter(t, WithConn(fc))

		subscribeOK(t, e, "foo", nil)
		subscribeOK(t, e, "foo", nil)
		unsubscribeOK(t, e, "foo", false)
		unsubscribeOK(t, e, "foo", false)

		assert.Empty(t, e.Channels())
		assert.Len(t, fc.Commands(), 2)
	})

	t.Run("Alternating", func(t *testing.T) {
		fc := testutil.NewFakeConn()
		e := newTestEmitter(t, WithConn(fc))

		subscribeOK(t, e, "foo", nil)
		unsubscribeOK(t, e, "foo", false)
		subscribeOK(t, e, "foo", nil)
		unsubscribeOK(t, e, "foo", false)

		assert.Empty(t, e.Channels())
		assert.Equal(t, 2, fc.CommandCount("LISTEN "))
		assert.Equal(t, 2, fc.CommandCount("UNLISTEN"))
	})
}
