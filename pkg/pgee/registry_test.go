package pgee

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Run("AddIsIdempotent", func(t *testing.T) {
		r := newRegistry()
		r.add("foo")
		r.add("foo")
		r.add("bar")
		assert.Equal(t, []string{"foo", "bar"}, r.names())
	})

	t.Run("Contains", func(t *testing.T) {
		r := newRegistry()
		assert.False(t, r.contains("foo"))
		r.add("foo")
		assert.True(t, r.contains("foo"))
	})

	t.Run("RemovePreservesOrder", func(t *testing.T) {
		r := newRegistry()
		r.add("a")
		r.add("b")
		r.add("c")
		r.remove("b")
		assert.Equal(t, []string{"a", "c"}, r.names())

		// Removing an absent name is a no-op.
		r.remove("nope")
		assert.Equal(t, []string{"a", "c"}, r.names())
	})

	t.Run("Clear", func(t *testing.T) {
		r := newRegistry()
		r.add("a")
		r.begin("b", opListen)
		r.clear()
		assert.Empty(t, r.names())
		_, ok := r.waiting("b", opListen)
		assert.False(t, ok)
	})

	t.Run("NamesReturnsCopy", func(t *testing.T) {
		r := newRegistry()
		r.add("a")
		names := r.names()
		names[0] = "mutated"
		assert.Equal(t, []string{"a"}, r.names())
	})

	t.Run("PendingMarkers", func(t *testing.T) {
		r := newRegistry()
		p := r.begin("foo", opListen)
		require.NotNil(t, p)

		got, ok := r.waiting("foo", opListen)
		require.True(t, ok)
		assert.Same(t, p, got)

		// A marker for one operation is invisible to the other.
		_, ok = r.waiting("foo", opUnlisten)
		assert.False(t, ok)

		r.settle("foo")
		_, ok = r.waiting("foo", opListen)
		assert.False(t, ok)
	})
}
