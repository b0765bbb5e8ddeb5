package region

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntersect(t *testing.T) {
	a := New(0, 100)
	b := New(50, 100)

	require.True(t, a.Intersects(b))
	require.Equal(t, Region{Start: 50, End: 100}, a.Intersect(b))

	c := New(100, 10)
	require.False(t, a.Intersects(c))
	require.True(t, a.Intersect(c).Empty())
}

func TestContainment(t *testing.T) {
	outer := New(0x1000, 0x1000)
	inner := New(0x1400, 0x200)

	require.True(t, inner.FullyContainedIn(outer))
	require.False(t, outer.FullyContainedIn(inner))
	require.True(t, outer.FullyContainedIn(outer))

	require.Equal(t, uint64(0x200), inner.Size())
	require.True(t, outer.Contains(0x1fff))
	require.False(t, outer.Contains(0x2000))
}
