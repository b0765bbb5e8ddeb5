package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
)

func TestLayout(t *testing.T) {
	m, err := New(DefaultBase, 1<<20, 1<<16, 2)
	require.NoError(t, err)

	d, err := m.AllocDistrib(4096)
	require.NoError(t, err)
	require.True(t, m.IsClusterMemory(d))

	l, err := m.AllocLocalNUMA(4096, 1)
	require.NoError(t, err)
	require.False(t, m.IsClusterMemory(l))

	_, err = m.AllocLocalNUMA(1, 5)
	require.Error(t, err)
}

func TestAllocFreeReuse(t *testing.T) {
	m, err := New(DefaultBase, 1<<16, 1<<12, 1)
	require.NoError(t, err)

	a, err := m.AllocDistrib(1024)
	require.NoError(t, err)
	b, err := m.AllocDistrib(1024)
	require.NoError(t, err)
	require.False(t, a.Intersects(b))

	require.NoError(t, m.FreeDistrib(a))
	require.Error(t, m.FreeDistrib(a), "duplicate free must fail")

	c, err := m.AllocDistrib(512)
	require.NoError(t, err)
	require.True(t, c.FullyContainedIn(a), "free list block is reused first")
}

func TestBytesAliasing(t *testing.T) {
	m, err := New(DefaultBase, 1<<16, 1<<12, 1)
	require.NoError(t, err)

	r, err := m.AllocDistrib(16)
	require.NoError(t, err)

	buf, err := m.Bytes(r)
	require.NoError(t, err)
	buf[0] = 0xab

	again, err := m.Bytes(r)
	require.NoError(t, err)
	require.Equal(t, byte(0xab), again[0])

	_, err = m.Bytes(region.New(1, 16))
	require.Error(t, err)
}

func TestArenaExhaustion(t *testing.T) {
	m, err := New(DefaultBase, 4096, 4096, 1)
	require.NoError(t, err)

	_, err = m.AllocDistrib(4096)
	require.NoError(t, err)
	_, err = m.AllocDistrib(1)
	require.Error(t, err)
}
