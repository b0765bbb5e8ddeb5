package writeid

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
)

func TestPartitionedAllocation(t *testing.T) {
	m0, err := NewManager(0, 4, 16)
	require.NoError(t, err)
	m3, err := NewManager(3, 4, 16)
	require.NoError(t, err)

	seen := map[WriteID]bool{}
	for i := 0; i < 100; i++ {
		for _, m := range []*Manager{m0, m3} {
			id := m.Next()
			require.False(t, seen[id], "write ids collide across nodes")
			seen[id] = true
		}
	}

	// Residue identifies the issuing node.
	require.Equal(t, WriteID(0), m0.Next()%4)
	require.Equal(t, WriteID(3), m3.Next()%4)
}

func TestLocalCache(t *testing.T) {
	m, err := NewManager(0, 1, 4)
	require.NoError(t, err)

	r := region.New(0x1000, 0x1000)
	id := m.Next()

	require.False(t, m.CheckLocal(id, r))
	m.RegisterLocal(id, r)

	require.True(t, m.CheckLocal(id, r))
	require.True(t, m.CheckLocal(id, region.New(0x1400, 0x100)), "contained region hits")
	require.False(t, m.CheckLocal(id, region.New(0x1800, 0x1000)), "overhanging region misses")

	m.ForgetLocal(id)
	require.False(t, m.CheckLocal(id, r))
}

func TestCacheEviction(t *testing.T) {
	m, err := NewManager(0, 1, 2)
	require.NoError(t, err)

	a, b, c := m.Next(), m.Next(), m.Next()
	m.RegisterLocal(a, region.New(0, 10))
	m.RegisterLocal(b, region.New(10, 10))
	m.RegisterLocal(c, region.New(20, 10))

	require.False(t, m.CheckLocal(a, region.New(0, 10)), "oldest entry evicted")
	require.True(t, m.CheckLocal(c, region.New(20, 10)))
}

func TestZeroWriteID(t *testing.T) {
	m, err := NewManager(0, 1, 4)
	require.NoError(t, err)

	m.RegisterLocal(0, region.New(0, 10))
	require.False(t, m.CheckLocal(0, region.New(0, 10)))
}
