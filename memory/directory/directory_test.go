package directory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/hardware"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
)

func TestEqualPartition(t *testing.T) {
	d := New()

	r := region.New(0, 1<<20)
	e, err := d.RegisterAllocation(r, EqualPolicy, nil, 0, 2)
	require.NoError(t, err)
	require.Len(t, e.Partition(), 2)
	require.Equal(t, uint64(512<<10), e.Partition()[0].Region.Size())
	require.Equal(t, 0, e.Partition()[0].HomeNode)
	require.Equal(t, 1, e.Partition()[1].HomeNode)

	// A query spanning the split returns both halves clipped.
	parts, err := d.Find(region.New(256<<10, 512<<10))
	require.NoError(t, err)
	require.Len(t, parts, 2)
	require.Equal(t, uint64(256<<10), parts[0].Region.Size())
	require.Equal(t, uint64(256<<10), parts[1].Region.Size())
}

func TestEqualPartitionRemainder(t *testing.T) {
	d := New()

	e, err := d.RegisterAllocation(region.New(0, 10), EqualPolicy, nil, 0, 3)
	require.NoError(t, err)

	var total uint64
	for _, hm := range e.Partition() {
		total += hm.Region.Size()
	}
	require.Equal(t, uint64(10), total, "partition covers the allocation exactly")
	require.Equal(t, uint64(4), e.Partition()[0].Region.Size())
}

func TestLocalAndCyclic(t *testing.T) {
	d := New()

	e, err := d.RegisterAllocation(region.New(0, 100), LocalPolicy, nil, 2, 4)
	require.NoError(t, err)
	require.Len(t, e.Partition(), 1)
	require.Equal(t, 2, e.Partition()[0].HomeNode)

	e, err = d.RegisterAllocation(region.New(1000, 100), CyclicPolicy, []uint64{30}, 0, 2)
	require.NoError(t, err)
	require.Len(t, e.Partition(), 4)
	require.Equal(t, []int{0, 1, 0, 1}, []int{
		e.Partition()[0].HomeNode, e.Partition()[1].HomeNode,
		e.Partition()[2].HomeNode, e.Partition()[3].HomeNode,
	})
	require.Equal(t, uint64(10), e.Partition()[3].Region.Size())
}

func TestOverlapAndUnknownFree(t *testing.T) {
	d := New()

	_, err := d.RegisterAllocation(region.New(0, 100), EqualPolicy, nil, 0, 1)
	require.NoError(t, err)

	_, err = d.RegisterAllocation(region.New(50, 100), EqualPolicy, nil, 0, 1)
	require.Error(t, err)

	require.Error(t, d.UnregisterAllocation(region.New(0, 50)))
	require.NoError(t, d.UnregisterAllocation(region.New(0, 100)))

	_, err = d.Find(region.New(0, 10))
	require.Error(t, err)
}

func TestLocationTracking(t *testing.T) {
	d := New()

	r := region.New(0, 100)
	_, err := d.RegisterAllocation(r, EqualPolicy, nil, 0, 2)
	require.NoError(t, err)

	require.True(t, d.QueryLocation(r).IsDirectory())

	n1 := hardware.GetMemoryPlace(hardware.ClusterDevice, 1)
	d.UpdateLocation(r, n1)
	require.Same(t, n1, d.QueryLocation(region.New(10, 10)))

	// A newer overlapping record supersedes the middle of the old one.
	n0 := hardware.GetMemoryPlace(hardware.ClusterDevice, 0)
	d.UpdateLocation(region.New(40, 20), n0)
	require.Same(t, n0, d.QueryLocation(region.New(40, 20)))
	require.Same(t, n1, d.QueryLocation(region.New(0, 40)))
	require.Same(t, n1, d.QueryLocation(region.New(60, 40)))
}
