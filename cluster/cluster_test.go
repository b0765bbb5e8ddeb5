package cluster

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(1, 0, 4)
	require.NoError(t, err)

	require.Equal(t, 4, r.Size())
	require.True(t, r.InClusterMode())
	require.False(t, r.IsMaster())
	require.True(t, r.MasterNode().IsMaster())
	require.Equal(t, 1, r.ThisNode().Index)

	n, err := r.Node(3)
	require.NoError(t, err)
	require.Equal(t, 3, n.Index)

	_, err = r.Node(4)
	require.Error(t, err)

	_, err = NewRegistry(4, 0, 4)
	require.Error(t, err)
}

func TestSingleNodeRegistry(t *testing.T) {
	r := NewSingleNodeRegistry()
	require.False(t, r.InClusterMode())
	require.True(t, r.IsMaster())
	require.Same(t, r.ThisNode(), r.MasterNode())
}

func TestIDPartitioning(t *testing.T) {
	m0 := NewIDManager(0, 3)
	m2 := NewIDManager(2, 3)

	seen := map[MessageID]bool{}
	for i := 0; i < 1000; i++ {
		for _, m := range []*IDManager{m0, m2} {
			id := m.NextMessageID()
			require.False(t, seen[id])
			seen[id] = true
		}
	}
}

func TestIDConcurrency(t *testing.T) {
	m := NewIDManager(0, 1)

	var wg sync.WaitGroup
	out := make(chan OffloadedTaskID, 8*100)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				out <- m.NextOffloadedTaskID()
			}
		}()
	}
	wg.Wait()
	close(out)

	seen := map[OffloadedTaskID]bool{}
	for id := range out {
		require.False(t, seen[id])
		seen[id] = true
	}
	require.Len(t, seen, 800)
}
