package messenger

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster/messages"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
)

func idParams(n int) []Params {
	out := make([]Params, n)
	for i := range out {
		ids := cluster.NewIDManager(i, n)
		out[i] = Params{NextID: ids.NextMessageID}
	}
	return out
}

func receiveOne(t *testing.T, m Messenger) messages.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if msg, ok := m.Receive(); ok {
			return msg
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no message within deadline")
	return nil
}

func TestUnknownBackend(t *testing.T) {
	_, err := New("mpi", Params{NextID: cluster.NewIDManager(0, 1).NextMessageID})
	require.Error(t, err)
}

func TestLoopbackSendReceive(t *testing.T) {
	group, err := NewLoopbackGroup(2, 0, idParams(2))
	require.NoError(t, err)

	sent := messages.NewDataFetch(0, []region.Region{region.New(0, 64)})
	require.NoError(t, group[0].Send(sent, 1, false))

	got := receiveOne(t, group[1]).(*messages.DataFetch)
	require.Equal(t, sent.Fragments, got.Fragments)
	require.Equal(t, 0, got.Sender())
	require.NotZero(t, got.ID(), "send assigns a message id")

	_, ok := group[0].Receive()
	require.False(t, ok)

	require.Error(t, group[0].Send(sent, 0, false), "self-send is refused")
}

func TestLoopbackOrdering(t *testing.T) {
	group, err := NewLoopbackGroup(2, 0, idParams(2))
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		m := messages.NewDataSend(0, 1, region.New(uint64(i), 1), uint64(i), []byte{byte(i)})
		require.NoError(t, group[0].Send(m, 1, false))
	}
	for i := 0; i < 100; i++ {
		got := receiveOne(t, group[1]).(*messages.DataSend)
		require.Equal(t, uint64(i), got.WriteID, "per-pair order preserved")
	}
}

func TestLoopbackBarrier(t *testing.T) {
	const n = 4
	group, err := NewLoopbackGroup(n, 0, idParams(n))
	require.NoError(t, err)

	var phase sync.Map
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			phase.Store(i, 1)
			require.NoError(t, group[i].SynchronizeAll())
			// After the barrier every node must have stored its phase.
			for j := 0; j < n; j++ {
				_, ok := phase.Load(j)
				require.True(t, ok)
			}
		}()
	}
	wg.Wait()
}

func reserveAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addrs[i] = l.Addr().String()
		require.NoError(t, l.Close())
	}
	return addrs
}

func TestTCPSendReceive(t *testing.T) {
	addrs := reserveAddrs(t, 2)
	params := idParams(2)
	for i := range params {
		params[i].NodeIndex = i
		params[i].MasterIndex = 0
		params[i].Peers = addrs
	}

	m0, err := New("tcp", params[0])
	require.NoError(t, err)
	m1, err := New("tcp", params[1])
	require.NoError(t, err)
	defer func() {
		require.NoError(t, m0.Shutdown())
		require.NoError(t, m1.Shutdown())
	}()

	require.Equal(t, 2, m0.ClusterSize())

	sent := messages.NewDataSend(0, 1, region.New(0x40, 4), 9, []byte{9, 8, 7, 6})
	require.NoError(t, m0.Send(sent, 1, true))

	got := receiveOne(t, m1).(*messages.DataSend)
	require.Equal(t, sent.Payload, got.Payload)
	require.Equal(t, 0, got.Sender())

	// Reply over the same (reused) connection.
	require.NoError(t, m1.Send(messages.NewSysFinish(1), 0, false))
	require.Equal(t, messages.KindSysFinish, receiveOne(t, m0).Kind())
}

func TestTCPBarrier(t *testing.T) {
	addrs := reserveAddrs(t, 3)
	params := idParams(3)
	group := make([]Messenger, 3)
	for i := range params {
		params[i].NodeIndex = i
		params[i].MasterIndex = 0
		params[i].Peers = addrs

		m, err := New("tcp", params[i])
		require.NoError(t, err)
		group[i] = m
	}
	defer func() {
		for _, m := range group {
			require.NoError(t, m.Shutdown())
		}
	}()

	var wg sync.WaitGroup
	for _, m := range group {
		m := m
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, m.SynchronizeAll())
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("barrier did not complete")
	}
}
