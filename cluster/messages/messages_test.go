package messages

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
)

func roundtrip(t *testing.T, m Message) Message {
	t.Helper()
	buf := Marshal(m)
	require.Equal(t, uint8(m.Kind()), buf[0], "kind is the first wire byte")

	out, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, m.Kind(), out.Kind())
	require.Equal(t, m.ID(), out.ID())
	require.Equal(t, m.Sender(), out.Sender())
	return out
}

func TestTaskNew(t *testing.T) {
	m := NewTaskNew(2, 17, "stencil_block", []AccessInfo{
		{
			Region:               region.New(0x1000, 0x800),
			Mode:                 ModeReadWrite,
			WriteID:              99,
			LocationIndex:        1,
			ReadSatisfied:        true,
			NamespacePredecessor: 13,
		},
		{
			Region:        region.New(0x2000, 0x10),
			Mode:          ModeRead,
			Weak:          true,
			LocationIndex: -1,
		},
	})
	m.SetID(cluster.MessageID(5))

	out := roundtrip(t, m).(*TaskNew)
	require.Equal(t, m.TaskID, out.TaskID)
	require.Equal(t, "stencil_block", out.Function)
	require.Equal(t, m.Accesses, out.Accesses)
	require.Equal(t, int32(-1), out.Accesses[1].LocationIndex)
}

func TestSatisfiability(t *testing.T) {
	m := NewSatisfiability(0, []SatisfiabilityItem{
		{TaskID: 3, Region: region.New(16, 16), Read: true, WriteID: 7, LocationIndex: 2},
		{TaskID: 3, Region: region.New(16, 16), Write: true, WriteID: 7, LocationIndex: -1},
	})
	m.SetID(1)

	out := roundtrip(t, m).(*Satisfiability)
	require.Equal(t, m.Items, out.Items)
}

func TestDataMessages(t *testing.T) {
	df := NewDataFetch(1, []region.Region{region.New(0, 4096), region.New(4096, 904)})
	df.SetID(2)
	outF := roundtrip(t, df).(*DataFetch)
	require.Equal(t, df.Fragments, outF.Fragments)

	ds := NewDataSend(3, 0, region.New(64, 4), 11, []byte{1, 2, 3, 4})
	ds.SetID(3)
	outS := roundtrip(t, ds).(*DataSend)
	require.Equal(t, ds.Payload, outS.Payload)
	require.Equal(t, int32(0), outS.Target)
}

func TestLifecycleMessages(t *testing.T) {
	tf := NewTaskFinish(1, 44, []ReleaseItem{{Region: region.New(0, 8), WriteID: 5, LocationIndex: 1}})
	tf.SetID(9)
	outTF := roundtrip(t, tf).(*TaskFinish)
	require.Equal(t, tf.Releases, outTF.Releases)

	roundtrip(t, NewSysFinish(0))

	dm := NewDmalloc(0, region.New(1<<20, 1<<20), 2, []uint64{4096})
	dm.SetID(10)
	outDM := roundtrip(t, dm).(*Dmalloc)
	require.Equal(t, dm.Dimensions, outDM.Dimensions)

	roundtrip(t, NewDfree(0, region.New(1<<20, 1<<20)))

	rl := NewRelease(2, 44, []ReleaseItem{{Region: region.New(8, 8)}})
	rl.SetID(11)
	outRL := roundtrip(t, rl).(*Release)
	require.Equal(t, rl.Items, outRL.Items)
}

func TestUnknownKind(t *testing.T) {
	buf := Marshal(NewSysFinish(0))
	buf[0] = 0xee
	_, err := Unmarshal(buf)
	require.Error(t, err)
}

func TestTruncated(t *testing.T) {
	buf := Marshal(NewDfree(0, region.New(0, 16)))
	_, err := Unmarshal(buf[:len(buf)-3])
	require.Error(t, err)

	_, err = Unmarshal(buf[:4])
	require.Error(t, err)
}
