// Package messages defines the typed messages exchanged between
// cluster nodes and their wire codec.
//
// Every message begins with a one-byte kind discriminator, a 64-bit
// message id and a 32-bit sender index; the payload follows in the field order fixed here, in the
// native endianness of the cluster (heterogeneous clusters are out of
// scope).
package messages

import (
	"fmt"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
)

type Kind uint8

const (
	KindTaskNew Kind = iota + 1
	KindSatisfiability
	KindDataFetch
	KindDataSend
	KindTaskFinish
	KindSysFinish
	KindDmalloc
	KindDfree
	KindRelease
)

func (k Kind) String() string {
	switch k {
	case KindTaskNew:
		return "TaskNew"
	case KindSatisfiability:
		return "Satisfiability"
	case KindDataFetch:
		return "DataFetch"
	case KindDataSend:
		return "DataSend"
	case KindTaskFinish:
		return "TaskFinish"
	case KindSysFinish:
		return "SysFinish"
	case KindDmalloc:
		return "Dmalloc"
	case KindDfree:
		return "Dfree"
	case KindRelease:
		return "Release"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is one typed unit on the wire.
type Message interface {
	Kind() Kind
	ID() cluster.MessageID
	SetID(cluster.MessageID)
	// Sender is the runtime index of the issuing node.
	Sender() int

	encodePayload(w *writer)
	decodePayload(r *reader)
}

type header struct {
	id     cluster.MessageID
	sender int32
}

func (h *header) ID() cluster.MessageID      { return h.id }
func (h *header) SetID(id cluster.MessageID) { h.id = id }
func (h *header) Sender() int                { return int(h.sender) }
func (h *header) SetSender(nodeIndex int)    { h.sender = int32(nodeIndex) }

// AccessMode mirrors the declared dependency modes of a task access.
type AccessMode uint8

const (
	ModeRead AccessMode = iota
	ModeWrite
	ModeReadWrite
)

// AccessInfo carries one declared access of an offloaded task.
type AccessInfo struct {
	Region               region.Region
	Mode                 AccessMode
	Weak                 bool
	WriteID              uint64
	LocationIndex        int32 // -1 when unknown
	ReadSatisfied        bool
	WriteSatisfied       bool
	NamespacePredecessor uint64 // 0 when none
}

// TaskNew offloads a task with its accesses to the receiver. Function
// names the task implementation in the receiver's registered-function
// table; the cluster runs one binary, so names resolve identically on
// every node.
type TaskNew struct {
	header
	TaskID   cluster.OffloadedTaskID
	Function string
	Accesses []AccessInfo
}

func NewTaskNew(sender int, taskID cluster.OffloadedTaskID, function string, accesses []AccessInfo) *TaskNew {
	m := &TaskNew{TaskID: taskID, Function: function, Accesses: accesses}
	m.SetSender(sender)
	return m
}

func (m *TaskNew) Kind() Kind { return KindTaskNew }

// SatisfiabilityItem reports that a region of a remote task became
// read and/or write satisfied at a location with a write id.
type SatisfiabilityItem struct {
	TaskID        cluster.OffloadedTaskID
	Region        region.Region
	Read          bool
	Write         bool
	WriteID       uint64
	LocationIndex int32
}

// Satisfiability batches satisfiability updates to one destination.
// Items for a given (task, region) are delivered in issue order.
type Satisfiability struct {
	header
	Items []SatisfiabilityItem
}

func NewSatisfiability(sender int, items []SatisfiabilityItem) *Satisfiability {
	m := &Satisfiability{Items: items}
	m.SetSender(sender)
	return m
}

func (m *Satisfiability) Kind() Kind { return KindSatisfiability }

// DataFetch asks the receiver to push the listed fragments back to the
// sender. The fragments of several copy steps may share one message.
type DataFetch struct {
	header
	Fragments []region.Region
}

func NewDataFetch(sender int, fragments []region.Region) *DataFetch {
	m := &DataFetch{Fragments: fragments}
	m.SetSender(sender)
	return m
}

func (m *DataFetch) Kind() Kind { return KindDataFetch }

// DataSend pushes the content of one region to the receiver.
type DataSend struct {
	header
	Target  int32
	Region  region.Region
	WriteID uint64
	Payload []byte
}

func NewDataSend(sender, target int, r region.Region, writeID uint64, payload []byte) *DataSend {
	m := &DataSend{Target: int32(target), Region: r, WriteID: writeID, Payload: payload}
	m.SetSender(sender)
	return m
}

func (m *DataSend) Kind() Kind { return KindDataSend }

// ReleaseItem is one access region released by a remote task.
type ReleaseItem struct {
	Region        region.Region
	WriteID       uint64
	LocationIndex int32
}

// TaskFinish reports remote completion of an offloaded task, together
// with any delayed-release accesses merged into it.
type TaskFinish struct {
	header
	TaskID   cluster.OffloadedTaskID
	Releases []ReleaseItem
}

func NewTaskFinish(sender int, taskID cluster.OffloadedTaskID, releases []ReleaseItem) *TaskFinish {
	m := &TaskFinish{TaskID: taskID, Releases: releases}
	m.SetSender(sender)
	return m
}

func (m *TaskFinish) Kind() Kind { return KindTaskFinish }

// SysFinish tells a slave to begin its orderly shutdown.
type SysFinish struct {
	header
}

func NewSysFinish(sender int) *SysFinish {
	m := &SysFinish{}
	m.SetSender(sender)
	return m
}

func (m *SysFinish) Kind() Kind { return KindSysFinish }

// Dmalloc announces a cluster-wide distributed allocation.
type Dmalloc struct {
	header
	Region     region.Region
	Policy     uint8
	Dimensions []uint64
}

func NewDmalloc(sender int, r region.Region, policy uint8, dims []uint64) *Dmalloc {
	m := &Dmalloc{Region: r, Policy: policy, Dimensions: dims}
	m.SetSender(sender)
	return m
}

func (m *Dmalloc) Kind() Kind { return KindDmalloc }

// Dfree announces a cluster-wide distributed free.
type Dfree struct {
	header
	Region region.Region
}

func NewDfree(sender int, r region.Region) *Dfree {
	m := &Dfree{Region: r}
	m.SetSender(sender)
	return m
}

func (m *Dfree) Kind() Kind { return KindDfree }

// Release propagates a late release of access regions of an offloaded
// task, when it is not merged into TaskFinish.
type Release struct {
	header
	TaskID cluster.OffloadedTaskID
	Items  []ReleaseItem
}

func NewRelease(sender int, taskID cluster.OffloadedTaskID, items []ReleaseItem) *Release {
	m := &Release{TaskID: taskID, Items: items}
	m.SetSender(sender)
	return m
}

func (m *Release) Kind() Kind { return KindRelease }

func newByKind(k Kind) (Message, error) {
	switch k {
	case KindTaskNew:
		return &TaskNew{}, nil
	case KindSatisfiability:
		return &Satisfiability{}, nil
	case KindDataFetch:
		return &DataFetch{}, nil
	case KindDataSend:
		return &DataSend{}, nil
	case KindTaskFinish:
		return &TaskFinish{}, nil
	case KindSysFinish:
		return &SysFinish{}, nil
	case KindDmalloc:
		return &Dmalloc{}, nil
	case KindDfree:
		return &Dfree{}, nil
	case KindRelease:
		return &Release{}, nil
	default:
		return nil, fmt.Errorf("unknown message kind %d", uint8(k))
	}
}
