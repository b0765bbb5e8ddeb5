package messages

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
)

var nativeOrder = binary.NativeEndian

// Marshal serializes a message: kind byte, 64-bit message id, sender
// index, then the kind-specific payload.
func Marshal(m Message) []byte {
	w := &writer{}
	w.u8(uint8(m.Kind()))
	w.u64(uint64(m.ID()))
	w.i32(int32(m.Sender()))
	m.encodePayload(w)
	return w.buf
}

// Unmarshal rebuilds a message from one wire frame. An unknown kind or
// a truncated payload is a protocol violation.
func Unmarshal(buf []byte) (Message, error) {
	r := &reader{buf: buf}

	kind := Kind(r.u8())
	id := r.u64()
	sender := r.i32()
	if r.err != nil {
		return nil, xerrors.Errorf("truncated message header: %w", r.err)
	}

	m, err := newByKind(kind)
	if err != nil {
		return nil, err
	}
	m.SetID(cluster.MessageID(id))

	m.decodePayload(r)
	if r.err != nil {
		return nil, xerrors.Errorf("decoding %s payload: %w", kind, r.err)
	}
	if len(r.buf) != r.off {
		return nil, xerrors.Errorf("%d trailing bytes after %s payload", len(r.buf)-r.off, kind)
	}

	m.(interface{ SetSender(int) }).SetSender(int(sender))

	return m, nil
}

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) i32(v int32) {
	w.buf = nativeOrder.AppendUint32(w.buf, uint32(v))
}

func (w *writer) u64(v uint64) {
	w.buf = nativeOrder.AppendUint64(w.buf, v)
}

func (w *writer) region(r region.Region) {
	w.u64(r.Start)
	w.u64(r.End)
}

func (w *writer) bytes(b []byte) {
	w.u64(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = xerrors.Errorf("need %d bytes at offset %d, have %d", n, r.off, len(r.buf)-r.off)
		return nil
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) bool() bool {
	return r.u8() != 0
}

func (r *reader) i32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(nativeOrder.Uint32(b))
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return nativeOrder.Uint64(b)
}

func (r *reader) region() region.Region {
	start := r.u64()
	end := r.u64()
	return region.Region{Start: start, End: end}
}

func (r *reader) bytes() []byte {
	n := r.u64()
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.buf)-r.off) {
		r.err = xerrors.Errorf("byte slice length %d exceeds remaining payload", n)
		return nil
	}
	b := r.take(int(n))
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (w *writer) access(a AccessInfo) {
	w.region(a.Region)
	w.u8(uint8(a.Mode))
	w.bool(a.Weak)
	w.u64(a.WriteID)
	w.i32(a.LocationIndex)
	w.bool(a.ReadSatisfied)
	w.bool(a.WriteSatisfied)
	w.u64(a.NamespacePredecessor)
}

func (r *reader) access() AccessInfo {
	return AccessInfo{
		Region:               r.region(),
		Mode:                 AccessMode(r.u8()),
		Weak:                 r.bool(),
		WriteID:              r.u64(),
		LocationIndex:        r.i32(),
		ReadSatisfied:        r.bool(),
		WriteSatisfied:       r.bool(),
		NamespacePredecessor: r.u64(),
	}
}

func (m *TaskNew) encodePayload(w *writer) {
	w.u64(uint64(m.TaskID))
	w.bytes([]byte(m.Function))
	w.u64(uint64(len(m.Accesses)))
	for _, a := range m.Accesses {
		w.access(a)
	}
}

func (m *TaskNew) decodePayload(r *reader) {
	m.TaskID = cluster.OffloadedTaskID(r.u64())
	m.Function = string(r.bytes())
	n := r.u64()
	for i := uint64(0); i < n && r.err == nil; i++ {
		m.Accesses = append(m.Accesses, r.access())
	}
}

func (m *Satisfiability) encodePayload(w *writer) {
	w.u64(uint64(len(m.Items)))
	for _, it := range m.Items {
		w.u64(uint64(it.TaskID))
		w.region(it.Region)
		w.bool(it.Read)
		w.bool(it.Write)
		w.u64(it.WriteID)
		w.i32(it.LocationIndex)
	}
}

func (m *Satisfiability) decodePayload(r *reader) {
	n := r.u64()
	for i := uint64(0); i < n && r.err == nil; i++ {
		m.Items = append(m.Items, SatisfiabilityItem{
			TaskID:        cluster.OffloadedTaskID(r.u64()),
			Region:        r.region(),
			Read:          r.bool(),
			Write:         r.bool(),
			WriteID:       r.u64(),
			LocationIndex: r.i32(),
		})
	}
}

func (m *DataFetch) encodePayload(w *writer) {
	w.u64(uint64(len(m.Fragments)))
	for _, f := range m.Fragments {
		w.region(f)
	}
}

func (m *DataFetch) decodePayload(r *reader) {
	n := r.u64()
	for i := uint64(0); i < n && r.err == nil; i++ {
		m.Fragments = append(m.Fragments, r.region())
	}
}

func (m *DataSend) encodePayload(w *writer) {
	w.i32(m.Target)
	w.region(m.Region)
	w.u64(m.WriteID)
	w.bytes(m.Payload)
}

func (m *DataSend) decodePayload(r *reader) {
	m.Target = r.i32()
	m.Region = r.region()
	m.WriteID = r.u64()
	m.Payload = r.bytes()
}

func (w *writer) releaseItem(it ReleaseItem) {
	w.region(it.Region)
	w.u64(it.WriteID)
	w.i32(it.LocationIndex)
}

func (r *reader) releaseItem() ReleaseItem {
	return ReleaseItem{
		Region:        r.region(),
		WriteID:       r.u64(),
		LocationIndex: r.i32(),
	}
}

func (m *TaskFinish) encodePayload(w *writer) {
	w.u64(uint64(m.TaskID))
	w.u64(uint64(len(m.Releases)))
	for _, it := range m.Releases {
		w.releaseItem(it)
	}
}

func (m *TaskFinish) decodePayload(r *reader) {
	m.TaskID = cluster.OffloadedTaskID(r.u64())
	n := r.u64()
	for i := uint64(0); i < n && r.err == nil; i++ {
		m.Releases = append(m.Releases, r.releaseItem())
	}
}

func (m *SysFinish) encodePayload(*writer) {}

func (m *SysFinish) decodePayload(*reader) {}

func (m *Dmalloc) encodePayload(w *writer) {
	w.region(m.Region)
	w.u8(m.Policy)
	w.u64(uint64(len(m.Dimensions)))
	for _, d := range m.Dimensions {
		w.u64(d)
	}
}

func (m *Dmalloc) decodePayload(r *reader) {
	m.Region = r.region()
	m.Policy = r.u8()
	n := r.u64()
	for i := uint64(0); i < n && r.err == nil; i++ {
		m.Dimensions = append(m.Dimensions, r.u64())
	}
}

func (m *Dfree) encodePayload(w *writer) {
	w.region(m.Region)
}

func (m *Dfree) decodePayload(r *reader) {
	m.Region = r.region()
}

func (m *Release) encodePayload(w *writer) {
	w.u64(uint64(m.TaskID))
	w.u64(uint64(len(m.Items)))
	for _, it := range m.Items {
		w.releaseItem(it)
	}
}

func (m *Release) decodePayload(r *reader) {
	m.TaskID = cluster.OffloadedTaskID(r.u64())
	n := r.u64()
	for i := uint64(0); i < n && r.err == nil; i++ {
		m.Items = append(m.Items, r.releaseItem())
	}
}
