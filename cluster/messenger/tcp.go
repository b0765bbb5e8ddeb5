package messenger

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-msgio"
	"golang.org/x/xerrors"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster/messages"
)

func init() {
	Register("tcp", newTCPMessenger)
}

// Control frame tags used inside the transport; they never surface as
// typed messages.
const (
	ctlBarrierArrive  = 0xc8
	ctlBarrierRelease = 0xc9
)

// tcpMessenger is the reference transport: a full mesh of TCP
// connections carrying length-prefixed frames. One writer goroutine
// per peer keeps per-destination ordering.
type tcpMessenger struct {
	params Params

	listener net.Listener

	connsLk sync.Mutex
	conns   map[int]*peerConn

	inbox chan messages.Message

	barrierArrive  chan int
	barrierRelease chan struct{}

	closing chan struct{}
	wg      sync.WaitGroup
}

type outFrame struct {
	buf  []byte
	done chan error
}

type peerConn struct {
	raw net.Conn
	rw  msgio.ReadWriteCloser
	out chan outFrame
}

func newTCPMessenger(p Params) (Messenger, error) {
	if p.NodeIndex < 0 || p.NodeIndex >= len(p.Peers) {
		return nil, xerrors.Errorf("node index %d not covered by %d peer addresses", p.NodeIndex, len(p.Peers))
	}

	l, err := net.Listen("tcp", p.Peers[p.NodeIndex])
	if err != nil {
		return nil, xerrors.Errorf("listening on %s: %w", p.Peers[p.NodeIndex], err)
	}

	m := &tcpMessenger{
		params:         p,
		listener:       l,
		conns:          map[int]*peerConn{},
		inbox:          make(chan messages.Message, 1024),
		barrierArrive:  make(chan int, len(p.Peers)),
		barrierRelease: make(chan struct{}, 1),
		closing:        make(chan struct{}),
	}

	m.wg.Add(1)
	go m.acceptLoop()

	return m, nil
}

func (m *tcpMessenger) NodeIndex() int   { return m.params.NodeIndex }
func (m *tcpMessenger) MasterIndex() int { return m.params.MasterIndex }
func (m *tcpMessenger) ClusterSize() int { return m.params.clusterSize() }

func (m *tcpMessenger) acceptLoop() {
	defer m.wg.Done()

	for {
		raw, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.closing:
				return
			default:
			}
			log.Warnw("accept failed", "error", err)
			return
		}

		rw := msgio.NewReadWriter(raw)

		// The dialer leads with a handshake frame: its node index and
		// a connection token.
		hs, err := rw.ReadMsg()
		if err != nil || len(hs) < 4+16 {
			log.Warnw("bad handshake", "error", err)
			_ = raw.Close()
			continue
		}
		peer := int(int32(binary.NativeEndian.Uint32(hs[:4])))
		token, _ := uuid.FromBytes(hs[4 : 4+16])
		rw.ReleaseMsg(hs)

		log.Debugw("peer connected", "peer", peer, "token", token.String())

		pc := m.registerConn(peer, raw, rw)
		if pc != nil {
			m.wg.Add(1)
			go m.readLoop(peer, pc)
		}
	}
}

func (m *tcpMessenger) registerConn(peer int, raw net.Conn, rw msgio.ReadWriteCloser) *peerConn {
	m.connsLk.Lock()
	defer m.connsLk.Unlock()

	if _, dup := m.conns[peer]; dup {
		// Simultaneous connect: keep the established one.
		_ = raw.Close()
		return nil
	}

	pc := &peerConn{raw: raw, rw: rw, out: make(chan outFrame, 256)}
	m.conns[peer] = pc

	m.wg.Add(1)
	go m.writeLoop(pc)
	return pc
}

func (m *tcpMessenger) connTo(peer int) (*peerConn, error) {
	m.connsLk.Lock()
	pc, ok := m.conns[peer]
	m.connsLk.Unlock()
	if ok {
		return pc, nil
	}

	raw, err := net.DialTimeout("tcp", m.params.Peers[peer], 30*time.Second)
	if err != nil {
		return nil, xerrors.Errorf("dialing node %d at %s: %w", peer, m.params.Peers[peer], err)
	}
	rw := msgio.NewReadWriter(raw)

	token := uuid.New()
	hs := make([]byte, 4+16)
	binary.NativeEndian.PutUint32(hs[:4], uint32(int32(m.params.NodeIndex)))
	copy(hs[4:], token[:])
	if err := rw.WriteMsg(hs); err != nil {
		_ = raw.Close()
		return nil, xerrors.Errorf("handshake with node %d: %w", peer, err)
	}

	pc = m.registerConn(peer, raw, rw)
	if pc == nil {
		// Lost the simultaneous-connect race; the registered conn wins.
		return m.connTo(peer)
	}

	m.wg.Add(1)
	go m.readLoop(peer, pc)
	return pc, nil
}

func (m *tcpMessenger) readLoop(peer int, pc *peerConn) {
	defer m.wg.Done()

	for {
		buf, err := pc.rw.ReadMsg()
		if err != nil {
			if err != io.EOF {
				select {
				case <-m.closing:
				default:
					log.Warnw("read from peer failed", "peer", peer, "error", err)
				}
			}
			return
		}

		if len(buf) == 1 {
			switch buf[0] {
			case ctlBarrierArrive:
				m.barrierArrive <- peer
			case ctlBarrierRelease:
				m.barrierRelease <- struct{}{}
			default:
				log.Errorw("unknown control frame", "peer", peer, "tag", buf[0])
			}
			pc.rw.ReleaseMsg(buf)
			continue
		}

		msg, err := messages.Unmarshal(buf)
		pc.rw.ReleaseMsg(buf)
		if err != nil {
			// A malformed frame is a protocol violation, not a
			// transient condition.
			log.Fatalw("protocol violation from peer", "peer", peer, "error", err)
		}
		m.inbox <- msg
	}
}

func (m *tcpMessenger) writeLoop(pc *peerConn) {
	defer m.wg.Done()

	for {
		select {
		case f := <-pc.out:
			err := pc.rw.WriteMsg(f.buf)
			if f.done != nil {
				f.done <- err
			} else if err != nil {
				log.Warnw("async send failed", "error", err)
			}
		case <-m.closing:
			return
		}
	}
}

func (m *tcpMessenger) enqueue(peer int, buf []byte, blocking bool) error {
	pc, err := m.connTo(peer)
	if err != nil {
		return err
	}

	f := outFrame{buf: buf}
	if blocking {
		f.done = make(chan error, 1)
	}

	select {
	case pc.out <- f:
	case <-m.closing:
		return xerrors.New("messenger closing")
	}

	if !blocking {
		return nil
	}
	select {
	case err := <-f.done:
		return err
	case <-m.closing:
		return xerrors.New("messenger closing")
	}
}

func (m *tcpMessenger) Send(msg messages.Message, dest int, blocking bool) error {
	if dest == m.params.NodeIndex {
		return xerrors.New("refusing to send a message to this node")
	}
	if msg.ID() == 0 {
		msg.SetID(m.params.NextID())
	}
	return m.enqueue(dest, messages.Marshal(msg), blocking)
}

func (m *tcpMessenger) Receive() (messages.Message, bool) {
	select {
	case msg := <-m.inbox:
		return msg, true
	default:
		return nil, false
	}
}

// SynchronizeAll runs a master-collected barrier: slaves announce
// arrival and wait for the release; the master releases everyone once
// all arrivals are in.
func (m *tcpMessenger) SynchronizeAll() error {
	size := m.ClusterSize()
	if size == 1 {
		return nil
	}

	if m.params.NodeIndex == m.params.MasterIndex {
		seen := map[int]bool{}
		for len(seen) < size-1 {
			select {
			case peer := <-m.barrierArrive:
				seen[peer] = true
			case <-m.closing:
				return xerrors.New("messenger closing")
			}
		}
		for peer := range seen {
			if err := m.enqueue(peer, []byte{ctlBarrierRelease}, true); err != nil {
				return xerrors.Errorf("releasing barrier to node %d: %w", peer, err)
			}
		}
		return nil
	}

	if err := m.enqueue(m.params.MasterIndex, []byte{ctlBarrierArrive}, true); err != nil {
		return xerrors.Errorf("announcing barrier arrival: %w", err)
	}
	select {
	case <-m.barrierRelease:
		return nil
	case <-m.closing:
		return xerrors.New("messenger closing")
	}
}

func (m *tcpMessenger) Shutdown() error {
	close(m.closing)
	err := m.listener.Close()

	m.connsLk.Lock()
	for _, pc := range m.conns {
		_ = pc.raw.Close()
	}
	m.connsLk.Unlock()

	m.wg.Wait()
	if err != nil {
		return xerrors.Errorf("closing listener: %w", err)
	}
	return nil
}
