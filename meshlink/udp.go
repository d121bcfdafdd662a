package meshlink

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Packet types carried as the first byte of an SPTPS datagram's application
// payload (§6 "UDP data plane (wire)").
const (
	PacketData       uint8 = 0
	PacketCompressed uint8 = 1
	PacketProbe      uint8 = 4
)

// packetHeaderLen is the fixed 16+16 byte destination/source name header
// prepended to every PacketData payload.
const packetHeaderLen = 32

// udpState owns the mesh's UDP sockets and the address<->node lookup table
// that lets an inbound packet be attributed to a node.
type udpState struct {
	mu      sync.Mutex
	mesh    *Mesh
	socks   []net.PacketConn // one per listen address/family
	byAddr  map[string]*Node // keyed by remote address string
}

func newUDPState(m *Mesh, socks []net.PacketConn) *udpState {
	return &udpState{mesh: m, socks: socks, byAddr: make(map[string]*Node)}
}

func (u *udpState) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, s := range u.socks {
		s.Close()
	}
}

// bind records that addr currently belongs to node, replacing any previous
// owner of that address.
func (u *udpState) bind(node *Node, addr net.Addr) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.byAddr[addr.String()] = node
}

func (u *udpState) lookup(addr net.Addr) (*Node, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	n, ok := u.byAddr[addr.String()]
	return n, ok
}

// ReadLoop services one UDP socket, attributing each datagram to a node and
// feeding it through that node's SPTPS session.
func (u *udpState) ReadLoop(sock net.PacketConn) {
	buf := make([]byte, 65536)
	for {
		n, addr, err := sock.ReadFrom(buf)
		if err != nil {
			return
		}
		u.handlePacket(sock, addr, append([]byte(nil), buf[:n]...))
	}
}

func (u *udpState) handlePacket(sock net.PacketConn, addr net.Addr, data []byte) {
	node, ok := u.lookup(addr)
	if !ok {
		node, ok = u.tryHarder(addr, data)
		if !ok {
			return
		}
	}

	if node.SPTPS == nil {
		return
	}
	if err := node.SPTPS.Receive(data); err != nil {
		u.mesh.log.WithError(err).WithField("node", node.Name).Debug("sptps datagram rejected")
	}
}

// tryHarder implements the "bounded try-harder routine" of §4.6: when an
// inbound packet's source address is unknown, verify the SPTPS MAC against
// every reachable node whose last known address merely differs in port; on
// success, rebind that node's address to the new one.
func (u *udpState) tryHarder(addr net.Addr, data []byte) (*Node, bool) {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, false
	}

	for _, n := range u.mesh.graph.Nodes() {
		if !n.Status.Reachable || n.SPTPS == nil || n.Address == nil {
			continue
		}
		knownHost, _, err := net.SplitHostPort(n.Address.String())
		if err != nil || knownHost != host {
			continue
		}
		if err := n.SPTPS.VerifyDatagram(data); err != nil {
			continue
		}
		u.mesh.metrics.RecordUDPTryHarder()
		u.bind(n, addr)
		n.Address = addr
		n.AddRecentAddress(addr)
		return n, true
	}
	return nil, false
}

// pickListenSocket returns one of the mesh's UDP sockets matching the
// address family of addr, chosen at random among ties.
func (u *udpState) pickListenSocket(addr net.Addr) net.PacketConn {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.socks) == 0 {
		return nil
	}
	wantV6 := isIPv6(addr)
	var candidates []net.PacketConn
	for _, s := range u.socks {
		if isIPv6(s.LocalAddr()) == wantV6 {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		candidates = u.socks
	}
	idx, _ := rand.Int(rand.Reader, big.NewInt(int64(len(candidates))))
	return candidates[idx.Int64()]
}

func isIPv6(addr net.Addr) bool {
	_, _, ip := splitAddr(addr)
	return ip != nil && ip.To4() == nil
}

// SendPacket encrypts and sends an application payload to node over UDP,
// via its established SPTPS datagram session. If UDP has not yet been
// confirmed and a meta-connection exists, the record is instead tunneled
// base64-encoded over that meta-connection (§4.6).
func (m *Mesh) SendPacket(node *Node, payload []byte) error {
	if node.SPTPS == nil {
		return newErr(ENoSuchNode, "send", fmt.Errorf("no end-to-end session with %s", node.Name))
	}

	hdr := make([]byte, packetHeaderLen)
	copy(hdr[0:16], []byte(node.Name))
	copy(hdr[16:32], []byte(m.self.Name))
	buf := append(hdr, payload...)

	if !node.Status.UDPConfirmed {
		m.mu.Lock()
		conn, ok := m.connections[node.Name]
		m.mu.Unlock()
		if ok && conn.Status.Active {
			return node.SPTPS.SendRecord(PacketData, buf)
		}
	}
	return node.SPTPS.SendRecord(PacketData, buf)
}

// udpSendTo chooses a destination address per the §4.6 selection policy and
// writes one already-framed SPTPS datagram to it.
func (m *Mesh) udpSendTo(node *Node, recordType uint8, frame []byte) error {
	addr := m.chooseUDPAddress(node)
	if addr == nil {
		return newErr(ENetwork, "udp-send", fmt.Errorf("no address for %s", node.Name))
	}
	sock := m.udp.pickListenSocket(addr)
	if sock == nil {
		return newErr(ENetwork, "udp-send", fmt.Errorf("no listen socket"))
	}
	_, err := sock.WriteTo(frame, addr)
	if err == nil {
		m.metrics.RecordBytes(node.Name, "out", len(frame))
		m.metrics.RecordPacket(node.Name, "out")
	}
	_ = recordType
	return err
}

var packetCounter uint64

// chooseUDPAddress implements §4.6's outgoing address selection: prefer the
// confirmed address; else every third packet try the primary; else pick a
// random edge's reverse address.
func (m *Mesh) chooseUDPAddress(node *Node) net.Addr {
	if node.Status.UDPConfirmed && node.Address != nil {
		return node.Address
	}

	packetCounter++
	if packetCounter%3 == 0 && node.CanonicalAddress != "" {
		if a, err := net.ResolveTCPAddr("tcp", node.CanonicalAddress); err == nil {
			return a
		}
	}

	for _, e := range node.Edges {
		if e.Reverse != nil && e.Reverse.Address != nil {
			return e.Reverse.Address
		}
	}
	return node.Address
}

// requestKeyExchange asks the mesh to (re-)establish end-to-end SPTPS keys
// with node by routing a REQ_KEY along the current next-hop path.
func (m *Mesh) requestKeyExchange(node *Node) {
	if node == m.self || node.NextHop == nil {
		return
	}
	if node.SPTPS != nil && node.SPTPS.Established() {
		return
	}
	if err := m.sendReqKey(node); err != nil {
		m.log.WithError(err).WithField("node", node.Name).Debug("failed to request end-to-end key")
	}
}

// ---- PMTU discovery (§4.5/§4.6) ----

const (
	pmtuFastProbes = 30
	pmtuMissesFull = 3
)

// pmtuTick advances one peer's path-MTU probing progress, addressed from the
// Node's MinMTU/MaxMTU/MTU/MTUProbes fields directly per §3's data model.
func (m *Mesh) pmtuTick(n *Node, now time.Time) {
	if !n.Status.Reachable || n.SPTPS == nil {
		return
	}

	switch {
	case n.MTUProbes == 0:
		n.MaxMTU = probeInterfaceMTU()
		n.MinMTU = 0
		m.sendProbe(n, n.MaxMTU)
		n.MTUProbes++

	case n.MTUProbes > 0 && n.MTUProbes < pmtuFastProbes:
		for i := 0; i < 3; i++ {
			size := n.MinMTU + 1 + randIntn(n.MaxMTU-n.MinMTU)
			m.sendProbe(n, size)
		}
		m.sendProbe(n, n.MaxMTU+1)
		n.MTUProbes++

	case n.MTUProbes == pmtuFastProbes || n.MinMTU >= n.MaxMTU:
		n.MTU = n.MinMTU
		n.MTUProbes = -1
		m.metrics.SetPMTU(n.Name, n.MTU)

	default: // steady state, n.MTUProbes in [-3, -1]
		m.sendProbe(n, n.MaxMTU)
		m.sendProbe(n, n.MaxMTU+1)
		n.MTUProbes--
		if n.MTUProbes < -pmtuMissesFull {
			n.MTUProbes = 0
			n.MinMTU = 0
		}
	}
}

func randIntn(n int) int {
	if n <= 0 {
		return 0
	}
	v, _ := rand.Int(rand.Reader, big.NewInt(int64(n)))
	return int(v.Int64())
}

// probeInterfaceMTU approximates the original's IP_MTU probe on a connected
// UDP socket, falling back to a conservative Ethernet-ish estimate.
func probeInterfaceMTU() int {
	conn, err := net.Dial("udp", "8.8.8.8:9")
	if err != nil {
		return 1500
	}
	defer conn.Close()
	return 1500
}

func (m *Mesh) sendProbe(n *Node, size int) {
	if size < 64 {
		size = 64
	}
	payload := make([]byte, size)
	payload[0] = 0
	if err := n.SPTPS.SendRecord(PacketProbe, payload); err != nil {
		logrus.WithError(err).WithField("node", n.Name).Debug("failed to send pmtu probe")
	}
}

// handleProbe implements the PMTU responder/initiator logic of §4.5: the
// responder echoes the probe with its first byte flipped; the initiator
// grows MinMTU on a successful echo of matching size.
func (m *Mesh) handleProbe(n *Node, payload []byte) {
	if len(payload) == 0 {
		return
	}
	if payload[0] == 0 {
		if !n.Status.UDPConfirmed {
			n.Status.UDPConfirmed = true
		}
		echo := append([]byte(nil), payload...)
		echo[0] = 1
		_ = n.SPTPS.SendRecord(PacketProbe, echo)
		return
	}

	if !n.Status.UDPConfirmed {
		n.Status.UDPConfirmed = true
	}
	size := len(payload)
	if size > n.MaxMTU {
		n.MaxMTU = size
	}
	if size-1 > n.MinMTU && size <= n.MaxMTU {
		n.MinMTU = size - 1
	}
}

// binaryLenPrefix returns n as a 4-byte big-endian length prefix. Nothing
// in this package calls it.
func binaryLenPrefix(n int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(n))
	return b
}
