package meshlink

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/meshlink/meshlink/internal/cryptoprim"
	"github.com/meshlink/meshlink/internal/sptps"
)

// Request numbers of the text meta-protocol (§4.2).
const (
	ReqID = 0
	ReqACK = 4
	ReqStatus = 5
	ReqError = 6
	ReqTermReq = 7
	ReqPing = 8
	ReqPong = 9
	ReqAddEdge = 12
	ReqDelEdge = 13
	ReqKeyChanged = 14
	ReqReqKey = 15
	ReqAnsKey = 16
	ReqPacket = 17
)

// MaxString is the maximum length of any single string field in a
// meta-protocol request (§4.2).
const MaxString = 2049

// MaxRequestLen bounds a full request line to roughly MTU+overhead.
const MaxRequestLen = 4096

// metaRecordType is the SPTPS application record type carrying one
// meta-protocol request line once a meta-connection's session is
// established; the meta-protocol has no sub-types of its own to distinguish,
// so it always uses type 0.
const metaRecordType uint8 = 0

// metaReadBuf is the chunk size serveConnection reads raw SPTPS bytes into
// once a connection's session has taken over framing.
const metaReadBuf = 4096

// maxConnectionBurst bounds inbound TCP accepts to 100/second, tarpitting
// (briefly holding open, then dropping) anything over the limit rather than
// rejecting it instantly, per the original's accept-time flood control.
const maxConnectionBurst = 100

// tarpitDelay is how long an over-the-burst-limit connection is held open
// before being dropped.
const tarpitDelay = 500 * time.Millisecond

// openListeners binds one TCP and one UDP socket per configured listen
// address, recording the resulting local port on self.
func (m *Mesh) openListeners() error {
	addrs := m.listenAddrs()
	var udpSocks []net.PacketConn

	for _, a := range addrs {
		tl, err := net.Listen("tcp", a)
		if err != nil {
			return fmt.Errorf("listen tcp %s: %w", a, err)
		}
		m.listenTCP = append(m.listenTCP, tl)

		ul, err := net.ListenPacket("udp", tl.Addr().String())
		if err != nil {
			tl.Close()
			return fmt.Errorf("listen udp %s: %w", a, err)
		}
		udpSocks = append(udpSocks, ul)

		go m.acceptLoop(tl)
	}

	m.udp = newUDPState(m, udpSocks)
	for _, s := range udpSocks {
		go m.udp.ReadLoop(s)
	}

	if len(m.listenTCP) > 0 {
		if _, portStr, err := net.SplitHostPort(m.listenTCP[0].Addr().String()); err == nil {
			if port, err := strconv.Atoi(portStr); err == nil {
				if m.nat != nil {
					_ = m.nat.MapTCP(uint16(port))
					_ = m.nat.MapUDP(uint16(port))
				}
			}
		}
	}

	return nil
}

// listenAddrs returns the configured bind addresses, defaulting to an
// ephemeral loopback port when none were requested explicitly.
func (m *Mesh) listenAddrs() []string {
	if m.self.CanonicalAddress != "" {
		return []string{m.self.CanonicalAddress}
	}
	return []string{"127.0.0.1:0"}
}

func (m *Mesh) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		if err := m.firewall.CheckAddr(conn.RemoteAddr()); err != nil {
			conn.Close()
			continue
		}
		if !m.connBurst.Allow() {
			m.tarpit(conn)
			continue
		}
		c := NewConnection(conn, false)
		m.mu.Lock()
		m.connections[conn.RemoteAddr().String()] = c
		m.mu.Unlock()
		// Both sides send ID as soon as the TCP connection is up (§4.2's
		// AUTH_WAIT_ID state is entered symmetrically); the dialer already
		// did this in Connect, so the acceptor does the same here.
		if err := m.sendID(c); err != nil {
			c.Close()
			continue
		}
		go m.serveConnection(c)
	}
}

// tarpit holds an over-the-burst-limit connection open briefly before
// closing it, rather than rejecting it outright, discouraging a scanner from
// immediately retrying.
func (m *Mesh) tarpit(conn net.Conn) {
	m.log.WithField("peer", conn.RemoteAddr()).Debug("tarpitting connection over the accept burst limit")
	go func() {
		time.Sleep(tarpitDelay)
		conn.Close()
	}()
}

// Connect initiates an outgoing meta-connection to address, for the named
// node if known.
func (m *Mesh) Connect(ctx context.Context, nodeName, address string) error {
	d := NewDialer(10*time.Second, 30*time.Second)
	conn, err := d.Dial(ctx, address)
	if err != nil {
		return newErr(ENetwork, "connect", err)
	}
	c := NewConnection(conn, true)
	m.mu.Lock()
	m.connections[nodeName] = c
	m.mu.Unlock()

	if cb := m.onTry; cb != nil {
		if n, ok := m.graph.Lookup(nodeName); ok {
			cb(m, n)
		}
	}

	if err := m.sendID(c); err != nil {
		c.Close()
		return err
	}
	go m.serveConnection(c)
	return nil
}

func (m *Mesh) sendID(c *Connection) error {
	return c.WriteLine(fmt.Sprintf("%d %s %d.%d %s", ReqID, m.self.Name, ProtocolMajor, ProtocolMinor, m.params.AppName))
}

// serveConnection drives one meta-connection's request loop until it closes.
func (m *Mesh) serveConnection(c *Connection) {
	defer func() {
		m.mu.Lock()
		if c.Node != nil {
			delete(m.connections, c.Node.Name)
		}
		m.mu.Unlock()
		m.onConnectionClosed(c)
		c.Close()
	}()

	buf := make([]byte, metaReadBuf)
	for {
		if c.SPTPS == nil {
			// AUTH_WAIT_ID: the ID exchange (and, if the peer's key is
			// unknown, the REQ_PUBKEY/ANS_PUBKEY round trip) is still
			// cleartext, newline-delimited text (§4.2).
			line, err := c.ReadLine(MaxRequestLen)
			if err != nil {
				return
			}
			if err := m.handleLine(c, line); err != nil {
				if err != errInvitationDone {
					m.log.WithError(err).WithField("peer", c.RemoteAddr()).Warn("meta-protocol request failed")
				}
				return
			}
			continue
		}

		// AUTH_WAIT_ACK / ACTIVE: the wire is now a binary SPTPS stream;
		// metaReceiveFunc below turns decrypted application records back
		// into request lines for handleLine.
		n, err := c.Read(buf)
		if err != nil {
			return
		}
		if err := c.SPTPS.Receive(buf[:n]); err != nil {
			m.log.WithError(err).WithField("peer", c.RemoteAddr()).Warn("sptps session failed")
			return
		}
	}
}

// errInvitationDone signals serveConnection that handleID handed the
// connection off to serveInvitation, which has already run the invitation
// exchange to completion (successfully or not) and the socket should now be
// closed without logging a meta-protocol failure.
var errInvitationDone = fmt.Errorf("meshlink: invitation exchange complete")

func (m *Mesh) onConnectionClosed(c *Connection) {
	if c.Node == nil {
		return
	}
	c.Node.Connection = nil
	m.graph.DelEdge(m.self.Name, c.Node.Name)
	m.graph.Run(time.Now())
	m.broadcastDelEdge(m.self.Name, c.Node.Name, 0)
}

// handleLine parses and dispatches one request line.
func (m *Mesh) handleLine(c *Connection, line string) error {
	if len(line) > MaxRequestLen {
		return ErrLineTooLong
	}
	fields := strings.Fields(line)
	for _, f := range fields {
		if len(f) > MaxString {
			return ErrLineTooLong
		}
	}
	if len(fields) == 0 {
		return fmt.Errorf("meshlink: empty request")
	}
	reqno, err := strconv.Atoi(fields[0])
	if err != nil {
		return fmt.Errorf("meshlink: malformed request number: %w", err)
	}
	args := fields[1:]

	switch reqno {
	case ReqID:
		return m.handleID(c, args)
	case ReqACK:
		return m.handleACK(c, args)
	case ReqPing:
		return c.Send(fmt.Sprintf("%d", ReqPong))
	case ReqPong:
		return m.handlePong(c)
	case ReqAddEdge:
		return m.handleAddEdge(c, args)
	case ReqDelEdge:
		return m.handleDelEdge(c, args)
	case ReqKeyChanged:
		return m.handleKeyChanged(c, args)
	case ReqReqKey:
		return m.handleReqKey(c, args)
	case ReqAnsKey:
		return m.handleAnsKey(c, args)
	case ReqTermReq:
		return fmt.Errorf("meshlink: peer requested termination")
	case ReqError:
		return fmt.Errorf("meshlink: peer reported error: %s", strings.Join(args, " "))
	default:
		return fmt.Errorf("meshlink: unknown request number %d", reqno)
	}
}

// handleID processes "0 <name> <maj>.<min> <appname>" (§4.2 ID).
func (m *Mesh) handleID(c *Connection, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("meshlink: malformed ID request")
	}
	name := args[0]
	if strings.HasPrefix(name, "?") {
		throwaway, err := base64.StdEncoding.DecodeString(name[1:])
		if err != nil {
			return fmt.Errorf("meshlink: malformed invitation throwaway key: %w", err)
		}
		c.Status.Invitation = true
		if err := m.serveInvitation(c, ed25519.PublicKey(throwaway)); err != nil {
			m.log.WithError(err).Debug("invitation exchange failed")
		}
		return errInvitationDone
	}
	if !validNodeName(name) {
		return fmt.Errorf("meshlink: %w: %q", ErrInvalidName, name)
	}
	if m.firewall.IsBlacklisted(name) {
		return fmt.Errorf("meshlink: node %q is blacklisted", name)
	}

	verParts := strings.SplitN(args[1], ".", 2)
	major, err := strconv.Atoi(verParts[0])
	if err != nil || major != ProtocolMajor {
		return fmt.Errorf("meshlink: protocol major version mismatch")
	}

	node := m.graph.Node(name)
	c.Node = node

	if node.PublicKey == nil {
		node.PendingIDConn = c
		return c.Send(fmt.Sprintf("%d %s REQ_PUBKEY %s", ReqReqKey, m.self.Name, name))
	}

	return m.startMetaSPTPS(c, node)
}

// startMetaSPTPS begins the SPTPS handshake (step 1, the initial KEX
// message) on a meta-connection whose peer's Ed25519 public key is now
// known, either directly from handleID or once a deferred REQ_PUBKEY
// round-trip resolves it in handleAnsKey.
func (m *Mesh) startMetaSPTPS(c *Connection, node *Node) error {
	label := sptpsLabel(c.Status.Initiator, m.self.Name, node.Name)
	sess, err := sptps.New(c.Status.Initiator, false, m.self.PrivateKey, node.PublicKey, label, c.SendSPTPS, m.metaReceiveFunc(c))
	if err != nil {
		return err
	}
	c.SPTPS = sess
	return nil
}

// sptpsLabel builds "meshlink tcp" concatenated with both names in
// initiator order, per §4.2.
func sptpsLabel(initiator bool, self, peer string) []byte {
	a, b := self, peer
	if !initiator {
		a, b = peer, self
	}
	return []byte("meshlink tcp" + a + b)
}

// metaReceiveFunc adapts an SPTPS application record to the request-line
// parser, allowing the meta-protocol to run over the encrypted channel once
// the handshake completes.
func (m *Mesh) metaReceiveFunc(c *Connection) sptps.ReceiveRecordFunc {
	return func(recordType uint8, data []byte) error {
		if recordType == sptps.Handshake {
			return m.finishHandshake(c)
		}
		return m.handleLine(c, string(data))
	}
}

// finishHandshake sends the ACK request once SPTPS establishes, per the
// AUTH_WAIT_ACK -> ACTIVE transition in §4.2's state machine.
func (m *Mesh) finishHandshake(c *Connection) error {
	opts := hex.EncodeToString([]byte{0})
	port := m.listenPort()
	return c.Send(fmt.Sprintf("%d %d %d %s", ReqACK, port, m.self.DevClass, opts))
}

func (m *Mesh) listenPort() int {
	if len(m.listenTCP) == 0 {
		return 0
	}
	_, p, _ := net.SplitHostPort(m.listenTCP[0].Addr().String())
	n, _ := strconv.Atoi(p)
	return n
}

// handleACK processes "4 <myport> <devclass> <options_hex>" (§4.2 ACK).
func (m *Mesh) handleACK(c *Connection, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("meshlink: malformed ACK request")
	}
	if c.Node == nil {
		return fmt.Errorf("meshlink: ACK before ID")
	}
	devclass, _ := strconv.Atoi(args[1])
	c.Node.DevClass = DevClass(devclass)
	c.Status.Active = true
	c.Status.Connecting = false

	m.mu.Lock()
	if old := c.Node.Connection; old != nil && old != c {
		old.Close()
	}
	c.Node.Connection = c
	m.connections[c.Node.Name] = c
	m.mu.Unlock()

	weight := edgeWeight(m.self.DevClass, c.Node.DevClass)
	m.graph.AddEdge(m.self.Name, c.Node.Name, c.RemoteAddr(), weight, 0)
	m.graph.Run(time.Now())

	m.broadcastAddEdge(m.self.Name, c.Node.Name, c.RemoteAddr(), weight, 0)
	m.dumpEdges(c)
	return nil
}

// edgeWeight implements "Edge weights ... reflect max(class_weight(from),
// class_weight(to))" (§3 Invariants).
func edgeWeight(a, b DevClass) int {
	wa := deviceClassTraits[a].EdgeWeight
	wb := deviceClassTraits[b].EdgeWeight
	if wa > wb {
		return wa
	}
	return wb
}

// dumpEdges sends one ADD_EDGE per known edge to a freshly-active peer, per
// the ACK handler's "dump our entire edge set" step.
func (m *Mesh) dumpEdges(c *Connection) {
	for _, n := range m.graph.Nodes() {
		for _, e := range n.Edges {
			if !visibleAcrossSubmesh(e.From.Submesh, c.Node.Submesh) && !visibleAcrossSubmesh(e.To.Submesh, c.Node.Submesh) {
				continue
			}
			m.sendAddEdge(c, e, 0)
		}
	}
}

func (m *Mesh) sendAddEdge(c *Connection, e *Edge, contradictions int) {
	rnd, _ := cryptoprim.RandomBytes(4)
	line := formatAddEdge(hex.EncodeToString(rnd), e, contradictions)
	_ = c.Send(line)
}

func formatAddEdge(rnd string, e *Edge, contradictions int) string {
	addr, port := "", "0"
	if e.Address != nil {
		addr, port = hostPort(e.Address)
	}
	fromSub, toSub := submeshOrCore(e.From.Submesh), submeshOrCore(e.To.Submesh)
	return fmt.Sprintf("%d %s %s %d %s %s %s %d %d %s %s %d %d",
		ReqAddEdge, rnd, e.From.Name, e.From.DevClass, fromSub,
		e.To.Name, addr, mustAtoi(port), e.To.DevClass, toSub,
		hex.EncodeToString([]byte{byte(e.Options)}), e.Weight, contradictions)
}

func submeshOrCore(s string) string {
	if s == "" {
		return "core"
	}
	return s
}

func hostPort(addr net.Addr) (string, string) {
	h, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), "0"
	}
	return h, p
}

func mustAtoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// broadcastAddEdge forwards an edge claim to every other active connection
// subject to submesh visibility (§4.2 "Broadcast discipline").
func (m *Mesh) broadcastAddEdge(fromName, toName string, addr net.Addr, weight int, opts EdgeOption) {
	e, ok := m.graph.Edge(fromName, toName)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.connections {
		if !c.Status.Active || c.Node == nil {
			continue
		}
		if !visibleAcrossSubmesh(e.From.Submesh, c.Node.Submesh) {
			continue
		}
		m.sendAddEdge(c, e, 0)
	}
}

func (m *Mesh) broadcastDelEdge(fromName, toName string, contradictions int) {
	rnd, _ := cryptoprim.RandomBytes(4)
	line := fmt.Sprintf("%d %s %s %s %d", ReqDelEdge, hex.EncodeToString(rnd), fromName, toName, contradictions)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.connections {
		if c.Status.Active {
			_ = c.Send(line)
		}
	}
}

func (m *Mesh) seen(key string) bool {
	if _, ok := m.seenReqs.Get(key); ok {
		return true
	}
	m.seenReqs.Add(key, struct{}{})
	return false
}

// handleAddEdge processes the ADD_EDGE request (§4.2).
// ADD_EDGE argument layout (after the request number):
// 0=rand 1=from 2=from_dc 3=from_submesh 4=to 5=addr 6=port 7=to_dc
// 8=to_submesh 9=options_hex 10=weight 11=contradictions.
func (m *Mesh) handleAddEdge(c *Connection, args []string) error {
	if len(args) < 12 {
		return fmt.Errorf("meshlink: malformed ADD_EDGE request")
	}
	key := "addedge:" + strings.Join(args, " ")
	if m.seen(key) {
		return nil
	}

	fromName, toName := args[1], args[4]
	from := m.graph.Node(fromName)
	to := m.graph.Node(toName)
	to.Status.Blacklisted = to.Status.Blacklisted || m.firewall.DefaultBlacklist()

	port, _ := strconv.Atoi(args[6])
	var addr net.Addr
	if args[5] != "" && args[5] != "-" {
		addr = &net.TCPAddr{IP: net.ParseIP(args[5]), Port: port}
	}
	weight, _ := strconv.Atoi(args[10])
	optBytes, _ := hex.DecodeString(args[9])
	var opts EdgeOption
	if len(optBytes) > 0 {
		opts = EdgeOption(optBytes[0])
	}

	existing, hasExisting := m.graph.Edge(fromName, toName)
	if hasExisting && (existing.Weight != weight || existing.Options != opts) {
		m.metrics.RecordContradiction()
		if from == m.self {
			m.sendAddEdge(c, existing, 0)
			return nil
		}
	}
	if !hasExisting && from == m.self {
		m.broadcastDelEdge(fromName, toName, 1)
		return nil
	}

	e := m.graph.AddEdge(fromName, toName, addr, weight, opts)
	m.graph.Run(time.Now())
	m.forwardAddEdge(c, e)
	return nil
}

func (m *Mesh) forwardAddEdge(origin *Connection, e *Edge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.connections {
		if c == origin || !c.Status.Active || c.Node == nil {
			continue
		}
		if !visibleAcrossSubmesh(e.From.Submesh, c.Node.Submesh) {
			continue
		}
		m.sendAddEdge(c, e, 0)
	}
}

// handleDelEdge processes the DEL_EDGE request, the mirror of ADD_EDGE.
func (m *Mesh) handleDelEdge(c *Connection, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("meshlink: malformed DEL_EDGE request")
	}
	key := "deledge:" + strings.Join(args, " ")
	if m.seen(key) {
		return nil
	}
	fromName, toName := args[1], args[2]
	m.graph.DelEdge(fromName, toName)
	m.graph.Run(time.Now())

	if to, ok := m.graph.Lookup(toName); ok && !to.Status.Reachable {
		if _, stillHas := m.graph.Edge(toName, fromName); stillHas {
			m.graph.DelEdge(toName, fromName)
		}
	}

	m.mu.Lock()
	for conn, cc := range m.connections {
		if cc == c || !cc.Status.Active {
			continue
		}
		_ = cc.Send(fmt.Sprintf("%d %s %s %s %d", ReqDelEdge, args[0], fromName, toName, 0))
		_ = conn
	}
	m.mu.Unlock()
	return nil
}

// handleKeyChanged processes "14 <rand> <origin>" by forcing a secondary
// KEX on the named origin's end-to-end SPTPS session, if any, and
// forwarding the notice on (§4.2 KEY_CHANGED).
func (m *Mesh) handleKeyChanged(c *Connection, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("meshlink: malformed KEY_CHANGED request")
	}
	key := "keychanged:" + strings.Join(args, " ")
	if m.seen(key) {
		return nil
	}
	origin := args[1]
	if n, ok := m.graph.Lookup(origin); ok && n.SPTPS != nil {
		_ = n.SPTPS.ForceKEX()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cc := range m.connections {
		if cc != c && cc.Status.Active {
			_ = cc.Send(fmt.Sprintf("%d %s %s", ReqKeyChanged, args[0], origin))
		}
	}
	return nil
}

// handleReqKey routes REQ_PUBKEY/REQ_KEY/REQ_SPTPS sub-requests hop-by-hop
// toward their destination, or serves them locally (§4.2).
func (m *Mesh) handleReqKey(c *Connection, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("meshlink: malformed REQ_KEY request")
	}
	from, sub := args[0], args[1]

	switch sub {
	case "REQ_PUBKEY":
		if len(m.self.PublicKey) == 0 {
			return nil
		}
		return c.Send(fmt.Sprintf("%d %s ANS_PUBKEY %s", ReqAnsKey, m.self.Name, base64.StdEncoding.EncodeToString(m.self.PublicKey)))
	default:
		to := sub
		if to == m.self.Name {
			return m.deliverReqKey(from, args[2:])
		}
		return m.forwardToNextHop(to, fmt.Sprintf("%d %s", ReqReqKey, strings.Join(args, " ")))
	}
}

func (m *Mesh) handleAnsKey(c *Connection, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("meshlink: malformed ANS_KEY request")
	}
	from, sub := args[0], args[1]
	if sub == "ANS_PUBKEY" {
		if len(args) < 3 {
			return nil
		}
		pub, err := base64.StdEncoding.DecodeString(args[2])
		if err != nil {
			return nil
		}
		n := m.graph.Node(from)
		n.PublicKey = pub
		n.Status.ValidKey = true
		n.Status.WaitingForKey = false
		if n.PendingIDConn == c {
			n.PendingIDConn = nil
			return m.startMetaSPTPS(c, n)
		}
		return nil
	}

	to := sub
	if to == m.self.Name {
		return m.deliverAnsKey(from, args[2:])
	}
	return m.forwardToNextHop(to, fmt.Sprintf("%d %s", ReqAnsKey, strings.Join(args, " ")))
}

// forwardToNextHop routes a hop-by-hop request toward a node's current
// next-hop connection, per "unicast-routed requests follow
// dest.next_hop.connection" (§4.2).
func (m *Mesh) forwardToNextHop(toName, line string) error {
	to, ok := m.graph.Lookup(toName)
	if !ok || to.NextHop == nil {
		return fmt.Errorf("meshlink: no route to %s", toName)
	}
	m.mu.Lock()
	conn, ok := m.connections[to.NextHop.Name]
	m.mu.Unlock()
	if !ok || !conn.Status.Active {
		return fmt.Errorf("meshlink: no connection to next hop for %s", toName)
	}
	return conn.Send(line)
}

// sendReqKey initiates an end-to-end SPTPS handshake with node, tunneled as
// a REQ_KEY request routed hop-by-hop.
func (m *Mesh) sendReqKey(node *Node) error {
	label := []byte("meshlink udp" + m.self.Name + node.Name)
	sess, err := sptps.New(true, true, m.self.PrivateKey, node.PublicKey, label, m.makeDatagramSend(node), m.makeDatagramReceive(node))
	if err != nil {
		return err
	}
	node.SPTPS = sess
	return nil
}

func (m *Mesh) makeDatagramSend(node *Node) sptps.SendDataFunc {
	return func(_ uint8, data []byte) error {
		if node.Status.UDPConfirmed {
			return m.udpSendTo(node, 0, data)
		}
		blob := base64.StdEncoding.EncodeToString(data)
		return m.forwardToNextHop(node.Name, fmt.Sprintf("%d %s REQ_SPTPS %s %s", ReqReqKey, m.self.Name, node.Name, blob))
	}
}

func (m *Mesh) makeDatagramReceive(node *Node) sptps.ReceiveRecordFunc {
	return func(recordType uint8, data []byte) error {
		switch recordType {
		case sptps.Handshake:
			return nil
		case PacketProbe:
			m.handleProbe(node, data)
			return nil
		case PacketCompressed:
			return ErrNotSupported
		case PacketData:
			return m.deliverApplicationPacket(node, data)
		default:
			return fmt.Errorf("meshlink: unknown datagram record type %d", recordType)
		}
	}
}

// deliverApplicationPacket strips the routing header and either delivers
// locally or re-routes the payload toward its destination (§4.6 data flow).
func (m *Mesh) deliverApplicationPacket(from *Node, data []byte) error {
	if len(data) < packetHeaderLen {
		return fmt.Errorf("meshlink: truncated packet header")
	}
	dest := strings.TrimRight(string(data[0:16]), "\x00")
	payload := data[packetHeaderLen:]

	m.metrics.RecordBytes(from.Name, "in", len(data))
	m.metrics.RecordPacket(from.Name, "in")

	if dest == m.self.Name || dest == "" {
		select {
		case m.queue <- outPacket{dest: from.Name, data: payload}:
		default:
			logrus.Warn("meshlink: application packet queue full, dropping")
		}
		return nil
	}

	to, ok := m.graph.Lookup(dest)
	if !ok || to.SPTPS == nil {
		return fmt.Errorf("meshlink: no route to %s", dest)
	}
	return to.SPTPS.SendRecord(PacketData, data)
}

// deliverReqKey hands a tunneled SPTPS handshake blob to the named origin's
// datagram session, creating the responder side if needed.
func (m *Mesh) deliverReqKey(origin string, rest []string) error {
	if len(rest) == 0 {
		return nil
	}
	sub := rest[0]
	if sub != "REQ_SPTPS" || len(rest) < 3 {
		return nil
	}
	peerName, blob := rest[1], rest[2]
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return err
	}

	n := m.graph.Node(peerName)
	if n.SPTPS == nil {
		label := []byte("meshlink udp" + peerName + m.self.Name)
		sess, err := sptps.New(false, true, m.self.PrivateKey, n.PublicKey, label, m.makeDatagramSend(n), m.makeDatagramReceive(n))
		if err != nil {
			return err
		}
		n.SPTPS = sess
	}
	_ = origin
	return n.SPTPS.Receive(data)
}

func (m *Mesh) deliverAnsKey(origin string, rest []string) error {
	return m.deliverReqKey(origin, append([]string{"REQ_SPTPS"}, rest...))
}

// handlePong resets an outgoing's address-enumeration backoff, per §4.2
// "A PONG on an outgoing connection resets the outgoing's retry backoff".
func (m *Mesh) handlePong(c *Connection) error {
	if c.Node == nil {
		return nil
	}
	c.LastPing = time.Now()
	c.Status.Pinged = false
	m.mu.Lock()
	o, ok := m.outgoing[c.Node.Name]
	m.mu.Unlock()
	if ok {
		o.Reset()
	}
	return nil
}

// pingTick sends PING to a connection idle for longer than pinginterval,
// and terminates it if no response arrived within pingtimeout (§4.2).
func (m *Mesh) pingTick(c *Connection, pinginterval, pingtimeout time.Duration, now time.Time) {
	if !c.Status.Active {
		return
	}
	idle := now.Sub(c.LastPing)
	if c.Status.Pinged && idle > pingtimeout {
		c.Close()
		return
	}
	if idle > pinginterval {
		c.Status.Pinged = true
		c.LastPing = now
		_ = c.Send(fmt.Sprintf("%d", ReqPing))
	}
}
