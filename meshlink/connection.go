package meshlink

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/meshlink/meshlink/internal/sptps"
)

// ProtocolMajor and ProtocolMinor identify the meta-protocol version
// advertised in every ID request.
const (
	ProtocolMajor = 17
	ProtocolMinor = 3
)

// Dialer wraps net.Dialer with the timeout/keepalive pair every outgoing
// meta-connection attempt uses.
type Dialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

// NewDialer constructs a Dialer with the given timeout and keepalive.
func NewDialer(timeout, keepAlive time.Duration) *Dialer {
	return &Dialer{Timeout: timeout, KeepAlive: keepAlive}
}

// Dial connects to a remote meta-protocol address over TCP.
func (d *Dialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	return nd.DialContext(ctx, "tcp", address)
}

// ConnectionStatus mirrors the per-connection status bits of §3's data model.
type ConnectionStatus struct {
	Active     bool
	Connecting bool
	Pinged     bool
	Initiator  bool
	Invitation bool
	Control    bool
}

// Connection is a live TCP meta-link to one adjacent node.
type Connection struct {
	mu sync.Mutex

	conn net.Conn
	r    *bufio.Reader

	PeerAddr        net.Addr
	Status          ConnectionStatus
	ProtocolMajor   int
	ProtocolMinor   int
	Options         EdgeOption
	LastPing        time.Time

	Node     *Node  // peer node, once ID has been processed
	Edge     *Edge  // the edge this connection materializes
	Outgoing *Outgoing // set if this connection is maintained by an Outgoing wish

	SPTPS *sptps.Session

	closed bool
}

// NewConnection wraps an established net.Conn as a meta-connection.
func NewConnection(conn net.Conn, initiator bool) *Connection {
	c := &Connection{
		conn:          conn,
		r:             bufio.NewReader(conn),
		PeerAddr:      conn.RemoteAddr(),
		ProtocolMajor: ProtocolMajor,
		ProtocolMinor: ProtocolMinor,
	}
	c.Status.Connecting = true
	c.Status.Initiator = initiator
	return c
}

// WriteLine sends one ASCII meta-protocol request line, appending the
// trailing newline the wire format requires.
func (c *Connection) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	_, err := c.conn.Write(append([]byte(line), '\n'))
	return err
}

// ReadLine reads one newline-terminated meta-protocol request line. When
// maxLen > 0, a line longer than maxLen is rejected with ErrLineTooLong;
// malformed lines are the caller's responsibility to reject.
func (c *Connection) ReadLine(maxLen int) (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) > 0 && line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
	}
	if maxLen > 0 && len(line) > maxLen {
		return "", ErrLineTooLong
	}
	return line, nil
}

// SendSPTPS writes raw bytes produced by an SPTPS session directly to the
// wire; it is the SendDataFunc the stream-mode sptps.Session is constructed
// with.
func (c *Connection) SendSPTPS(_ uint8, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	_, err := c.conn.Write(data)
	return err
}

// Read pulls raw bytes off the connection's buffered reader, used once SPTPS
// has taken over framing (the wire is then a binary SPTPS stream, not
// newline-delimited text).
func (c *Connection) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Send dispatches one meta-protocol request line. Once this connection's
// SPTPS session has completed its handshake, the line is sent as an
// encrypted application record (type 0); before that (the cleartext ID/
// REQ_PUBKEY exchange of AUTH_WAIT_ID, §4.2), it goes straight to the wire.
func (c *Connection) Send(line string) error {
	if c.SPTPS != nil && c.SPTPS.Established() {
		return c.SPTPS.SendRecord(metaRecordType, []byte(line))
	}
	return c.WriteLine(line)
}

// Close closes the underlying socket. Safe to call multiple times.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// RemoteAddr returns the peer's socket address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// addrState is an Outgoing's position in the address enumeration order.
type addrState int

const (
	addrStart addrState = iota
	addrCanonical
	addrRecent
	addrKnown
	addrEnd
)

// Outgoing is a persistent wish to stay connected to a given node.
type Outgoing struct {
	mu sync.Mutex

	NodeName string
	state    addrState
	recentIx int
	knownIx  int
	known    []net.Addr

	Attempt     int
	RetryAt     time.Time
	Conn        *Connection
}

// NewOutgoing constructs an Outgoing wish targeting the named node.
func NewOutgoing(name string) *Outgoing {
	return &Outgoing{NodeName: name, state: addrStart}
}

// NextAddress returns the next candidate address to dial, enumerating
// CANONICAL, then RECENT, then KNOWN (reverse edges of the target in the
// current graph), per §4.5. It returns ok=false once exhausted (state END).
func (o *Outgoing) NextAddress(n *Node, g *Graph) (addr string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for {
		switch o.state {
		case addrStart:
			o.state = addrCanonical
		case addrCanonical:
			o.state = addrRecent
			if n.CanonicalAddress != "" {
				return n.CanonicalAddress, true
			}
		case addrRecent:
			if o.recentIx < len(n.Recent) {
				a := n.Recent[o.recentIx]
				o.recentIx++
				return a.String(), true
			}
			o.state = addrKnown
			o.known = knownAddresses(n, g)
			o.knownIx = 0
		case addrKnown:
			if o.knownIx < len(o.known) {
				a := o.known[o.knownIx]
				o.knownIx++
				return a.String(), true
			}
			o.state = addrEnd
		case addrEnd:
			return "", false
		}
	}
}

// Reset returns the enumeration state to START, as a successful PONG does.
func (o *Outgoing) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = addrStart
	o.recentIx = 0
	o.knownIx = 0
	o.known = nil
	o.Attempt = 0
}

// knownAddresses collects, de-duplicated, the addresses carried by the
// reverse edges pointing at n in the current graph.
func knownAddresses(n *Node, g *Graph) []net.Addr {
	seen := make(map[string]struct{})
	var out []net.Addr
	for _, e := range n.Edges {
		if e.Reverse == nil || e.Reverse.Address == nil {
			continue
		}
		key := e.Reverse.Address.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e.Reverse.Address)
	}
	return out
}

// RetryTimeout computes the backoff before the next dial attempt after
// address enumeration is exhausted: 5s * attempt, capped at maxTimeout.
func RetryTimeout(attempt int, maxTimeout time.Duration) time.Duration {
	d := time.Duration(attempt) * 5 * time.Second
	if d > maxTimeout {
		return maxTimeout
	}
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}
