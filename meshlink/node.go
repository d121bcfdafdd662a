// Package meshlink implements an end-to-end encrypted peer-to-peer mesh
// networking overlay: a graph of nodes connected by authenticated TCP
// meta-links, with end-to-end encrypted UDP data transport, NAT traversal,
// and an invitation-based bootstrap protocol.
package meshlink

import (
	"net"
	"sync"
	"time"

	"github.com/meshlink/meshlink/internal/sptps"
)

// DevClass is a node's declared device class, used to bias autoconnect
// topology decisions (battery-powered leaves vs. always-on backbones).
type DevClass int32

const (
	DevClassBackbone DevClass = iota
	DevClassStationary
	DevClassPortable
	DevClassUnknown
)

// classTraits holds the autoconnect parameters for one device class.
type classTraits struct {
	MinConnects int
	MaxConnects int
	EdgeWeight  int
}

var deviceClassTraits = map[DevClass]classTraits{
	DevClassBackbone:   {MinConnects: 3, MaxConnects: 10000, EdgeWeight: 1},
	DevClassStationary: {MinConnects: 3, MaxConnects: 100, EdgeWeight: 3},
	DevClassPortable:   {MinConnects: 3, MaxConnects: 3, EdgeWeight: 6},
	DevClassUnknown:    {MinConnects: 1, MaxConnects: 1, EdgeWeight: 9},
}

// EdgeOption flags carried on an edge claim.
type EdgeOption uint32

const (
	OptionIndirect EdgeOption = 1 << iota
	// OptionNoAutoconnect marks a node as pinned to its CanonicalAddress
	// (Supplemented features, "canonical-address-only outgoing mode"). It is
	// set by SetCanonicalAddress only; address enumeration does not check it,
	// and Graph.Run overwrites Node.Options, clearing it.
	OptionNoAutoconnect
)

// Status holds the mutable single-bit flags tracked per node.
type Status struct {
	ValidKey      bool
	WaitingForKey bool
	Visited       bool
	Reachable     bool
	Indirect      bool
	UDPConfirmed  bool
	Broadcast     bool
	Blacklisted   bool
	Duplicate     bool
	Dirty         bool
}

// Node is the permanent record of a mesh member.
type Node struct {
	mu sync.Mutex

	Name       string
	PublicKey  []byte // Ed25519, 32 bytes once known
	PrivateKey []byte // only set on the self node
	DevClass   DevClass
	Submesh    string // "" means core mesh

	CanonicalAddress string
	Recent           []net.Addr // most recent first, capped at 5

	FirstUnreachable time.Time
	LastReachable    time.Time
	LastUnreachable  time.Time
	LastConnectTry   time.Time
	LastSuccessful   time.Time

	Status Status

	// Runtime transport state.
	Address      net.Addr // current UDP destination address
	Options      EdgeOption
	SPTPS        *sptps.Session
	MinMTU       int
	MaxMTU       int
	MTU          int
	MTUProbes    int
	InPackets    uint64
	InBytes      uint64
	OutPackets   uint64
	OutBytes     uint64
	Connection   *Connection
	UDPSock      net.PacketConn

	// PendingIDConn is the meta-connection awaiting this node's Ed25519
	// public key before its SPTPS session can start, set by handleID's
	// REQ_PUBKEY branch and consumed by handleAnsKey's ANS_PUBKEY branch.
	PendingIDConn *Connection

	Edges map[string]*Edge // keyed by peer name, edges where this node is "from"

	// Graph scratch fields, valid only immediately after a Graph() run.
	Distance  int
	NextHop   *Node
	PrevEdge  *Edge
	Via       *Node
}

func newNode(name string) *Node {
	return &Node{
		Name:   name,
		Edges:  make(map[string]*Edge),
		MaxMTU: 1518,
	}
}

// AddRecentAddress records addr as the most recently seen socket address for
// this node, de-duplicating by string form and evicting the oldest entry
// once the list would exceed 5 (§8 invariant 5).
func (n *Node) AddRecentAddress(addr net.Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := addr.String()
	filtered := n.Recent[:0]
	for _, a := range n.Recent {
		if a.String() != key {
			filtered = append(filtered, a)
		}
	}
	n.Recent = append([]net.Addr{addr}, filtered...)
	if len(n.Recent) > 5 {
		n.Recent = n.Recent[:5]
	}
}

// Traits returns the autoconnect parameters for this node's device class.
func (n *Node) Traits() classTraits {
	t, ok := deviceClassTraits[n.DevClass]
	if !ok {
		return deviceClassTraits[DevClassUnknown]
	}
	return t
}

// Edge is a directed claim: From reports an active meta-connection to To.
type Edge struct {
	From, To *Node
	Address  net.Addr
	Weight   int
	Options  EdgeOption

	Connection *Connection
	Reverse    *Edge
}

// Submesh is a named access-control partition. An edge is flooded to a peer
// if either side is in the core mesh (Submesh == "") or both share a
// submesh tag.
type Submesh struct {
	Name string
}

// visibleAcrossSubmesh reports whether a node in submesh `from` may learn about a node in
// submesh `to` (and vice versa, the relation is symmetric).
func visibleAcrossSubmesh(from, to string) bool {
	if from == "" || to == "" {
		return true
	}
	return from == to
}
