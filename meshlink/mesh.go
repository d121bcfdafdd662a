package meshlink

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/meshlink/meshlink/internal/configstore"
	"github.com/meshlink/meshlink/internal/cryptoprim"
	"github.com/meshlink/meshlink/internal/firewall"
	"github.com/meshlink/meshlink/internal/metrics"
	"github.com/meshlink/meshlink/internal/natutil"
)

// StoragePolicy governs how much of a node's state is written to disk.
type StoragePolicy int

const (
	StorageEnabled StoragePolicy = iota
	StorageKeyOnly
	StorageDisabled
)

// OpenParams holds the values an Open call must honor (§6 "Open-params
// contract").
type OpenParams struct {
	ConfBase      string
	Name          string
	AppName       string
	DevClass      DevClass
	StorageKey    []byte
	Storage       StoragePolicy
	LockFilename  string
	NetNS         int // Linux-only; 0 means the default namespace

	// EnableDiscovery turns on mDNS local peer discovery (§4.11).
	EnableDiscovery bool
}

// NodeStatusFunc is invoked (outside any internal lock) whenever a node
// transitions between reachable and unreachable.
type NodeStatusFunc func(mesh *Mesh, node *Node, reachable bool)

// ConnectionTryFunc is invoked every time the mesh attempts an outgoing dial.
type ConnectionTryFunc func(mesh *Mesh, node *Node)

// ErrorFunc receives fatal-to-the-call errors the background thread hits
// outside of any API call (spec §7 tier 3's "installed error callback").
type ErrorFunc func(mesh *Mesh, err error)

// Mesh is the top-level handle owning one node's view of the overlay: its
// graph, its listen sockets, its background worker thread, and its on-disk
// configuration. Exactly one Mesh exists per open confbase.
type Mesh struct {
	mu sync.Mutex

	params    OpenParams
	store     *configstore.Store
	firewall  *firewall.Firewall
	metrics   *metrics.Collector
	nat       *natutil.Manager
	seenReqs  *lru.LRU[string, struct{}]
	sessionID uint64
	traceID   string
	connBurst *rate.Limiter

	self  *Node
	graph *Graph

	connections map[string]*Connection // keyed by peer node name
	outgoing    map[string]*Outgoing

	listenTCP []net.Listener
	udp       *udpState

	queue chan outPacket

	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	adns *adnsWorker
	disc *discovery

	onStatus  NodeStatusFunc
	onTry     ConnectionTryFunc
	onError   ErrorFunc

	inviteCommitsFirst bool

	invitationPub  ed25519.PublicKey
	invitationPriv ed25519.PrivateKey

	log *logrus.Entry
}

type outPacket struct {
	dest string
	data []byte
}

// Open loads (or creates) a confbase and returns a stopped Mesh handle.
// Callers must call Start to begin participating in the overlay.
func Open(p OpenParams) (*Mesh, error) {
	if p.AppName == "" {
		return nil, newErr(EInvalid, "open", fmt.Errorf("app name is required"))
	}

	var store *configstore.Store
	var err error
	if p.ConfBase != "" && p.Storage != StorageDisabled {
		store, err = configstore.Open(p.ConfBase, p.StorageKey)
		if err != nil {
			return nil, newErr(EBusy, "open", err)
		}
		if err := store.Init(); err != nil {
			store.Close()
			return nil, newErr(EStorage, "open", err)
		}
	}

	m := &Mesh{
		params:      p,
		store:       store,
		firewall:    firewall.New(false),
		connections: make(map[string]*Connection),
		outgoing:    make(map[string]*Outgoing),
		seenReqs:    lru.NewLRU[string, struct{}](4096, nil, 5*time.Minute),
		queue:       make(chan outPacket, 1024),
		traceID:     uuid.NewString(),
		connBurst:   rate.NewLimiter(rate.Limit(maxConnectionBurst), maxConnectionBurst),
	}
	m.log = logrus.WithFields(logrus.Fields{"mesh": p.Name, "trace": m.traceID})

	if err := m.loadOrCreateSelf(); err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}

	m.graph = NewGraph(m.self)
	m.graph.ReachabilityChanged = m.onReachabilityChanged
	m.sessionID = newSessionID()

	if nat, err := natutil.New(); err == nil {
		m.nat = nat
	} else {
		m.log.WithError(err).Debug("NAT traversal unavailable, continuing without it")
	}

	m.metrics = metrics.New(m, os.Stdout)

	if store != nil {
		if err := m.loadHostConfigs(); err != nil {
			m.log.WithError(err).Warn("failed to load one or more host configs")
		}
	}

	return m, nil
}

// newSessionID returns a random, non-zero session identifier, regenerated
// on every Open.
func newSessionID() uint64 {
	for {
		if id := rand.Uint64(); id != 0 {
			return id
		}
	}
}

// loadOrCreateSelf populates m.self from the confbase's main config, or
// generates a fresh identity keypair when none exists yet.
func (m *Mesh) loadOrCreateSelf() error {
	self := newNode(m.params.Name)
	self.DevClass = m.params.DevClass

	if m.store == nil {
		pub, priv, err := cryptoprim.GenerateSigningKey()
		if err != nil {
			return newErr(EInternal, "open", err)
		}
		self.PublicKey = pub
		self.PrivateKey = priv
		m.self = self
		return nil
	}

	cfg, err := m.store.ReadMainConfig()
	if err == nil {
		if cfg.Name != "" && m.params.Name != "" && cfg.Name != m.params.Name {
			return newErr(EInvalid, "open", fmt.Errorf("stored name %q does not match requested name %q", cfg.Name, m.params.Name))
		}
		self.Name = cfg.Name
		self.PrivateKey = ed25519.PrivateKey(cfg.PrivateKey)
		self.PublicKey = self.PrivateKey.Public().(ed25519.PublicKey)
		m.self = self
		return m.assertKeyConsistency()
	}

	if m.params.Name == "" {
		return newErr(EInvalid, "open", fmt.Errorf("name is required for first-time open"))
	}

	pub, priv, err := cryptoprim.GenerateSigningKey()
	if err != nil {
		return newErr(EInternal, "open", err)
	}
	self.PublicKey = pub
	self.PrivateKey = priv
	m.self = self

	return m.store.WriteMainConfig(configstore.MainConfig{
		Version:    1,
		Name:       self.Name,
		PrivateKey: priv,
	})
}

// assertKeyConsistency enforces the invariant "self.ecdsa.public ==
// public(self.private_key)", asserted at start (§3 Invariants).
func (m *Mesh) assertKeyConsistency() error {
	derived := m.self.PrivateKey.Public().(ed25519.PublicKey)
	if string(derived) != string(m.self.PublicKey) {
		return newErr(EInternal, "open", fmt.Errorf("self public key does not match derived key"))
	}
	return nil
}

// loadHostConfigs populates the graph with every node this confbase has a
// host config for, so they are known (if unreachable) before Start runs.
func (m *Mesh) loadHostConfigs() error {
	names, err := m.store.ScanHostConfigs("current")
	if err != nil {
		return err
	}
	for _, name := range names {
		hc, err := m.store.ReadHostConfig(name)
		if err != nil {
			m.log.WithError(err).WithField("node", name).Warn("failed to read host config")
			continue
		}
		n := m.graph.Node(name)
		n.DevClass = DevClass(hc.DevClass)
		if hc.Submesh != "core" {
			n.Submesh = hc.Submesh
		}
		n.Status.Blacklisted = hc.Blacklisted
		n.PublicKey = hc.PublicKey
		n.CanonicalAddress = hc.CanonicalAddress
		n.LastReachable = time.Unix(hc.LastReachable, 0)
		n.LastUnreachable = time.Unix(hc.LastUnreachable, 0)
		for _, ra := range hc.RecentAddresses {
			if a := decodeSockaddr(ra); a != nil {
				n.Recent = append(n.Recent, a)
			}
		}
	}
	return nil
}

// saveHostConfig persists one node's current view to disk, if storage is
// enabled.
func (m *Mesh) saveHostConfig(n *Node) {
	if m.store == nil || n == m.self {
		return
	}
	hc := configstore.HostConfig{
		Version:          1,
		Name:             n.Name,
		Submesh:          "core",
		DevClass:         int32(n.DevClass),
		Blacklisted:      n.Status.Blacklisted,
		PublicKey:        n.PublicKey,
		CanonicalAddress: n.CanonicalAddress,
		LastReachable:    n.LastReachable.Unix(),
		LastUnreachable:  n.LastUnreachable.Unix(),
	}
	if n.Submesh != "" {
		hc.Submesh = n.Submesh
	}
	for _, a := range n.Recent {
		if ra, ok := encodeSockaddr(a); ok {
			hc.RecentAddresses = append(hc.RecentAddresses, ra)
		}
	}
	if err := m.store.WriteHostConfig(n.Name, hc); err != nil {
		m.log.WithError(err).WithField("node", n.Name).Warn("failed to persist host config")
	}
}

// Start opens listen sockets and launches the background worker thread (the
// event loop), the ADNS worker, and (if configured) local discovery.
func (m *Mesh) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return newErr(EInvalid, "start", ErrAlreadyStarted)
	}
	m.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	grp, grpCtx := errgroup.WithContext(loopCtx)
	m.group = grp
	m.mu.Unlock()

	if err := m.openListeners(); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return newErr(ENetwork, "start", err)
	}

	m.adns = newADNSWorker()
	grp.Go(func() error { m.adns.Run(grpCtx); return nil })

	loop := newEventLoop(m)
	grp.Go(func() error { return loop.Run(grpCtx) })

	grp.Go(func() error { m.metrics.Run(grpCtx, 30*time.Second); return nil })

	if m.params.EnableDiscovery {
		disc, err := newDiscovery(m)
		if err != nil {
			m.log.WithError(err).Warn("mdns discovery unavailable, continuing without it")
		} else {
			m.disc = disc
			grp.Go(func() error { return m.disc.Run(grpCtx) })
		}
	}

	return nil
}

// Stop halts the background worker thread and closes every listening
// socket, but keeps the confbase open for inspection or a subsequent Start.
func (m *Mesh) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	grp := m.group
	m.mu.Unlock()

	cancel()
	_ = grp.Wait()

	m.mu.Lock()
	for _, l := range m.listenTCP {
		l.Close()
	}
	m.listenTCP = nil
	if m.udp != nil {
		m.udp.Close()
		m.udp = nil
	}
	for _, c := range m.connections {
		c.Close()
	}
	m.mu.Unlock()
}

// Close stops the mesh if running and releases the confbase lock. The Mesh
// handle must not be used afterwards.
func (m *Mesh) Close() error {
	m.Stop()
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

// Self returns the node representing this process.
func (m *Mesh) Self() *Node { return m.self }

// SessionID returns the random, non-zero identifier generated for this
// open() span.
func (m *Mesh) SessionID() uint64 { return m.sessionID }

// GetNode looks up a known node by name without creating it.
func (m *Mesh) GetNode(name string) (*Node, bool) {
	return m.graph.Lookup(name)
}

// Nodes returns a snapshot of every node known to this mesh.
func (m *Mesh) Nodes() []*Node { return m.graph.Nodes() }

// NodeCount implements metrics.Source.
func (m *Mesh) NodeCount() int { return m.graph.NodeCount() }

// EdgeCount implements metrics.Source.
func (m *Mesh) EdgeCount() int { return m.graph.EdgeCount() }

// ConnectionCount implements metrics.Source.
func (m *Mesh) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.connections {
		if c.Status.Active {
			n++
		}
	}
	return n
}

// SetCanonicalAddress sets a node's canonical host:port and, if pinned,
// sets OptionNoAutoconnect on it (§ Supplemented features,
// "canonical-address-only outgoing mode"). Learned addresses are still
// tried; nothing reads that flag.
func (m *Mesh) SetCanonicalAddress(name, address string, pinned bool) error {
	n := m.graph.Node(name)
	n.CanonicalAddress = address
	if pinned {
		n.Options |= OptionNoAutoconnect
	}
	m.saveHostConfig(n)
	return nil
}

// SetInviteCommitOrder records whether the invitee reveals its long-term key
// before or after the inviter reveals the seed host configs (§4.7). The
// invitation exchange in invite.go does not read this setting.
func (m *Mesh) SetInviteCommitOrder(inviterFirst bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inviteCommitsFirst = inviterFirst
}

// Blacklist marks a node so that it is never dialed, never accepted, and its
// reachability transitions are suppressed from the status callback.
func (m *Mesh) Blacklist(name string) error {
	if name == m.self.Name {
		return newErr(EInvalid, "blacklist", ErrSelfBlacklist)
	}
	n := m.graph.Node(name)
	n.Status.Blacklisted = true
	m.firewall.Blacklist(name)
	m.saveHostConfig(n)
	return nil
}

// Whitelist clears a node's blacklist flag.
func (m *Mesh) Whitelist(name string) error {
	n := m.graph.Node(name)
	n.Status.Blacklisted = false
	m.firewall.Whitelist(name)
	m.saveHostConfig(n)
	return nil
}

// Forget removes a node from the mesh's view entirely. If keepBlacklist is
// true and the node was blacklisted, a bare blacklist-only record survives
// (Supplemented features: "blacklist persistence across forget/re-add").
func (m *Mesh) Forget(name string, keepBlacklist bool) error {
	n, ok := m.graph.Lookup(name)
	if !ok {
		return newErr(ENoSuchNode, "forget", nil)
	}
	wasBlacklisted := n.Status.Blacklisted
	m.graph.Forget(name)

	m.mu.Lock()
	if c, ok := m.connections[name]; ok {
		c.Close()
		delete(m.connections, name)
	}
	delete(m.outgoing, name)
	m.mu.Unlock()

	if m.store != nil {
		if keepBlacklist && wasBlacklisted {
			m.saveHostConfig(&Node{Name: name, Status: Status{Blacklisted: true}})
		} else {
			m.store.DeleteHostConfig(name)
		}
	}
	return nil
}

// onReachabilityChanged bridges the Graph's reachability callback to the
// application-visible NodeStatusFunc, persisting the node's host config and,
// on a transition to reachable with an outgoing wish present, requesting
// end-to-end keys as described in §4.3. Graph.Run has already reset the
// node's PMTU state by the time this is called.
func (m *Mesh) onReachabilityChanged(n *Node, reachable bool) {
	m.saveHostConfig(n)

	if reachable {
		m.mu.Lock()
		_, hasOutgoing := m.outgoing[n.Name]
		m.mu.Unlock()
		if hasOutgoing {
			go m.requestKeyExchange(n)
		}
	}

	if cb := m.onStatus; cb != nil {
		cb(m, n, reachable)
	}
}

// OnNodeStatus installs the reachability-transition callback.
func (m *Mesh) OnNodeStatus(f NodeStatusFunc) { m.onStatus = f }

// OnConnectionTry installs the outgoing-dial-attempt callback.
func (m *Mesh) OnConnectionTry(f ConnectionTryFunc) { m.onTry = f }

// OnError installs the background-thread error callback.
func (m *Mesh) OnError(f ErrorFunc) { m.onError = f }

// reportError invokes the installed error callback, if any, and logs.
func (m *Mesh) reportError(op string, err error) {
	m.log.WithError(err).WithField("op", op).Error("mesh error")
	if cb := m.onError; cb != nil {
		cb(m, err)
	}
}

// DebugGraph returns a copy of every node's routing scratch fields, for
// introspection by tests and meshlinkctl (Supplemented features,
// "devtools-style introspection").
func (m *Mesh) DebugGraph() map[string]DebugNode {
	out := make(map[string]DebugNode)
	for _, n := range m.graph.Nodes() {
		out[n.Name] = DebugNode{
			Reachable: n.Status.Reachable,
			Indirect:  n.Status.Indirect,
			Distance:  n.Distance,
			NextHop:   nameOrEmpty(n.NextHop),
			Via:       nameOrEmpty(n.Via),
		}
	}
	return out
}

// DebugNode is one node's routing scratch state, exposed read-only.
type DebugNode struct {
	Reachable bool
	Indirect  bool
	Distance  int
	NextHop   string
	Via       string
}

func nameOrEmpty(n *Node) string {
	if n == nil {
		return ""
	}
	return n.Name
}

// MetricsHandler returns the http.Handler serving this mesh's Prometheus
// registry, for a caller (typically cmd/meshlinkd) to mount under its own
// introspection server.
func (m *Mesh) MetricsHandler() http.Handler { return m.metrics.Handler() }

// DebugNodes returns the names of every known node, reachable or not.
func (m *Mesh) DebugNodes() []string {
	var out []string
	for _, n := range m.graph.Nodes() {
		out = append(out, n.Name)
	}
	return out
}
