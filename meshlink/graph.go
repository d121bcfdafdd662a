package meshlink

import (
	"net"
	"sync"
	"time"
)

// Graph owns the node and edge collections for one mesh and runs the
// single-source shortest path algorithm that derives reachability, next-hop,
// and indirect routing state from self.
type Graph struct {
	mu    sync.Mutex
	self  *Node
	nodes map[string]*Node

	// ReachabilityChanged is invoked (outside the lock) once per
	// non-blacklisted node whose visited state differs from its previous
	// reachable state, after Run has updated every node's bookkeeping
	// fields. It is nil-safe to leave unset.
	ReachabilityChanged func(n *Node, reachable bool)
}

// NewGraph constructs a Graph whose self node is self. self is inserted into
// the node table immediately.
func NewGraph(self *Node) *Graph {
	g := &Graph{self: self, nodes: make(map[string]*Node)}
	g.nodes[self.Name] = self
	self.Status.Reachable = true
	return g
}

// Self returns the node representing the local mesh member.
func (g *Graph) Self() *Node {
	return g.self
}

// NodeCount implements metrics.Source.
func (g *Graph) NodeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// EdgeCount implements metrics.Source.
func (g *Graph) EdgeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, node := range g.nodes {
		n += len(node.Edges)
	}
	return n
}

// Node returns the node with the given name, creating it if it is not
// already known. A newly created node is not blacklisted; callers that
// apply the mesh's default blacklist flag do so themselves.
func (g *Graph) Node(name string) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nodeLocked(name)
}

func (g *Graph) nodeLocked(name string) *Node {
	n, ok := g.nodes[name]
	if ok {
		return n
	}
	n = newNode(name)
	g.nodes[name] = n
	return n
}

// Lookup returns the node with the given name without creating it.
func (g *Graph) Lookup(name string) (*Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[name]
	return n, ok
}

// Nodes returns a snapshot slice of every known node.
func (g *Graph) Nodes() []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	return out
}

// Forget removes a node and every edge touching it from the graph.
func (g *Graph) Forget(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[name]
	if !ok {
		return
	}
	for to := range n.Edges {
		g.delEdgeLocked(name, to)
	}
	for from := range g.nodes {
		g.delEdgeLocked(from, name)
	}
	delete(g.nodes, name)
}

// AddEdge installs a directed edge From->To, wiring its Reverse pointer if
// the opposite edge already exists. Creating an edge auto-creates both
// endpoint nodes if they are not yet known (mirroring the ADD_EDGE handler's
// lookup-or-create behavior).
func (g *Graph) AddEdge(fromName, toName string, addr net.Addr, weight int, opts EdgeOption) *Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	from := g.nodeLocked(fromName)
	to := g.nodeLocked(toName)

	e := &Edge{From: from, To: to, Address: addr, Weight: weight, Options: opts}
	from.Edges[toName] = e
	if rev, ok := to.Edges[fromName]; ok {
		e.Reverse = rev
		rev.Reverse = e
	}
	return e
}

// Edge looks up the directed edge from->to, if installed.
func (g *Graph) Edge(fromName, toName string) (*Edge, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	from, ok := g.nodes[fromName]
	if !ok {
		return nil, false
	}
	e, ok := from.Edges[toName]
	return e, ok
}

// DelEdge removes the directed edge from->to, if present, clearing the
// reverse edge's back-pointer.
func (g *Graph) DelEdge(fromName, toName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delEdgeLocked(fromName, toName)
}

func (g *Graph) delEdgeLocked(fromName, toName string) {
	from, ok := g.nodes[fromName]
	if !ok {
		return
	}
	e, ok := from.Edges[toName]
	if !ok {
		return
	}
	if e.Reverse != nil {
		e.Reverse.Reverse = nil
	}
	delete(from.Edges, toName)
}

// todoEntry is one item in the BFS work queue.
type todoEntry struct{ n *Node }

// Run executes the breadth-first single-source shortest path algorithm from
// self over every bidirectional edge (an edge counts only if its reverse
// edge also exists), then fires reachability-transition callbacks for any
// node whose visited state differs from its previous Reachable flag.
//
// Grounded on the original's sssp_bfs/check_reachability: ties at equal
// distance are broken in favor of the edge with strictly smaller weight,
// and only when doing so would not regress a direct path to an indirect one.
func (g *Graph) Run(now time.Time) {
	g.mu.Lock()

	for _, n := range g.nodes {
		n.Status.Visited = false
		n.Status.Indirect = true
		n.Distance = -1
	}

	self := g.self
	self.Status.Visited = true
	self.Status.Indirect = false
	self.NextHop = self
	self.PrevEdge = nil
	self.Via = self
	self.Distance = 0

	todo := []*Node{self}
	for i := 0; i < len(todo); i++ {
		n := todo[i]
		for _, e := range n.Edges {
			if e.Reverse == nil {
				continue
			}
			indirect := n.Status.Indirect || e.Options&OptionIndirect != 0

			if e.To.Status.Visited &&
				(!e.To.Status.Indirect || indirect) &&
				(e.To.Distance != n.Distance+1 || (e.To.PrevEdge != nil && e.Weight >= e.To.PrevEdge.Weight)) {
				continue
			}

			e.To.Status.Visited = true
			e.To.Status.Indirect = indirect
			if n.NextHop == self {
				e.To.NextHop = e.To
			} else {
				e.To.NextHop = n.NextHop
			}
			e.To.PrevEdge = e
			if indirect {
				e.To.Via = n.Via
			} else {
				e.To.Via = e.To
			}
			e.To.Options = e.Options
			e.To.Distance = n.Distance + 1

			if e.Address != nil {
				e.To.Address = e.Address
			}

			todo = append(todo, e.To)
		}
	}

	type transition struct {
		n         *Node
		reachable bool
	}
	var transitions []transition

	for _, n := range g.nodes {
		if n.Status.Visited == n.Status.Reachable {
			continue
		}
		n.Status.Reachable = n.Status.Visited
		if n.Status.Reachable {
			n.LastReachable = now
		} else {
			n.LastUnreachable = now
		}

		n.Status.ValidKey = false
		n.Status.WaitingForKey = false
		if n.SPTPS != nil {
			n.SPTPS = nil
		}
		n.Status.UDPConfirmed = false
		n.MaxMTU = 1518
		n.MinMTU = 0
		n.MTUProbes = 0

		if !n.Status.Reachable {
			n.Address = nil
			n.Status.Broadcast = false
			n.Options = 0
		}

		transitions = append(transitions, transition{n: n, reachable: n.Status.Reachable})
	}

	cb := g.ReachabilityChanged
	g.mu.Unlock()

	if cb == nil {
		return
	}
	for _, t := range transitions {
		if t.n.Status.Blacklisted {
			continue
		}
		cb(t.n, t.reachable)
	}
}
