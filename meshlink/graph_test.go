package meshlink

import (
	"testing"
	"time"
)

func TestGraphDirectReachability(t *testing.T) {
	self := newNode("self")
	g := NewGraph(self)

	g.AddEdge("self", "bob", nil, 1, 0)
	g.AddEdge("bob", "self", nil, 1, 0)

	var transitions []bool
	g.ReachabilityChanged = func(n *Node, reachable bool) {
		transitions = append(transitions, reachable)
	}
	g.Run(time.Now())

	bob, ok := g.Lookup("bob")
	if !ok {
		t.Fatal("expected bob to exist")
	}
	if !bob.Status.Reachable {
		t.Fatal("expected bob to be reachable")
	}
	if bob.Status.Indirect {
		t.Fatal("expected bob to be directly reachable")
	}
	if bob.NextHop != bob {
		t.Fatal("expected bob's next-hop to be itself (one hop away)")
	}
	if len(transitions) != 1 || !transitions[0] {
		t.Fatalf("expected exactly one reachable transition, got %v", transitions)
	}
}

func TestGraphUnidirectionalEdgeNotTraversable(t *testing.T) {
	self := newNode("self")
	g := NewGraph(self)

	// Only one direction installed: not a bidirectional pair yet.
	g.AddEdge("self", "carol", nil, 1, 0)
	g.Run(time.Now())

	carol, _ := g.Lookup("carol")
	if carol.Status.Reachable {
		t.Fatal("expected carol to be unreachable without a reverse edge")
	}
}

func TestGraphIndirectReachability(t *testing.T) {
	self := newNode("self")
	g := NewGraph(self)

	g.AddEdge("self", "relay", nil, 1, 0)
	g.AddEdge("relay", "self", nil, 1, 0)
	g.AddEdge("relay", "leaf", nil, 1, 0)
	g.AddEdge("leaf", "relay", nil, 1, 0)

	g.Run(time.Now())

	leaf, ok := g.Lookup("leaf")
	if !ok || !leaf.Status.Reachable {
		t.Fatal("expected leaf to be reachable via relay")
	}
	if leaf.Distance != 2 {
		t.Fatalf("expected distance 2, got %d", leaf.Distance)
	}
	relay, _ := g.Lookup("relay")
	if leaf.NextHop != relay.NextHop {
		t.Fatalf("expected leaf's next-hop to match relay's (both route through relay)")
	}
}

func TestGraphUnreachableAfterEdgeRemoved(t *testing.T) {
	self := newNode("self")
	g := NewGraph(self)

	g.AddEdge("self", "bob", nil, 1, 0)
	g.AddEdge("bob", "self", nil, 1, 0)
	g.Run(time.Now())

	var gotUnreachable bool
	g.ReachabilityChanged = func(n *Node, reachable bool) {
		if n.Name == "bob" && !reachable {
			gotUnreachable = true
		}
	}

	g.DelEdge("self", "bob")
	g.Run(time.Now())

	if !gotUnreachable {
		t.Fatal("expected bob to transition to unreachable")
	}
}

func TestForgetRemovesNodeAndEdges(t *testing.T) {
	self := newNode("self")
	g := NewGraph(self)
	g.AddEdge("self", "bob", nil, 1, 0)
	g.AddEdge("bob", "self", nil, 1, 0)

	g.Forget("bob")

	if _, ok := g.Lookup("bob"); ok {
		t.Fatal("expected bob to be forgotten")
	}
	if _, ok := self.Edges["bob"]; ok {
		t.Fatal("expected self's edge to bob to be removed")
	}
}
