package meshlink

import (
	"net"
	"testing"
	"time"
)

func TestRetryTimeoutFor(t *testing.T) {
	cases := []struct {
		nodes int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 5 * time.Second},
		{10, 50 * time.Second},
		{20, 60 * time.Second},
		{1000, 60 * time.Second},
	}
	for _, c := range cases {
		if got := retryTimeoutFor(c.nodes); got != c.want {
			t.Errorf("retryTimeoutFor(%d) = %v, want %v", c.nodes, got, c.want)
		}
	}
}

func openTestMesh(t *testing.T, name string) *Mesh {
	t.Helper()
	m, err := Open(OpenParams{AppName: "test", Name: name, Storage: StorageDisabled})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return m
}

func TestBestCandidateSkipsBlacklistedAndHigherClass(t *testing.T) {
	m := openTestMesh(t, "self")
	m.self.DevClass = DevClassStationary

	backbone := m.graph.Node("backbone")
	backbone.DevClass = DevClassBackbone
	backbone.CanonicalAddress = "10.0.0.1:1"

	blacklisted := m.graph.Node("blacklisted")
	blacklisted.DevClass = DevClassBackbone
	blacklisted.CanonicalAddress = "10.0.0.2:1"
	blacklisted.Status.Blacklisted = true

	portable := m.graph.Node("portable")
	portable.DevClass = DevClassPortable
	portable.CanonicalAddress = "10.0.0.3:1"

	a := newAutoconnect(m)
	got := a.bestCandidate(time.Now(), retryTimeoutFor(m.graph.NodeCount()))
	if got == nil || got.Name != "backbone" {
		t.Fatalf("expected backbone to be selected, got %v", got)
	}
}

func TestBestCandidateRespectsRetryTimeout(t *testing.T) {
	m := openTestMesh(t, "self")
	n := m.graph.Node("bob")
	n.CanonicalAddress = "10.0.0.1:1"
	n.LastConnectTry = time.Now()

	a := newAutoconnect(m)
	if got := a.bestCandidate(time.Now(), time.Minute); got != nil {
		t.Fatalf("expected no candidate within retry timeout, got %v", got)
	}
}

func TestPruneRedundantRequiresTwoEdgesOnPeer(t *testing.T) {
	m := openTestMesh(t, "self")
	m.self.DevClass = DevClassUnknown
	traits := deviceClassTraits[m.self.DevClass]

	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	bob := m.graph.Node("bob")
	bob.Edges["x"] = &Edge{}
	conn := NewConnection(server, false)
	conn.Node = bob
	conn.Outgoing = &Outgoing{}
	conn.Status.Active = true
	m.connections["bob"] = conn

	a := newAutoconnect(m)
	a.pruneRedundant(traits.MinConnects - 1)
	if _, ok := m.connections["bob"]; !ok {
		t.Fatal("expected no pruning: peer only has one edge")
	}

	bob.Edges["y"] = &Edge{}
	a.pruneRedundant(traits.MinConnects - 1)
	if _, ok := m.connections["bob"]; ok {
		t.Fatal("expected connection to be pruned once peer has two edges and count exceeds min")
	}
}

func TestRecordContradictionBurstBacksOffExponentially(t *testing.T) {
	a := &autoconnect{}
	now := time.Now()

	a.recordContradictionBurst(50, 50, now)
	if a.duplicateBackoff != 0 {
		t.Fatal("expected no backoff below the 100 threshold")
	}

	a.recordContradictionBurst(101, 101, now)
	if a.duplicateBackoff != time.Second {
		t.Fatalf("expected first backoff of 1s, got %v", a.duplicateBackoff)
	}
	if !a.duplicateUntil.After(now) {
		t.Fatal("expected duplicateUntil to be set in the future")
	}

	a.recordContradictionBurst(200, 200, now)
	if a.duplicateBackoff != 2*time.Second {
		t.Fatalf("expected backoff to double to 2s, got %v", a.duplicateBackoff)
	}

	for i := 0; i < 20; i++ {
		a.recordContradictionBurst(200, 200, now)
	}
	if a.duplicateBackoff != time.Hour {
		t.Fatalf("expected backoff capped at 1h, got %v", a.duplicateBackoff)
	}
}

func TestHealPartitionSkipsReachableAndConnected(t *testing.T) {
	m := openTestMesh(t, "self")
	reachable := m.graph.Node("reachable")
	reachable.Status.Reachable = true

	m.connections["connected"] = &Connection{}
	m.graph.Node("connected")

	lonely := m.graph.Node("lonely")
	_ = lonely

	a := newAutoconnect(m)
	// With a single true candidate ("lonely"), healPartition may or may not
	// fire depending on the random draw; it must never attempt a dial on a
	// reachable or already-connected node regardless of that draw.
	for i := 0; i < 50; i++ {
		a.healPartition(time.Now())
	}
	if !reachable.LastConnectTry.IsZero() {
		t.Fatal("expected reachable node never to be dialed by healPartition")
	}
}
