package meshlink

import (
	"context"
	"net"
	"testing"
	"time"
)

// TestMetaConnectionEstablishesOverSPTPS drives two meshes' meta-connection
// handling across a real loopback TCP socket, exercising the cleartext ID
// exchange, the SPTPS handshake that follows it, and the encrypted ACK/edge
// exchange that completes AUTH_WAIT_ACK -> ACTIVE (§4.2).
func TestMetaConnectionEstablishesOverSPTPS(t *testing.T) {
	foo := openTestMesh(t, "foo")
	bar := openTestMesh(t, "bar")

	// Seed each side with the other's identity, so handleID can start SPTPS
	// immediately instead of detouring through REQ_PUBKEY.
	foo.graph.Node("bar").PublicKey = bar.self.PublicKey
	bar.graph.Node("foo").PublicKey = foo.self.PublicKey

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	go bar.acceptLoop(l)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := foo.Connect(ctx, "bar", l.Addr().String()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		foo.mu.Lock()
		fooConn, fooOK := foo.connections["bar"]
		foo.mu.Unlock()

		bar.mu.Lock()
		barConn, barOK := bar.connections["foo"]
		bar.mu.Unlock()

		if fooOK && barOK && fooConn.Status.Active && barConn.Status.Active {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("meta-connection did not reach ACTIVE on both sides: foo=%v bar=%v", fooOK && fooConn != nil && fooConn.Status.Active, barOK && barConn != nil && barConn.Status.Active)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if e, ok := foo.graph.Edge("foo", "bar"); !ok || e.Weight <= 0 {
		t.Fatalf("expected foo to have recorded a self->bar edge, got %v %v", e, ok)
	}
	if e, ok := bar.graph.Edge("bar", "foo"); !ok || e.Weight <= 0 {
		t.Fatalf("expected bar to have recorded a self->foo edge, got %v %v", e, ok)
	}

	foo.mu.Lock()
	fooConn := foo.connections["bar"]
	foo.mu.Unlock()
	fooConn.Close()
}
