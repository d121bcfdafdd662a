package meshlink

import (
	"context"
	"testing"
	"time"
)

func TestADNSWorkerResolveLocalhost(t *testing.T) {
	w := newADNSWorker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case res := <-w.Resolve("localhost", 2*time.Second):
		if res.err != nil {
			t.Fatalf("Resolve(localhost): %v", res.err)
		}
		if len(res.addrs) == 0 {
			t.Fatal("expected at least one address for localhost")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for resolution")
	}
}

func TestADNSWorkerQueueFull(t *testing.T) {
	w := newADNSWorker()
	// No Run goroutine draining the queue: fill it to capacity, then the
	// next enqueue attempt must fail fast with ErrResolveQueueFull rather
	// than block.
	for i := 0; i < cap(w.queue); i++ {
		w.queue <- adnsRequest{host: "x", deadline: time.Now().Add(time.Minute), done: make(chan adnsResult, 1)}
	}
	res := <-w.Resolve("overflow", time.Second)
	if res.err != ErrResolveQueueFull {
		t.Fatalf("expected ErrResolveQueueFull, got %v", res.err)
	}
}

func TestADNSWorkerResolveBlocking(t *testing.T) {
	w := newADNSWorker()
	addrs, err := w.ResolveBlocking("localhost", 2*time.Second)
	if err != nil {
		t.Fatalf("ResolveBlocking(localhost): %v", err)
	}
	if len(addrs) == 0 {
		t.Fatal("expected at least one address for localhost")
	}
}

func TestResolveCanonicalPassesThroughWithoutWorker(t *testing.T) {
	m := openTestMesh(t, "self")
	got, err := m.resolveCanonical("localhost:655", time.Second)
	if err != nil {
		t.Fatalf("resolveCanonical: %v", err)
	}
	if got != "localhost:655" {
		t.Fatalf("expected the hostport to pass through unresolved when no ADNS worker is attached, got %q", got)
	}
}
