package metrics

import (
	"context"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

type fakeSource struct{ nodes, edges, connections int }

func (f fakeSource) NodeCount() int       { return f.nodes }
func (f fakeSource) EdgeCount() int       { return f.edges }
func (f fakeSource) ConnectionCount() int { return f.connections }

func TestSnapshotReadsSource(t *testing.T) {
	c := New(fakeSource{nodes: 3, edges: 5, connections: 2}, os.Stderr)
	s := c.Snapshot()
	if s.Nodes != 3 || s.Edges != 5 || s.Connections != 2 {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}

func TestCollectUpdatesGaugesAndHandler(t *testing.T) {
	c := New(fakeSource{nodes: 1, edges: 1, connections: 1}, os.Stderr)
	c.RecordBytes("alice", "out", 128)
	c.RecordPacket("alice", "out")
	c.RecordContradiction()
	c.RecordReplayDropped()
	c.RecordUDPTryHarder()
	c.SetPMTU("alice", 1400)
	c.Collect()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"meshlink_nodes",
		"meshlink_bytes_total",
		"meshlink_edge_contradictions_total",
		"meshlink_pmtu_bytes",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	c := New(fakeSource{}, os.Stderr)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Millisecond)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
