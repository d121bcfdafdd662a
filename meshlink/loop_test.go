package meshlink

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestNewEventLoopConstructsTicker(t *testing.T) {
	m := openTestMesh(t, "self")
	l := newEventLoop(m)
	defer l.ticker.Stop()

	if l.ticker == nil {
		t.Fatal("expected a ticker to be constructed")
	}
	if l.ac == nil {
		t.Fatal("expected an autoconnect controller to be constructed")
	}
}

func TestPingSweepSendsPingOnIdleConnection(t *testing.T) {
	m := openTestMesh(t, "self")
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	bob := m.graph.Node("bob")
	conn := NewConnection(server, true)
	conn.Node = bob
	conn.Status.Active = true
	conn.LastPing = time.Now().Add(-2 * pingInterval)
	m.connections["bob"] = conn

	l := newEventLoop(m)
	defer l.ticker.Stop()

	readDone := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, err := client.Read(buf)
		if err != nil {
			readDone <- ""
			return
		}
		readDone <- string(buf[:n])
	}()

	l.pingSweep(time.Now())

	select {
	case line := <-readDone:
		if line == "" {
			t.Fatal("expected a PING line to be written to the peer")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PING to be written")
	}
	if !conn.Status.Pinged {
		t.Fatal("expected the connection to be marked Pinged")
	}
}

func TestPingSweepClosesUnansweredConnection(t *testing.T) {
	m := openTestMesh(t, "self")
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })

	bob := m.graph.Node("bob")
	conn := NewConnection(server, true)
	conn.Node = bob
	conn.Status.Active = true
	conn.Status.Pinged = true
	conn.LastPing = time.Now().Add(-2 * pingTimeout)
	m.connections["bob"] = conn

	l := newEventLoop(m)
	defer l.ticker.Stop()

	l.pingSweep(time.Now())

	if _, err := server.Write([]byte("x")); err == nil {
		t.Fatal("expected the connection to be closed after exceeding pingTimeout unanswered")
	}
}

func TestRunDrivesTicksOnMockClock(t *testing.T) {
	m := openTestMesh(t, "self")
	mock := clock.NewMock()
	l := newEventLoopWithClock(m, mock)
	defer l.ticker.Stop()

	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	bob := m.graph.Node("bob")
	conn := NewConnection(server, true)
	conn.Node = bob
	conn.Status.Active = true
	conn.LastPing = mock.Now().Add(-2 * pingInterval)
	m.connections["bob"] = conn

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(runDone)
	}()

	readDone := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, err := client.Read(buf)
		if err != nil {
			readDone <- ""
			return
		}
		readDone <- string(buf[:n])
	}()

	mock.Add(time.Second)

	select {
	case line := <-readDone:
		if line == "" {
			t.Fatal("expected the mock clock's first tick to trigger a ping sweep")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the mock-clock-driven ping sweep")
	}

	cancel()
	<-runDone
}

func TestPMTUSweepSkipsSelfAndUnreachableNodes(t *testing.T) {
	m := openTestMesh(t, "self")
	m.graph.Node("bob") // unreachable, no SPTPS session

	l := newEventLoop(m)
	defer l.ticker.Stop()

	// Must not panic: self is skipped outright, bob is skipped for lacking
	// both reachability and an SPTPS session.
	l.pmtuSweep(time.Now())
}
