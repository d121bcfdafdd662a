package meshlink

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// pingInterval and pingTimeout bound how long a meta-connection may sit idle
// before a PING is sent, and how long a PING may go unanswered (§4.2/§5).
const (
	pingInterval = 60 * time.Second
	pingTimeout  = 10 * time.Second
)

// eventLoop is the mesh's single background maintenance goroutine. The
// original reactor multiplexes sockets, timers, and a self-pipe signal
// through one select() call; this rewrite instead gives every socket its
// own goroutine (acceptLoop, serveConnection, udpState.ReadLoop) and keeps
// only the periodic, mutex-guarded bookkeeping here: ping sweeps, the
// autoconnect controller, and PMTU probing. Context cancellation replaces
// the reactor's "set running=false and wake select with a loopback packet"
// shutdown sequence.
type eventLoop struct {
	mesh *Mesh

	clk    clock.Clock
	ticker *clock.Ticker
	ac     *autoconnect
}

// newEventLoop constructs the mesh's maintenance loop. Start has not yet
// opened listeners when this is called; the loop's first tick only fires
// once Run begins.
func newEventLoop(m *Mesh) *eventLoop {
	return newEventLoopWithClock(m, clock.New())
}

// newEventLoopWithClock builds the loop against an injected clock, so tests
// can drive ping sweeps and PMTU probing with a clock.Mock instead of
// waiting on a real one-second ticker.
func newEventLoopWithClock(m *Mesh, clk clock.Clock) *eventLoop {
	return &eventLoop{
		mesh:   m,
		clk:    clk,
		ticker: clk.Ticker(time.Second),
		ac:     newAutoconnect(m),
	}
}

// Run drives the periodic maintenance tasks until ctx is canceled.
func (l *eventLoop) Run(ctx context.Context) error {
	defer l.ticker.Stop()

	acEvery := 5 * time.Second
	pmtuEvery := 1 * time.Second
	lastAC := time.Time{}
	lastPMTU := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-l.ticker.C:
			l.pingSweep(now)

			if now.Sub(lastAC) >= acEvery {
				lastAC = now
				l.ac.tick(now)
			}
			if now.Sub(lastPMTU) >= pmtuEvery {
				lastPMTU = now
				l.pmtuSweep(now)
			}
		}
	}
}

// pingSweep walks every active meta-connection, sending PING/closing idle
// links per §4.2's ping/pong discipline.
func (l *eventLoop) pingSweep(now time.Time) {
	m := l.mesh
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.pingTick(c, pingInterval, pingTimeout, now)
	}
}

// pmtuSweep advances every reachable node's PMTU state machine by one tick.
func (l *eventLoop) pmtuSweep(now time.Time) {
	m := l.mesh
	for _, n := range m.graph.Nodes() {
		if n == m.self {
			continue
		}
		m.pmtuTick(n, now)
	}
}
