package meshlink

import (
	"context"
	"math/rand"
	"sort"
	"time"
)

// autoconnect implements the periodic controller of §4.4: it keeps the
// number of active outgoing connections within each device class's
// min/max_connects band, prunes redundant links, and probabilistically
// retries unreachable nodes to heal partitions.
type autoconnect struct {
	mesh *Mesh

	duplicateBackoff time.Duration
	duplicateUntil   time.Time
}

func newAutoconnect(m *Mesh) *autoconnect {
	return &autoconnect{mesh: m}
}

// tick runs one pass of the controller.
func (a *autoconnect) tick(now time.Time) {
	m := a.mesh

	if now.Before(a.duplicateUntil) {
		return
	}

	m.mu.Lock()
	cur := 0
	for _, c := range m.connections {
		if c.Status.Active {
			cur++
		}
	}
	m.mu.Unlock()

	traits := m.self.Traits()
	retryTimeout := retryTimeoutFor(m.graph.NodeCount())

	switch {
	case cur < traits.MinConnects:
		if n := a.bestCandidate(now, retryTimeout); n != nil {
			a.attempt(n)
		}
	case cur < traits.MaxConnects:
		a.fillByClass(now, retryTimeout)
	case cur <= traits.MaxConnects:
		a.pruneRedundant(traits.MinConnects)
	default:
		a.pruneAny()
	}

	a.healPartition(now)
}

// retryTimeoutFor implements "retry_timeout = min(nodes.count * 5, 60)".
func retryTimeoutFor(nodeCount int) time.Duration {
	secs := nodeCount * 5
	if secs > 60 {
		secs = 60
	}
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// bestCandidate picks the best node to dial per step 1: not self, not
// already connected, not blacklisted, dev_class <= maxClass, and either
// never tried or past its retry timeout, ordered (devclass ASC,
// last_successful DESC).
func (a *autoconnect) bestCandidate(now time.Time, retryTimeout time.Duration) *Node {
	m := a.mesh
	m.mu.Lock()
	connected := make(map[string]bool, len(m.connections))
	for name, c := range m.connections {
		if c.Status.Active || c.Status.Connecting {
			connected[name] = true
		}
	}
	m.mu.Unlock()

	var candidates []*Node
	for _, n := range m.graph.Nodes() {
		if n == m.self || connected[n.Name] || n.Status.Blacklisted {
			continue
		}
		if n.DevClass > m.self.DevClass {
			continue
		}
		if !n.LastConnectTry.IsZero() && now.Sub(n.LastConnectTry) < retryTimeout {
			continue
		}
		if n.CanonicalAddress == "" && len(n.Recent) == 0 {
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].DevClass != candidates[j].DevClass {
			return candidates[i].DevClass < candidates[j].DevClass
		}
		if !candidates[i].LastSuccessful.Equal(candidates[j].LastSuccessful) {
			return candidates[i].LastSuccessful.After(candidates[j].LastSuccessful)
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates[0]
}

// fillByClass implements step 2: for each class from BACKBONE up to ours,
// top up to min_connects peers of exactly that class.
func (a *autoconnect) fillByClass(now time.Time, retryTimeout time.Duration) {
	m := a.mesh
	traits := m.self.Traits()

	m.mu.Lock()
	countByClass := make(map[DevClass]int)
	for _, c := range m.connections {
		if c.Status.Active && c.Node != nil {
			countByClass[c.Node.DevClass]++
		}
	}
	m.mu.Unlock()

	for class := DevClassBackbone; class <= m.self.DevClass; class++ {
		if countByClass[class] >= traits.MinConnects {
			continue
		}
		if n := a.bestOfClass(now, retryTimeout, class); n != nil {
			a.attempt(n)
			return
		}
	}
}

func (a *autoconnect) bestOfClass(now time.Time, retryTimeout time.Duration, class DevClass) *Node {
	m := a.mesh
	m.mu.Lock()
	connected := make(map[string]bool, len(m.connections))
	for name, c := range m.connections {
		if c.Status.Active || c.Status.Connecting {
			connected[name] = true
		}
	}
	m.mu.Unlock()

	var candidates []*Node
	for _, n := range m.graph.Nodes() {
		if n == m.self || n.DevClass != class || connected[n.Name] || n.Status.Blacklisted {
			continue
		}
		if !n.LastConnectTry.IsZero() && now.Sub(n.LastConnectTry) < retryTimeout {
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastSuccessful.After(candidates[j].LastSuccessful)
	})
	return candidates[0]
}

// pruneRedundant implements step 3: tear down a random outgoing connection
// at or above a class that already exceeds min_connects, provided the peer
// has at least two edges of its own (so removing it cannot partition it).
func (a *autoconnect) pruneRedundant(minConnects int) {
	m := a.mesh
	m.mu.Lock()
	defer m.mu.Unlock()

	countByClass := make(map[DevClass]int)
	for _, c := range m.connections {
		if c.Status.Active && c.Node != nil {
			countByClass[c.Node.DevClass]++
		}
	}

	var victims []*Connection
	for _, c := range m.connections {
		if !c.Status.Active || c.Outgoing == nil || c.Node == nil {
			continue
		}
		if countByClass[c.Node.DevClass] <= minConnects {
			continue
		}
		if len(c.Node.Edges) < 2 {
			continue
		}
		victims = append(victims, c)
	}
	if len(victims) == 0 {
		return
	}
	victim := victims[rand.Intn(len(victims))]
	victim.Close()
	delete(m.connections, victim.Node.Name)
}

// pruneAny implements step 4: at or above max_connects, drop a random
// active outgoing connection unconditionally.
func (a *autoconnect) pruneAny() {
	m := a.mesh
	m.mu.Lock()
	defer m.mu.Unlock()

	var victims []*Connection
	for _, c := range m.connections {
		if c.Status.Active && c.Outgoing != nil {
			victims = append(victims, c)
		}
	}
	if len(victims) == 0 {
		return
	}
	victims[rand.Intn(len(victims))].Close()
}

// healPartition implements step 5: with probability proportional to
// 1/nodes.count, retry one unreachable, non-blacklisted, unconnected node.
func (a *autoconnect) healPartition(now time.Time) {
	m := a.mesh
	nodes := m.graph.Nodes()
	if len(nodes) <= 1 {
		return
	}
	if rand.Intn(len(nodes)) != 0 {
		return
	}

	m.mu.Lock()
	connected := make(map[string]bool, len(m.connections))
	for name := range m.connections {
		connected[name] = true
	}
	m.mu.Unlock()

	var candidates []*Node
	for _, n := range nodes {
		if n == m.self || n.Status.Reachable || n.Status.Blacklisted || connected[n.Name] {
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return
	}
	a.attempt(candidates[rand.Intn(len(candidates))])
}

// attempt dials n's next enumerated address and records the outgoing wish.
func (a *autoconnect) attempt(n *Node) {
	m := a.mesh
	n.LastConnectTry = time.Now()

	m.mu.Lock()
	o, ok := m.outgoing[n.Name]
	if !ok {
		o = NewOutgoing(n.Name)
		m.outgoing[n.Name] = o
	}
	m.mu.Unlock()

	addr, ok := o.NextAddress(n, m.graph)
	if !ok {
		o.Reset()
		return
	}

	if cb := m.onTry; cb != nil {
		cb(m, n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Connect(ctx, n.Name, addr); err != nil {
		m.log.WithError(err).WithField("node", n.Name).Debug("autoconnect dial failed")
	}
}

// recordContradictionBurst implements the suspected-duplicate-name
// detection of §4.4: when ADD_EDGE and DEL_EDGE contradictions both exceed
// 100 in one period, sleep for an exponentially growing interval capped at
// 3600s before the controller runs again.
func (a *autoconnect) recordContradictionBurst(addContradictions, delContradictions int, now time.Time) {
	if addContradictions <= 100 || delContradictions <= 100 {
		return
	}
	if a.duplicateBackoff == 0 {
		a.duplicateBackoff = time.Second
	} else {
		a.duplicateBackoff *= 2
	}
	if a.duplicateBackoff > time.Hour {
		a.duplicateBackoff = time.Hour
	}
	a.duplicateUntil = now.Add(a.duplicateBackoff)
}
