// Package metrics collects runtime health statistics for a mesh node and
// exposes them both as structured JSON log events and as a Prometheus
// registry.
package metrics

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Source supplies the point-in-time counts a Collector samples on each
// collection tick. The root mesh handle implements it.
type Source interface {
	NodeCount() int
	EdgeCount() int
	ConnectionCount() int
}

// Snapshot is a point-in-time view of node health, mirrored to the JSON log.
type Snapshot struct {
	Nodes         int   `json:"nodes"`
	Edges         int   `json:"edges"`
	Connections   int   `json:"connections"`
	MemAlloc      uint64 `json:"mem_alloc"`
	NumGoroutines int   `json:"goroutines"`
	Timestamp     int64 `json:"timestamp"`
}

// Collector owns the Prometheus registry and structured logger for one mesh
// node. It is safe for concurrent use.
type Collector struct {
	source Source
	log    *logrus.Logger
	mu     sync.Mutex

	registry *prometheus.Registry

	nodeGauge       prometheus.Gauge
	edgeGauge       prometheus.Gauge
	connectionGauge prometheus.Gauge
	memAllocGauge   prometheus.Gauge
	goroutineGauge  prometheus.Gauge

	bytesCounter        *prometheus.CounterVec
	packetsCounter      *prometheus.CounterVec
	contradictionCount  prometheus.Counter
	replayDroppedCount  prometheus.Counter
	udpTryHarderCount   prometheus.Counter
	pmtuGauge           *prometheus.GaugeVec
}

// New constructs a Collector with its own Prometheus registry. Logged events
// are written as JSON to out (use os.Stdout for interactive daemons).
func New(source Source, out *os.File) *Collector {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(out)

	reg := prometheus.NewRegistry()
	c := &Collector{source: source, log: log, registry: reg}

	c.nodeGauge = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "meshlink_nodes", Help: "Number of known nodes.",
	})
	c.edgeGauge = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "meshlink_edges", Help: "Number of known edges.",
	})
	c.connectionGauge = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "meshlink_connections", Help: "Number of active meta-connections.",
	})
	c.memAllocGauge = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "meshlink_mem_alloc_bytes", Help: "Current heap allocation in bytes.",
	})
	c.goroutineGauge = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "meshlink_goroutines", Help: "Number of running goroutines.",
	})
	c.bytesCounter = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "meshlink_bytes_total", Help: "Bytes transferred per node and direction.",
	}, []string{"node", "direction"})
	c.packetsCounter = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "meshlink_packets_total", Help: "Packets transferred per node and direction.",
	}, []string{"node", "direction"})
	c.contradictionCount = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "meshlink_edge_contradictions_total", Help: "Contradicting ADD_EDGE/DEL_EDGE claims seen.",
	})
	c.replayDroppedCount = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "meshlink_replay_dropped_total", Help: "Datagrams dropped by the SPTPS replay window.",
	})
	c.udpTryHarderCount = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "meshlink_udp_try_harder_total", Help: "Times the UDP address-rebinding fallback ran.",
	})
	c.pmtuGauge = promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshlink_pmtu_bytes", Help: "Current path MTU estimate per node.",
	}, []string{"node"})

	return c
}

// RecordBytes accumulates a byte count transferred with a node, "in" or "out".
func (c *Collector) RecordBytes(node, direction string, n int) {
	c.bytesCounter.WithLabelValues(node, direction).Add(float64(n))
}

// RecordPacket accumulates a packet transferred with a node, "in" or "out".
func (c *Collector) RecordPacket(node, direction string) {
	c.packetsCounter.WithLabelValues(node, direction).Inc()
}

// RecordContradiction increments the edge-contradiction counter.
func (c *Collector) RecordContradiction() {
	c.contradictionCount.Inc()
}

// RecordReplayDropped increments the replay-window drop counter.
func (c *Collector) RecordReplayDropped() {
	c.replayDroppedCount.Inc()
}

// RecordUDPTryHarder increments the UDP address-rebinding fallback counter.
func (c *Collector) RecordUDPTryHarder() {
	c.udpTryHarderCount.Inc()
}

// SetPMTU records the current path-MTU estimate for a node.
func (c *Collector) SetPMTU(node string, mtu int) {
	c.pmtuGauge.WithLabelValues(node).Set(float64(mtu))
}

// Snapshot samples the current counts from the Source and runtime stats.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{Timestamp: time.Now().Unix(), NumGoroutines: runtime.NumGoroutine()}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.MemAlloc = mem.Alloc
	if c.source != nil {
		s.Nodes = c.source.NodeCount()
		s.Edges = c.source.EdgeCount()
		s.Connections = c.source.ConnectionCount()
	}
	return s
}

// Collect samples the Source and runtime stats, updates the gauges, and logs
// the snapshot as a structured JSON event.
func (c *Collector) Collect() {
	s := c.Snapshot()
	c.nodeGauge.Set(float64(s.Nodes))
	c.edgeGauge.Set(float64(s.Edges))
	c.connectionGauge.Set(float64(s.Connections))
	c.memAllocGauge.Set(float64(s.MemAlloc))
	c.goroutineGauge.Set(float64(s.NumGoroutines))

	c.mu.Lock()
	c.log.WithFields(logrus.Fields{
		"nodes": s.Nodes, "edges": s.Edges, "connections": s.Connections,
	}).Info("metrics recorded")
	c.mu.Unlock()
}

// LogEvent records an arbitrary structured event alongside the metrics log.
func (c *Collector) LogEvent(level logrus.Level, msg string, fields logrus.Fields) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.WithFields(fields).Log(level, msg)
}

// Run periodically calls Collect until ctx is canceled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-ctx.Done():
			return
		}
	}
}

// Handler returns the http.Handler serving this Collector's Prometheus
// registry in the text exposition format, for mounting under a daemon's
// introspection mux.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
