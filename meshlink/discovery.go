package meshlink

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// mDNS group addresses and port, per §4.11.
var (
	mdnsGroupV4 = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}
	mdnsGroupV6 = &net.UDPAddr{IP: net.ParseIP("ff02::fb"), Port: 5353}
)

// discovery announces and listens for mDNS peer-discovery messages on every
// multicast-capable interface. It is created only when local discovery is
// enabled for a mesh.
type discovery struct {
	mesh *Mesh

	conn4 *net.UDPConn
	conn6 *net.UDPConn
	pkt4  *ipv4.PacketConn
	pkt6  *ipv6.PacketConn

	announceEvery time.Duration
}

// newDiscovery opens the IPv4 and IPv6 mDNS sockets and joins the multicast
// group on every currently-up, multicast-capable interface.
func newDiscovery(m *Mesh) (*discovery, error) {
	d := &discovery{mesh: m, announceEvery: 30 * time.Second}

	c4, err := net.ListenUDP("udp4", &net.UDPAddr{Port: mdnsGroupV4.Port})
	if err != nil {
		return nil, fmt.Errorf("mdns: listen ipv4: %w", err)
	}
	d.conn4 = c4
	d.pkt4 = ipv4.NewPacketConn(c4)

	c6, err := net.ListenUDP("udp6", &net.UDPAddr{Port: mdnsGroupV6.Port})
	if err == nil {
		d.conn6 = c6
		d.pkt6 = ipv6.NewPacketConn(c6)
	}

	ifaces, _ := net.Interfaces()
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagMulticast == 0 || ifi.Flags&net.FlagUp == 0 {
			continue
		}
		_ = d.pkt4.JoinGroup(&ifi, mdnsGroupV4)
		if d.pkt6 != nil {
			_ = d.pkt6.JoinGroup(&ifi, mdnsGroupV6)
		}
	}

	return d, nil
}

// Run announces this node periodically and services inbound responses until
// ctx is canceled.
func (d *discovery) Run(ctx context.Context) error {
	defer d.conn4.Close()
	if d.conn6 != nil {
		defer d.conn6.Close()
	}

	go d.readLoop(ctx, d.conn4)
	if d.conn6 != nil {
		go d.readLoop(ctx, d.conn6)
	}

	ticker := time.NewTicker(d.announceEvery)
	defer ticker.Stop()

	d.announce()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.announce()
		}
	}
}

// announce builds the PTR/SRV/TXT message of §4.11 and sends it to both
// multicast groups.
func (d *discovery) announce() {
	m := d.mesh
	appName := m.params.AppName
	port := uint16(m.listenPort())

	service := fmt.Sprintf("_%s._tcp.local.", appName)
	instance := fmt.Sprintf("%s._%s._tcp.local.", m.self.Name, appName)

	msg := new(dns.Msg)
	msg.Response = true
	msg.Answer = append(msg.Answer, &dns.PTR{
		Hdr: dns.RR_Header{Name: service, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 120},
		Ptr: instance,
	})
	msg.Answer = append(msg.Answer, &dns.SRV{
		Hdr:      dns.RR_Header{Name: instance, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 120},
		Priority: 0, Weight: 0, Port: port, Target: instance,
	})
	msg.Answer = append(msg.Answer, &dns.TXT{
		Hdr: dns.RR_Header{Name: instance, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 120},
		Txt: []string{
			"name=" + m.self.Name,
			"fingerprint=" + base64.StdEncoding.EncodeToString(m.self.PublicKey),
		},
	})

	packed, err := msg.Pack()
	if err != nil {
		return
	}
	_, _ = d.conn4.WriteTo(packed, mdnsGroupV4)
	if d.conn6 != nil {
		_, _ = d.conn6.WriteTo(packed, mdnsGroupV6)
	}
}

// readLoop services one mDNS socket, handing every response to handleResponse.
func (d *discovery) readLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 4096)
	for {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		var msg dns.Msg
		if err := msg.Unpack(buf[:n]); err != nil {
			continue
		}
		d.handleResponse(&msg, from)
	}
}

// handleResponse implements the reception half of §4.11: extract the
// fingerprint and SRV port, and if the fingerprint matches a known node,
// record the sender's address and trigger a reconnection attempt.
func (d *discovery) handleResponse(msg *dns.Msg, from *net.UDPAddr) {
	m := d.mesh
	appName := m.params.AppName
	suffix := fmt.Sprintf("._%s._tcp.local.", appName)

	var fingerprint string
	var srvPort uint16
	for _, rr := range msg.Answer {
		switch rec := rr.(type) {
		case *dns.TXT:
			for _, kv := range rec.Txt {
				if len(kv) > 12 && kv[:12] == "fingerprint=" {
					fingerprint = kv[12:]
				}
			}
		case *dns.SRV:
			if len(rec.Hdr.Name) > len(suffix) {
				srvPort = rec.Port
			}
		}
	}
	if fingerprint == "" {
		return
	}

	pub, err := base64.StdEncoding.DecodeString(fingerprint)
	if err != nil {
		return
	}

	for _, n := range m.graph.Nodes() {
		if n == m.self || string(n.PublicKey) != string(pub) {
			continue
		}
		port := srvPort
		if port == 0 {
			port = uint16(from.Port)
		}
		addr := &net.UDPAddr{IP: from.IP, Port: int(port)}
		n.AddRecentAddress(addr)

		m.mu.Lock()
		if o, ok := m.outgoing[n.Name]; ok {
			o.Reset()
		}
		m.mu.Unlock()

		logrus.WithField("node", n.Name).Debug("mdns: discovered peer address")
		return
	}
}
