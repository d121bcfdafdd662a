// Package natutil discovers the local gateway and maps the node's TCP and
// UDP listen ports through it, so peers behind NAT can still be reached at a
// canonical external address.
package natutil

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
)

// ErrNoGateway is returned when neither NAT-PMP nor UPnP can be reached.
var ErrNoGateway = errors.New("natutil: no NAT-PMP or UPnP gateway found")

const leaseDuration = 2 * time.Hour

// Manager discovers a home-router gateway and maps ports through it, trying
// NAT-PMP first and falling back to UPnP IGDv1.
type Manager struct {
	ip      net.IP
	gateway net.IP
	pmp     *natpmp.Client
	upnp    *internetgateway1.WANIPConnection1

	mapped []mapping
}

type mapping struct {
	protocol string
	port     uint16
}

// New discovers the gateway and the node's external IP address. It tries
// NAT-PMP first (cheap, UDP-based) and falls back to UPnP IGDv1 discovery.
func New() (*Manager, error) {
	gw, gwErr := gateway.DiscoverGateway()
	if gwErr == nil {
		pmp := natpmp.NewClient(gw)
		if resp, pmpErr := pmp.GetExternalAddress(); pmpErr == nil {
			ip := net.IPv4(resp.ExternalIPAddress[0], resp.ExternalIPAddress[1], resp.ExternalIPAddress[2], resp.ExternalIPAddress[3])
			return &Manager{ip: ip, gateway: gw, pmp: pmp}, nil
		}
	}

	clients, _, upnpErr := internetgateway1.NewWANIPConnection1Clients()
	if upnpErr != nil || len(clients) == 0 {
		return nil, ErrNoGateway
	}
	conn := clients[0]
	extIP, err := conn.GetExternalIPAddress()
	if err != nil {
		return nil, fmt.Errorf("natutil: upnp external ip: %w", err)
	}
	ip := net.ParseIP(extIP)
	if ip == nil {
		return nil, fmt.Errorf("natutil: upnp returned unparsable address %q", extIP)
	}
	return &Manager{ip: ip, gateway: gw, upnp: conn}, nil
}

// ExternalIP returns the node's publicly reachable address as seen by the
// gateway.
func (m *Manager) ExternalIP() net.IP {
	return m.ip
}

// MapTCP opens a port-forward for the node's TCP meta-connection listener.
func (m *Manager) MapTCP(port uint16) error {
	return m.mapPort("TCP", port)
}

// MapUDP opens a port-forward for the node's UDP data-path socket.
func (m *Manager) MapUDP(port uint16) error {
	return m.mapPort("UDP", port)
}

func (m *Manager) mapPort(protocol string, port uint16) error {
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping(protocolLower(protocol), int(port), int(port), int(leaseDuration.Seconds())); err != nil {
			return fmt.Errorf("natutil: nat-pmp map %s/%d: %w", protocol, port, err)
		}
	} else if m.upnp != nil {
		localIP, err := localAddrFor(m.gateway)
		if err != nil {
			return err
		}
		if err := m.upnp.AddPortMapping("", port, protocol, port, localIP.String(), true, "meshlink", uint32(leaseDuration.Seconds())); err != nil {
			return fmt.Errorf("natutil: upnp map %s/%d: %w", protocol, port, err)
		}
	} else {
		return ErrNoGateway
	}
	m.mapped = append(m.mapped, mapping{protocol: protocol, port: port})
	return nil
}

// Unmap tears down every port mapping this Manager has established.
func (m *Manager) Unmap() error {
	var firstErr error
	for _, mp := range m.mapped {
		if err := m.unmapOne(mp); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.mapped = nil
	return firstErr
}

func (m *Manager) unmapOne(mp mapping) error {
	if m.pmp != nil {
		_, err := m.pmp.AddPortMapping(protocolLower(mp.protocol), int(mp.port), 0, 0)
		return err
	}
	if m.upnp != nil {
		return m.upnp.DeletePortMapping("", mp.port, mp.protocol)
	}
	return ErrNoGateway
}

func protocolLower(protocol string) string {
	if protocol == "TCP" {
		return "tcp"
	}
	return "udp"
}

// localAddrFor picks the local interface address used to reach the gateway,
// needed by UPnP's AddPortMapping to know which internal client to forward
// to. If the gateway address is unknown it falls back to the address used to
// reach the public internet.
func localAddrFor(gw net.IP) (net.IP, error) {
	target := "8.8.8.8:80"
	if gw != nil {
		target = net.JoinHostPort(gw.String(), "7")
	}
	conn, err := net.Dial("udp", target)
	if err != nil {
		return nil, fmt.Errorf("natutil: determine local address: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}
