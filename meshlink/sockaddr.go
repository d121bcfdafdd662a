package meshlink

import (
	"encoding/binary"
	"net"

	"github.com/meshlink/meshlink/internal/configstore"
)

// encodeSockaddr converts a net.Addr into the extension-typed sockaddr
// payload §4.8's HostConfig schema persists: family 4 is a 14-byte
// port+IPv4+padding blob, family 6 is a 22-byte port+IPv6+padding blob. The
// address family tag itself conveys what a libc sockaddr's sa_family field
// would, so it is not duplicated inside the payload.
func encodeSockaddr(addr net.Addr) (configstore.RecentAddress, bool) {
	_, _, ip := splitAddr(addr)
	if ip == nil {
		return configstore.RecentAddress{}, false
	}
	port := uint16(portOf(addr))

	if v4 := ip.To4(); v4 != nil {
		data := make([]byte, 14)
		binary.BigEndian.PutUint16(data[0:2], port)
		copy(data[2:6], v4)
		return configstore.RecentAddress{Family: 4, Data: data}, true
	}

	v6 := ip.To16()
	data := make([]byte, 22)
	binary.BigEndian.PutUint16(data[0:2], port)
	copy(data[2:18], v6)
	return configstore.RecentAddress{Family: 6, Data: data}, true
}

// decodeSockaddr is the inverse of encodeSockaddr, yielding a *net.TCPAddr.
func decodeSockaddr(ra configstore.RecentAddress) net.Addr {
	switch ra.Family {
	case 4:
		if len(ra.Data) < 6 {
			return nil
		}
		port := binary.BigEndian.Uint16(ra.Data[0:2])
		ip := net.IP(append([]byte(nil), ra.Data[2:6]...))
		return &net.TCPAddr{IP: ip, Port: int(port)}
	case 6:
		if len(ra.Data) < 18 {
			return nil
		}
		port := binary.BigEndian.Uint16(ra.Data[0:2])
		ip := net.IP(append([]byte(nil), ra.Data[2:18]...))
		return &net.TCPAddr{IP: ip, Port: int(port)}
	default:
		return nil
	}
}

func splitAddr(addr net.Addr) (host, port string, ip net.IP) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String(), "", a.IP
	case *net.UDPAddr:
		return a.IP.String(), "", a.IP
	default:
		h, p, err := net.SplitHostPort(addr.String())
		if err != nil {
			return "", "", nil
		}
		return h, p, net.ParseIP(h)
	}
}

func parsePort(s string) uint16 {
	if s == "" {
		return 0
	}
	var n uint16
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + uint16(c-'0')
	}
	return n
}

// portOf extracts the numeric port directly from a *net.TCPAddr/*net.UDPAddr
// without the string round-trip splitAddr needs for exotic net.Addr types.
func portOf(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.Port
	case *net.UDPAddr:
		return a.Port
	default:
		return 0
	}
}
