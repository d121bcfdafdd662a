package natutil

import "testing"

func TestProtocolLower(t *testing.T) {
	cases := map[string]string{"TCP": "tcp", "UDP": "udp"}
	for in, want := range cases {
		if got := protocolLower(in); got != want {
			t.Fatalf("protocolLower(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUnmapWithNoMappingsIsNoop(t *testing.T) {
	m := &Manager{}
	if err := m.Unmap(); err != nil {
		t.Fatalf("unmap with no mappings: %v", err)
	}
}

func TestMapPortWithoutGatewayFails(t *testing.T) {
	m := &Manager{}
	if err := m.MapTCP(12345); err != ErrNoGateway {
		t.Fatalf("expected ErrNoGateway, got %v", err)
	}
	if err := m.MapUDP(12345); err != ErrNoGateway {
		t.Fatalf("expected ErrNoGateway, got %v", err)
	}
}
