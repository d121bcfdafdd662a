package meshlink

import (
	"encoding/base64"
	"net"
	"testing"

	"github.com/miekg/dns"
)

func TestDiscoveryHandleResponseMatchesFingerprint(t *testing.T) {
	m := openTestMesh(t, "self")
	bob := m.graph.Node("bob")
	bob.PublicKey = []byte("0123456789012345678901234567890a")

	o := NewOutgoing("bob")
	m.outgoing["bob"] = o
	o.Attempt = 3 // nonzero, so we can observe Reset() clearing it

	d := &discovery{mesh: m}

	msg := &dns.Msg{}
	msg.Answer = append(msg.Answer, &dns.SRV{
		Hdr:  dns.RR_Header{Name: "bob._test._tcp.local."},
		Port: 4242,
	})
	msg.Answer = append(msg.Answer, &dns.TXT{
		Txt: []string{"name=bob", "fingerprint=" + base64.StdEncoding.EncodeToString(bob.PublicKey)},
	})

	from := &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 9999}
	d.handleResponse(msg, from)

	if len(bob.Recent) != 1 {
		t.Fatalf("expected one recent address recorded, got %d", len(bob.Recent))
	}
	udpAddr, ok := bob.Recent[0].(*net.UDPAddr)
	if !ok {
		t.Fatalf("expected a *net.UDPAddr, got %T", bob.Recent[0])
	}
	if udpAddr.Port != 4242 {
		t.Fatalf("expected the SRV port to be used, got %d", udpAddr.Port)
	}
	if o.Attempt != 0 {
		t.Fatalf("expected the outgoing wish to be reset, got Attempt=%d", o.Attempt)
	}
}

func TestDiscoveryHandleResponseIgnoresUnknownFingerprint(t *testing.T) {
	m := openTestMesh(t, "self")
	bob := m.graph.Node("bob")
	bob.PublicKey = []byte("known-key-known-key-known-key-32")

	d := &discovery{mesh: m}

	msg := &dns.Msg{}
	msg.Answer = append(msg.Answer, &dns.TXT{
		Txt: []string{"fingerprint=" + base64.StdEncoding.EncodeToString([]byte("a-totally-different-key-32-bytes"))},
	})

	from := &net.UDPAddr{IP: net.ParseIP("192.0.2.2"), Port: 1234}
	d.handleResponse(msg, from)

	if len(bob.Recent) != 0 {
		t.Fatal("expected no recent address recorded for an unmatched fingerprint")
	}
}

func TestDiscoveryHandleResponseIgnoresMissingFingerprint(t *testing.T) {
	m := openTestMesh(t, "self")
	d := &discovery{mesh: m}

	msg := &dns.Msg{}
	from := &net.UDPAddr{IP: net.ParseIP("192.0.2.3"), Port: 1234}
	// Must not panic when no TXT record is present at all.
	d.handleResponse(msg, from)
}
