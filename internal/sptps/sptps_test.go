package sptps

import (
	"bytes"
	"testing"

	"github.com/meshlink/meshlink/internal/cryptoprim"
)

type dest struct{ s *Session }

type queued struct {
	to   *dest
	data []byte
}

// pair wires two sessions together through an explicit message queue rather
// than direct recursive callbacks, since both sides send their first KEX
// message before the other side's *Session exists.
type pair struct {
	queue []queued
}

func (p *pair) sendTo(d *dest) SendDataFunc {
	return func(_ uint8, data []byte) error {
		p.queue = append(p.queue, queued{to: d, data: append([]byte(nil), data...)})
		return nil
	}
}

func (p *pair) pump(t *testing.T) {
	t.Helper()
	for len(p.queue) > 0 {
		m := p.queue[0]
		p.queue = p.queue[1:]
		if err := m.to.s.Receive(m.data); err != nil {
			t.Fatalf("receive: %v", err)
		}
	}
}

type recorder struct {
	handshakeDone bool
	records       [][]byte
}

func (r *recorder) recv(recordType uint8, data []byte) error {
	if recordType == Handshake {
		r.handshakeDone = true
		return nil
	}
	r.records = append(r.records, append([]byte(nil), data...))
	return nil
}

func newPair(t *testing.T, datagram bool) (a, b *Session, ra, rb *recorder, p *pair) {
	t.Helper()
	aPub, aPriv, err := cryptoprim.GenerateSigningKey()
	if err != nil {
		t.Fatalf("gen a: %v", err)
	}
	bPub, bPriv, err := cryptoprim.GenerateSigningKey()
	if err != nil {
		t.Fatalf("gen b: %v", err)
	}

	p = &pair{}
	aDest, bDest := &dest{}, &dest{}
	ra, rb = &recorder{}, &recorder{}

	label := []byte("test label")

	a, err = New(true, datagram, aPriv, bPub, label, p.sendTo(bDest), ra.recv)
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	aDest.s = a

	b, err = New(false, datagram, bPriv, aPub, label, p.sendTo(aDest), rb.recv)
	if err != nil {
		t.Fatalf("new b: %v", err)
	}
	bDest.s = b

	p.pump(t)

	if !a.Established() || !b.Established() {
		t.Fatal("expected both sessions to complete the handshake")
	}
	if !ra.handshakeDone || !rb.handshakeDone {
		t.Fatal("expected both sides to be notified of handshake completion")
	}

	return a, b, ra, rb, p
}

func TestStreamHandshakeAndRecord(t *testing.T) {
	a, b, _, rb, p := newPair(t, false)

	if err := a.SendRecord(3, []byte("hello over tcp")); err != nil {
		t.Fatalf("send record: %v", err)
	}
	p.pump(t)

	if len(rb.records) != 1 || string(rb.records[0]) != "hello over tcp" {
		t.Fatalf("unexpected records on b: %v", rb.records)
	}

	if err := b.SendRecord(5, []byte("reply")); err != nil {
		t.Fatalf("send reply: %v", err)
	}
	p.pump(t)
}

func TestDatagramHandshakeAndRecord(t *testing.T) {
	a, _, _, rb, p := newPair(t, true)

	if err := a.SendRecord(1, []byte("udp payload")); err != nil {
		t.Fatalf("send record: %v", err)
	}
	p.pump(t)

	if len(rb.records) != 1 || string(rb.records[0]) != "udp payload" {
		t.Fatalf("unexpected records on b: %v", rb.records)
	}
}

func TestDatagramReplayRejected(t *testing.T) {
	a, b, _, rb, p := newPair(t, true)

	var captured []byte
	// Swap a's send function to also capture the raw wire bytes so we can
	// replay them after the fact.
	origSend := a.send
	a.send = func(recordType uint8, data []byte) error {
		captured = append([]byte(nil), data...)
		return origSend(recordType, data)
	}

	if err := a.SendRecord(2, []byte("once")); err != nil {
		t.Fatalf("send: %v", err)
	}
	p.pump(t)
	if len(rb.records) != 1 {
		t.Fatalf("expected 1 delivered record, got %d", len(rb.records))
	}

	if err := b.Receive(captured); err == nil {
		t.Fatal("expected replayed datagram to be rejected")
	}
	if len(rb.records) != 1 {
		t.Fatalf("replayed datagram must not be delivered to the application, got %d records", len(rb.records))
	}
}

func TestSecondaryKEXRollsKeys(t *testing.T) {
	a, b, ra, rb, p := newPair(t, false)

	ra.handshakeDone = false
	rb.handshakeDone = false

	if err := a.ForceKEX(); err != nil {
		t.Fatalf("force kex: %v", err)
	}
	p.pump(t)

	if err := a.SendRecord(9, []byte("after rekey")); err != nil {
		t.Fatalf("send after rekey: %v", err)
	}
	p.pump(t)

	if !ra.handshakeDone || !rb.handshakeDone {
		t.Fatal("expected secondary KEX to re-signal handshake completion")
	}

	found := false
	for _, r := range rb.records {
		if bytes.Equal(r, []byte("after rekey")) {
			found = true
		}
	}
	if !found {
		t.Fatal("expected record sent after secondary KEX to be delivered")
	}
}
