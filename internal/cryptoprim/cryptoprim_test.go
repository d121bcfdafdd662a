package cryptoprim

import (
	"bytes"
	"testing"
)

func TestSignVerify(t *testing.T) {
	pub, priv, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("hello mesh")
	sig := Sign(priv, msg)
	if !Verify(pub, msg, sig) {
		t.Fatal("expected signature to verify")
	}
	if Verify(pub, []byte("tampered"), sig) {
		t.Fatal("expected signature over different message to fail")
	}
}

func TestECDHSharedSecretAgrees(t *testing.T) {
	a, err := GenerateECDHKeypair()
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	b, err := GenerateECDHKeypair()
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}
	sa, err := a.SharedSecret(b.Public)
	if err != nil {
		t.Fatalf("shared a: %v", err)
	}
	sb, err := b.SharedSecret(a.Public)
	if err != nil {
		t.Fatalf("shared b: %v", err)
	}
	if !bytes.Equal(sa, sb) {
		t.Fatal("expected both sides to agree on the shared secret")
	}
}

func TestAEADRoundTrip(t *testing.T) {
	key, err := RandomBytes(KeySize)
	if err != nil {
		t.Fatalf("random: %v", err)
	}
	aead, err := NewAEAD(key)
	if err != nil {
		t.Fatalf("new aead: %v", err)
	}
	nonce := SequenceNonce(42)
	pt := []byte("plaintext record")
	ct := aead.Seal(nonce, pt)
	got, err := aead.Open(nonce, ct)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, pt) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, pt)
	}

	ct[0] ^= 0xFF
	if _, err := aead.Open(nonce, ct); err == nil {
		t.Fatal("expected tampered ciphertext to fail to open")
	}
}

func TestPRFDeterministic(t *testing.T) {
	secret := []byte("shared-secret-material")
	label := []byte("key expansion")
	a, err := PRF(secret, label, 64)
	if err != nil {
		t.Fatalf("prf a: %v", err)
	}
	b, err := PRF(secret, label, 64)
	if err != nil {
		t.Fatalf("prf b: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("expected PRF to be deterministic for identical inputs")
	}
	c, err := PRF(secret, []byte("different label"), 64)
	if err != nil {
		t.Fatalf("prf c: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Fatal("expected different labels to produce different output")
	}
}
