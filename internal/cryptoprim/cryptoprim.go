// Package cryptoprim collects the primitive operations MeshLink's higher
// layers are built from: Ed25519 signing, X25519 key agreement,
// ChaCha20-Poly1305 AEAD, SHA-512 hashing and an HKDF-based key expansion
// function. Nothing here is mesh-specific; it exists so that sptps and
// configstore don't each reinvent "how do I derive a key from a shared
// secret".
package cryptoprim

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of an X25519/ChaCha20-Poly1305 key.
const KeySize = 32

// NonceSize is the size in bytes of the ChaCha20-Poly1305 nonce used for the
// sequence-number-as-nonce scheme described by SPTPS.
const NonceSize = chacha20poly1305.NonceSize

// Overhead is the ChaCha20-Poly1305 authentication tag size.
const Overhead = chacha20poly1305.Overhead

var ErrShortKey = errors.New("cryptoprim: key has wrong length")

// GenerateSigningKey returns a fresh Ed25519 keypair.
func GenerateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign signs msg with an Ed25519 private key.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks an Ed25519 signature.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// ECDHKeypair is a single-use X25519 key exchange keypair.
type ECDHKeypair struct {
	Public  [KeySize]byte
	private [KeySize]byte
}

// GenerateECDHKeypair creates a fresh X25519 keypair from the CSPRNG.
func GenerateECDHKeypair() (*ECDHKeypair, error) {
	kp := &ECDHKeypair{}
	if _, err := io.ReadFull(rand.Reader, kp.private[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret performs the X25519 scalar multiplication against a peer's
// public key and returns the raw shared secret. Callers must run this
// through a KDF before using it as symmetric key material.
func (kp *ECDHKeypair) SharedSecret(peerPublic [KeySize]byte) ([]byte, error) {
	return curve25519.X25519(kp.private[:], peerPublic[:])
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// PRF expands a shared secret into n bytes of key material using
// HKDF-SHA512, with label folded into the HKDF "info" parameter. This
// mirrors the handshake's "key expansion" derivation (label || client_nonce
// || server_nonce || application_label) and the config store's at-rest key
// derivation (label "MeshLink configuration key").
func PRF(secret, label []byte, n int) ([]byte, error) {
	r := hkdf.New(sha512.New, secret, nil, label)
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// NewAEAD constructs a ChaCha20-Poly1305 AEAD from a 32-byte key.
func NewAEAD(key []byte) (AEAD, error) {
	if len(key) != KeySize {
		return AEAD{}, ErrShortKey
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return AEAD{}, err
	}
	return AEAD{aead: aead}, nil
}

// AEAD wraps the stdlib-shaped AEAD interface so callers in this module
// don't need to import golang.org/x/crypto/chacha20poly1305 themselves just
// to hold a cipher handle in a struct field.
type AEAD struct {
	aead aeadSealer
}

type aeadSealer interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

func (c AEAD) Seal(nonce, plaintext []byte) []byte {
	return c.aead.Seal(nil, nonce, plaintext, nil)
}

func (c AEAD) Open(nonce, ciphertext []byte) ([]byte, error) {
	return c.aead.Open(nil, nonce, ciphertext, nil)
}

// SequenceNonce renders a little-endian 32-bit sequence counter into a
// ChaCha20-Poly1305 nonce, zero-padded to NonceSize, as used by SPTPS
// stream-mode records. Datagram mode uses the big-endian wire-transmitted
// sequence number directly instead; see sptps's sendDatagram.
func SequenceNonce(seq uint32) []byte {
	nonce := make([]byte, NonceSize)
	nonce[0] = byte(seq)
	nonce[1] = byte(seq >> 8)
	nonce[2] = byte(seq >> 16)
	nonce[3] = byte(seq >> 24)
	return nonce
}
