// Package sptps implements the Simple Peer-to-Peer Security record layer:
// an Ed25519-authenticated X25519 handshake followed by a ChaCha20-Poly1305
// record protocol, usable either over a reliable byte stream (TCP
// meta-connections) or over unreliable datagrams (end-to-end UDP, invitation
// finalization). It does not open sockets itself — callers supply a SendData
// function and a ReceiveRecord callback, and feed inbound bytes through
// Receive.
package sptps

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/meshlink/meshlink/internal/cryptoprim"
)

// Record types 0-127 are reserved for the application; 128 and above are
// reserved for the protocol itself.
const (
	Handshake uint8 = 128
	Alert     uint8 = 129
	Close     uint8 = 130
)

const (
	version = 0

	nonceLen     = 32
	ecdhKeyLen   = cryptoprim.KeySize
	kexMsgLen    = 1 + nonceLen + ecdhKeyLen
	keyMaterial  = 2 * cryptoprim.KeySize
	replayWindow = 32 // bytes -> 256 bits
)

// handshake state machine states, mirroring the four-message exchange.
type state int

const (
	stateKEX state = iota
	stateSIG
	stateACK
	stateSecondaryKEX
)

var (
	ErrNotStarted       = errors.New("sptps: session not started")
	ErrHandshakeNotDone = errors.New("sptps: handshake phase not finished yet")
	ErrInvalidType      = errors.New("sptps: invalid application record type")
	ErrShortRecord      = errors.New("sptps: record too short")
	ErrBadState         = errors.New("sptps: unexpected record in current handshake state")
	ErrReplayed         = errors.New("sptps: received late or replayed packet")
	ErrBadSeq           = errors.New("sptps: invalid packet sequence number")
	ErrAuth             = errors.New("sptps: failed to decrypt and verify record")
	ErrBadSig           = errors.New("sptps: failed to verify SIG record")
)

// SendDataFunc hands a fully-framed SPTPS wire chunk to the transport.
type SendDataFunc func(recordType uint8, data []byte) error

// ReceiveRecordFunc delivers a decoded application or HANDSHAKE-completion
// record to the owner. recordType is the application type for records below
// Handshake, or Handshake itself for "handshake just completed" markers
// (with a nil payload).
type ReceiveRecordFunc func(recordType uint8, data []byte) error

// Session is one SPTPS connection, either stream-mode (TCP) or
// datagram-mode (UDP/invitation). It is not safe for concurrent use; callers
// serialize Send/Receive themselves (the meta-connection and UDP layers
// already do this under their own locks).
type Session struct {
	initiator bool
	datagram  bool

	myKey  ed25519.PrivateKey
	hisKey ed25519.PublicKey
	label  []byte

	send    SendDataFunc
	receive ReceiveRecordFunc

	state   state
	outDone bool // out-of-band: outstate, whether outgoing direction is keyed
	inDone  bool // instate

	ecdhPriv *cryptoprim.ECDHKeypair
	myKEX    []byte
	hisKEX   []byte
	keyMat   []byte

	inCipher  cryptoprim.AEAD
	outCipher cryptoprim.AEAD

	outSeq uint32
	inSeq  uint32

	replaywin uint32
	late      []byte

	// stream-mode partial record reassembly buffer.
	inbuf    []byte
	inbuflen int
	reclen   uint16
}

// New creates a session and immediately sends the first KEX message
// (step 1 of the handshake) via send. myKey/hisKey are the long-term
// Ed25519 identity keys of the local and remote side. label is mixed into
// both the SIG signature and the key-expansion PRF (e.g. "meshlink tcp"
// plus both node names in initiator order).
func New(initiator, datagram bool, myKey ed25519.PrivateKey, hisKey ed25519.PublicKey, label []byte, send SendDataFunc, receive ReceiveRecordFunc) (*Session, error) {
	if myKey == nil || hisKey == nil || len(label) == 0 || send == nil || receive == nil {
		return nil, fmt.Errorf("sptps: %w", ErrNotStarted)
	}

	s := &Session{
		initiator: initiator,
		datagram:  datagram,
		myKey:     myKey,
		hisKey:    hisKey,
		label:     append([]byte(nil), label...),
		send:      send,
		receive:   receive,
		state:     stateKEX,
		replaywin: replayWindow,
		late:      make([]byte, replayWindow),
	}

	if err := s.sendKEX(); err != nil {
		return nil, err
	}

	return s, nil
}

// ForceKEX triggers a secondary key exchange, rolling the session keys
// without tearing down the connection. Only valid once the handshake has
// completed and no other KEX is in flight.
func (s *Session) ForceKEX() error {
	if !s.outDone || s.state != stateSecondaryKEX {
		return fmt.Errorf("sptps: %w: cannot force KEX now", ErrBadState)
	}

	s.state = stateKEX
	return s.sendKEX()
}

// Established reports whether application records may be sent.
func (s *Session) Established() bool { return s.outDone }

// ---- sending ----

// SendRecord sends an application record (type in [0,128)).
func (s *Session) SendRecord(recordType uint8, data []byte) error {
	if !s.outDone {
		return ErrHandshakeNotDone
	}
	if recordType >= Handshake {
		return ErrInvalidType
	}
	return s.sendPriv(recordType, data)
}

func (s *Session) sendKEX() error {
	if s.myKEX != nil {
		return fmt.Errorf("sptps: KEX already sent")
	}

	kp, err := cryptoprim.GenerateECDHKeypair()
	if err != nil {
		return err
	}
	s.ecdhPriv = kp

	nonce, err := cryptoprim.RandomBytes(nonceLen)
	if err != nil {
		return err
	}

	msg := make([]byte, 0, kexMsgLen)
	msg = append(msg, version)
	msg = append(msg, nonce...)
	msg = append(msg, kp.Public[:]...)
	s.myKEX = msg

	return s.sendPriv(Handshake, msg)
}

func (s *Session) sendSIG() error {
	msg := s.sigMessage(s.initiator, s.myKEX, s.hisKEX)
	sig := cryptoprim.Sign(s.myKey, msg)
	return s.sendPriv(Handshake, sig)
}

func (s *Session) sendACK() error {
	return s.sendPriv(Handshake, nil)
}

// sigMessage builds side_flag || own_KEX || peer_KEX || label, the exact
// byte sequence that gets Ed25519-signed (and, on the other side,
// Ed25519-verified with the flag negated).
func (s *Session) sigMessage(sideFlag bool, own, peer []byte) []byte {
	buf := make([]byte, 0, 1+len(own)+len(peer)+len(s.label))
	if sideFlag {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, own...)
	buf = append(buf, peer...)
	buf = append(buf, s.label...)
	return buf
}

func (s *Session) sendPriv(recordType uint8, data []byte) error {
	if s.datagram {
		return s.sendDatagram(recordType, data)
	}
	return s.sendStream(recordType, data)
}

// sendStream frames a record per the stream-mode wire format: a 2-byte
// big-endian length holding the plaintext payload length, then the AEAD
// output (type||payload encrypted together, length+1 bytes, followed by a
// 16-byte tag appended after it) once the handshake has
// produced an outgoing key; before that, the header is followed by the
// plaintext type byte and payload verbatim.
func (s *Session) sendStream(recordType uint8, data []byte) error {
	n := len(data)
	if n > 0xFFFF {
		return fmt.Errorf("sptps: record too large")
	}

	buf := make([]byte, 2, 2+1+n+cryptoprim.Overhead)
	binary.BigEndian.PutUint16(buf, uint16(n))
	buf = append(buf, recordType)
	buf = append(buf, data...)

	if s.outDone {
		seq := s.outSeq
		s.outSeq++
		plain := buf[2:]
		ct := s.outCipher.Seal(cryptoprim.SequenceNonce(seq), plain)
		buf = append(buf[:2], ct...)
	} else {
		s.outSeq++
	}

	return s.send(recordType, buf)
}

// sendDatagram frames a record per the datagram-mode wire format: a 4-byte
// big-endian sequence number (the AEAD nonce), a type byte, payload, and
// (once keyed) a trailing 16-byte tag.
func (s *Session) sendDatagram(recordType uint8, data []byte) error {
	n := len(data)
	if n > 0xFFFF {
		return fmt.Errorf("sptps: record too large")
	}

	seq := s.outSeq
	s.outSeq++

	buf := make([]byte, 4, 4+1+n+cryptoprim.Overhead)
	binary.BigEndian.PutUint32(buf, seq)
	buf = append(buf, recordType)
	buf = append(buf, data...)

	if s.outDone {
		plain := buf[4:]
		nonce := make([]byte, cryptoprim.NonceSize)
		binary.BigEndian.PutUint32(nonce, seq)
		ct := s.outCipher.Seal(nonce, plain)
		buf = append(buf[:4], ct...)
	}

	return s.send(recordType, buf)
}

// ---- receiving ----

// Receive feeds newly-arrived bytes (stream mode) or one complete datagram
// (datagram mode) into the session, invoking ReceiveRecordFunc for any
// complete records found. For stream mode, data may be an arbitrary chunk
// of a TCP read and can be called repeatedly with partial records.
func (s *Session) Receive(data []byte) error {
	if s.datagram {
		return s.receiveDatagram(data)
	}
	return s.receiveStream(data)
}

func (s *Session) receiveStream(data []byte) error {
	for len(data) > 0 {
		if s.inbuflen < 2 {
			toread := 2 - s.inbuflen
			if toread > len(data) {
				toread = len(data)
			}
			if s.inbuf == nil {
				s.inbuf = make([]byte, 2)
			}
			copy(s.inbuf[s.inbuflen:], data[:toread])
			s.inbuflen += toread
			data = data[toread:]

			if s.inbuflen < 2 {
				return nil
			}

			s.reclen = binary.BigEndian.Uint16(s.inbuf[:2])
			full := 2 + int(s.reclen) + recordOverhead(s.inDone)
			nb := make([]byte, full)
			copy(nb, s.inbuf[:s.inbuflen])
			s.inbuf = nb

			if len(data) == 0 {
				return nil
			}
		}

		need := 2 + int(s.reclen) + recordOverhead(s.inDone)
		toread := need - s.inbuflen
		if toread > len(data) {
			toread = len(data)
		}
		copy(s.inbuf[s.inbuflen:], data[:toread])
		s.inbuflen += toread
		data = data[toread:]

		if s.inbuflen < need {
			return nil
		}

		seq := s.inSeq
		s.inSeq++

		if s.inDone {
			nonce := cryptoprim.SequenceNonce(seq)
			pt, err := s.inCipher.Open(nonce, s.inbuf[2:])
			if err != nil {
				return fmt.Errorf("sptps: %w", ErrAuth)
			}
			copy(s.inbuf[2:], pt)
		}

		recordType := s.inbuf[2]
		payload := s.inbuf[3 : 3+int(s.reclen)]

		if err := s.dispatch(recordType, payload); err != nil {
			return err
		}

		s.inbuflen = 0
	}

	return nil
}

// recordOverhead is the number of bytes, after the 2-byte length field and
// not counting reclen itself, that belong to one stream-mode record: 1
// (type byte) plus, once the receive direction is keyed, +16 (AEAD tag).
// A full record on the wire is therefore 2 (length) + reclen (payload) +
// recordOverhead(keyed) bytes, matching sendStream's 2+1+n(+16) framing.
func recordOverhead(keyed bool) int {
	if keyed {
		return 17
	}
	return 1
}

func (s *Session) receiveDatagram(data []byte) error {
	minLen := 5
	if s.inDone {
		minLen = 21
	}
	if len(data) < minLen {
		return fmt.Errorf("sptps: %w", ErrShortRecord)
	}

	seq := binary.BigEndian.Uint32(data[:4])

	if !s.inDone {
		if seq != s.inSeq {
			return fmt.Errorf("sptps: %w: %d != %d", ErrBadSeq, seq, s.inSeq)
		}
		s.inSeq = seq + 1

		recordType := data[4]
		if recordType != Handshake {
			return fmt.Errorf("sptps: application record received before handshake finished")
		}
		return s.receiveHandshake(data[5:])
	}

	nonce := make([]byte, cryptoprim.NonceSize)
	binary.BigEndian.PutUint32(nonce, seq)
	pt, err := s.inCipher.Open(nonce, data[4:])
	if err != nil {
		return fmt.Errorf("sptps: %w", ErrAuth)
	}

	if err := s.checkReplay(seq); err != nil {
		return err
	}

	if seq >= s.inSeq {
		s.inSeq = seq + 1
	}

	recordType := pt[0]
	payload := pt[1:]

	return s.dispatch(recordType, payload)
}

// checkReplay implements the sliding 256-bit replay window described for
// datagram mode: s.late is a circular bitmap covering sequence numbers
// [s.inSeq - replaywin*8, s.inSeq); a set bit means "not yet received".
func (s *Session) checkReplay(seq uint32) error {
	if s.replaywin == 0 {
		return nil
	}

	windowBits := s.replaywin * 8

	if seq != s.inSeq {
		switch {
		case seq >= s.inSeq+windowBits:
			lost := seq - s.inSeq
			if lost > 1 {
				logrus.Warnf("sptps: lost %d packets", lost-1)
			}
			for i := range s.late {
				s.late[i] = 0xFF
			}
		case seq < s.inSeq:
			tooOld := s.inSeq >= windowBits && seq < s.inSeq-windowBits
			bit := s.late[(seq/8)%s.replaywin]&(1<<(seq%8)) != 0
			if tooOld || !bit {
				return fmt.Errorf("sptps: %w: seq %d last %d", ErrReplayed, seq, s.inSeq)
			}
		default:
			lost := seq - s.inSeq
			if lost > 1 {
				logrus.Warnf("sptps: lost %d packets", lost-1)
			}
			for i := s.inSeq; i < seq; i++ {
				s.late[(i/8)%s.replaywin] |= 1 << (i % 8)
			}
		}
	}

	s.late[(seq/8)%s.replaywin] &^= 1 << (seq % 8)
	return nil
}

func (s *Session) dispatch(recordType uint8, payload []byte) error {
	switch {
	case recordType < Handshake:
		if !s.inDone {
			return fmt.Errorf("sptps: application record received before handshake finished")
		}
		return s.receive(recordType, payload)
	case recordType == Handshake:
		return s.receiveHandshake(payload)
	default:
		return fmt.Errorf("sptps: invalid record type %d", recordType)
	}
}

// ---- handshake state machine ----

func (s *Session) receiveHandshake(data []byte) error {
	switch s.state {
	case stateSecondaryKEX:
		if err := s.sendKEX(); err != nil {
			return err
		}
		fallthrough
	case stateKEX:
		if err := s.receiveKEX(data); err != nil {
			return err
		}
		s.state = stateSIG
		return nil

	case stateSIG:
		if err := s.receiveSIG(data); err != nil {
			return err
		}
		if s.outDone {
			s.state = stateACK
		} else {
			s.outDone = true
			if err := s.receiveACK(nil); err != nil {
				return err
			}
			if err := s.receive(Handshake, nil); err != nil {
				return err
			}
			s.state = stateSecondaryKEX
		}
		return nil

	case stateACK:
		if err := s.receiveACK(data); err != nil {
			return err
		}
		if err := s.receive(Handshake, nil); err != nil {
			return err
		}
		s.state = stateSecondaryKEX
		return nil

	default:
		return fmt.Errorf("sptps: %w: state %d", ErrBadState, s.state)
	}
}

func (s *Session) receiveKEX(data []byte) error {
	if len(data) != kexMsgLen {
		return fmt.Errorf("sptps: invalid KEX record length %d", len(data))
	}
	if s.hisKEX != nil {
		return fmt.Errorf("sptps: received a second KEX message before first was processed")
	}
	s.hisKEX = append([]byte(nil), data...)
	return s.sendSIG()
}

func (s *Session) receiveSIG(data []byte) error {
	if len(data) != ed25519.SignatureSize {
		return fmt.Errorf("sptps: invalid SIG record length %d", len(data))
	}

	msg := s.sigMessage(!s.initiator, s.hisKEX, s.myKEX)
	if !cryptoprim.Verify(s.hisKey, msg, data) {
		return fmt.Errorf("sptps: %w", ErrBadSig)
	}

	var hisPub [cryptoprim.KeySize]byte
	copy(hisPub[:], s.hisKEX[1+nonceLen:])

	shared, err := s.ecdhPriv.SharedSecret(hisPub)
	if err != nil {
		return fmt.Errorf("sptps: failed to compute ECDH shared secret: %w", err)
	}
	s.ecdhPriv = nil

	if err := s.generateKeyMaterial(shared); err != nil {
		return err
	}
	s.myKEX = nil
	s.hisKEX = nil

	if s.outDone {
		if err := s.sendACK(); err != nil {
			return err
		}
	}

	var outKey []byte
	if s.initiator {
		outKey = s.keyMat[cryptoprim.KeySize:]
	} else {
		outKey = s.keyMat[:cryptoprim.KeySize]
	}
	aead, err := cryptoprim.NewAEAD(outKey)
	if err != nil {
		return err
	}
	s.outCipher = aead

	return nil
}

// generateKeyMaterial derives 64 bytes of key material from the ECDH
// shared secret via the PRF seed "key expansion" || client_nonce ||
// server_nonce || label, where client/server order follows who initiated.
func (s *Session) generateKeyMaterial(shared []byte) error {
	seed := make([]byte, 0, 13+64+len(s.label))
	seed = append(seed, []byte("key expansion")...)

	if s.initiator {
		seed = append(seed, s.myKEX[1:1+nonceLen]...)
		seed = append(seed, s.hisKEX[1:1+nonceLen]...)
	} else {
		seed = append(seed, s.hisKEX[1:1+nonceLen]...)
		seed = append(seed, s.myKEX[1:1+nonceLen]...)
	}
	seed = append(seed, s.label...)

	mat, err := cryptoprim.PRF(shared, seed, keyMaterial)
	if err != nil {
		return fmt.Errorf("sptps: failed to generate key material: %w", err)
	}
	s.keyMat = mat
	return nil
}

func (s *Session) receiveACK(data []byte) error {
	if len(data) != 0 {
		return fmt.Errorf("sptps: invalid ACK record length %d", len(data))
	}

	var inKey []byte
	if s.initiator {
		inKey = s.keyMat[:cryptoprim.KeySize]
	} else {
		inKey = s.keyMat[cryptoprim.KeySize:]
	}
	aead, err := cryptoprim.NewAEAD(inKey)
	if err != nil {
		return err
	}
	s.inCipher = aead

	s.keyMat = nil
	s.inDone = true
	return nil
}

// VerifyDatagram checks a datagram's AEAD tag without delivering it,
// used by the UDP "try harder" address-rebinding routine to test whether a
// packet from an unexpected source address actually belongs to this
// session before rebinding it.
func (s *Session) VerifyDatagram(data []byte) error {
	if !s.inDone {
		return ErrHandshakeNotDone
	}
	if len(data) < 21 {
		return fmt.Errorf("sptps: %w", ErrShortRecord)
	}
	seq := binary.BigEndian.Uint32(data[:4])
	nonce := make([]byte, cryptoprim.NonceSize)
	binary.BigEndian.PutUint32(nonce, seq)
	_, err := s.inCipher.Open(nonce, data[4:])
	return err
}
