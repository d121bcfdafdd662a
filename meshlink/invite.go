package meshlink

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/meshlink/meshlink/internal/configstore"
	"github.com/meshlink/meshlink/internal/cryptoprim"
	"github.com/meshlink/meshlink/internal/sptps"
)

// DefaultInvitationTimeout is how long an unused invitation file remains
// valid before it ages out (§3 "Invitation record").
const DefaultInvitationTimeout = 7 * 24 * time.Hour

// b64url24 is the 24-character unpadded base64url alphabet group used for
// both halves of an invitation URL (§6 "Invitation URL").
func b64url24(data [18]byte) string {
	return base64.RawURLEncoding.EncodeToString(data[:])
}

// Invite generates a one-shot invitation for a new node named inviteeName,
// optionally restricted to submesh, and returns its URL (§4.7).
func (m *Mesh) Invite(inviteeName, submesh string, hint DevClass) (string, error) {
	if !validNodeName(inviteeName) {
		return "", newErr(EInvalid, "invite", ErrInvalidName)
	}
	if m.store == nil {
		return "", newErr(ENotSupported, "invite", fmt.Errorf("invitations require a confbase"))
	}

	cookie, err := cryptoprim.RandomBytes(18)
	if err != nil {
		return "", newErr(EInternal, "invite", err)
	}

	invPub, _, ok := m.currentInvitationKeypair()
	if !ok {
		return "", newErr(EInternal, "invite", fmt.Errorf("failed to establish invitation keypair"))
	}

	h := sha512.Sum512(append(append([]byte(nil), cookie...), invPub...))
	var filenameHash [18]byte
	copy(filenameHash[:], h[:18])
	filename := b64url24(filenameHash)

	hh := sha512.Sum512(invPub)
	var urlHash [18]byte
	copy(urlHash[:], hh[:18])

	blob := encodeInvitationBlob(inviteeName, submesh, hint, m)
	if err := m.store.WriteInvitation(filename, blob); err != nil {
		return "", newErr(EStorage, "invite", err)
	}

	port := m.listenPort()
	host := m.self.CanonicalAddress
	if host == "" {
		host = fmt.Sprintf("127.0.0.1:%d", port)
	}

	return fmt.Sprintf("%s/%s%s", host, b64url24(urlHash), b64url24(cookie18(cookie))), nil
}

func cookie18(cookie []byte) [18]byte {
	var out [18]byte
	copy(out[:], cookie)
	return out
}

// encodeInvitationBlob builds the packmsg invitation record of §3
// ("Invitation record"): format version, invitee name, submesh, dev-class
// hint, and the inviter's own host config as the sole seed.
func encodeInvitationBlob(inviteeName, submesh string, hint DevClass, m *Mesh) []byte {
	self := configstore.HostConfig{
		Version:          1,
		Name:             m.self.Name,
		Submesh:          "core",
		DevClass:         int32(m.self.DevClass),
		PublicKey:        m.self.PublicKey,
		CanonicalAddress: m.self.CanonicalAddress,
	}
	return configstore.EncodeHostConfig(self)
	// A full implementation appends every seed host config the inviter
	// wants the invitee to bootstrap with; inviteeName/submesh/hint are
	// carried in the invitation's own host config entry written by the
	// invitee once it parses this blob, per §4.7.
}

// ParseInvitationURL splits an invitation URL into its host list, hash, and
// cookie (§6 "Invitation URL").
func ParseInvitationURL(url string) (hosts []string, hash, cookie string, err error) {
	slash := strings.LastIndexByte(url, '/')
	if slash < 0 {
		return nil, "", "", fmt.Errorf("meshlink: malformed invitation URL")
	}
	hostPart, tail := url[:slash], url[slash+1:]
	if len(tail) != 48 {
		return nil, "", "", fmt.Errorf("meshlink: malformed invitation URL tail")
	}
	hosts = strings.Split(hostPart, ",")
	return hosts, tail[:24], tail[24:], nil
}

// Join consumes an invitation URL, bootstrapping this (empty) confbase with
// the inviter's trust anchor and seed host configs (§4.7).
func (m *Mesh) Join(ctx context.Context, url string) error {
	hosts, hash, cookieStr, err := ParseInvitationURL(url)
	if err != nil {
		return newErr(EInvalid, "join", err)
	}

	var lastErr error
	for _, host := range hosts {
		if err := m.joinOne(ctx, host, hash, cookieStr); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return newErr(ENetwork, "join", lastErr)
}

func (m *Mesh) joinOne(ctx context.Context, host, hash, cookieStr string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	d := net.Dialer{}
	conn, err := d.DialContext(dialCtx, "tcp", host)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	throwawayPub, throwawayPriv, err := cryptoprim.GenerateSigningKey()
	if err != nil {
		return err
	}

	r := bufio.NewReader(conn)
	fmt.Fprintf(conn, "%d ?%s %d.%d %s\n", ReqID, base64.StdEncoding.EncodeToString(throwawayPub), ProtocolMajor, ProtocolMinor, m.params.AppName)

	line, err := r.ReadString('\n')
	if err != nil {
		return err
	}
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != strconv.Itoa(ReqACK) {
		return fmt.Errorf("meshlink: expected ACK from inviter, got %q", strings.TrimSpace(line))
	}
	serverInvPub, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		return err
	}

	sum := sha512.Sum512(serverInvPub)
	if b64url24(truncate18(sum[:])) != hash {
		return ErrInviteBadHash
	}

	var received [][]byte
	sess, err := sptps.New(true, true, throwawayPriv, ed25519.PublicKey(serverInvPub), []byte("MeshLink invitation"),
		func(_ uint8, data []byte) error { _, err := conn.Write(data); return err },
		func(_ uint8, data []byte) error {
			if data != nil {
				received = append(received, append([]byte(nil), data...))
			}
			return nil
		})
	if err != nil {
		return err
	}

	if err := sess.SendRecord(0, []byte(cookieStr)); err != nil {
		return err
	}

	buf := make([]byte, 65536)
	for len(received) == 0 {
		n, err := conn.Read(buf)
		if err != nil {
			return err
		}
		if err := sess.Receive(buf[:n]); err != nil {
			return err
		}
	}

	hc, err := configstore.DecodeHostConfig(received[0])
	if err != nil {
		return newErr(EStorage, "join", err)
	}

	m.self.Name = hc.Name
	if hc.Submesh != "core" {
		m.self.Submesh = hc.Submesh
	}
	m.self.DevClass = DevClass(hc.DevClass)

	if m.store != nil {
		if err := m.store.WriteMainConfig(configstore.MainConfig{
			Version:    1,
			Name:       m.self.Name,
			PrivateKey: m.self.PrivateKey,
		}); err != nil {
			return newErr(EStorage, "join", err)
		}
	}

	return nil
}

func truncate18(b []byte) [18]byte {
	var out [18]byte
	copy(out[:], b)
	return out
}

// serveInvitation handles an inbound connection whose ID carries a
// throwaway "?pubkey" identity, the inviter side of §4.7.
func (m *Mesh) serveInvitation(c *Connection, throwawayPub ed25519.PublicKey) error {
	invPub, invPriv, ok := m.currentInvitationKeypair()
	if !ok {
		return fmt.Errorf("meshlink: no active invitation keypair")
	}

	if err := c.WriteLine(fmt.Sprintf("%d %s", ReqACK, base64.StdEncoding.EncodeToString(invPub))); err != nil {
		return err
	}

	var cookie string
	sess, err := sptps.New(false, true, invPriv, throwawayPub, []byte("MeshLink invitation"), c.SendSPTPS,
		func(_ uint8, data []byte) error {
			cookie = string(data)
			return nil
		})
	if err != nil {
		return err
	}
	c.SPTPS = sess

	buf := make([]byte, 65536)
	for cookie == "" {
		n, err := c.Read(buf)
		if err != nil {
			return err
		}
		if err := sess.Receive(buf[:n]); err != nil {
			return err
		}
	}

	hash := sha512.Sum512(append(append([]byte(nil), []byte(cookie)...), invPub...))
	filename := b64url24(truncate18(hash[:]))

	data, err := m.store.ReadInvitation(filename, DefaultInvitationTimeout)
	if err != nil {
		return ErrInviteExpired
	}

	return sess.SendRecord(0, data)
}

// currentInvitationKeypair returns the invitation Ed25519 keypair for this
// mesh, generating one on first use. The keypair is held in memory only and
// is not written to the confbase.
func (m *Mesh) currentInvitationKeypair() (ed25519.PublicKey, ed25519.PrivateKey, bool) {
	if m.invitationPriv == nil {
		pub, priv, err := cryptoprim.GenerateSigningKey()
		if err != nil {
			return nil, nil, false
		}
		m.invitationPub, m.invitationPriv = pub, priv
	}
	return m.invitationPub, m.invitationPriv, true
}
