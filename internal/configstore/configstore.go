// Package configstore implements MeshLink's on-disk node configuration:
// an optionally-encrypted packmsg blob per host plus one main config file,
// protected by an flock'd lock file and written with a tmp-file-then-rename
// atomic write discipline. It also owns invitation file lifecycle (write,
// atomic claim-by-rename, expiry) and the current/new/old rotation scheme
// used for storage-key changes.
package configstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/meshlink/meshlink/internal/cryptoprim"
	"github.com/meshlink/meshlink/internal/packmsg"
)

const configVersion = 1

// configKeyLabel is the PRF label used to derive the at-rest file
// encryption key from a user-supplied passphrase/key.
var configKeyLabel = []byte("MeshLink configuration key")

var (
	ErrLocked       = errors.New("configstore: confbase already locked by another process")
	ErrNoSuchStore  = errors.New("configstore: configuration directory does not exist")
	ErrBadVersion   = errors.New("configstore: unsupported config file version")
	ErrExpired      = errors.New("configstore: invitation has expired")
	ErrNoInvitation = errors.New("configstore: no such invitation")
)

const (
	SubdirCurrent = "current"
	SubdirNew     = "new"
	SubdirOld     = "old"
)

// MainConfig is the per-node root config file: identity keys, chosen name
// and listen port.
type MainConfig struct {
	Name              string
	PrivateKey        []byte // raw Ed25519 private key blob (96 bytes)
	InvitationPrivKey []byte // raw Ed25519 invitation private key blob (96 bytes)
	Port              uint16
}

// RecentAddress is one entry of a node's recently-seen socket address list.
// Family is 4 or 6; Data holds the extension-typed sockaddr payload (14
// bytes for IPv4, 22 bytes for IPv6) verbatim, as produced by the net
// package elsewhere in this module.
type RecentAddress struct {
	Family byte
	Data   []byte
}

// HostConfig is one peer's persisted record: identity, class, trust state
// and reachability bookkeeping.
type HostConfig struct {
	Name             string
	Submesh          string // "core" when the node belongs to no submesh
	DevClass         int32
	Blacklisted      bool
	PublicKey        []byte // 32 bytes, or empty if not yet known
	CanonicalAddress string
	RecentAddresses  []RecentAddress
	LastReachable    int64
	LastUnreachable  int64
}

// EncodeMainConfig serializes a MainConfig to its packmsg wire form.
func EncodeMainConfig(c MainConfig) []byte {
	w := packmsg.NewWriter()
	w.WriteUint32(configVersion)
	w.WriteString(c.Name)
	w.WriteBytes(c.PrivateKey)
	w.WriteBytes(c.InvitationPrivKey)
	w.WriteUint16(c.Port)
	return w.Bytes()
}

// DecodeMainConfig parses a MainConfig from its packmsg wire form.
func DecodeMainConfig(data []byte) (MainConfig, error) {
	r := packmsg.NewReader(data)
	version := r.ReadUint32()
	c := MainConfig{
		Name:              r.ReadString(),
		PrivateKey:        r.ReadBytes(),
		InvitationPrivKey: r.ReadBytes(),
		Port:              r.ReadUint16(),
	}
	if err := r.Err(); err != nil {
		return MainConfig{}, fmt.Errorf("configstore: decode main config: %w", err)
	}
	if version != configVersion {
		return MainConfig{}, ErrBadVersion
	}
	return c, nil
}

// EncodeHostConfig serializes a HostConfig to its packmsg wire form.
func EncodeHostConfig(c HostConfig) []byte {
	w := packmsg.NewWriter()
	w.WriteUint32(configVersion)
	w.WriteString(c.Name)
	submesh := c.Submesh
	if submesh == "" {
		submesh = "core"
	}
	w.WriteString(submesh)
	w.WriteInt64(int64(c.DevClass))
	w.WriteBool(c.Blacklisted)
	w.WriteBytes(c.PublicKey)
	w.WriteString(c.CanonicalAddress)
	w.WriteArrayLen(len(c.RecentAddresses))
	for _, a := range c.RecentAddresses {
		w.WriteExt(a.Family, a.Data)
	}
	w.WriteInt64(c.LastReachable)
	w.WriteInt64(c.LastUnreachable)
	return w.Bytes()
}

// DecodeHostConfig parses a HostConfig from its packmsg wire form.
func DecodeHostConfig(data []byte) (HostConfig, error) {
	r := packmsg.NewReader(data)
	version := r.ReadUint32()
	c := HostConfig{
		Name:     r.ReadString(),
		Submesh:  r.ReadString(),
		DevClass: int32(r.ReadInt64()),
	}
	c.Blacklisted = r.ReadBool()
	c.PublicKey = r.ReadBytes()
	c.CanonicalAddress = r.ReadString()
	n := r.ReadArrayLen()
	c.RecentAddresses = make([]RecentAddress, 0, n)
	for i := 0; i < n; i++ {
		family, data := r.ReadExt()
		c.RecentAddresses = append(c.RecentAddresses, RecentAddress{Family: family, Data: data})
	}
	c.LastReachable = r.ReadInt64()
	c.LastUnreachable = r.ReadInt64()
	if err := r.Err(); err != nil {
		return HostConfig{}, fmt.Errorf("configstore: decode host config: %w", err)
	}
	if version != configVersion {
		return HostConfig{}, ErrBadVersion
	}
	return c, nil
}

// Store is one open node configuration directory. It is safe for
// concurrent use by multiple goroutines within one process, but a confbase
// can only be locked by one Store (in one process) at a time.
type Store struct {
	confbase string
	key      []byte // derived 32-byte at-rest encryption key, or nil
	lockFile *os.File
}

// Open locks confbase and returns a Store. If a "current" configuration
// already exists, any interrupted key-rotation left over from a crash is
// resolved first by walking new/old in the same order the original
// implementation does. If no configuration exists at all yet, Open still
// succeeds (with Exists() reporting false) so the caller can call Init and
// WriteMainConfig to create one.
func Open(confbase string, rawKey []byte) (*Store, error) {
	s := &Store{confbase: confbase}

	if len(rawKey) > 0 {
		derived, err := cryptoprim.PRF(rawKey, configKeyLabel, cryptoprim.KeySize)
		if err != nil {
			return nil, fmt.Errorf("configstore: derive config key: %w", err)
		}
		s.key = derived
	}

	if err := s.lock(); err != nil {
		return nil, err
	}

	if err := s.resolveRotation(); err != nil && !errors.Is(err, ErrNoSuchStore) {
		s.unlock()
		return nil, err
	}

	return s, nil
}

// Exists reports whether Open found a usable "current" configuration
// directory (as opposed to a freshly created, empty confbase).
func (s *Store) Exists() bool {
	return s.subdirExists(SubdirCurrent)
}

// Close releases the confbase lock.
func (s *Store) Close() error {
	return s.unlock()
}

func (s *Store) lock() error {
	if err := os.MkdirAll(s.confbase, 0700); err != nil {
		return fmt.Errorf("configstore: %w", err)
	}

	path := filepath.Join(s.confbase, "meshlink.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("configstore: open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("configstore: %w: %v", ErrLocked, err)
	}

	s.lockFile = f
	return nil
}

func (s *Store) unlock() error {
	if s.lockFile == nil {
		return nil
	}
	unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	err := s.lockFile.Close()
	s.lockFile = nil
	return err
}

// Init creates a fresh "current" sub-directory tree, wiping anything that
// was there before.
func (s *Store) Init() error {
	return s.initSubdir(SubdirCurrent)
}

func (s *Store) initSubdir(subdir string) error {
	path := filepath.Join(s.confbase, subdir)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("configstore: %w", err)
	}
	for _, d := range []string{path, filepath.Join(path, "hosts"), filepath.Join(path, "invitations")} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("configstore: %w", err)
		}
	}
	return nil
}

// Destroy wipes a sub-directory tree entirely.
func (s *Store) Destroy(subdir string) error {
	path := filepath.Join(s.confbase, subdir)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("configstore: destroy %s: %w", subdir, err)
	}
	return nil
}

func (s *Store) subdirExists(subdir string) bool {
	_, err := os.Stat(s.mainConfigPath(subdir))
	return err == nil
}

// decryptable reports whether the main config file in subdir can be read
// and decrypted (if a key is set) and carries a recognized version field,
// mirroring main_config_decrypt's probe.
func (s *Store) decryptable(subdir string) bool {
	data, err := s.readFile(s.mainConfigPath(subdir))
	if err != nil {
		return false
	}
	r := packmsg.NewReader(data)
	version := r.ReadUint32()
	return r.Err() == nil && version == configVersion
}

// resolveRotation implements the crash-recovery probe described for §4.8's
// rotation scheme: if "current" is present and decryptable, we're done.
// Otherwise, if "new" or "old" decrypts, that sub-directory is promoted to
// "current" and the others are cleaned up.
func (s *Store) resolveRotation() error {
	exists := false
	decryptable := false

	if s.subdirExists(SubdirCurrent) {
		exists = true
		if s.decryptable(SubdirCurrent) {
			decryptable = true
		}
	}

	if !decryptable && s.subdirExists(SubdirNew) {
		exists = true
		if s.decryptable(SubdirNew) {
			if err := s.Destroy(SubdirCurrent); err != nil {
				return err
			}
			if err := s.rename(SubdirNew, SubdirCurrent); err != nil {
				return err
			}
			decryptable = true
		}
	}

	if !decryptable && s.subdirExists(SubdirOld) {
		exists = true
		if s.decryptable(SubdirOld) {
			if err := s.Destroy(SubdirCurrent); err != nil {
				return err
			}
			if err := s.rename(SubdirOld, SubdirCurrent); err != nil {
				return err
			}
			decryptable = true
		}
	}

	if exists && decryptable {
		s.Destroy(SubdirOld)
		s.Destroy(SubdirNew)
	}

	if !exists {
		return ErrNoSuchStore
	}
	if !decryptable {
		return fmt.Errorf("configstore: %w", ErrBadVersion)
	}

	return nil
}

func (s *Store) rename(oldSubdir, newSubdir string) error {
	oldPath := filepath.Join(s.confbase, oldSubdir)
	newPath := filepath.Join(s.confbase, newSubdir)
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("configstore: rename %s -> %s: %w", oldSubdir, newSubdir, err)
	}
	return nil
}

// Rotate performs a storage-key change: copies "current" to "new" under a
// (possibly different) key supplied by the caller as newRawKey, then
// commits it as described in §4.8.
func (s *Store) Rotate(newRawKey []byte) error {
	if err := s.initSubdir(SubdirNew); err != nil {
		return err
	}
	if err := s.copyTree(SubdirCurrent, SubdirNew, newRawKey); err != nil {
		return err
	}
	if err := s.rename(SubdirCurrent, SubdirOld); err != nil {
		return err
	}
	if err := s.rename(SubdirNew, SubdirCurrent); err != nil {
		return err
	}

	if len(newRawKey) > 0 {
		derived, err := cryptoprim.PRF(newRawKey, configKeyLabel, cryptoprim.KeySize)
		if err != nil {
			return fmt.Errorf("configstore: derive new config key: %w", err)
		}
		s.key = derived
	} else {
		s.key = nil
	}

	return s.Destroy(SubdirOld)
}

func (s *Store) copyTree(srcSubdir, dstSubdir string, dstRawKey []byte) error {
	var dstKey []byte
	if len(dstRawKey) > 0 {
		derived, err := cryptoprim.PRF(dstRawKey, configKeyLabel, cryptoprim.KeySize)
		if err != nil {
			return err
		}
		dstKey = derived
	}

	srcMain := s.mainConfigPath(srcSubdir)
	if data, err := s.readFile(srcMain); err == nil {
		if err := s.writeFileWithKey(s.mainConfigPath(dstSubdir), data, dstKey); err != nil {
			return err
		}
	}

	names, err := s.ScanHostConfigs(srcSubdir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for _, name := range names {
		data, err := s.readFile(s.hostConfigPath(srcSubdir, name))
		if err != nil {
			return err
		}
		if err := s.writeFileWithKey(s.hostConfigPath(dstSubdir, name), data, dstKey); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) mainConfigPath(subdir string) string {
	return filepath.Join(s.confbase, subdir, "meshlink.conf")
}

func (s *Store) hostConfigPath(subdir, name string) string {
	return filepath.Join(s.confbase, subdir, "hosts", name)
}

func (s *Store) invitationPath(subdir, name string) string {
	return filepath.Join(s.confbase, subdir, "invitations", name)
}

func (s *Store) usedInvitationPath(subdir, name string) string {
	return filepath.Join(s.confbase, subdir, "invitations", name+".used")
}

// ReadMainConfig reads and decodes the main config file from "current".
func (s *Store) ReadMainConfig() (MainConfig, error) {
	data, err := s.readFile(s.mainConfigPath(SubdirCurrent))
	if err != nil {
		return MainConfig{}, err
	}
	return DecodeMainConfig(data)
}

// WriteMainConfig encodes and atomically writes the main config file into
// "current".
func (s *Store) WriteMainConfig(c MainConfig) error {
	return s.writeFile(s.mainConfigPath(SubdirCurrent), EncodeMainConfig(c))
}

// HostConfigExists reports whether a host config file for name exists in
// "current".
func (s *Store) HostConfigExists(name string) bool {
	_, err := os.Stat(s.hostConfigPath(SubdirCurrent, name))
	return err == nil
}

// ReadHostConfig reads and decodes one peer's config file from "current".
func (s *Store) ReadHostConfig(name string) (HostConfig, error) {
	data, err := s.readFile(s.hostConfigPath(SubdirCurrent, name))
	if err != nil {
		return HostConfig{}, err
	}
	return DecodeHostConfig(data)
}

// WriteHostConfig encodes and atomically writes one peer's config file into
// "current".
func (s *Store) WriteHostConfig(name string, c HostConfig) error {
	return s.writeFile(s.hostConfigPath(SubdirCurrent, name), EncodeHostConfig(c))
}

// DeleteHostConfig removes a peer's config file, used by "forget".
func (s *Store) DeleteHostConfig(name string) error {
	if err := os.Remove(s.hostConfigPath(SubdirCurrent, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("configstore: %w", err)
	}
	return nil
}

// ScanHostConfigs lists the names of every host config file in subdir,
// sorted for deterministic iteration order.
func (s *Store) ScanHostConfigs(subdir string) ([]string, error) {
	dir := filepath.Join(s.confbase, subdir, "hosts")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("configstore: scan hosts: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name()[0] == '.' {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// WriteInvitation writes a new invitation file named by the caller
// (typically b64url(SHA-512(cookie||inviter_pubkey)[:18])).
func (s *Store) WriteInvitation(name string, data []byte) error {
	return s.writeFile(s.invitationPath(SubdirCurrent, name), data)
}

// ReadInvitation atomically claims an invitation by renaming it to
// "<name>.used", checks it has not expired relative to timeout, reads and
// decodes it, then unlinks the used file. A claimed-but-expired invitation
// is also unlinked, so it cannot be replayed.
func (s *Store) ReadInvitation(name string, timeout time.Duration) ([]byte, error) {
	path := s.invitationPath(SubdirCurrent, name)
	usedPath := s.usedInvitationPath(SubdirCurrent, name)

	if err := os.Rename(path, usedPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoInvitation
		}
		return nil, fmt.Errorf("configstore: claim invitation: %w", err)
	}

	info, err := os.Stat(usedPath)
	if err != nil {
		os.Remove(usedPath)
		return nil, fmt.Errorf("configstore: stat invitation: %w", err)
	}

	if time.Since(info.ModTime()) > timeout {
		os.Remove(usedPath)
		return nil, ErrExpired
	}

	data, err := s.readFile(usedPath)
	os.Remove(usedPath)
	if err != nil {
		return nil, fmt.Errorf("configstore: read invitation: %w", err)
	}

	return data, nil
}

// PurgeOldInvitations removes every unclaimed invitation file in "current"
// whose mtime is not after deadline, and returns the count of invitations
// that survived the sweep. Entries whose name length doesn't match the
// expected filename length are left alone and not counted.
func (s *Store) PurgeOldInvitations(deadline time.Time) (int, error) {
	dir := filepath.Join(s.confbase, SubdirCurrent, "invitations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("configstore: purge invitations: %w", err)
	}

	kept := 0
	for _, e := range entries {
		name := e.Name()
		if len(name) != 24 {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(deadline) {
			kept++
			continue
		}
		os.Remove(filepath.Join(dir, name))
	}
	return kept, nil
}

// ---- file encryption / atomic write ----

func (s *Store) readFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configstore: %w", err)
	}

	if s.key == nil {
		return raw, nil
	}

	if len(raw) <= cryptoprim.NonceSize {
		return nil, fmt.Errorf("configstore: encrypted file too short")
	}

	aead, err := cryptoprim.NewAEAD(s.key)
	if err != nil {
		return nil, err
	}

	nonce := raw[:cryptoprim.NonceSize]
	ciphertext := raw[cryptoprim.NonceSize:]
	plain, err := aead.Open(nonce, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("configstore: decrypt: %w", err)
	}
	return plain, nil
}

func (s *Store) writeFile(path string, data []byte) error {
	return s.writeFileWithKey(path, data, s.key)
}

// writeFileWithKey atomically writes data to path, optionally encrypting
// under key: tmp file, fsync, rename, fsync parent directory.
func (s *Store) writeFileWithKey(path string, data []byte, key []byte) error {
	out := data
	if key != nil {
		nonce, err := cryptoprim.RandomBytes(cryptoprim.NonceSize)
		if err != nil {
			return err
		}
		aead, err := cryptoprim.NewAEAD(key)
		if err != nil {
			return err
		}
		ct := aead.Seal(nonce, data)
		out = append(nonce, ct...)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("configstore: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("configstore: %w", err)
	}
	if _, err := f.Write(out); err != nil {
		f.Close()
		return fmt.Errorf("configstore: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("configstore: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("configstore: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("configstore: %w", err)
	}

	if dirFile, err := os.Open(dir); err == nil {
		dirFile.Sync()
		dirFile.Close()
	}

	return nil
}
