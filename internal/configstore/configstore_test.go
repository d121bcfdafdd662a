package configstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openFresh(t *testing.T, key []byte) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if s.Exists() {
		t.Fatal("expected fresh confbase to not exist yet")
	}
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s, dir
}

func TestMainConfigRoundTrip(t *testing.T) {
	s, _ := openFresh(t, nil)

	want := MainConfig{
		Name:              "alice",
		PrivateKey:        make([]byte, 96),
		InvitationPrivKey: make([]byte, 96),
		Port:              12345,
	}
	for i := range want.PrivateKey {
		want.PrivateKey[i] = byte(i)
	}

	if err := s.WriteMainConfig(want); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := s.ReadMainConfig()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Name != want.Name || got.Port != want.Port {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestHostConfigRoundTripEncrypted(t *testing.T) {
	s, _ := openFresh(t, []byte("super secret passphrase"))

	want := HostConfig{
		Name:             "bob",
		Submesh:          "core",
		DevClass:         2,
		Blacklisted:      false,
		PublicKey:        make([]byte, 32),
		CanonicalAddress: "bob.example.com:1234",
		RecentAddresses: []RecentAddress{
			{Family: 4, Data: make([]byte, 14)},
			{Family: 6, Data: make([]byte, 22)},
		},
		LastReachable:   1000,
		LastUnreachable: 0,
	}

	if err := s.WriteHostConfig("bob", want); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !s.HostConfigExists("bob") {
		t.Fatal("expected host config to exist")
	}

	got, err := s.ReadHostConfig("bob")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Name != want.Name || got.CanonicalAddress != want.CanonicalAddress || len(got.RecentAddresses) != 2 {
		t.Fatalf("got %+v want %+v", got, want)
	}

	// The file on disk must not be the plaintext packmsg encoding.
	raw, err := os.ReadFile(filepath.Join(s.confbase, SubdirCurrent, "hosts", "bob"))
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if string(raw) == string(EncodeHostConfig(want)) {
		t.Fatal("expected on-disk bytes to be encrypted, not plaintext packmsg")
	}
}

func TestScanHostConfigsSorted(t *testing.T) {
	s, _ := openFresh(t, nil)

	for _, name := range []string{"zeta", "alpha", "mu"} {
		if err := s.WriteHostConfig(name, HostConfig{Name: name}); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	names, err := s.ScanHostConfigs(SubdirCurrent)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := []string{"alpha", "mu", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("got %v want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v want %v", names, want)
		}
	}
}

func TestInvitationLifecycle(t *testing.T) {
	s, _ := openFresh(t, nil)

	payload := []byte("invitation packmsg blob")
	if err := s.WriteInvitation("abc123", payload); err != nil {
		t.Fatalf("write invitation: %v", err)
	}

	got, err := s.ReadInvitation("abc123", time.Hour)
	if err != nil {
		t.Fatalf("read invitation: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q want %q", got, payload)
	}

	// The invitation must not be usable a second time.
	if _, err := s.ReadInvitation("abc123", time.Hour); err == nil {
		t.Fatal("expected second claim of the same invitation to fail")
	}
}

func TestInvitationExpiry(t *testing.T) {
	s, _ := openFresh(t, nil)

	if err := s.WriteInvitation("expiredinvitation000000", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Back-date the file so it reads as already expired.
	path := s.invitationPath(SubdirCurrent, "expiredinvitation000000")
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if _, err := s.ReadInvitation("expiredinvitation000000", time.Hour); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestRotate(t *testing.T) {
	s, _ := openFresh(t, []byte("old key"))

	if err := s.WriteMainConfig(MainConfig{Name: "carol", Port: 1}); err != nil {
		t.Fatalf("write main: %v", err)
	}
	if err := s.WriteHostConfig("dave", HostConfig{Name: "dave"}); err != nil {
		t.Fatalf("write host: %v", err)
	}

	if err := s.Rotate([]byte("new key")); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	got, err := s.ReadMainConfig()
	if err != nil {
		t.Fatalf("read after rotate: %v", err)
	}
	if got.Name != "carol" {
		t.Fatalf("got %q want carol", got.Name)
	}

	if _, err := s.ReadHostConfig("dave"); err != nil {
		t.Fatalf("read host after rotate: %v", err)
	}

	for _, subdir := range []string{SubdirOld, SubdirNew} {
		if _, err := os.Stat(filepath.Join(s.confbase, subdir)); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be gone after rotate, stat err = %v", subdir, err)
		}
	}
}

func TestLockPreventsSecondOpen(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	defer s1.Close()

	if _, err := Open(dir, nil); err == nil {
		t.Fatal("expected second Open of the same confbase to fail")
	}
}
