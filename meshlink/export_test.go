package meshlink

import "testing"

func TestExportImportRoundTrip(t *testing.T) {
	alice := openTestMesh(t, "alice")
	alice.self.DevClass = DevClassStationary
	alice.self.CanonicalAddress = "203.0.113.1:655"
	alice.self.Status.Blacklisted = true

	blob, err := alice.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	bob := openTestMesh(t, "bob")
	if err := bob.Import(blob); err != nil {
		t.Fatalf("Import: %v", err)
	}

	got, ok := bob.GetNode("alice")
	if !ok {
		t.Fatal("expected alice to be known to bob after import")
	}
	if got.DevClass != DevClassStationary {
		t.Fatalf("DevClass = %v, want %v", got.DevClass, DevClassStationary)
	}
	if got.CanonicalAddress != "203.0.113.1:655" {
		t.Fatalf("CanonicalAddress = %q, want %q", got.CanonicalAddress, "203.0.113.1:655")
	}
	if !got.Status.Blacklisted {
		t.Fatal("expected the blacklist flag to survive the round trip")
	}
	if string(got.PublicKey) != string(alice.self.PublicKey) {
		t.Fatal("expected the public key to survive the round trip")
	}
}

func TestImportRejectsInvalidName(t *testing.T) {
	alice := openTestMesh(t, "alice")
	// Storage is disabled, so Open never validates alice's own name;
	// exporting it exercises Import's validation against a name that
	// fails the node naming rule.
	alice.self.Name = "not a valid name!"

	badBlob, err := alice.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	bob := openTestMesh(t, "bob")
	if err := bob.Import(badBlob); err == nil {
		t.Fatal("expected Import to reject an invalid node name")
	} else if CodeOf(err) != EInvalid {
		t.Fatalf("expected EInvalid, got %v", CodeOf(err))
	}
}
