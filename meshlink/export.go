package meshlink

import (
	"github.com/meshlink/meshlink/internal/configstore"
)

// Export serializes this mesh's own host config (name, dev-class, blacklist
// flag, public key, canonical address) as a single packmsg blob suitable
// for feeding to another mesh's Import (§8 "meshlink_export/import").
func (m *Mesh) Export() ([]byte, error) {
	hc := configstore.HostConfig{
		Version:          1,
		Name:             m.self.Name,
		Submesh:          "core",
		DevClass:         int32(m.self.DevClass),
		Blacklisted:      m.self.Status.Blacklisted,
		PublicKey:        m.self.PublicKey,
		CanonicalAddress: m.self.CanonicalAddress,
	}
	if m.self.Submesh != "" {
		hc.Submesh = m.self.Submesh
	}
	return configstore.EncodeHostConfig(hc), nil
}

// Import installs a node described by a blob previously produced by another
// mesh's Export, seeding its name, dev-class, blacklist flag, public key,
// and canonical address into the graph (and, if storage is enabled,
// persisting it).
func (m *Mesh) Import(blob []byte) error {
	hc, err := configstore.DecodeHostConfig(blob)
	if err != nil {
		return newErr(EStorage, "import", err)
	}
	if !validNodeName(hc.Name) {
		return newErr(EInvalid, "import", ErrInvalidName)
	}

	n := m.graph.Node(hc.Name)
	n.DevClass = DevClass(hc.DevClass)
	if hc.Submesh != "" && hc.Submesh != "core" {
		n.Submesh = hc.Submesh
	}
	n.Status.Blacklisted = hc.Blacklisted
	n.PublicKey = hc.PublicKey
	n.CanonicalAddress = hc.CanonicalAddress

	m.saveHostConfig(n)
	return nil
}
