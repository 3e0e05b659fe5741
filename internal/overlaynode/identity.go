package overlaynode

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/nmxmxh/morphis-overlay/internal/overlayerr"
)

// persistentIdentity is the on-disk form of the node's libp2p keypair, grounded on the teacher's
// PersistentIdentity/SaveIdentity/LoadIdentity pattern.
type persistentIdentity struct {
	PrivKey []byte `json:"priv_key"`
}

// loadOrCreateIdentity loads the node's private key from {dataDir}/identity.json, generating and
// persisting a fresh Ed25519 key on first run.
func loadOrCreateIdentity(dataDir string) (crypto.PrivKey, error) {
	path := filepath.Join(dataDir, "identity.json")
	if data, err := os.ReadFile(path); err == nil {
		var id persistentIdentity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, overlayerr.Wrap(err, "overlaynode: parse identity file")
		}
		return crypto.UnmarshalPrivateKey(id.PrivKey)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, overlayerr.Wrap(err, "overlaynode: generate identity")
	}
	if err := WriteIdentity(dataDir, priv); err != nil {
		return nil, err
	}
	return priv, nil
}

// WriteIdentity persists priv to {dataDir}/identity.json, overwriting any existing identity.
// Exposed for the CLI's standalone "genkey" command.
func WriteIdentity(dataDir string, priv crypto.PrivKey) error {
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return overlayerr.Wrap(err, "overlaynode: marshal identity")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return overlayerr.Wrap(err, "overlaynode: create data dir")
	}
	data, err := json.Marshal(persistentIdentity{PrivKey: raw})
	if err != nil {
		return overlayerr.Wrap(err, "overlaynode: encode identity")
	}
	if err := os.WriteFile(filepath.Join(dataDir, "identity.json"), data, 0600); err != nil {
		return overlayerr.Wrap(err, "overlaynode: write identity file")
	}
	return nil
}
