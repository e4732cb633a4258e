package node

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const identityFile = "identity.key"

// Identity is the node's long-lived signing keypair; the public key is its
// DHT key.
type Identity struct {
	Priv ed25519.PrivateKey
	Pub  ed25519.PublicKey
}

// LoadOrCreateIdentity reads the identity seed from dataDir, generating and
// persisting a fresh one on first run so the node keeps the same DHT key
// across restarts.
func LoadOrCreateIdentity(dataDir string) (*Identity, error) {
	path := filepath.Join(dataDir, identityFile)

	if data, err := os.ReadFile(path); err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("node: corrupt identity file %s", path)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return &Identity{Priv: priv, Pub: priv.Public().(ed25519.PublicKey)}, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	encoded := hex.EncodeToString(priv.Seed()) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, err
	}
	return &Identity{Priv: priv, Pub: pub}, nil
}
