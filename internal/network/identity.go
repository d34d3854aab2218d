package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// persistentIdentity is the on-disk form of the libp2p host key.
type persistentIdentity struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

// LoadOrCreateIdentity returns the host key stored at path, generating
// and saving a new Ed25519 key when the file does not exist. An empty
// path yields an ephemeral key.
func LoadOrCreateIdentity(path string) (ic.PrivKey, error) {
	if path == "" {
		priv, _, err := ic.GenerateEd25519Key(nil)
		return priv, err
	}
	data, err := os.ReadFile(path)
	if err == nil {
		var id persistentIdentity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("decode identity %s: %w", path, err)
		}
		priv, err := ic.UnmarshalPrivateKey(id.PrivKey)
		if err != nil {
			return nil, fmt.Errorf("decode identity key: %w", err)
		}
		return priv, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	priv, _, err := ic.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	raw, err := ic.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(persistentIdentity{PrivKey: raw, PeerID: pid.String()})
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return nil, err
	}
	return priv, nil
}
