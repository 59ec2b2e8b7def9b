/* usbshare - share physical USB devices over the network
 *
 * Endpoint identity: a persisted Ed25519 keypair whose public half is
 * this host's stable protocol.EndpointID, used by both the server and
 * client binaries so a peer's identity survives process restarts
 */

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/usbshare/usbshare/internal/protocol"
)

// Identity is one host's stable endpoint keypair
type Identity struct {
	Public  protocol.EndpointID
	private ed25519.PrivateKey
}

// Sign signs msg with the private key
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.private, msg)
}

// Verify reports whether sig is a valid signature of msg by peer
func Verify(peer protocol.EndpointID, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(peer[:]), msg, sig)
}

// LoadOrCreate reads the keypair at path, creating a fresh one (and
// its parent directory) if the file does not yet exist. The file
// permissions are restricted to the owner since it is effectively a
// credential
func LoadOrCreate(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity: %s: bad key size %d", path, len(raw))
		}
		priv := ed25519.PrivateKey(raw)
		return fromPrivateKey(priv), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: reading %s: %w", path, err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generating key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("identity: writing %s: %w", path, err)
	}

	return fromPrivateKey(priv), nil
}

func fromPrivateKey(priv ed25519.PrivateKey) *Identity {
	id := &Identity{private: priv}
	copy(id.Public[:], priv.Public().(ed25519.PublicKey))
	return id
}
