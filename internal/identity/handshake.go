/* usbshare - share physical USB devices over the network
 *
 * Peer identity handshake: a nonce-signing exchange that runs ahead
 * of the capability exchange (protocol.ClientCapabilities/
 * ServerCapabilities), establishing each side's EndpointID before a
 * single protocol.Message is framed. The accepting side picks the
 * nonce; both sides sign it and exchange raw (EndpointID, signature)
 * pairs, so neither trusts the other's claimed EndpointID until the
 * signature verifies against it
 */

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/usbshare/usbshare/internal/protocol"
)

// NonceSize is the length of the random challenge both sides sign
const NonceSize = 32

const identityFrameSize = 32 + ed25519.SignatureSize

// allowed reports whether peer is permitted, given an allow-list that
// is empty-means-allow-all
func allowed(peer protocol.EndpointID, allowList []protocol.EndpointID) bool {
	if len(allowList) == 0 {
		return true
	}
	for _, e := range allowList {
		if e == peer {
			return true
		}
	}
	return false
}

// ServerHandshake runs the accepting side of the identity exchange
// over conn: it issues a fresh nonce, verifies the connecting peer's
// signature over it against allowList, then signs the same nonce back
// so the peer can verify this host in turn
func (id *Identity) ServerHandshake(conn io.ReadWriter, allowList []protocol.EndpointID) (protocol.EndpointID, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return protocol.EndpointID{}, fmt.Errorf("identity: generating nonce: %w", err)
	}
	if _, err := conn.Write(nonce[:]); err != nil {
		return protocol.EndpointID{}, fmt.Errorf("identity: sending challenge: %w", err)
	}

	peer, sig, err := readIdentityFrame(conn)
	if err != nil {
		return protocol.EndpointID{}, fmt.Errorf("identity: reading peer identity: %w", err)
	}
	if !Verify(peer, nonce[:], sig) {
		return protocol.EndpointID{}, fmt.Errorf("identity: peer %s signature does not verify", peer)
	}
	if !allowed(peer, allowList) {
		return protocol.EndpointID{}, fmt.Errorf("identity: peer %s is not in the allow list", peer)
	}

	if err := writeIdentityFrame(conn, id, nonce[:]); err != nil {
		return protocol.EndpointID{}, fmt.Errorf("identity: sending response: %w", err)
	}

	return peer, nil
}

// ClientHandshake runs the connecting side: it signs the server's
// nonce to prove its own identity, then verifies the server's
// signature over the same nonce against allowList
func (id *Identity) ClientHandshake(conn io.ReadWriter, allowList []protocol.EndpointID) (protocol.EndpointID, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(conn, nonce[:]); err != nil {
		return protocol.EndpointID{}, fmt.Errorf("identity: reading challenge: %w", err)
	}

	if err := writeIdentityFrame(conn, id, nonce[:]); err != nil {
		return protocol.EndpointID{}, fmt.Errorf("identity: sending identity: %w", err)
	}

	peer, sig, err := readIdentityFrame(conn)
	if err != nil {
		return protocol.EndpointID{}, fmt.Errorf("identity: reading server identity: %w", err)
	}
	if !Verify(peer, nonce[:], sig) {
		return protocol.EndpointID{}, fmt.Errorf("identity: server %s signature does not verify", peer)
	}
	if !allowed(peer, allowList) {
		return protocol.EndpointID{}, fmt.Errorf("identity: server %s is not in the allow list", peer)
	}

	return peer, nil
}

// writeIdentityFrame writes id's EndpointID followed by its signature
// over nonce, as one 96-byte frame
func writeIdentityFrame(w io.Writer, id *Identity, nonce []byte) error {
	var frame [identityFrameSize]byte
	copy(frame[:32], id.Public[:])
	copy(frame[32:], id.Sign(nonce))
	_, err := w.Write(frame[:])
	return err
}

// readIdentityFrame reads a 96-byte (EndpointID, signature) frame
func readIdentityFrame(r io.Reader) (protocol.EndpointID, []byte, error) {
	var frame [identityFrameSize]byte
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		return protocol.EndpointID{}, nil, err
	}
	var peer protocol.EndpointID
	copy(peer[:], frame[:32])
	sig := make([]byte, ed25519.SignatureSize)
	copy(sig, frame[32:])
	return peer, sig, nil
}
