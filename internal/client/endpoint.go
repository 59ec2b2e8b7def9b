/* usbshare - share physical USB devices over the network
 *
 * Small shared helpers with no better home
 */

package client

import (
	"encoding/hex"
	"fmt"

	"github.com/usbshare/usbshare/internal/protocol"
)

func parseEndpointID(hexStr string) (protocol.EndpointID, error) {
	var id protocol.EndpointID
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return id, fmt.Errorf("client: invalid endpoint id %q: %w", hexStr, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("client: invalid endpoint id %q: want %d bytes, got %d", hexStr, len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}
