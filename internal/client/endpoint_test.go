/* usbshare - share physical USB devices over the network
 *
 * Endpoint id parsing tests
 */

package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpointIDValid(t *testing.T) {
	hexStr := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdcd"

	id, err := parseEndpointID(hexStr)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), id[0])
	assert.Equal(t, byte(0xcd), id[31])
}

func TestParseEndpointIDInvalidHex(t *testing.T) {
	_, err := parseEndpointID("not-hex-data-at-all-----------------------------------------!!")
	assert.Error(t, err)
}

func TestParseEndpointIDWrongLength(t *testing.T) {
	_, err := parseEndpointID("abcd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid endpoint id")
}
