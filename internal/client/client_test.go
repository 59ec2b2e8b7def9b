/* usbshare - share physical USB devices over the network
 *
 * Pure-function tests for the auto-attach filter matcher and the
 * endpoint id parsing helpers
 */

package client

import (
	"testing"

	"github.com/usbshare/usbshare/internal/protocol"
)

func TestMatchesAutoAttachVidPidFilter(t *testing.T) {
	info := protocol.DeviceInfo{VendorID: 0x046d, ProductID: 0xc52b}

	if !matchesAutoAttach(info, []string{"046d:c52b"}) {
		t.Fatal("expected exact vid:pid filter to match")
	}
	if matchesAutoAttach(info, []string{"046d:ffff"}) {
		t.Fatal("expected mismatched pid to not match")
	}
}

func TestMatchesAutoAttachGlobFilter(t *testing.T) {
	info := protocol.DeviceInfo{VendorID: 0x046d, ProductID: 0xc52b}

	if !matchesAutoAttach(info, []string{"046d:*"}) {
		t.Fatal("expected wildcard pid to match any product from that vendor")
	}
	if matchesAutoAttach(info, []string{"05ac:*"}) {
		t.Fatal("expected a different vendor glob to not match")
	}
}

func TestMatchesAutoAttachProductSubstring(t *testing.T) {
	info := protocol.DeviceInfo{Product: "Logitech USB Receiver"}

	if !matchesAutoAttach(info, []string{"usb receiver"}) {
		t.Fatal("expected case-insensitive substring match")
	}
	if matchesAutoAttach(info, []string{"webcam"}) {
		t.Fatal("expected unrelated substring to not match")
	}
}

func TestMatchesAutoAttachEmptyFilterListMatchesNothing(t *testing.T) {
	info := protocol.DeviceInfo{VendorID: 0x046d, ProductID: 0xc52b, Product: "Anything"}
	if matchesAutoAttach(info, nil) {
		t.Fatal("expected an empty filter list to match nothing")
	}
}

func TestParseEndpointListRejectsOversizedID(t *testing.T) {
	list, err := parseEndpointList([]string{
		"000000000000000000000000000000000000000000000000000000000000000000",
	})
	if err == nil {
		t.Fatalf("expected error for an oversized hex string, got list %v", list)
	}
}
