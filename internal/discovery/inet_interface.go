/* usbshare - share physical USB devices over the network
 *
 * Network interface index discovery, used to scope DNS-SD
 * advertisement/browsing to a single interface when the server or
 * client is configured to bind to one (e.g. loopback-only testing)
 */

package discovery

import (
	"errors"
	"fmt"
	"net"
)

// IfaceUnspec is Avahi's AVAHI_IF_UNSPEC: "any interface"
const IfaceUnspec = -1

// InetInterface returns the index of a named network interface.
// The special names "all" and "lo"/"loopback" are recognized in
// addition to real interface names.
func InetInterface(name string) (int, error) {
	switch name {
	case "", "all":
		return IfaceUnspec, nil
	case "lo", "loopback":
		return Loopback()
	}

	interfaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range interfaces {
			if iface.Name == name {
				return iface.Index, nil
			}
		}
		err = errors.New("not found")
	}

	return 0, fmt.Errorf("inet interface discovery: %s", err)
}

// Loopback returns the index of the loopback interface
func Loopback() (int, error) {
	interfaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range interfaces {
			if iface.Flags&net.FlagLoopback != 0 {
				return iface.Index, nil
			}
		}
		err = errors.New("not found")
	}

	return 0, fmt.Errorf("loopback discovery: %s", err)
}
