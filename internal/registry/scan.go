/* usbshare - share physical USB devices over the network
 *
 * Bus enumeration: lists attached devices as UsbAddr/DeviceInfo pairs
 * and applies the VID:PID filter list
 */

package registry

import (
	"fmt"
	"strings"

	"github.com/google/gousb"

	"github.com/usbshare/usbshare/internal/protocol"
)

// rootHubVendor and rootHubClass identify the virtual root-hub
// devices libusb reports alongside real ones; these are never shared
const (
	rootHubVendor = 0x1d6b
	rootHubClass  = 0x09
)

// Enumerate lists every device currently visible on the bus that
// passes filters, returning its address list (sorted, per UsbAddrList
// invariants) and a map of address to descriptor info. ctx must have
// been installed with SetContext
func Enumerate(ctx *gousb.Context, filters []string) (UsbAddrList, map[UsbAddr]protocol.DeviceInfo, error) {
	infos := make(map[UsbAddr]protocol.DeviceInfo)

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return true
	})
	for _, d := range devs {
		defer d.Close()
	}
	if err != nil && len(devs) == 0 {
		return nil, nil, err
	}

	var addrs UsbAddrList
	for _, d := range devs {
		info := describeDevice(d)
		if !passesFilter(info, filters) {
			continue
		}

		addr := UsbAddr{Bus: d.Desc.Bus, Address: d.Desc.Address}
		addrs.Add(addr)
		infos[addr] = info
	}

	return addrs, infos, nil
}

// describeDevice reads a DeviceInfo out of an open *gousb.Device.
// String descriptors are best-effort: a device that stalls on them
// simply gets an empty field rather than failing enumeration
func describeDevice(d *gousb.Device) protocol.DeviceInfo {
	info := protocol.DeviceInfo{
		VendorID:   uint16(d.Desc.Vendor),
		ProductID:  uint16(d.Desc.Product),
		Bus:        d.Desc.Bus,
		Address:    d.Desc.Address,
		Class:      byte(d.Desc.Class),
		SubClass:   byte(d.Desc.SubClass),
		Protocol:   byte(d.Desc.Protocol),
		Speed:      speedFromGousb(d.Desc.Speed),
		NumConfigs: len(d.Desc.Configs),
	}

	if s, err := d.Manufacturer(); err == nil {
		info.Manufacturer = s
	}
	if s, err := d.Product(); err == nil {
		info.Product = s
	}
	if s, err := d.SerialNumber(); err == nil {
		info.SerialNumber = s
	}

	return info
}

func speedFromGousb(s gousb.Speed) protocol.Speed {
	switch s {
	case gousb.SpeedLow:
		return protocol.SpeedLow
	case gousb.SpeedHigh:
		return protocol.SpeedHigh
	case gousb.SpeedSuper:
		return protocol.SpeedSuper
	default:
		return protocol.SpeedFull
	}
}

// passesFilter reports whether info should ever be registered: root
// hubs are always excluded, then the VID:PID filter list applies (an
// empty list allows everything else)
func passesFilter(info protocol.DeviceInfo, filters []string) bool {
	if info.VendorID == rootHubVendor && info.Class == rootHubClass {
		return false
	}
	if len(filters) == 0 {
		return true
	}

	vid := fmt.Sprintf("%04x", info.VendorID)
	pid := fmt.Sprintf("%04x", info.ProductID)

	for _, f := range filters {
		parts := strings.SplitN(f, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if GlobMatch(vid, parts[0]) >= 0 && GlobMatch(pid, parts[1]) >= 0 {
			return true
		}
	}

	return false
}
