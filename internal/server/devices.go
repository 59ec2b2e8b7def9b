/* usbshare - share physical USB devices over the network
 *
 * Device table: tracks the one open *gousb.Device (and its claimed
 * interface and transfer engine) backing each attached DeviceID,
 * refcounted by the handles currently attached to it so the last
 * detach closes the device
 */

package server

import (
	"fmt"
	"sync"

	"github.com/google/gousb"

	"github.com/usbshare/usbshare/internal/protocol"
	"github.com/usbshare/usbshare/internal/registry"
	"github.com/usbshare/usbshare/internal/transfer"
)

// claimConfig and claimInterface are the config/interface numbers
// claimed on every opened device. usbshare does not negotiate
// alternate configurations; it always takes the device's first
// config and first interface, alt-setting 0
const (
	claimConfig     = 1
	claimInterface  = 0
	claimAltSetting = 0
)

type openDevice struct {
	gdev   *gousb.Device
	gcfg   *gousb.Config
	giface *gousb.Interface
	engine *transfer.Engine

	refs map[protocol.DeviceHandle]struct{}
}

func (od *openDevice) close() {
	if od.giface != nil {
		od.giface.Close()
	}
	if od.gcfg != nil {
		od.gcfg.Close()
	}
	if od.gdev != nil {
		od.gdev.Close()
	}
}

// deviceTable is safe for concurrent use
type deviceTable struct {
	mu       sync.Mutex
	byDevice map[protocol.DeviceID]*openDevice
	byHandle map[protocol.DeviceHandle]protocol.DeviceID
}

func newDeviceTable() *deviceTable {
	return &deviceTable{
		byDevice: make(map[protocol.DeviceID]*openDevice),
		byHandle: make(map[protocol.DeviceHandle]protocol.DeviceID),
	}
}

// acquire opens deviceID (if not already open) and attributes handle
// to it, returning the shared transfer engine
func (t *deviceTable) acquire(deviceID protocol.DeviceID, handle protocol.DeviceHandle, addr registry.UsbAddr, speed protocol.Speed) (*transfer.Engine, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	od, ok := t.byDevice[deviceID]
	if !ok {
		gdev, err := addr.Open()
		if err != nil {
			return nil, fmt.Errorf("server: opening device %d: %w", deviceID, err)
		}

		cfg, err := gdev.Config(claimConfig)
		if err != nil {
			gdev.Close()
			return nil, fmt.Errorf("server: device %d: claiming config %d: %w", deviceID, claimConfig, err)
		}

		iface, err := cfg.Interface(claimInterface, claimAltSetting)
		if err != nil {
			cfg.Close()
			gdev.Close()
			return nil, fmt.Errorf("server: device %d: claiming interface %d: %w", deviceID, claimInterface, err)
		}

		dev := transfer.NewGousbDevice(gdev, iface, speed)
		od = &openDevice{
			gdev:   gdev,
			gcfg:   cfg,
			giface: iface,
			engine: transfer.NewEngine(dev, transfer.ClassifyGousbError),
			refs:   make(map[protocol.DeviceHandle]struct{}),
		}
		t.byDevice[deviceID] = od
	}

	od.refs[handle] = struct{}{}
	t.byHandle[handle] = deviceID
	return od.engine, nil
}

// engineFor returns the transfer engine backing handle, if attached
func (t *deviceTable) engineFor(handle protocol.DeviceHandle) (*transfer.Engine, protocol.DeviceID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	deviceID, ok := t.byHandle[handle]
	if !ok {
		return nil, 0, false
	}
	od, ok := t.byDevice[deviceID]
	if !ok {
		return nil, 0, false
	}
	return od.engine, deviceID, true
}

// release drops handle's reference, closing the underlying device
// once no handle references it
func (t *deviceTable) release(handle protocol.DeviceHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	deviceID, ok := t.byHandle[handle]
	if !ok {
		return
	}
	delete(t.byHandle, handle)

	od, ok := t.byDevice[deviceID]
	if !ok {
		return
	}
	delete(od.refs, handle)
	if len(od.refs) == 0 {
		od.close()
		delete(t.byDevice, deviceID)
	}
}

// closeIfOpen unconditionally closes deviceID's open handle, as
// happens when the device is physically unplugged regardless of how
// many clients still think they hold it attached
func (t *deviceTable) closeIfOpen(deviceID protocol.DeviceID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	od, ok := t.byDevice[deviceID]
	if !ok {
		return
	}
	for h := range od.refs {
		delete(t.byHandle, h)
	}
	od.close()
	delete(t.byDevice, deviceID)
}
