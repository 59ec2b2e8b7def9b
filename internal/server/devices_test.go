/* usbshare - share physical USB devices over the network
 *
 * Device table refcounting tests. acquire() itself needs a real gousb
 * device to open, so these populate the table directly the way
 * acquire() would once a device is open, and exercise the refcount and
 * teardown paths around it
 */

package server

import (
	"testing"

	"github.com/usbshare/usbshare/internal/protocol"
)

func populatedDeviceTable(deviceID protocol.DeviceID, handles ...protocol.DeviceHandle) *deviceTable {
	t := newDeviceTable()
	od := &openDevice{refs: make(map[protocol.DeviceHandle]struct{})}
	for _, h := range handles {
		od.refs[h] = struct{}{}
		t.byHandle[h] = deviceID
	}
	t.byDevice[deviceID] = od
	return t
}

func TestDeviceTableEngineForUnknownHandle(t *testing.T) {
	dt := newDeviceTable()
	if _, _, ok := dt.engineFor(1); ok {
		t.Fatal("expected engineFor to report false for an unattached handle")
	}
}

func TestDeviceTableReleaseKeepsDeviceOpenWhileRefsRemain(t *testing.T) {
	dt := populatedDeviceTable(1, 10, 11)

	dt.release(10)

	if _, ok := dt.byDevice[1]; !ok {
		t.Fatal("device should still be open: handle 11 still references it")
	}
	if _, ok := dt.byHandle[10]; ok {
		t.Fatal("released handle should be forgotten")
	}
	if _, _, ok := dt.engineFor(11); !ok {
		t.Fatal("remaining handle should still resolve to the open device")
	}
}

func TestDeviceTableReleaseClosesDeviceOnLastRef(t *testing.T) {
	dt := populatedDeviceTable(1, 10)

	dt.release(10)

	if _, ok := dt.byDevice[1]; ok {
		t.Fatal("expected device to be closed and removed after last release")
	}
	if _, ok := dt.byHandle[10]; ok {
		t.Fatal("expected handle to be forgotten")
	}
}

func TestDeviceTableReleaseOfUnknownHandleIsNoop(t *testing.T) {
	dt := newDeviceTable()
	dt.release(999) // must not panic
}

func TestDeviceTableCloseIfOpenForgetsEveryHandle(t *testing.T) {
	dt := populatedDeviceTable(1, 10, 11, 12)

	dt.closeIfOpen(1)

	if _, ok := dt.byDevice[1]; ok {
		t.Fatal("expected device entry to be removed")
	}
	for _, h := range []protocol.DeviceHandle{10, 11, 12} {
		if _, ok := dt.byHandle[h]; ok {
			t.Fatalf("expected handle %d to be forgotten after closeIfOpen", h)
		}
	}
}

func TestDeviceTableCloseIfOpenOfUnknownDeviceIsNoop(t *testing.T) {
	dt := newDeviceTable()
	dt.closeIfOpen(404) // must not panic
}
