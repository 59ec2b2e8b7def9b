/* usbshare - share physical USB devices over the network
 *
 * Tests for filter matching, debounce coalescing, and DeviceID
 * lifecycle (handleFire is exercised directly, bypassing bus
 * enumeration, since it needs no gousb.Context)
 */

package registry

import (
	"testing"
	"time"

	"github.com/usbshare/usbshare/internal/protocol"
)

func TestPassesFilterExcludesRootHub(t *testing.T) {
	info := protocol.DeviceInfo{VendorID: rootHubVendor, Class: rootHubClass}
	if passesFilter(info, nil) {
		t.Fatal("expected root hub to be excluded regardless of filters")
	}
}

func TestPassesFilterEmptyListAllowsAll(t *testing.T) {
	info := protocol.DeviceInfo{VendorID: 0x0781, ProductID: 0x5567}
	if !passesFilter(info, nil) {
		t.Fatal("expected empty filter list to allow all non-root-hub devices")
	}
}

func TestPassesFilterVidWildcard(t *testing.T) {
	info := protocol.DeviceInfo{VendorID: 0x0781, ProductID: 0x5567}
	if !passesFilter(info, []string{"0781:*"}) {
		t.Fatal("expected VID:* to match any product of that vendor")
	}
	if passesFilter(info, []string{"04b8:*"}) {
		t.Fatal("expected a different VID to be excluded")
	}
}

func TestPassesFilterExactMatch(t *testing.T) {
	info := protocol.DeviceInfo{VendorID: 0x0781, ProductID: 0x5567}
	if !passesFilter(info, []string{"0781:5567"}) {
		t.Fatal("expected exact VID:PID match")
	}
	if passesFilter(info, []string{"0781:0000"}) {
		t.Fatal("expected mismatched PID to be excluded")
	}
}

func TestDebouncerCoalescesUnplugReplugToOneArrival(t *testing.T) {
	fired := make(chan bool, 4)
	d := NewDebouncer(30*time.Millisecond, func(addr UsbAddr, arrived bool) {
		fired <- arrived
	})

	addr := UsbAddr{Bus: 1, Address: 5}
	d.Signal(addr, true)
	d.Signal(addr, false)
	d.Signal(addr, true)

	select {
	case arrived := <-fired:
		if !arrived {
			t.Fatal("expected the coalesced event to reflect the final arrived state")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for debounced fire")
	}

	select {
	case <-fired:
		t.Fatal("expected exactly one fire for the whole coalesced burst")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistryHandleFireAssignsFreshDeviceIDAcrossGenuineCycle(t *testing.T) {
	r := NewRegistry(nil, nil, time.Hour, nil)
	addr := UsbAddr{Bus: 2, Address: 9}
	info := protocol.DeviceInfo{VendorID: 0x0781, ProductID: 0x5567}

	r.mu.Lock()
	r.latestInfo[addr] = info
	r.mu.Unlock()
	r.handleFire(addr, true)

	ev1 := <-r.events
	if ev1.Kind != EventArrived {
		t.Fatalf("expected EventArrived, got %v", ev1.Kind)
	}
	id1 := ev1.DeviceID

	r.handleFire(addr, false)
	ev2 := <-r.events
	if ev2.Kind != EventRemoved || ev2.DeviceID != id1 {
		t.Fatalf("expected EventRemoved for id %d, got %+v", id1, ev2)
	}

	r.mu.Lock()
	r.latestInfo[addr] = info
	r.mu.Unlock()
	r.handleFire(addr, true)

	ev3 := <-r.events
	if ev3.DeviceID == id1 {
		t.Fatal("expected a fresh DeviceID after a genuine unplug/replug cycle")
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry(nil, nil, time.Hour, nil)
	addr := UsbAddr{Bus: 3, Address: 1}
	info := protocol.DeviceInfo{VendorID: 0x04b8, ProductID: 0x0202}

	r.mu.Lock()
	r.latestInfo[addr] = info
	r.mu.Unlock()
	r.handleFire(addr, true)
	ev := <-r.events

	got, ok := r.Lookup(ev.DeviceID)
	if !ok || got.VendorID != info.VendorID {
		t.Fatalf("expected Lookup to find %+v, got %+v (ok=%v)", info, got, ok)
	}

	gotAddr, ok := r.LookupAddr(ev.DeviceID)
	if !ok || gotAddr != addr {
		t.Fatalf("expected LookupAddr to find %v, got %v (ok=%v)", addr, gotAddr, ok)
	}
}
