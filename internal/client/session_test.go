/* usbshare - share physical USB devices over the network
 *
 * Peer session dispatch tests, driven over an in-memory net.Pipe so no
 * real server connection or vhci hardware is involved
 */

package client

import (
	"net"
	"testing"
	"time"

	"github.com/usbshare/usbshare/internal/config"
	"github.com/usbshare/usbshare/internal/logger"
	"github.com/usbshare/usbshare/internal/protocol"
)

// pipePeer pairs a peerSession (backed by one end of a net.Pipe) with
// the other end, which a test can read/write as the server would
type pipePeer struct {
	sess *peerSession
	peer net.Conn
}

func newPipePeer(t *testing.T) *pipePeer {
	t.Helper()

	serverSide, peerSide := net.Pipe()
	c := &Client{
		log:     logger.NewLogger(),
		peers:   make(map[string]*peerSession),
		profile: make(map[string]config.ServerProfile),
	}
	sess := c.newPeerSession("test-target", protocol.EndpointID{}, serverSide)
	return &pipePeer{sess: sess, peer: peerSide}
}

func (pp *pipePeer) close() {
	pp.sess.conn.Close()
	pp.peer.Close()
}

func TestSendWritesFramedMessage(t *testing.T) {
	pp := newPipePeer(t)
	defer pp.close()

	go pp.sess.Send(&protocol.ListDevicesRequest{})

	msg, err := protocol.ReadMessage(pp.peer)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if _, ok := msg.Payload.(*protocol.ListDevicesRequest); !ok {
		t.Fatalf("got %#v, want ListDevicesRequest", msg.Payload)
	}
}

func TestDispatchListDevicesResponsePopulatesCatalog(t *testing.T) {
	pp := newPipePeer(t)
	defer pp.close()

	info := protocol.DeviceInfo{DeviceID: 1, VendorID: 0x046d, ProductID: 0xc52b}
	pp.sess.dispatch(&protocol.ListDevicesResponse{Devices: []protocol.DeviceInfo{info}})

	pp.sess.mu.Lock()
	got, ok := pp.sess.devices[1]
	pp.sess.mu.Unlock()

	if !ok || got.VendorID != 0x046d {
		t.Fatalf("devices[1] = %+v, %v; want VendorID=046d", got, ok)
	}
}

func TestDispatchDeviceRemovedDropsInvalidatedHandles(t *testing.T) {
	pp := newPipePeer(t)
	defer pp.close()

	pp.sess.mu.Lock()
	pp.sess.devices[1] = protocol.DeviceInfo{DeviceID: 1}
	pp.sess.handleDevice[7] = 1
	pp.sess.mu.Unlock()

	pp.sess.dispatch(&protocol.DeviceRemovedNotification{
		DeviceID:           1,
		InvalidatedHandles: []protocol.DeviceHandle{7},
	})

	pp.sess.mu.Lock()
	_, deviceKnown := pp.sess.devices[1]
	_, handleKnown := pp.sess.handleDevice[7]
	pp.sess.mu.Unlock()

	if deviceKnown {
		t.Fatal("expected removed device to be forgotten")
	}
	if handleKnown {
		t.Fatal("expected invalidated handle to be forgotten")
	}
}

func TestDropAllClearsEveryHandle(t *testing.T) {
	pp := newPipePeer(t)
	defer pp.close()

	pp.sess.mu.Lock()
	pp.sess.handleDevice[1] = 100
	pp.sess.handleDevice[2] = 200
	pp.sess.mu.Unlock()

	pp.sess.dropAll()

	pp.sess.mu.Lock()
	remaining := len(pp.sess.handleDevice)
	pp.sess.mu.Unlock()

	if remaining != 0 {
		t.Fatalf("expected dropAll to clear every handle, %d remain", remaining)
	}
}

// TestReconcileDevicesWaitsForTriggeredListDevicesResponse reproduces
// a slow reconnect round trip: the server takes a while to answer the
// ListDevicesRequest reconcileDevices sends, and the handle for a
// device that did not survive the reconnect must still be recognized
// as stale once the (delayed) response finally lands
func TestReconcileDevicesWaitsForTriggeredListDevicesResponse(t *testing.T) {
	pp := newPipePeer(t)
	defer pp.close()

	// handleDevice carries the attached handles from before the
	// reconnect; devices starts empty, exactly as a freshly dialed
	// peerSession does, and is only populated by the ListDevicesResponse
	// this call triggers
	pp.sess.mu.Lock()
	pp.sess.handleDevice[7] = 1
	pp.sess.handleDevice[8] = 2
	pp.sess.mu.Unlock()

	go func() {
		msg, err := protocol.ReadMessage(pp.peer)
		if err != nil {
			return
		}
		if _, ok := msg.Payload.(*protocol.ListDevicesRequest); !ok {
			return
		}
		// simulate a slow round trip; a fixed-sleep implementation
		// would already have compared stale state by the time this
		// response is applied
		time.Sleep(50 * time.Millisecond)
		pp.sess.dispatch(&protocol.ListDevicesResponse{
			Devices: []protocol.DeviceInfo{{DeviceID: 2}},
		})
	}()

	succeeded, failed := pp.sess.reconcileDevices()

	if failed != 1 {
		t.Fatalf("expected 1 stale handle dropped, got failed=%d", failed)
	}
	if succeeded != 1 {
		t.Fatalf("expected 1 surviving handle, got succeeded=%d", succeeded)
	}

	pp.sess.mu.Lock()
	_, staleStillThere := pp.sess.handleDevice[7]
	_, survivorStillThere := pp.sess.handleDevice[8]
	pp.sess.mu.Unlock()

	if staleStillThere {
		t.Fatal("expected handle 7 (device 1, absent post-reconnect) to be dropped")
	}
	if !survivorStillThere {
		t.Fatal("expected handle 8 (device 2, still present) to remain")
	}
}

func TestAutoAttachProfileReportsConfiguredMode(t *testing.T) {
	pp := newPipePeer(t)
	defer pp.close()

	pp.sess.client.mu.Lock()
	pp.sess.client.profile["test-target"] = config.ServerProfile{
		Address:     "test-target",
		AutoConnect: config.AutoConnectAuto,
	}
	pp.sess.client.mu.Unlock()

	_, auto := pp.sess.autoAttachProfile()
	if !auto {
		t.Fatal("expected AutoConnectAuto profile to report auto-attach enabled")
	}
}

func TestAutoAttachProfileManualModeDisabled(t *testing.T) {
	pp := newPipePeer(t)
	defer pp.close()

	pp.sess.client.mu.Lock()
	pp.sess.client.profile["test-target"] = config.ServerProfile{
		Address:     "test-target",
		AutoConnect: config.AutoConnectManual,
	}
	pp.sess.client.mu.Unlock()

	_, auto := pp.sess.autoAttachProfile()
	if auto {
		t.Fatal("expected AutoConnectManual profile to report auto-attach disabled")
	}
}
