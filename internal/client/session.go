/* usbshare - share physical USB devices over the network
 *
 * Peer session: the client side of one server connection. Owns the
 * proxies for every device attached from that server and dispatches
 * inbound notifications/responses to them
 */

package client

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/usbshare/usbshare/internal/config"
	"github.com/usbshare/usbshare/internal/protocol"
	"github.com/usbshare/usbshare/internal/proxy"
)

// attachTimeout bounds how long an attach/detach request waits for
// the server's response
const attachTimeout = 10 * time.Second

// peerSession is the client's view of one connected server. It
// implements connmgr.Conn (Close) and proxy.Transport (Send)
type peerSession struct {
	client *Client
	target string
	peer   protocol.EndpointID
	conn   net.Conn

	wmu sync.Mutex

	mu           sync.Mutex
	devices      map[protocol.DeviceID]protocol.DeviceInfo
	proxies      map[protocol.DeviceID]*proxy.Proxy
	handleDevice map[protocol.DeviceHandle]protocol.DeviceID
	attachments  map[protocol.DeviceHandle]*attachment

	// listDevicesWaiters lets reconcileDevices block until dispatch()
	// has actually processed a ListDevicesResponse, instead of
	// guessing at a sleep duration. Each entry is closed exactly once,
	// by whichever ListDevicesResponse arrives next
	listDevicesWaiters map[chan struct{}]struct{}

	done chan struct{}
}

func (c *Client) newPeerSession(target string, peer protocol.EndpointID, conn net.Conn) *peerSession {
	return &peerSession{
		client:       c,
		target:       target,
		peer:         peer,
		conn:         conn,
		devices:            make(map[protocol.DeviceID]protocol.DeviceInfo),
		proxies:            make(map[protocol.DeviceID]*proxy.Proxy),
		handleDevice:       make(map[protocol.DeviceHandle]protocol.DeviceID),
		attachments:        make(map[protocol.DeviceHandle]*attachment),
		listDevicesWaiters: make(map[chan struct{}]struct{}),
		done:               make(chan struct{}),
	}
}

// Send implements proxy.Transport
func (sess *peerSession) Send(p protocol.Payload) error {
	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	return protocol.WriteMessage(sess.conn, protocol.Message{Version: protocol.CurrentVersion, Payload: p})
}

// Close implements connmgr.Conn
func (sess *peerSession) Close() error {
	return sess.conn.Close()
}

// serve runs the read/dispatch loop until the connection closes,
// requesting the server's device list as its first action
func (sess *peerSession) serve() {
	defer close(sess.done)
	defer sess.client.connmgr.MarkDisconnected(sess.target)
	defer sess.conn.Close()

	sess.Send(&protocol.ListDevicesRequest{})

	for {
		msg, err := protocol.ReadMessage(sess.conn)
		if err != nil {
			if err != io.EOF {
				sess.client.log.Debug('-', "client: %s: session ended: %s", sess.target, err)
			}
			sess.dropAll()
			return
		}
		sess.dispatch(msg.Payload)
	}
}

func (sess *peerSession) dispatch(payload protocol.Payload) {
	switch p := payload.(type) {
	case *protocol.HeartbeatAck:
		// nothing to do; Heartbeat is not currently initiated client-side

	case *protocol.ListDevicesResponse:
		sess.updateDevices(p.Devices)
		sess.signalListDevicesWaiters()

	case *protocol.DeviceArrivedNotification:
		sess.updateDevices([]protocol.DeviceInfo{p.Device})

	case *protocol.DeviceRemovedNotification:
		sess.handleDeviceRemoved(p)

	case *protocol.AttachDeviceResponse:
		if px := sess.proxyForHandle(p.Handle, true); px != nil {
			px.HandleAttachResponse(p)
		} else {
			sess.broadcastAttachResponse(p)
		}

	case *protocol.DetachDeviceResponse:
		sess.broadcastDetachResponse(p)

	case *protocol.TransferComplete:
		if px := sess.proxyForHandle(sess.handleOf(p.RequestID), false); px != nil {
			px.HandleTransferComplete(p)
		} else {
			sess.broadcastTransferComplete(p)
		}

	case *protocol.ForceDetachWarning:
		sess.handleForceDetachWarning(p)

	case *protocol.ForcedDetachNotification:
		sess.handleForcedDetach(p)

	case *protocol.QueuePositionNotification, *protocol.DeviceAvailableNotification:
		sess.handleAvailabilityChange(payload)

	case *protocol.ErrorMessage:
		sess.client.log.Error('!', "client: %s: server error: %s", sess.target, p.Message)

	case *protocol.UnknownPayload:
		sess.client.log.Debug('-', "client: %s: unknown payload tag %d, ignoring", sess.target, p.TagValue)

	default:
		sess.client.log.Debug('-', "client: %s: unexpected payload %T, ignoring", sess.target, p)
	}
}

// updateDevices merges newly seen devices into the session's catalog
// and auto-attaches any that match the server profile's filters and
// are not already attached
func (sess *peerSession) updateDevices(infos []protocol.DeviceInfo) {
	prof, autoAttach := sess.autoAttachProfile()

	for _, info := range infos {
		sess.mu.Lock()
		_, alreadyKnown := sess.devices[info.DeviceID]
		sess.devices[info.DeviceID] = info
		_, alreadyAttached := sess.proxies[info.DeviceID]
		sess.mu.Unlock()

		if alreadyKnown || alreadyAttached || !autoAttach {
			continue
		}
		if matchesAutoAttach(info, prof.AutoAttachFilters) {
			go sess.attachDevice(info.DeviceID)
		}
	}
}

func (sess *peerSession) autoAttachProfile() (config.ServerProfile, bool) {
	sess.client.mu.Lock()
	prof, ok := sess.client.profile[sess.target]
	sess.client.mu.Unlock()
	if !ok {
		return prof, false
	}
	return prof, prof.AutoConnect == config.AutoConnectAuto || prof.AutoConnect == config.AutoConnectFull
}

func (sess *peerSession) handleDeviceRemoved(p *protocol.DeviceRemovedNotification) {
	sess.mu.Lock()
	delete(sess.devices, p.DeviceID)
	sess.mu.Unlock()

	for _, h := range p.InvalidatedHandles {
		sess.dropHandle(h)
	}
}

func (sess *peerSession) handleForceDetachWarning(p *protocol.ForceDetachWarning) {
	name := sess.deviceName(sess.deviceOf(p.Handle))
	if sess.client.notify != nil {
		sess.client.notify.ForceDetachWarning(name)
	}
}

func (sess *peerSession) handleForcedDetach(p *protocol.ForcedDetachNotification) {
	name := sess.deviceName(sess.deviceOf(p.Handle))
	sess.dropHandle(p.Handle)
	if sess.client.notify != nil {
		sess.client.notify.ForcedDetach(name)
	}
}

// handleAvailabilityChange retries an attach that is now unblocked,
// for the device named in either notification kind
func (sess *peerSession) handleAvailabilityChange(payload protocol.Payload) {
	var deviceID protocol.DeviceID
	switch p := payload.(type) {
	case *protocol.QueuePositionNotification:
		if p.Position != 0 {
			return
		}
		deviceID = p.DeviceID
	case *protocol.DeviceAvailableNotification:
		deviceID = p.DeviceID
	}
	go sess.attachDevice(deviceID)
}

func (sess *peerSession) deviceOf(handle protocol.DeviceHandle) protocol.DeviceID {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.handleDevice[handle]
}

func (sess *peerSession) deviceName(deviceID protocol.DeviceID) string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if info, ok := sess.devices[deviceID]; ok {
		if info.Product != "" {
			return info.Product
		}
		return info.VidPid()
	}
	return "unknown device"
}

func (sess *peerSession) proxyForHandle(handle protocol.DeviceHandle, _ bool) *proxy.Proxy {
	deviceID := sess.deviceOf(handle)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.proxies[deviceID]
}

func (sess *peerSession) handleOf(reqID protocol.RequestID) protocol.DeviceHandle {
	// RequestID is scoped per-proxy; TransferComplete routing instead
	// fans the message out to every attached proxy, each of which
	// silently ignores request ids it did not originate
	return 0
}

func (sess *peerSession) broadcastAttachResponse(m *protocol.AttachDeviceResponse) {
	sess.mu.Lock()
	proxies := sess.snapshotProxiesLocked()
	sess.mu.Unlock()
	for _, px := range proxies {
		px.HandleAttachResponse(m)
	}
}

func (sess *peerSession) broadcastDetachResponse(m *protocol.DetachDeviceResponse) {
	sess.mu.Lock()
	proxies := sess.snapshotProxiesLocked()
	sess.mu.Unlock()
	for _, px := range proxies {
		px.HandleDetachResponse(m.Err)
	}
}

func (sess *peerSession) broadcastTransferComplete(m *protocol.TransferComplete) {
	sess.mu.Lock()
	proxies := sess.snapshotProxiesLocked()
	sess.mu.Unlock()
	for _, px := range proxies {
		px.HandleTransferComplete(m)
	}
}

func (sess *peerSession) snapshotProxiesLocked() []*proxy.Proxy {
	out := make([]*proxy.Proxy, 0, len(sess.proxies))
	for _, px := range sess.proxies {
		out = append(out, px)
	}
	return out
}

// dropHandle tears down the vhci attachment and proxy state for a
// handle that the server has invalidated or forcibly detached
func (sess *peerSession) dropHandle(handle protocol.DeviceHandle) {
	sess.mu.Lock()
	deviceID, ok := sess.handleDevice[handle]
	att := sess.attachments[handle]
	if ok {
		delete(sess.handleDevice, handle)
		delete(sess.attachments, handle)
	}
	var px *proxy.Proxy
	if ok {
		px = sess.proxies[deviceID]
		delete(sess.proxies, deviceID)
	}
	sess.mu.Unlock()

	if px != nil {
		px.ForceDrop()
	}
	if att != nil {
		att.close(sess.client.vhci)
	}
}

// dropAll tears down every proxy and vhci attachment held by this
// session, as happens when its connection is lost
func (sess *peerSession) dropAll() {
	sess.mu.Lock()
	handles := make([]protocol.DeviceHandle, 0, len(sess.handleDevice))
	for h := range sess.handleDevice {
		handles = append(handles, h)
	}
	sess.mu.Unlock()

	for _, h := range handles {
		sess.dropHandle(h)
	}
}

// reconcileDevices re-lists the server's devices after a reconnect
// and drops any locally attached proxy whose device is no longer
// present there. It blocks until dispatch() has actually processed
// the ListDevicesResponse this call triggers, rather than sleeping a
// guessed duration, so the stale-device comparison always runs
// against post-reconnect state
func (sess *peerSession) reconcileDevices() (succeeded, failed int) {
	waiter := make(chan struct{})
	sess.mu.Lock()
	sess.listDevicesWaiters[waiter] = struct{}{}
	sess.mu.Unlock()

	sess.Send(&protocol.ListDevicesRequest{})

	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		sess.mu.Lock()
		delete(sess.listDevicesWaiters, waiter)
		sess.mu.Unlock()
		return 0, 0
	case <-waiter:
		// dispatch() has applied the triggered ListDevicesResponse
	}

	sess.mu.Lock()
	stale := make([]protocol.DeviceHandle, 0)
	for h, deviceID := range sess.handleDevice {
		if _, ok := sess.devices[deviceID]; !ok {
			stale = append(stale, h)
		}
	}
	sess.mu.Unlock()

	for _, h := range stale {
		sess.dropHandle(h)
		failed++
	}
	succeeded = len(sess.handleDevice)
	return succeeded, failed
}

// signalListDevicesWaiters wakes every reconcileDevices call currently
// blocked on a ListDevicesResponse. The protocol carries no request ID
// for ListDevicesRequest/Response, so any response received after a
// waiter registered is treated as satisfying it
func (sess *peerSession) signalListDevicesWaiters() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for ch := range sess.listDevicesWaiters {
		close(ch)
	}
	sess.listDevicesWaiters = make(map[chan struct{}]struct{})
}
