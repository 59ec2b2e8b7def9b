/* usbshare - share physical USB devices over the network
 *
 * Turns a remote device into a local virtual USB device: a proxy
 * carries AttachDevice/SubmitTransfer traffic over the peer
 * connection, and a Unix socketpair hands one end to the kernel's
 * vhci_hcd driver so the other end can relay CMD_SUBMIT/CMD_UNLINK
 * frames between it and the proxy
 */

package client

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/usbshare/usbshare/internal/protocol"
	"github.com/usbshare/usbshare/internal/proxy"
	"github.com/usbshare/usbshare/internal/vhci"
)

// attachment holds everything that must be torn down when a virtual
// USB device is detached: the vhci control port (whose Close issues
// VHCI_IOCATTACH's matching detach) and the global id the vhci
// Manager uses to address its read loop
type attachment struct {
	port   vhci.KernelConn
	global vhci.GlobalID
}

func (a *attachment) close(mgr *vhci.Manager) {
	mgr.Detach(a.global)
	a.port.Close()
}

// attachDevice attaches deviceID from this session's server as a
// local virtual USB device. It is safe to call concurrently; a device
// already attached or mid-attach is skipped
func (sess *peerSession) attachDevice(deviceID protocol.DeviceID) {
	sess.mu.Lock()
	if _, ok := sess.proxies[deviceID]; ok {
		sess.mu.Unlock()
		return
	}
	info, ok := sess.devices[deviceID]
	if !ok {
		sess.mu.Unlock()
		return
	}
	px := proxy.NewProxy(sess.peer.String(), deviceID, info, sess)
	sess.proxies[deviceID] = px
	sess.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	defer cancel()

	handle, attachErr := px.Attach(ctx)
	if attachErr != nil {
		sess.client.log.Error('!', "client: %s: attach %s: %s", sess.target, info.VidPid(), attachErr)
		sess.mu.Lock()
		delete(sess.proxies, deviceID)
		sess.mu.Unlock()
		return
	}

	att, err := sess.openVhciPort(deviceID, info, px)
	if err != nil {
		sess.client.log.Error('!', "client: %s: vhci attach %s: %s", sess.target, info.VidPid(), err)
		px.Detach(context.Background())
		sess.mu.Lock()
		delete(sess.proxies, deviceID)
		sess.mu.Unlock()
		return
	}

	sess.mu.Lock()
	sess.handleDevice[handle] = deviceID
	sess.attachments[handle] = att
	sess.mu.Unlock()

	name := info.Product
	if name == "" {
		name = info.VidPid()
	}
	if sess.client.notify != nil {
		sess.client.notify.DeviceArrived(name)
	}
	sess.client.log.Info('+', "client: %s: attached %s as local device", sess.target, name)
}

// openVhciPort builds the kernel-facing half of an attachment: a
// socketpair whose first fd is handed to the kernel via the vhci
// ioctl (the kernel keeps its own reference, so our copy is closed
// right after) and whose second fd becomes the vhci.Manager's
// KernelConn for this port
func (sess *peerSession) openVhciPort(deviceID protocol.DeviceID, info protocol.DeviceInfo, px *proxy.Proxy) (*attachment, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("client: socketpair: %w", err)
	}

	port, err := vhci.OpenPort(fds[0], uint32(deviceID), info.Speed)
	syscall.Close(fds[0])
	if err != nil {
		syscall.Close(fds[1])
		return nil, err
	}

	kernelConn := os.NewFile(uintptr(fds[1]), "usbshare-vhci")
	global := sess.client.vhci.Attach(kernelConn, px)

	return &attachment{port: port, global: global}, nil
}

// DetachDevice cleanly detaches a device previously attached from
// this session's server, notifying the server before tearing down
// the local vhci port
func (sess *peerSession) DetachDevice(deviceID protocol.DeviceID) error {
	sess.mu.Lock()
	px, ok := sess.proxies[deviceID]
	var handle protocol.DeviceHandle
	if ok {
		for h, d := range sess.handleDevice {
			if d == deviceID {
				handle = h
				break
			}
		}
	}
	sess.mu.Unlock()

	if !ok {
		return fmt.Errorf("client: %s: device %d is not attached", sess.target, deviceID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	defer cancel()
	detachErr := px.Detach(ctx)

	sess.dropHandle(handle)

	if detachErr != nil {
		return fmt.Errorf("client: %s: detach %d: %s", sess.target, deviceID, detachErr)
	}
	return nil
}

// DetachDevice looks up which server owns deviceID and asks its
// session to detach it
func (c *Client) DetachDevice(target string, deviceID protocol.DeviceID) error {
	c.mu.Lock()
	sess, ok := c.peers[target]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("client: %s: not connected", target)
	}
	return sess.DetachDevice(deviceID)
}
