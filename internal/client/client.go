/* usbshare - share physical USB devices over the network
 *
 * Client: maintains one connmgr-supervised connection per configured
 * server, discovers and tracks that server's devices, and auto-attaches
 * the ones matching a profile's filters as local virtual USB devices
 */

package client

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/usbshare/usbshare/internal/config"
	"github.com/usbshare/usbshare/internal/connmgr"
	"github.com/usbshare/usbshare/internal/discovery"
	"github.com/usbshare/usbshare/internal/identity"
	"github.com/usbshare/usbshare/internal/logger"
	"github.com/usbshare/usbshare/internal/notify"
	"github.com/usbshare/usbshare/internal/protocol"
	"github.com/usbshare/usbshare/internal/registry"
	"github.com/usbshare/usbshare/internal/vhci"
)

// Client is one running usbshare client instance
type Client struct {
	conf config.ClientConfig
	log  *logger.Logger
	id   *identity.Identity

	allowList []protocol.EndpointID

	connmgr *connmgr.Manager
	vhci    *vhci.Manager
	notify  *notify.Notifier
	browser *discovery.Browser

	mu      sync.Mutex
	peers   map[string]*peerSession // keyed by ServerProfile.Address
	profile map[string]config.ServerProfile
}

// New constructs a Client from conf. The caller still must call Run
func New(conf config.ClientConfig, id *identity.Identity, log *logger.Logger) (*Client, error) {
	allowList, err := parseEndpointList(conf.ServerAllowList)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conf:      conf,
		log:       log,
		id:        id,
		allowList: allowList,
		vhci:      vhci.NewManager(log),
		peers:     make(map[string]*peerSession),
		profile:   make(map[string]config.ServerProfile),
	}

	initialDelay := conf.ReconnectInitialDelay
	if initialDelay <= 0 {
		initialDelay = config.ReconnectRetryInterval
	}
	maxDelay := conf.ReconnectMaxDelay
	if maxDelay <= 0 {
		maxDelay = config.ReconnectRetryMaxInterval
	}

	// Targets are added by address with no known EndpointID, so the
	// allow-list is enforced by ClientHandshake in dial, not by connmgr
	c.connmgr = connmgr.NewManager(c.dial, nil, log)
	c.connmgr.SetReconciler(c.reconcile)

	if n, err := notify.NewNotifier("usbshare", "usb-creator", log); err != nil {
		log.Error('!', "client: desktop notifications disabled: %s", err)
	} else {
		c.notify = n
	}

	for _, prof := range conf.Servers {
		c.profile[prof.Address] = prof
		c.connmgr.AddTarget(prof.Address, protocol.EndpointID{})
	}

	return c, nil
}

// Run starts the connection monitor and the discovery browser (if
// this host has one available) and blocks until ctx is cancelled
func (c *Client) Run(ctx context.Context) error {
	c.connmgr.Run(time.Second)
	defer c.connmgr.Stop()

	if browser, err := discovery.NewBrowser(-1); err != nil {
		c.log.Error('!', "client: discovery disabled: %s", err)
	} else {
		c.browser = browser
		go c.pumpDiscovery(ctx)
		defer browser.Close()
	}

	go c.pumpConnectionChanges(ctx)

	<-ctx.Done()

	c.mu.Lock()
	peers := make([]*peerSession, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()
	for _, p := range peers {
		p.Close()
	}

	if c.notify != nil {
		c.notify.Close()
	}

	return nil
}

// dial is the connmgr.Dialer: it opens a TCP connection, runs the
// identity handshake and capability exchange, and on success starts
// the peer's read/dispatch loop
func (c *Client) dial(ctx context.Context, target string) (connmgr.Conn, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, err
	}

	conn.SetDeadline(time.Now().Add(config.SessionInitTimeout))
	peerID, err := c.id.ClientHandshake(conn, c.allowList)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := protocol.WriteMessage(conn, protocol.Message{Version: protocol.CurrentVersion, Payload: &protocol.ClientCapabilities{SupportsPush: true}}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: capability exchange: %w", err)
	}
	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: capability exchange: %w", err)
	}
	if _, ok := msg.Payload.(*protocol.ServerCapabilities); !ok {
		conn.Close()
		return nil, fmt.Errorf("client: capability exchange: expected ServerCapabilities, got tag %d", msg.Payload.Tag())
	}
	conn.SetDeadline(time.Time{})

	sess := c.newPeerSession(target, peerID, conn)

	c.mu.Lock()
	c.peers[target] = sess
	c.mu.Unlock()

	go sess.serve()

	c.log.Info('+', "client: %s: connected to %s", target, peerID)
	return sess, nil
}

// reconcile is the connmgr.ReconcileFunc run after a reconnect: it
// re-lists the server's devices and drops any locally attached proxy
// whose device no longer exists there
func (c *Client) reconcile(target string, conn connmgr.Conn) (succeeded, failed int) {
	sess, ok := conn.(*peerSession)
	if !ok {
		return 0, 0
	}
	return sess.reconcileDevices()
}

func (c *Client) pumpConnectionChanges(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-c.connmgr.Changes():
			if !ok {
				return
			}
			if change.State == connmgr.Reconnecting || change.State == connmgr.Disconnected {
				c.mu.Lock()
				sess := c.peers[change.Target]
				delete(c.peers, change.Target)
				c.mu.Unlock()
				if sess != nil {
					sess.dropAll()
				}
			}
		}
	}
}

// pumpDiscovery adds every server discovered on the LAN as a connmgr
// target, whatever its profile's AutoConnect mode; the endpoint
// allow-list is checked only later, by the identity handshake in dial
func (c *Client) pumpDiscovery(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case found, ok := <-c.browser.Found:
			if !ok {
				return
			}
			target := fmt.Sprintf("%s:%d", found.Address, found.Port)
			c.connmgr.AddTarget(target, protocol.EndpointID{})
			c.log.Info('+', "client: discovered server %s at %s", found.Name, target)
		case name, ok := <-c.browser.Removed:
			if !ok {
				return
			}
			c.log.Info('-', "client: server %s no longer advertised", name)
		}
	}
}

func parseEndpointList(hex []string) ([]protocol.EndpointID, error) {
	out := make([]protocol.EndpointID, 0, len(hex))
	for _, h := range hex {
		id, err := parseEndpointID(h)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// matchesAutoAttach reports whether info should be automatically
// attached under the given filter list: each entry is either a
// "vid:pid" glob pattern (per registry.GlobMatch, the same syntax
// DeviceFilters uses) or a case-insensitive substring of the device's
// product name
func matchesAutoAttach(info protocol.DeviceInfo, filters []string) bool {
	vid := fmt.Sprintf("%04x", info.VendorID)
	pid := fmt.Sprintf("%04x", info.ProductID)
	product := strings.ToLower(info.Product)

	for _, f := range filters {
		if parts := strings.SplitN(f, ":", 2); len(parts) == 2 {
			if registry.GlobMatch(vid, parts[0]) >= 0 && registry.GlobMatch(pid, parts[1]) >= 0 {
				return true
			}
			continue
		}
		if product != "" && strings.Contains(product, strings.ToLower(f)) {
			return true
		}
	}
	return false
}
