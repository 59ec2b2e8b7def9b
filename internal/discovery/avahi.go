//go:build linux

/* usbshare - share physical USB devices over the network
 *
 * DNS-SD advertise/browse over Avahi's D-Bus API, replacing the
 * teacher's cgo avahi-client bindings with a pure-Go D-Bus client
 */

package discovery

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/holoplot/go-avahi"
)

// ServiceType is the DNS-SD service type this module advertises and
// browses for
const ServiceType = "_usbshare._tcp"

// TxtItem is a single TXT record key/value pair
type TxtItem struct {
	Key, Value string
}

// TxtRecord is an ordered set of TXT record items
type TxtRecord []TxtItem

// Add appends an item to the record
func (txt *TxtRecord) Add(key, value string) {
	*txt = append(*txt, TxtItem{key, value})
}

// export converts the record into the [][]byte "key=value" form
// avahi-client's AddService expects. Mirrors the teacher's export(),
// reversing the order since Avahi itself publishes TXT records
// back-to-front
func (txt TxtRecord) export() [][]byte {
	out := make([][]byte, 0, len(txt))
	for i := len(txt) - 1; i >= 0; i-- {
		item := txt[i]
		out = append(out, []byte(item.Key+"="+item.Value))
	}
	return out
}

// Publisher advertises one service instance over mDNS/DNS-SD
type Publisher struct {
	conn   *dbus.Conn
	server *avahi.Server
	group  *avahi.EntryGroup
}

// NewPublisher connects to the system D-Bus and opens an Avahi entry
// group, ready for Publish
func NewPublisher() (*Publisher, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("discovery: connecting to system bus: %w", err)
	}

	server, err := avahi.ServerNew(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("discovery: avahi server: %w", err)
	}

	group, err := server.EntryGroupNew()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("discovery: avahi entry group: %w", err)
	}

	return &Publisher{conn: conn, server: server, group: group}, nil
}

// Publish advertises instance on iface (IfaceUnspec for all
// interfaces) with port and txt, and commits the entry group
func (p *Publisher) Publish(instance string, iface int, port uint16, txt TxtRecord) error {
	err := p.group.AddService(
		int32(iface),
		int32(avahi.ProtoUnspec),
		0,
		instance,
		ServiceType,
		"",
		"",
		port,
		txt.export(),
	)
	if err != nil {
		return fmt.Errorf("discovery: add service: %w", err)
	}

	if err := p.group.Commit(); err != nil {
		return fmt.Errorf("discovery: commit entry group: %w", err)
	}
	return nil
}

// Unpublish withdraws the advertisement and closes the D-Bus
// connection
func (p *Publisher) Unpublish() {
	if p.group != nil {
		p.group.Reset()
		p.group.Free()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// ServerFound is one discovered usbshare server
type ServerFound struct {
	Name    string
	Address string
	Port    uint16
	Txt     map[string]string
}

// Browser watches for usbshare servers appearing/disappearing on the
// LAN, feeding candidate targets to the connection manager's allow-
// listed target set
type Browser struct {
	conn    *dbus.Conn
	server  *avahi.Server
	browser *avahi.ServiceBrowser

	Found   chan ServerFound
	Removed chan string
}

// NewBrowser starts browsing for ServiceType on iface (IfaceUnspec
// for all interfaces)
func NewBrowser(iface int) (*Browser, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("discovery: connecting to system bus: %w", err)
	}

	server, err := avahi.ServerNew(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("discovery: avahi server: %w", err)
	}

	sb, err := server.ServiceBrowserNew(int32(iface), int32(avahi.ProtoUnspec), ServiceType, "", 0)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("discovery: service browser: %w", err)
	}

	b := &Browser{
		conn:    conn,
		server:  server,
		browser: sb,
		Found:   make(chan ServerFound, 8),
		Removed: make(chan string, 8),
	}
	go b.pump()
	return b, nil
}

// pump translates avahi's raw service-found/removed events, resolving
// each found service to its address and TXT record before forwarding
func (b *Browser) pump() {
	for {
		select {
		case entry, ok := <-b.browser.AddChannel:
			if !ok {
				return
			}
			svc, err := b.server.ResolveService(
				entry.Interface, entry.Protocol,
				entry.Name, entry.Type, entry.Domain,
				int32(avahi.ProtoUnspec), 0,
			)
			if err != nil {
				continue
			}
			b.Found <- ServerFound{
				Name:    svc.Name,
				Address: svc.Address,
				Port:    svc.Port,
				Txt:     parseTxt(svc.Txt),
			}
		case entry, ok := <-b.browser.RemoveChannel:
			if !ok {
				return
			}
			b.Removed <- entry.Name
		}
	}
}

// parseTxt converts Avahi's raw TXT byte slices back into a map
func parseTxt(raw [][]byte) map[string]string {
	out := make(map[string]string, len(raw))
	for _, item := range raw {
		s := string(item)
		for i := 0; i < len(s); i++ {
			if s[i] == '=' {
				out[s[:i]] = s[i+1:]
				break
			}
		}
	}
	return out
}

// Close stops browsing and closes the D-Bus connection
func (b *Browser) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}
