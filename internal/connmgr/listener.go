/* usbshare - share physical USB devices over the network
 *
 * Peer-protocol TCP listener
 */

package connmgr

import (
	"net"
	"time"
)

// Listener wraps net.Listener
//
// Note, if IP address is not specified, the Go stdlib creates a
// listener able to accept both IPv4 and IPv6 simultaneously, but
// loses that ability as soon as a specific IP is given. Accept() does
// not filter incoming connections by address; peer gatekeeping is left
// to the identity handshake.
type Listener struct {
	net.Listener
}

// NewListener creates a new Listener bound to addr (host:port, host
// may be empty for "all interfaces")
func NewListener(addr string) (net.Listener, error) {
	nl, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	return Listener{nl}, nil
}

// Accept accepts the next incoming connection, applying TCP keepalive
// settings appropriate for a long-lived peer session
func (l Listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		tcpconn, ok := conn.(*net.TCPConn)
		if !ok {
			// Should never happen, actually
			conn.Close()
			continue
		}

		tcpconn.SetKeepAlive(true)
		tcpconn.SetKeepAlivePeriod(20 * time.Second)

		return tcpconn, nil
	}
}
