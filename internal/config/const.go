/* usbshare - share physical USB devices over the network
 *
 * Configuration constants
 */

package config

import (
	"time"
)

const (
	// SessionInitTimeout specifies how long a freshly accepted peer
	// connection has to complete the capability handshake before it
	// is dropped
	SessionInitTimeout = 10 * time.Second

	// SessionShutdownTimeout specifies how long a graceful shutdown
	// waits for in-flight transfers to drain before a connection is
	// forcibly closed
	SessionShutdownTimeout = 5 * time.Second

	// ReconnectRetryInterval is the initial backoff interval used by
	// the connection manager between failed reconnect attempts
	ReconnectRetryInterval = 1 * time.Second

	// ReconnectRetryMaxInterval caps the exponential backoff applied
	// to repeated reconnect failures
	ReconnectRetryMaxInterval = 1 * time.Minute

	// HotplugDebounce is the coalescing window the device registry
	// applies to bus rescans before emitting arrival/removal events
	HotplugDebounce = 500 * time.Millisecond

	// DiscoveryRetryInterval specifies the retry interval in case of
	// a failed DNS-SD operation
	DiscoveryRetryInterval = 1 * time.Second
)
