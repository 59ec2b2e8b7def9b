/* usbshare - share physical USB devices over the network
 *
 * Common errors
 */

package config

import (
	"errors"
)

// Sentinel errors shared across the core packages
var (
	ErrLockIsBusy  = errors.New("lock is busy")
	ErrNoMemory    = errors.New("not enough memory")
	ErrShutdown    = errors.New("shutdown requested")
	ErrNotRunning  = errors.New("usbshare daemon not running")
	ErrAccess      = errors.New("access denied")
	ErrBadKeyFile  = errors.New("endpoint key file is malformed")
)
