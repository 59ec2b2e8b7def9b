//go:build linux || freebsd || darwin

/* usbshare - share physical USB devices over the network
 *
 * File locking, used to enforce a single running server instance
 */

package server

import (
	"os"
	"syscall"

	"github.com/usbshare/usbshare/internal/config"
)

// FileLock locks file, optionally exclusively and/or blocking
func FileLock(file *os.File, exclusive, wait bool) error {
	var how int

	if exclusive {
		how = syscall.LOCK_EX
	} else {
		how = syscall.LOCK_SH
	}

	if !wait {
		how |= syscall.LOCK_NB
	}

	err := syscall.Flock(int(file.Fd()), how)
	if err == syscall.Errno(syscall.EWOULDBLOCK) {
		err = config.ErrLockIsBusy
	}

	return err
}

// FileUnlock unlocks file
func FileUnlock(file *os.File) error {
	return syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
}
