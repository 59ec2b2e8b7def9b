//go:build linux

/* usbshare - share physical USB devices over the network
 *
 * Linux vhci_hcd port allocation via ioctl, following the same
 * IOWR-encode-then-raw-syscall pattern usbfs control/bulk transfers
 * use against /dev/bus/usb nodes
 */

package vhci

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"

	"github.com/usbshare/usbshare/internal/protocol"
)

const vhciDevicePath = "/dev/usbip-vhci"

type vhciAttachArg struct {
	SockFD uint32
	DevID  uint32
	Speed  uint32
	Port   uint32 // filled in by the kernel on a successful attach
}

var (
	ctlVhciAttach = ioctl.IOWR('U', 40, unsafe.Sizeof(vhciAttachArg{}))
	ctlVhciDetach = ioctl.IOW('U', 41, unsafe.Sizeof(uint32(0)))
)

// vhciPortFile is the KernelConn backing one attached port: once
// attached, the kernel multiplexes USB/IP frames for that port over
// ordinary reads/writes on the control file
type vhciPortFile struct {
	*os.File
	port uint32
}

// OpenPort opens the vhci character device and attaches a free port
// for a peer-connection socket fd, devid, and speed, returning a
// KernelConn the Manager can read/write USB/IP frames on
func OpenPort(sockFD int, devID uint32, speed protocol.Speed) (KernelConn, error) {
	f, err := os.OpenFile(vhciDevicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("vhci: opening %s: %w", vhciDevicePath, err)
	}

	arg := vhciAttachArg{
		SockFD: uint32(sockFD),
		DevID:  devID,
		Speed:  uint32(ioctlSpeed(speed)),
	}

	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), uintptr(ctlVhciAttach), uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		f.Close()
		return nil, fmt.Errorf("vhci: VHCI_IOCATTACH: %w", errno)
	}

	return &vhciPortFile{File: f, port: arg.Port}, nil
}

// Close detaches the port before closing the control file
func (p *vhciPortFile) Close() error {
	syscall.Syscall(syscall.SYS_IOCTL, p.File.Fd(), uintptr(ctlVhciDetach), uintptr(p.port))
	return p.File.Close()
}

// ioctlSpeed maps protocol.Speed to the USB/IP-reported speed value
// the kernel's vhci_hcd attach ioctl expects (the same small integer
// encoding Linux's own usb_device.speed uses)
func ioctlSpeed(speed protocol.Speed) int {
	switch speed {
	case protocol.SpeedLow:
		return 1
	case protocol.SpeedFull:
		return 2
	case protocol.SpeedHigh:
		return 3
	case protocol.SpeedSuper, protocol.SpeedSuperPlus:
		return 5
	default:
		return 2
	}
}
