/* usbshare - share physical USB devices over the network
 *
 * Adapts a *gousb.Device to the engine's Device function-table. Bulk
 * and interrupt reads/writes are wrapped with a timeout goroutine
 * since the endpoint's Read/Write block until data, error, or device
 * unplug; control transfers use gousb's own ControlTimeout field
 */

package transfer

import (
	"time"

	"github.com/google/gousb"

	"github.com/usbshare/usbshare/internal/protocol"
)

// standard USB CLEAR_FEATURE(ENDPOINT_HALT) request, issued directly
// on the control pipe so stall recovery doesn't depend on whatever
// halt-clearing surface the host library happens to expose
const (
	reqTypeStandardEndpointOut = 0x02
	reqClearFeature            = 0x01
	featEndpointHalt           = 0x00
)

// gousbDevice holds the open interfaces needed to resolve an endpoint
// address to a gousb endpoint on demand
type gousbDevice struct {
	dev   *gousb.Device
	iface *gousb.Interface
}

// NewGousbDevice wraps dev (already Open()'d, with its claimed
// interface) as an Engine Device
func NewGousbDevice(dev *gousb.Device, iface *gousb.Interface, speed protocol.Speed) *Device {
	g := &gousbDevice{dev: dev, iface: iface}
	return &Device{
		Speed:           speed,
		ControlTransfer: g.control,
		BulkIn:          g.bulkIn,
		BulkOut:         g.bulkOut,
		InterruptIn:     g.interruptIn,
		InterruptOut:    g.interruptOut,
		ClearHalt:       g.clearHalt,
	}
}

func (g *gousbDevice) control(requestType, request byte, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	g.dev.ControlTimeout = timeout
	return g.dev.Control(requestType, request, value, index, data)
}

func (g *gousbDevice) clearHalt(endpoint byte) error {
	_, err := g.dev.Control(reqTypeStandardEndpointOut, reqClearFeature, featEndpointHalt, uint16(endpoint), nil)
	return err
}

func (g *gousbDevice) bulkIn(endpoint byte, buf []byte, timeout time.Duration) (int, error) {
	ep, err := g.iface.InEndpoint(int(endpoint & 0x0f))
	if err != nil {
		return 0, err
	}
	return readWithTimeout(ep, buf, timeout)
}

func (g *gousbDevice) bulkOut(endpoint byte, data []byte, timeout time.Duration) (int, error) {
	ep, err := g.iface.OutEndpoint(int(endpoint & 0x0f))
	if err != nil {
		return 0, err
	}
	return writeWithTimeout(ep, data, timeout)
}

func (g *gousbDevice) interruptIn(endpoint byte, buf []byte, timeout time.Duration) (int, error) {
	return g.bulkIn(endpoint, buf, timeout)
}

func (g *gousbDevice) interruptOut(endpoint byte, data []byte, timeout time.Duration) (int, error) {
	return g.bulkOut(endpoint, data, timeout)
}

type readResult struct {
	n   int
	err error
}

// readWithTimeout runs a blocking endpoint Read on its own goroutine
// and gives up after timeout, leaving the goroutine to finish (and be
// discarded) on its own
func readWithTimeout(ep *gousb.InEndpoint, buf []byte, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return ep.Read(buf)
	}
	ch := make(chan readResult, 1)
	go func() {
		n, err := ep.Read(buf)
		ch <- readResult{n, err}
	}()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-time.After(timeout):
		return 0, errTimeout{}
	}
}

func writeWithTimeout(ep *gousb.OutEndpoint, data []byte, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return ep.Write(data)
	}
	ch := make(chan readResult, 1)
	go func() {
		n, err := ep.Write(data)
		ch <- readResult{n, err}
	}()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-time.After(timeout):
		return 0, errTimeout{}
	}
}

// errTimeout is returned when our own wrapper deadline fires before
// the underlying endpoint call returns
type errTimeout struct{}

func (errTimeout) Error() string { return "usb: transfer timed out" }

// ClassifyGousbError maps errors from gousb/libusb and this package's
// own errTimeout to the wire's UsbErrorKind taxonomy
func ClassifyGousbError(err error) protocol.UsbErrorKind {
	if err == nil {
		return protocol.UsbErrNone
	}
	if _, ok := err.(errTimeout); ok {
		return protocol.UsbErrTimeout
	}

	switch gerr := err.(type) {
	case gousb.Error:
		switch gerr {
		case gousb.ErrorTimeout:
			return protocol.UsbErrTimeout
		case gousb.ErrorPipe:
			return protocol.UsbErrPipe
		case gousb.ErrorNoDevice:
			return protocol.UsbErrNoDevice
		case gousb.ErrorNotFound:
			return protocol.UsbErrNotFound
		case gousb.ErrorBusy:
			return protocol.UsbErrBusy
		case gousb.ErrorOverflow:
			return protocol.UsbErrOverflow
		case gousb.ErrorIO:
			return protocol.UsbErrIo
		case gousb.ErrorInvalidParam:
			return protocol.UsbErrInvalidParam
		case gousb.ErrorAccess:
			return protocol.UsbErrAccess
		default:
			return protocol.UsbErrOther
		}
	default:
		return protocol.UsbErrOther
	}
}
