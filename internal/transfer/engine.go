/* usbshare - share physical USB devices over the network
 *
 * Transfer execution engine: synchronous execute() of one URB
 * against a local USB device, with stall recovery and speed-aware
 * buffering. Runs on the server's dedicated USB worker
 */

package transfer

import (
	"time"

	"github.com/usbshare/usbshare/internal/protocol"
)

// Device abstracts the physical USB operations the engine needs. The
// server's real implementation wraps a *gousb.Device (see
// gousb_device.go); tests supply a fake
type Device struct {
	Speed protocol.Speed

	// ControlTransfer performs a control transfer. data is both the
	// OUT payload and, for IN, the pre-sized buffer to fill
	ControlTransfer func(requestType, request byte, value, index uint16, data []byte, timeout time.Duration) (n int, err error)

	// BulkIn/BulkOut perform bulk transfers on the given endpoint
	// address (direction bit already set)
	BulkIn  func(endpoint byte, buf []byte, timeout time.Duration) (n int, err error)
	BulkOut func(endpoint byte, data []byte, timeout time.Duration) (n int, err error)

	// InterruptIn/InterruptOut perform interrupt transfers
	InterruptIn  func(endpoint byte, buf []byte, timeout time.Duration) (n int, err error)
	InterruptOut func(endpoint byte, data []byte, timeout time.Duration) (n int, err error)

	// ClearHalt clears a stalled endpoint (direction bit included in
	// the address, as delivered by the kernel)
	ClearHalt func(endpoint byte) error
}

// ErrorClassifier maps a Device-returned error to the wire's
// UsbErrorKind taxonomy. The real implementation classifies gousb/
// libusb errors; see gousb_device.go
type ErrorClassifier func(err error) protocol.UsbErrorKind

// Engine executes transfers against a Device
type Engine struct {
	Device   *Device
	Classify ErrorClassifier
}

// NewEngine returns an Engine for dev, classifying errors with classify
func NewEngine(dev *Device, classify ErrorClassifier) *Engine {
	return &Engine{Device: dev, Classify: classify}
}

// Fixed timeouts and clamps per §4.D
const (
	controlTimeout      = 5 * time.Second
	interruptInMaxClamp = 1 * time.Second
	bulkInBaseClamp     = 100 * time.Millisecond
)

// Execute runs one transfer to completion and returns its result.
// It is synchronous with respect to the caller
func (e *Engine) Execute(transfer protocol.Transfer) protocol.TransferResult {
	switch transfer.Kind {
	case protocol.TransferControl:
		return e.executeControl(transfer)
	case protocol.TransferBulk:
		return e.executeBulk(transfer)
	case protocol.TransferInterrupt:
		return e.executeInterrupt(transfer)
	case protocol.TransferIsochronous:
		return e.executeIsochronous(transfer)
	default:
		return protocol.TransferResult{Err: &protocol.UsbError{Kind: protocol.UsbErrInvalidParam, Message: "unknown transfer kind"}}
	}
}

// executeControl always uses a 5s timeout. On Pipe, it clears the
// stall on endpoint 0 (direction-specific address) and retries
// exactly once
func (e *Engine) executeControl(t protocol.Transfer) protocol.TransferResult {
	buf := t.Data
	if t.Direction == protocol.DirectionIn {
		buf = make([]byte, clampAllocLength(t.Length, e.Device.Speed))
	}

	n, err := e.Device.ControlTransfer(t.RequestType, t.Request, t.Value, t.Index, buf, controlTimeout)

	if err != nil && e.Classify(err) == protocol.UsbErrPipe {
		ep0 := byte(0x00)
		if t.Direction == protocol.DirectionIn {
			ep0 = 0x80
		}
		e.Device.ClearHalt(ep0)
		n, err = e.Device.ControlTransfer(t.RequestType, t.Request, t.Value, t.Index, buf, controlTimeout)
	}

	if err != nil {
		return protocol.TransferResult{Err: &protocol.UsbError{Kind: e.Classify(err), Message: err.Error()}}
	}

	if t.Direction == protocol.DirectionIn {
		return protocol.TransferResult{Data: buf[:n]}
	}
	return protocol.TransferResult{Data: nil}
}

// executeBulk respects the caller's timeout for OUT. For IN it clamps
// to min(timeout, 100ms + size_kib) to avoid blocking on idle
// endpoints. On Pipe it clears the halt and retries once. On Timeout
// or Io for IN it returns an empty success without counting a failure
func (e *Engine) executeBulk(t protocol.Transfer) protocol.TransferResult {
	timeout := time.Duration(t.TimeoutMs) * time.Millisecond

	if t.Direction == protocol.DirectionOut {
		n, err := e.Device.BulkOut(t.Endpoint, t.Data, timeout)
		if err != nil && e.Classify(err) == protocol.UsbErrPipe {
			e.Device.ClearHalt(t.Endpoint)
			n, err = e.Device.BulkOut(t.Endpoint, t.Data, timeout)
		}
		if err != nil {
			return protocol.TransferResult{Err: &protocol.UsbError{Kind: e.Classify(err), Message: err.Error()}}
		}
		_ = n
		return protocol.TransferResult{}
	}

	clamped := clampInTimeout(timeout, t.Length)
	buf := make([]byte, clampAllocLength(t.Length, e.Device.Speed))
	n, err := e.Device.BulkIn(t.Endpoint, buf, clamped)

	if err != nil && e.Classify(err) == protocol.UsbErrPipe {
		e.Device.ClearHalt(t.Endpoint)
		n, err = e.Device.BulkIn(t.Endpoint, buf, clamped)
	}

	if err != nil {
		switch e.Classify(err) {
		case protocol.UsbErrTimeout, protocol.UsbErrIo:
			// Deliberate: the kernel will resubmit. Must not
			// increment the failure counter
			return protocol.TransferResult{Data: []byte{}}
		default:
			return protocol.TransferResult{Err: &protocol.UsbError{Kind: e.Classify(err), Message: err.Error()}}
		}
	}

	return protocol.TransferResult{Data: buf[:n]}
}

// clampInTimeout implements min(timeout_ms, 100ms + size_kib)
func clampInTimeout(timeout time.Duration, lengthBytes uint32) time.Duration {
	sizeKiB := time.Duration(lengthBytes/1024) * time.Millisecond
	cap := bulkInBaseClamp + sizeKiB
	if timeout <= 0 || timeout > cap {
		return cap
	}
	return timeout
}

// executeInterrupt clamps IN timeout to min(timeout, 1000ms). Timeout
// and Io on IN return empty success (no data pending); OUT propagates
// errors normally. Payloads are logged at trace level only by callers,
// never here
func (e *Engine) executeInterrupt(t protocol.Transfer) protocol.TransferResult {
	timeout := time.Duration(t.TimeoutMs) * time.Millisecond

	if t.Direction == protocol.DirectionOut {
		_, err := e.Device.InterruptOut(t.Endpoint, t.Data, timeout)
		if err != nil {
			return protocol.TransferResult{Err: &protocol.UsbError{Kind: e.Classify(err), Message: err.Error()}}
		}
		return protocol.TransferResult{}
	}

	clamped := timeout
	if clamped <= 0 || clamped > interruptInMaxClamp {
		clamped = interruptInMaxClamp
	}

	buf := make([]byte, clampAllocLength(t.Length, e.Device.Speed))
	n, err := e.Device.InterruptIn(t.Endpoint, buf, clamped)
	if err != nil {
		switch e.Classify(err) {
		case protocol.UsbErrTimeout, protocol.UsbErrIo:
			return protocol.TransferResult{Data: []byte{}}
		default:
			return protocol.TransferResult{Err: &protocol.UsbError{Kind: e.Classify(err), Message: err.Error()}}
		}
	}

	return protocol.TransferResult{Data: buf[:n]}
}

// executeIsochronous simulates iso transfers: gousb/libusb lacks
// synchronous iso submission, so no hardware I/O is attempted. IN
// returns a zero-filled buffer of the summed packet lengths with
// actual_length=0 per packet; OUT echoes actual_length=packet.length.
// error_count is always 0 and start_frame is echoed back
func (e *Engine) executeIsochronous(t protocol.Transfer) protocol.TransferResult {
	packets := make([]protocol.IsoPacketDescriptor, len(t.Packets))

	if t.Direction == protocol.DirectionIn {
		var total uint32
		for i, p := range t.Packets {
			packets[i] = protocol.IsoPacketDescriptor{Offset: p.Offset, Length: p.Length, ActualLength: 0, Status: 0}
			total += p.Length
		}
		return protocol.TransferResult{
			Data:       make([]byte, total),
			Packets:    packets,
			StartFrame: t.StartFrame,
			ErrorCount: 0,
		}
	}

	for i, p := range t.Packets {
		packets[i] = protocol.IsoPacketDescriptor{Offset: p.Offset, Length: p.Length, ActualLength: p.Length, Status: 0}
	}
	return protocol.TransferResult{
		Packets:    packets,
		StartFrame: t.StartFrame,
		ErrorCount: 0,
	}
}

// MaxBulkTransferSize returns the pre-allocated IN buffer size for
// the transfer engine's own speed-aware clamp (distinct from the
// USB/IP kernel-socket buffer sizing in internal/usbip): 4KiB for
// Low/Full, 64KiB for High, 1MiB for Super/Super+
func MaxBulkTransferSize(speed protocol.Speed) int {
	switch speed {
	case protocol.SpeedHigh:
		return 64 * 1024
	case protocol.SpeedSuper, protocol.SpeedSuperPlus:
		return 1024 * 1024
	default:
		return 4 * 1024
	}
}

// clampAllocLength bounds a client-supplied IN transfer length to
// MaxBulkTransferSize before it is ever passed to make(). t.Length
// comes straight off the wire (CmdSubmitBody.TransferBufferLength);
// without this clamp a peer could force an arbitrarily large
// allocation on the USB worker
func clampAllocLength(length uint32, speed protocol.Speed) uint32 {
	if max := uint32(MaxBulkTransferSize(speed)); length > max {
		return max
	}
	return length
}
