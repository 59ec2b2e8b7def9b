/* usbshare - share physical USB devices over the network
 *
 * Tests for the transfer execution engine's per-kind timeout, retry,
 * and stall-recovery rules
 */

package transfer

import (
	"errors"
	"testing"
	"time"

	"github.com/usbshare/usbshare/internal/protocol"
)

var errBoom = errors.New("boom")

func classifyFixed(kind protocol.UsbErrorKind) ErrorClassifier {
	return func(err error) protocol.UsbErrorKind {
		if err == nil {
			return protocol.UsbErrNone
		}
		return kind
	}
}

func TestExecuteControlRetriesOnceAfterClearHalt(t *testing.T) {
	attempts := 0
	var clearedEndpoint byte = 0xff
	dev := &Device{
		ControlTransfer: func(rt, req byte, val, idx uint16, data []byte, timeout time.Duration) (int, error) {
			attempts++
			if timeout != controlTimeout {
				t.Errorf("expected control timeout %v, got %v", controlTimeout, timeout)
			}
			if attempts == 1 {
				return 0, errBoom
			}
			copy(data, []byte{1, 2, 3})
			return 3, nil
		},
		ClearHalt: func(ep byte) error {
			clearedEndpoint = ep
			return nil
		},
	}
	e := NewEngine(dev, classifyFixed(protocol.UsbErrPipe))

	res := e.Execute(protocol.Transfer{
		Kind:      protocol.TransferControl,
		Direction: protocol.DirectionIn,
		Length:    3,
	})

	if res.Err != nil {
		t.Fatalf("expected success after retry, got error: %v", res.Err)
	}
	if attempts != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", attempts)
	}
	if clearedEndpoint != 0x80 {
		t.Errorf("expected ClearHalt on IN endpoint 0x80, got %#x", clearedEndpoint)
	}
	if len(res.Data) != 3 {
		t.Errorf("expected 3 bytes back, got %d", len(res.Data))
	}
}

func TestExecuteControlGivesUpAfterOneRetry(t *testing.T) {
	attempts := 0
	dev := &Device{
		ControlTransfer: func(rt, req byte, val, idx uint16, data []byte, timeout time.Duration) (int, error) {
			attempts++
			return 0, errBoom
		},
		ClearHalt: func(ep byte) error { return nil },
	}
	e := NewEngine(dev, classifyFixed(protocol.UsbErrPipe))

	res := e.Execute(protocol.Transfer{Kind: protocol.TransferControl, Direction: protocol.DirectionOut})

	if res.Err == nil {
		t.Fatal("expected a persistent pipe error to surface after the single retry")
	}
	if attempts != 2 {
		t.Errorf("expected exactly 2 attempts (one retry), got %d", attempts)
	}
}

func TestExecuteBulkInClampsTimeoutToSizeBasedCeiling(t *testing.T) {
	var gotTimeout time.Duration
	dev := &Device{
		BulkIn: func(ep byte, buf []byte, timeout time.Duration) (int, error) {
			gotTimeout = timeout
			return len(buf), nil
		},
	}
	e := NewEngine(dev, classifyFixed(protocol.UsbErrOther))

	// Requested timeout (5s) is far above the 100ms+size_kib ceiling
	// for a 2KiB transfer (102ms), so the clamp should win
	e.Execute(protocol.Transfer{
		Kind:      protocol.TransferBulk,
		Direction: protocol.DirectionIn,
		TimeoutMs: 5000,
		Length:    2048,
	})

	want := bulkInBaseClamp + 2*time.Millisecond
	if gotTimeout != want {
		t.Errorf("expected clamped timeout %v, got %v", want, gotTimeout)
	}
}

func TestExecuteBulkInTimeoutReturnsEmptySuccess(t *testing.T) {
	dev := &Device{
		BulkIn: func(ep byte, buf []byte, timeout time.Duration) (int, error) {
			return 0, errBoom
		},
	}
	e := NewEngine(dev, classifyFixed(protocol.UsbErrTimeout))

	res := e.Execute(protocol.Transfer{Kind: protocol.TransferBulk, Direction: protocol.DirectionIn, Length: 64})

	if res.Err != nil {
		t.Fatalf("expected empty success, got error: %v", res.Err)
	}
	if len(res.Data) != 0 {
		t.Errorf("expected zero-length data, got %d bytes", len(res.Data))
	}
}

func TestExecuteBulkOutPropagatesRealErrors(t *testing.T) {
	dev := &Device{
		BulkOut: func(ep byte, data []byte, timeout time.Duration) (int, error) {
			return 0, errBoom
		},
	}
	e := NewEngine(dev, classifyFixed(protocol.UsbErrNoDevice))

	res := e.Execute(protocol.Transfer{Kind: protocol.TransferBulk, Direction: protocol.DirectionOut, Data: []byte{1}})

	if res.Err == nil || res.Err.Kind != protocol.UsbErrNoDevice {
		t.Fatalf("expected NoDevice error to propagate, got %+v", res.Err)
	}
}

func TestExecuteInterruptInClampsToOneSecond(t *testing.T) {
	var gotTimeout time.Duration
	dev := &Device{
		InterruptIn: func(ep byte, buf []byte, timeout time.Duration) (int, error) {
			gotTimeout = timeout
			return 0, nil
		},
	}
	e := NewEngine(dev, classifyFixed(protocol.UsbErrOther))

	e.Execute(protocol.Transfer{Kind: protocol.TransferInterrupt, Direction: protocol.DirectionIn, TimeoutMs: 30000, Length: 8})

	if gotTimeout != interruptInMaxClamp {
		t.Errorf("expected clamp to %v, got %v", interruptInMaxClamp, gotTimeout)
	}
}

func TestExecuteInterruptInIoReturnsEmptySuccess(t *testing.T) {
	dev := &Device{
		InterruptIn: func(ep byte, buf []byte, timeout time.Duration) (int, error) {
			return 0, errBoom
		},
	}
	e := NewEngine(dev, classifyFixed(protocol.UsbErrIo))

	res := e.Execute(protocol.Transfer{Kind: protocol.TransferInterrupt, Direction: protocol.DirectionIn, Length: 8})
	if res.Err != nil {
		t.Fatalf("expected empty success on Io, got %v", res.Err)
	}
	if len(res.Data) != 0 {
		t.Errorf("expected empty data, got %d bytes", len(res.Data))
	}
}

func TestExecuteIsochronousInSimulated(t *testing.T) {
	dev := &Device{}
	e := NewEngine(dev, classifyFixed(protocol.UsbErrOther))

	res := e.Execute(protocol.Transfer{
		Kind:      protocol.TransferIsochronous,
		Direction: protocol.DirectionIn,
		Packets: []protocol.IsoPacketDescriptor{
			{Offset: 0, Length: 188},
			{Offset: 188, Length: 188},
		},
	})

	if res.Err != nil {
		t.Fatalf("iso simulation should never fail, got %v", res.Err)
	}
	if len(res.Data) != 376 {
		t.Errorf("expected 376 simulated bytes, got %d", len(res.Data))
	}
	if len(res.Packets) != 2 || res.Packets[0].ActualLength != 0 {
		t.Errorf("expected IN packets with zero actual_length, got %+v", res.Packets)
	}
}

func TestExecuteIsochronousOutSimulated(t *testing.T) {
	dev := &Device{}
	e := NewEngine(dev, classifyFixed(protocol.UsbErrOther))

	res := e.Execute(protocol.Transfer{
		Kind:      protocol.TransferIsochronous,
		Direction: protocol.DirectionOut,
		Packets: []protocol.IsoPacketDescriptor{
			{Offset: 0, Length: 100},
		},
	})

	if res.Err != nil {
		t.Fatalf("iso simulation should never fail, got %v", res.Err)
	}
	if res.Packets[0].ActualLength != 100 {
		t.Errorf("expected OUT actual_length to echo requested length, got %d", res.Packets[0].ActualLength)
	}
}

func TestMaxBulkTransferSizeBySpeed(t *testing.T) {
	cases := []struct {
		speed protocol.Speed
		want  int
	}{
		{protocol.SpeedLow, 4 * 1024},
		{protocol.SpeedFull, 4 * 1024},
		{protocol.SpeedHigh, 64 * 1024},
		{protocol.SpeedSuper, 1024 * 1024},
		{protocol.SpeedSuperPlus, 1024 * 1024},
	}
	for _, c := range cases {
		if got := MaxBulkTransferSize(c.speed); got != c.want {
			t.Errorf("MaxBulkTransferSize(%s) = %d, want %d", c.speed, got, c.want)
		}
	}
}
