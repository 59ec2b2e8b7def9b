/* usbshare - share physical USB devices over the network
 *
 * Tests for the USB/IP wire codec and translation rules
 */

package usbip

import (
	"testing"

	"github.com/usbshare/usbshare/internal/protocol"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Command: CmdSubmit, Seqnum: 7, DevID: 1, Direction: DirIn, Endpoint: 2}
	buf := make([]byte, HeaderSize)
	h.Marshal(buf)

	got, err := UnmarshalHeader(buf)
	if err != nil {
		t.Fatalf("UnmarshalHeader: %s", err)
	}
	if got != h {
		t.Errorf("header mismatch: got %+v want %+v", got, h)
	}
}

func TestTransferFromCmdSubmitControl(t *testing.T) {
	body := CmdSubmitBody{
		TransferBufferLength: 64,
		Setup:                [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x40, 0x00},
	}
	hdr := Header{Direction: DirOut, Endpoint: 0}

	tr := TransferFromCmdSubmit(hdr, body, nil, nil)
	if tr.Kind != protocol.TransferControl {
		t.Fatalf("expected Control, got %v", tr.Kind)
	}
	if tr.Direction != protocol.DirectionIn {
		t.Errorf("expected IN direction from bmRequestType 0x80")
	}
	if tr.Length != 64 {
		t.Errorf("expected pre-allocated length 64, got %d", tr.Length)
	}
}

func TestTransferFromCmdSubmitInterruptVsBulk(t *testing.T) {
	hdr := Header{Direction: DirIn, Endpoint: 1}

	bulk := TransferFromCmdSubmit(hdr, CmdSubmitBody{Interval: 0, TransferBufferLength: 512}, nil, nil)
	if bulk.Kind != protocol.TransferBulk {
		t.Errorf("interval 0 should classify as Bulk, got %v", bulk.Kind)
	}

	interrupt := TransferFromCmdSubmit(hdr, CmdSubmitBody{Interval: 1, TransferBufferLength: 8}, nil, nil)
	if interrupt.Kind != protocol.TransferInterrupt {
		t.Errorf("interval 1 should classify as Interrupt, got %v", interrupt.Kind)
	}
}

func TestTransferFromCmdSubmitIsochronous(t *testing.T) {
	hdr := Header{Direction: DirIn, Endpoint: 3}
	isos := []IsoPacket{{Length: 188}, {Length: 188}}

	tr := TransferFromCmdSubmit(hdr, CmdSubmitBody{NumberOfPackets: 2}, isos, nil)
	if tr.Kind != protocol.TransferIsochronous {
		t.Fatalf("expected Isochronous, got %v", tr.Kind)
	}
	if len(tr.Packets) != 2 {
		t.Errorf("expected 2 packet descriptors, got %d", len(tr.Packets))
	}
}

func TestErrnoForUsbError(t *testing.T) {
	cases := map[protocol.UsbErrorKind]int32{
		protocol.UsbErrTimeout:  -110,
		protocol.UsbErrPipe:     -32,
		protocol.UsbErrNoDevice: -19,
		protocol.UsbErrNotFound: -2,
	}
	for kind, want := range cases {
		if got := ErrnoForUsbError(kind); got != want {
			t.Errorf("ErrnoForUsbError(%v) = %d, want %d", kind, got, want)
		}
	}
}

func TestMaxBulkTransferSize(t *testing.T) {
	if MaxBulkTransferSize(protocol.SpeedHigh) != 64*1024 {
		t.Error("High speed should cap at 64KiB")
	}
	if MaxBulkTransferSize(protocol.SpeedSuper) != 256*1024 {
		t.Error("Super speed should cap at 256KiB")
	}
	if MaxBulkTransferSize(protocol.SpeedSuperPlus) != 1024*1024 {
		t.Error("SuperPlus speed should cap at 1MiB")
	}
}
