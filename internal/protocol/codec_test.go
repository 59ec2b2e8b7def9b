/* usbshare - share physical USB devices over the network
 *
 * Tests for the frame codec and payload catalogue
 */

package protocol

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, p Payload) Payload {
	t.Helper()

	var buf bytes.Buffer
	msg := Message{Version: CurrentVersion, Payload: p}
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("WriteMessage: %s", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %s", err)
	}

	if got.Version != CurrentVersion {
		t.Errorf("version mismatch: got %s", got.Version)
	}

	return got.Payload
}

func TestRoundTripSimpleMessages(t *testing.T) {
	if _, ok := roundTrip(t, &Ping{}).(*Ping); !ok {
		t.Error("Ping did not round-trip")
	}

	hb := &Heartbeat{Seq: 42, TsMs: 1234567}
	got, ok := roundTrip(t, hb).(*Heartbeat)
	if !ok {
		t.Fatal("Heartbeat did not round-trip")
	}
	if *got != *hb {
		t.Errorf("Heartbeat mismatch: got %+v want %+v", got, hb)
	}
}

func TestRoundTripListDevicesResponse(t *testing.T) {
	resp := &ListDevicesResponse{
		Devices: []DeviceInfo{
			{
				DeviceID:  7,
				VendorID:  0x05ac,
				ProductID: 0x1234,
				Bus:       1,
				Address:   5,
				Class:     9,
				Speed:     SpeedHigh,
				Product:   "Test Hub",
			},
		},
	}

	got, ok := roundTrip(t, resp).(*ListDevicesResponse)
	if !ok {
		t.Fatal("ListDevicesResponse did not round-trip")
	}
	if len(got.Devices) != 1 || got.Devices[0].VidPid() != "05ac:1234" {
		t.Errorf("unexpected devices: %+v", got.Devices)
	}
	if got.Devices[0].Product != "Test Hub" {
		t.Errorf("unexpected product string: %q", got.Devices[0].Product)
	}
}

func TestRoundTripAttachDeviceResponseError(t *testing.T) {
	resp := &AttachDeviceResponse{
		Err: &AttachError{
			Kind:   AttachErrOutsideTimeWindow,
			Current: "14:00",
			Allowed: []string{"09:00-12:00", "13:00-17:00"},
		},
	}

	got, ok := roundTrip(t, resp).(*AttachDeviceResponse)
	if !ok {
		t.Fatal("AttachDeviceResponse did not round-trip")
	}
	if got.Err == nil || got.Err.Kind != AttachErrOutsideTimeWindow {
		t.Fatalf("unexpected error: %+v", got.Err)
	}
	if len(got.Err.Allowed) != 2 {
		t.Errorf("unexpected allowed windows: %+v", got.Err.Allowed)
	}
}

func TestUnknownVariantIsNonFatal(t *testing.T) {
	var buf bytes.Buffer

	// Hand-craft a frame with a tag no decoder recognizes
	body := NewWriter()
	body.U8(1).U8(0).U8(0)
	body.U16(0xBEEF)
	body.Str("future payload")

	var lenHdr [4]byte
	payload := body.Bytes()
	lenHdr[0] = byte(len(payload) >> 24)
	lenHdr[1] = byte(len(payload) >> 16)
	lenHdr[2] = byte(len(payload) >> 8)
	lenHdr[3] = byte(len(payload))
	buf.Write(lenHdr[:])
	buf.Write(payload)

	msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("unexpected error decoding unknown variant: %s", err)
	}

	unk, ok := msg.Payload.(*UnknownPayload)
	if !ok {
		t.Fatalf("expected *UnknownPayload, got %T", msg.Payload)
	}
	if unk.Tag() != 0xBEEF {
		t.Errorf("unexpected tag: %#x", unk.Tag())
	}
}

func TestVersionCompatibility(t *testing.T) {
	a := Version{Major: 1, Minor: 2, Patch: 0}
	b := Version{Major: 1, Minor: 5, Patch: 3}
	c := Version{Major: 2, Minor: 0, Patch: 0}

	if !a.Compatible(b) {
		t.Error("same-major versions should be compatible")
	}
	if a.Compatible(c) {
		t.Error("different-major versions should not be compatible")
	}
}

func TestCancelTransferRoundTrip(t *testing.T) {
	ct := &CancelTransfer{RequestID: 99}
	got, ok := roundTrip(t, ct).(*CancelTransfer)
	if !ok || got.RequestID != 99 {
		t.Fatalf("CancelTransfer did not round-trip: %+v", got)
	}
}
