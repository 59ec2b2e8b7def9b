/* usbshare - share physical USB devices over the network
 *
 * USB/IP wire codec: the big-endian, packed binary format the Linux
 * kernel's vhci_hcd driver speaks over a local socket. Byte-for-byte
 * compatible with drivers/usb/usbip
 */

package usbip

import (
	"encoding/binary"
	"errors"

	"github.com/usbshare/usbshare/internal/protocol"
)

// Command identifies a USB/IP request/response kind
type Command uint32

// Recognized USB/IP commands
const (
	CmdSubmit Command = 0x00000001
	RetSubmit Command = 0x00000003
	CmdUnlink Command = 0x00000002
	RetUnlink Command = 0x00000004
)

// Direction is the USB/IP wire direction field: 0 = OUT, 1 = IN
type Direction uint32

// USB/IP wire directions
const (
	DirOut Direction = 0
	DirIn  Direction = 1
)

// HeaderSize is the fixed 20-byte USB/IP command header
const HeaderSize = 20

// Header is the 20-byte header shared by every USB/IP message:
// command(u32) seqnum(u32) devid(u32) direction(u32) ep(u32), no padding
type Header struct {
	Command   Command
	Seqnum    uint32
	DevID     uint32
	Direction Direction
	Endpoint  uint32
}

// ErrShort is returned when a buffer is too small to decode a
// requested structure
var ErrShort = errors.New("usbip: short buffer")

// Marshal encodes h into the first HeaderSize bytes of buf
func (h Header) Marshal(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Command))
	binary.BigEndian.PutUint32(buf[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(buf[8:12], h.DevID)
	binary.BigEndian.PutUint32(buf[12:16], uint32(h.Direction))
	binary.BigEndian.PutUint32(buf[16:20], h.Endpoint)
}

// UnmarshalHeader decodes a Header from the first HeaderSize bytes of buf
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShort
	}
	return Header{
		Command:   Command(binary.BigEndian.Uint32(buf[0:4])),
		Seqnum:    binary.BigEndian.Uint32(buf[4:8]),
		DevID:     binary.BigEndian.Uint32(buf[8:12]),
		Direction: Direction(binary.BigEndian.Uint32(buf[12:16])),
		Endpoint:  binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// IsoPacketSize is the size in bytes of one packed iso descriptor:
// offset(u32) length(u32) actual_length(u32) status(u32)
const IsoPacketSize = 16

// IsoPacket is one packed isochronous packet descriptor
type IsoPacket struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       uint32
}

// Marshal encodes p into the first IsoPacketSize bytes of buf
func (p IsoPacket) Marshal(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], p.Offset)
	binary.BigEndian.PutUint32(buf[4:8], p.Length)
	binary.BigEndian.PutUint32(buf[8:12], p.ActualLength)
	binary.BigEndian.PutUint32(buf[12:16], p.Status)
}

// UnmarshalIsoPacket decodes an IsoPacket from the first IsoPacketSize
// bytes of buf
func UnmarshalIsoPacket(buf []byte) (IsoPacket, error) {
	if len(buf) < IsoPacketSize {
		return IsoPacket{}, ErrShort
	}
	return IsoPacket{
		Offset:       binary.BigEndian.Uint32(buf[0:4]),
		Length:       binary.BigEndian.Uint32(buf[4:8]),
		ActualLength: binary.BigEndian.Uint32(buf[8:12]),
		Status:       binary.BigEndian.Uint32(buf[12:16]),
	}, nil
}

// CmdSubmitPayloadSize is the 28-byte fixed body of a CMD_SUBMIT,
// excluding the 20-byte header and any iso descriptors
const CmdSubmitPayloadSize = 28

// CmdSubmitBody is the CMD_SUBMIT payload: transfer_flags(u32)
// transfer_buffer_length(u32) start_frame(u32) number_of_packets(u32)
// interval(u32) setup(8 bytes)
type CmdSubmitBody struct {
	TransferFlags       uint32
	TransferBufferLength uint32
	StartFrame          uint32
	NumberOfPackets     uint32
	Interval            uint32
	Setup               [8]byte
}

// Marshal encodes b into the first CmdSubmitPayloadSize bytes of buf
func (b CmdSubmitBody) Marshal(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], b.TransferFlags)
	binary.BigEndian.PutUint32(buf[4:8], b.TransferBufferLength)
	binary.BigEndian.PutUint32(buf[8:12], b.StartFrame)
	binary.BigEndian.PutUint32(buf[12:16], b.NumberOfPackets)
	binary.BigEndian.PutUint32(buf[16:20], b.Interval)
	copy(buf[20:28], b.Setup[:])
}

// UnmarshalCmdSubmitBody decodes a CmdSubmitBody from the first
// CmdSubmitPayloadSize bytes of buf
func UnmarshalCmdSubmitBody(buf []byte) (CmdSubmitBody, error) {
	if len(buf) < CmdSubmitPayloadSize {
		return CmdSubmitBody{}, ErrShort
	}
	var b CmdSubmitBody
	b.TransferFlags = binary.BigEndian.Uint32(buf[0:4])
	b.TransferBufferLength = binary.BigEndian.Uint32(buf[4:8])
	b.StartFrame = binary.BigEndian.Uint32(buf[8:12])
	b.NumberOfPackets = binary.BigEndian.Uint32(buf[12:16])
	b.Interval = binary.BigEndian.Uint32(buf[16:20])
	copy(b.Setup[:], buf[20:28])
	return b, nil
}

// RetSubmitPayloadSize is the 20-byte fixed body of a RET_SUBMIT
// (all signed 32-bit on the wire), excluding the header, data, and
// any iso descriptors
const RetSubmitPayloadSize = 20

// RetSubmitBody is the RET_SUBMIT payload: status actual_length
// start_frame number_of_packets error_count
type RetSubmitBody struct {
	Status          int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
}

// Marshal encodes b into the first RetSubmitPayloadSize bytes of buf
func (b RetSubmitBody) Marshal(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(b.Status))
	binary.BigEndian.PutUint32(buf[4:8], uint32(b.ActualLength))
	binary.BigEndian.PutUint32(buf[8:12], uint32(b.StartFrame))
	binary.BigEndian.PutUint32(buf[12:16], uint32(b.NumberOfPackets))
	binary.BigEndian.PutUint32(buf[16:20], uint32(b.ErrorCount))
}

// UnmarshalRetSubmitBody decodes a RetSubmitBody from the first
// RetSubmitPayloadSize bytes of buf
func UnmarshalRetSubmitBody(buf []byte) (RetSubmitBody, error) {
	if len(buf) < RetSubmitPayloadSize {
		return RetSubmitBody{}, ErrShort
	}
	return RetSubmitBody{
		Status:          int32(binary.BigEndian.Uint32(buf[0:4])),
		ActualLength:    int32(binary.BigEndian.Uint32(buf[4:8])),
		StartFrame:      int32(binary.BigEndian.Uint32(buf[8:12])),
		NumberOfPackets: int32(binary.BigEndian.Uint32(buf[12:16])),
		ErrorCount:      int32(binary.BigEndian.Uint32(buf[16:20])),
	}, nil
}

// CmdUnlinkSize is the total size of a CMD_UNLINK message: header +
// seqnum_unlink(u32)
const CmdUnlinkSize = HeaderSize + 4

// CmdUnlink carries the seqnum of the CMD_SUBMIT to cancel
type CmdUnlink struct {
	Header       Header
	SeqnumUnlink uint32
}

// Marshal encodes u as a full CmdUnlinkSize-byte message into buf
func (u CmdUnlink) Marshal(buf []byte) {
	u.Header.Marshal(buf)
	binary.BigEndian.PutUint32(buf[HeaderSize:HeaderSize+4], u.SeqnumUnlink)
}

// UnmarshalCmdUnlink decodes a CmdUnlink from buf
func UnmarshalCmdUnlink(buf []byte) (CmdUnlink, error) {
	if len(buf) < CmdUnlinkSize {
		return CmdUnlink{}, ErrShort
	}
	hdr, err := UnmarshalHeader(buf)
	if err != nil {
		return CmdUnlink{}, err
	}
	return CmdUnlink{
		Header:       hdr,
		SeqnumUnlink: binary.BigEndian.Uint32(buf[HeaderSize : HeaderSize+4]),
	}, nil
}

// RetUnlinkSize is the total size of a RET_UNLINK message: header +
// status(i32). 0 = cancelled, -2 = already completed
const RetUnlinkSize = HeaderSize + 4

// RetUnlink answers CmdUnlink
type RetUnlink struct {
	Header Header
	Status int32
}

// RET_UNLINK status values
const (
	UnlinkCancelled       int32 = 0
	UnlinkAlreadyComplete int32 = -2
)

// Marshal encodes u as a full RetUnlinkSize-byte message into buf
func (u RetUnlink) Marshal(buf []byte) {
	u.Header.Marshal(buf)
	binary.BigEndian.PutUint32(buf[HeaderSize:HeaderSize+4], uint32(u.Status))
}

// UnmarshalRetUnlink decodes a RetUnlink from buf
func UnmarshalRetUnlink(buf []byte) (RetUnlink, error) {
	if len(buf) < RetUnlinkSize {
		return RetUnlink{}, ErrShort
	}
	hdr, err := UnmarshalHeader(buf)
	if err != nil {
		return RetUnlink{}, err
	}
	return RetUnlink{
		Header: hdr,
		Status: int32(binary.BigEndian.Uint32(buf[HeaderSize : HeaderSize+4])),
	}, nil
}

// errnoForUsbError maps a protocol.UsbErrorKind to the negated errno
// the kernel expects in a RET_SUBMIT status field
var errnoForUsbError = map[protocol.UsbErrorKind]int32{
	protocol.UsbErrTimeout:      -110,
	protocol.UsbErrPipe:         -32,
	protocol.UsbErrNoDevice:     -19,
	protocol.UsbErrInvalidParam: -22,
	protocol.UsbErrBusy:         -16,
	protocol.UsbErrOverflow:     -75,
	protocol.UsbErrIo:           -5,
	protocol.UsbErrOther:        -5,
	protocol.UsbErrAccess:       -13,
	protocol.UsbErrNotFound:     -2,
}

// ErrnoForUsbError maps a protocol.UsbErrorKind to the negated Linux
// errno used in RET_SUBMIT.Status
func ErrnoForUsbError(kind protocol.UsbErrorKind) int32 {
	if errno, ok := errnoForUsbError[kind]; ok {
		return errno
	}
	return -5 // Io/Other
}

// MaxBulkTransferSize returns the pre-allocated IN buffer size for a
// bulk/interrupt/isochronous transfer at the given USB/IP-reported
// speed: 64KiB for low/full/high, 256KiB for super, 1MiB for super-plus
func MaxBulkTransferSize(speed protocol.Speed) int {
	switch speed {
	case protocol.SpeedSuper:
		return 256 * 1024
	case protocol.SpeedSuperPlus:
		return 1024 * 1024
	default:
		return 64 * 1024
	}
}
