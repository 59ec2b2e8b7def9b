/* usbshare - share physical USB devices over the network
 *
 * Translation between CMD_SUBMIT/RET_SUBMIT wire bodies and the
 * protocol package's Transfer/TransferResult, per the classification
 * rules in §4.B: control transfers carry a non-zero setup packet;
 * everything else is classified by number_of_packets and interval
 */

package usbip

import "github.com/usbshare/usbshare/internal/protocol"

var zeroSetup [8]byte

// TransferFromCmdSubmit classifies and decodes a CMD_SUBMIT into a
// protocol.Transfer. outData is the OUT payload following the fixed
// body and any iso descriptors; it is empty for IN transfers
func TransferFromCmdSubmit(hdr Header, body CmdSubmitBody, isos []IsoPacket, outData []byte) protocol.Transfer {
	var t protocol.Transfer
	t.TimeoutMs = 0 // the transfer engine applies its own per-kind timeout

	if body.Setup != zeroSetup {
		t.Kind = protocol.TransferControl
		t.RequestType = body.Setup[0]
		t.Request = body.Setup[1]
		t.Value = uint16(body.Setup[2]) | uint16(body.Setup[3])<<8
		t.Index = uint16(body.Setup[4]) | uint16(body.Setup[5])<<8

		if body.Setup[0]&0x80 != 0 {
			t.Direction = protocol.DirectionIn
			t.Length = body.TransferBufferLength
		} else {
			t.Direction = protocol.DirectionOut
			t.Data = outData
		}
		return t
	}

	ep := byte(hdr.Endpoint)
	if hdr.Direction == DirIn {
		ep |= 0x80
		t.Direction = protocol.DirectionIn
	} else {
		t.Direction = protocol.DirectionOut
	}
	t.Endpoint = ep

	switch {
	case body.NumberOfPackets > 0:
		t.Kind = protocol.TransferIsochronous
		t.StartFrame = body.StartFrame
		t.Interval = body.Interval
		t.Packets = make([]protocol.IsoPacketDescriptor, len(isos))
		for i, d := range isos {
			t.Packets[i] = protocol.IsoPacketDescriptor{
				Offset: d.Offset,
				Length: d.Length,
			}
		}
	case body.Interval >= 1:
		// HID-speed interval 1 must classify as interrupt, not bulk
		t.Kind = protocol.TransferInterrupt
	default:
		t.Kind = protocol.TransferBulk
	}

	if t.Direction == protocol.DirectionIn {
		t.Length = body.TransferBufferLength
	} else {
		t.Data = outData
	}

	return t
}

// RetSubmitFromResult builds the RET_SUBMIT body and trailing data
// for a completed transfer
func RetSubmitFromResult(result protocol.TransferResult) (RetSubmitBody, []byte, []IsoPacket) {
	if result.Err != nil {
		return RetSubmitBody{Status: ErrnoForUsbError(result.Err.Kind)}, nil, nil
	}

	if result.Packets != nil {
		isos := make([]IsoPacket, len(result.Packets))
		for i, p := range result.Packets {
			isos[i] = IsoPacket{
				Offset:       p.Offset,
				Length:       p.Length,
				ActualLength: p.ActualLength,
				Status:       uint32(p.Status),
			}
		}
		return RetSubmitBody{
			Status:          0,
			ActualLength:    int32(len(result.Data)),
			StartFrame:      int32(result.StartFrame),
			NumberOfPackets: int32(len(result.Packets)),
			ErrorCount:      int32(result.ErrorCount),
		}, result.Data, isos
	}

	return RetSubmitBody{
		Status:       0,
		ActualLength: int32(len(result.Data)),
	}, result.Data, nil
}
