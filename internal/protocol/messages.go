/* usbshare - share physical USB devices over the network
 *
 * Payload catalogue: every message variant that can travel inside a
 * framed protocol message. Each variant is a tag plus a fixed encode/
 * decode pair; a tag this decoder doesn't recognize yields an
 * UnknownPayload instead of a decode error, so a newer minor version
 * can add variants without breaking older peers (see §4.A)
 */

package protocol

import "fmt"

// Payload is one variant of the wire's tagged payload sum
type Payload interface {
	Tag() uint16
	encode(w *Writer)
}

type decodeFunc func(r *Reader) (Payload, error)

var payloadRegistry = map[uint16]decodeFunc{}

func register(tag uint16, fn decodeFunc) {
	payloadRegistry[tag] = fn
}

// Payload tags. Grouped by catalogue section; gaps are left between
// groups for future additions without renumbering
const (
	TagPing uint16 = iota + 1
	TagPong
	TagHeartbeat
	TagHeartbeatAck
	TagClientCapabilities
	TagServerCapabilities
	TagErrorMessage

	TagListDevicesRequest = iota + 100
	TagListDevicesResponse
)

const (
	TagAttachDeviceRequest uint16 = iota + 200
	TagAttachDeviceResponse
	TagDetachDeviceRequest
	TagDetachDeviceResponse
)

const (
	TagSubmitTransfer uint16 = iota + 300
	TagTransferComplete
	TagCancelTransfer
)

const (
	TagDeviceArrivedNotification uint16 = iota + 400
	TagDeviceRemovedNotification
	TagDeviceStatusChangedNotification
	TagForceDetachWarning
	TagForcedDetachNotification
	TagQueuePositionNotification
	TagDeviceAvailableNotification
	TagAggregatedNotifications
)

const (
	TagGetSharingStatusRequest uint16 = iota + 500
	TagGetSharingStatusResponse
	TagLockDeviceRequest
	TagLockDeviceResponse
	TagUnlockDeviceRequest
	TagUnlockDeviceResponse
)

const (
	TagGetMetricsRequest uint16 = iota + 600
	TagGetMetricsResponse
	TagClientMetricsUpdate
)

func init() {
	register(TagPing, func(r *Reader) (Payload, error) { return &Ping{}, nil })
	register(TagPong, func(r *Reader) (Payload, error) { return &Pong{}, nil })
	register(TagHeartbeat, decodeHeartbeat)
	register(TagHeartbeatAck, decodeHeartbeatAck)
	register(TagClientCapabilities, decodeClientCapabilities)
	register(TagServerCapabilities, decodeServerCapabilities)
	register(TagErrorMessage, decodeErrorMessage)

	register(TagListDevicesRequest, func(r *Reader) (Payload, error) { return &ListDevicesRequest{}, nil })
	register(TagListDevicesResponse, decodeListDevicesResponse)

	register(TagAttachDeviceRequest, decodeAttachDeviceRequest)
	register(TagAttachDeviceResponse, decodeAttachDeviceResponse)
	register(TagDetachDeviceRequest, decodeDetachDeviceRequest)
	register(TagDetachDeviceResponse, decodeDetachDeviceResponse)

	register(TagSubmitTransfer, decodeSubmitTransfer)
	register(TagTransferComplete, decodeTransferComplete)
	register(TagCancelTransfer, decodeCancelTransfer)

	register(TagDeviceArrivedNotification, decodeDeviceArrivedNotification)
	register(TagDeviceRemovedNotification, decodeDeviceRemovedNotification)
	register(TagDeviceStatusChangedNotification, decodeDeviceStatusChangedNotification)
	register(TagForceDetachWarning, decodeForceDetachWarning)
	register(TagForcedDetachNotification, decodeForcedDetachNotification)
	register(TagQueuePositionNotification, decodeQueuePositionNotification)
	register(TagDeviceAvailableNotification, decodeDeviceAvailableNotification)
	register(TagAggregatedNotifications, decodeAggregatedNotifications)

	register(TagGetSharingStatusRequest, decodeGetSharingStatusRequest)
	register(TagGetSharingStatusResponse, decodeGetSharingStatusResponse)
	register(TagLockDeviceRequest, decodeLockDeviceRequest)
	register(TagLockDeviceResponse, decodeLockDeviceResponse)
	register(TagUnlockDeviceRequest, decodeUnlockDeviceRequest)
	register(TagUnlockDeviceResponse, decodeUnlockDeviceResponse)

	register(TagGetMetricsRequest, func(r *Reader) (Payload, error) { return &GetMetricsRequest{}, nil })
	register(TagGetMetricsResponse, decodeGetMetricsResponse)
	register(TagClientMetricsUpdate, decodeClientMetricsUpdate)
}

// --- Connection ---

// Ping requests a Pong
type Ping struct{}

// Tag implements Payload
func (*Ping) Tag() uint16    { return TagPing }
func (*Ping) encode(*Writer) {}

// Pong answers a Ping
type Pong struct{}

// Tag implements Payload
func (*Pong) Tag() uint16    { return TagPong }
func (*Pong) encode(*Writer) {}

// Heartbeat carries a round-trip timing probe
type Heartbeat struct {
	Seq  uint64
	TsMs uint64
}

// Tag implements Payload
func (*Heartbeat) Tag() uint16 { return TagHeartbeat }
func (m *Heartbeat) encode(w *Writer) {
	w.U64(m.Seq).U64(m.TsMs)
}
func decodeHeartbeat(r *Reader) (Payload, error) {
	m := &Heartbeat{}
	var err error
	if m.Seq, err = r.U64(); err != nil {
		return nil, err
	}
	if m.TsMs, err = r.U64(); err != nil {
		return nil, err
	}
	return m, nil
}

// HeartbeatAck answers a Heartbeat, echoing the sender's timestamp
// alongside the receiver's own
type HeartbeatAck struct {
	Seq        uint64
	ClientTsMs uint64
	ServerTsMs uint64
}

// Tag implements Payload
func (*HeartbeatAck) Tag() uint16 { return TagHeartbeatAck }
func (m *HeartbeatAck) encode(w *Writer) {
	w.U64(m.Seq).U64(m.ClientTsMs).U64(m.ServerTsMs)
}
func decodeHeartbeatAck(r *Reader) (Payload, error) {
	m := &HeartbeatAck{}
	var err error
	if m.Seq, err = r.U64(); err != nil {
		return nil, err
	}
	if m.ClientTsMs, err = r.U64(); err != nil {
		return nil, err
	}
	if m.ServerTsMs, err = r.U64(); err != nil {
		return nil, err
	}
	return m, nil
}

// ClientCapabilities is the client's mandatory first message
type ClientCapabilities struct {
	SupportsPush bool
}

// Tag implements Payload
func (*ClientCapabilities) Tag() uint16 { return TagClientCapabilities }
func (m *ClientCapabilities) encode(w *Writer) {
	w.Bool(m.SupportsPush)
}
func decodeClientCapabilities(r *Reader) (Payload, error) {
	m := &ClientCapabilities{}
	var err error
	if m.SupportsPush, err = r.Bool(); err != nil {
		return nil, err
	}
	return m, nil
}

// ServerCapabilities is the server's mandatory first message
type ServerCapabilities struct {
	WillSendNotifications bool
}

// Tag implements Payload
func (*ServerCapabilities) Tag() uint16 { return TagServerCapabilities }
func (m *ServerCapabilities) encode(w *Writer) {
	w.Bool(m.WillSendNotifications)
}
func decodeServerCapabilities(r *Reader) (Payload, error) {
	m := &ServerCapabilities{}
	var err error
	if m.WillSendNotifications, err = r.Bool(); err != nil {
		return nil, err
	}
	return m, nil
}

// ErrorMessage reports a protocol-level error
type ErrorMessage struct {
	Message string
}

// Tag implements Payload
func (*ErrorMessage) Tag() uint16 { return TagErrorMessage }
func (m *ErrorMessage) encode(w *Writer) {
	w.Str(m.Message)
}
func decodeErrorMessage(r *Reader) (Payload, error) {
	m := &ErrorMessage{}
	var err error
	if m.Message, err = r.Str(); err != nil {
		return nil, err
	}
	return m, nil
}

// --- Discovery ---

// ListDevicesRequest asks for the server's current device list
type ListDevicesRequest struct{}

// Tag implements Payload
func (*ListDevicesRequest) Tag() uint16    { return TagListDevicesRequest }
func (*ListDevicesRequest) encode(*Writer) {}

// ListDevicesResponse answers ListDevicesRequest
type ListDevicesResponse struct {
	Devices []DeviceInfo
}

// Tag implements Payload
func (*ListDevicesResponse) Tag() uint16 { return TagListDevicesResponse }
func (m *ListDevicesResponse) encode(w *Writer) {
	w.U32(uint32(len(m.Devices)))
	for _, d := range m.Devices {
		encodeDeviceInfo(w, d)
	}
}
func decodeListDevicesResponse(r *Reader) (Payload, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	m := &ListDevicesResponse{Devices: make([]DeviceInfo, n)}
	for i := range m.Devices {
		if m.Devices[i], err = decodeDeviceInfo(r); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func encodeDeviceInfo(w *Writer, d DeviceInfo) {
	w.U32(uint32(d.DeviceID)).
		U16(d.VendorID).
		U16(d.ProductID).
		U32(uint32(d.Bus)).
		U32(uint32(d.Address)).
		U8(d.Class).U8(d.SubClass).U8(d.Protocol).
		U8(byte(d.Speed)).
		U32(uint32(d.NumConfigs)).
		Str(d.Manufacturer).
		Str(d.Product).
		Str(d.SerialNumber)
}

func decodeDeviceInfo(r *Reader) (DeviceInfo, error) {
	var d DeviceInfo
	var err error
	var u32 uint32
	var u8 byte

	if u32, err = r.U32(); err != nil {
		return d, err
	}
	d.DeviceID = DeviceID(u32)

	if d.VendorID, err = r.U16(); err != nil {
		return d, err
	}
	if d.ProductID, err = r.U16(); err != nil {
		return d, err
	}
	if u32, err = r.U32(); err != nil {
		return d, err
	}
	d.Bus = int(u32)
	if u32, err = r.U32(); err != nil {
		return d, err
	}
	d.Address = int(u32)
	if d.Class, err = r.U8(); err != nil {
		return d, err
	}
	if d.SubClass, err = r.U8(); err != nil {
		return d, err
	}
	if d.Protocol, err = r.U8(); err != nil {
		return d, err
	}
	if u8, err = r.U8(); err != nil {
		return d, err
	}
	d.Speed = Speed(u8)
	if u32, err = r.U32(); err != nil {
		return d, err
	}
	d.NumConfigs = int(u32)
	if d.Manufacturer, err = r.Str(); err != nil {
		return d, err
	}
	if d.Product, err = r.Str(); err != nil {
		return d, err
	}
	if d.SerialNumber, err = r.Str(); err != nil {
		return d, err
	}

	return d, nil
}

// --- Attachment ---

// AttachDeviceRequest asks to attach a device by DeviceID
type AttachDeviceRequest struct {
	DeviceID DeviceID
}

// Tag implements Payload
func (*AttachDeviceRequest) Tag() uint16 { return TagAttachDeviceRequest }
func (m *AttachDeviceRequest) encode(w *Writer) {
	w.U32(uint32(m.DeviceID))
}
func decodeAttachDeviceRequest(r *Reader) (Payload, error) {
	v, err := r.U32()
	if err != nil {
		return nil, err
	}
	return &AttachDeviceRequest{DeviceID: DeviceID(v)}, nil
}

// AttachDeviceResponse answers AttachDeviceRequest with either a
// handle or an AttachError
type AttachDeviceResponse struct {
	Handle DeviceHandle
	Err    *AttachError
}

// Tag implements Payload
func (*AttachDeviceResponse) Tag() uint16 { return TagAttachDeviceResponse }
func (m *AttachDeviceResponse) encode(w *Writer) {
	if m.Err == nil {
		w.U8(0).U32(uint32(m.Handle))
		return
	}
	w.U8(1).U8(byte(m.Err.Kind))
	w.Str(m.Err.Reason)
	w.Str(m.Err.Current)
	w.StrSlice(m.Err.Allowed)
	w.U8(m.Err.Class)
	w.Str(m.Err.Message)
}
func decodeAttachDeviceResponse(r *Reader) (Payload, error) {
	m := &AttachDeviceResponse{}
	isErr, err := r.U8()
	if err != nil {
		return nil, err
	}
	if isErr == 0 {
		v, err := r.U32()
		if err != nil {
			return nil, err
		}
		m.Handle = DeviceHandle(v)
		return m, nil
	}

	e := &AttachError{}
	kind, err := r.U8()
	if err != nil {
		return nil, err
	}
	e.Kind = AttachErrorKind(kind)
	if e.Reason, err = r.Str(); err != nil {
		return nil, err
	}
	if e.Current, err = r.Str(); err != nil {
		return nil, err
	}
	if e.Allowed, err = r.StrSlice(); err != nil {
		return nil, err
	}
	if e.Class, err = r.U8(); err != nil {
		return nil, err
	}
	if e.Message, err = r.Str(); err != nil {
		return nil, err
	}
	m.Err = e
	return m, nil
}

// DetachDeviceRequest asks to detach a handle
type DetachDeviceRequest struct {
	Handle DeviceHandle
}

// Tag implements Payload
func (*DetachDeviceRequest) Tag() uint16 { return TagDetachDeviceRequest }
func (m *DetachDeviceRequest) encode(w *Writer) {
	w.U32(uint32(m.Handle))
}
func decodeDetachDeviceRequest(r *Reader) (Payload, error) {
	v, err := r.U32()
	if err != nil {
		return nil, err
	}
	return &DetachDeviceRequest{Handle: DeviceHandle(v)}, nil
}

// DetachDeviceResponse answers DetachDeviceRequest
type DetachDeviceResponse struct {
	Err *DetachError
}

// Tag implements Payload
func (*DetachDeviceResponse) Tag() uint16 { return TagDetachDeviceResponse }
func (m *DetachDeviceResponse) encode(w *Writer) {
	if m.Err == nil {
		w.U8(0)
		return
	}
	w.U8(1).U8(byte(m.Err.Kind)).Str(m.Err.Message)
}
func decodeDetachDeviceResponse(r *Reader) (Payload, error) {
	isErr, err := r.U8()
	if err != nil {
		return nil, err
	}
	if isErr == 0 {
		return &DetachDeviceResponse{}, nil
	}
	kind, err := r.U8()
	if err != nil {
		return nil, err
	}
	msg, err := r.Str()
	if err != nil {
		return nil, err
	}
	return &DetachDeviceResponse{Err: &DetachError{Kind: DetachErrorKind(kind), Message: msg}}, nil
}

// --- Transfers ---

// SubmitTransfer carries one URB to execute against an attached
// device
type SubmitTransfer struct {
	RequestID RequestID
	Handle    DeviceHandle
	Transfer  Transfer
}

// Tag implements Payload
func (*SubmitTransfer) Tag() uint16 { return TagSubmitTransfer }
func (m *SubmitTransfer) encode(w *Writer) {
	w.U64(uint64(m.RequestID)).U32(uint32(m.Handle))
	encodeTransfer(w, m.Transfer)
}
func decodeSubmitTransfer(r *Reader) (Payload, error) {
	m := &SubmitTransfer{}
	var err error
	var v64 uint64
	var v32 uint32

	if v64, err = r.U64(); err != nil {
		return nil, err
	}
	m.RequestID = RequestID(v64)
	if v32, err = r.U32(); err != nil {
		return nil, err
	}
	m.Handle = DeviceHandle(v32)
	if m.Transfer, err = decodeTransfer(r); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeTransfer(w *Writer, t Transfer) {
	w.U8(byte(t.Kind)).U8(t.Endpoint).U8(byte(t.Direction)).U32(t.TimeoutMs)
	w.U8(t.RequestType).U8(t.Request).U16(t.Value).U16(t.Index)
	w.BytesField(t.Data)
	w.U32(t.Length)
	w.U32(t.StartFrame).U32(t.Interval)
	w.U32(uint32(len(t.Packets)))
	for _, p := range t.Packets {
		w.U32(p.Offset).U32(p.Length).U32(p.ActualLength).I32(p.Status)
	}
}

func decodeTransfer(r *Reader) (Transfer, error) {
	var t Transfer
	var err error
	var u8 byte

	if u8, err = r.U8(); err != nil {
		return t, err
	}
	t.Kind = TransferKind(u8)
	if t.Endpoint, err = r.U8(); err != nil {
		return t, err
	}
	if u8, err = r.U8(); err != nil {
		return t, err
	}
	t.Direction = Direction(u8)
	if t.TimeoutMs, err = r.U32(); err != nil {
		return t, err
	}
	if t.RequestType, err = r.U8(); err != nil {
		return t, err
	}
	if t.Request, err = r.U8(); err != nil {
		return t, err
	}
	if t.Value, err = r.U16(); err != nil {
		return t, err
	}
	if t.Index, err = r.U16(); err != nil {
		return t, err
	}
	if t.Data, err = r.BytesField(); err != nil {
		return t, err
	}
	if t.Length, err = r.U32(); err != nil {
		return t, err
	}
	if t.StartFrame, err = r.U32(); err != nil {
		return t, err
	}
	if t.Interval, err = r.U32(); err != nil {
		return t, err
	}
	n, err := r.U32()
	if err != nil {
		return t, err
	}
	t.Packets = make([]IsoPacketDescriptor, n)
	for i := range t.Packets {
		if t.Packets[i].Offset, err = r.U32(); err != nil {
			return t, err
		}
		if t.Packets[i].Length, err = r.U32(); err != nil {
			return t, err
		}
		if t.Packets[i].ActualLength, err = r.U32(); err != nil {
			return t, err
		}
		if t.Packets[i].Status, err = r.I32(); err != nil {
			return t, err
		}
	}
	return t, nil
}

// TransferComplete answers SubmitTransfer
type TransferComplete struct {
	RequestID RequestID
	Result    TransferResult
}

// Tag implements Payload
func (*TransferComplete) Tag() uint16 { return TagTransferComplete }
func (m *TransferComplete) encode(w *Writer) {
	w.U64(uint64(m.RequestID))
	if m.Result.Err != nil {
		w.U8(2).U8(byte(m.Result.Err.Kind)).Str(m.Result.Err.Message)
		return
	}
	if m.Result.Packets != nil {
		w.U8(1)
		w.U32(uint32(len(m.Result.Packets)))
		for _, p := range m.Result.Packets {
			w.U32(p.Offset).U32(p.Length).U32(p.ActualLength).I32(p.Status)
		}
		w.BytesField(m.Result.Data)
		w.U32(m.Result.StartFrame).U32(m.Result.ErrorCount)
		return
	}
	w.U8(0).BytesField(m.Result.Data)
}
func decodeTransferComplete(r *Reader) (Payload, error) {
	m := &TransferComplete{}
	v64, err := r.U64()
	if err != nil {
		return nil, err
	}
	m.RequestID = RequestID(v64)

	kind, err := r.U8()
	if err != nil {
		return nil, err
	}

	switch kind {
	case 0:
		if m.Result.Data, err = r.BytesField(); err != nil {
			return nil, err
		}
	case 1:
		n, err := r.U32()
		if err != nil {
			return nil, err
		}
		m.Result.Packets = make([]IsoPacketDescriptor, n)
		for i := range m.Result.Packets {
			if m.Result.Packets[i].Offset, err = r.U32(); err != nil {
				return nil, err
			}
			if m.Result.Packets[i].Length, err = r.U32(); err != nil {
				return nil, err
			}
			if m.Result.Packets[i].ActualLength, err = r.U32(); err != nil {
				return nil, err
			}
			if m.Result.Packets[i].Status, err = r.I32(); err != nil {
				return nil, err
			}
		}
		if m.Result.Data, err = r.BytesField(); err != nil {
			return nil, err
		}
		if m.Result.StartFrame, err = r.U32(); err != nil {
			return nil, err
		}
		if m.Result.ErrorCount, err = r.U32(); err != nil {
			return nil, err
		}
	case 2:
		ek, err := r.U8()
		if err != nil {
			return nil, err
		}
		msg, err := r.Str()
		if err != nil {
			return nil, err
		}
		m.Result.Err = &UsbError{Kind: UsbErrorKind(ek), Message: msg}
	default:
		return nil, fmt.Errorf("protocol: bad TransferComplete result kind %d", kind)
	}

	return m, nil
}

// CancelTransfer asks to cancel an in-flight transfer; any later
// TransferComplete for the same RequestID is discarded
type CancelTransfer struct {
	RequestID RequestID
}

// Tag implements Payload
func (*CancelTransfer) Tag() uint16 { return TagCancelTransfer }
func (m *CancelTransfer) encode(w *Writer) {
	w.U64(uint64(m.RequestID))
}
func decodeCancelTransfer(r *Reader) (Payload, error) {
	v, err := r.U64()
	if err != nil {
		return nil, err
	}
	return &CancelTransfer{RequestID: RequestID(v)}, nil
}

// --- Notifications (server -> client, push) ---

// DeviceArrivedNotification reports a newly registered device
type DeviceArrivedNotification struct {
	Device DeviceInfo
}

// Tag implements Payload
func (*DeviceArrivedNotification) Tag() uint16 { return TagDeviceArrivedNotification }
func (m *DeviceArrivedNotification) encode(w *Writer) {
	encodeDeviceInfo(w, m.Device)
}
func decodeDeviceArrivedNotification(r *Reader) (Payload, error) {
	d, err := decodeDeviceInfo(r)
	if err != nil {
		return nil, err
	}
	return &DeviceArrivedNotification{Device: d}, nil
}

// DeviceRemovedNotification reports a device leaving the registry
type DeviceRemovedNotification struct {
	DeviceID           DeviceID
	InvalidatedHandles []DeviceHandle
	Reason             DeviceRemovalReason
}

// Tag implements Payload
func (*DeviceRemovedNotification) Tag() uint16 { return TagDeviceRemovedNotification }
func (m *DeviceRemovedNotification) encode(w *Writer) {
	w.U32(uint32(m.DeviceID))
	w.U32(uint32(len(m.InvalidatedHandles)))
	for _, h := range m.InvalidatedHandles {
		w.U32(uint32(h))
	}
	w.U8(byte(m.Reason))
}
func decodeDeviceRemovedNotification(r *Reader) (Payload, error) {
	m := &DeviceRemovedNotification{}
	v, err := r.U32()
	if err != nil {
		return nil, err
	}
	m.DeviceID = DeviceID(v)
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	m.InvalidatedHandles = make([]DeviceHandle, n)
	for i := range m.InvalidatedHandles {
		h, err := r.U32()
		if err != nil {
			return nil, err
		}
		m.InvalidatedHandles[i] = DeviceHandle(h)
	}
	reason, err := r.U8()
	if err != nil {
		return nil, err
	}
	m.Reason = DeviceRemovalReason(reason)
	return m, nil
}

// DeviceStatusChangedNotification reports a sharing-state transition
// for a device (e.g. lock holder or attached-client-count change)
type DeviceStatusChangedNotification struct {
	DeviceID       DeviceID
	AttachedCount  int
	LockHeld       bool
}

// Tag implements Payload
func (*DeviceStatusChangedNotification) Tag() uint16 { return TagDeviceStatusChangedNotification }
func (m *DeviceStatusChangedNotification) encode(w *Writer) {
	w.U32(uint32(m.DeviceID)).U32(uint32(m.AttachedCount)).Bool(m.LockHeld)
}
func decodeDeviceStatusChangedNotification(r *Reader) (Payload, error) {
	m := &DeviceStatusChangedNotification{}
	v, err := r.U32()
	if err != nil {
		return nil, err
	}
	m.DeviceID = DeviceID(v)
	c, err := r.U32()
	if err != nil {
		return nil, err
	}
	m.AttachedCount = int(c)
	if m.LockHeld, err = r.Bool(); err != nil {
		return nil, err
	}
	return m, nil
}

// ForceDetachWarning gives a grace period before a forced detach
type ForceDetachWarning struct {
	Handle       DeviceHandle
	Reason       ForceDetachReason
	GraceSeconds uint32
}

// Tag implements Payload
func (*ForceDetachWarning) Tag() uint16 { return TagForceDetachWarning }
func (m *ForceDetachWarning) encode(w *Writer) {
	w.U32(uint32(m.Handle)).U8(byte(m.Reason)).U32(m.GraceSeconds)
}
func decodeForceDetachWarning(r *Reader) (Payload, error) {
	m := &ForceDetachWarning{}
	v, err := r.U32()
	if err != nil {
		return nil, err
	}
	m.Handle = DeviceHandle(v)
	reason, err := r.U8()
	if err != nil {
		return nil, err
	}
	m.Reason = ForceDetachReason(reason)
	if m.GraceSeconds, err = r.U32(); err != nil {
		return nil, err
	}
	return m, nil
}

// ForcedDetachNotification reports that a handle was forcibly detached
type ForcedDetachNotification struct {
	Handle DeviceHandle
	Reason ForceDetachReason
}

// Tag implements Payload
func (*ForcedDetachNotification) Tag() uint16 { return TagForcedDetachNotification }
func (m *ForcedDetachNotification) encode(w *Writer) {
	w.U32(uint32(m.Handle)).U8(byte(m.Reason))
}
func decodeForcedDetachNotification(r *Reader) (Payload, error) {
	m := &ForcedDetachNotification{}
	v, err := r.U32()
	if err != nil {
		return nil, err
	}
	m.Handle = DeviceHandle(v)
	reason, err := r.U8()
	if err != nil {
		return nil, err
	}
	m.Reason = ForceDetachReason(reason)
	return m, nil
}

// QueuePositionNotification reports a waiter's position in a
// device's FIFO lock queue
type QueuePositionNotification struct {
	DeviceID DeviceID
	Handle   DeviceHandle
	Position uint32
}

// Tag implements Payload
func (*QueuePositionNotification) Tag() uint16 { return TagQueuePositionNotification }
func (m *QueuePositionNotification) encode(w *Writer) {
	w.U32(uint32(m.DeviceID)).U32(uint32(m.Handle)).U32(m.Position)
}
func decodeQueuePositionNotification(r *Reader) (Payload, error) {
	m := &QueuePositionNotification{}
	v, err := r.U32()
	if err != nil {
		return nil, err
	}
	m.DeviceID = DeviceID(v)
	h, err := r.U32()
	if err != nil {
		return nil, err
	}
	m.Handle = DeviceHandle(h)
	if m.Position, err = r.U32(); err != nil {
		return nil, err
	}
	return m, nil
}

// DeviceAvailableNotification reports that a lock or slot became
// available for a waiting handle
type DeviceAvailableNotification struct {
	DeviceID DeviceID
	Handle   DeviceHandle
}

// Tag implements Payload
func (*DeviceAvailableNotification) Tag() uint16 { return TagDeviceAvailableNotification }
func (m *DeviceAvailableNotification) encode(w *Writer) {
	w.U32(uint32(m.DeviceID)).U32(uint32(m.Handle))
}
func decodeDeviceAvailableNotification(r *Reader) (Payload, error) {
	m := &DeviceAvailableNotification{}
	v, err := r.U32()
	if err != nil {
		return nil, err
	}
	m.DeviceID = DeviceID(v)
	h, err := r.U32()
	if err != nil {
		return nil, err
	}
	m.Handle = DeviceHandle(h)
	return m, nil
}

// AggregatedNotifications batches several notifications emitted in
// a single fan-out tick, used after a subscriber falls behind and
// needs to catch up without one frame per event
type AggregatedNotifications struct {
	MissedCount uint32
	Items       []Payload
}

// Tag implements Payload
func (*AggregatedNotifications) Tag() uint16 { return TagAggregatedNotifications }
func (m *AggregatedNotifications) encode(w *Writer) {
	w.U32(m.MissedCount)
	w.U32(uint32(len(m.Items)))
	for _, item := range m.Items {
		w.U16(item.Tag())
		sub := NewWriter()
		item.encode(sub)
		w.BytesField(sub.Bytes())
	}
}
func decodeAggregatedNotifications(r *Reader) (Payload, error) {
	m := &AggregatedNotifications{}
	var err error
	if m.MissedCount, err = r.U32(); err != nil {
		return nil, err
	}
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	m.Items = make([]Payload, 0, n)
	for i := uint32(0); i < n; i++ {
		tag, err := r.U16()
		if err != nil {
			return nil, err
		}
		raw, err := r.BytesField()
		if err != nil {
			return nil, err
		}
		item, err := decodePayload(tag, raw)
		if err != nil {
			return nil, err
		}
		m.Items = append(m.Items, item)
	}
	return m, nil
}

// --- Sharing ---

// GetSharingStatusRequest asks for a device's current sharing status,
// as seen by the calling Handle (0 if the caller holds no handle on
// the device yet)
type GetSharingStatusRequest struct {
	DeviceID DeviceID
	Handle   DeviceHandle
}

// Tag implements Payload
func (*GetSharingStatusRequest) Tag() uint16 { return TagGetSharingStatusRequest }
func (m *GetSharingStatusRequest) encode(w *Writer) {
	w.U32(uint32(m.DeviceID)).U32(uint32(m.Handle))
}
func decodeGetSharingStatusRequest(r *Reader) (Payload, error) {
	v, err := r.U32()
	if err != nil {
		return nil, err
	}
	h, err := r.U32()
	if err != nil {
		return nil, err
	}
	return &GetSharingStatusRequest{DeviceID: DeviceID(v), Handle: DeviceHandle(h)}, nil
}

// GetSharingStatusResponse answers GetSharingStatusRequest. QueuePosition
// is the requesting Handle's own 1-based position in the lock queue, or
// 0 if it is not queued
type GetSharingStatusResponse struct {
	Mode          string
	AttachedCount int
	MaxClients    int
	LockHeld      bool
	QueueLength   int
	QueuePosition int
}

// Tag implements Payload
func (*GetSharingStatusResponse) Tag() uint16 { return TagGetSharingStatusResponse }
func (m *GetSharingStatusResponse) encode(w *Writer) {
	w.Str(m.Mode).U32(uint32(m.AttachedCount)).U32(uint32(m.MaxClients)).
		Bool(m.LockHeld).U32(uint32(m.QueueLength)).U32(uint32(m.QueuePosition))
}
func decodeGetSharingStatusResponse(r *Reader) (Payload, error) {
	m := &GetSharingStatusResponse{}
	var err error
	if m.Mode, err = r.Str(); err != nil {
		return nil, err
	}
	v, err := r.U32()
	if err != nil {
		return nil, err
	}
	m.AttachedCount = int(v)
	if v, err = r.U32(); err != nil {
		return nil, err
	}
	m.MaxClients = int(v)
	if m.LockHeld, err = r.Bool(); err != nil {
		return nil, err
	}
	if v, err = r.U32(); err != nil {
		return nil, err
	}
	m.QueueLength = int(v)
	if v, err = r.U32(); err != nil {
		return nil, err
	}
	m.QueuePosition = int(v)
	return m, nil
}

// LockDeviceRequest asks for exclusive (or read-only write) access
type LockDeviceRequest struct {
	Handle      DeviceHandle
	WriteAccess bool
	TimeoutSecs uint32
}

// Tag implements Payload
func (*LockDeviceRequest) Tag() uint16 { return TagLockDeviceRequest }
func (m *LockDeviceRequest) encode(w *Writer) {
	w.U32(uint32(m.Handle)).Bool(m.WriteAccess).U32(m.TimeoutSecs)
}
func decodeLockDeviceRequest(r *Reader) (Payload, error) {
	m := &LockDeviceRequest{}
	v, err := r.U32()
	if err != nil {
		return nil, err
	}
	m.Handle = DeviceHandle(v)
	if m.WriteAccess, err = r.Bool(); err != nil {
		return nil, err
	}
	if m.TimeoutSecs, err = r.U32(); err != nil {
		return nil, err
	}
	return m, nil
}

// LockDeviceResponse answers LockDeviceRequest
type LockDeviceResponse struct {
	Result LockResult
}

// Tag implements Payload
func (*LockDeviceResponse) Tag() uint16 { return TagLockDeviceResponse }
func (m *LockDeviceResponse) encode(w *Writer) {
	w.U8(byte(m.Result))
}
func decodeLockDeviceResponse(r *Reader) (Payload, error) {
	v, err := r.U8()
	if err != nil {
		return nil, err
	}
	return &LockDeviceResponse{Result: LockResult(v)}, nil
}

// UnlockDeviceRequest releases a previously granted lock
type UnlockDeviceRequest struct {
	Handle DeviceHandle
}

// Tag implements Payload
func (*UnlockDeviceRequest) Tag() uint16 { return TagUnlockDeviceRequest }
func (m *UnlockDeviceRequest) encode(w *Writer) {
	w.U32(uint32(m.Handle))
}
func decodeUnlockDeviceRequest(r *Reader) (Payload, error) {
	v, err := r.U32()
	if err != nil {
		return nil, err
	}
	return &UnlockDeviceRequest{Handle: DeviceHandle(v)}, nil
}

// UnlockDeviceResponse answers UnlockDeviceRequest
type UnlockDeviceResponse struct {
	Result UnlockResult
}

// Tag implements Payload
func (*UnlockDeviceResponse) Tag() uint16 { return TagUnlockDeviceResponse }
func (m *UnlockDeviceResponse) encode(w *Writer) {
	w.U8(byte(m.Result))
}
func decodeUnlockDeviceResponse(r *Reader) (Payload, error) {
	v, err := r.U8()
	if err != nil {
		return nil, err
	}
	return &UnlockDeviceResponse{Result: UnlockResult(v)}, nil
}

// --- Metrics ---

// GetMetricsRequest asks for a metrics snapshot
type GetMetricsRequest struct{}

// Tag implements Payload
func (*GetMetricsRequest) Tag() uint16    { return TagGetMetricsRequest }
func (*GetMetricsRequest) encode(*Writer) {}

// MetricsSnapshot is one named set of counters in a GetMetricsResponse
type MetricsSnapshot struct {
	Name              string
	BytesSent         uint64
	BytesReceived     uint64
	TransfersComplete uint64
	TransfersFailed   uint64
	Retries           uint64
	Active            uint32
	AvgLatencyMs      float64
	ThroughputBps     float64
	QualityScore      int
}

func encodeMetricsSnapshot(w *Writer, s MetricsSnapshot) {
	w.Str(s.Name).U64(s.BytesSent).U64(s.BytesReceived).
		U64(s.TransfersComplete).U64(s.TransfersFailed).U64(s.Retries).
		U32(s.Active)
	w.U64(uint64(s.AvgLatencyMs * 1000))
	w.U64(uint64(s.ThroughputBps * 1000))
	w.U8(byte(s.QualityScore))
}

func decodeMetricsSnapshot(r *Reader) (MetricsSnapshot, error) {
	var s MetricsSnapshot
	var err error
	if s.Name, err = r.Str(); err != nil {
		return s, err
	}
	if s.BytesSent, err = r.U64(); err != nil {
		return s, err
	}
	if s.BytesReceived, err = r.U64(); err != nil {
		return s, err
	}
	if s.TransfersComplete, err = r.U64(); err != nil {
		return s, err
	}
	if s.TransfersFailed, err = r.U64(); err != nil {
		return s, err
	}
	if s.Retries, err = r.U64(); err != nil {
		return s, err
	}
	if s.Active, err = r.U32(); err != nil {
		return s, err
	}
	lat, err := r.U64()
	if err != nil {
		return s, err
	}
	s.AvgLatencyMs = float64(lat) / 1000
	tp, err := r.U64()
	if err != nil {
		return s, err
	}
	s.ThroughputBps = float64(tp) / 1000
	q, err := r.U8()
	if err != nil {
		return s, err
	}
	s.QualityScore = int(q)
	return s, nil
}

// GetMetricsResponse answers GetMetricsRequest
type GetMetricsResponse struct {
	Total     MetricsSnapshot
	PerDevice []MetricsSnapshot
	PerClient []MetricsSnapshot
}

// Tag implements Payload
func (*GetMetricsResponse) Tag() uint16 { return TagGetMetricsResponse }
func (m *GetMetricsResponse) encode(w *Writer) {
	encodeMetricsSnapshot(w, m.Total)
	w.U32(uint32(len(m.PerDevice)))
	for _, s := range m.PerDevice {
		encodeMetricsSnapshot(w, s)
	}
	w.U32(uint32(len(m.PerClient)))
	for _, s := range m.PerClient {
		encodeMetricsSnapshot(w, s)
	}
}
func decodeGetMetricsResponse(r *Reader) (Payload, error) {
	m := &GetMetricsResponse{}
	var err error
	if m.Total, err = decodeMetricsSnapshot(r); err != nil {
		return nil, err
	}
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	m.PerDevice = make([]MetricsSnapshot, n)
	for i := range m.PerDevice {
		if m.PerDevice[i], err = decodeMetricsSnapshot(r); err != nil {
			return nil, err
		}
	}
	n, err = r.U32()
	if err != nil {
		return nil, err
	}
	m.PerClient = make([]MetricsSnapshot, n)
	for i := range m.PerClient {
		if m.PerClient[i], err = decodeMetricsSnapshot(r); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ClientMetricsUpdate lets a client push its own observed
// connection-quality metrics up to the server for display/telemetry
type ClientMetricsUpdate struct {
	Snapshot MetricsSnapshot
}

// Tag implements Payload
func (*ClientMetricsUpdate) Tag() uint16 { return TagClientMetricsUpdate }
func (m *ClientMetricsUpdate) encode(w *Writer) {
	encodeMetricsSnapshot(w, m.Snapshot)
}
func decodeClientMetricsUpdate(r *Reader) (Payload, error) {
	s, err := decodeMetricsSnapshot(r)
	if err != nil {
		return nil, err
	}
	return &ClientMetricsUpdate{Snapshot: s}, nil
}

// UnknownPayload is yielded when a decoded tag has no registered
// decoder, e.g. because the peer is running a newer minor version.
// Per §4.A this must not fail the connection
type UnknownPayload struct {
	TagValue uint16
	Raw      []byte
}

// Tag implements Payload
func (m *UnknownPayload) Tag() uint16 { return m.TagValue }
func (m *UnknownPayload) encode(w *Writer) {
	w.buf = append(w.buf, m.Raw...)
}

func decodePayload(tag uint16, raw []byte) (Payload, error) {
	fn, ok := payloadRegistry[tag]
	if !ok {
		return &UnknownPayload{TagValue: tag, Raw: raw}, nil
	}
	return fn(NewReader(raw))
}
