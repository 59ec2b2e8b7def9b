/* usbshare - share physical USB devices over the network
 *
 * Virtual USB manager: one kernel-facing socket per attached proxy,
 * translating CMD_SUBMIT/CMD_UNLINK into proxy calls and proxy
 * responses back into RET_SUBMIT/RET_UNLINK, per the USB/IP codec in
 * internal/usbip
 */

package vhci

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/usbshare/usbshare/internal/logger"
	"github.com/usbshare/usbshare/internal/protocol"
	"github.com/usbshare/usbshare/internal/usbip"
)

// GlobalID is a process-local handle the Manager assigns to each
// attached socket, used for detach and cleanup independent of the
// kernel's own devid numbering
type GlobalID uint32

// KernelConn is the raw byte stream to the kernel's vhci_hcd port.
// On Linux this is the *os.File returned by attaching a port (see
// ioctl_linux.go); tests substitute an in-memory pipe
type KernelConn interface {
	io.Reader
	io.Writer
	Close() error
}

// Submitter is the device-proxy surface a socket drives: submit a
// transfer and await its result, or let ctx cancellation abort it
type Submitter interface {
	Submit(ctx context.Context, transfer protocol.Transfer) (protocol.TransferResult, error)
}

// socket owns one kernel-facing connection for one attached device
type socket struct {
	id     GlobalID
	conn   KernelConn
	submit Submitter
	log    *logger.Logger

	mu      sync.Mutex
	cancels map[uint32]context.CancelFunc

	writeMu sync.Mutex
}

// Manager tracks every attached socket by GlobalID
type Manager struct {
	log *logger.Logger

	mu      sync.Mutex
	sockets map[GlobalID]*socket

	nextID uint32
}

// NewManager creates an empty Manager
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		log:     log,
		sockets: make(map[GlobalID]*socket),
	}
}

// Attach registers conn as the kernel-facing transport for submitter
// and starts its read loop, returning the assigned GlobalID
func (m *Manager) Attach(conn KernelConn, submitter Submitter) GlobalID {
	id := GlobalID(atomic.AddUint32(&m.nextID, 1))
	s := &socket{
		id:      id,
		conn:    conn,
		submit:  submitter,
		log:     m.log,
		cancels: make(map[uint32]context.CancelFunc),
	}

	m.mu.Lock()
	m.sockets[id] = s
	m.mu.Unlock()

	go s.readLoop()
	return id
}

// Detach closes and forgets the socket for id
func (m *Manager) Detach(id GlobalID) {
	m.mu.Lock()
	s, ok := m.sockets[id]
	if ok {
		delete(m.sockets, id)
	}
	m.mu.Unlock()

	if ok {
		s.conn.Close()
	}
}

// TeardownDevice closes the socket for id, cancelling its outstanding
// submits and sending RET_UNLINK{-ENOENT} for each one, as the spec
// requires on DeviceRemoved
func (m *Manager) TeardownDevice(id GlobalID) {
	m.mu.Lock()
	s, ok := m.sockets[id]
	if ok {
		delete(m.sockets, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	s.teardown()
}

// errnoNoSuchEntity is the negated ENOENT, used for RET_UNLINK frames
// synthesised on device teardown rather than in answer to a CMD_UNLINK
const errnoNoSuchEntity int32 = -2

// teardown cancels every outstanding submit, answers it with
// RET_UNLINK{-ENOENT}, and closes the connection
func (s *socket) teardown() {
	s.mu.Lock()
	pending := make(map[uint32]context.CancelFunc, len(s.cancels))
	for seq, cancel := range s.cancels {
		pending[seq] = cancel
		delete(s.cancels, seq)
	}
	s.mu.Unlock()

	for seq, cancel := range pending {
		cancel()
		s.writeRetUnlink(seq, errnoNoSuchEntity)
	}

	s.conn.Close()
}

// readLoop decodes CMD_SUBMIT/CMD_UNLINK frames from the kernel
// connection until it closes or errors
func (s *socket) readLoop() {
	for {
		hdrBuf := make([]byte, usbip.HeaderSize)
		if _, err := io.ReadFull(s.conn, hdrBuf); err != nil {
			return
		}
		hdr, err := usbip.UnmarshalHeader(hdrBuf)
		if err != nil {
			return
		}

		switch hdr.Command {
		case usbip.CmdSubmit:
			if err := s.handleCmdSubmit(hdr); err != nil {
				if s.log != nil {
					s.log.Error('!', "vhci: decoding CMD_SUBMIT: %s", err)
				}
				return
			}
		case usbip.CmdUnlink:
			if err := s.handleCmdUnlink(hdr); err != nil {
				if s.log != nil {
					s.log.Error('!', "vhci: decoding CMD_UNLINK: %s", err)
				}
				return
			}
		default:
			if s.log != nil {
				s.log.Error('!', "vhci: unexpected command %#x", uint32(hdr.Command))
			}
			return
		}
	}
}

// handleCmdSubmit reads the rest of a CMD_SUBMIT frame (body, then
// iso descriptors for an isochronous transfer, then the OUT payload
// for an OUT transfer), submits it through the proxy, and answers
// asynchronously with RET_SUBMIT once it completes
func (s *socket) handleCmdSubmit(hdr usbip.Header) error {
	bodyBuf := make([]byte, usbip.CmdSubmitPayloadSize)
	if _, err := io.ReadFull(s.conn, bodyBuf); err != nil {
		return err
	}
	body, err := usbip.UnmarshalCmdSubmitBody(bodyBuf)
	if err != nil {
		return err
	}

	var isos []usbip.IsoPacket
	if body.NumberOfPackets > 0 {
		isos = make([]usbip.IsoPacket, body.NumberOfPackets)
		isoBuf := make([]byte, usbip.IsoPacketSize)
		for i := range isos {
			if _, err := io.ReadFull(s.conn, isoBuf); err != nil {
				return err
			}
			iso, err := usbip.UnmarshalIsoPacket(isoBuf)
			if err != nil {
				return err
			}
			isos[i] = iso
		}
	}

	var outData []byte
	if hdr.Direction == usbip.DirOut {
		outData = make([]byte, body.TransferBufferLength)
		if body.TransferBufferLength > 0 {
			if _, err := io.ReadFull(s.conn, outData); err != nil {
				return err
			}
		}
	}

	transfer := usbip.TransferFromCmdSubmit(hdr, body, isos, outData)

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[hdr.Seqnum] = cancel
	s.mu.Unlock()

	go s.runSubmit(hdr, transfer, ctx, cancel)
	return nil
}

// runSubmit executes transfer through the proxy and writes the
// matching RET_SUBMIT, unless the submit was cancelled by an unlink
func (s *socket) runSubmit(hdr usbip.Header, transfer protocol.Transfer, ctx context.Context, cancel context.CancelFunc) {
	result, err := s.submit.Submit(ctx, transfer)

	s.mu.Lock()
	_, stillPending := s.cancels[hdr.Seqnum]
	if stillPending {
		delete(s.cancels, hdr.Seqnum)
	}
	s.mu.Unlock()
	cancel()

	if !stillPending {
		// already unlinked; its RET_UNLINK was sent by teardown/unlink
		return
	}

	if err != nil {
		result = protocol.TransferResult{Err: &protocol.UsbError{Kind: protocol.UsbErrIo}}
	}

	retBody, data, isos := usbip.RetSubmitFromResult(result)
	s.writeRetSubmit(hdr, retBody, data, isos)
}

// handleCmdUnlink reads the unlink target seqnum, cancels its
// in-flight submit if still pending, and answers with RET_UNLINK
func (s *socket) handleCmdUnlink(hdr usbip.Header) error {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		return err
	}
	seqnumUnlink := binary.BigEndian.Uint32(buf)

	s.mu.Lock()
	cancel, ok := s.cancels[seqnumUnlink]
	if ok {
		delete(s.cancels, seqnumUnlink)
	}
	s.mu.Unlock()

	status := usbip.UnlinkAlreadyComplete
	if ok {
		cancel()
		status = usbip.UnlinkCancelled
	}
	s.writeRetUnlink(seqnumUnlink, status)
	return nil
}

// writeRetSubmit serializes and writes one RET_SUBMIT frame
func (s *socket) writeRetSubmit(reqHdr usbip.Header, body usbip.RetSubmitBody, data []byte, isos []usbip.IsoPacket) {
	retHdr := usbip.Header{
		Command:   usbip.RetSubmit,
		Seqnum:    reqHdr.Seqnum,
		DevID:     reqHdr.DevID,
		Direction: reqHdr.Direction,
		Endpoint:  reqHdr.Endpoint,
	}

	size := usbip.HeaderSize + usbip.RetSubmitPayloadSize + len(isos)*usbip.IsoPacketSize + len(data)
	buf := make([]byte, size)
	retHdr.Marshal(buf)
	body.Marshal(buf[usbip.HeaderSize:])

	off := usbip.HeaderSize + usbip.RetSubmitPayloadSize
	for _, iso := range isos {
		iso.Marshal(buf[off:])
		off += usbip.IsoPacketSize
	}
	copy(buf[off:], data)

	s.write(buf)
}

// writeRetUnlink serializes and writes one RET_UNLINK frame
func (s *socket) writeRetUnlink(seqnum uint32, status int32) {
	ret := usbip.RetUnlink{
		Header: usbip.Header{Command: usbip.RetUnlink, Seqnum: seqnum},
		Status: status,
	}
	buf := make([]byte, usbip.RetUnlinkSize)
	ret.Marshal(buf)
	s.write(buf)
}

func (s *socket) write(buf []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(buf); err != nil && s.log != nil {
		s.log.Error('!', "vhci: writing to kernel socket: %s", err)
	}
}
