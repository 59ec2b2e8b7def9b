/* usbshare - share physical USB devices over the network
 *
 * Frame codec: u32-length-prefixed messages, each carrying a
 * {major,minor,patch} version triple and one tagged Payload variant
 */

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's payload length. A peer that
// advertises a longer frame has violated the protocol and the
// connection is closed
const MaxFrameSize = 16 * 1024 * 1024

// Version is the three-part protocol version carried in every message
type Version struct {
	Major, Minor, Patch byte
}

// CurrentVersion is the version this implementation speaks
var CurrentVersion = Version{Major: 1, Minor: 0, Patch: 0}

// Compatible reports whether two peers running Version a and b can
// talk to each other: major numbers must match. A newer minor may
// send payload variants the older doesn't recognize; those decode as
// UnknownPayload rather than failing the handshake
func (a Version) Compatible(b Version) bool {
	return a.Major == b.Major
}

// String renders a Version as "major.minor.patch"
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Message is one decoded protocol frame
type Message struct {
	Version Version
	Payload Payload
}

// ErrProtocolViolation wraps a framing or decode failure; per §4.A
// this is always fatal to the connection
type ErrProtocolViolation struct {
	Cause error
}

// Error implements the error interface
func (e *ErrProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Cause)
}

// Unwrap exposes the underlying cause
func (e *ErrProtocolViolation) Unwrap() error { return e.Cause }

// WriteMessage frames and writes msg to w
func WriteMessage(w io.Writer, msg Message) error {
	body := NewWriter()
	body.U8(msg.Version.Major).U8(msg.Version.Minor).U8(msg.Version.Patch)
	body.U16(msg.Payload.Tag())
	msg.Payload.encode(body)

	payload := body.Bytes()
	if len(payload) > MaxFrameSize {
		return &ErrProtocolViolation{Cause: fmt.Errorf("frame too large: %d bytes", len(payload))}
	}

	var lenHdr [4]byte
	binary.BigEndian.PutUint32(lenHdr[:], uint32(len(payload)))

	if _, err := w.Write(lenHdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadMessage reads and decodes one frame from r. A length, version,
// or payload decode failure is reported as *ErrProtocolViolation;
// the caller must treat that as fatal and close the connection. An
// unrecognized payload tag is NOT an error: it comes back wrapped in
// *UnknownPayload for the caller to log and discard
func ReadMessage(r io.Reader) (Message, error) {
	var lenHdr [4]byte
	if _, err := io.ReadFull(r, lenHdr[:]); err != nil {
		if err == io.EOF {
			return Message{}, err
		}
		return Message{}, &ErrProtocolViolation{Cause: err}
	}

	length := binary.BigEndian.Uint32(lenHdr[:])
	if length > MaxFrameSize {
		return Message{}, &ErrProtocolViolation{Cause: fmt.Errorf("frame too large: %d bytes", length)}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, &ErrProtocolViolation{Cause: err}
	}

	reader := NewReader(payload)

	var msg Message
	var err error
	if msg.Version.Major, err = reader.U8(); err != nil {
		return Message{}, &ErrProtocolViolation{Cause: err}
	}
	if msg.Version.Minor, err = reader.U8(); err != nil {
		return Message{}, &ErrProtocolViolation{Cause: err}
	}
	if msg.Version.Patch, err = reader.U8(); err != nil {
		return Message{}, &ErrProtocolViolation{Cause: err}
	}

	tag, err := reader.U16()
	if err != nil {
		return Message{}, &ErrProtocolViolation{Cause: err}
	}

	body := payload[len(payload)-reader.Remaining():]
	msg.Payload, err = decodePayload(tag, body)
	if err != nil {
		return Message{}, &ErrProtocolViolation{Cause: err}
	}

	return msg, nil
}
