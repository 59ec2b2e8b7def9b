/* usbshare - share physical USB devices over the network
 *
 * Low-level tagged-binary primitives used by the payload catalogue.
 * Everything here is big-endian and length-prefixed so a newer minor
 * version can append fields or variants without breaking older
 * decoders (see decodePayload in messages.go)
 */

package protocol

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated is returned by Reader methods when the underlying
// buffer runs out before a field is fully read
var ErrTruncated = errors.New("protocol: truncated message")

// Writer accumulates an encoded payload
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated buffer
func (w *Writer) Bytes() []byte { return w.buf }

// U8 appends a single byte
func (w *Writer) U8(v byte) *Writer {
	w.buf = append(w.buf, v)
	return w
}

// Bool appends a byte-encoded boolean
func (w *Writer) Bool(v bool) *Writer {
	if v {
		return w.U8(1)
	}
	return w.U8(0)
}

// U16 appends a big-endian uint16
func (w *Writer) U16(v uint16) *Writer {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

// U32 appends a big-endian uint32
func (w *Writer) U32(v uint32) *Writer {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

// U64 appends a big-endian uint64
func (w *Writer) U64(v uint64) *Writer {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

// I32 appends a big-endian int32
func (w *Writer) I32(v int32) *Writer { return w.U32(uint32(v)) }

// BytesField appends a u32-length-prefixed byte slice
func (w *Writer) BytesField(v []byte) *Writer {
	w.U32(uint32(len(v)))
	w.buf = append(w.buf, v...)
	return w
}

// Str appends a u16-length-prefixed UTF-8 string
func (w *Writer) Str(v string) *Writer {
	w.U16(uint16(len(v)))
	w.buf = append(w.buf, v...)
	return w
}

// StrSlice appends a u16-length-prefixed slice of strings
func (w *Writer) StrSlice(v []string) *Writer {
	w.U16(uint16(len(v)))
	for _, s := range v {
		w.Str(s)
	}
	return w
}

// Reader consumes an encoded payload in the same order it was written
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for reading
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// Remaining reports how many bytes are left unread
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return ErrTruncated
	}
	return nil
}

// U8 reads a single byte
func (r *Reader) U8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// Bool reads a byte-encoded boolean
func (r *Reader) Bool() (bool, error) {
	v, err := r.U8()
	return v != 0, err
}

// U16 reads a big-endian uint16
func (r *Reader) U16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// U32 reads a big-endian uint32
func (r *Reader) U32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// U64 reads a big-endian uint64
func (r *Reader) U64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// I32 reads a big-endian int32
func (r *Reader) I32() (int32, error) {
	v, err := r.U32()
	return int32(v), err
}

// BytesField reads a u32-length-prefixed byte slice
func (r *Reader) BytesField() ([]byte, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	v := make([]byte, n)
	copy(v, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return v, nil
}

// Str reads a u16-length-prefixed UTF-8 string
func (r *Reader) Str() (string, error) {
	n, err := r.U16()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	v := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return v, nil
}

// StrSlice reads a u16-length-prefixed slice of strings
func (r *Reader) StrSlice() ([]string, error) {
	n, err := r.U16()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		out[i], err = r.Str()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
