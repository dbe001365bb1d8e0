package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/c360/duplexbus/errors"
)

// DefaultMaxPayloadSize bounds every length prefix read from the wire.
const DefaultMaxPayloadSize = 16 << 20

// Payload type tags.
const (
	PayloadNone   byte = 0
	PayloadBytes  byte = 10
	PayloadString byte = 20
)

// ParseByteOrder maps "little" or "big" to a binary.ByteOrder. The empty string
// selects little endian.
func ParseByteOrder(name string) (binary.ByteOrder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "little", "little-endian", "le":
		return binary.LittleEndian, nil
	case "big", "big-endian", "be":
		return binary.BigEndian, nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: byte order %q", errors.ErrInvalidConfig, name),
			"protocol", "ParseByteOrder", "parse byte order")
	}
}

// Writer accumulates length-prefixed primitives. The first failure sticks and is
// returned by Bytes.
type Writer struct {
	buf     bytes.Buffer
	order   binary.ByteOrder
	maxSize int
	err     error
}

// NewWriter returns a Writer using order for numeric fields. A nil order selects
// little endian and a non-positive maxSize selects DefaultMaxPayloadSize.
// Strings and byte slices longer than maxSize are rejected with
// errors.ErrFrameTooLarge, matching what a Reader with the same limit accepts.
func NewWriter(order binary.ByteOrder, maxSize int) *Writer {
	if order == nil {
		order = binary.LittleEndian
	}
	switch {
	case maxSize <= 0:
		maxSize = DefaultMaxPayloadSize
	case maxSize > math.MaxInt32:
		maxSize = math.MaxInt32
	}
	return &Writer{order: order, maxSize: maxSize}
}

// WriteByte appends a single byte.
func (w *Writer) WriteByte(b byte) error {
	if w.err != nil {
		return w.err
	}
	return w.buf.WriteByte(b)
}

// WriteInt32 appends a fixed-width signed integer.
func (w *Writer) WriteInt32(v int32) {
	if w.err != nil {
		return
	}
	var tmp [4]byte
	w.order.PutUint32(tmp[:], uint32(v))
	w.buf.Write(tmp[:])
}

// writeLength appends a length prefix after checking it against the limit.
func (w *Writer) writeLength(n int) bool {
	if w.err != nil {
		return false
	}
	if n > w.maxSize {
		w.err = errors.WrapInvalid(
			fmt.Errorf("%w: %d > %d", errors.ErrFrameTooLarge, n, w.maxSize),
			"protocol", "Write", "check length")
		return false
	}
	w.WriteInt32(int32(n))
	return true
}

// WriteString appends a length-prefixed UTF-8 string.
func (w *Writer) WriteString(s string) {
	if w.writeLength(len(s)) {
		w.buf.WriteString(s)
	}
}

// WriteBytes appends a length-prefixed byte slice.
func (w *Writer) WriteBytes(b []byte) {
	if w.writeLength(len(b)) {
		w.buf.Write(b)
	}
}

// WritePayload appends a payload type tag followed by the payload. Only []byte,
// string and nil are supported.
func (w *Writer) WritePayload(payload any) {
	if w.err != nil {
		return
	}
	switch p := payload.(type) {
	case nil:
		_ = w.WriteByte(PayloadNone)
	case []byte:
		_ = w.WriteByte(PayloadBytes)
		w.WriteBytes(p)
	case string:
		_ = w.WriteByte(PayloadString)
		w.WriteString(p)
	default:
		w.err = errors.WrapInvalid(
			fmt.Errorf("%w: %T", errors.ErrUnsupportedPayload, payload),
			"protocol", "WritePayload", "encode payload")
	}
}

// Bytes returns the encoded bytes or the first error recorded.
func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

// Reader reads the primitives written by Writer.
type Reader struct {
	r       io.Reader
	order   binary.ByteOrder
	maxSize int
}

// NewReader wraps r. A nil order selects little endian and a non-positive maxSize
// selects DefaultMaxPayloadSize.
func NewReader(r io.Reader, order binary.ByteOrder, maxSize int) *Reader {
	if order == nil {
		order = binary.LittleEndian
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxPayloadSize
	}
	return &Reader{r: r, order: order, maxSize: maxSize}
}

// ReadByte reads one byte. A clean end of stream is reported as io.EOF.
func (r *Reader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadInt32 reads a fixed-width signed integer.
func (r *Reader) ReadInt32() (int32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r.r, tmp[:]); err != nil {
		return 0, truncated(err)
	}
	return int32(r.order.Uint32(tmp[:])), nil
}

func (r *Reader) readLength() (int, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.Protocolf("protocol", "Read", "negative length %d", n)
	}
	if int(n) > r.maxSize {
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: %d > %d", errors.ErrFrameTooLarge, n, r.maxSize),
			"protocol", "Read", "check length")
	}
	return int(n), nil
}

// ReadBytes reads a length-prefixed byte slice. Empty slices decode as non-nil.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.readLength()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, truncated(err)
	}
	return buf, nil
}

// ReadString reads a length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadPayload reads a payload written by WritePayload.
func (r *Reader) ReadPayload() (any, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, truncated(err)
	}
	switch tag {
	case PayloadNone:
		return nil, nil
	case PayloadBytes:
		return r.ReadBytes()
	case PayloadString:
		return r.ReadString()
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: tag %d", errors.ErrUnsupportedPayload, tag),
			"protocol", "ReadPayload", "decode payload")
	}
}

// truncated turns an end of stream inside a frame into a protocol error.
func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.Protocolf("protocol", "Read", "truncated frame")
	}
	return err
}
