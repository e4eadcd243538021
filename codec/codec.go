package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"
	"github.com/opd-ai/kiribi/crypto"
)

var (
	// ErrShortBuffer is returned when a Reader runs out of input mid-field.
	ErrShortBuffer = errors.New("codec: short buffer")

	// ErrFieldTooLarge is returned when a length prefix exceeds the configured maximum.
	ErrFieldTooLarge = errors.New("codec: field too large")
)

// DefaultMaxField bounds length-prefixed fields decoded by a Reader.
const DefaultMaxField = 1 << 20

// Encodable is implemented by values that can write themselves to a Writer.
type Encodable interface {
	Encode(w *Writer)
}

// Decodable is implemented by values that can populate themselves from a Reader.
type Decodable interface {
	Decode(r *Reader) error
}

// Writer accumulates an encoded message.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with room for size bytes.
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

// Encode is a convenience that encodes e into a fresh byte slice.
func Encode(e Encodable) []byte {
	w := NewWriter(64)
	e.Encode(w)
	return w.Bytes()
}

func (w *Writer) PutByte(b byte) *Writer {
	w.buf = append(w.buf, b)
	return w
}

func (w *Writer) PutBool(v bool) *Writer {
	if v {
		return w.PutByte(1)
	}
	return w.PutByte(0)
}

func (w *Writer) PutUvarint(v uint64) *Writer {
	w.buf = append(w.buf, varint.ToUvarint(v)...)
	return w
}

func (w *Writer) PutUint32(v uint32) *Writer {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) PutUint64(v uint64) *Writer {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
	return w
}

func (w *Writer) PutInt64(v int64) *Writer {
	return w.PutUint64(uint64(v))
}

// PutBytes writes a uvarint length followed by b.
func (w *Writer) PutBytes(b []byte) *Writer {
	w.PutUvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
	return w
}

// PutRaw appends b without a length prefix.
func (w *Writer) PutRaw(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

func (w *Writer) PutString(s string) *Writer {
	return w.PutBytes([]byte(s))
}

func (w *Writer) PutAddress(a crypto.Address) *Writer {
	return w.PutRaw(a[:])
}

// Put writes a nested value.
func (w *Writer) Put(e Encodable) *Writer {
	e.Encode(w)
	return w
}

// Bytes returns the encoded message.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Reader decodes a message produced by a Writer.
type Reader struct {
	buf      []byte
	off      int
	maxField int
}

// NewReader returns a Reader over b limiting fields to DefaultMaxField.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b, maxField: DefaultMaxField}
}

// Decode is a convenience that decodes b into d.
func Decode(b []byte, d Decodable) error {
	return d.Decode(NewReader(b))
}

// SetMaxField changes the maximum accepted length prefix.
func (r *Reader) SetMaxField(n int) {
	r.maxField = n
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, n, r.Remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) Byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Bool() (bool, error) {
	b, err := r.Byte()
	return b != 0, err
}

func (r *Reader) Uvarint() (uint64, error) {
	v, n, err := varint.FromUvarint(r.buf[r.off:])
	if err != nil {
		return 0, fmt.Errorf("codec: read uvarint: %w", err)
	}
	r.off += n
	return v, nil
}

func (r *Reader) Uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) Uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

// Bytes reads a uvarint length prefixed field. The result is a copy.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.maxField) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFieldTooLarge, n, r.maxField)
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Rest returns a copy of every unread byte.
func (r *Reader) Rest() []byte {
	out := make([]byte, r.Remaining())
	copy(out, r.buf[r.off:])
	r.off = len(r.buf)
	return out
}

func (r *Reader) Text() (string, error) {
	b, err := r.Bytes()
	return string(b), err
}

func (r *Reader) Address() (crypto.Address, error) {
	b, err := r.take(crypto.AddressSize)
	if err != nil {
		return crypto.NullAddress, err
	}
	return crypto.AddressFromBytes(b)
}

// Get decodes a nested value.
func (r *Reader) Get(d Decodable) error {
	return d.Decode(r)
}
