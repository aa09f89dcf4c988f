package wire

import (
	"encoding/binary"
	"math"
)

// A Writer appends fixed-width little-endian values to a byte buffer.
type Writer struct {
	buf []byte
}

// NewWriter creates a Writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded bytes.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// PutUint8 appends one byte.
func (w *Writer) PutUint8(v uint8) {
	w.buf = append(w.buf, v)
}

// PutBool appends a bool as one byte.
func (w *Writer) PutBool(v bool) {
	if v {
		w.PutUint8(1)
		return
	}

	w.PutUint8(0)
}

// PutUint16 appends a little-endian uint16.
func (w *Writer) PutUint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

// PutUint32 appends a little-endian uint32.
func (w *Writer) PutUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// PutUint64 appends a little-endian uint64.
func (w *Writer) PutUint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// PutInt64 appends a little-endian int64.
func (w *Writer) PutInt64(v int64) {
	w.PutUint64(uint64(v))
}

// PutFloat64 appends an IEEE 754 float64.
func (w *Writer) PutFloat64(v float64) {
	w.PutUint64(math.Float64bits(v))
}

// PutString appends a length-prefixed string.
func (w *Writer) PutString(s string) {
	w.PutUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// PutBytes appends a length-prefixed byte slice.
func (w *Writer) PutBytes(b []byte) {
	w.PutUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// PutStrings appends a count followed by each string.
func (w *Writer) PutStrings(ss []string) {
	w.PutUint32(uint32(len(ss)))
	for _, s := range ss {
		w.PutString(s)
	}
}

// A Reader consumes values written by a Writer. The first failure is sticky:
// every later read returns a zero value and Err reports the failure.
type Reader struct {
	data []byte
	off  int
	err  error
}

// NewReader creates a Reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Err returns the first error encountered.
func (r *Reader) Err() error {
	return r.err
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

// Fail records err unless an earlier error is already recorded.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Finish reports the sticky error, or an error if unread bytes remain.
func (r *Reader) Finish() error {
	if r.err != nil {
		return r.err
	}

	if r.Remaining() != 0 {
		return errTrailingBytes(r.Remaining())
	}

	return nil
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}

	if n < 0 || r.Remaining() < n {
		r.err = errShortRead(n, r.Remaining())
		return nil
	}

	b := r.data[r.off : r.off+n]
	r.off += n

	return b
}

// Uint8 reads one byte.
func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}

	return b[0]
}

// Bool reads a one-byte bool. Values other than 0 and 1 are malformed.
func (r *Reader) Bool() bool {
	v := r.Uint8()
	if v > 1 {
		r.Fail(errInvalidValue("bool", uint64(v)))
		return false
	}

	return v == 1
}

// Uint16 reads a little-endian uint16.
func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint16(b)
}

// Uint32 reads a little-endian uint32.
func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint32(b)
}

// Uint64 reads a little-endian uint64.
func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint64(b)
}

// Int64 reads a little-endian int64.
func (r *Reader) Int64() int64 {
	return int64(r.Uint64())
}

// Float64 reads an IEEE 754 float64.
func (r *Reader) Float64() float64 {
	return math.Float64frombits(r.Uint64())
}

// Str reads a length-prefixed string.
func (r *Reader) Str() string {
	n := r.Uint32()
	return string(r.take(int(n)))
}

// ByteSlice reads a length-prefixed byte slice. The result is a copy, and
// nil when empty.
func (r *Reader) ByteSlice() []byte {
	n := r.Uint32()

	b := r.take(int(n))
	if len(b) == 0 {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}

// Strings reads a count followed by that many strings. An empty sequence
// reads as nil.
func (r *Reader) Strings() []string {
	n := r.Count(4)
	if n == 0 {
		return nil
	}

	ss := make([]string, 0, n)
	for range n {
		ss = append(ss, r.Str())
	}

	return ss
}

// Count reads a sequence length and checks that the declared number of
// elements, each at least minElemSize bytes long, can fit in what is left.
func (r *Reader) Count(minElemSize int) int {
	n := int(r.Uint32())
	if r.err != nil {
		return 0
	}

	if minElemSize > 0 && n > r.Remaining()/minElemSize {
		r.Fail(errCountTooLarge(n, r.Remaining()))
		return 0
	}

	return n
}
