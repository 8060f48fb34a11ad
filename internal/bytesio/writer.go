package bytesio

import "encoding/binary"

// Writer appends big- and little-endian fields to a growing byte slice.
// The zero value is ready to use.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with capacity preallocated for size bytes.
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

// Bytes returns the written bytes. The slice aliases the writer's buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// PutU8 appends one byte.
func (w *Writer) PutU8(v uint8) { w.buf = append(w.buf, v) }

// PutU16 appends a big-endian uint16.
func (w *Writer) PutU16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

// PutU24 appends the low 24 bits of v, big-endian.
func (w *Writer) PutU24(v uint32) { w.buf = append(w.buf, byte(v>>16), byte(v>>8), byte(v)) }

// PutU32 appends a big-endian uint32.
func (w *Writer) PutU32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

// PutU32LE appends a little-endian uint32.
func (w *Writer) PutU32LE(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

// PutU64 appends a big-endian uint64.
func (w *Writer) PutU64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

// PutBytes appends b verbatim.
func (w *Writer) PutBytes(b []byte) { w.buf = append(w.buf, b...) }

// PutZeros appends n zero bytes.
func (w *Writer) PutZeros(n int) {
	for i := 0; i < n; i++ {
		w.buf = append(w.buf, 0)
	}
}

// SetU32 overwrites a big-endian uint32 at offset off, which must already
// have been written.
func (w *Writer) SetU32(off int, v uint32) { binary.BigEndian.PutUint32(w.buf[off:], v) }
