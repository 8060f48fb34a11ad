package bytesio

import (
	"encoding/binary"
	"errors"
)

// ErrEOF is returned when a read requests more bytes or bits than remain.
var ErrEOF = errors.New("bytesio: unexpected end of buffer")

// Cursor reads big- and little-endian fields from a byte slice.
type Cursor struct {
	buf []byte
	pos int
}

// NewCursor returns a Cursor positioned at the start of buf.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Remaining reports how many unread bytes are left.
func (c *Cursor) Remaining() int { return len(c.buf) - c.pos }

// Pos returns the current read offset.
func (c *Cursor) Pos() int { return c.pos }

// Rest returns the unread tail without advancing.
func (c *Cursor) Rest() []byte { return c.buf[c.pos:] }

// Peek returns the next n bytes without advancing.
func (c *Cursor) Peek(n int) ([]byte, error) {
	if n < 0 || n > c.Remaining() {
		return nil, ErrEOF
	}
	return c.buf[c.pos : c.pos+n], nil
}

// ReadSlice returns the next n bytes as a sub-slice of the buffer.
func (c *Cursor) ReadSlice(n int) ([]byte, error) {
	b, err := c.Peek(n)
	if err != nil {
		return nil, err
	}
	c.pos += n
	return b, nil
}

// Skip advances past n bytes.
func (c *Cursor) Skip(n int) error {
	_, err := c.ReadSlice(n)
	return err
}

// ReadU8 reads one byte.
func (c *Cursor) ReadU8() (uint8, error) {
	if c.Remaining() < 1 {
		return 0, ErrEOF
	}
	v := c.buf[c.pos]
	c.pos++
	return v, nil
}

// ReadU16 reads a big-endian uint16.
func (c *Cursor) ReadU16() (uint16, error) {
	b, err := c.ReadSlice(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadU24 reads a big-endian 24-bit unsigned integer.
func (c *Cursor) ReadU24() (uint32, error) {
	b, err := c.ReadSlice(3)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

// ReadI24 reads a big-endian signed 24-bit integer (FLV composition time).
func (c *Cursor) ReadI24() (int32, error) {
	v, err := c.ReadU24()
	if err != nil {
		return 0, err
	}
	return int32(v<<8) >> 8, nil
}

// ReadU32 reads a big-endian uint32.
func (c *Cursor) ReadU32() (uint32, error) {
	b, err := c.ReadSlice(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadU32LE reads a little-endian uint32 (RTMP message stream id).
func (c *Cursor) ReadU32LE() (uint32, error) {
	b, err := c.ReadSlice(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadU64 reads a big-endian uint64.
func (c *Cursor) ReadU64() (uint64, error) {
	b, err := c.ReadSlice(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}
