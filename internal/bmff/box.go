package bmff

import (
	"errors"
	"fmt"
	"math"

	"github.com/zsiec/beam/internal/bytesio"
)

// Sentinel errors for box parsing.
var (
	ErrInvalidSize = errors.New("bmff: invalid box size")
	ErrMissingBox  = errors.New("bmff: missing mandatory child box")
	ErrTrailing    = errors.New("bmff: trailing bytes after box fields")
)

// ParseError records which box failed to parse.
type ParseError struct {
	Box BoxType
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("bmff: parse %s: %v", e.Box, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// BoxType is a four-character box code.
type BoxType [4]byte

// Type returns the BoxType for a four-character string. It panics when s is
// not exactly four bytes long; use it only with constants.
func Type(s string) BoxType {
	if len(s) != 4 {
		panic("bmff: box type must be 4 bytes: " + s)
	}
	return BoxType{s[0], s[1], s[2], s[3]}
}

func (t BoxType) String() string { return string(t[:]) }

// Box is a serializable ISO-BMFF box.
type Box interface {
	Type() BoxType
	// Size is the full serialized size including the header.
	Size() uint64
	// Mux appends the serialized box to w.
	Mux(w *bytesio.Writer)
}

// payload is implemented by every box defined in this package; the header
// is derived from it.
type payload interface {
	Type() BoxType
	payloadSize() uint64
	muxPayload(w *bytesio.Writer)
}

func boxSize(p payload) uint64 {
	n := p.payloadSize()
	if n+8 > math.MaxUint32 {
		return n + 16
	}
	return n + 8
}

func muxBox(w *bytesio.Writer, p payload) {
	n := p.payloadSize()
	t := p.Type()
	if n+8 > math.MaxUint32 {
		w.PutU32(1)
		w.PutBytes(t[:])
		w.PutU64(n + 16)
	} else {
		w.PutU32(uint32(n + 8))
		w.PutBytes(t[:])
	}
	p.muxPayload(w)
}

// Encode serializes boxes into a single buffer.
func Encode(boxes ...Box) []byte {
	var total uint64
	for _, b := range boxes {
		total += b.Size()
	}
	w := bytesio.NewWriter(int(total))
	for _, b := range boxes {
		b.Mux(w)
	}
	return w.Bytes()
}

func sizeOf(boxes []Box) uint64 {
	var n uint64
	for _, b := range boxes {
		n += b.Size()
	}
	return n
}

func muxAll(w *bytesio.Writer, boxes []Box) {
	for _, b := range boxes {
		b.Mux(w)
	}
}

// Unknown holds a box this package does not interpret.
type Unknown struct {
	BoxType BoxType
	Data    []byte
}

func (b *Unknown) Type() BoxType                { return b.BoxType }
func (b *Unknown) Size() uint64                 { return boxSize(b) }
func (b *Unknown) Mux(w *bytesio.Writer)        { muxBox(w, b) }
func (b *Unknown) payloadSize() uint64          { return uint64(len(b.Data)) }
func (b *Unknown) muxPayload(w *bytesio.Writer) { w.PutBytes(b.Data) }

type parseFunc func(t BoxType, data []byte) (Box, error)

var parsers = map[BoxType]parseFunc{}

func register(name string, f parseFunc) {
	parsers[Type(name)] = f
}

// Header is a parsed box header.
type Header struct {
	Type BoxType
	// Size is the full box size including the header.
	Size uint64
	// HeaderSize is 8, or 16 when a 64-bit largesize is used.
	HeaderSize int
}

// ReadHeader parses a box header at the cursor. A size of 0 means the box
// extends to the end of the buffer.
func ReadHeader(c *bytesio.Cursor) (Header, error) {
	start := c.Remaining()
	size32, err := c.ReadU32()
	if err != nil {
		return Header{}, err
	}
	tb, err := c.ReadSlice(4)
	if err != nil {
		return Header{}, err
	}
	h := Header{Type: BoxType{tb[0], tb[1], tb[2], tb[3]}, Size: uint64(size32), HeaderSize: 8}
	switch size32 {
	case 0:
		h.Size = uint64(start)
	case 1:
		if h.Size, err = c.ReadU64(); err != nil {
			return Header{}, err
		}
		h.HeaderSize = 16
	}
	if h.Size < uint64(h.HeaderSize) || h.Size > uint64(start) {
		return Header{}, &ParseError{Box: h.Type, Err: fmt.Errorf("%w: %d of %d bytes", ErrInvalidSize, h.Size, start)}
	}
	return h, nil
}

// finish returns b when the cursor has consumed the whole box body.
func finish(c *bytesio.Cursor, b Box) (Box, error) {
	if n := c.Remaining(); n != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailing, n)
	}
	return b, nil
}

// ReadBox parses one box at the cursor and advances past it.
func ReadBox(c *bytesio.Cursor) (Box, error) {
	h, err := ReadHeader(c)
	if err != nil {
		return nil, err
	}
	data, _ := c.ReadSlice(int(h.Size) - h.HeaderSize)
	parse, ok := parsers[h.Type]
	if !ok {
		return &Unknown{BoxType: h.Type, Data: data}, nil
	}
	b, err := parse(h.Type, data)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, &ParseError{Box: h.Type, Err: err}
	}
	return b, nil
}

// ReadBoxes parses consecutive boxes until data is exhausted.
func ReadBoxes(data []byte) ([]Box, error) {
	c := bytesio.NewCursor(data)
	var boxes []Box
	for c.Remaining() > 0 {
		b, err := ReadBox(c)
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, b)
	}
	return boxes, nil
}

func missing(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingBox, name)
}

// fullHeader is the version and flags prefix of a FullBox.
func readFullHeader(c *bytesio.Cursor) (version uint8, flags uint32, err error) {
	v, err := c.ReadU32()
	if err != nil {
		return 0, 0, err
	}
	return uint8(v >> 24), v & 0x00FFFFFF, nil
}

func putFullHeader(w *bytesio.Writer, version uint8, flags uint32) {
	w.PutU32(uint32(version)<<24 | flags&0x00FFFFFF)
}

// needsV1 reports whether any value requires the 64-bit layout of a
// versioned box.
func needsV1(vals ...uint64) bool {
	for _, v := range vals {
		if v > math.MaxUint32 {
			return true
		}
	}
	return false
}

// readVersioned reads a uint32 for version 0 and a uint64 for version 1.
func readVersioned(c *bytesio.Cursor, version uint8) (uint64, error) {
	if version == 1 {
		return c.ReadU64()
	}
	v, err := c.ReadU32()
	return uint64(v), err
}

func putVersioned(w *bytesio.Writer, v1 bool, v uint64) {
	if v1 {
		w.PutU64(v)
	} else {
		w.PutU32(uint32(v))
	}
}

// unityMatrix is the identity transformation matrix in 16.16/2.30 fixed point.
var unityMatrix = [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

func readMatrix(c *bytesio.Cursor) ([9]int32, error) {
	var m [9]int32
	for i := range m {
		v, err := c.ReadU32()
		if err != nil {
			return m, err
		}
		m[i] = int32(v)
	}
	return m, nil
}

func putMatrix(w *bytesio.Writer, m [9]int32) {
	for _, v := range m {
		w.PutU32(uint32(v))
	}
}
