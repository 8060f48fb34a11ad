package bmff

import (
	"fmt"

	"github.com/zsiec/beam/internal/bytesio"
)

func init() {
	register("stbl", parseStbl)
	register("stsd", parseStsd)
	register("stts", parseStts)
	register("stsc", parseStsc)
	register("stsz", parseStsz)
	register("stco", parseStco)
}

// Stbl is the sample table box. In a fragmented init segment the tables are
// present but empty.
type Stbl struct {
	Stsd    *Stsd
	Stts    *Stts
	Stsc    *Stsc
	Stsz    *Stsz
	Stco    *Stco
	Unknown []Box
}

// NewStbl returns a sample table with the given sample entry and empty
// timing, chunk and size tables.
func NewStbl(entry Box) *Stbl {
	return &Stbl{
		Stsd: &Stsd{Entries: []Box{entry}},
		Stts: &Stts{},
		Stsc: &Stsc{},
		Stsz: &Stsz{},
		Stco: &Stco{},
	}
}

func (b *Stbl) Type() BoxType         { return Type("stbl") }
func (b *Stbl) Size() uint64          { return boxSize(b) }
func (b *Stbl) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *Stbl) children() []Box {
	out := make([]Box, 0, 5+len(b.Unknown))
	if b.Stsd != nil {
		out = append(out, b.Stsd)
	}
	if b.Stts != nil {
		out = append(out, b.Stts)
	}
	if b.Stsc != nil {
		out = append(out, b.Stsc)
	}
	if b.Stsz != nil {
		out = append(out, b.Stsz)
	}
	if b.Stco != nil {
		out = append(out, b.Stco)
	}
	return append(out, b.Unknown...)
}

func (b *Stbl) payloadSize() uint64          { return sizeOf(b.children()) }
func (b *Stbl) muxPayload(w *bytesio.Writer) { muxAll(w, b.children()) }

func parseStbl(_ BoxType, data []byte) (Box, error) {
	children, err := ReadBoxes(data)
	if err != nil {
		return nil, err
	}
	b := &Stbl{}
	for _, child := range children {
		switch v := child.(type) {
		case *Stsd:
			b.Stsd = v
		case *Stts:
			b.Stts = v
		case *Stsc:
			b.Stsc = v
		case *Stsz:
			b.Stsz = v
		case *Stco:
			b.Stco = v
		default:
			b.Unknown = append(b.Unknown, v)
		}
	}
	switch {
	case b.Stsd == nil:
		return nil, missing("stsd")
	case b.Stts == nil:
		return nil, missing("stts")
	case b.Stsc == nil:
		return nil, missing("stsc")
	case b.Stsz == nil:
		return nil, missing("stsz")
	case b.Stco == nil:
		return nil, missing("stco")
	}
	return b, nil
}

// Stsd is the sample description box.
type Stsd struct {
	Entries []Box
}

func (b *Stsd) Type() BoxType         { return Type("stsd") }
func (b *Stsd) Size() uint64          { return boxSize(b) }
func (b *Stsd) Mux(w *bytesio.Writer) { muxBox(w, b) }
func (b *Stsd) payloadSize() uint64   { return 8 + sizeOf(b.Entries) }

func (b *Stsd) muxPayload(w *bytesio.Writer) {
	putFullHeader(w, 0, 0)
	w.PutU32(uint32(len(b.Entries)))
	muxAll(w, b.Entries)
}

func parseStsd(_ BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	if _, _, err := readFullHeader(c); err != nil {
		return nil, err
	}
	count, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	entries, err := ReadBoxes(c.Rest())
	if err != nil {
		return nil, err
	}
	if uint32(len(entries)) != count {
		return nil, fmt.Errorf("%w: stsd declares %d entries, found %d", ErrInvalidSize, count, len(entries))
	}
	return &Stsd{Entries: entries}, nil
}

// SttsEntry is one run of samples sharing a decode delta.
type SttsEntry struct {
	SampleCount uint32
	SampleDelta uint32
}

// Stts is the decoding time-to-sample box.
type Stts struct {
	Entries []SttsEntry
}

func (b *Stts) Type() BoxType         { return Type("stts") }
func (b *Stts) Size() uint64          { return boxSize(b) }
func (b *Stts) Mux(w *bytesio.Writer) { muxBox(w, b) }
func (b *Stts) payloadSize() uint64   { return 8 + 8*uint64(len(b.Entries)) }

func (b *Stts) muxPayload(w *bytesio.Writer) {
	putFullHeader(w, 0, 0)
	w.PutU32(uint32(len(b.Entries)))
	for _, e := range b.Entries {
		w.PutU32(e.SampleCount)
		w.PutU32(e.SampleDelta)
	}
}

func parseStts(_ BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	if _, _, err := readFullHeader(c); err != nil {
		return nil, err
	}
	count, err := readEntryCount(c, 8)
	if err != nil {
		return nil, err
	}
	b := &Stts{}
	for i := uint32(0); i < count; i++ {
		n, _ := c.ReadU32()
		d, _ := c.ReadU32()
		b.Entries = append(b.Entries, SttsEntry{SampleCount: n, SampleDelta: d})
	}
	return finish(c, b)
}

// readEntryCount reads a table entry count and checks that the remaining
// bytes can hold that many entries of entrySize bytes.
func readEntryCount(c *bytesio.Cursor, entrySize int) (uint32, error) {
	count, err := c.ReadU32()
	if err != nil {
		return 0, err
	}
	if uint64(count)*uint64(entrySize) > uint64(c.Remaining()) {
		return 0, fmt.Errorf("%w: %d entries in %d bytes", ErrInvalidSize, count, c.Remaining())
	}
	return count, nil
}

// StscEntry maps a run of chunks to a samples-per-chunk count.
type StscEntry struct {
	FirstChunk             uint32
	SamplesPerChunk        uint32
	SampleDescriptionIndex uint32
}

// Stsc is the sample-to-chunk box.
type Stsc struct {
	Entries []StscEntry
}

func (b *Stsc) Type() BoxType         { return Type("stsc") }
func (b *Stsc) Size() uint64          { return boxSize(b) }
func (b *Stsc) Mux(w *bytesio.Writer) { muxBox(w, b) }
func (b *Stsc) payloadSize() uint64   { return 8 + 12*uint64(len(b.Entries)) }

func (b *Stsc) muxPayload(w *bytesio.Writer) {
	putFullHeader(w, 0, 0)
	w.PutU32(uint32(len(b.Entries)))
	for _, e := range b.Entries {
		w.PutU32(e.FirstChunk)
		w.PutU32(e.SamplesPerChunk)
		w.PutU32(e.SampleDescriptionIndex)
	}
}

func parseStsc(_ BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	if _, _, err := readFullHeader(c); err != nil {
		return nil, err
	}
	count, err := readEntryCount(c, 12)
	if err != nil {
		return nil, err
	}
	b := &Stsc{}
	for i := uint32(0); i < count; i++ {
		var e StscEntry
		e.FirstChunk, _ = c.ReadU32()
		e.SamplesPerChunk, _ = c.ReadU32()
		e.SampleDescriptionIndex, _ = c.ReadU32()
		b.Entries = append(b.Entries, e)
	}
	return finish(c, b)
}

// Stsz is the sample size box. When SampleSize is non-zero every sample has
// that size and EntrySizes is empty; otherwise EntrySizes lists each sample.
type Stsz struct {
	SampleSize  uint32
	SampleCount uint32
	EntrySizes  []uint32
}

func (b *Stsz) Type() BoxType         { return Type("stsz") }
func (b *Stsz) Size() uint64          { return boxSize(b) }
func (b *Stsz) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *Stsz) payloadSize() uint64 {
	if b.SampleSize != 0 {
		return 12
	}
	return 12 + 4*uint64(len(b.EntrySizes))
}

func (b *Stsz) muxPayload(w *bytesio.Writer) {
	putFullHeader(w, 0, 0)
	w.PutU32(b.SampleSize)
	if b.SampleSize != 0 {
		w.PutU32(b.SampleCount)
		return
	}
	w.PutU32(uint32(len(b.EntrySizes)))
	for _, s := range b.EntrySizes {
		w.PutU32(s)
	}
}

func parseStsz(_ BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	if _, _, err := readFullHeader(c); err != nil {
		return nil, err
	}
	b := &Stsz{}
	var err error
	if b.SampleSize, err = c.ReadU32(); err != nil {
		return nil, err
	}
	if b.SampleSize != 0 {
		if b.SampleCount, err = c.ReadU32(); err != nil {
			return nil, err
		}
		if c.Remaining() != 0 {
			return nil, fmt.Errorf("%w: stsz has a sample size and %d bytes of entries", ErrTrailing, c.Remaining())
		}
		return b, nil
	}
	count, err := readEntryCount(c, 4)
	if err != nil {
		return nil, err
	}
	b.SampleCount = count
	for i := uint32(0); i < count; i++ {
		s, _ := c.ReadU32()
		b.EntrySizes = append(b.EntrySizes, s)
	}
	return finish(c, b)
}

// Stco is the 32-bit chunk offset box.
type Stco struct {
	ChunkOffsets []uint32
}

func (b *Stco) Type() BoxType         { return Type("stco") }
func (b *Stco) Size() uint64          { return boxSize(b) }
func (b *Stco) Mux(w *bytesio.Writer) { muxBox(w, b) }
func (b *Stco) payloadSize() uint64   { return 8 + 4*uint64(len(b.ChunkOffsets)) }

func (b *Stco) muxPayload(w *bytesio.Writer) {
	putFullHeader(w, 0, 0)
	w.PutU32(uint32(len(b.ChunkOffsets)))
	for _, o := range b.ChunkOffsets {
		w.PutU32(o)
	}
}

func parseStco(_ BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	if _, _, err := readFullHeader(c); err != nil {
		return nil, err
	}
	count, err := readEntryCount(c, 4)
	if err != nil {
		return nil, err
	}
	b := &Stco{}
	for i := uint32(0); i < count; i++ {
		o, _ := c.ReadU32()
		b.ChunkOffsets = append(b.ChunkOffsets, o)
	}
	return finish(c, b)
}
