package bmff

import "github.com/zsiec/beam/internal/bytesio"

func init() {
	register("ftyp", parseFtyp)
	register("styp", parseFtyp)
	register("mdat", parseMdat)
}

// Ftyp is the file type box. Styp shares its layout and is represented by
// the same struct with BoxType set to "styp".
type Ftyp struct {
	BoxType          BoxType
	MajorBrand       BoxType
	MinorVersion     uint32
	CompatibleBrands []BoxType
}

func (b *Ftyp) Type() BoxType {
	if b.BoxType == (BoxType{}) {
		return Type("ftyp")
	}
	return b.BoxType
}
func (b *Ftyp) Size() uint64          { return boxSize(b) }
func (b *Ftyp) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *Ftyp) payloadSize() uint64 { return 8 + 4*uint64(len(b.CompatibleBrands)) }

func (b *Ftyp) muxPayload(w *bytesio.Writer) {
	w.PutBytes(b.MajorBrand[:])
	w.PutU32(b.MinorVersion)
	for _, cb := range b.CompatibleBrands {
		w.PutBytes(cb[:])
	}
}

func parseFtyp(t BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	major, err := c.ReadSlice(4)
	if err != nil {
		return nil, err
	}
	b := &Ftyp{BoxType: t, MajorBrand: BoxType(major)}
	if b.MinorVersion, err = c.ReadU32(); err != nil {
		return nil, err
	}
	for c.Remaining() >= 4 {
		cb, _ := c.ReadSlice(4)
		b.CompatibleBrands = append(b.CompatibleBrands, BoxType(cb))
	}
	return finish(c, b)
}

// Mdat carries sample data.
type Mdat struct {
	Data []byte
}

func (b *Mdat) Type() BoxType                { return Type("mdat") }
func (b *Mdat) Size() uint64                 { return boxSize(b) }
func (b *Mdat) Mux(w *bytesio.Writer)        { muxBox(w, b) }
func (b *Mdat) payloadSize() uint64          { return uint64(len(b.Data)) }
func (b *Mdat) muxPayload(w *bytesio.Writer) { w.PutBytes(b.Data) }

func parseMdat(_ BoxType, data []byte) (Box, error) {
	return &Mdat{Data: data}, nil
}
