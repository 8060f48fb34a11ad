package bmff

import (
	"fmt"

	"github.com/zsiec/beam/internal/bytesio"
)

func init() {
	register("moov", parseMoov)
	register("mvhd", parseMvhd)
	register("trak", parseTrak)
	register("tkhd", parseTkhd)
	register("mdia", parseMdia)
	register("mdhd", parseMdhd)
	register("hdlr", parseHdlr)
	register("minf", parseMinf)
	register("vmhd", parseVmhd)
	register("smhd", parseSmhd)
	register("dinf", parseDinf)
	register("dref", parseDref)
	register("url ", parseURL)
}

// Moov is the movie box.
type Moov struct {
	Mvhd    *Mvhd
	Traks   []*Trak
	Mvex    *Mvex
	Unknown []Box
}

func (b *Moov) Type() BoxType         { return Type("moov") }
func (b *Moov) Size() uint64          { return boxSize(b) }
func (b *Moov) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *Moov) children() []Box {
	out := make([]Box, 0, 2+len(b.Traks)+len(b.Unknown))
	if b.Mvhd != nil {
		out = append(out, b.Mvhd)
	}
	for _, t := range b.Traks {
		out = append(out, t)
	}
	if b.Mvex != nil {
		out = append(out, b.Mvex)
	}
	return append(out, b.Unknown...)
}

func (b *Moov) payloadSize() uint64          { return sizeOf(b.children()) }
func (b *Moov) muxPayload(w *bytesio.Writer) { muxAll(w, b.children()) }

// Track returns the trak with the given track ID, or nil.
func (b *Moov) Track(id uint32) *Trak {
	for _, t := range b.Traks {
		if t.Tkhd != nil && t.Tkhd.TrackID == id {
			return t
		}
	}
	return nil
}

func parseMoov(_ BoxType, data []byte) (Box, error) {
	children, err := ReadBoxes(data)
	if err != nil {
		return nil, err
	}
	b := &Moov{}
	for _, child := range children {
		switch v := child.(type) {
		case *Mvhd:
			b.Mvhd = v
		case *Trak:
			b.Traks = append(b.Traks, v)
		case *Mvex:
			b.Mvex = v
		default:
			b.Unknown = append(b.Unknown, v)
		}
	}
	if b.Mvhd == nil {
		return nil, missing("mvhd")
	}
	return b, nil
}

// Mvhd is the movie header. Version 1 is written automatically when a time
// value does not fit 32 bits.
type Mvhd struct {
	CreationTime     uint64
	ModificationTime uint64
	Timescale        uint32
	Duration         uint64
	Rate             int32 // 16.16, 0x00010000 is normal speed
	Volume           int16 // 8.8, 0x0100 is full volume
	Matrix           [9]int32
	NextTrackID      uint32
}

// NewMvhd returns a movie header with default rate, volume and matrix.
func NewMvhd(timescale, nextTrackID uint32) *Mvhd {
	return &Mvhd{
		Timescale:   timescale,
		Rate:        0x00010000,
		Volume:      0x0100,
		Matrix:      unityMatrix,
		NextTrackID: nextTrackID,
	}
}

func (b *Mvhd) Type() BoxType         { return Type("mvhd") }
func (b *Mvhd) Size() uint64          { return boxSize(b) }
func (b *Mvhd) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *Mvhd) v1() bool { return needsV1(b.CreationTime, b.ModificationTime, b.Duration) }

func (b *Mvhd) payloadSize() uint64 {
	if b.v1() {
		return 4 + 28 + 80
	}
	return 4 + 16 + 80
}

func (b *Mvhd) muxPayload(w *bytesio.Writer) {
	v1 := b.v1()
	var version uint8
	if v1 {
		version = 1
	}
	putFullHeader(w, version, 0)
	putVersioned(w, v1, b.CreationTime)
	putVersioned(w, v1, b.ModificationTime)
	w.PutU32(b.Timescale)
	putVersioned(w, v1, b.Duration)
	w.PutU32(uint32(b.Rate))
	w.PutU16(uint16(b.Volume))
	w.PutZeros(10)
	putMatrix(w, b.Matrix)
	w.PutZeros(24) // pre_defined
	w.PutU32(b.NextTrackID)
}

func parseMvhd(_ BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	version, _, err := readFullHeader(c)
	if err != nil {
		return nil, err
	}
	b := &Mvhd{}
	if b.CreationTime, err = readVersioned(c, version); err != nil {
		return nil, err
	}
	if b.ModificationTime, err = readVersioned(c, version); err != nil {
		return nil, err
	}
	if b.Timescale, err = c.ReadU32(); err != nil {
		return nil, err
	}
	if b.Duration, err = readVersioned(c, version); err != nil {
		return nil, err
	}
	rate, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	b.Rate = int32(rate)
	vol, err := c.ReadU16()
	if err != nil {
		return nil, err
	}
	b.Volume = int16(vol)
	if err := c.Skip(10); err != nil {
		return nil, err
	}
	if b.Matrix, err = readMatrix(c); err != nil {
		return nil, err
	}
	if err := c.Skip(24); err != nil {
		return nil, err
	}
	if b.NextTrackID, err = c.ReadU32(); err != nil {
		return nil, err
	}
	return finish(c, b)
}

// Trak is a track box.
type Trak struct {
	Tkhd    *Tkhd
	Mdia    *Mdia
	Unknown []Box
}

func (b *Trak) Type() BoxType         { return Type("trak") }
func (b *Trak) Size() uint64          { return boxSize(b) }
func (b *Trak) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *Trak) children() []Box {
	out := make([]Box, 0, 2+len(b.Unknown))
	if b.Tkhd != nil {
		out = append(out, b.Tkhd)
	}
	if b.Mdia != nil {
		out = append(out, b.Mdia)
	}
	return append(out, b.Unknown...)
}

func (b *Trak) payloadSize() uint64          { return sizeOf(b.children()) }
func (b *Trak) muxPayload(w *bytesio.Writer) { muxAll(w, b.children()) }

// SampleEntry returns the first sample entry of the track's stsd, or nil.
func (b *Trak) SampleEntry() Box {
	if b.Mdia == nil || b.Mdia.Minf == nil || b.Mdia.Minf.Stbl == nil || b.Mdia.Minf.Stbl.Stsd == nil {
		return nil
	}
	if entries := b.Mdia.Minf.Stbl.Stsd.Entries; len(entries) > 0 {
		return entries[0]
	}
	return nil
}

func parseTrak(_ BoxType, data []byte) (Box, error) {
	children, err := ReadBoxes(data)
	if err != nil {
		return nil, err
	}
	b := &Trak{}
	for _, child := range children {
		switch v := child.(type) {
		case *Tkhd:
			b.Tkhd = v
		case *Mdia:
			b.Mdia = v
		default:
			b.Unknown = append(b.Unknown, v)
		}
	}
	switch {
	case b.Tkhd == nil:
		return nil, missing("tkhd")
	case b.Mdia == nil:
		return nil, missing("mdia")
	}
	return b, nil
}

// Track header flags.
const (
	TrackEnabled   = 0x000001
	TrackInMovie   = 0x000002
	TrackInPreview = 0x000004
)

// Tkhd is the track header. Width and Height are 16.16 fixed point.
type Tkhd struct {
	Flags            uint32
	CreationTime     uint64
	ModificationTime uint64
	TrackID          uint32
	Duration         uint64
	Layer            int16
	AlternateGroup   int16
	Volume           int16
	Matrix           [9]int32
	Width            uint32
	Height           uint32
}

// NewVideoTkhd returns an enabled video track header.
func NewVideoTkhd(trackID uint32, width, height int) *Tkhd {
	return &Tkhd{
		Flags:   TrackEnabled | TrackInMovie,
		TrackID: trackID,
		Matrix:  unityMatrix,
		Width:   uint32(width) << 16,
		Height:  uint32(height) << 16,
	}
}

// NewAudioTkhd returns an enabled audio track header.
func NewAudioTkhd(trackID uint32) *Tkhd {
	return &Tkhd{
		Flags:          TrackEnabled | TrackInMovie,
		TrackID:        trackID,
		AlternateGroup: 1,
		Volume:         0x0100,
		Matrix:         unityMatrix,
	}
}

func (b *Tkhd) Type() BoxType         { return Type("tkhd") }
func (b *Tkhd) Size() uint64          { return boxSize(b) }
func (b *Tkhd) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *Tkhd) v1() bool { return needsV1(b.CreationTime, b.ModificationTime, b.Duration) }

func (b *Tkhd) payloadSize() uint64 {
	if b.v1() {
		return 4 + 32 + 60
	}
	return 4 + 20 + 60
}

func (b *Tkhd) muxPayload(w *bytesio.Writer) {
	v1 := b.v1()
	var version uint8
	if v1 {
		version = 1
	}
	putFullHeader(w, version, b.Flags)
	putVersioned(w, v1, b.CreationTime)
	putVersioned(w, v1, b.ModificationTime)
	w.PutU32(b.TrackID)
	w.PutU32(0) // reserved
	putVersioned(w, v1, b.Duration)
	w.PutZeros(8)
	w.PutU16(uint16(b.Layer))
	w.PutU16(uint16(b.AlternateGroup))
	w.PutU16(uint16(b.Volume))
	w.PutU16(0)
	putMatrix(w, b.Matrix)
	w.PutU32(b.Width)
	w.PutU32(b.Height)
}

func parseTkhd(_ BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	version, flags, err := readFullHeader(c)
	if err != nil {
		return nil, err
	}
	b := &Tkhd{Flags: flags}
	if b.CreationTime, err = readVersioned(c, version); err != nil {
		return nil, err
	}
	if b.ModificationTime, err = readVersioned(c, version); err != nil {
		return nil, err
	}
	if b.TrackID, err = c.ReadU32(); err != nil {
		return nil, err
	}
	if err := c.Skip(4); err != nil {
		return nil, err
	}
	if b.Duration, err = readVersioned(c, version); err != nil {
		return nil, err
	}
	if err := c.Skip(8); err != nil {
		return nil, err
	}
	fields, err := c.ReadSlice(8)
	if err != nil {
		return nil, err
	}
	b.Layer = int16(uint16(fields[0])<<8 | uint16(fields[1]))
	b.AlternateGroup = int16(uint16(fields[2])<<8 | uint16(fields[3]))
	b.Volume = int16(uint16(fields[4])<<8 | uint16(fields[5]))
	if b.Matrix, err = readMatrix(c); err != nil {
		return nil, err
	}
	if b.Width, err = c.ReadU32(); err != nil {
		return nil, err
	}
	if b.Height, err = c.ReadU32(); err != nil {
		return nil, err
	}
	return finish(c, b)
}

// Mdia is the media box.
type Mdia struct {
	Mdhd    *Mdhd
	Hdlr    *Hdlr
	Minf    *Minf
	Unknown []Box
}

func (b *Mdia) Type() BoxType         { return Type("mdia") }
func (b *Mdia) Size() uint64          { return boxSize(b) }
func (b *Mdia) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *Mdia) children() []Box {
	out := make([]Box, 0, 3+len(b.Unknown))
	if b.Mdhd != nil {
		out = append(out, b.Mdhd)
	}
	if b.Hdlr != nil {
		out = append(out, b.Hdlr)
	}
	if b.Minf != nil {
		out = append(out, b.Minf)
	}
	return append(out, b.Unknown...)
}

func (b *Mdia) payloadSize() uint64          { return sizeOf(b.children()) }
func (b *Mdia) muxPayload(w *bytesio.Writer) { muxAll(w, b.children()) }

func parseMdia(_ BoxType, data []byte) (Box, error) {
	children, err := ReadBoxes(data)
	if err != nil {
		return nil, err
	}
	b := &Mdia{}
	for _, child := range children {
		switch v := child.(type) {
		case *Mdhd:
			b.Mdhd = v
		case *Hdlr:
			b.Hdlr = v
		case *Minf:
			b.Minf = v
		default:
			b.Unknown = append(b.Unknown, v)
		}
	}
	switch {
	case b.Mdhd == nil:
		return nil, missing("mdhd")
	case b.Hdlr == nil:
		return nil, missing("hdlr")
	case b.Minf == nil:
		return nil, missing("minf")
	}
	return b, nil
}

// Mdhd is the media header. Language is an ISO-639-2/T code such as "und".
type Mdhd struct {
	CreationTime     uint64
	ModificationTime uint64
	Timescale        uint32
	Duration         uint64
	Language         string
}

func (b *Mdhd) Type() BoxType         { return Type("mdhd") }
func (b *Mdhd) Size() uint64          { return boxSize(b) }
func (b *Mdhd) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *Mdhd) v1() bool { return needsV1(b.CreationTime, b.ModificationTime, b.Duration) }

func (b *Mdhd) payloadSize() uint64 {
	if b.v1() {
		return 4 + 28 + 4
	}
	return 4 + 16 + 4
}

func (b *Mdhd) muxPayload(w *bytesio.Writer) {
	v1 := b.v1()
	var version uint8
	if v1 {
		version = 1
	}
	putFullHeader(w, version, 0)
	putVersioned(w, v1, b.CreationTime)
	putVersioned(w, v1, b.ModificationTime)
	w.PutU32(b.Timescale)
	putVersioned(w, v1, b.Duration)
	w.PutU16(packLanguage(b.Language))
	w.PutU16(0)
}

func packLanguage(lang string) uint16 {
	if len(lang) != 3 {
		lang = "und"
	}
	var v uint16
	for i := 0; i < 3; i++ {
		v = v<<5 | uint16(lang[i]-0x60)&0x1F
	}
	return v
}

func unpackLanguage(v uint16) string {
	return string([]byte{
		byte(v>>10&0x1F) + 0x60,
		byte(v>>5&0x1F) + 0x60,
		byte(v&0x1F) + 0x60,
	})
}

func parseMdhd(_ BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	version, _, err := readFullHeader(c)
	if err != nil {
		return nil, err
	}
	b := &Mdhd{}
	if b.CreationTime, err = readVersioned(c, version); err != nil {
		return nil, err
	}
	if b.ModificationTime, err = readVersioned(c, version); err != nil {
		return nil, err
	}
	if b.Timescale, err = c.ReadU32(); err != nil {
		return nil, err
	}
	if b.Duration, err = readVersioned(c, version); err != nil {
		return nil, err
	}
	lang, err := c.ReadU16()
	if err != nil {
		return nil, err
	}
	b.Language = unpackLanguage(lang)
	if err := c.Skip(2); err != nil { // pre_defined
		return nil, err
	}
	return finish(c, b)
}

// Handler types.
var (
	HandlerVideo = Type("vide")
	HandlerAudio = Type("soun")
)

// Hdlr is the handler reference box.
type Hdlr struct {
	HandlerType BoxType
	Name        string
}

func (b *Hdlr) Type() BoxType         { return Type("hdlr") }
func (b *Hdlr) Size() uint64          { return boxSize(b) }
func (b *Hdlr) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *Hdlr) payloadSize() uint64 { return 4 + 4 + 4 + 12 + uint64(len(b.Name)) + 1 }

func (b *Hdlr) muxPayload(w *bytesio.Writer) {
	putFullHeader(w, 0, 0)
	w.PutU32(0) // pre_defined
	w.PutBytes(b.HandlerType[:])
	w.PutZeros(12)
	w.PutBytes([]byte(b.Name))
	w.PutU8(0)
}

func parseHdlr(_ BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	if _, _, err := readFullHeader(c); err != nil {
		return nil, err
	}
	if err := c.Skip(4); err != nil {
		return nil, err
	}
	ht, err := c.ReadSlice(4)
	if err != nil {
		return nil, err
	}
	if err := c.Skip(12); err != nil {
		return nil, err
	}
	name := c.Rest()
	for i, ch := range name {
		if ch == 0 {
			name = name[:i]
			break
		}
	}
	return &Hdlr{HandlerType: BoxType(ht), Name: string(name)}, nil
}

// Minf is the media information box. Exactly one of Vmhd and Smhd is set for
// video and audio tracks respectively.
type Minf struct {
	Vmhd    *Vmhd
	Smhd    *Smhd
	Dinf    *Dinf
	Stbl    *Stbl
	Unknown []Box
}

func (b *Minf) Type() BoxType         { return Type("minf") }
func (b *Minf) Size() uint64          { return boxSize(b) }
func (b *Minf) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *Minf) children() []Box {
	out := make([]Box, 0, 4+len(b.Unknown))
	if b.Vmhd != nil {
		out = append(out, b.Vmhd)
	}
	if b.Smhd != nil {
		out = append(out, b.Smhd)
	}
	if b.Dinf != nil {
		out = append(out, b.Dinf)
	}
	if b.Stbl != nil {
		out = append(out, b.Stbl)
	}
	return append(out, b.Unknown...)
}

func (b *Minf) payloadSize() uint64          { return sizeOf(b.children()) }
func (b *Minf) muxPayload(w *bytesio.Writer) { muxAll(w, b.children()) }

func parseMinf(_ BoxType, data []byte) (Box, error) {
	children, err := ReadBoxes(data)
	if err != nil {
		return nil, err
	}
	b := &Minf{}
	for _, child := range children {
		switch v := child.(type) {
		case *Vmhd:
			b.Vmhd = v
		case *Smhd:
			b.Smhd = v
		case *Dinf:
			b.Dinf = v
		case *Stbl:
			b.Stbl = v
		default:
			b.Unknown = append(b.Unknown, v)
		}
	}
	if b.Stbl == nil {
		return nil, missing("stbl")
	}
	return b, nil
}

// Vmhd is the video media header.
type Vmhd struct {
	GraphicsMode uint16
	OpColor      [3]uint16
}

func (b *Vmhd) Type() BoxType         { return Type("vmhd") }
func (b *Vmhd) Size() uint64          { return boxSize(b) }
func (b *Vmhd) Mux(w *bytesio.Writer) { muxBox(w, b) }
func (b *Vmhd) payloadSize() uint64   { return 4 + 8 }

func (b *Vmhd) muxPayload(w *bytesio.Writer) {
	putFullHeader(w, 0, 1)
	w.PutU16(b.GraphicsMode)
	for _, c := range b.OpColor {
		w.PutU16(c)
	}
}

func parseVmhd(_ BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	if _, _, err := readFullHeader(c); err != nil {
		return nil, err
	}
	b := &Vmhd{}
	var err error
	if b.GraphicsMode, err = c.ReadU16(); err != nil {
		return nil, err
	}
	for i := range b.OpColor {
		if b.OpColor[i], err = c.ReadU16(); err != nil {
			return nil, err
		}
	}
	return finish(c, b)
}

// Smhd is the sound media header.
type Smhd struct {
	Balance int16
}

func (b *Smhd) Type() BoxType         { return Type("smhd") }
func (b *Smhd) Size() uint64          { return boxSize(b) }
func (b *Smhd) Mux(w *bytesio.Writer) { muxBox(w, b) }
func (b *Smhd) payloadSize() uint64   { return 4 + 4 }

func (b *Smhd) muxPayload(w *bytesio.Writer) {
	putFullHeader(w, 0, 0)
	w.PutU16(uint16(b.Balance))
	w.PutU16(0)
}

func parseSmhd(_ BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	if _, _, err := readFullHeader(c); err != nil {
		return nil, err
	}
	bal, err := c.ReadU16()
	if err != nil {
		return nil, err
	}
	if err := c.Skip(2); err != nil {
		return nil, err
	}
	return finish(c, &Smhd{Balance: int16(bal)})
}

// Dinf is the data information box.
type Dinf struct {
	Dref *Dref
}

// NewDinf returns a dinf holding a single self-contained url entry.
func NewDinf() *Dinf {
	return &Dinf{Dref: &Dref{Entries: []Box{&URL{Flags: 1}}}}
}

func (b *Dinf) Type() BoxType         { return Type("dinf") }
func (b *Dinf) Size() uint64          { return boxSize(b) }
func (b *Dinf) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *Dinf) payloadSize() uint64 {
	if b.Dref == nil {
		return 0
	}
	return b.Dref.Size()
}

func (b *Dinf) muxPayload(w *bytesio.Writer) {
	if b.Dref != nil {
		b.Dref.Mux(w)
	}
}

func parseDinf(_ BoxType, data []byte) (Box, error) {
	children, err := ReadBoxes(data)
	if err != nil {
		return nil, err
	}
	b := &Dinf{}
	for _, child := range children {
		if d, ok := child.(*Dref); ok {
			b.Dref = d
		}
	}
	if b.Dref == nil {
		return nil, missing("dref")
	}
	return b, nil
}

// Dref is the data reference box.
type Dref struct {
	Entries []Box
}

func (b *Dref) Type() BoxType         { return Type("dref") }
func (b *Dref) Size() uint64          { return boxSize(b) }
func (b *Dref) Mux(w *bytesio.Writer) { muxBox(w, b) }
func (b *Dref) payloadSize() uint64   { return 8 + sizeOf(b.Entries) }

func (b *Dref) muxPayload(w *bytesio.Writer) {
	putFullHeader(w, 0, 0)
	w.PutU32(uint32(len(b.Entries)))
	muxAll(w, b.Entries)
}

func parseDref(_ BoxType, data []byte) (Box, error) {
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
		return nil, fmt.Errorf("%w: dref declares %d entries, found %d", ErrInvalidSize, count, len(entries))
	}
	return &Dref{Entries: entries}, nil
}

// URL is a data entry url box. Flags bit 0 marks the media as contained in
// the same file, in which case Location is empty.
type URL struct {
	Flags    uint32
	Location string
}

func (b *URL) Type() BoxType         { return Type("url ") }
func (b *URL) Size() uint64          { return boxSize(b) }
func (b *URL) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *URL) payloadSize() uint64 {
	if b.Flags&1 != 0 {
		return 4
	}
	return 4 + uint64(len(b.Location)) + 1
}

func (b *URL) muxPayload(w *bytesio.Writer) {
	putFullHeader(w, 0, b.Flags)
	if b.Flags&1 == 0 {
		w.PutBytes([]byte(b.Location))
		w.PutU8(0)
	}
}

func parseURL(_ BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	_, flags, err := readFullHeader(c)
	if err != nil {
		return nil, err
	}
	b := &URL{Flags: flags}
	if flags&1 == 0 {
		loc := c.Rest()
		if n := len(loc); n > 0 && loc[n-1] == 0 {
			loc = loc[:n-1]
		}
		b.Location = string(loc)
	}
	return b, nil
}
