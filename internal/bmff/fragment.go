package bmff

import (
	"github.com/zsiec/beam/internal/bytesio"
)

func init() {
	register("mvex", parseMvex)
	register("trex", parseTrex)
	register("moof", parseMoof)
	register("mfhd", parseMfhd)
	register("traf", parseTraf)
	register("tfhd", parseTfhd)
	register("tfdt", parseTfdt)
	register("trun", parseTrun)
}

// Sample flags as used in trex, tfhd and trun.
const (
	SampleFlagsSync    uint32 = 0x02000000 // sample_depends_on=2 (no other sample)
	SampleFlagsNonSync uint32 = 0x01010000 // sample_depends_on=1, is_non_sync_sample
)

// Mvex is the movie extends box signalling a fragmented file.
type Mvex struct {
	Trex    []*Trex
	Unknown []Box
}

func (b *Mvex) Type() BoxType         { return Type("mvex") }
func (b *Mvex) Size() uint64          { return boxSize(b) }
func (b *Mvex) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *Mvex) children() []Box {
	out := make([]Box, 0, len(b.Trex)+len(b.Unknown))
	for _, t := range b.Trex {
		out = append(out, t)
	}
	return append(out, b.Unknown...)
}

func (b *Mvex) payloadSize() uint64          { return sizeOf(b.children()) }
func (b *Mvex) muxPayload(w *bytesio.Writer) { muxAll(w, b.children()) }

func parseMvex(_ BoxType, data []byte) (Box, error) {
	children, err := ReadBoxes(data)
	if err != nil {
		return nil, err
	}
	b := &Mvex{}
	for _, child := range children {
		if t, ok := child.(*Trex); ok {
			b.Trex = append(b.Trex, t)
		} else {
			b.Unknown = append(b.Unknown, child)
		}
	}
	return b, nil
}

// Trex holds the per-track fragment defaults.
type Trex struct {
	TrackID                       uint32
	DefaultSampleDescriptionIndex uint32
	DefaultSampleDuration         uint32
	DefaultSampleSize             uint32
	DefaultSampleFlags            uint32
}

func (b *Trex) Type() BoxType         { return Type("trex") }
func (b *Trex) Size() uint64          { return boxSize(b) }
func (b *Trex) Mux(w *bytesio.Writer) { muxBox(w, b) }
func (b *Trex) payloadSize() uint64   { return 4 + 20 }

func (b *Trex) muxPayload(w *bytesio.Writer) {
	putFullHeader(w, 0, 0)
	w.PutU32(b.TrackID)
	w.PutU32(b.DefaultSampleDescriptionIndex)
	w.PutU32(b.DefaultSampleDuration)
	w.PutU32(b.DefaultSampleSize)
	w.PutU32(b.DefaultSampleFlags)
}

func parseTrex(_ BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	if _, _, err := readFullHeader(c); err != nil {
		return nil, err
	}
	if c.Remaining() < 20 {
		return nil, bytesio.ErrEOF
	}
	b := &Trex{}
	b.TrackID, _ = c.ReadU32()
	b.DefaultSampleDescriptionIndex, _ = c.ReadU32()
	b.DefaultSampleDuration, _ = c.ReadU32()
	b.DefaultSampleSize, _ = c.ReadU32()
	b.DefaultSampleFlags, _ = c.ReadU32()
	return finish(c, b)
}

// Moof is the movie fragment box.
type Moof struct {
	Mfhd    *Mfhd
	Traf    []*Traf
	Unknown []Box
}

func (b *Moof) Type() BoxType         { return Type("moof") }
func (b *Moof) Size() uint64          { return boxSize(b) }
func (b *Moof) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *Moof) children() []Box {
	out := make([]Box, 0, 1+len(b.Traf)+len(b.Unknown))
	if b.Mfhd != nil {
		out = append(out, b.Mfhd)
	}
	for _, t := range b.Traf {
		out = append(out, t)
	}
	return append(out, b.Unknown...)
}

func (b *Moof) payloadSize() uint64          { return sizeOf(b.children()) }
func (b *Moof) muxPayload(w *bytesio.Writer) { muxAll(w, b.children()) }

func parseMoof(_ BoxType, data []byte) (Box, error) {
	children, err := ReadBoxes(data)
	if err != nil {
		return nil, err
	}
	b := &Moof{}
	for _, child := range children {
		switch v := child.(type) {
		case *Mfhd:
			b.Mfhd = v
		case *Traf:
			b.Traf = append(b.Traf, v)
		default:
			b.Unknown = append(b.Unknown, v)
		}
	}
	if b.Mfhd == nil {
		return nil, missing("mfhd")
	}
	return b, nil
}

// Mfhd is the movie fragment header.
type Mfhd struct {
	SequenceNumber uint32
}

func (b *Mfhd) Type() BoxType         { return Type("mfhd") }
func (b *Mfhd) Size() uint64          { return boxSize(b) }
func (b *Mfhd) Mux(w *bytesio.Writer) { muxBox(w, b) }
func (b *Mfhd) payloadSize() uint64   { return 8 }

func (b *Mfhd) muxPayload(w *bytesio.Writer) {
	putFullHeader(w, 0, 0)
	w.PutU32(b.SequenceNumber)
}

func parseMfhd(_ BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	if _, _, err := readFullHeader(c); err != nil {
		return nil, err
	}
	seq, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	return finish(c, &Mfhd{SequenceNumber: seq})
}

// Traf is the track fragment box.
type Traf struct {
	Tfhd    *Tfhd
	Tfdt    *Tfdt
	Trun    []*Trun
	Unknown []Box
}

func (b *Traf) Type() BoxType         { return Type("traf") }
func (b *Traf) Size() uint64          { return boxSize(b) }
func (b *Traf) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *Traf) children() []Box {
	out := make([]Box, 0, 2+len(b.Trun)+len(b.Unknown))
	if b.Tfhd != nil {
		out = append(out, b.Tfhd)
	}
	if b.Tfdt != nil {
		out = append(out, b.Tfdt)
	}
	for _, t := range b.Trun {
		out = append(out, t)
	}
	return append(out, b.Unknown...)
}

func (b *Traf) payloadSize() uint64          { return sizeOf(b.children()) }
func (b *Traf) muxPayload(w *bytesio.Writer) { muxAll(w, b.children()) }

func parseTraf(_ BoxType, data []byte) (Box, error) {
	children, err := ReadBoxes(data)
	if err != nil {
		return nil, err
	}
	b := &Traf{}
	for _, child := range children {
		switch v := child.(type) {
		case *Tfhd:
			b.Tfhd = v
		case *Tfdt:
			b.Tfdt = v
		case *Trun:
			b.Trun = append(b.Trun, v)
		default:
			b.Unknown = append(b.Unknown, v)
		}
	}
	if b.Tfhd == nil {
		return nil, missing("tfhd")
	}
	return b, nil
}

// Tfhd flags.
const (
	TfhdBaseDataOffsetPresent         = 0x000001
	TfhdSampleDescriptionIndexPresent = 0x000002
	TfhdDefaultSampleDurationPresent  = 0x000008
	TfhdDefaultSampleSizePresent      = 0x000010
	TfhdDefaultSampleFlagsPresent     = 0x000020
	TfhdDurationIsEmpty               = 0x010000
	TfhdDefaultBaseIsMoof             = 0x020000
)

// Tfhd is the track fragment header. Optional fields are written only when
// the matching flag is set.
type Tfhd struct {
	Flags                  uint32
	TrackID                uint32
	BaseDataOffset         uint64
	SampleDescriptionIndex uint32
	DefaultSampleDuration  uint32
	DefaultSampleSize      uint32
	DefaultSampleFlags     uint32
}

func (b *Tfhd) Type() BoxType         { return Type("tfhd") }
func (b *Tfhd) Size() uint64          { return boxSize(b) }
func (b *Tfhd) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *Tfhd) payloadSize() uint64 {
	n := uint64(8)
	if b.Flags&TfhdBaseDataOffsetPresent != 0 {
		n += 8
	}
	for _, f := range []uint32{TfhdSampleDescriptionIndexPresent, TfhdDefaultSampleDurationPresent,
		TfhdDefaultSampleSizePresent, TfhdDefaultSampleFlagsPresent} {
		if b.Flags&f != 0 {
			n += 4
		}
	}
	return n
}

func (b *Tfhd) muxPayload(w *bytesio.Writer) {
	putFullHeader(w, 0, b.Flags)
	w.PutU32(b.TrackID)
	if b.Flags&TfhdBaseDataOffsetPresent != 0 {
		w.PutU64(b.BaseDataOffset)
	}
	if b.Flags&TfhdSampleDescriptionIndexPresent != 0 {
		w.PutU32(b.SampleDescriptionIndex)
	}
	if b.Flags&TfhdDefaultSampleDurationPresent != 0 {
		w.PutU32(b.DefaultSampleDuration)
	}
	if b.Flags&TfhdDefaultSampleSizePresent != 0 {
		w.PutU32(b.DefaultSampleSize)
	}
	if b.Flags&TfhdDefaultSampleFlagsPresent != 0 {
		w.PutU32(b.DefaultSampleFlags)
	}
}

func parseTfhd(_ BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	_, flags, err := readFullHeader(c)
	if err != nil {
		return nil, err
	}
	b := &Tfhd{Flags: flags}
	if b.TrackID, err = c.ReadU32(); err != nil {
		return nil, err
	}
	if flags&TfhdBaseDataOffsetPresent != 0 {
		if b.BaseDataOffset, err = c.ReadU64(); err != nil {
			return nil, err
		}
	}
	for _, f := range []struct {
		flag uint32
		dst  *uint32
	}{
		{TfhdSampleDescriptionIndexPresent, &b.SampleDescriptionIndex},
		{TfhdDefaultSampleDurationPresent, &b.DefaultSampleDuration},
		{TfhdDefaultSampleSizePresent, &b.DefaultSampleSize},
		{TfhdDefaultSampleFlagsPresent, &b.DefaultSampleFlags},
	} {
		if flags&f.flag == 0 {
			continue
		}
		if *f.dst, err = c.ReadU32(); err != nil {
			return nil, err
		}
	}
	return finish(c, b)
}

// Tfdt is the track fragment decode time box. Version 1 is used when the
// time does not fit 32 bits.
type Tfdt struct {
	BaseMediaDecodeTime uint64
}

func (b *Tfdt) Type() BoxType         { return Type("tfdt") }
func (b *Tfdt) Size() uint64          { return boxSize(b) }
func (b *Tfdt) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *Tfdt) payloadSize() uint64 {
	if needsV1(b.BaseMediaDecodeTime) {
		return 12
	}
	return 8
}

func (b *Tfdt) muxPayload(w *bytesio.Writer) {
	v1 := needsV1(b.BaseMediaDecodeTime)
	var version uint8
	if v1 {
		version = 1
	}
	putFullHeader(w, version, 0)
	putVersioned(w, v1, b.BaseMediaDecodeTime)
}

func parseTfdt(_ BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	version, _, err := readFullHeader(c)
	if err != nil {
		return nil, err
	}
	t, err := readVersioned(c, version)
	if err != nil {
		return nil, err
	}
	return finish(c, &Tfdt{BaseMediaDecodeTime: t})
}

// Trun flags.
const (
	TrunDataOffsetPresent                   = 0x000001
	TrunFirstSampleFlagsPresent             = 0x000004
	TrunSampleDurationPresent               = 0x000100
	TrunSampleSizePresent                   = 0x000200
	TrunSampleFlagsPresent                  = 0x000400
	TrunSampleCompositionTimeOffsetsPresent = 0x000800
)

const maxTrunSamples = 1 << 20

// TrunSample is one sample record of a track run.
type TrunSample struct {
	Duration              uint32
	Size                  uint32
	Flags                 uint32
	CompositionTimeOffset int32
}

// Trun is a track fragment run. Per-sample fields are written according to
// Flags. Version 1 (signed composition offsets) is used when any offset is
// negative.
type Trun struct {
	Flags            uint32
	DataOffset       int32
	FirstSampleFlags uint32
	Samples          []TrunSample
}

func (b *Trun) Type() BoxType         { return Type("trun") }
func (b *Trun) Size() uint64          { return boxSize(b) }
func (b *Trun) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *Trun) sampleFieldSize() uint64 {
	var n uint64
	for _, f := range []uint32{TrunSampleDurationPresent, TrunSampleSizePresent,
		TrunSampleFlagsPresent, TrunSampleCompositionTimeOffsetsPresent} {
		if b.Flags&f != 0 {
			n += 4
		}
	}
	return n
}

func (b *Trun) payloadSize() uint64 {
	n := uint64(8)
	if b.Flags&TrunDataOffsetPresent != 0 {
		n += 4
	}
	if b.Flags&TrunFirstSampleFlagsPresent != 0 {
		n += 4
	}
	return n + b.sampleFieldSize()*uint64(len(b.Samples))
}

func (b *Trun) version() uint8 {
	if b.Flags&TrunSampleCompositionTimeOffsetsPresent == 0 {
		return 0
	}
	for _, s := range b.Samples {
		if s.CompositionTimeOffset < 0 {
			return 1
		}
	}
	return 0
}

func (b *Trun) muxPayload(w *bytesio.Writer) {
	putFullHeader(w, b.version(), b.Flags)
	w.PutU32(uint32(len(b.Samples)))
	if b.Flags&TrunDataOffsetPresent != 0 {
		w.PutU32(uint32(b.DataOffset))
	}
	if b.Flags&TrunFirstSampleFlagsPresent != 0 {
		w.PutU32(b.FirstSampleFlags)
	}
	for _, s := range b.Samples {
		if b.Flags&TrunSampleDurationPresent != 0 {
			w.PutU32(s.Duration)
		}
		if b.Flags&TrunSampleSizePresent != 0 {
			w.PutU32(s.Size)
		}
		if b.Flags&TrunSampleFlagsPresent != 0 {
			w.PutU32(s.Flags)
		}
		if b.Flags&TrunSampleCompositionTimeOffsetsPresent != 0 {
			w.PutU32(uint32(s.CompositionTimeOffset))
		}
	}
}

func parseTrun(_ BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	_, flags, err := readFullHeader(c)
	if err != nil {
		return nil, err
	}
	b := &Trun{Flags: flags}
	count, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	if flags&TrunDataOffsetPresent != 0 {
		v, err := c.ReadU32()
		if err != nil {
			return nil, err
		}
		b.DataOffset = int32(v)
	}
	if flags&TrunFirstSampleFlagsPresent != 0 {
		if b.FirstSampleFlags, err = c.ReadU32(); err != nil {
			return nil, err
		}
	}
	if uint64(count)*b.sampleFieldSize() > uint64(c.Remaining()) || count > maxTrunSamples {
		return nil, bytesio.ErrEOF
	}
	b.Samples = make([]TrunSample, count)
	for i := range b.Samples {
		s := &b.Samples[i]
		if flags&TrunSampleDurationPresent != 0 {
			s.Duration, _ = c.ReadU32()
		}
		if flags&TrunSampleSizePresent != 0 {
			s.Size, _ = c.ReadU32()
		}
		if flags&TrunSampleFlagsPresent != 0 {
			s.Flags, _ = c.ReadU32()
		}
		if flags&TrunSampleCompositionTimeOffsetsPresent != 0 {
			v, _ := c.ReadU32()
			s.CompositionTimeOffset = int32(v)
		}
	}
	return finish(c, b)
}
