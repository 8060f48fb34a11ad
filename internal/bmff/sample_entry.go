package bmff

import (
	"fmt"

	"github.com/zsiec/beam/internal/bytesio"
	"github.com/zsiec/beam/internal/codec"
)

func init() {
	for _, t := range []string{"avc1", "avc3", "hev1", "hvc1", "av01"} {
		register(t, parseVisualSampleEntry)
	}
	register("mp4a", parseAudioSampleEntry)
	register("Opus", parseAudioSampleEntry)
	register("avcC", parseAvcC)
	register("hvcC", parseHvcC)
	register("av1C", parseAv1C)
	register("esds", parseEsds)
	register("dOps", parseDOps)
}

// VisualSampleEntry describes a video sample format (avc1, hev1, av01).
// Config holds the codec configuration box.
type VisualSampleEntry struct {
	EntryType          BoxType
	DataReferenceIndex uint16
	Width              uint16
	Height             uint16
	HorizResolution    uint32
	VertResolution     uint32
	FrameCount         uint16
	CompressorName     string
	Depth              uint16
	Config             Box
	Unknown            []Box
}

// NewVisualSampleEntry returns a sample entry with the conventional 72 dpi
// resolution, one frame per sample and 24-bit depth.
func NewVisualSampleEntry(entryType BoxType, width, height int, config Box) *VisualSampleEntry {
	return &VisualSampleEntry{
		EntryType:          entryType,
		DataReferenceIndex: 1,
		Width:              uint16(width),
		Height:             uint16(height),
		HorizResolution:    0x00480000,
		VertResolution:     0x00480000,
		FrameCount:         1,
		Depth:              0x0018,
		Config:             config,
	}
}

func (b *VisualSampleEntry) Type() BoxType         { return b.EntryType }
func (b *VisualSampleEntry) Size() uint64          { return boxSize(b) }
func (b *VisualSampleEntry) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *VisualSampleEntry) children() []Box {
	out := make([]Box, 0, 1+len(b.Unknown))
	if b.Config != nil {
		out = append(out, b.Config)
	}
	return append(out, b.Unknown...)
}

func (b *VisualSampleEntry) payloadSize() uint64 { return 78 + sizeOf(b.children()) }

func (b *VisualSampleEntry) muxPayload(w *bytesio.Writer) {
	w.PutZeros(6)
	w.PutU16(b.DataReferenceIndex)
	w.PutZeros(16) // pre_defined, reserved
	w.PutU16(b.Width)
	w.PutU16(b.Height)
	w.PutU32(b.HorizResolution)
	w.PutU32(b.VertResolution)
	w.PutU32(0)
	w.PutU16(b.FrameCount)
	var name [32]byte
	n := copy(name[1:], b.CompressorName)
	name[0] = byte(n)
	w.PutBytes(name[:])
	w.PutU16(b.Depth)
	w.PutU16(0xFFFF) // pre_defined = -1
	muxAll(w, b.children())
}

func parseVisualSampleEntry(t BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	hdr, err := c.ReadSlice(78)
	if err != nil {
		return nil, err
	}
	hc := bytesio.NewCursor(hdr)
	_ = hc.Skip(6)
	b := &VisualSampleEntry{EntryType: t}
	b.DataReferenceIndex, _ = hc.ReadU16()
	_ = hc.Skip(16)
	b.Width, _ = hc.ReadU16()
	b.Height, _ = hc.ReadU16()
	b.HorizResolution, _ = hc.ReadU32()
	b.VertResolution, _ = hc.ReadU32()
	_ = hc.Skip(4)
	b.FrameCount, _ = hc.ReadU16()
	name, _ := hc.ReadSlice(32)
	if n := int(name[0]); n <= 31 {
		b.CompressorName = string(name[1 : 1+n])
	}
	b.Depth, _ = hc.ReadU16()

	children, err := ReadBoxes(c.Rest())
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		switch child.(type) {
		case *AvcC, *HvcC, *Av1C:
			b.Config = child
		default:
			b.Unknown = append(b.Unknown, child)
		}
	}
	return b, nil
}

// AudioSampleEntry describes an audio sample format (mp4a, Opus). Config
// holds an esds or dOps box.
type AudioSampleEntry struct {
	EntryType          BoxType
	DataReferenceIndex uint16
	ChannelCount       uint16
	SampleSize         uint16
	// SampleRate is in Hz. Rates above 65535 are written as 0 because the
	// field is 16.16 fixed point.
	SampleRate uint32
	Config     Box
	Unknown    []Box
}

// NewAudioSampleEntry returns a 16-bit audio sample entry.
func NewAudioSampleEntry(entryType BoxType, channels, sampleRate int, config Box) *AudioSampleEntry {
	return &AudioSampleEntry{
		EntryType:          entryType,
		DataReferenceIndex: 1,
		ChannelCount:       uint16(channels),
		SampleSize:         16,
		SampleRate:         uint32(sampleRate),
		Config:             config,
	}
}

func (b *AudioSampleEntry) Type() BoxType         { return b.EntryType }
func (b *AudioSampleEntry) Size() uint64          { return boxSize(b) }
func (b *AudioSampleEntry) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *AudioSampleEntry) children() []Box {
	out := make([]Box, 0, 1+len(b.Unknown))
	if b.Config != nil {
		out = append(out, b.Config)
	}
	return append(out, b.Unknown...)
}

func (b *AudioSampleEntry) payloadSize() uint64 { return 28 + sizeOf(b.children()) }

func (b *AudioSampleEntry) muxPayload(w *bytesio.Writer) {
	w.PutZeros(6)
	w.PutU16(b.DataReferenceIndex)
	w.PutZeros(8)
	w.PutU16(b.ChannelCount)
	w.PutU16(b.SampleSize)
	w.PutU32(0) // pre_defined, reserved
	if b.SampleRate <= 0xFFFF {
		w.PutU32(b.SampleRate << 16)
	} else {
		w.PutU32(0)
	}
	muxAll(w, b.children())
}

func parseAudioSampleEntry(t BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	hdr, err := c.ReadSlice(28)
	if err != nil {
		return nil, err
	}
	hc := bytesio.NewCursor(hdr)
	_ = hc.Skip(6)
	b := &AudioSampleEntry{EntryType: t}
	b.DataReferenceIndex, _ = hc.ReadU16()
	_ = hc.Skip(8)
	b.ChannelCount, _ = hc.ReadU16()
	b.SampleSize, _ = hc.ReadU16()
	_ = hc.Skip(4)
	rate, _ := hc.ReadU32()
	b.SampleRate = rate >> 16

	children, err := ReadBoxes(c.Rest())
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		switch child.(type) {
		case *Esds, *DOps:
			b.Config = child
		default:
			b.Unknown = append(b.Unknown, child)
		}
	}
	return b, nil
}

// AvcC wraps an AVC decoder configuration record.
type AvcC struct {
	Config *codec.AVCDecoderConfig
}

func (b *AvcC) Type() BoxType                { return Type("avcC") }
func (b *AvcC) Size() uint64                 { return boxSize(b) }
func (b *AvcC) Mux(w *bytesio.Writer)        { muxBox(w, b) }
func (b *AvcC) payloadSize() uint64          { return uint64(len(b.Config.Marshal())) }
func (b *AvcC) muxPayload(w *bytesio.Writer) { w.PutBytes(b.Config.Marshal()) }

func parseAvcC(_ BoxType, data []byte) (Box, error) {
	cfg, err := codec.ParseAVCDecoderConfig(data)
	if err != nil {
		return nil, err
	}
	return &AvcC{Config: cfg}, nil
}

// HvcC wraps an HEVC decoder configuration record.
type HvcC struct {
	Config *codec.HEVCDecoderConfig
}

func (b *HvcC) Type() BoxType                { return Type("hvcC") }
func (b *HvcC) Size() uint64                 { return boxSize(b) }
func (b *HvcC) Mux(w *bytesio.Writer)        { muxBox(w, b) }
func (b *HvcC) payloadSize() uint64          { return uint64(len(b.Config.Marshal())) }
func (b *HvcC) muxPayload(w *bytesio.Writer) { w.PutBytes(b.Config.Marshal()) }

func parseHvcC(_ BoxType, data []byte) (Box, error) {
	cfg, err := codec.ParseHEVCDecoderConfig(data)
	if err != nil {
		return nil, err
	}
	return &HvcC{Config: cfg}, nil
}

// Av1C wraps an AV1 codec configuration record.
type Av1C struct {
	Config *codec.AV1CodecConfig
}

func (b *Av1C) Type() BoxType                { return Type("av1C") }
func (b *Av1C) Size() uint64                 { return boxSize(b) }
func (b *Av1C) Mux(w *bytesio.Writer)        { muxBox(w, b) }
func (b *Av1C) payloadSize() uint64          { return uint64(len(b.Config.Marshal())) }
func (b *Av1C) muxPayload(w *bytesio.Writer) { w.PutBytes(b.Config.Marshal()) }

func parseAv1C(_ BoxType, data []byte) (Box, error) {
	cfg, err := codec.ParseAV1CodecConfig(data)
	if err != nil {
		return nil, err
	}
	return &Av1C{Config: cfg}, nil
}

// MPEG-4 descriptor tags used inside esds.
const (
	tagESDescriptor            = 0x03
	tagDecoderConfigDescriptor = 0x04
	tagDecoderSpecificInfo     = 0x05
	tagSLConfigDescriptor      = 0x06
)

// Esds is the elementary stream descriptor box carrying an MPEG-4 audio
// decoder configuration.
type Esds struct {
	ESID                 uint16
	ObjectTypeIndication uint8 // 0x40 for MPEG-4 audio
	StreamType           uint8 // 0x05 for audio
	BufferSizeDB         uint32
	MaxBitrate           uint32
	AvgBitrate           uint32
	DecoderSpecificInfo  []byte
}

// NewAACEsds returns an esds for an AAC AudioSpecificConfig.
func NewAACEsds(trackID uint16, asc []byte) *Esds {
	return &Esds{ESID: trackID, ObjectTypeIndication: 0x40, StreamType: 0x05, DecoderSpecificInfo: asc}
}

func (b *Esds) Type() BoxType         { return Type("esds") }
func (b *Esds) Size() uint64          { return boxSize(b) }
func (b *Esds) Mux(w *bytesio.Writer) { muxBox(w, b) }

// Descriptor sizes are always written with the 4-byte expandable encoding.
const descHeader = 5

func (b *Esds) dcdSize() uint64 {
	return 13 + descHeader + uint64(len(b.DecoderSpecificInfo))
}

func (b *Esds) esSize() uint64 {
	return 3 + descHeader + b.dcdSize() + descHeader + 1
}

func (b *Esds) payloadSize() uint64 { return 4 + descHeader + b.esSize() }

func putDescriptorHeader(w *bytesio.Writer, tag uint8, size uint64) {
	w.PutU8(tag)
	w.PutU8(0x80 | uint8(size>>21)&0x7F)
	w.PutU8(0x80 | uint8(size>>14)&0x7F)
	w.PutU8(0x80 | uint8(size>>7)&0x7F)
	w.PutU8(uint8(size) & 0x7F)
}

func (b *Esds) muxPayload(w *bytesio.Writer) {
	putFullHeader(w, 0, 0)
	putDescriptorHeader(w, tagESDescriptor, b.esSize())
	w.PutU16(b.ESID)
	w.PutU8(0) // flags, stream priority
	putDescriptorHeader(w, tagDecoderConfigDescriptor, b.dcdSize())
	w.PutU8(b.ObjectTypeIndication)
	w.PutU8(b.StreamType<<2 | 0x01)
	w.PutU24(b.BufferSizeDB)
	w.PutU32(b.MaxBitrate)
	w.PutU32(b.AvgBitrate)
	putDescriptorHeader(w, tagDecoderSpecificInfo, uint64(len(b.DecoderSpecificInfo)))
	w.PutBytes(b.DecoderSpecificInfo)
	putDescriptorHeader(w, tagSLConfigDescriptor, 1)
	w.PutU8(0x02)
}

func readDescriptor(c *bytesio.Cursor) (uint8, []byte, error) {
	tag, err := c.ReadU8()
	if err != nil {
		return 0, nil, err
	}
	var size int
	for i := 0; i < 4; i++ {
		v, err := c.ReadU8()
		if err != nil {
			return 0, nil, err
		}
		size = size<<7 | int(v&0x7F)
		if v&0x80 == 0 {
			break
		}
	}
	body, err := c.ReadSlice(size)
	if err != nil {
		return 0, nil, err
	}
	return tag, body, nil
}

func parseEsds(_ BoxType, data []byte) (Box, error) {
	c := bytesio.NewCursor(data)
	if _, _, err := readFullHeader(c); err != nil {
		return nil, err
	}
	tag, es, err := readDescriptor(c)
	if err != nil {
		return nil, err
	}
	if tag != tagESDescriptor {
		return nil, fmt.Errorf("esds: unexpected descriptor tag %#x", tag)
	}
	ec := bytesio.NewCursor(es)
	b := &Esds{}
	if b.ESID, err = ec.ReadU16(); err != nil {
		return nil, err
	}
	flags, err := ec.ReadU8()
	if err != nil {
		return nil, err
	}
	if flags&0x80 != 0 { // streamDependenceFlag
		if err := ec.Skip(2); err != nil {
			return nil, err
		}
	}
	if flags&0x40 != 0 { // URL_Flag
		n, err := ec.ReadU8()
		if err != nil {
			return nil, err
		}
		if err := ec.Skip(int(n)); err != nil {
			return nil, err
		}
	}
	if flags&0x20 != 0 { // OCRstreamFlag
		if err := ec.Skip(2); err != nil {
			return nil, err
		}
	}
	for ec.Remaining() > 0 {
		tag, body, err := readDescriptor(ec)
		if err != nil {
			return nil, err
		}
		if tag == tagDecoderConfigDescriptor {
			if err := b.parseDecoderConfig(body); err != nil {
				return nil, err
			}
		}
	}
	return finish(c, b)
}

func (b *Esds) parseDecoderConfig(body []byte) error {
	c := bytesio.NewCursor(body)
	hdr, err := c.ReadSlice(13)
	if err != nil {
		return err
	}
	b.ObjectTypeIndication = hdr[0]
	b.StreamType = hdr[1] >> 2
	b.BufferSizeDB = uint32(hdr[2])<<16 | uint32(hdr[3])<<8 | uint32(hdr[4])
	b.MaxBitrate = uint32(hdr[5])<<24 | uint32(hdr[6])<<16 | uint32(hdr[7])<<8 | uint32(hdr[8])
	b.AvgBitrate = uint32(hdr[9])<<24 | uint32(hdr[10])<<16 | uint32(hdr[11])<<8 | uint32(hdr[12])
	for c.Remaining() > 0 {
		tag, dsi, err := readDescriptor(c)
		if err != nil {
			return err
		}
		if tag == tagDecoderSpecificInfo {
			b.DecoderSpecificInfo = dsi
		}
	}
	return nil
}

// DOps is the Opus specific box. Unlike OpusHead its fields are big-endian.
type DOps struct {
	Head codec.OpusHead
}

func (b *DOps) Type() BoxType         { return Type("dOps") }
func (b *DOps) Size() uint64          { return boxSize(b) }
func (b *DOps) Mux(w *bytesio.Writer) { muxBox(w, b) }

func (b *DOps) payloadSize() uint64 {
	n := uint64(11)
	if b.Head.ChannelMappingFamily != 0 {
		n += 2 + uint64(len(b.Head.ChannelMapping))
	}
	return n
}

func (b *DOps) muxPayload(w *bytesio.Writer) {
	h := b.Head
	w.PutU8(0) // version
	w.PutU8(h.OutputChannelCount)
	w.PutU16(h.PreSkip)
	w.PutU32(h.InputSampleRate)
	w.PutU16(uint16(h.OutputGain))
	w.PutU8(h.ChannelMappingFamily)
	if h.ChannelMappingFamily != 0 {
		w.PutU8(h.StreamCount)
		w.PutU8(h.CoupledCount)
		w.PutBytes(h.ChannelMapping)
	}
}

func parseDOps(_ BoxType, data []byte) (Box, error) {
	if len(data) < 11 {
		return nil, bytesio.ErrEOF
	}
	c := bytesio.NewCursor(data)
	var h codec.OpusHead
	h.Version, _ = c.ReadU8()
	h.OutputChannelCount, _ = c.ReadU8()
	h.PreSkip, _ = c.ReadU16()
	h.InputSampleRate, _ = c.ReadU32()
	gain, _ := c.ReadU16()
	h.OutputGain = int16(gain)
	h.ChannelMappingFamily, _ = c.ReadU8()
	if h.ChannelMappingFamily != 0 {
		n := 2 + int(h.OutputChannelCount)
		rest, err := c.ReadSlice(n)
		if err != nil {
			return nil, err
		}
		h.StreamCount, h.CoupledCount = rest[0], rest[1]
		h.ChannelMapping = append([]byte(nil), rest[2:]...)
	}
	return finish(c, &DOps{Head: h})
}
