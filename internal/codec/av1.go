package codec

import (
	"fmt"

	"github.com/zsiec/beam/internal/bytesio"
)

// AV1 OBU types (AV1 spec 6.2.2).
const (
	OBUSequenceHeader       = 1
	OBUTemporalDelimiter    = 2
	OBUFrameHeader          = 3
	OBUTileGroup            = 4
	OBUMetadata             = 5
	OBUFrame                = 6
	OBURedundantFrameHeader = 7
	OBUPadding              = 15
)

// OBU is one open bitstream unit.
type OBU struct {
	Type   uint8
	Header []byte // obu_header and optional extension and size field
	Data   []byte // payload
}

// ParseOBUs splits a low-overhead bitstream format buffer into OBUs. An OBU
// without obu_has_size_field extends to the end of the buffer.
func ParseOBUs(data []byte) ([]OBU, error) {
	var obus []OBU
	for len(data) > 0 {
		start := data
		h := data[0]
		if h&0x80 != 0 {
			return nil, invalid("OBU forbidden bit set", nil)
		}
		obuType := (h >> 3) & 0x0F
		hasExt := h&0x04 != 0
		hasSize := h&0x02 != 0
		n := 1
		if hasExt {
			n++
		}
		if len(data) < n {
			return nil, invalid("OBU header", bytesio.ErrEOF)
		}
		size := len(data) - n
		if hasSize {
			v, l := readLEB128(data[n:])
			if l == 0 {
				return nil, invalid("OBU size", bytesio.ErrEOF)
			}
			n += l
			if v > uint64(len(data)-n) {
				return nil, invalid("OBU size exceeds buffer", nil)
			}
			size = int(v)
		}
		obus = append(obus, OBU{Type: obuType, Header: start[:n], Data: start[n : n+size]})
		data = data[n+size:]
	}
	return obus, nil
}

func readLEB128(b []byte) (uint64, int) {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]&0x7f) << (uint(i) * 7)
		if b[i]&0x80 == 0 {
			return v, i + 1
		}
	}
	return 0, 0
}

// StripTemporalDelimiters removes temporal delimiter OBUs from a sample, as
// required by the AV1 ISO-BMFF binding. The input is returned unchanged when
// it contains none or cannot be parsed.
func StripTemporalDelimiters(sample []byte) []byte {
	obus, err := ParseOBUs(sample)
	if err != nil {
		return sample
	}
	found := false
	for _, o := range obus {
		if o.Type == OBUTemporalDelimiter {
			found = true
			break
		}
	}
	if !found {
		return sample
	}
	out := make([]byte, 0, len(sample))
	for _, o := range obus {
		if o.Type != OBUTemporalDelimiter {
			out = append(out, o.Header...)
			out = append(out, o.Data...)
		}
	}
	return out
}

// AV1SequenceHeader holds the fields of a sequence header OBU that matter
// for packaging and playlist signalling.
type AV1SequenceHeader struct {
	Profile                 uint8
	StillPicture            bool
	ReducedStillPicture     bool
	Level                   uint8
	Tier                    uint8
	Width                   int
	Height                  int
	BitDepth                uint8
	MonoChrome              bool
	SubsamplingX            bool
	SubsamplingY            bool
	ChromaSamplePosition    uint8
	ColorPrimaries          uint8
	TransferCharacteristics uint8
	MatrixCoefficients      uint8
	FullRange               bool
	// FrameRate is derived from timing_info when present, otherwise 0.
	FrameRate float64
}

// CodecString returns the RFC 6381 codec string (e.g. "av01.0.08M.08").
func (s AV1SequenceHeader) CodecString() string {
	tier := "M"
	if s.Tier == 1 {
		tier = "H"
	}
	return fmt.Sprintf("av01.%d.%02d%s.%02d", s.Profile, s.Level, tier, s.BitDepth)
}

// ParseAV1SequenceHeader parses the payload of a sequence header OBU (the
// bytes after the OBU header and size field).
func ParseAV1SequenceHeader(payload []byte) (AV1SequenceHeader, error) {
	p := newBitParser(payload)
	var sh AV1SequenceHeader

	sh.Profile = uint8(p.u(3))
	sh.StillPicture = p.flag()
	sh.ReducedStillPicture = p.flag()

	if sh.ReducedStillPicture {
		sh.Level = uint8(p.u(5))
	} else {
		var decoderModelInfoPresent bool
		var bufferDelayLength int
		if p.flag() { // timing_info_present_flag
			numUnitsInDisplayTick := p.u(32)
			timeScale := p.u(32)
			if p.flag() { // equal_picture_interval
				p.uvlc()
			}
			if numUnitsInDisplayTick > 0 {
				sh.FrameRate = float64(timeScale) / float64(numUnitsInDisplayTick)
			}
			decoderModelInfoPresent = p.flag()
			if decoderModelInfoPresent {
				bufferDelayLength = int(p.u(5)) + 1
				p.skip(32) // num_units_in_decoding_tick
				p.skip(5)  // buffer_removal_time_length_minus_1
				p.skip(5)  // frame_presentation_time_length_minus_1
			}
		}
		initialDisplayDelayPresent := p.flag()
		opCount := int(p.u(5)) + 1
		for i := 0; i < opCount && p.err == nil; i++ {
			p.skip(12) // operating_point_idc
			level := uint8(p.u(5))
			var tier uint8
			if level > 7 {
				tier = uint8(p.u(1))
			}
			if i == 0 {
				sh.Level, sh.Tier = level, tier
			}
			if decoderModelInfoPresent && p.flag() {
				p.skip(bufferDelayLength) // decoder_buffer_delay
				p.skip(bufferDelayLength) // encoder_buffer_delay
				p.skip(1)                 // low_delay_mode_flag
			}
			if initialDisplayDelayPresent && p.flag() {
				p.skip(4)
			}
		}
	}

	widthBits := int(p.u(4)) + 1
	heightBits := int(p.u(4)) + 1
	sh.Width = int(p.u(widthBits)) + 1
	sh.Height = int(p.u(heightBits)) + 1

	if !sh.ReducedStillPicture && p.flag() { // frame_id_numbers_present_flag
		p.skip(4)
		p.skip(3)
	}
	p.skip(3) // use_128x128_superblock, enable_filter_intra, enable_intra_edge_filter
	if !sh.ReducedStillPicture {
		p.skip(4) // interintra, masked compound, warped motion, dual filter
		enableOrderHint := p.flag()
		if enableOrderHint {
			p.skip(2) // jnt_comp, ref_frame_mvs
		}
		forceScreenContentTools := uint64(2)
		if !p.flag() { // seq_choose_screen_content_tools
			forceScreenContentTools = p.u(1)
		}
		if forceScreenContentTools > 0 {
			if !p.flag() { // seq_choose_integer_mv
				p.skip(1)
			}
		}
		if enableOrderHint {
			p.skip(3)
		}
	}
	p.skip(3) // enable_superres, enable_cdef, enable_restoration

	parseAV1ColorConfig(p, &sh)
	p.skip(1) // film_grain_params_present

	if p.err != nil {
		return AV1SequenceHeader{}, invalid("AV1 sequence header", p.err)
	}
	return sh, nil
}

func parseAV1ColorConfig(p *bitParser, sh *AV1SequenceHeader) {
	highBitDepth := p.flag()
	sh.BitDepth = 8
	switch {
	case sh.Profile == 2 && highBitDepth:
		if p.flag() {
			sh.BitDepth = 12
		} else {
			sh.BitDepth = 10
		}
	case highBitDepth:
		sh.BitDepth = 10
	}
	if sh.Profile != 1 {
		sh.MonoChrome = p.flag()
	}

	sh.ColorPrimaries, sh.TransferCharacteristics, sh.MatrixCoefficients = 2, 2, 2
	if p.flag() { // color_description_present_flag
		sh.ColorPrimaries = uint8(p.u(8))
		sh.TransferCharacteristics = uint8(p.u(8))
		sh.MatrixCoefficients = uint8(p.u(8))
	}

	switch {
	case sh.MonoChrome:
		sh.FullRange = p.flag()
		sh.SubsamplingX, sh.SubsamplingY = true, true
		return
	case sh.ColorPrimaries == 1 && sh.TransferCharacteristics == 13 && sh.MatrixCoefficients == 0:
		sh.FullRange = true
	default:
		sh.FullRange = p.flag()
		switch sh.Profile {
		case 0:
			sh.SubsamplingX, sh.SubsamplingY = true, true
		case 1:
		default:
			if sh.BitDepth == 12 {
				sh.SubsamplingX = p.flag()
				if sh.SubsamplingX {
					sh.SubsamplingY = p.flag()
				}
			} else {
				sh.SubsamplingX = true
			}
		}
		if sh.SubsamplingX && sh.SubsamplingY {
			sh.ChromaSamplePosition = uint8(p.u(2))
		}
	}
	p.skip(1) // separate_uv_delta_q
}

// AV1CodecConfig is an AV1CodecConfigurationRecord (av1C).
type AV1CodecConfig struct {
	SeqProfile                       uint8
	SeqLevelIdx0                     uint8
	SeqTier0                         uint8
	HighBitdepth                     bool
	TwelveBit                        bool
	MonoChrome                       bool
	ChromaSubsamplingX               bool
	ChromaSubsamplingY               bool
	ChromaSamplePosition             uint8
	InitialPresentationDelayPresent  bool
	InitialPresentationDelayMinusOne uint8
	ConfigOBUs                       []byte
}

// ParseAV1CodecConfig parses an av1C record.
func ParseAV1CodecConfig(data []byte) (*AV1CodecConfig, error) {
	if len(data) < 4 {
		return nil, invalid("av1C too short", nil)
	}
	if data[0] != 0x81 {
		return nil, invalid(fmt.Sprintf("av1C marker/version %#x", data[0]), nil)
	}
	cfg := &AV1CodecConfig{
		SeqProfile:                      data[1] >> 5,
		SeqLevelIdx0:                    data[1] & 0x1F,
		SeqTier0:                        data[2] >> 7,
		HighBitdepth:                    data[2]&0x40 != 0,
		TwelveBit:                       data[2]&0x20 != 0,
		MonoChrome:                      data[2]&0x10 != 0,
		ChromaSubsamplingX:              data[2]&0x08 != 0,
		ChromaSubsamplingY:              data[2]&0x04 != 0,
		ChromaSamplePosition:            data[2] & 0x03,
		InitialPresentationDelayPresent: data[3]&0x10 != 0,
	}
	if cfg.InitialPresentationDelayPresent {
		cfg.InitialPresentationDelayMinusOne = data[3] & 0x0F
	}
	if len(data) > 4 {
		cfg.ConfigOBUs = data[4:]
	}
	return cfg, nil
}

// Marshal serializes the record back into av1C form.
func (c *AV1CodecConfig) Marshal() []byte {
	b := make([]byte, 4, 4+len(c.ConfigOBUs))
	b[0] = 0x81
	b[1] = c.SeqProfile<<5 | c.SeqLevelIdx0&0x1F
	b[2] = c.SeqTier0<<7 | boolBit(c.HighBitdepth)<<6 | boolBit(c.TwelveBit)<<5 |
		boolBit(c.MonoChrome)<<4 | boolBit(c.ChromaSubsamplingX)<<3 |
		boolBit(c.ChromaSubsamplingY)<<2 | c.ChromaSamplePosition&0x03
	if c.InitialPresentationDelayPresent {
		b[3] = 0x10 | c.InitialPresentationDelayMinusOne&0x0F
	}
	return append(b, c.ConfigOBUs...)
}

// SequenceHeader locates and parses the sequence header OBU embedded in
// the record's configOBUs.
func (c *AV1CodecConfig) SequenceHeader() (AV1SequenceHeader, error) {
	obus, err := ParseOBUs(c.ConfigOBUs)
	if err != nil {
		return AV1SequenceHeader{}, err
	}
	for _, o := range obus {
		if o.Type == OBUSequenceHeader {
			return ParseAV1SequenceHeader(o.Data)
		}
	}
	return AV1SequenceHeader{}, invalid("av1C has no sequence header OBU", nil)
}

// AV1CodecConfigFromSequenceHeader builds an av1C record around a raw
// sequence header OBU, for encoders that send the bare OBU instead of a
// full record.
func AV1CodecConfigFromSequenceHeader(obu []byte) (*AV1CodecConfig, error) {
	obus, err := ParseOBUs(obu)
	if err != nil {
		return nil, err
	}
	for _, o := range obus {
		if o.Type != OBUSequenceHeader {
			continue
		}
		sh, err := ParseAV1SequenceHeader(o.Data)
		if err != nil {
			return nil, err
		}
		return &AV1CodecConfig{
			SeqProfile:           sh.Profile,
			SeqLevelIdx0:         sh.Level,
			SeqTier0:             sh.Tier,
			HighBitdepth:         sh.BitDepth > 8,
			TwelveBit:            sh.BitDepth == 12,
			MonoChrome:           sh.MonoChrome,
			ChromaSubsamplingX:   sh.SubsamplingX,
			ChromaSubsamplingY:   sh.SubsamplingY,
			ChromaSamplePosition: sh.ChromaSamplePosition,
			ConfigOBUs:           obu,
		}, nil
	}
	return nil, invalid("no sequence header OBU", nil)
}

func boolBit(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
